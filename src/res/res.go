// Package res tracks a system-wide budget of "heap growth" tokens,
// adapted from the teacher's res/bounds pairing in vm.Vm_t (see
// res.Resadd_noblock(gimme) guarding retry loops in vm/as.go). Here it
// guards zoneheap's zone creation and ioglue's library mapping: both grow
// the page allocator's footprint, and a buggy or hostile caller looping on
// either should fail with ENOMEM rather than exhaust physical frames.
package res

import "sync/atomic"

/// Budget_t is a depletable count of growth tokens.
type Budget_t struct {
	remain int64
}

/// NewBudget returns a budget with n tokens available.
func NewBudget(n int64) *Budget_t {
	return &Budget_t{remain: n}
}

/// Resadd_noblock attempts to charge n tokens against the budget without
/// blocking. It returns false if the budget is exhausted.
func Resadd_noblock(b *Budget_t, n int) bool {
	if atomic.AddInt64(&b.remain, -int64(n)) >= 0 {
		return true
	}
	atomic.AddInt64(&b.remain, int64(n))
	return false
}

/// Resgive returns n tokens to the budget, e.g. when a zone or library is
/// torn down and its growth token is reclaimed.
func Resgive(b *Budget_t, n int) {
	atomic.AddInt64(&b.remain, int64(n))
}

/// Remaining reports the current token count, for diagnostics.
func Remaining(b *Budget_t) int64 {
	return atomic.LoadInt64(&b.remain)
}
