// Package bounds enumerates the kernel call sites that may need to grow
// the heap, so res can charge them against a budget instead of letting an
// allocation storm starve the page allocator. This mirrors the teacher's
// bounds package, which vm.Vm_t._userdmap8-adjacent code consults via
// bounds.Bounds(bounds.B_ASPACE_T_K2USER_INNER) before every retry of a
// user-copy loop; the package itself ships empty in the teacher's tree
// (only its call sites, in vm/as.go, survived retrieval) so the constants
// below are named for this module's own call sites.
package bounds

/// Bkey_t identifies a call site that consumes heap growth budget.
type Bkey_t int

const (
	/// B_ZONEHEAP_T_ALLOC is charged once per zone creation triggered by
	/// zoneheap.Alloc.
	B_ZONEHEAP_T_ALLOC Bkey_t = iota
	/// B_IOGLUE_T_LOAD is charged once per ELF object mapped into a
	/// directory by ioglue.Store.Load.
	B_IOGLUE_T_LOAD
	/// B_SCHED_T_THREADCREATE is charged once per thread created by
	/// sched.ThreadCreate.
	B_SCHED_T_THREADCREATE
)

/// Bounds returns the budget bucket for the call site k.
func Bounds(k Bkey_t) int {
	switch k {
	case B_ZONEHEAP_T_ALLOC:
		return 1
	case B_IOGLUE_T_LOAD:
		return 1
	case B_SCHED_T_THREADCREATE:
		return 1
	}
	panic("unknown bounds key")
}
