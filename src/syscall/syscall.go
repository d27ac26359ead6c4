// Package syscall implements the trampoline and table of spec.md section
// 4.5, grounded in original_source/sys/syscall/syscall.c (_sc_execute's
// user-stack mapping and argument-skip arithmetic, sc_setSyscallHandler's
// bounds assert) and syscall.h's SYS_* numbering, which spec.md section
// 4.5 carries forward verbatim as the module's stable wire numbers.
package syscall

import (
	"os"
	"sync"

	"cinderkeep/src/caller"
	"cinderkeep/src/defs"
	"cinderkeep/src/pagealloc"
	"cinderkeep/src/sched"
	"cinderkeep/src/util"
)

/// Num_t is a syscall table slot (spec.md section 4.5's enumerated,
/// stable wire numbers).
type Num_t uint32

const (
	PRINT Num_t = iota
	PRINTCOLOR
	EXIT
	YIELD
	THREADATTACH
	THREADEXIT
	THREADJOIN
	PROCESSCREATE
	PROCESSKILL
	MMAP
	MUNMAP
	MPROTECT
	FORK
	ERRNO
	TLS_ALLOCATE
	TLS_FREE
	TLS_SET
	TLS_GET
	SLEEP
)

/// MaxTable is the maximum number of syscall slots (spec.md section 4.5:
/// "Max table size 128").
const MaxTable = 128

/// Args gives a handler word-sized access to the caller's argument list,
/// already positioned past the return address and syscall number the
/// trampoline skips (spec.md section 4.5: "computes a pointer into it
/// that skips the syscall-return address and syscall-number slot").
type Args struct {
	words []byte // little-endian words starting at argument 0
	valid bool   // false when the trampoline failed to map the user stack
}

/// Word returns the i'th 4-byte argument, or 0 if i is out of range —
/// which is always true when Valid() is false, since words is then empty.
func (a Args) Word(i int) uint32 {
	off := i * 4
	if off+4 > len(a.words) {
		return 0
	}
	b := a.words[off:]
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

/// Valid reports whether the trampoline successfully mapped the user
/// stack this Args was built from. A handler invoked with Valid() false
/// must decide for itself whether the failed mapping means EINVAL (bad
/// pointer) or ENOMEM (allocator exhausted resolving it) — spec.md
/// section 4.5: "Invalid user pointers are caught by the mapping step
/// (returns null, handler sets EINVAL/ENOMEM)."
func (a Args) Valid() bool { return a.valid }

/// Handler is a registered syscall implementation. It receives the
/// calling thread so process/thread/ipc initializers can dispatch into
/// sched (thread_getTLSArea and friends all act on the caller's own
/// Thread_t), returns the value to be marshalled into the saved eax, and
/// sets *errno when it fails (spec.md section 4.5's result-marshalling
/// contract).
type Handler func(thread *sched.Thread_t, args Args, errno *defs.Err_t) uint32

/// Table is the syscall dispatch table, one per kernel instance.
type Table struct {
	mu       sync.Mutex
	handlers [MaxTable]Handler
	unknown  caller.Distinct_caller_t
}

/// NewTable returns an empty table with every slot unregistered.
func NewTable() *Table {
	t := &Table{}
	t.unknown.Enabled = true
	return t
}

/// SetHandler installs callback at slot num. It panics if num is out of
/// range, matching sc_setSyscallHandler's assert(syscall >= 0 && syscall
/// < _SYS_MAXCALLS) — an out-of-range registration is a kernel build bug,
/// never a user-triggerable condition.
func (t *Table) SetHandler(num Num_t, callback Handler) {
	if int(num) < 0 || int(num) >= MaxTable {
		panic("syscall: handler slot out of range")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[num] = callback
}

/// CPUState is the subset of the saved trampoline frame the dispatcher
/// reads and writes, standing in for cpu_state_t in the original: Eax
/// carries the syscall number in and the result out, Ecx carries errno
/// out when set, Esp is the saved user stack pointer the trampoline
/// mapped in to find arguments.
type CPUState struct {
	Eax uint32
	Ecx uint32
	Esp pagealloc.Va_t
}

// mapUserWords resolves the page containing uesp in dir and returns a
// byte window starting at uesp within that page's backing frame,
// advanced past the return-address and syscall-number words exactly as
// _sc_execute's "uesp++; uesp++;" does.
func mapUserWords(dir *pagealloc.Directory, alloc *pagealloc.Allocator, uesp pagealloc.Va_t) ([]byte, bool) {
	pageBase := pagealloc.Va_t(util.Rounddown(int(uesp), pagealloc.PageSize))
	pa, _, ok := dir.Resolve(pageBase)
	if !ok {
		return nil, false
	}
	page := alloc.Slice(pa, pagealloc.PageSize)
	offset := int(uintptr(uesp) % pagealloc.PageSize)
	if offset+8 > len(page) {
		return nil, false
	}
	return page[offset+8:], true // +8: skip return address and syscall number
}

/// Execute is the trampoline: it looks up state.Eax in t, maps the user
/// stack found at state.Esp, invokes the handler, and marshals the result
/// back into state (spec.md section 4.5's "Result marshalling"). It
/// returns false if the syscall number has no registered handler, in
/// which case state is left untouched (spec.md: "logs once and returns
/// without modifying eax/ecx"). A failed mapping does not short-circuit
/// the handler: spec.md section 4.5 leaves the EINVAL/ENOMEM choice to the
/// handler itself, so Execute still calls it, with Args.Valid() false and
/// every Word() reading 0.
func (t *Table) Execute(thread *sched.Thread_t, state *CPUState, dir *pagealloc.Directory, alloc *pagealloc.Allocator, threadErrno *defs.Err_t) bool {
	if int(state.Eax) < 0 || int(state.Eax) >= MaxTable {
		t.logUnknown()
		return false
	}
	t.mu.Lock()
	handler := t.handlers[state.Eax]
	t.mu.Unlock()

	if handler == nil {
		t.logUnknown()
		return false
	}

	words, ok := mapUserWords(dir, alloc, state.Esp)

	var errno defs.Err_t
	result := handler(thread, Args{words: words, valid: ok}, &errno)

	state.Eax = result
	if errno != 0 {
		state.Ecx = uint32(errno)
	}
	*threadErrno = errno
	return true
}

func (t *Table) logUnknown() {
	if ok, trace := t.unknown.Distinct(); ok {
		caller.Dump(os.Stderr, trace)
	}
}
