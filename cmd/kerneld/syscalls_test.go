package main

import (
	"bytes"
	"testing"

	"cinderkeep/src/console"
	"cinderkeep/src/defs"
	"cinderkeep/src/pagealloc"
	"cinderkeep/src/sched"
	"cinderkeep/src/syscall"
	"cinderkeep/src/zoneheap"
)

func newTestDispatch(t *testing.T) (*syscall.Table, *pagealloc.Allocator, *pagealloc.Directory, *sched.Scheduler, *sched.Thread_t) {
	t.Helper()
	alloc, err := pagealloc.New(64)
	if err != nil {
		t.Fatalf("pagealloc.New: %v", err)
	}
	t.Cleanup(func() { alloc.Close() })

	dir := pagealloc.NewDirectory(alloc, true)
	pa, aerr := alloc.Alloc()
	if aerr != 0 {
		t.Fatalf("alloc.Alloc: %v", aerr)
	}
	dir.Map(0x1000, pa, 1, pagealloc.PERM_R|pagealloc.PERM_W)

	heap := zoneheap.Create(0, alloc)
	sc := sched.New()
	table := syscall.NewTable()
	registerSyscalls(table, console.New(&bytes.Buffer{}), heap, sc, alloc)

	proc := sc.NewTask(dir)
	th, terr := sc.ThreadCreate(proc, func(*sched.Thread_t) {})
	if terr != 0 {
		t.Fatalf("ThreadCreate: %v", terr)
	}
	return table, alloc, dir, sc, th
}

// putArgs writes words starting at uesp+8, past the return-address and
// syscall-number slots the trampoline skips (spec.md section 4.5); those
// two slots themselves are left as they are.
func putArgs(alloc *pagealloc.Allocator, dir *pagealloc.Directory, uesp pagealloc.Va_t, words ...uint32) {
	pa, _, _ := dir.Resolve(uesp)
	page := alloc.Bytes(pa-pagealloc.Pa_t(uintptr(uesp)%pagealloc.PageSize), 1)
	off := int(uintptr(uesp) % pagealloc.PageSize)
	for i, w := range words {
		b := page[off+8+i*4:]
		b[0] = byte(w)
		b[1] = byte(w >> 8)
		b[2] = byte(w >> 16)
		b[3] = byte(w >> 24)
	}
}

func TestExitSyscallReturnsItsArgument(t *testing.T) {
	table, alloc, dir, _, th := newTestDispatch(t)
	putArgs(alloc, dir, 0x1000, 42)

	state := &syscall.CPUState{Eax: uint32(syscall.EXIT), Esp: 0x1000}
	var errno defs.Err_t
	if ok := table.Execute(th, state, dir, alloc, &errno); !ok {
		t.Fatal("Execute reported no handler for EXIT")
	}
	if state.Eax != 42 {
		t.Fatalf("EXIT result = %d, want 42", state.Eax)
	}
}

func TestMmapMunmapRoundTrip(t *testing.T) {
	table, alloc, dir, _, th := newTestDispatch(t)
	putArgs(alloc, dir, 0x1000, 128)

	state := &syscall.CPUState{Eax: uint32(syscall.MMAP), Esp: 0x1000}
	var errno defs.Err_t
	if ok := table.Execute(th, state, dir, alloc, &errno); !ok {
		t.Fatal("Execute reported no handler for MMAP")
	}
	if state.Eax == 0 {
		t.Fatal("MMAP returned a null pointer")
	}

	putArgs(alloc, dir, 0x1000, state.Eax)
	state2 := &syscall.CPUState{Eax: uint32(syscall.MUNMAP), Esp: 0x1000}
	if ok := table.Execute(th, state2, dir, alloc, &errno); !ok {
		t.Fatal("Execute reported no handler for MUNMAP")
	}
}

func TestUnregisteredSyscallLeavesStateUntouched(t *testing.T) {
	table, alloc, dir, _, th := newTestDispatch(t)
	state := &syscall.CPUState{Eax: 50, Ecx: 0xdead} // every enumerated Num_t is registered; 50 is not
	var errno defs.Err_t
	if ok := table.Execute(th, state, dir, alloc, &errno); ok {
		t.Fatal("Execute reported a handler for an unregistered syscall")
	}
	if state.Ecx != 0xdead {
		t.Fatalf("Execute modified state for an unregistered syscall: Ecx=%#x", state.Ecx)
	}
}

func TestThreadAttachReturnsNewTid(t *testing.T) {
	table, alloc, dir, _, th := newTestDispatch(t)
	state := &syscall.CPUState{Eax: uint32(syscall.THREADATTACH), Esp: 0x1000}
	var errno defs.Err_t
	if ok := table.Execute(th, state, dir, alloc, &errno); !ok {
		t.Fatal("Execute reported no handler for THREADATTACH")
	}
	if state.Eax == uint32(th.Tid) {
		t.Fatalf("THREADATTACH returned the caller's own tid %d", state.Eax)
	}
}

func TestForkSyscallReturnsDistinctPid(t *testing.T) {
	table, alloc, dir, _, th := newTestDispatch(t)
	state := &syscall.CPUState{Eax: uint32(syscall.FORK), Esp: 0x1000}
	var errno defs.Err_t
	if ok := table.Execute(th, state, dir, alloc, &errno); !ok {
		t.Fatal("Execute reported no handler for FORK")
	}
	if state.Eax == uint32(th.Proc.Pid) {
		t.Fatalf("FORK returned the parent's own pid %d", state.Eax)
	}
}

func TestProcessCreateThenKillSelf(t *testing.T) {
	table, alloc, dir, sc, th := newTestDispatch(t)
	state := &syscall.CPUState{Eax: uint32(syscall.PROCESSCREATE), Esp: 0x1000}
	var errno defs.Err_t
	if ok := table.Execute(th, state, dir, alloc, &errno); !ok {
		t.Fatal("Execute reported no handler for PROCESSCREATE")
	}
	if state.Eax == 0 {
		t.Fatal("PROCESSCREATE returned pid 0")
	}

	putArgs(alloc, dir, 0x1000, uint32(th.Proc.Pid))
	killState := &syscall.CPUState{Eax: uint32(syscall.PROCESSKILL), Esp: 0x1000}
	if ok := table.Execute(th, killState, dir, alloc, &errno); !ok {
		t.Fatal("Execute reported no handler for PROCESSKILL")
	}
	if !th.Proc.Died() {
		t.Fatal("PROCESSKILL on the caller's own pid did not mark it died")
	}
	if th.State() != sched.Died {
		t.Fatalf("th.State() = %v after PROCESSKILL, want Died", th.State())
	}
	// The process PROCESSCREATE made is still alive, so its thread is the
	// only runnable one left on the run-list.
	if got := sc.Schedule(); got == nil || got == th || uint32(got.Proc.Pid) != state.Eax {
		t.Fatalf("Schedule() after PROCESSKILL returned %v, want the created process's thread (killed thread must not run again)", got)
	}
}

func TestProcessKillRejectsForeignPid(t *testing.T) {
	table, alloc, dir, _, th := newTestDispatch(t)
	putArgs(alloc, dir, 0x1000, uint32(th.Proc.Pid)+1)
	state := &syscall.CPUState{Eax: uint32(syscall.PROCESSKILL), Esp: 0x1000}
	var errno defs.Err_t
	table.Execute(th, state, dir, alloc, &errno)
	if errno != -defs.EINVAL {
		t.Fatalf("PROCESSKILL on a foreign pid returned errno %v, want -EINVAL", errno)
	}
}

func TestTLSAllocateSetGetRoundTrip(t *testing.T) {
	table, alloc, dir, _, th := newTestDispatch(t)

	allocState := &syscall.CPUState{Eax: uint32(syscall.TLS_ALLOCATE), Esp: 0x1000}
	var errno defs.Err_t
	if ok := table.Execute(th, allocState, dir, alloc, &errno); !ok {
		t.Fatal("Execute reported no handler for TLS_ALLOCATE")
	}
	key := allocState.Eax
	if key == uint32(sched.TLSInvalidKey) {
		t.Fatal("TLS_ALLOCATE returned TLSInvalidKey")
	}

	putArgs(alloc, dir, 0x1000, key, 0xBEEF)
	setState := &syscall.CPUState{Eax: uint32(syscall.TLS_SET), Esp: 0x1000}
	if ok := table.Execute(th, setState, dir, alloc, &errno); !ok {
		t.Fatal("Execute reported no handler for TLS_SET")
	}

	putArgs(alloc, dir, 0x1000, key)
	getState := &syscall.CPUState{Eax: uint32(syscall.TLS_GET), Esp: 0x1000}
	if ok := table.Execute(th, getState, dir, alloc, &errno); !ok {
		t.Fatal("Execute reported no handler for TLS_GET")
	}
	if getState.Eax != 0xBEEF {
		t.Fatalf("TLS_GET = %#x, want 0xBEEF", getState.Eax)
	}
}

func TestMprotectChangesPagePermissions(t *testing.T) {
	table, alloc, dir, _, th := newTestDispatch(t)
	putArgs(alloc, dir, 0x1000, uint32(0x1000), 1, uint32(pagealloc.PERM_R))

	state := &syscall.CPUState{Eax: uint32(syscall.MPROTECT), Esp: 0x1000}
	var errno defs.Err_t
	if ok := table.Execute(th, state, dir, alloc, &errno); !ok {
		t.Fatal("Execute reported no handler for MPROTECT")
	}
	_, perm, ok := dir.Resolve(0x1000)
	if !ok {
		t.Fatal("page unmapped after MPROTECT")
	}
	if perm&pagealloc.PERM_W != 0 {
		t.Fatal("MPROTECT did not drop PERM_W")
	}
}
