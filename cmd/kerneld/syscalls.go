package main

import (
	"cinderkeep/src/console"
	"cinderkeep/src/defs"
	"cinderkeep/src/pagealloc"
	"cinderkeep/src/sched"
	"cinderkeep/src/syscall"
	"cinderkeep/src/zoneheap"
)

// registerSyscalls installs every handler kerneld itself owns, the "small
// set of initializers...registering its handlers during boot" spec.md
// section 4.5 describes for process/thread/mmap/ipc. Each Handler now
// receives the calling thread, so the process/thread/TLS initializers
// below dispatch straight into sched instead of needing a side channel
// out of the table.
func registerSyscalls(t *syscall.Table, con *console.Console, heap *zoneheap.Heap, sc *sched.Scheduler, alloc *pagealloc.Allocator) {
	t.SetHandler(syscall.PRINT, func(thread *sched.Thread_t, args syscall.Args, errno *defs.Err_t) uint32 {
		con.Printf("[kernel] print syscall: arg0=%#x\n", args.Word(0))
		return 0
	})

	t.SetHandler(syscall.PRINTCOLOR, func(thread *sched.Thread_t, args syscall.Args, errno *defs.Err_t) uint32 {
		con.Write([]byte{14, byte(16 + args.Word(1)%16)})
		con.Printf("[kernel] print syscall: arg0=%#x\n", args.Word(0))
		con.Write([]byte{14, 16 + byte(console.LightGray)})
		return 0
	})

	t.SetHandler(syscall.ERRNO, func(thread *sched.Thread_t, args syscall.Args, errno *defs.Err_t) uint32 {
		return 0
	})

	t.SetHandler(syscall.EXIT, func(thread *sched.Thread_t, args syscall.Args, errno *defs.Err_t) uint32 {
		return args.Word(0)
	})

	t.SetHandler(syscall.MMAP, func(thread *sched.Thread_t, args syscall.Args, errno *defs.Err_t) uint32 {
		size := int(args.Word(0))
		if size <= 0 {
			*errno = -defs.EINVAL
			return 0
		}
		ptr := zoneheap.Alloc(heap, size)
		return uint32(ptr)
	})

	t.SetHandler(syscall.MUNMAP, func(thread *sched.Thread_t, args syscall.Args, errno *defs.Err_t) uint32 {
		zoneheap.Free(heap, uintptr(args.Word(0)))
		return 0
	})

	t.SetHandler(syscall.MPROTECT, func(thread *sched.Thread_t, args syscall.Args, errno *defs.Err_t) uint32 {
		va := pagealloc.Va_t(args.Word(0))
		n := int(args.Word(1))
		perm := pagealloc.Perm_t(args.Word(2))
		dir := thread.Proc.Dir
		for i := 0; i < n; i++ {
			pageVa := va + pagealloc.Va_t(i*pagealloc.PageSize)
			pa, _, ok := dir.Resolve(pageVa)
			if !ok {
				*errno = -defs.EINVAL
				return ^uint32(0)
			}
			dir.Map(pageVa, pa, 1, perm)
		}
		return 0
	})

	t.SetHandler(syscall.YIELD, func(thread *sched.Thread_t, args syscall.Args, errno *defs.Err_t) uint32 {
		sched.Yield(thread)
		return 0
	})

	t.SetHandler(syscall.SLEEP, func(thread *sched.Thread_t, args syscall.Args, errno *defs.Err_t) uint32 {
		sched.Sleep(thread, int(args.Word(0)))
		return 0
	})

	t.SetHandler(syscall.THREADATTACH, func(thread *sched.Thread_t, args syscall.Args, errno *defs.Err_t) uint32 {
		nt, terr := sc.ThreadCreate(thread.Proc, func(*sched.Thread_t) {})
		if terr != 0 {
			*errno = terr
			return 0
		}
		return uint32(nt.Tid)
	})

	t.SetHandler(syscall.THREADEXIT, func(thread *sched.Thread_t, args syscall.Args, errno *defs.Err_t) uint32 {
		sched.Exit(thread)
		return 0 // unreachable: Exit never returns control to its caller
	})

	t.SetHandler(syscall.THREADJOIN, func(thread *sched.Thread_t, args syscall.Args, errno *defs.Err_t) uint32 {
		target, ok := thread.Proc.ThreadByTid(defs.Tid_t(args.Word(0)))
		if !ok {
			*errno = -defs.EINVAL
			return 0
		}
		sched.Join(thread, target)
		return 0
	})

	t.SetHandler(syscall.PROCESSCREATE, func(thread *sched.Thread_t, args syscall.Args, errno *defs.Err_t) uint32 {
		dir := pagealloc.NewDirectory(alloc, false)
		proc := sc.NewTask(dir)
		if _, terr := sc.ThreadCreate(proc, func(*sched.Thread_t) {}); terr != 0 {
			*errno = terr
			return 0
		}
		return uint32(proc.Pid)
	})

	// PROCESSKILL only recognizes the caller's own pid: sched keeps no
	// pid-to-Task_t registry, only the Task_t pointers its callers already
	// hold, so there is nothing to resolve an arbitrary target pid against.
	t.SetHandler(syscall.PROCESSKILL, func(thread *sched.Thread_t, args syscall.Args, errno *defs.Err_t) uint32 {
		if defs.Pid_t(args.Word(0)) != thread.Proc.Pid {
			*errno = -defs.EINVAL
			return 0
		}
		sc.Kill(thread.Proc)
		return 0
	})

	t.SetHandler(syscall.FORK, func(thread *sched.Thread_t, args syscall.Args, errno *defs.Err_t) uint32 {
		child, _, ferr := sc.Fork(thread.Proc, func(*sched.Thread_t) {})
		if ferr != 0 {
			*errno = ferr
			return 0
		}
		return uint32(child.Pid)
	})

	t.SetHandler(syscall.TLS_ALLOCATE, func(thread *sched.Thread_t, args syscall.Args, errno *defs.Err_t) uint32 {
		return sc.AllocateTLSKey()
	})

	t.SetHandler(syscall.TLS_FREE, func(thread *sched.Thread_t, args syscall.Args, errno *defs.Err_t) uint32 {
		sc.FreeTLSKey(args.Word(0))
		return 0
	})

	t.SetHandler(syscall.TLS_SET, func(thread *sched.Thread_t, args syscall.Args, errno *defs.Err_t) uint32 {
		thread.TLSSet(args.Word(0), uintptr(args.Word(1)))
		return 0
	})

	t.SetHandler(syscall.TLS_GET, func(thread *sched.Thread_t, args syscall.Args, errno *defs.Err_t) uint32 {
		v, ok := thread.TLSGet(args.Word(0))
		if !ok {
			*errno = -defs.EINVAL
			return 0
		}
		return uint32(v)
	})
}
