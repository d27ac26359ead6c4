// Command kerneld boots the simulated kernel: it wires together the page
// allocator, zone heap, scheduler, syscall table, and ioglue library store
// in the same order spec.md section 2's control-flow line does (multiboot
// -> phys-mem -> virt-mem -> heap zones -> scheduler -> syscalls -> ioglue
// -> kernel daemon main loop), and is the hosted stand-in for the
// teacher's kernel/main.go entry point. Bringing up the interrupt-driven
// timer and the real multiboot handoff are both external collaborators
// per spec.md section 1, so this binary takes their output as flags
// instead.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"golang.org/x/sync/errgroup"

	"cinderkeep/src/console"
	"cinderkeep/src/defs"
	"cinderkeep/src/diag"
	"cinderkeep/src/ioglue"
	"cinderkeep/src/multiboot"
	"cinderkeep/src/pagealloc"
	"cinderkeep/src/sched"
	"cinderkeep/src/syscall"
	"cinderkeep/src/zoneheap"
)

var (
	flagFrames      = flag.Int("frames", 8192, "physical frames to simulate (spec.md section 3)")
	flagNCPU        = flag.Int("ncpu", 1, "application CPUs to bring up alongside the bootstrap CPU")
	flagLibDir      = flag.String("libdir", "/lib", "ioglue search path for DT_NEEDED resolution")
	flagCmdline     = flag.String("cmdline", "", "multiboot kernel command line, e.g. --no-ioglue")
	flagHeapProfile = flag.String("heap-profile", "", "write a pprof heap profile of the zone heap here on shutdown")
)

func main() {
	flag.Parse()
	con := console.New(os.Stdout)

	info := multiboot.Info{CommandLine: *flagCmdline}
	cfg := defs.DefaultConfig()
	cfg.NoIoglue = info.HasFlag("no-ioglue")

	alloc, err := pagealloc.New(*flagFrames)
	if err != nil {
		con.Printf("kerneld: %v\n", err)
		os.Exit(1)
	}
	defer alloc.Close()

	kdir := pagealloc.NewDirectory(alloc, true)
	heap := zoneheap.Create(zoneheap.Secure, alloc)
	sc := sched.New()
	store := ioglue.NewStore(cfg)
	table := syscall.NewTable()
	registerSyscalls(table, con, heap, sc, alloc)

	kernTask := sc.NewTask(kdir)

	if cfg.NoIoglue {
		// spec.md section 8 scenario 2: init returns true without
		// loading libraries, symbol table empty except kernel stubs.
		con.Printf("--no-ioglue: dynamic library loading disabled\n")
	} else if err := bootIoglue(con, store, kdir, alloc, *flagLibDir); err != nil {
		con.Printf("kerneld: ioglue boot failed: %v\n", err)
		os.Exit(1)
	}

	g, ctx := errgroup.WithContext(context.Background())
	stop := make(chan struct{})
	for i := 0; i < *flagNCPU; i++ {
		cpuID := i
		g.Go(func() error {
			return runCPU(ctx, cpuID, sc, stop)
		})
	}

	// The kernel daemon main loop thread (spec.md section 2): it has
	// nothing left to do once boot completes in this hosted port, so it
	// exits immediately, which signals the per-CPU loops to stop.
	done := make(chan struct{})
	sc.ThreadCreate(kernTask, func(t *sched.Thread_t) {
		close(done)
	})
	<-done
	close(stop)

	if err := g.Wait(); err != nil {
		con.Printf("kerneld: cpu loop error: %v\n", err)
		os.Exit(1)
	}

	if *flagHeapProfile != "" {
		if err := writeHeapProfile(heap, *flagHeapProfile); err != nil {
			con.Printf("kerneld: heap profile: %v\n", err)
			os.Exit(1)
		}
	}
}

// writeHeapProfile is the hosted stand-in for the teacher's commented-out
// "%" debug key in kernel/main.go, which dumped a bprof_t of the heap to
// the console on demand; this port writes the same pprof-format profile
// to a file instead, since there is no serial console to hexdump it over.
func writeHeapProfile(heap *zoneheap.Heap, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return diag.WriteHeapProfile(heap, f)
}

// runCPU is one application CPU's dispatch loop: call Schedule until told
// to stop, mirroring cpus_start/ap_entry's "each AP runs the same
// scheduling loop as the bootstrap CPU" from spec.md section 4.3's notes,
// without any of the IPI/real-mode bring-up machinery that requires.
func runCPU(ctx context.Context, id int, sc *sched.Scheduler, stop <-chan struct{}) error {
	for {
		select {
		case <-stop:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if sc.Schedule() == nil {
			return nil // nothing left runnable
		}
	}
}

// bootIoglue loads libkernel.so then libio.so from libdir, the two
// essential libraries spec.md section 8 scenario 1 names, calls their
// init arrays, and resolves/invokes libio_init, matching io_init's
// sequencing in original_source/sys/ioglue/iostore.c exactly.
func bootIoglue(con *console.Console, store *ioglue.Store, dir *pagealloc.Directory, alloc *pagealloc.Allocator, libdir string) error {
	libkernel, err := store.Load(libdir+"/libkernel.so", dir, alloc, 0xC0100000)
	if err != 0 {
		return fmt.Errorf("libkernel.so: %v", err)
	}
	store.SetKernelStubs(libkernel)
	ioglue.CallInitFunctions(libkernel, func(addr uintptr) {})

	libio, err := store.Load(libdir+"/libio.so", dir, alloc, 0xC0200000)
	if err != 0 {
		return fmt.Errorf("libio.so: %v", err)
	}
	ioglue.CallInitFunctions(libio, func(addr uintptr) {})

	// This port has no x86 instruction-level executor to run libio_init's
	// actual machine code at its resolved address; mirroring
	// CallInitFunctions's no-op invoke for init-array entries above, a
	// successfully resolved libio_init is simulated as returning true,
	// matching spec.md section 8 scenario 1's "libio_init returns true"
	// and original_source/sys/ioglue/iostore.c's io_init, which returns
	// libio_init()'s own result rather than just checking it exists.
	result, found := ioglue.InvokeInit(libio, "libio_init", func(addr uintptr) bool {
		return true
	})
	if !found {
		return fmt.Errorf("libio_init() not found in libio")
	}
	if !result {
		return fmt.Errorf("libio_init() returned false")
	}

	// A page-fault handler resolving a fault address back to the owning
	// library calls LibraryWithAddress, not a name-keyed lookup, so sanity
	// check the registry supports both paths right after boot.
	if _, ok := store.LibraryWithName(libdir + "/libkernel.so"); !ok {
		return fmt.Errorf("libkernel.so missing from registry after load")
	}
	if owner, ok := store.LibraryWithAddress(uintptr(libio.RelocBase)); !ok || owner != libio {
		return fmt.Errorf("libio.so not resolvable by address after load")
	}

	con.Printf("libkernel.so at %c%c%#x%c%c, libio.so at %c%c%#x%c%c\n",
		14, 16+11, libkernel.RelocBase, 14, 16+7,
		14, 16+11, libio.RelocBase, 14, 16+7)
	return nil
}
