// Command linkd is the standalone relocator binary spec.md section 1
// names as an external collaborator "folded into ioglue" — its load,
// dependency-resolution, and relocation logic already lives in the
// ioglue package; this binary is a thin CLI front-end over ioglue.Store,
// the hosted equivalent of original_source/bin/linkd invoking
// library_create_with_file/library_relocateNonPLT/library_relocatePLT
// directly from a shell instead of from inside the kernel.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"cinderkeep/src/defs"
	"cinderkeep/src/ioglue"
	"cinderkeep/src/pagealloc"
)

var (
	flagFrames    = flag.Int("frames", 4096, "physical frames to simulate for the relocation target")
	flagRelocBase = flag.Uint64("reloc-base", 0xC0100000, "virtual address the object is relocated at")
)

func main() {
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: linkd [flags] <path-to-elf-object>")
		os.Exit(2)
	}
	if err := relocate(os.Stdout, flag.Arg(0), *flagFrames, pagealloc.Va_t(*flagRelocBase)); err != nil {
		fmt.Fprintf(os.Stderr, "linkd: %v\n", err)
		os.Exit(1)
	}
}

// relocate loads path and runs it through both relocation passes,
// printing a one-line report to w on success. Split out of main so it
// can be driven by a test without a real flag.Parse/os.Exit.
func relocate(w io.Writer, path string, frames int, relocBase pagealloc.Va_t) error {
	alloc, err := pagealloc.New(frames)
	if err != nil {
		return err
	}
	defer alloc.Close()

	dir := pagealloc.NewDirectory(alloc, false)
	store := ioglue.NewStore(defs.DefaultConfig())

	lib, lerr := store.Load(path, dir, alloc, relocBase)
	if lerr != 0 {
		return fmt.Errorf("%s: %v", path, lerr)
	}

	fmt.Fprintf(w, "%s relocated at %#x (%d pages, %d dependencies)\n",
		path, lib.RelocBase, lib.Pages, len(lib.Dependencies))

	ioglue.CallInitFunctions(lib, func(addr uintptr) {
		fmt.Fprintf(w, "  init array entry %#x\n", addr)
	})
	return nil
}
