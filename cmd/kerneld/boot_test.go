package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"cinderkeep/src/console"
	"cinderkeep/src/defs"
	"cinderkeep/src/ioglue"
	"cinderkeep/src/pagealloc"
	"cinderkeep/src/zoneheap"
)

func TestBootIoglueFailsWithoutLibraries(t *testing.T) {
	alloc, err := pagealloc.New(64)
	if err != nil {
		t.Fatalf("pagealloc.New: %v", err)
	}
	defer alloc.Close()

	dir := pagealloc.NewDirectory(alloc, true)
	store := ioglue.NewStore(defs.DefaultConfig())
	con := console.New(&bytes.Buffer{})

	if err := bootIoglue(con, store, dir, alloc, "/nonexistent-libdir"); err == nil {
		t.Fatal("bootIoglue should fail when libkernel.so is missing")
	}
}

func TestWriteHeapProfileProducesNonEmptyFile(t *testing.T) {
	alloc, err := pagealloc.New(64)
	if err != nil {
		t.Fatalf("pagealloc.New: %v", err)
	}
	defer alloc.Close()

	heap := zoneheap.Create(zoneheap.Secure, alloc)
	zoneheap.Alloc(heap, 32)

	path := filepath.Join(t.TempDir(), "heap.pprof")
	if err := writeHeapProfile(heap, path); err != nil {
		t.Fatalf("writeHeapProfile: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("os.Stat: %v", err)
	}
	if info.Size() == 0 {
		t.Fatal("writeHeapProfile produced an empty file")
	}
}
