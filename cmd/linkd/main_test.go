package main

import (
	"bytes"
	"testing"

	"cinderkeep/src/pagealloc"
)

func TestRelocateMissingFileReturnsError(t *testing.T) {
	var buf bytes.Buffer
	err := relocate(&buf, "/nonexistent/library.so", 64, 0xC0100000)
	if err == nil {
		t.Fatal("relocate of a missing file should return an error")
	}
}

func TestRelocateRejectsTooFewFrames(t *testing.T) {
	var buf bytes.Buffer
	err := relocate(&buf, "/nonexistent/library.so", 0, pagealloc.Va_t(0))
	if err == nil {
		t.Fatal("relocate with zero frames should fail")
	}
}
