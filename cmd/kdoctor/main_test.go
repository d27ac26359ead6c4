package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPrintModuleVersionsReadsGoMod(t *testing.T) {
	dir := t.TempDir()
	goMod := "module example.com/doctest\n\ngo 1.24\n\nrequire golang.org/x/mod v0.25.0\n"
	if err := os.WriteFile(filepath.Join(dir, "go.mod"), []byte(goMod), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := printModuleVersions(dir); err != nil {
		t.Fatalf("printModuleVersions: %v", err)
	}
}

func TestPrintModuleVersionsMissingGoMod(t *testing.T) {
	dir := t.TempDir()
	if err := printModuleVersions(dir); err == nil {
		t.Fatal("expected error reading a missing go.mod")
	}
}
