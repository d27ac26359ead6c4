// Package vfs is the minimal external-collaborator boundary spec.md
// section 6 describes: a small POSIX-shaped contract the rest of the
// kernel calls into without this module owning a real filesystem
// implementation (spec.md's Non-goals explicitly exclude filesystem
// internals). It exists so sched's Task_t has a concrete type to hold a
// file table against.
package vfs

import "cinderkeep/src/defs"

/// FileType_t classifies a directory entry (spec.md section 6's stat
/// record).
type FileType_t int

const (
	Reg FileType_t = iota
	Dir
	Lnk
)

/// Stat_t mirrors spec.md section 6's stat record exactly:
/// { type, name[256], id, size, atime, mtime, ctime }.
type Stat_t struct {
	Type  FileType_t
	Name  [256]byte
	ID    uint64
	Size  int64
	Atime int64
	Mtime int64
	Ctime int64
}

/// File is anything backing an open file descriptor.
type File interface {
	Read(p []byte) (int, defs.Err_t)
	Write(p []byte) (int, defs.Err_t)
	Lseek(off int64, whence int) (int64, defs.Err_t)
	Stat() (Stat_t, defs.Err_t)
	Close() defs.Err_t
}

/// Collaborator is the contract a real filesystem implementation
/// provides; this module only defines the shape, per spec.md's
/// Non-goals.
type Collaborator interface {
	Open(path string, flags int) (File, defs.Err_t)
	Mkdir(path string) defs.Err_t
	Remove(path string) defs.Err_t
	Move(from, to string) defs.Err_t
	Stat(path string) (Stat_t, defs.Err_t)
}
