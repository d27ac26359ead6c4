package pagealloc

import (
	"sync"

	"cinderkeep/src/util"
)

/// Perm_t is a bitset of page permissions (spec.md section 3: "per-range
/// permission flags (kernel/user, RW)").
type Perm_t uint

const (
	PERM_R Perm_t = 1 << iota
	PERM_W
	PERM_USER
)

type mapping_t struct {
	pa    Pa_t
	perms Perm_t
}

/// Directory is a process-wide virtual-to-physical mapping with per-range
/// permissions. One Directory is shared by every thread of a process; the
/// kernel directory is shared by all processes and always mapped.
type Directory struct {
	mu      sync.Mutex
	entries map[Va_t]mapping_t
	kernel  bool
	alloc   *Allocator
}

/// NewDirectory creates an empty directory over the given allocator.
/// kernel marks the shared kernel directory, whose mappings Fork copies
/// by reference rather than duplicating.
func NewDirectory(alloc *Allocator, kernel bool) *Directory {
	return &Directory{
		entries: make(map[Va_t]mapping_t),
		kernel:  kernel,
		alloc:   alloc,
	}
}

/// Map installs a mapping for n contiguous pages starting at va to n
/// contiguous physical frames starting at pa.
func (d *Directory) Map(va Va_t, pa Pa_t, n int, perms Perm_t) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := 0; i < n; i++ {
		d.entries[va+Va_t(i*PageSize)] = mapping_t{pa: pa + Pa_t(i*PageSize), perms: perms}
	}
}

/// Unmap removes the mapping for n contiguous pages starting at va.
func (d *Directory) Unmap(va Va_t, n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := 0; i < n; i++ {
		delete(d.entries, va+Va_t(i*PageSize))
	}
}

/// Resolve returns the physical frame and permissions backing va, or ok
/// false if va is unmapped.
func (d *Directory) Resolve(va Va_t) (Pa_t, Perm_t, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	base := Va_t(util.Rounddown(int(va), PageSize))
	off := Pa_t(va % PageSize)
	m, ok := d.entries[base]
	if !ok {
		return 0, 0, false
	}
	return m.pa + off, m.perms, true
}

/// Fork returns a full copy of the directory. Spec.md section 4.3 rules
/// out copy-on-write here ("a full page-directory copy is performed"), so
/// every mapping of a non-kernel directory is backed in the child by a
/// fresh frame holding a copy of the parent's page; a kernel directory's
/// mappings are copied by reference. It panics if the allocator runs out
/// of frames while copying.
func (d *Directory) Fork() *Directory {
	d.mu.Lock()
	defer d.mu.Unlock()
	nd := NewDirectory(d.alloc, d.kernel)
	for va, m := range d.entries {
		if d.kernel {
			nd.entries[va] = m
			continue
		}
		pa, err := d.alloc.Alloc()
		if err != 0 {
			panic("pagealloc: out of frames copying directory")
		}
		copy(d.alloc.Bytes(pa, 1), d.alloc.Bytes(m.pa, 1))
		nd.entries[va] = mapping_t{pa: pa, perms: m.perms}
	}
	return nd
}

/// Count returns the number of mapped pages, for tests and diagnostics.
func (d *Directory) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}
