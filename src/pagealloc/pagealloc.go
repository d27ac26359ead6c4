// Package pagealloc hands out physical frames from a bitmap over
// multiboot-reported RAM and maps them into a page directory, the leaf
// dependency of zoneheap, ioglue, and sched's address-space type.
//
// The teacher's own mem package plays this role on bare metal by walking
// a free list threaded through Physpg_t.nexti. Hosted, there is no real
// physical RAM to bitmap; this package instead backs the "physical" arena
// with one golang.org/x/sys/unix.Mmap anonymous mapping, the same
// mechanism original_source/lib/libc/sys/zone.c uses for every zone
// ("zone_t *_zone_create ... mmap(NULL, 4096, PROT_READ|PROT_WRITE,
// MAP_PRIVATE|MAP_ANONYMOUS, 0, 0)"). Frame ownership is still tracked
// with an explicit bitmap, matching spec.md section 3's "page allocator
// owns a bitmap" invariant.
package pagealloc

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"cinderkeep/src/defs"
)

/// PageSize is the fixed physical frame size (spec.md section 3).
const PageSize = 4096

/// Pa_t is a physical address, expressed as a byte offset into the
/// simulated RAM arena.
type Pa_t uintptr

/// Va_t is a virtual address within a process or the kernel directory.
type Va_t uintptr

/// Allocator is the physical frame bitmap allocator. One instance backs
/// the entire simulated machine; every Directory maps frames out of it.
type Allocator struct {
	mu     sync.Mutex
	arena  []byte
	used   []bool
	nfree  int
	nframe int
}

/// New reserves nframes physical frames of RAM, backed by one anonymous
/// mmap, and returns the allocator that owns them.
func New(nframes int) (*Allocator, error) {
	size := nframes * PageSize
	arena, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("pagealloc: reserve %d frames: %w", nframes, err)
	}
	return &Allocator{
		arena:  arena,
		used:   make([]bool, nframes),
		nfree:  nframes,
		nframe: nframes,
	}, nil
}

/// Close releases the entire simulated RAM arena. It is called at
/// shutdown: deferred by kerneld and linkd, and by tests.
func (a *Allocator) Close() error {
	return unix.Munmap(a.arena)
}

/// Alloc hands out one physical frame. Ownership of the frame passes to
/// the caller, matching spec.md section 3 ("ownership of a frame passes
/// to whoever called pm_alloc").
func (a *Allocator) Alloc() (Pa_t, defs.Err_t) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, u := range a.used {
		if !u {
			a.used[i] = true
			a.nfree--
			return Pa_t(i * PageSize), 0
		}
	}
	return 0, -defs.ENOMEM
}

/// AllocContig hands out n contiguous physical frames, as zoneheap needs
/// for a zone's metadata+data pages and ioglue needs for PT_LOAD spans.
func (a *Allocator) AllocContig(n int) (Pa_t, defs.Err_t) {
	if n <= 0 {
		panic("bad frame count")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	run := 0
	start := -1
	for i, u := range a.used {
		if !u {
			if run == 0 {
				start = i
			}
			run++
			if run == n {
				for j := start; j < start+n; j++ {
					a.used[j] = true
				}
				a.nfree -= n
				return Pa_t(start * PageSize), 0
			}
		} else {
			run = 0
		}
	}
	return 0, -defs.ENOMEM
}

/// Free returns n contiguous frames starting at pa to the bitmap.
func (a *Allocator) Free(pa Pa_t, n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	start := int(pa) / PageSize
	for i := start; i < start+n; i++ {
		if !a.used[i] {
			panic("double free of physical frame")
		}
		a.used[i] = false
	}
	a.nfree += n
}

/// Bytes returns the writable backing slice for n pages starting at pa,
/// used by zoneheap and ioglue to read/write frame contents directly
/// instead of going through a separate copy-in/copy-out step.
func (a *Allocator) Bytes(pa Pa_t, n int) []byte {
	start := int(pa)
	return a.arena[start : start+n*PageSize]
}

/// Slice returns a byte-addressable view of length bytes starting at pa,
/// for callers (zoneheap) that hand out allocations smaller than a page
/// and need to read or zero them directly.
func (a *Allocator) Slice(pa Pa_t, length int) []byte {
	start := int(pa)
	return a.arena[start : start+length]
}

/// FreeFrames reports the number of unused physical frames, for
/// diagnostics and tests.
func (a *Allocator) FreeFrames() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nfree
}
