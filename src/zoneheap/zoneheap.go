// Package zoneheap implements the segregated-fit zone heap allocator:
// spec.md section 4.1. A Heap is a set of size-classed Zones, each a
// contiguous run of frames from pagealloc with an in-band allocation
// record array on its first page, exactly the layout
// original_source/lib/libc/sys/zone.c builds with mmap-backed heap_zone_t
// structures. Every public operation is serialized by the heap's lock, the
// same single-spinlock discipline the teacher's zone_t carries.
package zoneheap

import (
	"os"
	"sync"

	"cinderkeep/src/bounds"
	"cinderkeep/src/caller"
	"cinderkeep/src/pagealloc"
	"cinderkeep/src/res"
	"cinderkeep/src/util"
)

/// Flag_t is the heap-wide behaviour bitset (spec.md section 3).
type Flag_t uint

const (
	/// Aligned rounds a requested size up by size%4 extra padding.
	Aligned Flag_t = 1 << iota
	/// Secure zeroes memory on alloc.
	Secure
)

/// extraPadding is the fixed guard padding added to every internal
/// request size, matching kHeapAllocationExtraPadding in zone.c.
const extraPadding = 16

type sizeClass_t int

const (
	tinyClass sizeClass_t = iota
	smallClass
	mediumClass
	largeClass
)

// Record type constants (spec.md section 3: "Two variants").
type rectype_t uint8

const (
	recFree rectype_t = iota
	recUsed
	recUnused
)

// record_t is a single allocation-table entry. Tiny zones only ever use
// size/offset (size capped at 255, offset relative to the zone's data
// base); Small/Medium/Large zones use size/pointer (pointer is an
// absolute address into the pagealloc arena). Folding both variants into
// one struct, instead of the teacher's two wire-distinct C structs, costs
// nothing here since there is no on-disk layout to match.
type record_t struct {
	kind   rectype_t
	size   uint32
	offset uint32 // tiny only
	ptr    uintptr
}

const tinyHeaderBytes = 64 // zone_t bookkeeping reserved on the metadata page

// zone_t is one contiguous page run managed as a single size class.
type zone_t struct {
	class                      sizeClass_t
	pa                         pagealloc.Pa_t
	pages                      int // data pages, not counting the metadata page
	begin, end                 uintptr
	maxAllocations             int
	allocations, freeAllocations int
	freeSize                   int
	changes                    int
	records                    []record_t
	prev, next                 *zone_t
}

/// Heap is a segregated-fit allocator over one pagealloc.Allocator.
type Heap struct {
	mu        sync.Mutex
	flags     Flag_t
	firstZone *zone_t
	alloc     *pagealloc.Allocator
	budget    *res.Budget_t
	distinct  caller.Distinct_caller_t
}

/// Create returns a new, empty heap with the given flags, backed by
/// alloc. budget bounds how many fresh zones the heap may create before
/// failing closed (spec.md's "page-allocator failure...is fatal" is still
/// honored: budget exhaustion panics exactly like an allocator failure,
/// it is simply a second way to hit that same fatal path).
func Create(flags Flag_t, alloc *pagealloc.Allocator) *Heap {
	return &Heap{
		flags:  flags,
		alloc:  alloc,
		budget: res.NewBudget(1 << 20),
	}
}

/// Destroy releases every zone owned by h back to the page allocator.
func Destroy(h *Heap) {
	h.mu.Lock()
	defer h.mu.Unlock()
	z := h.firstZone
	for z != nil {
		next := z.next
		h.alloc.Free(z.pa, z.pages+1)
		z = next
	}
	h.firstZone = nil
}

func classFor(size int) sizeClass_t {
	switch {
	case size > 2048:
		return largeClass
	case size > 256:
		return mediumClass
	case size > 64:
		return smallClass
	default:
		return tinyClass
	}
}

func classPages(class sizeClass_t, size int) int {
	switch class {
	case tinyClass:
		return 1
	case smallClass:
		return 5
	case mediumClass:
		return 20
	default:
		return util.Ceildiv(size, pagealloc.PageSize)
	}
}

func recordSize(class sizeClass_t) int {
	if class == tinyClass {
		return 4 // type(1) + size(1) + offset(2)
	}
	return 24 // type + size + pointer, generously padded
}

func requiredSize(h *Heap, size int) int {
	padding := 0
	if h.flags&Aligned != 0 {
		padding = size % 4
	}
	return size + padding + extraPadding
}

// createZone allocates a fresh zone of the class sized for size and links
// it at the head of the heap's zone list, exactly as
// __heap_createZoneForSize does.
func (h *Heap) createZone(class sizeClass_t, size int) *zone_t {
	if !res.Resadd_noblock(h.budget, bounds.Bounds(bounds.B_ZONEHEAP_T_ALLOC)) {
		panic("zoneheap: growth budget exhausted")
	}
	pages := classPages(class, size)
	pa, err := h.alloc.AllocContig(pages + 1)
	if err != 0 {
		// Page-allocator failure for a new zone is fatal (spec.md 4.1).
		panic("zoneheap: page allocator exhausted")
	}

	begin := uintptr(pa) + uintptr(pagealloc.PageSize)
	end := uintptr(pa) + uintptr((pages+1)*pagealloc.PageSize)
	recsz := recordSize(class)
	maxAllocations := (pagealloc.PageSize - tinyHeaderBytes) / recsz

	z := &zone_t{
		class:          class,
		pa:             pa,
		pages:          pages,
		begin:          begin,
		end:            end,
		maxAllocations: maxAllocations,
		freeSize:       pages * pagealloc.PageSize,
	}

	if class == tinyClass {
		sizeLeft := z.freeSize
		var offset uint32
		z.records = make([]record_t, maxAllocations)
		for i := range z.records {
			if sizeLeft > 0 {
				sz := sizeLeft
				if sz > 255 {
					sz = 255
				}
				z.records[i] = record_t{kind: recFree, size: uint32(sz), offset: offset}
				offset += uint32(sz)
				sizeLeft -= sz
				z.allocations++
				z.freeAllocations++
			} else {
				z.records[i] = record_t{kind: recUnused, offset: 0xFFFF}
			}
		}
	} else {
		z.records = make([]record_t, maxAllocations)
		z.records[0] = record_t{kind: recFree, size: uint32(z.freeSize), ptr: begin}
		z.allocations = 1
		z.freeAllocations = 1
		for i := 1; i < maxAllocations; i++ {
			z.records[i] = record_t{kind: recUnused}
		}
	}

	z.next = h.firstZone
	if h.firstZone != nil {
		h.firstZone.prev = z
	}
	h.firstZone = z
	return z
}

func (h *Heap) unlinkZone(z *zone_t) {
	if z.prev != nil {
		z.prev.next = z.next
	}
	if z.next != nil {
		z.next.prev = z.prev
	}
	if h.firstZone == z {
		h.firstZone = z.next
	}
	h.alloc.Free(z.pa, z.pages+1)
	res.Resgive(h.budget, bounds.Bounds(bounds.B_ZONEHEAP_T_ALLOC))
}

// zoneForSize finds (or creates) a zone able to satisfy size, returning
// the zone and the index of the candidate free record (meaningless for a
// brand-new zone, whose first record is always the whole-zone Free
// entry at index 0, or index 0 of the tiny array's first Free slot).
func (h *Heap) zoneForSize(size int) (*zone_t, int) {
	class := classFor(size)
	if class != largeClass {
		required := requiredSize(h, size)
		for z := h.firstZone; z != nil; z = z.next {
			if z.class != class || z.freeSize < size || z.allocations >= z.maxAllocations {
				continue
			}
			for i, r := range z.records {
				if r.kind == recFree && int(r.size) >= required {
					return z, i
				}
			}
		}
	}
	z := h.createZone(class, size)
	for i, r := range z.records {
		if r.kind == recFree {
			return z, i
		}
	}
	panic("zoneheap: new zone has no free record")
}

func (h *Heap) findUnused(z *zone_t) int {
	for i, r := range z.records {
		if r.kind == recUnused {
			return i
		}
	}
	return -1
}

func (h *Heap) useAllocation(z *zone_t, idx int, size int) uintptr {
	required := requiredSize(h, size)
	r := &z.records[idx]
	r.kind = recUsed

	if int(r.size) > required {
		if z.class == tinyClass && required > 255 {
			// Keep whole: a tiny record cannot split to something
			// larger than its own size field can hold.
		} else if uidx := h.findUnused(z); uidx != -1 {
			u := &z.records[uidx]
			u.kind = recFree
			u.size = r.size - uint32(required)
			if z.class == tinyClass {
				u.offset = r.offset + uint32(required)
			} else {
				u.ptr = r.ptr + uintptr(required)
			}
			r.size = uint32(required)
			z.freeAllocations++
			z.allocations++
		}
	}
	z.freeAllocations--
	z.freeSize -= int(r.size)

	if z.class == tinyClass {
		return z.begin + uintptr(r.offset)
	}
	return r.ptr
}

/// Alloc returns a pointer to size bytes of zeroed-or-not (per Secure)
/// memory from h. It never returns an invalid pointer: an allocator
/// failure panics, matching spec.md's "never null, panics on OOM".
func Alloc(h *Heap, size int) uintptr {
	if size <= 0 {
		panic("zoneheap: alloc of non-positive size")
	}
	h.mu.Lock()
	z, idx := h.zoneForSize(size)
	ptr := h.useAllocation(z, idx, size)
	secure := h.flags&Secure != 0
	h.mu.Unlock()

	if secure {
		buf := h.alloc.Slice(pagealloc.Pa_t(ptr), size)
		for i := range buf {
			buf[i] = 0
		}
	}
	return ptr
}

// findAllocation locates the zone and record index owning ptr, or (nil,
// -1) if ptr is not owned by any zone in h.
func (h *Heap) findAllocation(ptr uintptr) (*zone_t, int) {
	for z := h.firstZone; z != nil; z = z.next {
		if ptr < z.begin || ptr >= z.end {
			continue
		}
		for i, r := range z.records {
			if r.kind != recUsed {
				continue
			}
			if z.class == tinyClass {
				if z.begin+uintptr(r.offset) == ptr {
					return z, i
				}
			} else if r.ptr == ptr {
				return z, i
			}
		}
		return nil, -1
	}
	return nil, -1
}

// findFreeNeighbor locates the Free record immediately following the
// byte range [base, base+size) within z, used by defragment.
func findFreeNeighbor(z *zone_t, nextAddr uintptr, nextOffset uint32) int {
	for i, r := range z.records {
		if r.kind != recFree {
			continue
		}
		if z.class == tinyClass {
			if r.offset == nextOffset {
				return i
			}
		} else if r.ptr == nextAddr {
			return i
		}
	}
	return -1
}

func (h *Heap) defragment(z *zone_t) {
	threshold := 20
	if z.class == tinyClass {
		threshold = 100
	}
	if z.changes < threshold || z.freeAllocations < 2 {
		return
	}

	for i := range z.records {
		for z.records[i].kind == recFree {
			r := &z.records[i]
			var nidx int
			if z.class == tinyClass {
				nidx = findFreeNeighbor(z, 0, r.offset+r.size)
			} else {
				nidx = findFreeNeighbor(z, r.ptr+uintptr(r.size), 0)
			}
			if nidx == -1 {
				break
			}
			n := &z.records[nidx]
			if z.class == tinyClass && r.size+n.size > 255 {
				break
			}
			r.size += n.size
			n.kind = recUnused
			n.offset = 0
			n.ptr = 0
			z.allocations--
			z.freeAllocations--
		}
	}
	z.changes = 0
}

func (h *Heap) freeAllocation(z *zone_t, idx int) {
	r := &z.records[idx]
	r.kind = recFree
	z.freeSize += int(r.size)
	z.freeAllocations++
	z.changes++
}

/// Free releases the allocation at ptr back to its owning zone. Freeing a
/// pointer not owned by h is a no-op (spec.md 4.1 failure modes:
/// "undefined; production builds may no-op").
func Free(h *Heap, ptr uintptr) {
	h.mu.Lock()
	defer h.mu.Unlock()
	z, idx := h.findAllocation(ptr)
	if z == nil {
		if ok, trace := h.distinct.Distinct(); ok {
			caller.Dump(os.Stderr, trace)
		}
		return
	}
	if z.allocations == z.freeAllocations+1 {
		h.unlinkZone(z)
		return
	}
	h.freeAllocation(z, idx)
	h.defragment(z)
}

/// SizeOf returns the usable size of the allocation at ptr, or 0 if ptr
/// is not owned by h.
func SizeOf(h *Heap, ptr uintptr) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	z, idx := h.findAllocation(ptr)
	if z == nil {
		return 0
	}
	return int(z.records[idx].size)
}

/// ZoneCount returns the number of live zones, for tests asserting on
/// coalescing/reuse behaviour (spec.md section 8 heap stress scenario).
func ZoneCount(h *Heap) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for z := h.firstZone; z != nil; z = z.next {
		n++
	}
	return n
}

func (c sizeClass_t) String() string {
	switch c {
	case tinyClass:
		return "tiny"
	case smallClass:
		return "small"
	case mediumClass:
		return "medium"
	default:
		return "large"
	}
}

/// ClassStat_t is the live-allocation count and byte total for one size
/// class, as reported by Snapshot.
type ClassStat_t struct {
	Class string
	Count int
	Bytes int64
}

/// Snapshot aggregates every in-use record in h by size class, for a
/// diagnostic consumer (e.g. diag.HeapProfile) that wants a point-in-time
/// view of live allocations without reaching into zone_t internals.
func Snapshot(h *Heap) []ClassStat_t {
	h.mu.Lock()
	defer h.mu.Unlock()

	totals := make(map[sizeClass_t]*ClassStat_t)
	for z := h.firstZone; z != nil; z = z.next {
		for _, r := range z.records {
			if r.kind != recUsed {
				continue
			}
			s := totals[z.class]
			if s == nil {
				s = &ClassStat_t{Class: z.class.String()}
				totals[z.class] = s
			}
			s.Count++
			s.Bytes += int64(r.size)
		}
	}

	out := make([]ClassStat_t, 0, len(totals))
	for _, class := range []sizeClass_t{tinyClass, smallClass, mediumClass, largeClass} {
		if s, ok := totals[class]; ok {
			out = append(out, *s)
		}
	}
	return out
}
