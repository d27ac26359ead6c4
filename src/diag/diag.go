// Package diag renders a point-in-time view of the zone heap as a pprof
// heap profile, grounded in justanotherdot-biscuit's main.go: the
// commented-out "%" debug key there built a bprof_t writer, ran
// pprof.WriteHeapProfile into it, and hexdumped the result to the
// console for offline symbolization. This port has a real allocator to
// introspect instead of the Go runtime's own heap, so it builds the
// profile.Profile by hand from zoneheap.Snapshot rather than calling
// pprof.WriteHeapProfile, but keeps the same "collect into a buffer,
// dump on demand" shape.
package diag

import (
	"fmt"
	"io"

	"github.com/google/pprof/profile"

	"cinderkeep/src/zoneheap"
)

// classFunction mints one pprof Function/Location pair per size class,
// standing in for the call-site symbolization a hosted allocator would
// normally get from runtime stack unwinding. Zone heap allocations carry
// no caller PC by design (spec.md 4.1 has no allocation-site tracking),
// so the size class is the only dimension worth a location.
func classFunction(id uint64, class string) (*profile.Function, *profile.Location) {
	fn := &profile.Function{
		ID:         id,
		Name:       "zoneheap." + class,
		SystemName: "zoneheap." + class,
	}
	loc := &profile.Location{
		ID:   id,
		Line: []profile.Line{{Function: fn, Line: 0}},
	}
	return fn, loc
}

/// HeapProfile builds a pprof Profile from h's current live allocations,
/// one sample per size class carrying (object count, total bytes), the
/// same two-valued accounting a Go heap profile reports for inuse_space.
func HeapProfile(h *zoneheap.Heap) *profile.Profile {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "objects", Unit: "count"},
			{Type: "space", Unit: "bytes"},
		},
		PeriodType: &profile.ValueType{Type: "space", Unit: "bytes"},
		Period:     1,
	}

	for i, stat := range zoneheap.Snapshot(h) {
		id := uint64(i + 1)
		fn, loc := classFunction(id, stat.Class)
		p.Function = append(p.Function, fn)
		p.Location = append(p.Location, loc)
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{int64(stat.Count), stat.Bytes},
		})
	}
	return p
}

/// WriteHeapProfile writes h's current heap profile to w in pprof's
/// gzip-compressed protobuf form, the same format pprof.WriteHeapProfile
/// produces, so it can be opened with "go tool pprof" like any other
/// profile.
func WriteHeapProfile(h *zoneheap.Heap, w io.Writer) error {
	return HeapProfile(h).Write(w)
}

// Buffer_t accumulates a profile for later inspection, the hosted
// equivalent of bprof_t in main.go: something pprof.WriteHeapProfile (or
// here, Profile.Write) can target before the bytes are dumped anywhere.
type Buffer_t struct {
	data []byte
}

func (b *Buffer_t) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}

/// Len returns the number of bytes collected so far.
func (b *Buffer_t) Len() int {
	return len(b.data)
}

/// Dump hexdumps the collected profile bytes to out, 16 bytes per line,
/// matching bprof_t.dump's "xxd -r"-friendly layout exactly.
func (b *Buffer_t) Dump(out io.Writer) {
	buf := b.data
	for i := 0; i < len(buf); i += 16 {
		cur := buf[i:]
		if len(cur) > 16 {
			cur = cur[:16]
		}
		fmt.Fprintf(out, "%07x: ", i)
		for j, c := range cur {
			fmt.Fprintf(out, "%02x", c)
			if j%2 == 1 {
				fmt.Fprint(out, " ")
			}
		}
		fmt.Fprintln(out)
	}
}
