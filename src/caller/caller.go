// Package caller provides call-chain diagnostics used by the zone heap and
// syscall table's leak/abuse paths, adapted from the teacher's caller
// package.
package caller

import (
	"fmt"
	"io"
	"runtime"
	"sync"
)

// Dump writes trace, the formatted call chain Distinct produced the first
// time it saw a given path, to w. The teacher's own Callerdump re-walked
// runtime.Caller a second time in a cruder one-frame-per-line format and
// wrote straight to stdout, discarding the richer trace Distinct had
// already built; callers here pass whatever diagnostic sink they already
// have (a console.Console's escape-aware Write, a test buffer, stderr)
// instead of hard-coding one.
func Dump(w io.Writer, trace string) {
	fmt.Fprint(w, trace)
}

/// Distinct_caller_t tracks whether a call chain has been seen before. It
/// is used to rate-limit repeated diagnostics, e.g. the same unregistered
/// syscall number hit by many threads.
type Distinct_caller_t struct {
	sync.Mutex
	Enabled bool
	did     map[uintptr]bool
	Whitel  map[string]bool
}

func (dc *Distinct_caller_t) _pchash(pcs []uintptr) uintptr {
	if len(pcs) == 0 {
		panic("d'oh")
	}
	var ret uintptr
	for _, pc := range pcs {
		pc = pc*1103515245 + 12345
		ret ^= pc
	}
	return ret
}

/// Len returns the number of unique caller paths recorded.
func (dc *Distinct_caller_t) Len() int {
	dc.Lock()
	ret := len(dc.did)
	dc.Unlock()
	return ret
}

/// Distinct reports whether the current call chain is new, returning a
/// formatted trace the first time each chain is seen.
func (dc *Distinct_caller_t) Distinct() (bool, string) {
	dc.Lock()
	defer dc.Unlock()
	if !dc.Enabled {
		return false, ""
	}
	if dc.did == nil {
		dc.did = make(map[uintptr]bool)
	}

	var pcs []uintptr
	for sz, got := 30, 30; got >= sz; sz *= 2 {
		pcs = make([]uintptr, 30)
		got = runtime.Callers(3, pcs)
		if got == 0 {
			panic("no")
		}
	}
	h := dc._pchash(pcs)
	if ok := dc.did[h]; !ok {
		dc.did[h] = true
		frames := runtime.CallersFrames(pcs)
		fs := ""
		for {
			fr, more := frames.Next()
			if ok := dc.Whitel[fr.Function]; ok {
				return false, ""
			}
			if fs == "" {
				fs = fmt.Sprintf("%v (%v:%v)\n", fr.Function, fr.File, fr.Line)
			} else {
				fs += fmt.Sprintf("\t%v (%v:%v)\n", fr.Function, fr.File, fr.Line)
			}
			if !more || fr.Function == "runtime.goexit" {
				break
			}
		}
		return true, fs
	}
	return false, ""
}
