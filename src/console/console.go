// Package console implements the in-band colour escape sequences of
// spec.md section 6, grounded in original_source/sys/video/video.cpp's
// interpret_character: byte 14 or 15 arms a pending foreground/background
// change, and the next byte in [16, 31] selects one of the 16 VGA
// palette colours for it. Every other byte is forwarded unescaped.
package console

import (
	"fmt"
	"io"
	"sync"

	"golang.org/x/arch/x86/x86asm"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

/// Colour_t is one of the 16 VGA palette entries.
type Colour_t byte

const (
	Black Colour_t = iota
	Blue
	Green
	Cyan
	Red
	Magenta
	Brown
	LightGray
	DarkGray
	LightBlue
	LightGreen
	LightCyan
	LightRed
	LightMagenta
	Yellow
	White
)

const (
	escFore byte = 14
	escBack byte = 15
	palLo   byte = 16
	palHi   byte = 31
)

/// Console decodes the in-band escape sequence into ANSI SGR codes on an
/// underlying writer, the hosted equivalent of writing straight to VGA
/// text memory.
type Console struct {
	mu      sync.Mutex
	out     io.Writer
	fg, bg  Colour_t
	pending bool
	isFore  bool
	printer *message.Printer
}

/// New wraps out, starting with the original's default palette (light
/// gray on black, video.cpp's video_device constructor).
func New(out io.Writer) *Console {
	return &Console{
		out:     out,
		fg:      LightGray,
		bg:      Black,
		printer: message.NewPrinter(language.English),
	}
}

// ansiCode maps a VGA colour index to its closest ANSI SGR code: 30-37
// (or 90-97 for the bright half of the palette) as a foreground, 40-47
// (or 100-107) when background is set.
func ansiCode(c Colour_t, background bool) int {
	base := 30
	if background {
		base = 40
	}
	bright := 0
	if c >= DarkGray {
		bright = 60
	}
	table := [8]int{0, 4, 2, 6, 1, 5, 3, 7}
	return base + bright + table[int(c)%8]
}

/// Write decodes and forwards p, matching interpret_character's byte
/// classification exactly: 14/15 arm a pending change, 16..31 consume it,
/// anything else is literal output.
func (c *Console) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, b := range p {
		if b == escFore || b == escBack {
			c.pending = true
			c.isFore = (b == escFore)
			continue
		}
		if c.pending && b >= palLo && b <= palHi {
			nc := Colour_t(b - palLo)
			if c.isFore {
				c.fg = nc
			} else {
				c.bg = nc
			}
			c.pending = false
			fmt.Fprintf(c.out, "\x1b[%d;%dm", ansiCode(c.fg, false), ansiCode(c.bg, true))
			continue
		}
		c.out.Write([]byte{b})
	}
	return len(p), nil
}

/// Printf writes a formatted, localized diagnostic line through the
/// escape-aware Write path, using x/text/message the way the teacher's
/// own stats reporting formats counts for a human reader.
func (c *Console) Printf(format string, args ...interface{}) {
	s := c.printer.Sprintf(format, args...)
	c.Write([]byte(s))
}

/// DumpFaultingInstruction decodes the 32-bit x86 instruction at the
/// faulting address (or the address of an unregistered syscall, spec.md
/// section 4.5's "logs once" path) and prints one line naming its
/// mnemonic, the same spirit as the teacher's low-level CPU introspection
/// in cpuidfamily/cpuchk but aimed at a specific instruction rather than
/// CPUID leaves. code must start exactly at the instruction boundary;
/// decoding failure prints the raw bytes instead of panicking, since a
/// bad decode is itself diagnostic information, not a kernel bug.
func (c *Console) DumpFaultingInstruction(addr uintptr, code []byte) {
	inst, err := x86asm.Decode(code, 32)
	if err != nil {
		c.Printf("bad instruction at %#x: %x (%v)\n", addr, code, err)
		return
	}
	c.Printf("bad instruction at %#x: %s\n", addr, x86asm.GNUSyntax(inst, uint64(addr), nil))
}
