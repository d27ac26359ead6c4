package console

import (
	"bytes"
	"strings"
	"testing"
)

func TestLiteralBytesPassThrough(t *testing.T) {
	var buf bytes.Buffer
	c := New(&buf)
	c.Write([]byte("hello"))
	if buf.String() != "hello" {
		t.Fatalf("Write = %q, want %q", buf.String(), "hello")
	}
}

func TestColourEscapeEmitsANSIAndConsumesTwoBytes(t *testing.T) {
	var buf bytes.Buffer
	c := New(&buf)
	c.Write([]byte{14, 16 + byte(Red), 'x'})
	out := buf.String()
	if !strings.Contains(out, "\x1b[") {
		t.Fatalf("Write did not emit an ANSI escape: %q", out)
	}
	if !strings.HasSuffix(out, "x") {
		t.Fatalf("Write did not forward the literal byte after the escape: %q", out)
	}
	if c.fg != Red {
		t.Fatalf("foreground = %v, want Red", c.fg)
	}
}

func TestColourByteWithoutPendingEscapeIsLiteral(t *testing.T) {
	var buf bytes.Buffer
	c := New(&buf)
	c.Write([]byte{20}) // in [16,31] range but no preceding 14/15
	if buf.Len() != 1 || buf.Bytes()[0] != 20 {
		t.Fatalf("unescaped colour-range byte was not forwarded literally: %v", buf.Bytes())
	}
}

func TestDumpFaultingInstructionDecodesSoftwareInterrupt(t *testing.T) {
	var buf bytes.Buffer
	c := New(&buf)
	// 0xCD 0x80 is "int $0x80", the software interrupt spec.md section
	// 4.5 names as the syscall entry vector.
	c.DumpFaultingInstruction(0xC0100000, []byte{0xCD, 0x80})
	if !strings.Contains(buf.String(), "int") {
		t.Fatalf("DumpFaultingInstruction did not name the instruction: %q", buf.String())
	}
}

func TestDumpFaultingInstructionReportsBadDecode(t *testing.T) {
	var buf bytes.Buffer
	c := New(&buf)
	c.DumpFaultingInstruction(0xC0100000, nil)
	if !strings.Contains(buf.String(), "bad instruction") {
		t.Fatalf("DumpFaultingInstruction did not report the decode failure: %q", buf.String())
	}
}
