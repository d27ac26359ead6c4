// Package multiboot parses the boot-time information spec.md section 6
// names: module count/address, the memory map, and the kernel command
// line (whose only recognized flag is "--no-ioglue"). A real multiboot
// info struct is handed to the kernel by the bootloader at a fixed
// physical address; this hosted port instead takes the same fields as
// plain Go values so kerneld can be driven from a test or from parsed
// command-line arguments without a real BIOS handoff.
package multiboot

import "strings"

/// MMapEntry_t is one entry of the memory map (spec.md section 6's
/// "mmap_*").
type MMapEntry_t struct {
	Base      uint64
	Length    uint64
	Available bool
}

/// Module_t is one boot module (spec.md section 6's "mods_count,
/// mods_addr").
type Module_t struct {
	Start, End uint64
	Cmdline    string
}

/// Info holds the subset of multiboot information the kernel consults at
/// boot.
type Info struct {
	Modules     []Module_t
	MemoryMap   []MMapEntry_t
	CommandLine string
}

/// HasFlag reports whether name appears as a bare "--name" token on the
/// kernel command line (spec.md section 6: "Command-line flag
/// --no-ioglue disables dynamic library loading").
func (i Info) HasFlag(name string) bool {
	for _, tok := range strings.Fields(i.CommandLine) {
		if tok == "--"+name {
			return true
		}
	}
	return false
}

/// TotalMemory sums the available regions of the memory map, in bytes.
func (i Info) TotalMemory() uint64 {
	var total uint64
	for _, e := range i.MemoryMap {
		if e.Available {
			total += e.Length
		}
	}
	return total
}
