// Package ioglue implements the ELF runtime linker (spec.md section 4.2),
// grounded in original_source/sys/ioglue/iostore.c (the registry, the
// symbol resolution order, the two relocation passes) and
// original_source/bin/linkd/reloc.c (the relocation type switch). Object
// parsing uses debug/elf the same way the teacher's own kernel/chentry.go
// tool does; debug/elf replaces the original's hand-rolled elf32_* struct
// reads without changing any of the linking semantics those structs fed.
package ioglue

import (
	"debug/elf"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/ianlancetaylor/demangle"
	"golang.org/x/sync/singleflight"

	"cinderkeep/src/bounds"
	"cinderkeep/src/defs"
	"cinderkeep/src/hashtable"
	"cinderkeep/src/pagealloc"
	"cinderkeep/src/res"
	"cinderkeep/src/util"
)

/// Dependency pairs a loaded library with the number of DT_NEEDED entries
/// of the dependent that named it (spec.md section 3's dependency-entry
/// shape "{library, refcount}"); a library listed twice in one object's
/// DT_NEEDED table is only loaded once but its Refcount reflects both
/// entries.
type Dependency struct {
	Library  *Library
	Refcount int32
}

/// Library is a loaded ELF object: its symbol table, its dependency edges,
/// and the relocation base its PT_LOAD segments were mapped at. refcount
/// follows the teacher's object model (original_source/libkernel/libio/
/// IOObject.h: alloc() starts a new object at a retain count of 1, every
/// further owner calls Retain, every relinquished owner calls Release,
/// and whoever's Release takes it to zero is responsible for discarding
/// it — spec.md section 5's "freeing is done by whoever releases the
/// last reference").
type Library struct {
	Name         string
	File         *elf.File
	Symbols      []elf.Symbol
	RelocBase    pagealloc.Va_t
	Pages        int
	Dependencies []*Dependency
	InitArray    []uintptr
	refcount     int32
	dir          *pagealloc.Directory
	alloc        *pagealloc.Allocator
}

/// Retain increments lib's reference count and returns lib, so a caller
/// can chain `held := dep.Retain()`.
func (lib *Library) Retain() *Library {
	atomic.AddInt32(&lib.refcount, 1)
	return lib
}

/// Release decrements lib's reference count and reports whether it
/// reached zero, at which point the caller holding the last reference is
/// responsible for discarding lib (spec.md section 5).
func (lib *Library) Release() bool {
	return atomic.AddInt32(&lib.refcount, -1) == 0
}

/// Refcount reports lib's current reference count, for diagnostics and
/// tests.
func (lib *Library) Refcount() int32 {
	return atomic.LoadInt32(&lib.refcount)
}

/// Store is the registry of loaded libraries, the Go equivalent of
/// iostore.c's atree_t __io_storeLibraries keyed by library name.
type Store struct {
	mu        sync.Mutex
	libraries *hashtable.Hashtable_t
	kernel    *Library // stub table consulted before the dependency BFS
	budget    *res.Budget_t
	loading   singleflight.Group
	noIoglue  bool
}

/// NewStore returns an empty registry. cfg.NoIoglue disables Load
/// entirely (spec.md section 6's "--no-ioglue" command line flag;
/// original_source checks this with sys_checkCommandline("--no-ioglue",
/// NULL) before touching the two essential libraries).
func NewStore(cfg defs.KernelConfig) *Store {
	return &Store{
		libraries: hashtable.MkHash(64),
		budget:    res.NewBudget(1 << 16),
		noIoglue:  cfg.NoIoglue,
	}
}

/// SetKernelStubs installs the pseudo-library consulted for kernel symbol
/// stubs before the dependency graph is walked (io_findKernelSymbol in the
/// original). Passing nil disables the shortcut.
func (s *Store) SetKernelStubs(lib *Library) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kernel = lib
}

// elfHash is unused by this port (debug/elf keys symbols by name instead
// of the original's custom elf_hash), kept only as a comment marker for
// readers comparing against iostore.c: io_storeAtreeLookup's string
// ordering became hashtable.Hashtable_t's string key, and elf_hash(name)
// became the table's own FNV hash.

/// Load parses the ELF object at path, maps its PT_LOAD segments into
/// dir, resolves and loads every DT_NEEDED dependency (skipping any
/// already present in the store, which also breaks dependency cycles: a
/// library midway through being loaded is already registered by the time
/// its own dependents look it up), and performs both relocation passes.
/// Concurrent Loads of the same path coalesce onto one actual load via
/// singleflight, matching the registry's "already present" short-circuit
/// in io_storeAddLibrary without needing iostore's own spinlock to
/// serialize the check-then-insert.
func (s *Store) Load(path string, dir *pagealloc.Directory, alloc *pagealloc.Allocator, loadBase pagealloc.Va_t) (*Library, defs.Err_t) {
	if s.noIoglue {
		return nil, -defs.EINVAL
	}
	v, err, _ := s.loading.Do(path, func() (interface{}, error) {
		return s.load(path, dir, alloc, loadBase)
	})
	if err != nil {
		if e, ok := err.(errCode); ok {
			return nil, defs.Err_t(e)
		}
		return nil, -defs.EINVAL
	}
	return v.(*Library), 0
}

type errCode int

func (e errCode) Error() string { return fmt.Sprintf("ioglue: errno %d", int(e)) }

func (s *Store) load(path string, dir *pagealloc.Directory, alloc *pagealloc.Allocator, loadBase pagealloc.Va_t) (*Library, error) {
	s.mu.Lock()
	if v, ok := s.libraries.Get(path); ok {
		s.mu.Unlock()
		return v.(*Library), nil
	}
	s.mu.Unlock()

	f, oserr := os.Open(path)
	if oserr != nil {
		return nil, errCode(-defs.ENOENT)
	}
	defer f.Close()

	ef, elferr := elf.NewFile(f)
	if elferr != nil {
		return nil, errCode(-defs.EINVAL)
	}
	if ef.Class != elf.ELFCLASS32 || ef.Machine != elf.EM_386 {
		return nil, errCode(-defs.EINVAL)
	}

	syms, _ := ef.Symbols()

	lib := &Library{
		Name:      path,
		File:      ef,
		Symbols:   syms,
		RelocBase: loadBase,
		refcount:  1, // the registry's own slot is the first owner
		dir:       dir,
		alloc:     alloc,
	}

	if !res.Resadd_noblock(s.budget, bounds.Bounds(bounds.B_IOGLUE_T_LOAD)) {
		return nil, errCode(-defs.ENOMEM)
	}

	if err := s.mapSegments(lib, alloc); err != nil {
		res.Resgive(s.budget, bounds.Bounds(bounds.B_IOGLUE_T_LOAD))
		return nil, err
	}

	// Register before resolving dependencies: a dependency cycle back to
	// this library will find it already present and stop, exactly as
	// io_storeAddLibrary's insert-then-resolve ordering does.
	s.mu.Lock()
	s.libraries.Set(lib.Name, lib)
	s.mu.Unlock()

	if err := s.resolveDependencies(lib, dir, alloc, loadBase); err != nil {
		s.remove(lib.Name)
		return nil, err
	}

	if !s.relocateNonPLT(lib) || !s.relocatePLT(lib) {
		s.remove(lib.Name)
		return nil, errCode(-defs.EINVAL)
	}

	s.loadInitArray(lib)

	return lib, nil
}

// loadInitArray reads DT_INIT_ARRAY/DT_INIT_ARRAYSZ and caches the
// (already-relocated, via R_386_RELATIVE) function pointers it names, so
// CallInitFunctions has nothing left to do but walk and call them
// (io_storeCallInitFunctions's initArray/initArrayCount).
func (s *Store) loadInitArray(lib *Library) {
	addrs, err := lib.File.DynValue(elf.DT_INIT_ARRAY)
	if err != nil || len(addrs) == 0 {
		return
	}
	sizes, err := lib.File.DynValue(elf.DT_INIT_ARRAYSZ)
	if err != nil || len(sizes) == 0 {
		return
	}
	count := int(sizes[0]) / 4
	base := uintptr(lib.RelocBase) + uintptr(addrs[0])
	for i := 0; i < count; i++ {
		lib.InitArray = append(lib.InitArray, uintptr(s.readWord(lib, base+uintptr(i*4))))
	}
}

/// CallInitFunctions invokes every non-null, non-sentinel entry of lib's
/// init array through invoke, skipping 0 and UINT32_MAX exactly as
/// io_storeCallInitFunctions does. A hosted port has no raw function
/// pointer to call into, so the caller supplies the invocation strategy
/// (e.g. kerneld's simulated call bookkeeping, or a test's recorder).
func CallInitFunctions(lib *Library, invoke func(addr uintptr)) {
	for _, addr := range lib.InitArray {
		if addr == 0 || addr == uintptr(^uint32(0)) {
			continue
		}
		invoke(addr)
	}
}

// remove drops lib's own registry entry after a failed load. It panics if
// another library has already retained lib as a dependency (refcount > 1
// beyond the registry's own slot), matching spec.md section 5's invariant
// "Removing while refcount > 0 is a bug" — by the time remove runs, lib's
// own slot is the only reference that should still exist.
func (s *Store) remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.libraries.Get(name); ok {
		if lib := v.(*Library); lib.Refcount() > 1 {
			panic("ioglue: remove of library with outstanding references")
		}
		s.libraries.Del(name)
	}
}

/// LibraryWithName returns the library registered under name, the
/// blocking lookup spec.md section 4.2's public contract calls
/// store_library_with_name, grounded in io_storeLibraryWithName.
func (s *Store) LibraryWithName(name string) (*Library, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.libraries.Get(name)
	if !ok {
		return nil, false
	}
	return v.(*Library), true
}

/// LibraryWithAddress scans the registry for the library whose mapped
/// range contains addr, spec.md section 4.2's store_library_with_address.
/// Spec.md section 5 requires this be safe to call from inside a
/// page-fault handler that may already hold s.mu: it uses TryLock instead
/// of Lock and reports ok=false immediately if the lock is already held,
/// rather than blocking, mirroring original_source/sys/ioglue/iostore.c's
/// __io_storeLibraryWithAddress (the spinlock_tryLock variant, distinct
/// from the blocking io_storeLibraryWithAddress above).
func (s *Store) LibraryWithAddress(addr uintptr) (*Library, bool) {
	if !s.mu.TryLock() {
		return nil, false
	}
	defer s.mu.Unlock()
	for _, pair := range s.libraries.Elems() {
		lib := pair.Value.(*Library)
		lo := uintptr(lib.RelocBase)
		hi := lo + uintptr(lib.Pages)*pagealloc.PageSize
		if addr >= lo && addr < hi {
			return lib, true
		}
	}
	return nil, false
}

// mapSegments installs every PT_LOAD program header of lib's ELF file
// into dir at lib.RelocBase+offset, backed by freshly allocated physical
// frames copied in from the file.
func (s *Store) mapSegments(lib *Library, alloc *pagealloc.Allocator) error {
	pages := 0
	for _, prog := range lib.File.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		n := util.Ceildiv(int(prog.Memsz), pagealloc.PageSize)
		if n == 0 {
			continue
		}
		pa, aerr := alloc.AllocContig(n)
		if aerr != 0 {
			return errCode(-defs.ENOMEM)
		}
		buf := alloc.Bytes(pa, n)
		data := make([]byte, prog.Filesz)
		if _, err := prog.ReadAt(data, 0); err != nil && prog.Filesz > 0 {
			return errCode(-defs.EINVAL)
		}
		copy(buf, data)

		perm := pagealloc.PERM_R
		if prog.Flags&elf.PF_W != 0 {
			perm |= pagealloc.PERM_W
		}
		va := pagealloc.Va_t(uintptr(lib.RelocBase) + uintptr(prog.Vaddr))
		lib.dir.Map(va, pa, n, perm)
		pages += n
	}
	lib.Pages = pages
	return nil
}

// resolveDependencies loads every DT_NEEDED entry of lib, in file order,
// skipping names already present in the store (io_libraryResolveDependencies).
// A name repeated in lib's own DT_NEEDED table only retains the dependency
// once but bumps its Dependency.Refcount, matching spec.md section 3's
// {library, refcount} dependency-entry shape.
func (s *Store) resolveDependencies(lib *Library, dir *pagealloc.Directory, alloc *pagealloc.Allocator, loadBase pagealloc.Va_t) error {
	needed, err := lib.File.DynString(elf.DT_NEEDED)
	if err != nil {
		return nil // no dynamic section: a static/self-contained object
	}
	for _, name := range needed {
		if d := lib.dependencyFor(name); d != nil {
			d.Refcount++
			continue
		}

		s.mu.Lock()
		v, ok := s.libraries.Get(name)
		s.mu.Unlock()
		if ok {
			dep := v.(*Library)
			dep.Retain()
			lib.Dependencies = append(lib.Dependencies, &Dependency{Library: dep, Refcount: 1})
			continue
		}
		dep, derr := s.load(name, dir, alloc, loadBase)
		if derr != nil {
			return derr
		}
		dep.Retain()
		lib.Dependencies = append(lib.Dependencies, &Dependency{Library: dep, Refcount: 1})
	}
	return nil
}

// dependencyFor returns lib's existing Dependency entry for name, or nil.
func (lib *Library) dependencyFor(name string) *Dependency {
	for _, d := range lib.Dependencies {
		if d.Library.Name == name {
			return d
		}
	}
	return nil
}

// lookupSymbol resolves symnum against lib, returning the owning library
// and the symbol, exactly as io_storeLookupSymbol: a STB_LOCAL symbol
// resolves within lib itself, otherwise the kernel stub table, then a
// breadth-first walk of the dependency graph, then lib's own table as a
// last resort.
func (s *Store) lookupSymbol(lib *Library, symnum int) (*Library, *elf.Symbol, bool) {
	if symnum < 0 || symnum >= len(lib.Symbols) {
		return nil, nil, false
	}
	sym := &lib.Symbols[symnum]
	if elf.ST_BIND(sym.Info) == elf.STB_LOCAL {
		return lib, sym, true
	}

	if s.kernel != nil {
		if ksym, ok := findByName(s.kernel, sym.Name); ok {
			return s.kernel, ksym, true
		}
	}

	visited := make(map[*Library]bool)
	queue := make([]*Library, 0, len(lib.Dependencies))
	for _, d := range lib.Dependencies {
		queue = append(queue, d.Library)
	}
	for len(queue) > 0 {
		dep := queue[0]
		queue = queue[1:]
		if visited[dep] {
			continue
		}
		visited[dep] = true
		if dsym, ok := findByName(dep, sym.Name); ok && dsym.Value != 0 {
			return dep, dsym, true
		}
		for _, d := range dep.Dependencies {
			queue = append(queue, d.Library)
		}
	}

	if dsym, ok := findByName(lib, sym.Name); ok && dsym.Value != 0 {
		return lib, dsym, true
	}
	return nil, nil, false
}

// reportUnresolved prints the same "couldn't find symbol" diagnostic
// reloc.c's two relocation passes emit on lookup failure, demangling C++
// symbol names (e.g. from a libio.so built against a C++ vmemory layer)
// so the report names a function signature instead of a mangled blob.
func (s *Store) reportUnresolved(lib *Library, symnum int) {
	if symnum < 0 || symnum >= len(lib.Symbols) {
		return
	}
	name := lib.Symbols[symnum].Name
	readable := demangle.Filter(name)
	fmt.Printf("Couldn't find symbol %s for %s!\n", readable, lib.Name)
}

func findByName(lib *Library, name string) (*elf.Symbol, bool) {
	for i := range lib.Symbols {
		if lib.Symbols[i].Name == name {
			return &lib.Symbols[i], true
		}
	}
	return nil, false
}

// rel32_t is the 32-bit ELF Elf32_Rel entry (x86 carries no addend, the
// augend lives at the relocation site itself), read directly off the
// section bytes the same way reloc.c walks library->rel..library->rellimit.
type rel32_t struct {
	off  uint32
	info uint32
}

func (r rel32_t) sym() uint32  { return r.info >> 8 }
func (r rel32_t) kind() uint32 { return r.info & 0xff }

// readRelSection decodes every Elf32_Rel entry in the named section, or
// returns nil if the section is absent (an object with no such table, the
// common case for .rel.plt on a library without PLT stubs).
func readRelSection(f *elf.File, name string) []rel32_t {
	sec := f.Section(name)
	if sec == nil {
		return nil
	}
	data, err := sec.Data()
	if err != nil || len(data)%8 != 0 {
		return nil
	}
	bo := f.ByteOrder
	rels := make([]rel32_t, len(data)/8)
	for i := range rels {
		rels[i] = rel32_t{
			off:  bo.Uint32(data[i*8:]),
			info: bo.Uint32(data[i*8+4:]),
		}
	}
	return rels
}

// relocateNonPLT walks every non-PLT relocation entry, matching
// library_relocateNonPLT's switch on R_386_* exactly.
func (s *Store) relocateNonPLT(lib *Library) bool {
	for _, r := range readRelSection(lib.File, ".rel.dyn") {
		if !s.applyReloc(lib, r) {
			return false
		}
	}
	return true
}

// relocatePLT walks the .rel.plt table. Every entry here is, by
// construction, an R_386_JMP_SLOT (library_relocatePLT's assert), so the
// shared applyReloc switch below handles both passes without
// duplicating the relocation arithmetic.
func (s *Store) relocatePLT(lib *Library) bool {
	for _, r := range readRelSection(lib.File, ".rel.plt") {
		if !s.applyReloc(lib, r) {
			return false
		}
	}
	return true
}

func (s *Store) applyReloc(lib *Library, r rel32_t) bool {
	addr := uintptr(lib.RelocBase) + uintptr(r.off)

	switch elf.R_386(r.kind()) {
	case elf.R_386_NONE:
		return true

	case elf.R_386_32, elf.R_386_GLOB_DAT:
		container, sym, ok := s.lookupSymbol(lib, int(r.sym()))
		if !ok {
			s.reportUnresolved(lib, int(r.sym()))
			return false
		}
		target := uintptr(container.RelocBase) + uintptr(sym.Value)
		s.writeWord(lib, addr, uint32(target)+s.readWord(lib, addr))
		return true

	case elf.R_386_PC32:
		container, sym, ok := s.lookupSymbol(lib, int(r.sym()))
		if !ok {
			s.reportUnresolved(lib, int(r.sym()))
			return false
		}
		target := uintptr(container.RelocBase) + uintptr(sym.Value)
		s.writeWord(lib, addr, s.readWord(lib, addr)+uint32(target-addr))
		return true

	case elf.R_386_RELATIVE:
		s.writeWord(lib, addr, s.readWord(lib, addr)+uint32(lib.RelocBase))
		return true

	case elf.R_386_JMP_SLOT:
		container, sym, ok := s.lookupSymbol(lib, int(r.sym()))
		if !ok {
			s.reportUnresolved(lib, int(r.sym()))
			return false
		}
		s.writeWord(lib, addr, uint32(uintptr(container.RelocBase)+uintptr(sym.Value)))
		return true

	default:
		// unsupported relocation types are logged, not fatal
		fmt.Printf("Unsupported relocation type %d for %s\n", r.kind(), lib.Name)
		return true
	}
}

// wordBytes returns the 4-byte slice in lib's backing frame that va maps
// to, or nil if va is unmapped. Relocation targets always land inside a
// PT_LOAD segment this library itself just mapped, so an unmapped
// address here means a corrupt object.
func (s *Store) wordBytes(lib *Library, va uintptr) []byte {
	pa, _, ok := lib.dir.Resolve(pagealloc.Va_t(va))
	if !ok {
		return nil
	}
	return lib.alloc.Slice(pa, 4)
}

func (s *Store) readWord(lib *Library, addr uintptr) uint32 {
	b := s.wordBytes(lib, addr)
	if b == nil {
		return 0
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func (s *Store) writeWord(lib *Library, addr uintptr, v uint32) {
	b := s.wordBytes(lib, addr)
	if b == nil {
		return
	}
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

/// LookupExport returns the named exported symbol of lib, used by
/// callers that need a specific entry point (e.g. kerneld resolving
/// "libio_init" after loading libio, spec.md section 4.2's init-function
/// call sequence).
func LookupExport(lib *Library, name string) (uintptr, bool) {
	sym, ok := findByName(lib, name)
	if !ok || sym.Value == 0 {
		return 0, false
	}
	return uintptr(lib.RelocBase) + uintptr(sym.Value), true
}

/// InvokeInit is the boolean-returning counterpart to CallInitFunctions's
/// invoke func(uintptr): it resolves name in lib exactly as LookupExport
/// does, then calls invoke with its address and passes its result back,
/// for exported entry points whose contract is "call it, use its return
/// value" (original_source/sys/ioglue/iostore.c's io_init: "return
/// libio_init();"), rather than the init array's "call every entry for
/// effect" contract. found is false, and invoke is never called, if name
/// is not exported by lib.
func InvokeInit(lib *Library, name string, invoke func(addr uintptr) bool) (result bool, found bool) {
	addr, ok := LookupExport(lib, name)
	if !ok {
		return false, false
	}
	return invoke(addr), true
}
