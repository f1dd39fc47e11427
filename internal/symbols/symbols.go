// Package symbols resolves function names to offsets within an ELF
// image, letting callers register breakpoints symbolically (e.g.
// "libc.so.6"+"malloc") instead of by raw offset. This is a supplemented
// feature: the teacher's data/debugdata.go carries a full DWARF/CFI
// engine for variable inspection and stack unwinding that is out of
// scope here, but its narrower GetFunctionAddresses — scanning the ELF
// symbol table for a matching function name — is exactly the lookup the
// module & address map component needs to turn a name into an offset.
// That scan is adapted here onto debug/elf directly (no DWARF), with
// github.com/hashicorp/golang-lru/v2 caching parsed symbol tables per
// image path so repeated resolutions against the same module don't
// re-read and re-parse the file.
package symbols

import (
	"debug/elf"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/shadowtrap/tracee/errs"
)

// Table is a name → offset index for one ELF image.
type Table struct {
	byName map[string]uintptr
}

// Offset returns the offset of the function named exactly name within
// the image's own address space (not yet relocated to any load base).
func (t *Table) Offset(name string) (uintptr, bool) {
	off, ok := t.byName[name]
	return off, ok
}

// Resolver loads and caches per-image symbol tables.
type Resolver struct {
	cache *lru.Cache[string, *Table]
}

// NewResolver returns a Resolver caching up to capacity parsed images.
func NewResolver(capacity int) (*Resolver, error) {
	cache, err := lru.New[string, *Table](capacity)
	if err != nil {
		return nil, errs.Wrap(errs.Unresolved, err, "create symbol cache")
	}
	return &Resolver{cache: cache}, nil
}

// Load returns the Table for the ELF image at path, parsing and caching
// it on first use.
func (r *Resolver) Load(path string) (*Table, error) {
	if t, ok := r.cache.Get(path); ok {
		return t, nil
	}

	f, err := elf.Open(path)
	if err != nil {
		return nil, errs.Wrap(errs.Unresolved, err, "open elf image %s", path)
	}
	defer f.Close()

	syms, err := f.Symbols()
	if err != nil {
		// Stripped binaries have no .symtab; dynamic symbols may still help.
		syms, err = f.DynamicSymbols()
		if err != nil {
			return nil, errs.Wrap(errs.Unresolved, err, "read symbols from %s", path)
		}
	}

	table := &Table{byName: make(map[string]uintptr, len(syms))}
	for _, sym := range syms {
		if sym.Size == 0 || elf.ST_TYPE(sym.Info) != elf.STT_FUNC {
			continue
		}
		table.byName[sym.Name] = uintptr(sym.Value)
	}

	r.cache.Add(path, table)
	return table, nil
}

// Find resolves name (or, if exact is false, one symbol whose name
// contains name as a substring) within the image at path. With several
// substring matches, which one is returned is not defined.
func (r *Resolver) Find(path, name string, exact bool) (uintptr, error) {
	offsets, err := r.FindAll(path, name, exact)
	if err != nil {
		return 0, err
	}
	return offsets[0], nil
}

// FindAll resolves every symbol matching name within the image at path —
// exactly name if exact is true, or every symbol whose name contains name
// as a substring otherwise — mirroring the teacher's
// GetFunctionAddresses/SetBreakpointAtFunction, which places a breakpoint
// at each match rather than just the first.
func (r *Resolver) FindAll(path, name string, exact bool) ([]uintptr, error) {
	table, err := r.Load(path)
	if err != nil {
		return nil, err
	}

	if exact {
		off, ok := table.Offset(name)
		if !ok {
			return nil, errs.New(errs.Unresolved, "function %q not found in %s", name, path)
		}
		return []uintptr{off}, nil
	}

	var offsets []uintptr
	for sym, off := range table.byName {
		if strings.Contains(sym, name) {
			offsets = append(offsets, off)
		}
	}
	if len(offsets) == 0 {
		return nil, errs.New(errs.Unresolved, "no function matching %q in %s", name, path)
	}
	return offsets, nil
}
