// Package module maintains, per tracee, the mapping from a loaded image's
// name to its load base (spec component C) and resolves (module, offset)
// pairs to absolute addresses. Grounded on the teacher's sharedlib.go
// (Process.SharedLibs filtering MemRegions for .so paths) and
// common/memregion.go, generalized to the main executable as well as
// shared libraries and widened past the ".so" suffix so statically linked
// or extension-less images still resolve.
package module

import (
	"sort"
	"strings"

	"github.com/shadowtrap/tracee/errs"
	"github.com/shadowtrap/tracee/internal/ptrace"
)

// Module is one loaded image: the main executable or a shared library.
type Module struct {
	Name string
	Base uintptr
}

// Pending is a breakpoint-insertion request waiting on a module that
// hasn't loaded yet. It is re-tried whenever the map is refreshed.
type Pending struct {
	Module string
	Offset uintptr
}

// Map is a tracee's module → load-base table plus the set of
// not-yet-resolvable (module, offset) requests awaiting that module.
// The table is filled by Refresh (at attach and again on Exec); a Resolve
// for a module not in it is queued as pending and re-tried by Refresh.
type Map struct {
	backend  ptrace.Backend
	pid      ptrace.Pid
	modules  map[string]uintptr
	pending  []Pending
	loaded   bool
}

// New returns an empty Map for pid; call Refresh before the first Resolve.
func New(backend ptrace.Backend, pid ptrace.Pid) *Map {
	return &Map{backend: backend, pid: pid, modules: make(map[string]uintptr)}
}

// Refresh re-reads the tracee's memory regions and rebuilds the module
// table. Call this at attach time and again on every Exec stop, per
// spec §4.C. Returns the list of (module, offset) pending requests that
// became resolvable as a result, so the caller can install their traps.
func (m *Map) Refresh() ([]Pending, error) {
	regions, err := m.backend.MemRegions(m.pid)
	if err != nil {
		return nil, errs.Wrap(errs.Unresolved, err, "refresh module map for pid %d", m.pid)
	}

	fresh := make(map[string]uintptr)
	var lastPath string
	for _, r := range regions {
		if r.Pathname == "" || r.Pathname == lastPath {
			continue
		}
		if strings.HasPrefix(r.Pathname, "[") {
			// anonymous regions like [heap], [stack], [vdso] are not modules
			continue
		}
		lastPath = r.Pathname
		name := moduleName(r.Pathname)
		if _, exists := fresh[name]; !exists {
			fresh[name] = r.Low
		}
	}

	m.modules = fresh
	m.loaded = true

	return m.retryPending(), nil
}

// moduleName reduces a /proc/<pid>/maps pathname to a short module
// identifier: the final path component. The full path is not kept in the
// table; offsets passed to Resolve are always relative to this identifier.
func moduleName(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

// Resolve computes module base + offset, or records the request as
// pending if the module isn't loaded yet (errs.Unresolved).
func (m *Map) Resolve(module string, offset uintptr) (uintptr, error) {
	base, ok := m.modules[module]
	if !ok {
		m.pending = append(m.pending, Pending{Module: module, Offset: offset})
		return 0, errs.New(errs.Unresolved, "module %q not loaded for pid %d", module, m.pid)
	}
	return base + offset, nil
}

// retryPending re-attempts every outstanding request against the current
// table, returning the ones that now resolve and removing them from the
// pending set. Requests that still don't resolve remain queued.
func (m *Map) retryPending() []Pending {
	if len(m.pending) == 0 {
		return nil
	}

	var resolved, stillPending []Pending
	for _, p := range m.pending {
		if _, ok := m.modules[p.Module]; ok {
			resolved = append(resolved, p)
		} else {
			stillPending = append(stillPending, p)
		}
	}
	m.pending = stillPending
	return resolved
}

// Modules returns a stable, address-sorted snapshot of the loaded table.
func (m *Map) Modules() []Module {
	out := make([]Module, 0, len(m.modules))
	for name, base := range m.modules {
		out = append(out, Module{Name: name, Base: base})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Base < out[j].Base })
	return out
}

// Loaded reports whether Refresh has ever run.
func (m *Map) Loaded() bool { return m.loaded }
