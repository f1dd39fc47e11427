// Package breakpoint implements the per-tracee software breakpoint table
// (spec component D): installing/uninstalling the ISA trap instruction,
// dispatching hits to user handlers, and tracking the single-step
// restoration dance needed to re-arm a non-single-shot breakpoint.
//
// Grounded on the teacher's common/breakpoint.go (Enable/Disable toggling
// saved bytes) and common/tracer.go's stepOverBreakpoint (disable, single
// step past the trap, re-enable), generalized from one Tracer-owned
// breakpoint set to a table keyed by address with pending-restoration
// bookkeeping the event loop drives explicitly instead of looping inline.
package breakpoint

import (
	"github.com/sirupsen/logrus"

	"github.com/shadowtrap/tracee/arch"
	"github.com/shadowtrap/tracee/errs"
	"github.com/shadowtrap/tracee/internal/ptrace"
)

// Decision is what a breakpoint handler tells the event loop to do with
// the tracee after the hit has been processed (spec §6 handler contract).
type Decision int

const (
	Continue Decision = iota
	Detach
	Kill
)

// TraceeView is the read/write handle a handler receives. It must never
// outlive the call to the handler (spec §3: handlers never extend the
// Tracee's lifetime).
type TraceeView interface {
	Pid() ptrace.Pid
	Registers() (*arch.RegSnapshot, error)
	SetRegisters(*arch.RegSnapshot) error
	ReadMemory(addr uintptr, n int) ([]byte, error)
	WriteMemory(addr uintptr, data []byte) error
}

// Handler is a value carrying the user's callback, per DESIGN NOTES
// "polymorphism of handlers": dispatch is by table lookup, not virtual
// dispatch over a class hierarchy.
type Handler func(view TraceeView) Decision

// Resolver is the subset of internal/module.Map a Table needs: turning a
// (module, offset) pair into an absolute address, or reporting it's not
// loaded yet.
type Resolver interface {
	Resolve(module string, offset uintptr) (uintptr, error)
}

// Record is one breakpoint: module-relative identity plus whatever
// install-time state is currently live. SavedBytes is non-empty iff the
// trap is currently installed (spec invariant ii).
type Record struct {
	Module     string
	Offset     uintptr
	Addr       uintptr
	SingleShot bool
	Handler    Handler

	resolved   bool
	installed  bool
	SavedBytes []byte
}

// Table is one tracee's breakpoint set. Per spec §5 "shared resources",
// the Handler and ISA trap bytes are effectively shared/immutable across
// tracees (e.g. inherited via fork), but SavedBytes/installed here are
// always this tracee's own.
type Table struct {
	backend ptrace.Backend
	traits  arch.Traits
	pid     ptrace.Pid
	log     *logrus.Logger

	byAddr     map[uintptr]*Record
	unresolved []*Record
}

// New returns an empty breakpoint table for pid.
func New(backend ptrace.Backend, traits arch.Traits, pid ptrace.Pid, log *logrus.Logger) *Table {
	return &Table{
		backend: backend,
		traits:  traits,
		pid:     pid,
		log:     log,
		byAddr:  make(map[uintptr]*Record),
	}
}

func (t *Table) hasDuplicate(module string, offset uintptr) bool {
	for _, r := range t.byAddr {
		if r.Module == module && r.Offset == offset {
			return true
		}
	}
	for _, r := range t.unresolved {
		if r.Module == module && r.Offset == offset {
			return true
		}
	}
	return false
}

// Add registers a breakpoint at module+offset. If the module isn't
// loaded yet, it is queued and installed later via RetryUnresolved — this
// is not itself an error, per spec §4.C ("held in a pending set").
// Registering a duplicate (module, offset) is an error (spec §9, Open
// Question i).
func (t *Table) Add(resolver Resolver, module string, offset uintptr, handler Handler, singleShot bool) error {
	if t.hasDuplicate(module, offset) {
		return errs.New(errs.Unresolved, "duplicate breakpoint at %s+%#x", module, offset)
	}

	rec := &Record{Module: module, Offset: offset, Handler: handler, SingleShot: singleShot}

	addr, err := resolver.Resolve(module, offset)
	if err != nil {
		t.unresolved = append(t.unresolved, rec)
		return nil
	}

	rec.Addr = addr
	rec.resolved = true
	if err := t.install(rec); err != nil {
		return err
	}
	t.byAddr[addr] = rec
	return nil
}

// RetryUnresolved re-attempts resolution for every breakpoint still
// waiting on its module, installing those that now resolve. Call this
// after internal/module.Map.Refresh, e.g. on an Exec stop.
func (t *Table) RetryUnresolved(resolver Resolver) error {
	if len(t.unresolved) == 0 {
		return nil
	}

	var stillUnresolved []*Record
	for _, rec := range t.unresolved {
		addr, err := resolver.Resolve(rec.Module, rec.Offset)
		if err != nil {
			stillUnresolved = append(stillUnresolved, rec)
			continue
		}
		rec.Addr = addr
		rec.resolved = true
		if err := t.install(rec); err != nil {
			return err
		}
		t.byAddr[addr] = rec
	}
	t.unresolved = stillUnresolved
	return nil
}

func (t *Table) install(rec *Record) error {
	if rec.installed {
		return nil
	}
	trap := t.traits.TrapInstruction()
	saved := make([]byte, len(trap))
	if err := t.backend.ReadMemory(t.pid, rec.Addr, saved); err != nil {
		return errs.Wrap(errs.TrapWriteFailed, err, "save original bytes at %#x", rec.Addr)
	}
	if err := t.backend.WriteMemory(t.pid, rec.Addr, trap); err != nil {
		return errs.Wrap(errs.TrapWriteFailed, err, "write trap at %#x", rec.Addr)
	}
	rec.SavedBytes = saved
	rec.installed = true
	return nil
}

func (t *Table) uninstall(rec *Record) error {
	if !rec.installed {
		return nil
	}
	if err := t.backend.WriteMemory(t.pid, rec.Addr, rec.SavedBytes); err != nil {
		return errs.Wrap(errs.TrapWriteFailed, err, "restore bytes at %#x", rec.Addr)
	}
	rec.installed = false
	rec.SavedBytes = nil
	return nil
}

// Lookup reports whether a resolved breakpoint is registered at addr, and
// its record if so; the trap may or may not be installed at the moment.
// The event loop uses this, with traits.TrapBackupSize, to decide whether
// a SIGTRAP is a breakpoint hit.
func (t *Table) Lookup(addr uintptr) (*Record, bool) {
	rec, ok := t.byAddr[addr]
	return rec, ok
}

// OnHit runs the spec §4.D algorithm for a confirmed breakpoint stop at
// addr: rewind PC, call the handler, uninstall the trap, and report
// whether the event loop must single-step and re-install (non-single-shot
// case) before resuming normally.
func (t *Table) OnHit(addr uintptr, view TraceeView) (decision Decision, needsRestore bool, err error) {
	rec, ok := t.byAddr[addr]
	if !ok {
		return Continue, false, errs.New(errs.UnknownStop, "breakpoint hit at untracked address %#x", addr)
	}

	regs, err := view.Registers()
	if err != nil {
		return Continue, false, err
	}
	t.traits.SetPC(regs, addr)
	if err := view.SetRegisters(regs); err != nil {
		return Continue, false, err
	}

	decision = rec.Handler(view)

	if err := t.uninstall(rec); err != nil {
		return decision, false, err
	}

	if rec.SingleShot {
		delete(t.byAddr, addr)
		return decision, false, nil
	}

	return decision, true, nil
}

// Reinstall re-arms the trap at addr after the event loop has single-
// stepped the tracee past it. A no-op if the breakpoint no longer exists
// (e.g. a concurrent single-shot hit removed it, which spec's duplicate
// rule makes impossible for the same address, but Detach/Kill decisions
// upstream may have dropped the tracee entirely).
func (t *Table) Reinstall(addr uintptr) error {
	rec, ok := t.byAddr[addr]
	if !ok {
		return nil
	}
	return t.install(rec)
}

// Clone copies this table's records for a forked/cloned child. Per spec
// §4.D tie-breaks, the child's code image already carries whatever trap
// state the parent had at the moment of fork (installed or not), so the
// copy preserves installed/SavedBytes verbatim; the caller is responsible
// for arranging the single-step re-arm if PendingRestoration was set.
func (t *Table) Clone(pid ptrace.Pid) *Table {
	clone := New(t.backend, t.traits, pid, t.log)
	for addr, rec := range t.byAddr {
		copied := *rec
		copied.SavedBytes = append([]byte(nil), rec.SavedBytes...)
		clone.byAddr[addr] = &copied
	}
	for _, rec := range t.unresolved {
		copied := *rec
		clone.unresolved = append(clone.unresolved, &copied)
	}
	return clone
}
