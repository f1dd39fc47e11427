// Package syscalltab implements the syscall dispatcher (spec component E):
// a registry of handlers keyed by syscall id, plus the enter/exit phase
// alternation each tracee must track across syscall-stops.
//
// Grounded on nestybox-sysbox-fs's seccomp-tracer.go (dispatch keyed by
// syscall id/name, a processXxx method per syscall) and capsule8's
// SyscallEnterTelemetryEvent/SyscallExitTelemetryEvent naming, adapted
// from their out-of-process seccomp-notify/kprobe designs to the ptrace
// enter/exit register protocol the teacher's arch package exposes.
package syscalltab

import (
	"github.com/shadowtrap/tracee/arch"
	"github.com/shadowtrap/tracee/internal/ptrace"
)

// Phase is a tracee's position relative to a syscall boundary. It flips
// on every syscall-stop; the initial phase is Outside (spec §4.E).
type Phase int

const (
	Outside Phase = iota
	InsideKernel
)

// TraceeView is the register/memory handle a syscall handler receives.
// Shaped identically to internal/breakpoint.TraceeView so a single
// concrete implementation in the debugger package satisfies both.
type TraceeView interface {
	Pid() ptrace.Pid
	Registers() (*arch.RegSnapshot, error)
	SetRegisters(*arch.RegSnapshot) error
	ReadMemory(addr uintptr, n int) ([]byte, error)
	WriteMemory(addr uintptr, data []byte) error
}

// TraceData is the snapshot passed to a handler; mutations to Args (on
// enter) or Return (on exit) are written back before resumption.
type TraceData struct {
	ID     uint64
	Args   [6]uint64
	Return uint64
	Enter  bool
}

// EnterFunc and ExitFunc are the two halves of a syscall handler. Either
// may be nil if the handler only cares about one side.
type EnterFunc func(data *TraceData, view TraceeView)
type ExitFunc func(data *TraceData, view TraceeView)

// Handler is registered per syscall id. Unregistered ids pass through
// untouched (spec §4.E).
type Handler struct {
	OnEnter EnterFunc
	OnExit  ExitFunc
}

// Table is the shared (process-wide) handler registry; phase is tracked
// per tracee by the caller, not here, since it is tracee-scoped state
// (spec DESIGN NOTES: "per-tracee vs per-breakpoint state").
type Table struct {
	traits   arch.Traits
	handlers map[uint64]Handler
}

// New returns an empty dispatcher for the given architecture.
func New(traits arch.Traits) *Table {
	return &Table{traits: traits, handlers: make(map[uint64]Handler)}
}

// Register installs or replaces the handler for syscall_id.
func (t *Table) Register(id uint64, h Handler) {
	t.handlers[id] = h
}

// Dispatch processes one syscall-stop given the tracee's current phase,
// returning the next phase. On Outside, this is an enter: args are read,
// the handler's OnEnter runs, and any Args mutation is written back. On
// InsideKernel, this is an exit: the return value is read, OnExit runs,
// and a Return mutation is written back. Unregistered syscalls still
// flip phase but call no handler (pass-through).
func (t *Table) Dispatch(phase Phase, view TraceeView) (Phase, error) {
	regs, err := view.Registers()
	if err != nil {
		return phase, err
	}

	id := t.traits.SyscallNumber(regs)
	h, registered := t.handlers[id]

	switch phase {
	case Outside:
		data := &TraceData{ID: id, Enter: true}
		for i := 0; i < 6; i++ {
			data.Args[i] = t.traits.SyscallArg(regs, i)
		}
		if registered && h.OnEnter != nil {
			h.OnEnter(data, view)
			for i := 0; i < 6; i++ {
				t.traits.SetSyscallArg(regs, i, data.Args[i])
			}
			if err := view.SetRegisters(regs); err != nil {
				return InsideKernel, err
			}
		}
		return InsideKernel, nil

	default: // InsideKernel
		data := &TraceData{ID: id, Enter: false, Return: t.traits.SyscallReturn(regs)}
		if registered && h.OnExit != nil {
			h.OnExit(data, view)
			t.traits.SetSyscallReturn(regs, data.Return)
			if err := view.SetRegisters(regs); err != nil {
				return Outside, err
			}
		}
		return Outside, nil
	}
}
