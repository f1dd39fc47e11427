package debugger

import (
	"os"

	"github.com/shadowtrap/tracee/arch"
	"github.com/shadowtrap/tracee/internal/breakpoint"
	"github.com/shadowtrap/tracee/internal/inject"
	"github.com/shadowtrap/tracee/internal/module"
	"github.com/shadowtrap/tracee/internal/ptrace"
	"github.com/shadowtrap/tracee/internal/syscalltab"
)

// StopReason is the sum type for why a tracee is currently stopped (spec
// §3 Tracee.StopReason). Re-architected from the source's class
// hierarchy into a single tagged value, per DESIGN NOTES.
type StopReason int

const (
	ReasonNone StopReason = iota
	ReasonSignalDelivered
	ReasonBreakpointHit
	ReasonSyscallEnter
	ReasonSyscallExit
	ReasonForkChild
	ReasonCloneChild
	ReasonExec
	ReasonExited
	ReasonKilled
)

func (r StopReason) String() string {
	switch r {
	case ReasonSignalDelivered:
		return "SignalDelivered"
	case ReasonBreakpointHit:
		return "BreakpointHit"
	case ReasonSyscallEnter:
		return "SyscallEnter"
	case ReasonSyscallExit:
		return "SyscallExit"
	case ReasonForkChild:
		return "ForkChild"
	case ReasonCloneChild:
		return "CloneChild"
	case ReasonExec:
		return "Exec"
	case ReasonExited:
		return "Exited"
	case ReasonKilled:
		return "Killed"
	default:
		return "None"
	}
}

// Tracee is the per-process record (spec component G / §3). The Debugger
// is its sole owner; handlers are given a View and never hold onto a
// Tracee directly.
type Tracee struct {
	Pid    ptrace.Pid
	Traits arch.Traits

	Reason   StopReason
	Signal   int
	ExitCode int
	NewChild ptrace.Pid

	Phase syscalltab.Phase

	// pendingRestore is the address the event loop must single-step past
	// and re-arm, set by the event loop when breakpoint.Table.OnHit reports
	// that the hit breakpoint is not single-shot. hasPendingRestore false
	// means none is outstanding.
	pendingRestore   uintptr
	hasPendingRestore bool

	// deferredSignal holds a signal that arrived between a breakpoint's
	// rewind and its restoring single-step; spec §4.D requires it be
	// redelivered, not dropped.
	deferredSignal int

	Modules     *module.Map
	Breakpoints *breakpoint.Table
	Injections  *inject.Queue

	// PTY is the pty master end for a Spawn(Options.UsePTY) tracee, nil
	// otherwise. The caller owns it and is responsible for closing it.
	PTY *os.File

	view *tracedView
}
