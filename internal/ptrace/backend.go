// Package ptrace is the OS boundary: it wraps the host's process-tracing
// facility (spec component B, §6 "OS boundary") behind a small interface
// so every other component — breakpoint table, syscall dispatcher,
// injector, event loop — can be driven by a real Linux backend or by an
// in-memory fake in tests.
package ptrace

import (
	"time"

	"github.com/shadowtrap/tracee/arch"
)

// Pid identifies a traced process or thread (Linux conflates the two at
// the ptrace layer: a thread is just a pid sharing an address space).
type Pid int

// StopKind classifies a single wait() result, independent of any
// breakpoint/syscall semantics layered on top by higher components.
type StopKind int

const (
	StopUnknown StopKind = iota
	StopSignal
	StopSyscall
	StopForkEvent
	StopCloneEvent
	StopExecEvent
	StopExited
	StopKilled
)

// WaitResult is what Backend.Wait reports for one stopped tracee.
type WaitResult struct {
	Pid       Pid
	Kind      StopKind
	Signal    int // valid when Kind == StopSignal
	ExitCode  int // valid when Kind == StopExited
	NewChild  Pid // valid when Kind == StopForkEvent or StopCloneEvent
	TimedOut  bool
}

// ResumeMode selects how a stopped tracee is resumed, mirroring spec §4.H.
type ResumeMode int

const (
	ResumeContinue ResumeMode = iota
	ResumeSyscall
	ResumeStep
)

// Backend is the full surface the tracee control engine needs from the
// host OS. A Linux implementation lives in process.go; tests use a fake.
type Backend interface {
	// Attach starts tracing pid (and, per spec component G, its threads).
	Attach(pid Pid) error
	Detach(pid Pid) error

	// Resume continues pid in the given mode, optionally delivering sig
	// (0 for no signal).
	Resume(pid Pid, mode ResumeMode, sig int) error

	// Wait blocks (up to timeout, 0 meaning block indefinitely) for the
	// next stop of any traced pid.
	Wait(timeout time.Duration) (WaitResult, error)

	// Interrupt forces pid to stop so register/memory state can be read.
	Interrupt(pid Pid) error

	// Kill terminates pid unconditionally (spec §7: a failed trap
	// restoration, or a handler's Kill decision, ends that tracee).
	Kill(pid Pid) error

	GetRegs(pid Pid) (*arch.RegSnapshot, error)
	SetRegs(pid Pid, regs *arch.RegSnapshot) error

	ReadMemory(pid Pid, addr uintptr, out []byte) error
	WriteMemory(pid Pid, addr uintptr, data []byte) error

	// Threads enumerates the thread ids sharing pid's address space.
	Threads(pid Pid) ([]Pid, error)

	// MemRegions returns the tracee's mapped memory regions, in the
	// order the kernel reports them (ascending address).
	MemRegions(pid Pid) ([]MemRegion, error)
}

// MemRegion is one line of /proc/<pid>/maps.
type MemRegion struct {
	Low, High   uintptr
	Permissions string
	Offset      uint64
	Pathname    string
}
