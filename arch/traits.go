// Package arch provides the per-ISA seam described in spec component A:
// trap-instruction encoding and register accessors, so that adding a new
// architecture to the tracee control engine means providing one more
// Traits implementation and nothing else.
package arch

import "fmt"

// RegSnapshot is an opaque, architecture-sized copy of a tracee's general
// purpose register file. Its shape is defined entirely by the Traits
// implementation that produced it; callers never interpret the bytes
// directly, only through Traits accessors.
type RegSnapshot struct {
	// Native holds the architecture's raw register struct, boxed so that
	// RegSnapshot itself stays a single concrete type across ISAs. A
	// Traits implementation type-asserts it back to its own layout.
	Native interface{}
}

// Traits is the architecture-abstraction seam from spec §4.A. A single
// Traits value is selected once, at Debugger construction time, from a
// TargetDescription and is shared (read-only) by every tracee.
type Traits interface {
	// Name identifies the ISA, e.g. "x86_64".
	Name() string

	// PointerWidth is the width in bytes of a native pointer/word.
	PointerWidth() int

	// TrapInstruction returns the byte sequence that, once written over
	// a tracee's code and executed, produces a synchronous SIGTRAP.
	TrapInstruction() []byte

	// TrapBackupSize is the number of bytes the program counter must be
	// rewound by after a trap fires, so that it again points at the
	// first byte of the trapped instruction. Zero on ISAs where the
	// trap leaves PC unmodified.
	TrapBackupSize() uintptr

	// SyscallInstruction returns the byte sequence that traps into the
	// kernel to execute a syscall (the instruction `syscall`/`svc #0`
	// compiles to), for the injector (component F) to write at a
	// tracee's PC before driving it through a syscall-enter/exit pair.
	SyscallInstruction() []byte

	// Zero returns a fresh, zero-valued register snapshot boxing this
	// ISA's native ptrace register struct. Tests use it with the fake
	// backend to build register fixtures without needing to know the
	// concrete struct layout.
	Zero() *RegSnapshot

	// PC / SetPC read and write the instruction pointer.
	PC(regs *RegSnapshot) uintptr
	SetPC(regs *RegSnapshot, pc uintptr)

	// SP reads the stack pointer.
	SP(regs *RegSnapshot) uintptr

	// SyscallNumber reads/writes the syscall-number register.
	SyscallNumber(regs *RegSnapshot) uint64
	SetSyscallNumber(regs *RegSnapshot, nr uint64)

	// SyscallArg reads/writes syscall argument register i (0..5).
	SyscallArg(regs *RegSnapshot, i int) uint64
	SetSyscallArg(regs *RegSnapshot, i int, v uint64)

	// SyscallReturn reads/writes the syscall return-value register.
	SyscallReturn(regs *RegSnapshot) uint64
	SetSyscallReturn(regs *RegSnapshot, v uint64)
}

// ISA names accepted by a TargetDescription.
const (
	X86_64 = "x86_64"
	ARM    = "arm"
	ARM64  = "arm64"
)

// errUnsupportedISA is shared by every per-arch ForISA implementation.
func errUnsupportedISA(name, host string) error {
	return fmt.Errorf("arch: %q does not match this tracer's host ISA (%s); ptrace register layouts are not cross-ISA", name, host)
}

// Default returns the Traits for the ISA this binary was built for. Exactly
// one of traits_amd64.go, traits_arm.go, traits_arm64.go is compiled in,
// selected by the standard Go build constraints on GOARCH — this is the
// entirety of what "adding an ISA" requires.
//
// ForISA validates a TargetDescription's declared ISA against Default and
// returns it, or an error if they disagree: a tracer's PTRACE_GETREGS
// layout is tied to the host kernel's own architecture, so a single
// process cannot serve two ISAs at once.
func ForISA(name string) (Traits, error) {
	d := Default()
	if name != d.Name() {
		return nil, errUnsupportedISA(name, d.Name())
	}
	return d, nil
}
