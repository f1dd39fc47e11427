//go:build amd64 && linux

package arch

import "golang.org/x/sys/unix"

// x86_64 trap instruction: int3.
var x86_64Trap = []byte{0xcc}

// x86_64 syscall instruction: syscall (0x0f 0x05).
var x86_64Syscall = []byte{0x0f, 0x05}

type x86_64Traits struct{}

// Default returns the x86_64 Traits implementation.
func Default() Traits { return x86_64Traits{} }

func (x86_64Traits) Name() string            { return X86_64 }
func (x86_64Traits) PointerWidth() int       { return 8 }
func (x86_64Traits) TrapInstruction() []byte { return x86_64Trap }
func (x86_64Traits) SyscallInstruction() []byte { return x86_64Syscall }

// TrapBackupSize is len(int3): the x86 trap leaves PC one byte past the
// instruction, unlike ARM's fixed-width trap which some kernels report
// with PC already on the faulting instruction.
func (x86_64Traits) TrapBackupSize() uintptr { return uintptr(len(x86_64Trap)) }

func (x86_64Traits) Zero() *RegSnapshot { return &RegSnapshot{Native: &unix.PtraceRegs{}} }

func regs(r *RegSnapshot) *unix.PtraceRegs {
	return r.Native.(*unix.PtraceRegs)
}

func (x86_64Traits) PC(r *RegSnapshot) uintptr { return uintptr(regs(r).Rip) }

func (x86_64Traits) SetPC(r *RegSnapshot, pc uintptr) { regs(r).Rip = uint64(pc) }

func (x86_64Traits) SP(r *RegSnapshot) uintptr { return uintptr(regs(r).Rsp) }

func (x86_64Traits) SyscallNumber(r *RegSnapshot) uint64 { return regs(r).Orig_rax }

func (x86_64Traits) SetSyscallNumber(r *RegSnapshot, nr uint64) { regs(r).Orig_rax = nr }

// SyscallArg follows the Linux x86-64 syscall ABI: rdi, rsi, rdx, r10,
// r8, r9 (not the C calling convention's rcx, which the kernel clobbers).
func (x86_64Traits) SyscallArg(r *RegSnapshot, i int) uint64 {
	pr := regs(r)
	switch i {
	case 0:
		return pr.Rdi
	case 1:
		return pr.Rsi
	case 2:
		return pr.Rdx
	case 3:
		return pr.R10
	case 4:
		return pr.R8
	case 5:
		return pr.R9
	default:
		panic("arch: syscall argument index out of range")
	}
}

func (x86_64Traits) SetSyscallArg(r *RegSnapshot, i int, v uint64) {
	pr := regs(r)
	switch i {
	case 0:
		pr.Rdi = v
	case 1:
		pr.Rsi = v
	case 2:
		pr.Rdx = v
	case 3:
		pr.R10 = v
	case 4:
		pr.R8 = v
	case 5:
		pr.R9 = v
	default:
		panic("arch: syscall argument index out of range")
	}
}

func (x86_64Traits) SyscallReturn(r *RegSnapshot) uint64 { return regs(r).Rax }

func (x86_64Traits) SetSyscallReturn(r *RegSnapshot, v uint64) { regs(r).Rax = v }
