//go:build arm && linux

package arch

import "golang.org/x/sys/unix"

// ARM (AArch32) breakpoint trap: udf #16, encoded little-endian.
// PC is not advanced past it by the kernel, unlike x86's int3.
var armTrapInstr = []byte{0xf0, 0x01, 0xf0, 0xe7}

// ARM EABI syscall instruction: svc #0, encoded little-endian.
var armSyscallInstr = []byte{0x00, 0x00, 0x00, 0xef}

// Indices into unix.PtraceRegs.Uregs; see
// arch/arm/include/uapi/asm/ptrace.h in the Linux kernel source.
const (
	armRegSP   = 13
	armRegLR   = 14
	armRegPC   = 15
	armRegSCNo = 7 // r7 carries the syscall number (EABI convention)
)

type armTraits struct{}

// Default returns the ARM (AArch32) Traits implementation.
func Default() Traits { return armTraits{} }

func (armTraits) Name() string               { return ARM }
func (armTraits) PointerWidth() int          { return 4 }
func (armTraits) TrapInstruction() []byte    { return armTrapInstr }
func (armTraits) TrapBackupSize() uintptr    { return 0 }
func (armTraits) SyscallInstruction() []byte { return armSyscallInstr }

func (armTraits) Zero() *RegSnapshot { return &RegSnapshot{Native: &unix.PtraceRegs{}} }

func armRegs(r *RegSnapshot) *unix.PtraceRegs {
	return r.Native.(*unix.PtraceRegs)
}

func (armTraits) PC(r *RegSnapshot) uintptr { return uintptr(armRegs(r).Uregs[armRegPC]) }

func (armTraits) SetPC(r *RegSnapshot, pc uintptr) { armRegs(r).Uregs[armRegPC] = uint32(pc) }

func (armTraits) SP(r *RegSnapshot) uintptr { return uintptr(armRegs(r).Uregs[armRegSP]) }

func (armTraits) SyscallNumber(r *RegSnapshot) uint64 {
	return uint64(armRegs(r).Uregs[armRegSCNo])
}

func (armTraits) SetSyscallNumber(r *RegSnapshot, nr uint64) {
	armRegs(r).Uregs[armRegSCNo] = uint32(nr)
}

// EABI passes the first six syscall arguments in r0..r5.
func (armTraits) SyscallArg(r *RegSnapshot, i int) uint64 {
	if i < 0 || i > 5 {
		panic("arch: syscall argument index out of range")
	}
	return uint64(armRegs(r).Uregs[i])
}

func (armTraits) SetSyscallArg(r *RegSnapshot, i int, v uint64) {
	if i < 0 || i > 5 {
		panic("arch: syscall argument index out of range")
	}
	armRegs(r).Uregs[i] = uint32(v)
}

func (armTraits) SyscallReturn(r *RegSnapshot) uint64 { return uint64(armRegs(r).Uregs[0]) }

func (armTraits) SetSyscallReturn(r *RegSnapshot, v uint64) { armRegs(r).Uregs[0] = uint32(v) }
