//go:build arm64 && linux

package arch

import "golang.org/x/sys/unix"

// AArch64 breakpoint trap: brk #0, encoded little-endian.
// As with ARM, PC is not advanced past it by the kernel.
var arm64TrapInstr = []byte{0x00, 0x00, 0x20, 0xd4}

// AArch64 syscall instruction: svc #0, encoded little-endian.
var arm64SyscallInstr = []byte{0x01, 0x00, 0x00, 0xd4}

const arm64RegSCNo = 8 // x8 carries the syscall number

type arm64Traits struct{}

// Default returns the AArch64 Traits implementation.
func Default() Traits { return arm64Traits{} }

func (arm64Traits) Name() string               { return ARM64 }
func (arm64Traits) PointerWidth() int          { return 8 }
func (arm64Traits) TrapInstruction() []byte    { return arm64TrapInstr }
func (arm64Traits) TrapBackupSize() uintptr    { return 0 }
func (arm64Traits) SyscallInstruction() []byte { return arm64SyscallInstr }

func (arm64Traits) Zero() *RegSnapshot { return &RegSnapshot{Native: &unix.PtraceRegs{}} }

func arm64Regs(r *RegSnapshot) *unix.PtraceRegs {
	return r.Native.(*unix.PtraceRegs)
}

func (arm64Traits) PC(r *RegSnapshot) uintptr { return uintptr(arm64Regs(r).Pc) }

func (arm64Traits) SetPC(r *RegSnapshot, pc uintptr) { arm64Regs(r).Pc = uint64(pc) }

func (arm64Traits) SP(r *RegSnapshot) uintptr { return uintptr(arm64Regs(r).Sp) }

func (arm64Traits) SyscallNumber(r *RegSnapshot) uint64 {
	return arm64Regs(r).Regs[arm64RegSCNo]
}

func (arm64Traits) SetSyscallNumber(r *RegSnapshot, nr uint64) {
	arm64Regs(r).Regs[arm64RegSCNo] = nr
}

// AAPCS64 passes the first six syscall arguments in x0..x5.
func (arm64Traits) SyscallArg(r *RegSnapshot, i int) uint64 {
	if i < 0 || i > 5 {
		panic("arch: syscall argument index out of range")
	}
	return arm64Regs(r).Regs[i]
}

func (arm64Traits) SetSyscallArg(r *RegSnapshot, i int, v uint64) {
	if i < 0 || i > 5 {
		panic("arch: syscall argument index out of range")
	}
	arm64Regs(r).Regs[i] = v
}

func (arm64Traits) SyscallReturn(r *RegSnapshot) uint64 { return arm64Regs(r).Regs[0] }

func (arm64Traits) SetSyscallReturn(r *RegSnapshot, v uint64) { arm64Regs(r).Regs[0] = v }
