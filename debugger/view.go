package debugger

import (
	"github.com/shadowtrap/tracee/arch"
	"github.com/shadowtrap/tracee/internal/ptrace"
)

// tracedView is the concrete implementation shared by
// internal/breakpoint.TraceeView, internal/syscalltab.TraceeView, and
// internal/inject.View. One instance per Tracee; handlers only ever see
// it through the narrower interface types, never as *Tracee itself
// (spec §3: "handlers receive a read/write view but never extend its
// lifetime").
type tracedView struct {
	backend ptrace.Backend
	pid     ptrace.Pid
}

func (v *tracedView) Pid() ptrace.Pid { return v.pid }

func (v *tracedView) Registers() (*arch.RegSnapshot, error) {
	return v.backend.GetRegs(v.pid)
}

func (v *tracedView) SetRegisters(regs *arch.RegSnapshot) error {
	return v.backend.SetRegs(v.pid, regs)
}

func (v *tracedView) ReadMemory(addr uintptr, n int) ([]byte, error) {
	buf := make([]byte, n)
	if err := v.backend.ReadMemory(v.pid, addr, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (v *tracedView) WriteMemory(addr uintptr, data []byte) error {
	return v.backend.WriteMemory(v.pid, addr, data)
}
