package syscalltab_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shadowtrap/tracee/arch"
	"github.com/shadowtrap/tracee/internal/ptrace"
	"github.com/shadowtrap/tracee/internal/ptrace/ptracefake"
	"github.com/shadowtrap/tracee/internal/syscalltab"
)

type fakeView struct {
	backend *ptracefake.Backend
	pid     ptrace.Pid
}

func (v *fakeView) Pid() ptrace.Pid { return v.pid }
func (v *fakeView) Registers() (*arch.RegSnapshot, error) {
	return v.backend.GetRegs(v.pid)
}
func (v *fakeView) SetRegisters(r *arch.RegSnapshot) error {
	return v.backend.SetRegs(v.pid, r)
}
func (v *fakeView) ReadMemory(addr uintptr, n int) ([]byte, error) { return nil, nil }
func (v *fakeView) WriteMemory(addr uintptr, data []byte) error    { return nil }

const openatID = 257

func TestPhaseAlternatesStartingWithEnter(t *testing.T) {
	traits := arch.Default()
	backend := ptracefake.New()
	const pid = ptrace.Pid(1)

	regs := traits.Zero()
	traits.SetSyscallNumber(regs, openatID)
	require.NoError(t, backend.SetRegs(pid, regs))

	table := syscalltab.New(traits)
	view := &fakeView{backend: backend, pid: pid}

	phase := syscalltab.Outside
	var seen []bool // true = enter
	table.Register(openatID, syscalltab.Handler{
		OnEnter: func(d *syscalltab.TraceData, v syscalltab.TraceeView) { seen = append(seen, true) },
		OnExit:  func(d *syscalltab.TraceData, v syscalltab.TraceeView) { seen = append(seen, false) },
	})

	var err error
	phase, err = table.Dispatch(phase, view)
	require.NoError(t, err)
	require.Equal(t, syscalltab.InsideKernel, phase)

	phase, err = table.Dispatch(phase, view)
	require.NoError(t, err)
	require.Equal(t, syscalltab.Outside, phase)

	require.Equal(t, []bool{true, false}, seen)
}

func TestEnterMutationIsWrittenBack(t *testing.T) {
	traits := arch.Default()
	backend := ptracefake.New()
	const pid = ptrace.Pid(2)

	regs := traits.Zero()
	traits.SetSyscallNumber(regs, openatID)
	traits.SetSyscallArg(regs, 1, 0xdead) // original path pointer
	require.NoError(t, backend.SetRegs(pid, regs))

	table := syscalltab.New(traits)
	table.Register(openatID, syscalltab.Handler{
		OnEnter: func(d *syscalltab.TraceData, v syscalltab.TraceeView) {
			d.Args[1] = 0xbeef // redirect to a different path buffer
		},
	})

	view := &fakeView{backend: backend, pid: pid}
	_, err := table.Dispatch(syscalltab.Outside, view)
	require.NoError(t, err)

	got, err := backend.GetRegs(pid)
	require.NoError(t, err)
	require.Equal(t, uint64(0xbeef), traits.SyscallArg(got, 1))
}

func TestUnregisteredSyscallPassesThroughAndStillFlips(t *testing.T) {
	traits := arch.Default()
	backend := ptracefake.New()
	const pid = ptrace.Pid(3)

	regs := traits.Zero()
	traits.SetSyscallNumber(regs, 999999)
	require.NoError(t, backend.SetRegs(pid, regs))

	table := syscalltab.New(traits)
	view := &fakeView{backend: backend, pid: pid}

	phase, err := table.Dispatch(syscalltab.Outside, view)
	require.NoError(t, err)
	require.Equal(t, syscalltab.InsideKernel, phase)
}
