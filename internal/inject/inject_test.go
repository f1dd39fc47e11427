package inject_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shadowtrap/tracee/arch"
	"github.com/shadowtrap/tracee/internal/inject"
	"github.com/shadowtrap/tracee/internal/ptrace"
	"github.com/shadowtrap/tracee/internal/ptrace/ptracefake"
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
func (v *fakeView) ReadMemory(addr uintptr, n int) ([]byte, error) {
	buf := make([]byte, n)
	if err := v.backend.ReadMemory(v.pid, addr, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
func (v *fakeView) WriteMemory(addr uintptr, data []byte) error {
	return v.backend.WriteMemory(v.pid, addr, data)
}

const mmapID = 9

func TestInjectionRoundTripRestoresRegsAndCode(t *testing.T) {
	traits := arch.Default()
	backend := ptracefake.New()
	const pid = ptrace.Pid(1)
	const pc = uintptr(0x555000)

	original := make([]byte, len(traits.SyscallInstruction()))
	for i := range original {
		original[i] = 0xcc
	}
	backend.SetMemory(pid, pc, original)

	regs := traits.Zero()
	traits.SetPC(regs, pc)
	traits.SetSyscallArg(regs, 0, 0x1111) // pre-injection value, must survive restore
	require.NoError(t, backend.SetRegs(pid, regs))

	q := inject.New(traits)
	var gotRet uint64
	var gotErr error
	completed := false
	q.Enqueue(inject.Request{
		SyscallID: mmapID,
		Args:      [6]uint64{0, 0x1000, 3, 0x22, 0xffffffffffffffff, 0},
		OnComplete: func(ret uint64, err error) {
			completed = true
			gotRet = ret
			gotErr = err
		},
	})

	view := &fakeView{backend: backend, pid: pid}
	require.True(t, q.Active() == false)
	require.NoError(t, q.Activate(view))
	require.True(t, q.Active())

	mid, err := backend.GetRegs(pid)
	require.NoError(t, err)
	require.Equal(t, uint64(mmapID), traits.SyscallNumber(mid))
	require.Equal(t, uint64(0x1000), traits.SyscallArg(mid, 1))

	armedCode := make([]byte, len(original))
	require.NoError(t, backend.ReadMemory(pid, pc, armedCode))
	require.Equal(t, traits.SyscallInstruction(), armedCode, "Activate must write the real syscall instruction at PC")

	done, err := q.Advance(view) // enter-stop
	require.NoError(t, err)
	require.False(t, done)
	require.False(t, completed)

	stillArmed := make([]byte, len(original))
	require.NoError(t, backend.ReadMemory(pid, pc, stillArmed))
	require.Equal(t, traits.SyscallInstruction(), stillArmed, "code must remain the syscall instruction through the enter-stop")

	// Simulate the kernel having produced a return value by exit-stop time.
	exitRegs, err := backend.GetRegs(pid)
	require.NoError(t, err)
	traits.SetSyscallReturn(exitRegs, 0x7f0000000000)
	require.NoError(t, backend.SetRegs(pid, exitRegs))

	done, err = q.Advance(view) // exit-stop
	require.NoError(t, err)
	require.True(t, done)
	require.True(t, completed)
	require.NoError(t, gotErr)
	require.Equal(t, uint64(0x7f0000000000), gotRet)

	finalRegs, err := backend.GetRegs(pid)
	require.NoError(t, err)
	require.Equal(t, uint64(0x1111), traits.SyscallArg(finalRegs, 0), "pre-injection register state must be restored")

	finalCode := make([]byte, len(original))
	require.NoError(t, backend.ReadMemory(pid, pc, finalCode))
	require.Equal(t, original, finalCode, "original code bytes must be restored")

	require.True(t, q.Empty())
}

func TestAbortFiresOnCompleteWithError(t *testing.T) {
	traits := arch.Default()
	q := inject.New(traits)

	var gotErr error
	called := false
	q.Enqueue(inject.Request{
		SyscallID: mmapID,
		OnComplete: func(ret uint64, err error) {
			called = true
			gotErr = err
		},
	})

	q.Abort(errors.New("aborted"))
	require.True(t, called)
	require.Error(t, gotErr)
	require.True(t, q.Empty())
}

func TestSequentialInjectionsDoNotOverlap(t *testing.T) {
	traits := arch.Default()
	backend := ptracefake.New()
	const pid = ptrace.Pid(2)
	const pc = uintptr(0x600000)

	backend.SetMemory(pid, pc, make([]byte, len(traits.SyscallInstruction())))
	regs := traits.Zero()
	traits.SetPC(regs, pc)
	require.NoError(t, backend.SetRegs(pid, regs))

	q := inject.New(traits)
	var order []int
	q.Enqueue(inject.Request{SyscallID: mmapID, OnComplete: func(ret uint64, err error) { order = append(order, 1) }})
	q.Enqueue(inject.Request{SyscallID: mmapID, OnComplete: func(ret uint64, err error) { order = append(order, 2) }})

	view := &fakeView{backend: backend, pid: pid}
	require.NoError(t, q.Activate(view))
	// Second activate must be a no-op: first is still in flight.
	require.NoError(t, q.Activate(view))

	_, err := q.Advance(view)
	require.NoError(t, err)
	done, err := q.Advance(view)
	require.NoError(t, err)
	require.True(t, done)
	require.Equal(t, []int{1}, order)

	// Now the second can activate.
	require.NoError(t, q.Activate(view))
	_, err = q.Advance(view)
	require.NoError(t, err)
	done, err = q.Advance(view)
	require.NoError(t, err)
	require.True(t, done)
	require.Equal(t, []int{1, 2}, order)
}
