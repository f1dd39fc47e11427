package breakpoint_test

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/shadowtrap/tracee/arch"
	"github.com/shadowtrap/tracee/internal/breakpoint"
	"github.com/shadowtrap/tracee/internal/ptrace"
	"github.com/shadowtrap/tracee/internal/ptrace/ptracefake"
)

// directResolver resolves every (module, offset) to base+offset
// immediately, for tests that don't care about lazy module loading.
type directResolver struct{ base uintptr }

func (r directResolver) Resolve(module string, offset uintptr) (uintptr, error) {
	return r.base + offset, nil
}

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

func TestAddInstallsTrapAndSavesOriginalBytes(t *testing.T) {
	traits := arch.Default()
	backend := ptracefake.New()
	const pid = ptrace.Pid(1)
	const addr = uintptr(0x401000)

	original := []byte{0x55} // e.g. push rbp
	backend.SetMemory(pid, addr, original)

	table := breakpoint.New(backend, traits, pid, logrus.New())
	called := false
	err := table.Add(directResolver{base: 0}, "a.out", addr, func(v breakpoint.TraceeView) breakpoint.Decision {
		called = true
		return breakpoint.Continue
	}, false)
	require.NoError(t, err)
	require.False(t, called)

	installed := make([]byte, 1)
	require.NoError(t, backend.ReadMemory(pid, addr, installed))
	require.Equal(t, traits.TrapInstruction(), installed)

	rec, ok := table.Lookup(addr)
	require.True(t, ok)
	require.Equal(t, original, rec.SavedBytes)
}

func TestOnHitRewindsPCAndUninstallsTrap(t *testing.T) {
	traits := arch.Default()
	backend := ptracefake.New()
	const pid = ptrace.Pid(2)
	const addr = uintptr(0x401000)

	backend.SetMemory(pid, addr, []byte{0x55})
	table := breakpoint.New(backend, traits, pid, logrus.New())
	require.NoError(t, table.Add(directResolver{}, "a.out", addr, func(v breakpoint.TraceeView) breakpoint.Decision {
		return breakpoint.Continue
	}, false))

	regs := traits.Zero()
	traits.SetPC(regs, addr+traits.TrapBackupSize())
	require.NoError(t, backend.SetRegs(pid, regs))

	view := &fakeView{backend: backend, pid: pid}
	decision, needsRestore, err := table.OnHit(addr, view)
	require.NoError(t, err)
	require.Equal(t, breakpoint.Continue, decision)
	require.True(t, needsRestore, "non-single-shot breakpoint must request a restoring single-step")

	got, err := backend.GetRegs(pid)
	require.NoError(t, err)
	require.Equal(t, addr, traits.PC(got))

	// Trap bytes must be uninstalled (original restored) until Reinstall runs.
	restored := make([]byte, 1)
	require.NoError(t, backend.ReadMemory(pid, addr, restored))
	require.Equal(t, byte(0x55), restored[0])
}

func TestSingleShotDropsAfterOneHit(t *testing.T) {
	traits := arch.Default()
	backend := ptracefake.New()
	const pid = ptrace.Pid(3)
	const addr = uintptr(0x500000)

	backend.SetMemory(pid, addr, []byte{0x90})
	table := breakpoint.New(backend, traits, pid, logrus.New())
	hits := 0
	require.NoError(t, table.Add(directResolver{}, "a.out", addr, func(v breakpoint.TraceeView) breakpoint.Decision {
		hits++
		return breakpoint.Continue
	}, true))

	regs := traits.Zero()
	traits.SetPC(regs, addr+traits.TrapBackupSize())
	require.NoError(t, backend.SetRegs(pid, regs))
	view := &fakeView{backend: backend, pid: pid}

	_, needsRestore, err := table.OnHit(addr, view)
	require.NoError(t, err)
	require.False(t, needsRestore)
	require.Equal(t, 1, hits)

	_, ok := table.Lookup(addr)
	require.False(t, ok, "single-shot breakpoint must be dropped after firing")
}

func TestDuplicateRegistrationIsAnError(t *testing.T) {
	traits := arch.Default()
	backend := ptracefake.New()
	const pid = ptrace.Pid(4)
	const addr = uintptr(0x600000)
	backend.SetMemory(pid, addr, []byte{0x90})

	table := breakpoint.New(backend, traits, pid, logrus.New())
	noop := func(v breakpoint.TraceeView) breakpoint.Decision { return breakpoint.Continue }

	require.NoError(t, table.Add(directResolver{}, "a.out", addr, noop, false))
	err := table.Add(directResolver{}, "a.out", addr, noop, false)
	require.Error(t, err)
}

func TestReinstallReArmsTrap(t *testing.T) {
	traits := arch.Default()
	backend := ptracefake.New()
	const pid = ptrace.Pid(5)
	const addr = uintptr(0x700000)
	backend.SetMemory(pid, addr, []byte{0x90})

	table := breakpoint.New(backend, traits, pid, logrus.New())
	require.NoError(t, table.Add(directResolver{}, "a.out", addr, func(v breakpoint.TraceeView) breakpoint.Decision {
		return breakpoint.Continue
	}, false))

	regs := traits.Zero()
	traits.SetPC(regs, addr+traits.TrapBackupSize())
	require.NoError(t, backend.SetRegs(pid, regs))
	view := &fakeView{backend: backend, pid: pid}

	_, needsRestore, err := table.OnHit(addr, view)
	require.NoError(t, err)
	require.True(t, needsRestore)

	require.NoError(t, table.Reinstall(addr))

	trapBack := make([]byte, 1)
	require.NoError(t, backend.ReadMemory(pid, addr, trapBack))
	require.Equal(t, traits.TrapInstruction(), trapBack)
}
