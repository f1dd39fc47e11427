package module_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shadowtrap/tracee/internal/module"
	"github.com/shadowtrap/tracee/internal/ptrace"
	"github.com/shadowtrap/tracee/internal/ptrace/ptracefake"
)

func TestResolveUnresolvedThenLoaded(t *testing.T) {
	backend := ptracefake.New()
	const pid = ptrace.Pid(100)

	m := module.New(backend, pid)

	_, err := m.Resolve("target", 0x10)
	require.Error(t, err)
	require.False(t, m.Loaded())

	backend.SetRegions(pid, []ptrace.MemRegion{
		{Low: 0x400000, High: 0x401000, Permissions: "r-xp", Pathname: "/bin/target"},
		{Low: 0x7f0000, High: 0x7f1000, Permissions: "r--p", Pathname: "[heap]"},
	})

	_, err = m.Refresh()
	require.NoError(t, err)
	require.True(t, m.Loaded())

	addr, err := m.Resolve("target", 0x10)
	require.NoError(t, err)
	require.Equal(t, uintptr(0x400010), addr)
}

func TestRefreshReportsNewlyResolvedPending(t *testing.T) {
	backend := ptracefake.New()
	const pid = ptrace.Pid(200)

	m := module.New(backend, pid)
	_, err := m.Resolve("libfoo.so", 0x20)
	require.Error(t, err)

	backend.SetRegions(pid, []ptrace.MemRegion{
		{Low: 0x7fa000, High: 0x7fb000, Permissions: "r-xp", Pathname: "/usr/lib/libfoo.so"},
	})

	resolved, err := m.Refresh()
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	require.Equal(t, "libfoo.so", resolved[0].Module)
	require.Equal(t, uintptr(0x20), resolved[0].Offset)

	addr, err := m.Resolve("libfoo.so", 0x20)
	require.NoError(t, err)
	require.Equal(t, uintptr(0x7fa020), addr)
}

func TestExecReresolvesAfterImageChanges(t *testing.T) {
	backend := ptracefake.New()
	const pid = ptrace.Pid(300)

	backend.SetRegions(pid, []ptrace.MemRegion{
		{Low: 0x1000, High: 0x2000, Permissions: "r-xp", Pathname: "/bin/old"},
	})
	m := module.New(backend, pid)
	_, err := m.Refresh()
	require.NoError(t, err)

	addr, err := m.Resolve("old", 0x4)
	require.NoError(t, err)
	require.Equal(t, uintptr(0x1004), addr)

	// Exec: the image changes entirely.
	backend.SetRegions(pid, []ptrace.MemRegion{
		{Low: 0x555000, High: 0x556000, Permissions: "r-xp", Pathname: "/bin/new"},
	})
	_, err = m.Refresh()
	require.NoError(t, err)

	_, err = m.Resolve("old", 0x4)
	require.Error(t, err)

	addr, err = m.Resolve("new", 0x4)
	require.NoError(t, err)
	require.Equal(t, uintptr(0x555004), addr)
}
