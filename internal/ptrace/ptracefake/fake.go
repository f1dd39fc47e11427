// Package ptracefake provides an in-memory internal/ptrace.Backend for
// driving breakpoint/syscall/injection/event-loop logic in tests without
// real ptrace access, per SPEC_FULL's testability requirement that the
// engine be exercisable against a fake Backend.
package ptracefake

import (
	"fmt"
	"time"

	"github.com/shadowtrap/tracee/arch"
	"github.com/shadowtrap/tracee/internal/ptrace"
)

// Backend is a scripted, in-memory stand-in for the real Linux backend.
// Tests populate memory/registers/regions directly and queue the wait
// results they want EventLoop (or a component under test) to observe.
type Backend struct {
	mem     map[ptrace.Pid]map[uintptr]byte
	regs    map[ptrace.Pid]*arch.RegSnapshot
	threads map[ptrace.Pid][]ptrace.Pid
	regions map[ptrace.Pid][]ptrace.MemRegion
	waits   []ptrace.WaitResult

	// Resumes records every Resume call in order, for assertions about
	// which resume mode the event loop chose.
	Resumes []ResumeCall
}

// ResumeCall is one recorded Resume invocation.
type ResumeCall struct {
	Pid  ptrace.Pid
	Mode ptrace.ResumeMode
	Sig  int
}

// New returns an empty fake backend.
func New() *Backend {
	return &Backend{
		mem:     make(map[ptrace.Pid]map[uintptr]byte),
		regs:    make(map[ptrace.Pid]*arch.RegSnapshot),
		threads: make(map[ptrace.Pid][]ptrace.Pid),
		regions: make(map[ptrace.Pid][]ptrace.MemRegion),
	}
}

// --- test setup helpers ---

// SetMemory writes data at addr in pid's fake address space, creating
// the space if needed.
func (b *Backend) SetMemory(pid ptrace.Pid, addr uintptr, data []byte) {
	m, ok := b.mem[pid]
	if !ok {
		m = make(map[uintptr]byte)
		b.mem[pid] = m
	}
	for i, v := range data {
		m[addr+uintptr(i)] = v
	}
}

// SetThreads fixes the result of Threads(pid).
func (b *Backend) SetThreads(pid ptrace.Pid, tids []ptrace.Pid) { b.threads[pid] = tids }

// SetRegions fixes the result of MemRegions(pid).
func (b *Backend) SetRegions(pid ptrace.Pid, regions []ptrace.MemRegion) { b.regions[pid] = regions }

// EnqueueWait appends one scripted result to the Wait queue.
func (b *Backend) EnqueueWait(w ptrace.WaitResult) { b.waits = append(b.waits, w) }

// --- ptrace.Backend ---

func (b *Backend) Attach(pid ptrace.Pid) error { return nil }
func (b *Backend) Detach(pid ptrace.Pid) error { return nil }

func (b *Backend) Resume(pid ptrace.Pid, mode ptrace.ResumeMode, sig int) error {
	b.Resumes = append(b.Resumes, ResumeCall{Pid: pid, Mode: mode, Sig: sig})
	return nil
}

func (b *Backend) Wait(timeout time.Duration) (ptrace.WaitResult, error) {
	if len(b.waits) == 0 {
		return ptrace.WaitResult{TimedOut: true}, nil
	}
	w := b.waits[0]
	b.waits = b.waits[1:]
	return w, nil
}

func (b *Backend) Interrupt(pid ptrace.Pid) error { return nil }
func (b *Backend) Kill(pid ptrace.Pid) error       { delete(b.regs, pid); return nil }

func (b *Backend) GetRegs(pid ptrace.Pid) (*arch.RegSnapshot, error) {
	r, ok := b.regs[pid]
	if !ok {
		return nil, fmt.Errorf("ptracefake: no registers set for pid %d", pid)
	}
	return r, nil
}

// SetRegs both satisfies ptrace.Backend and serves as the test setup
// helper for seeding pid's initial register snapshot.
func (b *Backend) SetRegs(pid ptrace.Pid, regs *arch.RegSnapshot) error {
	b.regs[pid] = regs
	return nil
}

func (b *Backend) ReadMemory(pid ptrace.Pid, addr uintptr, out []byte) error {
	m := b.mem[pid]
	for i := range out {
		v, ok := m[addr+uintptr(i)]
		if !ok {
			return fmt.Errorf("ptracefake: unmapped address %#x for pid %d", addr+uintptr(i), pid)
		}
		out[i] = v
	}
	return nil
}

func (b *Backend) WriteMemory(pid ptrace.Pid, addr uintptr, data []byte) error {
	m, ok := b.mem[pid]
	if !ok {
		m = make(map[uintptr]byte)
		b.mem[pid] = m
	}
	for i, v := range data {
		m[addr+uintptr(i)] = v
	}
	return nil
}

func (b *Backend) Threads(pid ptrace.Pid) ([]ptrace.Pid, error) {
	if tids, ok := b.threads[pid]; ok {
		return tids, nil
	}
	return []ptrace.Pid{pid}, nil
}

func (b *Backend) MemRegions(pid ptrace.Pid) ([]ptrace.MemRegion, error) {
	return b.regions[pid], nil
}
