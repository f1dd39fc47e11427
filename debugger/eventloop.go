package debugger

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/shadowtrap/tracee/errs"
	"github.com/shadowtrap/tracee/internal/inject"
	"github.com/shadowtrap/tracee/internal/module"
	"github.com/shadowtrap/tracee/internal/ptrace"
	"github.com/shadowtrap/tracee/internal/syscalltab"
)

// EventLoop is the single entry point for spec component H: it blocks
// until there are no live tracees (or Stop is called), classifying each
// OS stop and dispatching it per the §4.H table. Grounded on the
// teacher's common/tracemgr.go run() loop (poll WaitForEvent, dispatch to
// eventFunc) generalized from one Tracer to the whole tracee set, and on
// its locked-OS-thread discipline: per spec §5, ptrace is tied to the
// calling thread's identity, so EventLoop must run on one goroutine for
// its whole lifetime and must not be called concurrently with itself.
func (d *Debugger) EventLoop() error {
	for !d.stop && len(d.tracees) > 0 {
		result, err := d.backend.Wait(200 * time.Millisecond)
		if err != nil {
			return errs.Wrap(errs.UnknownStop, err, "event loop wait")
		}
		if result.TimedOut {
			continue
		}

		t, ok := d.tracees[result.Pid]
		if !ok {
			// A stop for a pid we don't track (e.g. a grandchild that
			// appeared before its CloneChild event was processed);
			// nothing to dispatch it to yet.
			continue
		}

		d.handleStop(t, result)
	}
	return nil
}

func (d *Debugger) handleStop(t *Tracee, result ptrace.WaitResult) {
	switch result.Kind {
	case ptrace.StopExited:
		t.Reason = ReasonExited
		t.ExitCode = result.ExitCode
		d.removeTracee(t.Pid)

	case ptrace.StopKilled:
		t.Reason = ReasonKilled
		t.Signal = result.Signal
		d.removeTracee(t.Pid)

	case ptrace.StopForkEvent:
		d.handleBranch(t, result.NewChild, ReasonForkChild)

	case ptrace.StopCloneEvent:
		d.handleBranch(t, result.NewChild, ReasonCloneChild)

	case ptrace.StopExecEvent:
		t.Reason = ReasonExec
		if _, err := t.Modules.Refresh(); err != nil {
			d.report(t, err)
			return
		}
		if err := t.Breakpoints.RetryUnresolved(t.Modules); err != nil {
			d.report(t, err)
			return
		}
		d.resumeNormal(t)

	case ptrace.StopSyscall:
		d.handleSyscallStop(t)

	case ptrace.StopSignal:
		d.handleSignalStop(t, result)

	default:
		d.report(t, errs.New(errs.UnknownStop, "unclassified stop for pid %d", t.Pid))
	}
}

func (d *Debugger) handleBranch(parent *Tracee, child ptrace.Pid, reason StopReason) {
	parent.Reason = reason
	parent.NewChild = child

	if d.opts.FollowFork {
		if _, exists := d.tracees[child]; !exists {
			childModules := module.New(d.backend, child)
			if _, err := childModules.Refresh(); err != nil {
				d.log.WithError(err).WithField("pid", child).Warn("initial module map refresh failed for forked child")
			}

			ct := &Tracee{
				Pid:         child,
				Traits:      d.traits,
				Phase:       parent.Phase,
				Modules:     childModules,
				Breakpoints: parent.Breakpoints.Clone(child),
				Injections:  inject.New(d.traits),
				view:        &tracedView{backend: d.backend, pid: child},
			}

			// spec §4.D: a fork/clone while PendingRestoration is set
			// copies the parent's code image including the still-removed
			// trap, so the child must also single-step to re-arm.
			if parent.hasPendingRestore {
				ct.hasPendingRestore = true
				ct.pendingRestore = parent.pendingRestore
				if err := d.backend.Resume(child, ptrace.ResumeStep, 0); err != nil {
					d.log.WithError(err).WithField("pid", child).Warn("could not start child's re-arming step")
				}
			}

			d.tracees[child] = ct
		}
	}

	d.resumeNormal(parent)
}

func (d *Debugger) handleSyscallStop(t *Tracee) {
	if t.Injections.Active() {
		completed, err := t.Injections.Advance(t.view)
		if err != nil {
			d.report(t, err)
			return
		}
		_ = completed
		d.resumeNormal(t)
		return
	}

	next, err := d.syscallTable.Dispatch(t.Phase, t.view)
	if err != nil {
		d.report(t, err)
		return
	}
	if t.Phase == syscalltab.Outside {
		t.Reason = ReasonSyscallEnter
	} else {
		t.Reason = ReasonSyscallExit
	}
	t.Phase = next

	// A freshly-queued injection activates once the tracee is at a safe
	// stop; SyscallExit (phase about to flip back to Outside) is exactly
	// that, per spec §4.F step 1 and §9 Open Question (ii).
	if !t.Injections.Empty() && !t.Injections.Active() && t.Phase == syscalltab.Outside {
		if err := t.Injections.Activate(t.view); err != nil {
			d.report(t, err)
			return
		}
	}

	d.resumeNormal(t)
}

func (d *Debugger) handleSignalStop(t *Tracee, result ptrace.WaitResult) {
	if result.Signal != int(unix.SIGTRAP) {
		if t.hasPendingRestore {
			// Defer: redelivered once the restoring single-step lands.
			t.deferredSignal = result.Signal
			if err := d.backend.Resume(t.Pid, ptrace.ResumeStep, 0); err != nil {
				d.report(t, err)
			}
			return
		}
		t.Reason = ReasonSignalDelivered
		t.Signal = result.Signal
		if err := d.backend.Resume(t.Pid, ptrace.ResumeContinue, result.Signal); err != nil {
			d.report(t, err)
		}
		return
	}

	// SIGTRAP: either the completion of a restoring single-step, a
	// breakpoint hit, or an ordinary trap signal.
	if t.hasPendingRestore {
		addr := t.pendingRestore
		t.hasPendingRestore = false
		if err := t.Breakpoints.Reinstall(addr); err != nil {
			// spec §7: failing to restore a trap is fatal for this tracee.
			d.fatal(t, err)
			return
		}
		sig := t.deferredSignal
		t.deferredSignal = 0
		if err := d.backend.Resume(t.Pid, d.normalMode(), sig); err != nil {
			d.report(t, err)
		}
		return
	}

	addr, hit, err := d.checkBreakpointHit(t)
	if err != nil {
		d.report(t, err)
		return
	}
	if hit {
		t.Reason = ReasonBreakpointHit
		decision, needsRestore, err := t.Breakpoints.OnHit(addr, t.view)
		if err != nil {
			d.report(t, err)
			return
		}

		switch decision {
		case Detach:
			d.removeTracee(t.Pid)
			_ = d.backend.Detach(t.Pid)
			return
		case Kill:
			d.removeTracee(t.Pid)
			_ = d.backend.Kill(t.Pid)
			return
		}

		if needsRestore {
			t.pendingRestore = addr
			t.hasPendingRestore = true
			if err := d.backend.Resume(t.Pid, ptrace.ResumeStep, 0); err != nil {
				d.report(t, err)
			}
			return
		}

		if err := d.backend.Resume(t.Pid, d.normalMode(), 0); err != nil {
			d.report(t, err)
		}
		return
	}

	t.Reason = ReasonSignalDelivered
	t.Signal = result.Signal
	if err := d.backend.Resume(t.Pid, ptrace.ResumeContinue, result.Signal); err != nil {
		d.report(t, err)
	}
}

func (d *Debugger) checkBreakpointHit(t *Tracee) (uintptr, bool, error) {
	regs, err := d.backend.GetRegs(t.Pid)
	if err != nil {
		return 0, false, err
	}
	pc := t.Traits.PC(regs)
	candidate := pc - t.Traits.TrapBackupSize()
	if _, ok := t.Breakpoints.Lookup(candidate); ok {
		return candidate, true, nil
	}
	return 0, false, nil
}

func (d *Debugger) normalMode() ptrace.ResumeMode {
	if d.opts.TraceSyscalls {
		return ptrace.ResumeSyscall
	}
	return ptrace.ResumeContinue
}

func (d *Debugger) resumeNormal(t *Tracee) {
	if err := d.backend.Resume(t.Pid, d.normalMode(), 0); err != nil {
		d.report(t, err)
	}
}

// report surfaces an event-loop error for one tracee: the error is
// attached and sent on the diagnostic channel, and per spec §7 the
// tracee is detached and removed so it is left running free rather than
// hung at its last stop; other tracees continue undisturbed.
func (d *Debugger) report(t *Tracee, err error) {
	select {
	case d.diagnostics <- TraceeError{Pid: t.Pid, Err: err}:
	default:
		d.log.WithError(err).WithField("pid", t.Pid).Warn("diagnostics channel full, dropping")
	}
	d.removeTracee(t.Pid)
	_ = d.backend.Detach(t.Pid)
}

// fatal handles a failed trap restoration: the tracee's code image is in
// a known-bad state, so per spec §7 it is killed rather than detached,
// and removed, while other tracees continue.
func (d *Debugger) fatal(t *Tracee, err error) {
	select {
	case d.diagnostics <- TraceeError{Pid: t.Pid, Err: err}:
	default:
		d.log.WithError(err).WithField("pid", t.Pid).Warn("diagnostics channel full, dropping")
	}
	d.removeTracee(t.Pid)
	_ = d.backend.Kill(t.Pid)
}

func (d *Debugger) removeTracee(pid ptrace.Pid) {
	delete(d.tracees, pid)
}
