//go:build linux

package ptrace

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/shadowtrap/tracee/arch"
	"github.com/shadowtrap/tracee/errs"
)

const traceOptions = unix.PTRACE_O_TRACECLONE |
	unix.PTRACE_O_TRACEFORK |
	unix.PTRACE_O_TRACEEXEC |
	unix.PTRACE_O_TRACESYSGOOD |
	unix.PTRACE_O_EXITKILL

// syscallStopBit is OR'd into the reported SIGTRAP by the kernel for a
// syscall-stop when PTRACE_O_TRACESYSGOOD is set, distinguishing it from
// a breakpoint/signal SIGTRAP. See ptrace(2).
const syscallStopBit = 0x80

// linuxBackend is the real Backend, grounded on the teacher's
// common/process.go but built on golang.org/x/sys/unix (per the pack's
// otel-go-instrumentation and gvisor-ligolo usage) instead of the bare
// syscall package, and on logrus instead of fmt.Println for diagnostics.
type linuxBackend struct {
	log *logrus.Logger
}

// NewLinux returns the production Backend. log may be nil, in which case
// a logger with output discarded is used — callers are expected to pass
// the Debugger's own logger so nothing here becomes a global singleton.
func NewLinux(log *logrus.Logger) Backend {
	if log == nil {
		log = logrus.New()
		log.SetOutput(io.Discard)
	}
	return &linuxBackend{log: log}
}

func (b *linuxBackend) Attach(pid Pid) error {
	threads, err := b.Threads(pid)
	if err != nil {
		return err
	}

	for _, tid := range threads {
		if err := b.attachOne(tid); err != nil {
			return err
		}
	}
	return nil
}

func (b *linuxBackend) attachOne(tid Pid) error {
	op := func() error {
		err := unix.PtraceAttach(int(tid))
		if err == unix.ESRCH {
			// The thread may have appeared in /proc/<pid>/task a moment
			// before it's actually schedulable; retry with backoff
			// rather than the teacher's fixed one-second wait.
			return err
		}
		if err == unix.EPERM {
			return backoff.Permanent(errs.New(errs.AttachDenied, "ptrace attach denied for pid %d", tid))
		}
		return err
	}

	if err := backoff.Retry(op, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5)); err != nil {
		return errs.Wrap(errs.AttachDenied, err, "attach to pid %d", tid)
	}

	if _, err := b.simpleWait(tid, time.Second); err != nil {
		b.log.WithError(err).WithField("pid", tid).Warn("wait after attach failed, continuing anyway")
	}

	if err := unix.PtraceSetOptions(int(tid), traceOptions); err != nil {
		return errs.Wrap(errs.AttachDenied, err, "set ptrace options on pid %d", tid)
	}
	return nil
}

func (b *linuxBackend) Detach(pid Pid) error {
	threads, err := b.Threads(pid)
	if err != nil {
		// Process may already be gone; detaching is best-effort.
		return nil
	}
	for _, tid := range threads {
		if err := unix.PtraceDetach(int(tid)); err != nil && err != unix.ESRCH {
			b.log.WithError(err).WithField("pid", tid).Warn("detach failed")
		}
	}
	return nil
}

func (b *linuxBackend) Resume(pid Pid, mode ResumeMode, sig int) error {
	var err error
	switch mode {
	case ResumeStep:
		err = unix.PtraceSingleStep(int(pid))
	case ResumeSyscall:
		err = unix.PtraceSyscall(int(pid), sig)
	default:
		err = unix.PtraceCont(int(pid), sig)
	}
	if err != nil {
		return errs.Wrap(errs.RegisterIOFailed, err, "resume pid %d", pid)
	}
	return nil
}

func (b *linuxBackend) Interrupt(pid Pid) error {
	if err := unix.Kill(int(pid), unix.SIGSTOP); err != nil {
		return errs.Wrap(errs.NotStopped, err, "SIGSTOP pid %d", pid)
	}
	_, err := b.simpleWait(pid, time.Second)
	return err
}

func (b *linuxBackend) Kill(pid Pid) error {
	if err := unix.Kill(int(pid), unix.SIGKILL); err != nil && err != unix.ESRCH {
		return errs.Wrap(errs.NotStopped, err, "kill pid %d", pid)
	}
	return nil
}

// simpleWait blocks (non-blockingly polled, like the teacher) until pid
// reports any stop, ignoring its classification. Used only for the
// synchronous attach/interrupt handshake.
func (b *linuxBackend) simpleWait(pid Pid, timeout time.Duration) (unix.WaitStatus, error) {
	deadline := time.Now().Add(timeout)
	var status unix.WaitStatus
	for {
		if time.Now().After(deadline) {
			return status, errs.New(errs.NotStopped, "timed out waiting for pid %d", pid)
		}
		wpid, err := unix.Wait4(int(pid), &status, unix.WALL|unix.WUNTRACED|unix.WNOHANG, nil)
		if err != nil {
			return status, errs.Wrap(errs.NotStopped, err, "wait4 pid %d", pid)
		}
		if wpid <= 0 {
			runtime.Gosched()
			continue
		}
		return status, nil
	}
}

func (b *linuxBackend) Wait(timeout time.Duration) (WaitResult, error) {
	deadline := time.Now().Add(timeout)
	var status unix.WaitStatus

	for {
		if timeout > 0 && time.Now().After(deadline) {
			return WaitResult{TimedOut: true}, nil
		}

		wpid, err := unix.Wait4(-1, &status, unix.WALL|unix.WUNTRACED|unix.WNOHANG, nil)
		if err != nil {
			return WaitResult{}, errs.Wrap(errs.UnknownStop, err, "wait4")
		}
		if wpid <= 0 {
			runtime.Gosched()
			continue
		}

		return b.classify(Pid(wpid), status), nil
	}
}

func (b *linuxBackend) classify(pid Pid, status unix.WaitStatus) WaitResult {
	switch {
	case status.Exited():
		return WaitResult{Pid: pid, Kind: StopExited, ExitCode: status.ExitStatus()}

	case status.Signaled():
		return WaitResult{Pid: pid, Kind: StopKilled, Signal: int(status.Signal())}

	case status.Stopped():
		sig := status.StopSignal()
		cause := status.TrapCause()

		if sig == unix.SIGTRAP {
			switch cause {
			case unix.PTRACE_EVENT_FORK:
				newpid, _ := unix.PtraceGetEventMsg(int(pid))
				return WaitResult{Pid: pid, Kind: StopForkEvent, NewChild: Pid(newpid)}
			case unix.PTRACE_EVENT_CLONE:
				newpid, _ := unix.PtraceGetEventMsg(int(pid))
				return WaitResult{Pid: pid, Kind: StopCloneEvent, NewChild: Pid(newpid)}
			case unix.PTRACE_EVENT_EXEC:
				return WaitResult{Pid: pid, Kind: StopExecEvent}
			default:
				return WaitResult{Pid: pid, Kind: StopSignal, Signal: int(unix.SIGTRAP)}
			}
		}

		if int(sig)&syscallStopBit != 0 && sig&^syscallStopBit == unix.SIGTRAP {
			return WaitResult{Pid: pid, Kind: StopSyscall}
		}

		return WaitResult{Pid: pid, Kind: StopSignal, Signal: int(sig)}

	default:
		return WaitResult{Pid: pid, Kind: StopUnknown}
	}
}

func (b *linuxBackend) GetRegs(pid Pid) (*arch.RegSnapshot, error) {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(int(pid), &regs); err != nil {
		return nil, errs.Wrap(errs.RegisterIOFailed, err, "get regs pid %d", pid)
	}
	return &arch.RegSnapshot{Native: &regs}, nil
}

func (b *linuxBackend) SetRegs(pid Pid, regs *arch.RegSnapshot) error {
	native, ok := regs.Native.(*unix.PtraceRegs)
	if !ok {
		return errs.New(errs.RegisterIOFailed, "set regs pid %d: snapshot from wrong architecture", pid)
	}
	if err := unix.PtraceSetRegs(int(pid), native); err != nil {
		return errs.Wrap(errs.RegisterIOFailed, err, "set regs pid %d", pid)
	}
	return nil
}

func (b *linuxBackend) ReadMemory(pid Pid, addr uintptr, out []byte) error {
	n, err := unix.PtracePeekData(int(pid), addr, out)
	if err != nil {
		return errs.Wrap(errs.MemoryFault, err, "read %d bytes at %#x from pid %d", len(out), addr, pid)
	}
	if n != len(out) {
		return errs.New(errs.MemoryFault, "short read at %#x from pid %d: got %d of %d bytes", addr, pid, n, len(out))
	}
	if n > 4096 {
		b.log.WithField("pid", pid).WithField("size", humanize.Bytes(uint64(n))).Debug("large memory read")
	}
	return nil
}

func (b *linuxBackend) WriteMemory(pid Pid, addr uintptr, data []byte) error {
	n, err := unix.PtracePokeData(int(pid), addr, data)
	if err != nil {
		return errs.Wrap(errs.MemoryFault, err, "write %d bytes at %#x to pid %d", len(data), addr, pid)
	}
	if n != len(data) {
		return errs.New(errs.MemoryFault, "short write at %#x to pid %d: wrote %d of %d bytes", addr, pid, n, len(data))
	}
	if n > 4096 {
		b.log.WithField("pid", pid).WithField("size", humanize.Bytes(uint64(n))).Debug("large memory write")
	}
	return nil
}

func (b *linuxBackend) Threads(pid Pid) ([]Pid, error) {
	entries, err := os.ReadDir(fmt.Sprintf("/proc/%d/task", pid))
	if err != nil {
		return nil, errs.Wrap(errs.NoSuchProcess, err, "list threads of pid %d", pid)
	}

	threads := make([]Pid, 0, len(entries))
	for _, e := range entries {
		tid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		threads = append(threads, Pid(tid))
	}
	return threads, nil
}
