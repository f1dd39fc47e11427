// Package debugger is the tracee control engine's public surface (spec
// §6 "programming surface"): a Debugger that attaches to or spawns
// tracees, lets callers register breakpoint/syscall/injection hooks, and
// drives the single-threaded event loop that turns OS stops into handler
// calls.
//
// Grounded on the teacher's common/tracemgr.go (a locked-OS-thread
// goroutine serializing access to a Tracer via a request channel) and
// common/tracer.go (Attach/Detach/WaitForEvent), generalized from one
// Tracer to a set of Tracees and from a fixed TUI-driven request loop to
// the dispatch table in spec §4.H. Logging is threaded through via
// github.com/sirupsen/logrus the way the rest of the pack (nestybox-
// sysbox-fs, Talismancer-gvisor-ligolo) does it, never a package-level
// logger (spec DESIGN NOTES: "global logger singleton").
package debugger

import (
	"context"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/shadowtrap/tracee/arch"
	"github.com/shadowtrap/tracee/errs"
	"github.com/shadowtrap/tracee/internal/breakpoint"
	"github.com/shadowtrap/tracee/internal/inject"
	"github.com/shadowtrap/tracee/internal/module"
	"github.com/shadowtrap/tracee/internal/ptrace"
	"github.com/shadowtrap/tracee/internal/symbols"
	"github.com/shadowtrap/tracee/internal/syscalltab"
)

// Re-exports so callers of this package don't need to import the
// internal packages directly; the types are the same value, not copies.
type (
	BreakpointHandler = breakpoint.Handler
	BreakpointDecision = breakpoint.Decision
	TraceeView         = breakpoint.TraceeView
	SyscallHandler     = syscalltab.Handler
	SyscallEnterFunc   = syscalltab.EnterFunc
	SyscallExitFunc    = syscalltab.ExitFunc
	SyscallTraceData   = syscalltab.TraceData
	SyscallInjection   = inject.Request
)

const (
	Continue = breakpoint.Continue
	Detach   = breakpoint.Detach
	Kill     = breakpoint.Kill
)

// TargetDescription selects the architecture-traits implementation (spec
// §3 "TargetDescription"). ISA must match the host's GOARCH — a single
// binary only links one arch.Traits implementation (see arch.ForISA).
type TargetDescription struct {
	ISA          string
	PointerWidth int
}

// Options are the ambient, non-architectural knobs (spec §6).
type Options struct {
	TraceSyscalls bool
	FollowFork    bool

	// SymbolCacheSize bounds how many ELF images' symbol tables the
	// symbolic-breakpoint resolver keeps parsed at once. Zero selects a
	// small default.
	SymbolCacheSize int

	// UsePTY attaches a spawned tracee's stdio to a pseudo-terminal
	// instead of inheriting the debugger's own, for targets whose
	// behavior differs on a non-tty fd (isatty checks, line buffering).
	UsePTY bool
}

// TraceeError pairs a diagnostic with the tracee it happened to, per
// spec §7 propagation rules for event-loop errors.
type TraceeError struct {
	Pid ptrace.Pid
	Err error
}

// Debugger is the tracee control engine. One Debugger owns its whole set
// of Tracees; there is no shared/reference-counted state handed to
// handlers (spec DESIGN NOTES: "shared ownership of trace sinks").
type Debugger struct {
	backend ptrace.Backend
	traits  arch.Traits
	log     *logrus.Logger
	opts    Options
	symbols *symbols.Resolver

	tracees      map[ptrace.Pid]*Tracee
	syscallTable *syscalltab.Table

	diagnostics chan TraceeError
	stop        bool
}

// New constructs a Debugger for the given target. backend may be nil to
// select the real Linux ptrace backend; tests pass a fake satisfying
// internal/ptrace.Backend. log may be nil to discard logging.
func New(target TargetDescription, backend ptrace.Backend, log *logrus.Logger, opts Options) (*Debugger, error) {
	traits, err := arch.ForISA(target.ISA)
	if err != nil {
		return nil, err
	}

	if log == nil {
		log = logrus.New()
		log.SetOutput(io.Discard)
	}
	if backend == nil {
		backend = ptrace.NewLinux(log)
	}

	cacheSize := opts.SymbolCacheSize
	if cacheSize <= 0 {
		cacheSize = 32
	}
	resolver, err := symbols.NewResolver(cacheSize)
	if err != nil {
		return nil, err
	}

	return &Debugger{
		backend:      backend,
		traits:       traits,
		log:          log,
		opts:         opts,
		symbols:      resolver,
		tracees:      make(map[ptrace.Pid]*Tracee),
		syscallTable: syscalltab.New(traits),
		diagnostics:  make(chan TraceeError, 64),
	}, nil
}

// TraceSyscalls toggles syscall-stop tracing; it determines which resume
// flavor the event loop selects for every tracee from its next resume on.
func (d *Debugger) TraceSyscalls(enable bool) { d.opts.TraceSyscalls = enable }

// FollowFork toggles auto-attach on Fork/Clone events.
func (d *Debugger) FollowFork(enable bool) { d.opts.FollowFork = enable }

// Diagnostics is the channel event-loop errors for individual tracees are
// reported on (spec §7); the tracee itself is detached (or, after a failed
// trap restoration, killed) and removed, but the loop continues for
// everyone else.
func (d *Debugger) Diagnostics() <-chan TraceeError { return d.diagnostics }

// Attach starts tracing an already-running process.
func (d *Debugger) Attach(pid int) error {
	p := ptrace.Pid(pid)
	if err := d.backend.Attach(p); err != nil {
		return err
	}
	return d.addTracee(p)
}

// Spawn fork/execs argv under trace and returns the new pid. Grounded on
// the golang-debug ptrace demo and dedebugger's RunTarget: SysProcAttr's
// Ptrace flag makes the child PTRACE_TRACEME itself before exec, so the
// very first stop the parent observes is the post-exec SIGTRAP.
func (d *Debugger) Spawn(argv []string) (int, error) {
	if len(argv) == 0 {
		return 0, errs.New(errs.SpawnFailed, "empty command line")
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Ptrace:    true,
		Pdeathsig: syscall.SIGKILL,
	}

	var ptmx *os.File
	if d.opts.UsePTY {
		var err error
		ptmx, err = pty.Start(cmd)
		if err != nil {
			return 0, errs.Wrap(errs.SpawnFailed, err, "start %s under pty", argv[0])
		}
	} else {
		cmd.Stdin = os.Stdin
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Start(); err != nil {
			return 0, errs.Wrap(errs.SpawnFailed, err, "start %s", argv[0])
		}
	}
	pid := ptrace.Pid(cmd.Process.Pid)

	result, err := d.backend.Wait(5 * time.Second)
	if err != nil {
		return 0, errs.Wrap(errs.SpawnFailed, err, "wait for initial stop of pid %d", pid)
	}
	if result.TimedOut || result.Pid != pid {
		return 0, errs.New(errs.SpawnFailed, "pid %d did not reach its initial stop", pid)
	}

	if err := d.addTracee(pid); err != nil {
		return 0, err
	}
	if ptmx != nil {
		d.tracees[pid].PTY = ptmx
	}
	return int(pid), nil
}

// AttachMany attaches to a batch of already-running pids, adapted from the
// teacher's GetProcessesByName idea: thread enumeration for every pid is
// validated concurrently via errgroup before pids are attached one by one
// on the caller's goroutine (ptrace ties a tracee to the attaching thread,
// so the actual PTRACE_ATTACH calls stay sequential).
func (d *Debugger) AttachMany(pids []int) error {
	g, ctx := errgroup.WithContext(context.Background())
	for _, pid := range pids {
		pid := pid
		g.Go(func() error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			if _, err := d.backend.Threads(ptrace.Pid(pid)); err != nil {
				return errs.Wrap(errs.NoSuchProcess, err, "validate pid %d before attach", pid)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, pid := range pids {
		if err := d.Attach(pid); err != nil {
			return err
		}
	}
	return nil
}

func (d *Debugger) addTracee(pid ptrace.Pid) error {
	t := &Tracee{
		Pid:     pid,
		Traits:  d.traits,
		Phase:   syscalltab.Outside,
		Modules: module.New(d.backend, pid),
		view:    &tracedView{backend: d.backend, pid: pid},
	}
	t.Breakpoints = breakpoint.New(d.backend, d.traits, pid, d.log)
	t.Injections = inject.New(d.traits)

	if _, err := t.Modules.Refresh(); err != nil {
		d.log.WithError(err).WithField("pid", pid).Warn("initial module map refresh failed")
	}

	d.tracees[pid] = t
	return nil
}

// AddBreakpoint registers a breakpoint on pid at module+offset.
func (d *Debugger) AddBreakpoint(pid int, module string, offset uintptr, handler BreakpointHandler, singleShot bool) error {
	t, ok := d.tracees[ptrace.Pid(pid)]
	if !ok {
		return errs.New(errs.NoSuchProcess, "no tracee for pid %d", pid)
	}
	return t.Breakpoints.Add(t.Modules, module, offset, handler, singleShot)
}

// AddSymbolicBreakpoint resolves funcName within the ELF image at
// imagePath (a supplemented feature beyond the distilled spec's
// offset-only add_breakpoint, adapted from the teacher's
// SetBreakpointAtFunction/GetFunctionAddresses) and registers a
// breakpoint at every matching offset — exactly funcName if exact is
// true, or every symbol whose name contains funcName as a substring
// otherwise. Mirroring the teacher, a failure partway through returns
// the offsets successfully armed so far alongside the error.
func (d *Debugger) AddSymbolicBreakpoint(pid int, imagePath, moduleName, funcName string, exact bool, handler BreakpointHandler, singleShot bool) ([]uintptr, error) {
	offsets, err := d.symbols.FindAll(imagePath, funcName, exact)
	if err != nil {
		return nil, err
	}

	for i, offset := range offsets {
		if err := d.AddBreakpoint(pid, moduleName, offset, handler, singleShot); err != nil {
			return offsets[:i], err
		}
	}
	return offsets, nil
}

// AddSyscallHandler registers a handler for one syscall id, shared across
// all tracees (spec §4.E: the registry is process-wide; phase is
// per-tracee).
func (d *Debugger) AddSyscallHandler(id uint64, handler SyscallHandler) {
	d.syscallTable.Register(id, handler)
}

// InjectSyscall enqueues a synthetic syscall on pid's injection queue.
func (d *Debugger) InjectSyscall(pid int, req SyscallInjection) error {
	t, ok := d.tracees[ptrace.Pid(pid)]
	if !ok {
		return errs.New(errs.NoSuchProcess, "no tracee for pid %d", pid)
	}
	t.Injections.Enqueue(req)
	return nil
}

// Detach stops tracing pid, letting it run free.
func (d *Debugger) Detach(pid int) error {
	p := ptrace.Pid(pid)
	t, ok := d.tracees[p]
	if !ok {
		return nil
	}
	delete(d.tracees, p)
	return d.backend.Detach(t.Pid)
}

// Stop requests the event loop exit after its current iteration (spec §5
// "cancellation & timeouts": a handler, or the caller, may end the loop
// even with tracees still live).
func (d *Debugger) Stop() { d.stop = true }
