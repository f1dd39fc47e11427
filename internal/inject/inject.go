// Package inject implements the syscall injector (spec component F): it
// drives the save-registers, overwrite-code, single-syscall-round-trip,
// restore sequence that lets the debugger make a tracee execute a
// synthetic syscall chosen by the caller.
//
// Grounded most directly on pendulm-fileflip's Child.RemoteSyscall
// (catchSyscall/resumeSyscall save-and-restore around a syscall-enter
// stop) and on the open-telemetry Go auto-instrumentation agent's
// tracedProgram.Protect/Restore/Syscall, which wrap the same dance behind
// github.com/pkg/errors. Register/code snapshots here are copied with
// github.com/mohae/deepcopy instead of a manual `*dst = *src`, and each
// queued injection carries a github.com/google/uuid correlation id so
// diagnostics can name which injection a given enter/exit stop belongs
// to when several are queued back to back.
package inject

import (
	"github.com/google/uuid"
	"github.com/mohae/deepcopy"

	"github.com/shadowtrap/tracee/arch"
	"github.com/shadowtrap/tracee/errs"
	"github.com/shadowtrap/tracee/internal/ptrace"
)

// stage tracks where a single injection is in the spec §4.F protocol.
type stage int

const (
	stagePending stage = iota // queued, not yet activated
	stageAwaitEnter
	stageAwaitExit
	stageDone
)

// Request is what the caller fills in to enqueue an injection.
type Request struct {
	SyscallID  uint64
	Args       [6]uint64
	OnComplete func(ret uint64, err error)
}

// injection is one in-flight Request plus the protocol's save slots.
type injection struct {
	id   uuid.UUID
	req  Request
	st   stage
	addr uintptr // instruction pointer at the moment of injection

	savedRegs  *arch.RegSnapshot
	savedBytes []byte

	ret uint64
}

// View is the register/memory handle the injector needs from the tracee.
// The injector neither resumes the tracee nor waits on it; the event loop
// issues the resume after each Activate/Advance call (spec §5: only the
// event loop blocks on wait-for-child).
type View interface {
	Pid() ptrace.Pid
	Registers() (*arch.RegSnapshot, error)
	SetRegisters(*arch.RegSnapshot) error
	ReadMemory(addr uintptr, n int) ([]byte, error)
	WriteMemory(addr uintptr, data []byte) error
}

// Queue holds one tracee's pending and in-flight injections. Per spec
// §4.F ordering, multiple queued injections on the same tracee run
// strictly sequentially: Queue never activates a second one before the
// first's onComplete has fired.
type Queue struct {
	traits arch.Traits
	items  []*injection
}

// New returns an empty injection queue for the given architecture.
func New(traits arch.Traits) *Queue {
	return &Queue{traits: traits}
}

// Enqueue queues req for activation at the tracee's next safe stop.
func (q *Queue) Enqueue(req Request) {
	q.items = append(q.items, &injection{id: uuid.New(), req: req, st: stagePending})
}

// Empty reports whether the queue has no pending or in-flight work.
func (q *Queue) Empty() bool { return len(q.items) == 0 }

// Activate starts the head-of-queue injection if one is pending, at the
// given safe stop. Per spec §9 Open Question (ii), a stop inside a
// native syscall's enter half (not yet its exit) is not safe; callers
// must not invoke Activate there. The caller issues the resume itself
// after this returns.
func (q *Queue) Activate(view View) error {
	if len(q.items) == 0 {
		return nil
	}
	it := q.items[0]
	if it.st != stagePending {
		return nil // already active
	}

	regs, err := view.Registers()
	if err != nil {
		return err
	}

	saved, ok := deepcopy.Copy(regs).(*arch.RegSnapshot)
	if !ok {
		return errs.New(errs.InjectionNotSafe, "register snapshot deep copy failed for pid %d", view.Pid())
	}
	it.savedRegs = saved

	pc := q.traits.PC(regs)
	it.addr = pc

	instr := q.traits.SyscallInstruction()
	savedBytes := make([]byte, len(instr))
	if err := view.ReadMemory(pc, savedBytes); err != nil {
		return errs.Wrap(errs.InjectionNotSafe, err, "save code bytes at %#x for pid %d", pc, view.Pid())
	}
	it.savedBytes = savedBytes

	// spec §4.F step 3: place the ISA's syscall trap instruction at PC so
	// the tracee actually produces a syscall-enter stop on resume.
	if err := view.WriteMemory(pc, instr); err != nil {
		return errs.Wrap(errs.InjectionNotSafe, err, "write syscall instruction at %#x for pid %d", pc, view.Pid())
	}

	q.traits.SetSyscallNumber(regs, it.req.SyscallID)
	for i := 0; i < 6; i++ {
		q.traits.SetSyscallArg(regs, i, it.req.Args[i])
	}
	if err := view.SetRegisters(regs); err != nil {
		return err
	}

	it.st = stageAwaitEnter
	return nil
}

// Active reports whether the head-of-queue injection is currently
// waiting on a syscall-stop (enter or exit); it does not say which.
func (q *Queue) Active() bool {
	return len(q.items) > 0 && q.items[0].st != stagePending && q.items[0].st != stageDone
}

// Advance consumes one syscall-stop on behalf of the active injection,
// per spec §4.F steps 5-8. The event loop must route injection-owned
// syscall-stops here instead of to the user dispatcher (spec §4.F
// invariant). Returns true once the injection has fully completed
// (restored and onComplete fired), in which case it is dequeued.
func (q *Queue) Advance(view View) (completed bool, err error) {
	if len(q.items) == 0 {
		return false, errs.New(errs.InjectionNotSafe, "no active injection for pid %d", view.Pid())
	}
	it := q.items[0]

	switch it.st {
	case stageAwaitEnter:
		it.st = stageAwaitExit
		return false, nil

	case stageAwaitExit:
		regs, err := view.Registers()
		if err != nil {
			return false, err
		}
		it.ret = q.traits.SyscallReturn(regs)

		if err := view.WriteMemory(it.addr, it.savedBytes); err != nil {
			return false, errs.Wrap(errs.InjectionNotSafe, err, "injection %s: restore code bytes at %#x for pid %d", it.id, it.addr, view.Pid())
		}
		if err := view.SetRegisters(it.savedRegs); err != nil {
			return false, errs.Wrap(errs.InjectionNotSafe, err, "injection %s: restore registers for pid %d", it.id, view.Pid())
		}

		it.st = stageDone
		q.items = q.items[1:]
		if it.req.OnComplete != nil {
			it.req.OnComplete(it.ret, nil)
		}
		return true, nil

	default:
		return false, errs.New(errs.InjectionNotSafe, "injection %s for pid %d in unexpected stage", it.id, view.Pid())
	}
}

// Abort discards the head-of-queue injection without completing the
// protocol's restoration (used when the tracee is being killed out from
// under it). The caller is responsible for not trusting tracee state
// afterward.
func (q *Queue) Abort(err error) {
	if len(q.items) == 0 {
		return
	}
	it := q.items[0]
	q.items = q.items[1:]
	if it.req.OnComplete != nil {
		it.req.OnComplete(0, err)
	}
}
