// Package attacher seizes target threads via ptrace, reacts to their
// wait-status events per a fixed reaction table, and detaches cleanly
// once a thread's profiling round is done.
//
// The live-thread-set bookkeeping here is adapted from
// internal/observer/tracker.go's PID-registry shape; the ptrace opcode
// and wait idiom follow the gvisor systrap subprocess.go raw-syscall
// style.
package attacher

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Action is the ptrace response the Coordinator must issue for a
// wait-status event.
type Action int

const (
	// ActionNone means no ptrace call is required this round.
	ActionNone Action = iota
	// ActionContSignal0 issues PTRACE_CONT with signal 0.
	ActionContSignal0
	// ActionListen issues PTRACE_LISTEN.
	ActionListen
	// ActionForwardCont issues PTRACE_CONT forwarding the stop signal.
	ActionForwardCont
	// ActionDropExited removes the thread from the live set; no ptrace call.
	ActionDropExited
	// ActionForwardContDrop forwards the terminating signal via
	// PTRACE_CONT, then drops the thread.
	ActionForwardContDrop
	// ActionDetachDrop issues PTRACE_DETACH, flushes, and drops the thread.
	ActionDetachDrop
)

// Event is one reacted-to wait result.
type Event struct {
	Tid    int
	Action Action
	Signal unix.Signal
}

// Attacher owns the live set of seized threads for one thread-group.
type Attacher struct {
	mu                sync.Mutex
	live              map[int]bool
	firstFinishedTid  int
}

// New creates an Attacher with no threads seized yet.
func New() *Attacher {
	return &Attacher{live: make(map[int]bool)}
}

// Seize attaches to tid without stopping it (PTRACE_SEIZE).
func (a *Attacher) Seize(tid int) error {
	if err := unix.PtraceSeize(tid); err != nil {
		return fmt.Errorf("ptrace seize tid=%d: %w", tid, err)
	}
	a.mu.Lock()
	a.live[tid] = true
	a.mu.Unlock()
	return nil
}

// LiveTids returns the currently-seized thread ids.
func (a *Attacher) LiveTids() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	tids := make([]int, 0, len(a.live))
	for tid := range a.live {
		tids = append(tids, tid)
	}
	return tids
}

// IsLive reports whether tid is still in the live set.
func (a *Attacher) IsLive(tid int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.live[tid]
}

func (a *Attacher) drop(tid int) {
	a.mu.Lock()
	delete(a.live, tid)
	a.mu.Unlock()
}

// React classifies one waitpid result into a reaction-table action.
// done signals the Coordinator has finished this thread's phase budget
// and wants it detached regardless of its wait status.
func (a *Attacher) React(tid int, status unix.WaitStatus, done bool) Event {
	if done {
		return Event{Tid: tid, Action: ActionDetachDrop}
	}
	switch {
	case status.Exited():
		return Event{Tid: tid, Action: ActionDropExited}
	case status.Signaled():
		return Event{Tid: tid, Action: ActionForwardContDrop, Signal: status.Signal()}
	case status.Stopped():
		sig := status.StopSignal()
		if sig == unix.SIGTRAP {
			return Event{Tid: tid, Action: ActionContSignal0}
		}
		if isGroupStop(status) {
			return Event{Tid: tid, Action: ActionListen}
		}
		return Event{Tid: tid, Action: ActionForwardCont, Signal: sig}
	default:
		return Event{Tid: tid, Action: ActionNone}
	}
}

// isGroupStop distinguishes a genuine group-stop from a
// signal-delivery-stop. For a PTRACE_SEIZE'd tracee the kernel reports
// a group-stop with PTRACE_EVENT_STOP in bits 16-23 of the wait status;
// a signal-delivery-stop carries no event there.
func isGroupStop(status unix.WaitStatus) bool {
	return uint32(status)>>16 == unix.PTRACE_EVENT_STOP
}

// Apply issues the ptrace call(s) implied by ev and updates the live
// set. flush is called with the thread id whenever it is dropped, so
// the caller can close its output streams.
func (a *Attacher) Apply(ev Event, flush func(tid int)) error {
	switch ev.Action {
	case ActionNone:
		return nil
	case ActionDropExited:
		a.drop(ev.Tid)
		if flush != nil {
			flush(ev.Tid)
		}
		return nil
	case ActionContSignal0:
		if err := unix.PtraceCont(ev.Tid, 0); err != nil {
			return fmt.Errorf("ptrace cont tid=%d: %w", ev.Tid, err)
		}
		return nil
	case ActionListen:
		if err := ptraceListen(ev.Tid); err != nil {
			return fmt.Errorf("ptrace listen tid=%d: %w", ev.Tid, err)
		}
		return nil
	case ActionForwardCont:
		if err := unix.PtraceCont(ev.Tid, int(ev.Signal)); err != nil {
			return fmt.Errorf("ptrace cont (forward) tid=%d: %w", ev.Tid, err)
		}
		return nil
	case ActionForwardContDrop:
		_ = unix.PtraceCont(ev.Tid, int(ev.Signal))
		a.drop(ev.Tid)
		if flush != nil {
			flush(ev.Tid)
		}
		return nil
	case ActionDetachDrop:
		if err := unix.PtraceDetach(ev.Tid); err != nil {
			return fmt.Errorf("ptrace detach tid=%d: %w", ev.Tid, err)
		}
		a.drop(ev.Tid)
		if flush != nil {
			flush(ev.Tid)
		}
		return nil
	default:
		return fmt.Errorf("unknown attacher action %d for tid=%d", ev.Action, ev.Tid)
	}
}

// ptraceListen issues PTRACE_LISTEN, which the unix package does not
// wrap directly.
func ptraceListen(tid int) error {
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_LISTEN, uintptr(tid), 0, 0, 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// MarkFirstFinished records tid as the first thread to exhaust its
// phase budget and SIGSTOPs every other live thread so they converge
// on the detach path.
func (a *Attacher) MarkFirstFinished(tid int) error {
	a.mu.Lock()
	a.firstFinishedTid = tid
	others := make([]int, 0, len(a.live))
	for t := range a.live {
		if t != tid {
			others = append(others, t)
		}
	}
	a.mu.Unlock()

	var firstErr error
	for _, other := range others {
		// tkill addresses the thread by tid alone; tgkill would also need
		// its thread-group id, which differs from tid for non-leader threads.
		if _, _, errno := unix.Syscall(unix.SYS_TKILL, uintptr(other), uintptr(unix.SIGSTOP), 0); errno != 0 && firstErr == nil {
			firstErr = fmt.Errorf("sigstop tid=%d: %w", other, errno)
		}
	}
	return firstErr
}

// FirstFinishedTid returns the tid recorded by MarkFirstFinished, or 0
// if none has finished yet.
func (a *Attacher) FirstFinishedTid() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.firstFinishedTid
}
