package sched

import (
	"sync"

	"go.uber.org/zap"

	"github.com/tokuhirom/sabos/internal/infrastructure/logging"
	"github.com/tokuhirom/sabos/internal/kernel/syserr"
)

// Cause says what a task is waiting for. Wakes are matched by cause so a
// pipe notification never disturbs a futex sleeper.
type Cause uint8

const (
	CauseSleep Cause = iota
	CauseIPC
	CauseChild // wait-for-child and thread join
	CauseFutex
	CausePipe
)

// String returns the cause name for logs and introspection.
func (c Cause) String() string {
	switch c {
	case CauseSleep:
		return "sleep"
	case CauseIPC:
		return "ipc"
	case CauseChild:
		return "child"
	case CauseFutex:
		return "futex"
	case CausePipe:
		return "pipe"
	default:
		return "unknown"
	}
}

// Outcome is delivered to a blocked task exactly once.
type Outcome uint8

const (
	Woken Outcome = iota
	Timeout
	Cancelled
	Killed
)

// Err maps an outcome to its syscall error; Woken maps to nil.
func (o Outcome) Err() error {
	switch o {
	case Woken:
		return nil
	case Timeout:
		return syserr.ErrTimeout
	case Cancelled:
		return syserr.ErrCancelled
	case Killed:
		return syserr.ErrKilled
	default:
		return syserr.ErrInvalidArgument
	}
}

// Waiter is a one-shot wait cell. The discipline for every blocking path:
//
//	for {
//		if condition { return }
//		w, err := engine.Prepare(task, cause, deadline)
//		if err != nil { return err }          // already killed
//		if condition { engine.Abort(w); return } // closes the wake race
//		switch w.Block() {
//		case Woken:      // re-check condition, never assume it
//		case Timeout, Cancelled, Killed: return outcome.Err()
//		}
//	}
//
// A woken task loops and re-checks; a wake is a hint, not a result.
type Waiter struct {
	task     *Task
	cause    Cause
	deadline uint64 // tick, 0 = none
	ch       chan Outcome
}

// Engine is the single sleep/wake implementation. IPC receive, futex wait,
// child wait, timed sleep and pipe blocking all layer on it.
type Engine struct {
	clock  *Clock
	logger *logging.Logger

	mu      sync.Mutex
	waiting map[TaskID]*Waiter
}

// NewEngine creates an engine on the given clock.
func NewEngine(clock *Clock, logger *logging.Logger) *Engine {
	return &Engine{
		clock:   clock,
		logger:  logger,
		waiting: make(map[TaskID]*Waiter),
	}
}

// Prepare registers t as waiting on cause. The caller must re-check its
// condition before blocking and Abort if it is already satisfied. Fails
// with ErrKilled when a kill has already landed, so killed tasks can never
// park. A task has at most one waiter; its goroutine blocks synchronously.
func (e *Engine) Prepare(t *Task, cause Cause, deadline uint64) (*Waiter, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t.Killed() {
		return nil, syserr.ErrKilled
	}
	w := &Waiter{
		task:     t,
		cause:    cause,
		deadline: deadline,
		ch:       make(chan Outcome, 1),
	}
	e.waiting[t.ID] = w
	return w, nil
}

// Abort deregisters a prepared waiter whose condition turned true before
// blocking. A wake that already slipped in is dropped with the cell.
func (e *Engine) Abort(w *Waiter) {
	e.mu.Lock()
	if e.waiting[w.task.ID] == w {
		delete(e.waiting, w.task.ID)
	}
	e.mu.Unlock()
}

// Block parks the calling task until its outcome arrives. The task's
// context is saved into its own slots across the switch and restored after.
func (w *Waiter) Block() Outcome {
	w.task.saveContext()
	if w.cause == CauseIPC {
		w.task.setState(TaskBlockedIPC)
	} else {
		w.task.setState(TaskSleeping)
	}
	out := <-w.ch
	w.task.setState(TaskRunning)
	w.task.restoreContext()
	return out
}

// deliver hands out the outcome and retires the cell. Caller holds e.mu.
func (e *Engine) deliver(w *Waiter, out Outcome) {
	delete(e.waiting, w.task.ID)
	w.task.setState(TaskReady)
	w.ch <- out
}

// Wake wakes t if it is waiting on cause. Reports whether a wake was
// delivered; a miss means the target was not parked, which callers treat
// as fine.
func (e *Engine) Wake(id TaskID, cause Cause) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.waiting[id]
	if !ok || w.cause != cause {
		return false
	}
	e.deliver(w, Woken)
	return true
}

// Broadcast wakes every task waiting on cause and returns how many. Used
// where the interested set is unknown: child exits, pipe activity.
func (e *Engine) Broadcast(cause Cause) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, w := range e.waiting {
		if w.cause == cause {
			e.deliver(w, Woken)
			n++
		}
	}
	return n
}

// Cancel interrupts t's wait with a cancelled outcome if it is parked on
// one of the causes. Not waiting is a no-op: there is no sticky flag, and
// the next wait is unaffected.
func (e *Engine) Cancel(id TaskID, causes ...Cause) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.waiting[id]
	if !ok {
		return false
	}
	for _, c := range causes {
		if w.cause == c {
			e.deliver(w, Cancelled)
			return true
		}
	}
	return false
}

// Kill interrupts any wait t is in with the killed outcome. The caller must
// have set the task's killed flag first so a concurrent Prepare fails
// instead of parking forever.
func (e *Engine) Kill(id TaskID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.waiting[id]
	if !ok {
		return false
	}
	e.deliver(w, Killed)
	return true
}

// ExpireDeadlines times out every waiter whose deadline has passed. The
// kernel tick loop drives it.
func (e *Engine) ExpireDeadlines(now uint64) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, w := range e.waiting {
		if w.deadline != 0 && w.deadline <= now {
			e.deliver(w, Timeout)
			n++
		}
	}
	if n > 0 {
		e.logger.Debug("deadlines expired", zap.Int("count", n), zap.Uint64("tick", now))
	}
	return n
}

// WaitingCount reports how many tasks are parked, for metrics.
func (e *Engine) WaitingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.waiting)
}

// WaitingOn reports whether id is parked and on what.
func (e *Engine) WaitingOn(id TaskID) (Cause, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.waiting[id]
	if !ok {
		return 0, false
	}
	return w.cause, true
}
