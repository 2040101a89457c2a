package sched

import (
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/tokuhirom/sabos/internal/infrastructure/logging"
	"github.com/tokuhirom/sabos/internal/kernel/syserr"
	"github.com/tokuhirom/sabos/internal/kernel/usermem"
)

// WNOHANG makes Waitpid poll instead of block.
const WNOHANG = 1

// errNoZombie is internal to the wait loop: children exist but none has
// exited yet.
var errNoZombie = errors.New("no zombie child")

// TaskInfo is a point-in-time view of one task, rendered into /proc/tasks.
type TaskInfo struct {
	ID      uint64 `json:"id"`
	Name    string `json:"name"`
	Parent  uint64 `json:"parent"`
	Leader  uint64 `json:"leader"`
	State   string `json:"state"`
	ASID    uint64 `json:"asid"`
	MemUsed uint64 `json:"mem_used"`
	MemSize uint64 `json:"mem_size"`
}

// MemInfo aggregates address-space usage across live tasks. Threads share
// their leader's space, so spaces are counted once per ASID.
type MemInfo struct {
	Spaces     int    `json:"spaces"`
	TotalBytes uint64 `json:"total_bytes"`
	UsedBytes  uint64 `json:"used_bytes"`
}

// Scheduler owns the task table and the lifecycle operations on it. Each
// task body runs on its own goroutine; the scheduler's job is bookkeeping,
// not time slicing. Blocking is delegated to the wait Engine.
type Scheduler struct {
	clock  *Clock
	engine *Engine
	logger *logging.Logger
	asSize uint64

	mu     sync.Mutex
	tasks  map[TaskID]*Task
	nextID TaskID
	runq   []TaskID

	// exit hooks release per-task state owned by other subsystems
	// (handle table, IPC queues, futex waits). Registered at boot,
	// before the first Spawn.
	hooks []func(*Task)

	spawned atomic.Uint64
	exited  atomic.Uint64
}

func NewScheduler(clock *Clock, engine *Engine, asSize uint64, logger *logging.Logger) *Scheduler {
	if asSize == 0 {
		asSize = usermem.DefaultSize
	}
	return &Scheduler{
		clock:  clock,
		engine: engine,
		logger: logger,
		asSize: asSize,
		tasks:  make(map[TaskID]*Task),
	}
}

// OnTaskExit registers a hook run exactly once per task, after it turns
// zombie. Hooks must not call back into the scheduler.
func (s *Scheduler) OnTaskExit(hook func(*Task)) {
	s.hooks = append(s.hooks, hook)
}

// Spawn creates a task with a fresh address space and starts its body on a
// new goroutine. A nil parent marks a kernel-owned task, which self-reaps.
func (s *Scheduler) Spawn(parent *Task, name string, body Body) *Task {
	var parentID TaskID
	var envFrom *envTable
	if parent != nil {
		parentID = parent.ID
		envFrom = parent.env
	}
	as := usermem.New(s.asSize)

	s.mu.Lock()
	s.nextID++
	t := newTask(s.nextID, parentID, as, newEnvTable(envFrom))
	t.name = name
	s.tasks[t.ID] = t
	s.runq = append(s.runq, t.ID)
	s.mu.Unlock()

	s.spawned.Add(1)
	s.logger.Info("task spawned",
		zap.Uint64("task", uint64(t.ID)),
		zap.Uint64("parent", uint64(parentID)),
		zap.String("name", name))

	go s.run(t, body)
	return t
}

// SpawnThread creates a thread in the creator's group: same address space,
// same environment, Leader pointing at the creator's leader. entrySP seeds
// the thread's stack pointer; the body closure carries the entry argument.
func (s *Scheduler) SpawnThread(creator *Task, entrySP uint64, body Body) (*Task, error) {
	if creator.State() == TaskZombie {
		return nil, syserr.ErrInvalidArgument
	}

	s.mu.Lock()
	s.nextID++
	t := newTask(s.nextID, creator.ID, creator.AddressSpace(), creator.env)
	t.Leader = creator.Leader
	t.name = fmt.Sprintf("thread-%d", t.ID)
	t.regs = SavedContext{SP: entrySP}
	s.tasks[t.ID] = t
	s.runq = append(s.runq, t.ID)
	s.mu.Unlock()

	s.spawned.Add(1)
	s.logger.Info("thread spawned",
		zap.Uint64("task", uint64(t.ID)),
		zap.Uint64("leader", uint64(t.Leader)),
		zap.Uint64("sp", entrySP))

	go s.run(t, body)
	return t, nil
}

// run drives a task body to completion, replacing it in place when exec is
// requested. The loop owns the task's goroutine from spawn to finish.
func (s *Scheduler) run(t *Task, body Body) {
	for {
		t.setState(TaskRunning)
		code := body(t)
		if c, ok := t.takeExit(); ok {
			s.finish(t, c)
			return
		}
		if next := t.takeExec(); next != nil && !t.Killed() {
			t.setName(next.name)
			body = next.body
			s.logger.Info("task image replaced",
				zap.Uint64("task", uint64(t.ID)),
				zap.String("name", next.name))
			continue
		}
		if t.Killed() {
			code = -1
		}
		s.finish(t, code)
		return
	}
}

// Exec replaces the caller's program image. The task keeps its ID, parent,
// environment, and handles; it gets a fresh address space and loses any
// sibling threads. The new body starts when the current one unwinds.
func (s *Scheduler) Exec(t *Task, name string, body Body) error {
	if t.IsThread() {
		return syserr.ErrNotSupported
	}
	for _, m := range s.groupMembers(t) {
		s.terminate(m, -1)
	}
	t.replaceAddressSpace(usermem.New(s.asSize))
	t.requestExec(name, body)
	return nil
}

// Exit records the task's exit code. The caller is expected to unwind its
// body afterwards; the run loop picks the code up.
func (s *Scheduler) Exit(t *Task, code int32) {
	t.RequestExit(code)
}

// Kill terminates another task. Self-kill and unknown IDs are rejected as
// invalid; zombies are already dead and killing them is denied. Killing a
// group leader takes its threads down too.
func (s *Scheduler) Kill(by *Task, target TaskID) error {
	if by != nil && by.ID == target {
		return syserr.ErrInvalidArgument
	}
	s.mu.Lock()
	tgt := s.tasks[target]
	s.mu.Unlock()
	if tgt == nil {
		return syserr.ErrInvalidArgument
	}
	if tgt.State() == TaskZombie {
		return syserr.ErrPermissionDenied
	}
	s.logger.Info("task killed",
		zap.Uint64("task", uint64(target)),
		zap.Uint64("by", killerID(by)))
	s.terminate(tgt, -1)
	return nil
}

func killerID(by *Task) uint64 {
	if by == nil {
		return 0
	}
	return uint64(by.ID)
}

// terminate forces a task dead from outside its own goroutine: mark it
// killed so it can never park again, cancel its context so interpreters
// unwind, kick it out of any wait, then tear it down synchronously. The
// victim's goroutine observes Killed at its next syscall and unwinds; its
// own finish becomes a no-op.
func (s *Scheduler) terminate(t *Task, code int32) {
	t.markKilled()
	t.cancel()
	s.engine.Kill(t.ID)
	s.finish(t, code)
}

// finish moves a task to zombie and releases everything it owned. Runs at
// most once per task, whether reached from the run loop or from terminate.
func (s *Scheduler) finish(t *Task, code int32) {
	t.teardown.Do(func() {
		t.setZombie(code)
		t.cancel()
		s.exited.Add(1)

		group := s.groupMembers(t)

		s.mu.Lock()
		s.removeFromRunq(t.ID)
		// Zombie children nobody reaped go with the parent.
		for id, c := range s.tasks {
			if c.Parent == t.ID && c.State() == TaskZombie {
				delete(s.tasks, id)
			}
		}
		if t.Parent == 0 {
			delete(s.tasks, t.ID)
		}
		s.mu.Unlock()

		// A dead leader's threads are unjoinable; terminate and drop them.
		for _, m := range group {
			s.terminate(m, -1)
		}
		if len(group) > 0 {
			s.mu.Lock()
			for _, m := range group {
				delete(s.tasks, m.ID)
			}
			s.mu.Unlock()
		}
		for _, hook := range s.hooks {
			hook(t)
		}
		s.engine.Broadcast(CauseChild)

		s.logger.Info("task exited",
			zap.Uint64("task", uint64(t.ID)),
			zap.Int32("code", code),
			zap.String("name", t.Name()))
	})
}

// groupMembers returns the live threads led by t. Empty for threads: a
// thread exiting never takes the group down, its leader exiting does.
func (s *Scheduler) groupMembers(t *Task) []*Task {
	if t.IsThread() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var group []*Task
	for id, c := range s.tasks {
		if c.Leader == t.ID && id != t.ID {
			group = append(group, c)
		}
	}
	return group
}

func (s *Scheduler) removeFromRunq(id TaskID) {
	for i, q := range s.runq {
		if q == id {
			s.runq = append(s.runq[:i], s.runq[i+1:]...)
			return
		}
	}
}

// tryReap claims one zombie child. target 0 means any child. Callers with
// no matching child at all get an error; callers whose children are all
// still running get errNoZombie and are expected to block.
func (s *Scheduler) tryReap(t *Task, target TaskID) (TaskID, int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if target != 0 {
		c := s.tasks[target]
		switch {
		case c == nil:
			return 0, 0, syserr.ErrInvalidArgument
		case c.Parent != t.ID:
			return 0, 0, syserr.ErrPermissionDenied
		case c.IsThread():
			return 0, 0, syserr.ErrInvalidArgument
		}
		if c.State() == TaskZombie {
			delete(s.tasks, target)
			return target, c.ExitCode(), nil
		}
		return 0, 0, errNoZombie
	}

	found := false
	for id, c := range s.tasks {
		if c.Parent != t.ID || c.IsThread() {
			continue
		}
		found = true
		if c.State() == TaskZombie {
			delete(s.tasks, id)
			return id, c.ExitCode(), nil
		}
	}
	if !found {
		return 0, 0, syserr.ErrInvalidArgument
	}
	return 0, 0, errNoZombie
}

// Wait blocks until a child exits and reaps it, returning the child's ID
// and exit code. target 0 waits for any child; timeoutMs 0 waits forever.
func (s *Scheduler) Wait(t *Task, target TaskID, timeoutMs uint64) (TaskID, int32, error) {
	deadline := s.clock.Deadline(timeoutMs)
	for {
		id, code, err := s.tryReap(t, target)
		if !errors.Is(err, errNoZombie) {
			return id, code, err
		}
		w, err := s.engine.Prepare(t, CauseChild, deadline)
		if err != nil {
			return 0, 0, err
		}
		id, code, err = s.tryReap(t, target)
		if !errors.Is(err, errNoZombie) {
			s.engine.Abort(w)
			return id, code, err
		}
		if out := w.Block(); out != Woken {
			return 0, 0, out.Err()
		}
	}
}

// Waitpid is Wait with flags. WNOHANG polls: no zombie yet reports task 0
// with no error instead of blocking.
func (s *Scheduler) Waitpid(t *Task, target TaskID, flags uint64) (TaskID, int32, error) {
	if flags&WNOHANG != 0 {
		id, code, err := s.tryReap(t, target)
		if errors.Is(err, errNoZombie) {
			return 0, 0, nil
		}
		return id, code, err
	}
	return s.Wait(t, target, 0)
}

// tryJoin claims a zombie thread from the caller's own group.
func (s *Scheduler) tryJoin(t *Task, target TaskID) (int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.tasks[target]
	switch {
	case c == nil || target == t.ID:
		return 0, syserr.ErrInvalidArgument
	case c.Leader != t.Leader || !c.IsThread():
		return 0, syserr.ErrPermissionDenied
	}
	if c.State() == TaskZombie {
		delete(s.tasks, target)
		return c.ExitCode(), nil
	}
	return 0, errNoZombie
}

// ThreadJoin blocks until the target thread exits and reaps it. Only
// threads of the caller's own group can be joined.
func (s *Scheduler) ThreadJoin(t *Task, target TaskID, timeoutMs uint64) (int32, error) {
	deadline := s.clock.Deadline(timeoutMs)
	for {
		code, err := s.tryJoin(t, target)
		if !errors.Is(err, errNoZombie) {
			return code, err
		}
		w, err := s.engine.Prepare(t, CauseChild, deadline)
		if err != nil {
			return 0, err
		}
		code, err = s.tryJoin(t, target)
		if !errors.Is(err, errNoZombie) {
			s.engine.Abort(w)
			return code, err
		}
		if out := w.Block(); out != Woken {
			return 0, out.Err()
		}
	}
}

// Yield rotates the caller to the back of the run queue and gives other
// goroutines the processor.
func (s *Scheduler) Yield(t *Task) {
	s.mu.Lock()
	s.removeFromRunq(t.ID)
	s.runq = append(s.runq, t.ID)
	s.mu.Unlock()

	t.setState(TaskReady)
	runtime.Gosched()
	t.setState(TaskRunning)
}

// SleepMs parks the caller for the given duration in milliseconds. 0 sleeps
// until killed. Stray wakes go back to sleep until the deadline.
func (s *Scheduler) SleepMs(t *Task, ms uint64) error {
	deadline := s.clock.Deadline(ms)
	for {
		w, err := s.engine.Prepare(t, CauseSleep, deadline)
		if err != nil {
			return err
		}
		switch out := w.Block(); out {
		case Timeout:
			return nil
		case Woken:
			continue
		default:
			return out.Err()
		}
	}
}

// Get looks up a live or zombie task by ID.
func (s *Scheduler) Get(id TaskID) (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	return t, ok
}

// Snapshot renders the task table sorted by ID.
func (s *Scheduler) Snapshot() []TaskInfo {
	s.mu.Lock()
	tasks := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	infos := make([]TaskInfo, 0, len(tasks))
	for _, t := range tasks {
		as := t.AddressSpace()
		infos = append(infos, TaskInfo{
			ID:      uint64(t.ID),
			Name:    t.Name(),
			Parent:  uint64(t.Parent),
			Leader:  uint64(t.Leader),
			State:   t.State().String(),
			ASID:    uint64(as.ID()),
			MemUsed: as.Used(),
			MemSize: as.Size(),
		})
	}
	return infos
}

// Mem aggregates address-space usage, counting shared spaces once.
func (s *Scheduler) Mem() MemInfo {
	s.mu.Lock()
	seen := make(map[usermem.ASID]*usermem.AddressSpace)
	for _, t := range s.tasks {
		if t.State() == TaskZombie {
			continue
		}
		as := t.AddressSpace()
		seen[as.ID()] = as
	}
	s.mu.Unlock()

	var info MemInfo
	for _, as := range seen {
		info.Spaces++
		info.TotalBytes += as.Size()
		info.UsedBytes += as.Used()
	}
	return info
}

// Counts tallies tasks per state, for metrics gauges.
func (s *Scheduler) Counts() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[string]int)
	for _, t := range s.tasks {
		counts[t.State().String()]++
	}
	return counts
}

// Spawned and Exited report lifetime counters.
func (s *Scheduler) Spawned() uint64 { return s.spawned.Load() }
func (s *Scheduler) Exited() uint64  { return s.exited.Load() }

// RunQueue returns the ready-queue order.
func (s *Scheduler) RunQueue() []TaskID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskID, len(s.runq))
	copy(out, s.runq)
	return out
}

// Shutdown terminates every remaining task. Used when the host process is
// going down.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	live := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if t.State() != TaskZombie {
			live = append(live, t)
		}
	}
	s.mu.Unlock()

	for _, t := range live {
		s.terminate(t, -1)
	}
	s.logger.Info("scheduler stopped", zap.Int("terminated", len(live)))
}
