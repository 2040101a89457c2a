package sched

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/tokuhirom/sabos/internal/kernel/usermem"
)

// TaskID identifies a task for its whole life. IDs are never reused.
type TaskID uint64

// TaskState is the five-state lifecycle every task moves through.
type TaskState uint8

const (
	TaskReady TaskState = iota
	TaskRunning
	TaskSleeping
	TaskBlockedIPC
	TaskZombie
)

// String returns the state name shown in procfs and logs.
func (s TaskState) String() string {
	switch s {
	case TaskReady:
		return "ready"
	case TaskRunning:
		return "running"
	case TaskSleeping:
		return "sleeping"
	case TaskBlockedIPC:
		return "blocked_ipc"
	case TaskZombie:
		return "zombie"
	default:
		return "unknown"
	}
}

// SavedContext is the register file preserved across a context switch.
// Every task owns its own slots; nothing here is package-level state.
type SavedContext struct {
	SP uint64
	FP uint64
}

// Body is the code a task runs. It returns the exit code; blocking syscalls
// park the goroutine inside.
type Body func(*Task) int32

// Exec describes a pending image replacement set by the exec syscall and
// consumed by the task's run loop.
type exec struct {
	name string
	body Body
}

// envTable is the environment map. Threads share their process's table;
// spawned children get a snapshot copy.
type envTable struct {
	mu sync.RWMutex
	m  map[string]string
}

func newEnvTable(from *envTable) *envTable {
	t := &envTable{m: make(map[string]string)}
	if from != nil {
		from.mu.RLock()
		for k, v := range from.m {
			t.m[k] = v
		}
		from.mu.RUnlock()
	}
	return t
}

// Task is one schedulable entity: a process, or a thread sharing its
// leader's address space.
type Task struct {
	ID     TaskID
	Parent TaskID
	Leader TaskID // leader group; == ID for processes

	as  *usermem.AddressSpace
	env *envTable

	mu          sync.Mutex
	name        string
	state       TaskState
	exitCode    int32
	regs        SavedContext
	saved       SavedContext
	pendingExec *exec
	pendingExit *int32

	killed   atomic.Bool
	teardown sync.Once

	ctx    context.Context
	cancel context.CancelFunc
}

// newTask wires the immutable identity of a task. env is used as-is:
// Spawn passes a snapshot, SpawnThread passes the creator's own table.
func newTask(id, parent TaskID, as *usermem.AddressSpace, env *envTable) *Task {
	ctx, cancel := context.WithCancel(context.Background())
	return &Task{
		ID:     id,
		Parent: parent,
		Leader: id,
		as:     as,
		env:    env,
		state:  TaskReady,
		regs:   SavedContext{SP: as.Base() + as.Size()},
		ctx:    ctx,
		cancel: cancel,
	}
}

// Name returns the task name; exec replaces it.
func (t *Task) Name() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.name
}

func (t *Task) setName(name string) {
	t.mu.Lock()
	t.name = name
	t.mu.Unlock()
}

// State returns the current lifecycle state.
func (t *Task) State() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Task) setState(s TaskState) {
	t.mu.Lock()
	if t.state != TaskZombie {
		t.state = s
	}
	t.mu.Unlock()
}

func (t *Task) setZombie(code int32) {
	t.mu.Lock()
	t.state = TaskZombie
	t.exitCode = code
	t.mu.Unlock()
}

// ExitCode is meaningful once the task is a zombie.
func (t *Task) ExitCode() int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exitCode
}

// IsThread reports whether the task is a thread in someone else's group.
func (t *Task) IsThread() bool { return t.ID != t.Leader }

// AddressSpace returns the task's memory. Threads share their leader's;
// exec swaps in a fresh one.
func (t *Task) AddressSpace() *usermem.AddressSpace {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.as
}

// replaceAddressSpace installs a fresh space and points the stack at its
// top. Only exec does this.
func (t *Task) replaceAddressSpace(as *usermem.AddressSpace) {
	t.mu.Lock()
	t.as = as
	t.regs = SavedContext{SP: as.Base() + as.Size()}
	t.saved = SavedContext{}
	t.mu.Unlock()
}

// Killed reports whether a kill has been delivered. Syscall entry checks
// this before doing any work.
func (t *Task) Killed() bool { return t.killed.Load() }

// markKilled must happen before the engine is told to kill the wait, so a
// task that races into Prepare sees the flag and never parks.
func (t *Task) markKilled() { t.killed.Store(true) }

// Context is cancelled when the task is killed or the kernel shuts down.
// Long-running interpreters watch it to interrupt user code.
func (t *Task) Context() context.Context { return t.ctx }

// Regs returns the live register file.
func (t *Task) Regs() SavedContext {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.regs
}

// SetRegs replaces the live register file.
func (t *Task) SetRegs(r SavedContext) {
	t.mu.Lock()
	t.regs = r
	t.mu.Unlock()
}

// Saved returns the per-task saved context slots.
func (t *Task) Saved() SavedContext {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.saved
}

// saveContext preserves the live registers into this task's own slots.
func (t *Task) saveContext() {
	t.mu.Lock()
	t.saved = t.regs
	t.mu.Unlock()
}

// restoreContext reloads the live registers from this task's slots.
func (t *Task) restoreContext() {
	t.mu.Lock()
	t.regs = t.saved
	t.mu.Unlock()
}

// RequestExec queues an image replacement; the run loop switches to it when
// the current body unwinds.
func (t *Task) requestExec(name string, body Body) {
	t.mu.Lock()
	t.pendingExec = &exec{name: name, body: body}
	t.mu.Unlock()
}

func (t *Task) takeExec() *exec {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.pendingExec
	t.pendingExec = nil
	return e
}

// ExecPending reports whether the current image must unwind for exec.
func (t *Task) ExecPending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pendingExec != nil
}

// RequestExit records the exit syscall's code; the image unwinds and the
// run loop finishes the task with it.
func (t *Task) RequestExit(code int32) {
	t.mu.Lock()
	c := code
	t.pendingExit = &c
	t.mu.Unlock()
}

// ExitPending reports whether the current image must unwind to exit.
func (t *Task) ExitPending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pendingExit != nil
}

func (t *Task) takeExit() (int32, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pendingExit == nil {
		return 0, false
	}
	return *t.pendingExit, true
}

// Unwind reports whether the running image should stop issuing syscalls and
// return: exit requested, exec requested, or killed.
func (t *Task) Unwind() bool {
	return t.Killed() || t.ExecPending() || t.ExitPending()
}

// Getenv looks up one environment variable.
func (t *Task) Getenv(key string) (string, bool) {
	t.env.mu.RLock()
	defer t.env.mu.RUnlock()
	v, ok := t.env.m[key]
	return v, ok
}

// Setenv sets one environment variable.
func (t *Task) Setenv(key, value string) {
	t.env.mu.Lock()
	t.env.m[key] = value
	t.env.mu.Unlock()
}

// Environ renders the environment as sorted KEY=VALUE lines.
func (t *Task) Environ() []string {
	t.env.mu.RLock()
	defer t.env.mu.RUnlock()
	out := make([]string, 0, len(t.env.m))
	for k, v := range t.env.m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
