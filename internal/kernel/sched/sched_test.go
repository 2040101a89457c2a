package sched

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokuhirom/sabos/internal/infrastructure/logging"
	"github.com/tokuhirom/sabos/internal/kernel/syserr"
	"github.com/tokuhirom/sabos/internal/kernel/usermem"
)

func newTestScheduler(t *testing.T) (*Scheduler, *Clock, *Engine) {
	t.Helper()
	clock := NewClock(time.Millisecond)
	engine := NewEngine(clock, logging.Nop())
	s := NewScheduler(clock, engine, usermem.DefaultSize, logging.Nop())
	return s, clock, engine
}

// idle returns a body that parks until release is closed.
func idle(release <-chan struct{}) Body {
	return func(*Task) int32 {
		<-release
		return 0
	}
}

// expireTicker advances the clock and expires deadlines until the test ends.
func expireTicker(t *testing.T, clock *Clock, engine *Engine) {
	t.Helper()
	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-time.After(time.Millisecond):
				engine.ExpireDeadlines(clock.Advance())
			}
		}
	}()
}

func TestSpawnAndWaitChild(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	release := make(chan struct{})
	defer close(release)
	parent := s.Spawn(nil, "parent", idle(release))

	child := s.Spawn(parent, "child", func(*Task) int32 { return 7 })

	id, code, err := s.Wait(parent, child.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, child.ID, id)
	assert.Equal(t, int32(7), code)

	_, ok := s.Get(child.ID)
	assert.False(t, ok, "reaped child should leave the table")
	assert.Equal(t, uint64(2), s.Spawned())
}

func TestWaitAnyChild(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	release := make(chan struct{})
	defer close(release)
	parent := s.Spawn(nil, "parent", idle(release))

	blocked := s.Spawn(parent, "blocked", idle(release))
	quick := s.Spawn(parent, "quick", func(*Task) int32 { return 1 })

	id, code, err := s.Wait(parent, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, quick.ID, id)
	assert.Equal(t, int32(1), code)

	_, ok := s.Get(blocked.ID)
	assert.True(t, ok, "running child stays in the table")
}

func TestWaitWithoutChildren(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	release := make(chan struct{})
	defer close(release)
	parent := s.Spawn(nil, "parent", idle(release))

	_, _, err := s.Wait(parent, 0, 0)
	require.ErrorIs(t, err, syserr.ErrInvalidArgument)

	_, _, err = s.Wait(parent, 999, 0)
	require.ErrorIs(t, err, syserr.ErrInvalidArgument)
}

func TestWaitSomeoneElsesChild(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	release := make(chan struct{})
	defer close(release)
	a := s.Spawn(nil, "a", idle(release))
	b := s.Spawn(nil, "b", idle(release))
	childOfB := s.Spawn(b, "child-b", idle(release))

	_, _, err := s.Wait(a, childOfB.ID, 0)
	require.ErrorIs(t, err, syserr.ErrPermissionDenied)
}

func TestWaitTimesOut(t *testing.T) {
	s, clock, engine := newTestScheduler(t)
	expireTicker(t, clock, engine)

	release := make(chan struct{})
	defer close(release)
	parent := s.Spawn(nil, "parent", idle(release))
	s.Spawn(parent, "child", idle(release))

	_, _, err := s.Wait(parent, 0, 20)
	require.ErrorIs(t, err, syserr.ErrTimeout)
}

func TestWaitpidNohang(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	release := make(chan struct{})
	defer close(release)
	parent := s.Spawn(nil, "parent", idle(release))

	started := make(chan struct{})
	child := s.Spawn(parent, "child", func(*Task) int32 {
		<-started
		return 3
	})

	// Child has not exited: polling reports task 0, no error.
	id, code, err := s.Waitpid(parent, child.ID, WNOHANG)
	require.NoError(t, err)
	assert.Equal(t, TaskID(0), id)
	assert.Equal(t, int32(0), code)

	close(started)
	require.Eventually(t, func() bool {
		id, code, err = s.Waitpid(parent, child.ID, WNOHANG)
		return err == nil && id == child.ID
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, int32(3), code)

	// Target validation still applies under WNOHANG.
	_, _, err = s.Waitpid(parent, 999, WNOHANG)
	require.ErrorIs(t, err, syserr.ErrInvalidArgument)
}

func TestWaitBlocksUntilExit(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	release := make(chan struct{})
	defer close(release)
	parent := s.Spawn(nil, "parent", idle(release))

	gate := make(chan struct{})
	child := s.Spawn(parent, "child", func(*Task) int32 {
		<-gate
		return 5
	})

	done := make(chan struct{})
	var id TaskID
	var code int32
	var err error
	go func() {
		id, code, err = s.Wait(parent, child.ID, 0)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("wait returned before the child exited")
	case <-time.After(20 * time.Millisecond):
	}

	close(gate)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("wait never returned")
	}
	require.NoError(t, err)
	assert.Equal(t, child.ID, id)
	assert.Equal(t, int32(5), code)
}

func TestExitCodeWins(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	release := make(chan struct{})
	defer close(release)
	parent := s.Spawn(nil, "parent", idle(release))

	child := s.Spawn(parent, "child", func(tk *Task) int32 {
		s.Exit(tk, 42)
		// The image unwinds after exit; whatever it returns is ignored.
		return 0
	})

	_, code, err := s.Wait(parent, child.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, int32(42), code)
}

func TestKillValidation(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	release := make(chan struct{})
	defer close(release)
	parent := s.Spawn(nil, "parent", idle(release))

	require.ErrorIs(t, s.Kill(parent, parent.ID), syserr.ErrInvalidArgument)
	require.ErrorIs(t, s.Kill(parent, 999), syserr.ErrInvalidArgument)

	child := s.Spawn(parent, "child", func(*Task) int32 { return 0 })
	require.Eventually(t, func() bool {
		return child.State() == TaskZombie
	}, 2*time.Second, time.Millisecond)
	require.ErrorIs(t, s.Kill(parent, child.ID), syserr.ErrPermissionDenied)
}

func TestKillUnblocksAndReapsMinusOne(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	release := make(chan struct{})
	defer close(release)
	parent := s.Spawn(nil, "parent", idle(release))

	child := s.Spawn(parent, "sleeper", func(tk *Task) int32 {
		if err := s.SleepMs(tk, 0); err != nil {
			return -1
		}
		return 0
	})

	require.Eventually(t, func() bool {
		return child.State() == TaskSleeping
	}, 2*time.Second, time.Millisecond)

	require.NoError(t, s.Kill(parent, child.ID))
	assert.Equal(t, TaskZombie, child.State())

	id, code, err := s.Wait(parent, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, child.ID, id)
	assert.Equal(t, int32(-1), code)
}

func TestKilledTaskCannotParkAgain(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	release := make(chan struct{})
	defer close(release)
	parent := s.Spawn(nil, "parent", idle(release))

	entered := make(chan struct{})
	errs := make(chan error, 1)
	child := s.Spawn(parent, "child", func(tk *Task) int32 {
		close(entered)
		if err := s.SleepMs(tk, 0); err != nil {
			// First sleep was interrupted; a second attempt must refuse
			// to park at all.
			errs <- s.SleepMs(tk, 0)
			return -1
		}
		errs <- nil
		return 0
	})

	<-entered
	require.Eventually(t, func() bool {
		return child.State() == TaskSleeping
	}, 2*time.Second, time.Millisecond)
	require.NoError(t, s.Kill(parent, child.ID))

	select {
	case err := <-errs:
		require.ErrorIs(t, err, syserr.ErrKilled)
	case <-time.After(2 * time.Second):
		t.Fatal("killed task parked instead of unwinding")
	}
}

func TestEnvSnapshotOnSpawn(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	release := make(chan struct{})
	defer close(release)
	parent := s.Spawn(nil, "parent", idle(release))
	parent.Setenv("PATH", "/bin")
	parent.Setenv("LANG", "C")

	seen := make(chan []string, 1)
	child := s.Spawn(parent, "child", func(tk *Task) int32 {
		seen <- tk.Environ()
		tk.Setenv("PATH", "/sbin")
		return 0
	})

	assert.Equal(t, []string{"LANG=C", "PATH=/bin"}, <-seen)

	_, _, err := s.Wait(parent, child.ID, 0)
	require.NoError(t, err)
	got, _ := parent.Getenv("PATH")
	assert.Equal(t, "/bin", got, "child env writes must not leak into the parent")
}

func TestExecReplacesImage(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	release := make(chan struct{})
	defer close(release)
	parent := s.Spawn(nil, "parent", idle(release))

	type execView struct {
		name string
		asid usermem.ASID
		path string
	}
	views := make(chan execView, 1)

	var firstASID usermem.ASID
	child := s.Spawn(parent, "one", func(tk *Task) int32 {
		firstASID = tk.AddressSpace().ID()
		tk.Setenv("MODE", "replaced")
		err := s.Exec(tk, "two", func(tk *Task) int32 {
			mode, _ := tk.Getenv("MODE")
			views <- execView{name: tk.Name(), asid: tk.AddressSpace().ID(), path: mode}
			return 9
		})
		if err != nil {
			return -1
		}
		return 0
	})

	id, code, err := s.Wait(parent, child.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, child.ID, id)
	assert.Equal(t, int32(9), code, "exit code comes from the replacement image")

	v := <-views
	assert.Equal(t, "two", v.name)
	assert.NotEqual(t, firstASID, v.asid, "exec must install a fresh address space")
	assert.Equal(t, "replaced", v.path, "environment survives exec")
}

func TestExecFromThreadRejected(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	release := make(chan struct{})
	defer close(release)
	parent := s.Spawn(nil, "parent", idle(release))

	errs := make(chan error, 1)
	leader := s.Spawn(parent, "leader", func(tk *Task) int32 {
		th, err := s.SpawnThread(tk, tk.Regs().SP, func(th *Task) int32 {
			errs <- s.Exec(th, "nope", func(*Task) int32 { return 0 })
			return 0
		})
		if err != nil {
			errs <- err
			return -1
		}
		if _, err := s.ThreadJoin(tk, th.ID, 0); err != nil {
			return -1
		}
		return 0
	})

	require.ErrorIs(t, <-errs, syserr.ErrNotSupported)
	_, _, err := s.Wait(parent, leader.ID, 0)
	require.NoError(t, err)
}

func TestThreadsShareSpaceAndEnv(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	release := make(chan struct{})
	defer close(release)
	parent := s.Spawn(nil, "parent", idle(release))

	leaderDone := make(chan int32, 1)
	leader := s.Spawn(parent, "leader", func(tk *Task) int32 {
		as := tk.AddressSpace()
		addr, err := as.Alloc(8, 8)
		if err != nil {
			return -1
		}
		th, err := s.SpawnThread(tk, tk.Regs().SP-4096, func(th *Task) int32 {
			if th.AddressSpace().ID() != as.ID() {
				return -1
			}
			if err := th.AddressSpace().WriteUint64(addr, 0xCAFE); err != nil {
				return -1
			}
			th.Setenv("FROM_THREAD", "yes")
			return 11
		})
		if err != nil {
			return -1
		}
		code, err := s.ThreadJoin(tk, th.ID, 0)
		if err != nil || code != 11 {
			return -1
		}
		v, err := as.ReadUint64(addr)
		if err != nil || v != 0xCAFE {
			return -1
		}
		if got, ok := tk.Getenv("FROM_THREAD"); !ok || got != "yes" {
			return -1
		}
		leaderDone <- code
		return 0
	})

	_, code, err := s.Wait(parent, leader.ID, 0)
	require.NoError(t, err)
	require.Equal(t, int32(0), code)
	assert.Equal(t, int32(11), <-leaderDone)
}

func TestThreadJoinValidation(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	release := make(chan struct{})
	defer close(release)
	a := s.Spawn(nil, "a", idle(release))
	b := s.Spawn(nil, "b", idle(release))

	threadStarted := make(chan TaskID, 1)
	errs := make(chan error, 4)
	s.Spawn(a, "leader", func(tk *Task) int32 {
		th, err := s.SpawnThread(tk, tk.Regs().SP, func(*Task) int32 {
			<-release
			return 0
		})
		if err != nil {
			return -1
		}
		threadStarted <- th.ID

		_, err = s.ThreadJoin(tk, tk.ID, 0) // self
		errs <- err
		_, err = s.ThreadJoin(tk, 999, 0) // unknown
		errs <- err
		_, err = s.ThreadJoin(tk, b.ID, 0) // a process, not a thread
		errs <- err
		<-release
		return 0
	})

	tid := <-threadStarted
	require.ErrorIs(t, <-errs, syserr.ErrInvalidArgument)
	require.ErrorIs(t, <-errs, syserr.ErrInvalidArgument)
	require.ErrorIs(t, <-errs, syserr.ErrPermissionDenied)

	// Joining a thread from outside its group is denied.
	_, err := s.ThreadJoin(b, tid, 0)
	require.ErrorIs(t, err, syserr.ErrPermissionDenied)
}

func TestLeaderExitKillsThreads(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	release := make(chan struct{})
	defer close(release)
	parent := s.Spawn(nil, "parent", idle(release))

	threadID := make(chan TaskID, 1)
	leader := s.Spawn(parent, "leader", func(tk *Task) int32 {
		th, err := s.SpawnThread(tk, tk.Regs().SP, func(th *Task) int32 {
			_ = s.SleepMs(th, 0)
			return 0
		})
		if err != nil {
			return -1
		}
		threadID <- th.ID
		return 0
	})

	tid := <-threadID
	_, code, err := s.Wait(parent, leader.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, int32(0), code)

	require.Eventually(t, func() bool {
		_, ok := s.Get(tid)
		return !ok
	}, 2*time.Second, time.Millisecond, "leader exit must take its threads out of the table")
}

func TestYieldRotatesRunQueue(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	release := make(chan struct{})
	defer close(release)

	first := s.Spawn(nil, "first", idle(release))
	second := s.Spawn(nil, "second", idle(release))
	third := s.Spawn(nil, "third", idle(release))

	require.Equal(t, []TaskID{first.ID, second.ID, third.ID}, s.RunQueue())
	s.Yield(first)
	assert.Equal(t, []TaskID{second.ID, third.ID, first.ID}, s.RunQueue())
}

func TestSleepTimesOutCleanly(t *testing.T) {
	s, clock, engine := newTestScheduler(t)
	expireTicker(t, clock, engine)

	release := make(chan struct{})
	defer close(release)
	parent := s.Spawn(nil, "parent", idle(release))

	child := s.Spawn(parent, "napper", func(tk *Task) int32 {
		if err := s.SleepMs(tk, 15); err != nil {
			return -1
		}
		return 0
	})

	_, code, err := s.Wait(parent, child.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, int32(0), code, "sleep deadline expiry is success, not an error")
}

func TestStrayWakeKeepsSleeping(t *testing.T) {
	s, _, engine := newTestScheduler(t)
	release := make(chan struct{})
	defer close(release)
	parent := s.Spawn(nil, "parent", idle(release))

	child := s.Spawn(parent, "napper", func(tk *Task) int32 {
		_ = s.SleepMs(tk, 0)
		return 0
	})

	require.Eventually(t, func() bool {
		return child.State() == TaskSleeping
	}, 2*time.Second, time.Millisecond)

	engine.Wake(child.ID, CauseSleep)
	require.Eventually(t, func() bool {
		cause, ok := engine.WaitingOn(child.ID)
		return ok && cause == CauseSleep
	}, 2*time.Second, time.Millisecond, "a woken sleeper re-parks until its deadline")

	require.NoError(t, s.Kill(parent, child.ID))
}

func TestSnapshotAndMem(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	release := make(chan struct{})
	defer close(release)

	a := s.Spawn(nil, "alpha", idle(release))
	b := s.Spawn(nil, "beta", idle(release))

	infos := s.Snapshot()
	require.Len(t, infos, 2)
	assert.Equal(t, uint64(a.ID), infos[0].ID)
	assert.Equal(t, "alpha", infos[0].Name)
	assert.Equal(t, uint64(b.ID), infos[1].ID)
	assert.NotZero(t, infos[0].MemSize)

	mem := s.Mem()
	assert.Equal(t, 2, mem.Spaces)
	assert.Equal(t, infos[0].MemSize+infos[1].MemSize, mem.TotalBytes)

	counts := s.Counts()
	total := 0
	for _, n := range counts {
		total += n
	}
	assert.Equal(t, 2, total)
}

func TestExitHooksRunExactlyOnce(t *testing.T) {
	s, _, _ := newTestScheduler(t)

	var calls atomic.Int64
	s.OnTaskExit(func(*Task) { calls.Add(1) })

	release := make(chan struct{})
	defer close(release)
	parent := s.Spawn(nil, "parent", idle(release))

	natural := s.Spawn(parent, "natural", func(*Task) int32 { return 0 })
	killed := s.Spawn(parent, "killed", idle(release))

	require.NoError(t, s.Kill(parent, killed.ID))
	require.Eventually(t, func() bool {
		return natural.State() == TaskZombie && calls.Load() == 2
	}, 2*time.Second, time.Millisecond)

	// A second kill cannot re-fire the hooks.
	require.Error(t, s.Kill(parent, killed.ID))
	assert.Equal(t, int64(2), calls.Load())
}

func TestKernelTaskSelfReaps(t *testing.T) {
	s, _, _ := newTestScheduler(t)

	tk := s.Spawn(nil, "oneshot", func(*Task) int32 { return 0 })
	require.Eventually(t, func() bool {
		_, ok := s.Get(tk.ID)
		return !ok
	}, 2*time.Second, time.Millisecond, "parentless tasks reap themselves")
}

func TestShutdownTerminatesEverything(t *testing.T) {
	s, _, engine := newTestScheduler(t)
	release := make(chan struct{})
	defer close(release)

	parent := s.Spawn(nil, "parent", idle(release))
	for i := 0; i < 3; i++ {
		s.Spawn(parent, "worker", func(tk *Task) int32 {
			_ = s.SleepMs(tk, 0)
			return 0
		})
	}

	require.Eventually(t, func() bool {
		return engine.WaitingCount() == 3
	}, 2*time.Second, time.Millisecond)

	s.Shutdown()
	assert.Equal(t, 0, engine.WaitingCount())
	assert.Equal(t, TaskZombie, parent.State())
}
