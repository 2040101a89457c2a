package sched

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokuhirom/sabos/internal/infrastructure/logging"
	"github.com/tokuhirom/sabos/internal/kernel/syserr"
	"github.com/tokuhirom/sabos/internal/kernel/usermem"
)

func newTestEngine() (*Clock, *Engine) {
	clock := NewClock(time.Millisecond)
	return clock, NewEngine(clock, logging.Nop())
}

func newParkedTask(id TaskID) *Task {
	return newTask(id, 0, usermem.New(0), newEnvTable(nil))
}

// park runs Block on its own goroutine and reports the outcome on a channel.
func park(w *Waiter) <-chan Outcome {
	out := make(chan Outcome, 1)
	go func() { out <- w.Block() }()
	return out
}

func requireOutcome(t *testing.T, ch <-chan Outcome, want Outcome) {
	t.Helper()
	select {
	case got := <-ch:
		require.Equal(t, want, got)
	case <-time.After(2 * time.Second):
		t.Fatal("task never woke")
	}
}

func requireStillParked(t *testing.T, e *Engine, id TaskID) {
	t.Helper()
	cause, ok := e.WaitingOn(id)
	require.True(t, ok, "task %d should still be parked (was %v)", id, cause)
}

func TestWakeDeliversWoken(t *testing.T) {
	_, e := newTestEngine()
	tk := newParkedTask(1)

	w, err := e.Prepare(tk, CauseIPC, 0)
	require.NoError(t, err)
	ch := park(w)

	require.True(t, e.Wake(tk.ID, CauseIPC))
	requireOutcome(t, ch, Woken)
	assert.Equal(t, 0, e.WaitingCount())
}

func TestWakeMatchesCause(t *testing.T) {
	_, e := newTestEngine()
	tk := newParkedTask(1)

	w, err := e.Prepare(tk, CauseFutex, 0)
	require.NoError(t, err)
	ch := park(w)

	assert.False(t, e.Wake(tk.ID, CausePipe))
	assert.False(t, e.Wake(tk.ID, CauseSleep))
	requireStillParked(t, e, tk.ID)

	require.True(t, e.Wake(tk.ID, CauseFutex))
	requireOutcome(t, ch, Woken)
}

func TestWakeMissesUnparkedTask(t *testing.T) {
	_, e := newTestEngine()
	assert.False(t, e.Wake(42, CauseIPC))
	assert.False(t, e.Cancel(42, CauseIPC))
	assert.False(t, e.Kill(42))
}

func TestWakeBeforeBlockIsNotLost(t *testing.T) {
	_, e := newTestEngine()
	tk := newParkedTask(1)

	w, err := e.Prepare(tk, CauseChild, 0)
	require.NoError(t, err)

	// Wake lands between Prepare and Block; the buffered cell holds it.
	require.True(t, e.Wake(tk.ID, CauseChild))
	requireOutcome(t, park(w), Woken)
}

func TestOutcomeDeliveredExactlyOnce(t *testing.T) {
	_, e := newTestEngine()
	tk := newParkedTask(1)

	w, err := e.Prepare(tk, CauseIPC, 0)
	require.NoError(t, err)

	require.True(t, e.Wake(tk.ID, CauseIPC))
	assert.False(t, e.Wake(tk.ID, CauseIPC))
	assert.False(t, e.Cancel(tk.ID, CauseIPC))
	assert.False(t, e.Kill(tk.ID))

	requireOutcome(t, park(w), Woken)
}

func TestAbortRetiresWaiter(t *testing.T) {
	_, e := newTestEngine()
	tk := newParkedTask(1)

	w, err := e.Prepare(tk, CauseIPC, 0)
	require.NoError(t, err)
	e.Abort(w)
	assert.Equal(t, 0, e.WaitingCount())

	// A wake that slipped in before the abort dies with the cell.
	w, err = e.Prepare(tk, CauseIPC, 0)
	require.NoError(t, err)
	require.True(t, e.Wake(tk.ID, CauseIPC))
	e.Abort(w)

	w2, err := e.Prepare(tk, CauseIPC, 0)
	require.NoError(t, err)
	ch := park(w2)
	requireStillParked(t, e, tk.ID)
	require.True(t, e.Wake(tk.ID, CauseIPC))
	requireOutcome(t, ch, Woken)
}

func TestPrepareFailsAfterKill(t *testing.T) {
	_, e := newTestEngine()
	tk := newParkedTask(1)

	tk.markKilled()
	_, err := e.Prepare(tk, CauseSleep, 0)
	require.ErrorIs(t, err, syserr.ErrKilled)
}

func TestKillInterruptsWait(t *testing.T) {
	_, e := newTestEngine()
	tk := newParkedTask(1)

	w, err := e.Prepare(tk, CauseFutex, 0)
	require.NoError(t, err)
	ch := park(w)

	tk.markKilled()
	require.True(t, e.Kill(tk.ID))
	requireOutcome(t, ch, Killed)
}

func TestCancelMatchesCauses(t *testing.T) {
	_, e := newTestEngine()
	tk := newParkedTask(1)

	w, err := e.Prepare(tk, CauseIPC, 0)
	require.NoError(t, err)
	ch := park(w)

	assert.False(t, e.Cancel(tk.ID, CauseSleep, CauseChild))
	requireStillParked(t, e, tk.ID)

	require.True(t, e.Cancel(tk.ID, CauseIPC, CauseFutex))
	requireOutcome(t, ch, Cancelled)

	// Not waiting anymore: strict no-op, nothing sticks to the next wait.
	assert.False(t, e.Cancel(tk.ID, CauseIPC))
	w, err = e.Prepare(tk, CauseIPC, 0)
	require.NoError(t, err)
	ch = park(w)
	requireStillParked(t, e, tk.ID)
	require.True(t, e.Wake(tk.ID, CauseIPC))
	requireOutcome(t, ch, Woken)
}

func TestBroadcastWakesOnlyCause(t *testing.T) {
	_, e := newTestEngine()

	var chans []<-chan Outcome
	for i := TaskID(1); i <= 3; i++ {
		w, err := e.Prepare(newParkedTask(i), CauseChild, 0)
		require.NoError(t, err)
		chans = append(chans, park(w))
	}
	sleeper := newParkedTask(9)
	ws, err := e.Prepare(sleeper, CauseSleep, 0)
	require.NoError(t, err)
	chSleep := park(ws)

	assert.Equal(t, 3, e.Broadcast(CauseChild))
	for _, ch := range chans {
		requireOutcome(t, ch, Woken)
	}
	requireStillParked(t, e, sleeper.ID)

	assert.Equal(t, 1, e.Broadcast(CauseSleep))
	requireOutcome(t, chSleep, Woken)
}

func TestExpireDeadlines(t *testing.T) {
	clock, e := newTestEngine()

	early := newParkedTask(1)
	late := newParkedTask(2)
	forever := newParkedTask(3)

	w1, err := e.Prepare(early, CauseSleep, 5)
	require.NoError(t, err)
	w2, err := e.Prepare(late, CauseSleep, 10)
	require.NoError(t, err)
	_, err = e.Prepare(forever, CauseIPC, 0)
	require.NoError(t, err)

	ch1, ch2 := park(w1), park(w2)

	for clock.Now() < 5 {
		clock.Advance()
	}
	assert.Equal(t, 1, e.ExpireDeadlines(clock.Now()))
	requireOutcome(t, ch1, Timeout)
	requireStillParked(t, e, late.ID)

	for clock.Now() < 10 {
		clock.Advance()
	}
	assert.Equal(t, 1, e.ExpireDeadlines(clock.Now()))
	requireOutcome(t, ch2, Timeout)

	// Deadline 0 never expires.
	assert.Equal(t, 0, e.ExpireDeadlines(clock.Now()+1000))
	requireStillParked(t, e, forever.ID)
}

func TestBlockStateBookkeeping(t *testing.T) {
	_, e := newTestEngine()

	ipcTask := newParkedTask(1)
	w, err := e.Prepare(ipcTask, CauseIPC, 0)
	require.NoError(t, err)
	ch := park(w)
	require.Eventually(t, func() bool {
		return ipcTask.State() == TaskBlockedIPC
	}, time.Second, time.Millisecond)

	require.True(t, e.Wake(ipcTask.ID, CauseIPC))
	requireOutcome(t, ch, Woken)
	assert.Equal(t, TaskRunning, ipcTask.State())

	sleepTask := newParkedTask(2)
	w, err = e.Prepare(sleepTask, CauseSleep, 0)
	require.NoError(t, err)
	ch = park(w)
	require.Eventually(t, func() bool {
		return sleepTask.State() == TaskSleeping
	}, time.Second, time.Millisecond)

	require.True(t, e.Wake(sleepTask.ID, CauseSleep))
	requireOutcome(t, ch, Woken)
}

func TestSavedContextIsPerTask(t *testing.T) {
	_, e := newTestEngine()

	a := newParkedTask(1)
	b := newParkedTask(2)
	a.SetRegs(SavedContext{SP: 0x1000, FP: 0x1100})
	b.SetRegs(SavedContext{SP: 0x2000, FP: 0x2200})

	wa, err := e.Prepare(a, CauseIPC, 0)
	require.NoError(t, err)
	wb, err := e.Prepare(b, CauseIPC, 0)
	require.NoError(t, err)
	cha, chb := park(wa), park(wb)

	require.Eventually(t, func() bool {
		return a.Saved().SP == 0x1000 && b.Saved().SP == 0x2000
	}, time.Second, time.Millisecond)

	// Neither task's slots leak into the other's.
	assert.Equal(t, SavedContext{SP: 0x1000, FP: 0x1100}, a.Saved())
	assert.Equal(t, SavedContext{SP: 0x2000, FP: 0x2200}, b.Saved())

	require.True(t, e.Wake(a.ID, CauseIPC))
	require.True(t, e.Wake(b.ID, CauseIPC))
	requireOutcome(t, cha, Woken)
	requireOutcome(t, chb, Woken)

	assert.Equal(t, SavedContext{SP: 0x1000, FP: 0x1100}, a.Regs())
	assert.Equal(t, SavedContext{SP: 0x2000, FP: 0x2200}, b.Regs())
}

func TestOutcomeErrMapping(t *testing.T) {
	assert.NoError(t, Woken.Err())
	assert.ErrorIs(t, Timeout.Err(), syserr.ErrTimeout)
	assert.ErrorIs(t, Cancelled.Err(), syserr.ErrCancelled)
	assert.ErrorIs(t, Killed.Err(), syserr.ErrKilled)
}
