// Package syscall is the kernel's boundary with user code: it decodes raw
// (number, arg×4) calls, validates every pointer through usermem before any
// side effect, and dispatches to the owning subsystem.
//
// The return convention is a single int64: non-negative for success (a
// count, position, handle or identifier), negative errno for failure.
// Strings and buffers always arrive as (pointer, length) pairs; handles
// cross as the small integers the capability tables hand out.
package syscall

import (
	"time"

	"go.uber.org/zap"

	"github.com/tokuhirom/sabos/internal/infrastructure/logging"
	"github.com/tokuhirom/sabos/internal/kernel/cap"
	"github.com/tokuhirom/sabos/internal/kernel/futex"
	"github.com/tokuhirom/sabos/internal/kernel/ipc"
	"github.com/tokuhirom/sabos/internal/kernel/sched"
	"github.com/tokuhirom/sabos/internal/kernel/syserr"
)

// Loader resolves a program path to a runnable body. spawn and exec go
// through it; the userland registry implements it.
type Loader interface {
	Load(path string, args []string) (name string, body sched.Body, err error)
}

// ThreadRunner builds the body a thread-create call starts, from the raw
// entry point and argument the caller passed. Left unset, thread creation
// reports not-supported.
type ThreadRunner func(entry, arg uint64) sched.Body

// Recorder observes completed syscalls, for metrics. Implementations must
// be cheap; this runs on every call.
type Recorder interface {
	RecordSyscall(name, class string, seconds float64)
}

// Deps carries everything the dispatcher reaches into. Loader, Threads and
// Recorder are optional.
type Deps struct {
	Sched    *sched.Scheduler
	Engine   *sched.Engine
	Clock    *sched.Clock
	Caps     *cap.Registry
	IPC      *ipc.Registry
	Futex    *futex.Table
	Loader   Loader
	Threads  ThreadRunner
	Recorder Recorder
	Logger   *logging.Logger
}

// Dispatcher owns the syscall table.
type Dispatcher struct {
	sched   *sched.Scheduler
	engine  *sched.Engine
	clock   *sched.Clock
	caps    *cap.Registry
	ipc     *ipc.Registry
	futex   *futex.Table
	loader  Loader
	threads ThreadRunner
	rec     Recorder
	logger  *logging.Logger
}

// New wires a dispatcher.
func New(d Deps) *Dispatcher {
	return &Dispatcher{
		sched:   d.Sched,
		engine:  d.Engine,
		clock:   d.Clock,
		caps:    d.Caps,
		ipc:     d.IPC,
		futex:   d.Futex,
		loader:  d.Loader,
		threads: d.Threads,
		rec:     d.Recorder,
		logger:  d.Logger,
	}
}

// SetThreadRunner installs the thread body factory. Tests and hosts that
// expose raw thread entry points use it; the JS userland does not.
func (d *Dispatcher) SetThreadRunner(r ThreadRunner) { d.threads = r }

// Dispatch runs one syscall on behalf of t. It must be called from t's own
// goroutine: blocking calls park right here. A task that has been killed
// gets ErrKilled without any syscall side effect.
func (d *Dispatcher) Dispatch(t *sched.Task, num Num, a1, a2, a3, a4 uint64) int64 {
	start := time.Now()

	var (
		v   uint64
		err error
	)
	if t.Killed() {
		err = syserr.ErrKilled
	} else {
		v, err = d.invoke(t, num, a1, a2, a3, a4)
	}

	if d.rec != nil {
		d.rec.RecordSyscall(num.String(), syserr.Class(err), time.Since(start).Seconds())
	}
	if err != nil {
		d.logger.Debug("syscall failed",
			zap.Uint64("task", uint64(t.ID)),
			zap.Stringer("syscall", num),
			zap.Error(err))
		return syserr.Errno(err)
	}
	return int64(v)
}

func (d *Dispatcher) invoke(t *sched.Task, num Num, a1, a2, a3, a4 uint64) (uint64, error) {
	switch num {
	case NumPipe:
		return d.sysPipe(t, a1, a2)
	case NumClockMonotonic:
		return d.clock.UptimeMs(), nil
	case NumGetrandom:
		return d.sysGetrandom(t, a1, a2)

	case NumExec:
		return d.sysExec(t, a1, a2, a3, a4)
	case NumSpawn:
		return d.sysSpawn(t, a1, a2, a3, a4)
	case NumYield:
		d.sched.Yield(t)
		return 0, nil
	case NumSleep:
		return 0, d.sched.SleepMs(t, a1)
	case NumWait:
		return d.sysWait(t, a1, a2)
	case NumGetpid:
		return uint64(t.ID), nil
	case NumKill:
		return 0, d.sched.Kill(t, sched.TaskID(a1))
	case NumGetenv:
		return d.sysGetenv(t, a1, a2, a3, a4)
	case NumSetenv:
		return d.sysSetenv(t, a1, a2, a3, a4)
	case NumListenv:
		return d.sysListenv(t, a1, a2)

	case NumExit:
		d.sched.Exit(t, int32(a1))
		return 0, nil

	case NumOpen:
		return d.sysOpen(t, a1, a2, a3)
	case NumHandleRead:
		return d.sysHandleRead(t, a1, a2, a3)
	case NumHandleWrite:
		return d.sysHandleWrite(t, a1, a2, a3)
	case NumHandleClose:
		return 0, d.caps.Table(t.ID).Close(cap.Handle(a1))
	case NumOpenAt:
		return d.sysOpenAt(t, a1, a2, a3, a4)
	case NumRestrictRights:
		return d.sysRestrict(t, a1, a2)
	case NumHandleEnum:
		return d.sysHandleEnum(t, a1, a2, a3)
	case NumHandleStat:
		return d.sysHandleStat(t, a1, a2)
	case NumHandleSeek:
		return d.sysHandleSeek(t, a1, a2, a3)
	case NumHandleCreateFile:
		return d.sysCreateFile(t, a1, a2, a3)
	case NumHandleUnlink:
		return d.sysUnlink(t, a1, a2, a3)
	case NumHandleMkdir:
		return d.sysMkdir(t, a1, a2, a3)

	case NumIPCSend:
		return d.sysIPCSend(t, a1, a2, a3)
	case NumIPCRecv:
		return d.sysIPCRecv(t, a1, a2, a3, a4)
	case NumIPCRecvFrom:
		return d.sysIPCRecvFrom(t, a1, a2, a3, a4)
	case NumIPCCancel:
		return 0, d.ipc.Cancel(sched.TaskID(a1))
	case NumIPCSendHandle:
		return d.sysIPCSendHandle(t, a1, a2, a3, a4)
	case NumIPCRecvHandle:
		return d.sysIPCRecvHandle(t, a1, a2, a3, a4)

	case NumThreadCreate:
		return d.sysThreadCreate(t, a1, a2, a3)
	case NumThreadExit:
		d.sched.Exit(t, int32(a1))
		return 0, nil
	case NumThreadJoin:
		return d.sysThreadJoin(t, a1, a2)

	case NumFutex:
		return d.sysFutex(t, a1, a2, a3, a4)

	case NumWaitpid:
		return d.sysWaitpid(t, a1, a2, a3)

	default:
		d.logger.Warn("unknown syscall",
			zap.Uint64("task", uint64(t.ID)),
			zap.Uint64("num", uint64(num)))
		return 0, syserr.ErrUnknownSyscall
	}
}
