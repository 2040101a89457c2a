package kernel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tokuhirom/sabos/internal/infrastructure/config"
	"github.com/tokuhirom/sabos/internal/infrastructure/logging"
	"github.com/tokuhirom/sabos/internal/infrastructure/monitoring"
	"github.com/tokuhirom/sabos/internal/kernel/cap"
	"github.com/tokuhirom/sabos/internal/kernel/futex"
	"github.com/tokuhirom/sabos/internal/kernel/ipc"
	"github.com/tokuhirom/sabos/internal/kernel/pipe"
	"github.com/tokuhirom/sabos/internal/kernel/sched"
	"github.com/tokuhirom/sabos/internal/kernel/syscall"
	"github.com/tokuhirom/sabos/internal/kernel/vfs"
	"github.com/tokuhirom/sabos/internal/seed"
	"github.com/tokuhirom/sabos/internal/shared/id"
	"github.com/tokuhirom/sabos/internal/userland"
)

// Kernel assembles the capability/IPC core: clock, scheduler, mounted
// filesystem tree, handle tables, IPC queues, futexes and the syscall
// dispatcher, plus the userland program registry.
type Kernel struct {
	cfg     *config.Config
	logger  *logging.Logger
	metrics *monitoring.Metrics

	clock    *sched.Clock
	engine   *sched.Engine
	sched    *sched.Scheduler
	router   *vfs.Router
	pipes    *pipe.Registry
	caps     *cap.Registry
	ipc      *ipc.Registry
	futex    *futex.Table
	disp     *syscall.Dispatcher
	programs *userland.Registry

	bootID string

	stopTick chan struct{}
	tickDone chan struct{}
	startMu  sync.Mutex
	started  bool
}

// New wires a kernel from configuration. Metrics may be nil.
func New(cfg *config.Config, logger *logging.Logger, metrics *monitoring.Metrics) *Kernel {
	clock := sched.NewClock(time.Duration(cfg.Kernel.TickMs) * time.Millisecond)
	engine := sched.NewEngine(clock, logger.Named("engine"))
	scheduler := sched.NewScheduler(clock, engine, cfg.Kernel.AddressSpaceSize, logger.Named("sched"))
	router := vfs.NewRouter(logger.Named("vfs"))
	pipes := pipe.NewRegistry(logger.Named("pipe"))
	pipes.SetNotify(func() { engine.Broadcast(sched.CausePipe) })
	caps := cap.NewRegistry(router, pipes, logger.Named("cap"))
	ipcReg := ipc.NewRegistry(scheduler, engine, clock, cfg.Kernel.IPCPayloadCap, logger.Named("ipc"))
	fut := futex.NewTable(engine, clock, logger.Named("futex"))
	programs := userland.NewRegistry(router, logger.Named("userland"))

	var rec syscall.Recorder
	if metrics != nil {
		rec = metrics
	}
	disp := syscall.New(syscall.Deps{
		Sched:    scheduler,
		Engine:   engine,
		Clock:    clock,
		Caps:     caps,
		IPC:      ipcReg,
		Futex:    fut,
		Loader:   programs,
		Recorder: rec,
		Logger:   logger.Named("syscall"),
	})
	programs.SetDispatcher(disp)

	scheduler.OnTaskExit(func(t *sched.Task) {
		caps.CleanupTask(t.ID)
		ipcReg.CleanupTask(t.ID)
	})

	return &Kernel{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		clock:    clock,
		engine:   engine,
		sched:    scheduler,
		router:   router,
		pipes:    pipes,
		caps:     caps,
		ipc:      ipcReg,
		futex:    fut,
		disp:     disp,
		programs: programs,
		bootID:   id.NewBootID(),
		stopTick: make(chan struct{}),
		tickDone: make(chan struct{}),
	}
}

// Boot mounts the manifest's backends, seeds the tree and spawns its init
// programs. A nil manifest uses the built-in default mounts.
func (k *Kernel) Boot(manifest *config.BootManifest) error {
	if manifest == nil {
		manifest = config.DefaultManifest()
	}

	for _, m := range manifest.Mounts {
		backend, err := k.backendFor(m)
		if err != nil {
			return err
		}
		if err := k.router.Mount(m.Prefix, backend, m.ReadOnly); err != nil {
			return fmt.Errorf("failed to mount %s at %s: %w", m.Backend, m.Prefix, err)
		}
	}

	for _, s := range manifest.Seed {
		res, err := seed.Run(k.router, seed.Options{
			From:    s.From,
			To:      s.To,
			Include: s.Include,
			Exclude: s.Exclude,
		}, k.logger.Named("seed"))
		if err != nil {
			return err
		}
		k.logger.Info("seeded boot image",
			zap.String("from", s.From),
			zap.String("to", s.To),
			zap.Int("files", res.Files),
			zap.Uint64("bytes", res.Bytes))
	}

	for _, init := range manifest.Init {
		if _, err := k.SpawnProgram(init.Path, init.Args); err != nil {
			return fmt.Errorf("failed to start init program %s: %w", init.Path, err)
		}
	}

	k.logger.Info("kernel booted",
		zap.String("boot_id", k.bootID),
		zap.Int("mounts", len(manifest.Mounts)))
	return nil
}

func (k *Kernel) backendFor(m config.MountSpec) (vfs.Backend, error) {
	switch m.Backend {
	case "memfs":
		return vfs.NewMemFS(), nil
	case "procfs":
		return vfs.NewProcFS(vfs.ProcSources{
			Tasks:   func() any { return k.sched.Snapshot() },
			MemInfo: func() any { return k.sched.Mem() },
			Mounts:  func() any { return k.router.Mounts() },
			IPC:     func() any { return k.ipc.Snapshot() },
		}), nil
	case "remote":
		return vfs.NewRemoteFS(m.URL, vfs.RemoteConfig{}), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", m.Backend)
	}
}

// SpawnProgram resolves path through the program registry and spawns it as
// a parentless task.
func (k *Kernel) SpawnProgram(path string, args []string) (sched.TaskID, error) {
	name, body, err := k.programs.Load(path, args)
	if err != nil {
		return 0, err
	}
	t := k.sched.Spawn(nil, name, body)
	return t.ID, nil
}

// Start launches the tick loop driving timeouts, sleeps and gauges.
func (k *Kernel) Start() {
	k.startMu.Lock()
	defer k.startMu.Unlock()
	if k.started {
		return
	}
	k.started = true

	go func() {
		defer close(k.tickDone)
		ticker := time.NewTicker(k.clock.Period())
		defer ticker.Stop()
		for {
			select {
			case <-k.stopTick:
				return
			case <-ticker.C:
				k.Tick()
			}
		}
	}()
}

// Tick advances the clock one step and expires wait deadlines. The
// production loop calls it every period; tests call it directly.
func (k *Kernel) Tick() {
	now := k.clock.Advance()
	k.engine.ExpireDeadlines(now)

	if k.metrics != nil {
		k.metrics.SetTaskCounts(k.sched.Counts())
		k.metrics.TasksSpawned.Set(float64(k.sched.Spawned()))
		k.metrics.TasksExited.Set(float64(k.sched.Exited()))
		k.metrics.IPCSent.Set(float64(k.ipc.Sent()))
		k.metrics.IPCReceived.Set(float64(k.ipc.Received()))
		k.metrics.FutexWaiting.Set(float64(k.futex.WaitingCount()))
		k.metrics.EngineBlocked.Set(float64(k.engine.WaitingCount()))
		k.metrics.OpenHandles.Set(float64(k.caps.OpenHandles()))
		k.metrics.PipesActive.Set(float64(k.pipes.Count()))
		k.metrics.UpdateUptime()
	}
}

// Shutdown stops the tick loop and tears down every remaining task.
func (k *Kernel) Shutdown(ctx context.Context) error {
	k.startMu.Lock()
	if k.started {
		close(k.stopTick)
		select {
		case <-k.tickDone:
		case <-ctx.Done():
			k.startMu.Unlock()
			return ctx.Err()
		}
	}
	k.startMu.Unlock()

	k.sched.Shutdown()
	k.logger.Info("kernel stopped", zap.String("boot_id", k.bootID))
	return nil
}

// BootID tags this kernel run.
func (k *Kernel) BootID() string { return k.bootID }

// Accessors for the gateway and tests.

func (k *Kernel) Scheduler() *sched.Scheduler     { return k.sched }
func (k *Kernel) Clock() *sched.Clock             { return k.clock }
func (k *Kernel) Router() *vfs.Router             { return k.router }
func (k *Kernel) Dispatcher() *syscall.Dispatcher { return k.disp }
func (k *Kernel) Programs() *userland.Registry    { return k.programs }
func (k *Kernel) Caps() *cap.Registry             { return k.caps }
func (k *Kernel) IPC() *ipc.Registry              { return k.ipc }
func (k *Kernel) Futex() *futex.Table             { return k.futex }
func (k *Kernel) Pipes() *pipe.Registry           { return k.pipes }
func (k *Kernel) Metrics() *monitoring.Metrics    { return k.metrics }
