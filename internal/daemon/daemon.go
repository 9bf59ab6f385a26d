// Package daemon assembles the orchestrator: the task store, the scheduler,
// the transport worker, the per-service health monitors, and the HTTP API,
// all sharing one runtime state object and shutting down together.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/reeflab/plateflow/internal/cycle"
	"github.com/reeflab/plateflow/internal/health"
	"github.com/reeflab/plateflow/internal/lock"
	"github.com/reeflab/plateflow/internal/logging"
	"github.com/reeflab/plateflow/internal/model"
	"github.com/reeflab/plateflow/internal/proxy"
	"github.com/reeflab/plateflow/internal/scheduler"
	"github.com/reeflab/plateflow/internal/state"
	"github.com/reeflab/plateflow/internal/store"
	"github.com/reeflab/plateflow/internal/transport"
)

// reconcileDebounce coalesces bursts of file events into one reconcile.
const reconcileDebounce = 500 * time.Millisecond

// Daemon is the orchestrator process.
type Daemon struct {
	cfg model.Config
	log zerolog.Logger

	fileLock *lock.FileLock
	watcher  *fsnotify.Watcher
	app      *fiber.App

	rt      *state.Runtime
	store   *store.Store
	mgr     *proxy.Manager
	exec    *cycle.Executor
	worker  *transport.Worker
	sched   *scheduler.Scheduler
	monitor *health.Monitor

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once

	forceExit atomic.Bool
}

// New wires every component from configuration.
func New(cfg model.Config) (*Daemon, error) {
	log, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	rt := state.NewRuntime()
	mgr := proxy.NewManager(cfg.Devices, rt, logging.Component(log, "proxy"))
	st := store.New(cfg.Daemon.SamplesFile, rt, logging.Component(log, "store"))
	st.SetMicroscopeRemovedHook(mgr.DropMicroscope)

	exec := cycle.NewExecutor(mgr, st, rt, cfg.Cycle, logging.Component(log, "cycle"))
	worker := transport.NewWorker(exec, cfg.Transport.QueueSize, logging.Component(log, "transport"))
	exec.SetMover(worker)

	sched := scheduler.New(st, exec, mgr, rt, cfg.Scheduler, logging.Component(log, "scheduler"))
	monitor := health.NewMonitor(mgr, rt, cfg.Health, logging.Component(log, "health"))

	d := &Daemon{
		cfg:      cfg,
		log:      log,
		fileLock: lock.NewFileLock(cfg.Daemon.LockFile),
		rt:       rt,
		store:    st,
		mgr:      mgr,
		exec:     exec,
		worker:   worker,
		sched:    sched,
		monitor:  monitor,
		ctx:      ctx,
		cancel:   cancel,
	}
	d.app = d.newAPI()
	return d, nil
}

// Run starts the daemon and blocks until shutdown completes.
func (d *Daemon) Run() error {
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.log.Info().Int("pid", os.Getpid()).Str("samples_file", d.cfg.Daemon.SamplesFile).
		Msg("orchestrator starting")

	// Initial load. A missing samples file is fine, we start empty and the
	// watcher picks it up when it appears.
	if err := d.store.Reconcile(); err != nil {
		d.log.Warn().Err(err).Msg("initial samples load failed, starting empty")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.cleanup()
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	d.watcher = watcher

	// Watch the directory: editors and our own atomic writes replace the
	// file by rename, which a file-level watch loses.
	dir := filepath.Dir(d.cfg.Daemon.SamplesFile)
	if err := watcher.Add(dir); err != nil {
		d.cleanup()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	d.wg.Add(4)
	go func() {
		defer d.wg.Done()
		d.worker.Run(d.ctx)
	}()
	go func() {
		defer d.wg.Done()
		d.fsnotifyLoop()
	}()
	go func() {
		defer d.wg.Done()
		d.healthSupervisor()
	}()
	go func() {
		defer d.wg.Done()
		d.sched.Run(d.ctx)
	}()

	go func() {
		if err := d.app.Listen(d.cfg.Server.Listen); err != nil {
			d.log.Error().Err(err).Msg("api server stopped")
		}
	}()
	d.log.Info().Str("listen", d.cfg.Server.Listen).Msg("orchestrator ready")

	d.waitSignals()
	return nil
}

// fsnotifyLoop reconciles on samples file changes, debounced.
func (d *Daemon) fsnotifyLoop() {
	target := filepath.Clean(d.cfg.Daemon.SamplesFile)
	var debounce *time.Timer
	for {
		select {
		case <-d.ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			d.log.Debug().Str("op", event.Op.String()).Msg("samples file changed")
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reconcileDebounce, func() {
				if err := d.store.Reconcile(); err != nil {
					d.log.Warn().Err(err).Msg("reconcile after file change failed")
				}
			})
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.log.Error().Err(err).Msg("fsnotify error")
		}
	}
}

// healthSupervisor keeps one health watcher per device service, following
// microscopes as they are added to or removed from the samples file.
func (d *Daemon) healthSupervisor() {
	var watchWG sync.WaitGroup
	defer watchWG.Wait()

	start := func(ctx context.Context, kind proxy.Kind, id string) {
		watchWG.Add(1)
		go func() {
			defer watchWG.Done()
			d.monitor.Watch(ctx, kind, id)
		}()
	}

	start(d.ctx, proxy.KindIncubator, d.cfg.Devices.IncubatorID)
	start(d.ctx, proxy.KindRoboticArm, d.cfg.Devices.RoboticArmID)

	cancels := make(map[string]context.CancelFunc)
	defer func() {
		for _, cancel := range cancels {
			cancel()
		}
	}()

	ticker := time.NewTicker(d.cfg.Health.Interval())
	defer ticker.Stop()

	syncScopes := func() {
		want := make(map[string]bool)
		for _, id := range d.store.MicroscopeIDs() {
			want[id] = true
			if _, ok := cancels[id]; !ok {
				d.log.Info().Str("microscope", id).Msg("starting microscope health watcher")
				ctx, cancel := context.WithCancel(d.ctx)
				cancels[id] = cancel
				start(ctx, proxy.KindMicroscope, id)
			}
		}
		for id, cancel := range cancels {
			if !want[id] {
				d.log.Info().Str("microscope", id).Msg("stopping microscope health watcher")
				cancel()
				delete(cancels, id)
			}
		}
	}

	syncScopes()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			syncScopes()
		}
	}
}

// waitSignals blocks until a shutdown signal is received.
func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigCh
	d.log.Info().Str("signal", sig.String()).Msg("initiating graceful shutdown")

	// Second signal forces exit.
	go func() {
		<-sigCh
		d.log.Warn().Msg("received second signal, forcing exit")
		d.forceExit.Store(true)
		os.Exit(1)
	}()

	d.Shutdown()
}

// Shutdown performs graceful shutdown; safe to call more than once.
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.log.Info().Msg("shutdown started")

		d.cancel()
		if d.watcher != nil {
			d.watcher.Close()
		}
		if d.app != nil {
			if err := d.app.ShutdownWithTimeout(d.cfg.Daemon.ShutdownTimeout()); err != nil {
				d.log.Warn().Err(err).Msg("api server shutdown")
			}
		}

		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			d.log.Info().Msg("all loops drained")
		case <-time.After(d.cfg.Daemon.ShutdownTimeout()):
			d.log.Warn().Dur("timeout", d.cfg.Daemon.ShutdownTimeout()).
				Msg("shutdown timeout, some operations may be incomplete")
		}

		d.cleanup()
		d.log.Info().Msg("orchestrator stopped")
	})
}

func (d *Daemon) cleanup() {
	d.fileLock.Unlock()
}
