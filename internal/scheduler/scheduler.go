// Package scheduler picks which imaging task runs next. Selection is
// earliest-deadline-first over every schedulable task's next pending time
// point; at most one cycle runs at a time.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/reeflab/plateflow/internal/model"
	"github.com/reeflab/plateflow/internal/state"
)

// TaskSource is the slice of the store the scheduler needs.
type TaskSource interface {
	Reconcile() error
	Snapshots() []model.Snapshot
	UpdateTask(name string, status model.Status, imagedPoint *time.Time) error
}

// CycleRunner executes one imaging cycle.
type CycleRunner interface {
	RunCycle(ctx context.Context, task model.Snapshot, point time.Time) error
}

// Connector establishes device proxies ahead of a cycle.
type Connector interface {
	Ensure(ctx context.Context, microscopeIDs ...string) error
}

// minSleep bounds the busy loop when the next due time is imminent.
const minSleep = 100 * time.Millisecond

type Scheduler struct {
	store TaskSource
	exec  CycleRunner
	conn  Connector
	rt    *state.Runtime
	cfg   model.SchedulerConfig
	log   zerolog.Logger

	now func() time.Time
}

func New(store TaskSource, exec CycleRunner, conn Connector, rt *state.Runtime, cfg model.SchedulerConfig, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		store: store,
		exec:  exec,
		conn:  conn,
		rt:    rt,
		cfg:   cfg,
		log:   log,
		now:   time.Now,
	}
}

// Run drives the scheduling loop until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.log.Info().Dur("loop_interval", s.cfg.LoopInterval()).Msg("scheduler started")
	lastReconcile := time.Time{}

	for ctx.Err() == nil {
		if s.now().Sub(lastReconcile) >= s.cfg.ReconcileInterval() {
			if err := s.store.Reconcile(); err != nil {
				s.log.Warn().Err(err).Msg("reconcile failed, scheduling from last-good state")
			}
			lastReconcile = s.now()
		}

		task, point, nextDue := s.pick(s.store.Snapshots())
		if task == nil {
			if !sleep(ctx, s.sleepFor(nextDue)) {
				break
			}
			continue
		}

		s.runOne(ctx, *task, point)
	}
	s.log.Info().Msg("scheduler stopped")
}

// pick returns the due task with the earliest pending time point, ties broken
// by name so selection is deterministic. When nothing is due it returns the
// earliest future due time instead.
func (s *Scheduler) pick(tasks []model.Snapshot) (*model.Snapshot, time.Time, time.Time) {
	now := s.now()
	var (
		best    *model.Snapshot
		bestDue time.Time
		nextDue time.Time
	)
	for i := range tasks {
		task := &tasks[i]
		if !model.IsSchedulable(task.Status) {
			continue
		}
		due, ok := task.EarliestPending()
		if !ok {
			continue
		}
		if due.After(now) {
			if nextDue.IsZero() || due.Before(nextDue) {
				nextDue = due
			}
			continue
		}
		if best == nil || due.Before(bestDue) || (due.Equal(bestDue) && task.Name < best.Name) {
			best = task
			bestDue = due
		}
	}
	return best, bestDue, nextDue
}

func (s *Scheduler) sleepFor(nextDue time.Time) time.Duration {
	d := s.cfg.LoopInterval()
	if !nextDue.IsZero() {
		if until := nextDue.Sub(s.now()); until < d {
			d = until
		}
	}
	if d < minSleep {
		d = minSleep
	}
	return d
}

func (s *Scheduler) runOne(ctx context.Context, task model.Snapshot, point time.Time) {
	log := s.log.With().Str("task", task.Name).Time("point", point).Logger()
	log.Info().Str("microscope", task.Settings.AllocatedMicroscope).Msg("task selected")

	s.rt.SetActiveTask(task.Name)
	defer s.rt.ClearActiveTaskIf(task.Name)

	if err := s.conn.Ensure(ctx, task.Settings.AllocatedMicroscope); err != nil {
		log.Error().Err(err).Msg("device services unavailable, marking task error")
		s.setStatus(log, task.Name, model.StatusError, nil)
		return
	}

	s.setStatus(log, task.Name, model.StatusActive, nil)

	if err := s.exec.RunCycle(ctx, task, point); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			log.Warn().Msg("cycle interrupted by shutdown, leaving task for restart recovery")
			return
		}
		log.Error().Err(err).Msg("imaging cycle failed")
		s.setStatus(log, task.Name, model.StatusError, nil)
		return
	}

	// Success moves exactly this time point to imaged; the store derives
	// completed when it was the last one.
	s.setStatus(log, task.Name, model.StatusWaitingForNextRun, &point)
}

func (s *Scheduler) setStatus(log zerolog.Logger, name string, status model.Status, point *time.Time) {
	if err := s.store.UpdateTask(name, status, point); err != nil {
		log.Error().Err(err).Str("status", string(status)).Msg("task update failed")
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
