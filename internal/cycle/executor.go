// Package cycle runs one complete imaging round trip: move a plate from its
// incubator slot onto a microscope stage, run the scan to completion, and
// bring the plate home. The executor also implements the raw load and unload
// movements the transport worker serializes.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/reeflab/plateflow/internal/model"
	"github.com/reeflab/plateflow/internal/proxy"
	"github.com/reeflab/plateflow/internal/state"
	"github.com/reeflab/plateflow/internal/transport"
)

// Devices is the slice of the proxy manager the executor needs.
type Devices interface {
	Incubator(ctx context.Context) (proxy.Incubator, error)
	Arm(ctx context.Context) (proxy.RoboticArm, error)
	Microscope(ctx context.Context, id string) (proxy.Microscope, error)
	Refresh(ctx context.Context, kind proxy.Kind, id string) error
}

// Mover submits plate movements through the transport queue.
type Mover interface {
	Do(ctx context.Context, action transport.Action, slot int, microscopeID string) error
}

// ScopeDirectory resolves microscope configuration entries.
type ScopeDirectory interface {
	MicroscopeConfig(id string) (model.MicroscopeEntry, bool)
}

// ErrScanFailed wraps a scan reported as failed by the microscope.
var ErrScanFailed = errors.New("scan failed")

// Executor drives imaging cycles against the device services.
type Executor struct {
	dev    Devices
	mover  Mover
	scopes ScopeDirectory
	rt     *state.Runtime
	cfg    model.CycleConfig
	log    zerolog.Logger

	now func() time.Time
}

func NewExecutor(dev Devices, scopes ScopeDirectory, rt *state.Runtime, cfg model.CycleConfig, log zerolog.Logger) *Executor {
	return &Executor{
		dev:    dev,
		scopes: scopes,
		rt:     rt,
		cfg:    cfg,
		log:    log,
		now:    time.Now,
	}
}

// SetMover wires the transport queue. Must be called before RunCycle.
func (e *Executor) SetMover(m Mover) { e.mover = m }

// RunCycle executes one imaging round trip for the task at the given time
// point. When the scan fails the plate is still unloaded before the scan
// error is returned.
func (e *Executor) RunCycle(ctx context.Context, task model.Snapshot, point time.Time) error {
	micID := task.Settings.AllocatedMicroscope
	slot := task.Settings.IncubatorSlot
	log := e.log.With().Str("task", task.Name).Str("microscope", micID).
		Int("slot", slot).Time("point", point).Logger()
	log.Info().Msg("imaging cycle started")

	if err := e.verifyServices(ctx, micID); err != nil {
		return fmt.Errorf("pre-cycle service check: %w", err)
	}

	// Any stale flag from an interrupted cycle is wrong at this point: a
	// fresh cycle always finds the plate in or near its slot.
	e.rt.SetSampleOn(micID, false)

	cycleErr := func() error {
		if err := e.mover.Do(ctx, transport.ActionLoad, slot, micID); err != nil {
			return fmt.Errorf("load plate: %w", err)
		}
		return e.scan(ctx, log, task, point)
	}()
	if cycleErr != nil {
		log.Error().Err(cycleErr).Msg("cycle failed, unloading plate before reporting")
	}

	// The cleanup unload runs even after a failed load: the plate may be
	// half-transferred and the unload path sorts out where it actually is.
	if err := e.mover.Do(ctx, transport.ActionUnload, slot, micID); err != nil {
		if cycleErr != nil {
			return fmt.Errorf("cleanup unload: %v (cycle: %w)", err, cycleErr)
		}
		return fmt.Errorf("unload plate: %w", err)
	}

	if cycleErr != nil {
		return cycleErr
	}
	log.Info().Msg("imaging cycle completed")
	return nil
}

// verifyServices pings every service the cycle will use, refreshing a dead
// proxy once before giving up.
func (e *Executor) verifyServices(ctx context.Context, micID string) error {
	checks := []struct {
		kind proxy.Kind
		id   string
		ping func(ctx context.Context) error
	}{
		{proxy.KindIncubator, "incubator", func(ctx context.Context) error {
			h, err := e.dev.Incubator(ctx)
			if err != nil {
				return err
			}
			return h.Ping(ctx)
		}},
		{proxy.KindRoboticArm, "robotic_arm", func(ctx context.Context) error {
			h, err := e.dev.Arm(ctx)
			if err != nil {
				return err
			}
			return h.Ping(ctx)
		}},
		{proxy.KindMicroscope, micID, func(ctx context.Context) error {
			h, err := e.dev.Microscope(ctx, micID)
			if err != nil {
				return err
			}
			return h.Ping(ctx)
		}},
	}

	for _, c := range checks {
		if err := c.ping(ctx); err == nil {
			continue
		}
		e.log.Warn().Str("service", c.id).Msg("service unhealthy before cycle, refreshing proxy")
		if err := e.dev.Refresh(ctx, c.kind, c.id); err != nil {
			return fmt.Errorf("refresh %s: %w", c.id, err)
		}
		if err := c.ping(ctx); err != nil {
			return fmt.Errorf("%s still unhealthy after refresh: %w", c.id, err)
		}
	}
	return nil
}

func (e *Executor) scan(ctx context.Context, log zerolog.Logger, task model.Snapshot, point time.Time) error {
	mic, err := e.dev.Microscope(ctx, task.Settings.AllocatedMicroscope)
	if err != nil {
		return err
	}
	inc, err := e.dev.Incubator(ctx)
	if err != nil {
		return err
	}

	plateType, err := inc.GetWellPlateType(ctx, task.Settings.IncubatorSlot)
	if err != nil {
		log.Warn().Err(err).Msg("well plate type unavailable, assuming 96-well")
		plateType = "96"
	}

	cfg := proxy.ScanConfig{
		SavedDataType:        "raw_images",
		WellPlateType:        plateType,
		IlluminationSettings: task.Settings.IlluminationSettings,
		DoContrastAutofocus:  task.Settings.DoContrastAutofocus,
		DoReflectionAF:       task.Settings.DoReflectionAF,
		ScanningZone:         task.Settings.ImagingZone,
		Nx:                   task.Settings.Nx,
		Ny:                   task.Settings.Ny,
		Dx:                   task.Settings.Dx,
		Dy:                   task.Settings.Dy,
		ActionID:             fmt.Sprintf("%s-%s", task.Name, point.Format("20060102-150405")),
	}

	log.Info().Str("action_id", cfg.ActionID).Str("well_plate_type", plateType).Msg("starting scan")

	// The whole scan is a critical operation: a health failure while the
	// plate is on the stage must fail fast, not idle-refresh.
	e.rt.BeginCritical()
	defer e.rt.EndCritical()

	if err := mic.ScanStart(ctx, cfg); err != nil {
		return fmt.Errorf("scan start: %w", err)
	}

	return e.pollScan(ctx, log, mic, task.Settings.ScanTimeout())
}

// pollScan polls scan status until a terminal state. Individual poll errors
// are tolerated up to a consecutive cap; a wall-clock deadline bounds the
// whole scan.
func (e *Executor) pollScan(ctx context.Context, log zerolog.Logger, mic proxy.Microscope, wallTimeout time.Duration) error {
	deadline := e.now().Add(wallTimeout)
	failures := 0

	ticker := time.NewTicker(e.cfg.PollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if e.now().After(deadline) {
			return fmt.Errorf("scan did not finish within %s", wallTimeout)
		}

		st, err := e.pollOnce(ctx, mic)
		if err != nil {
			failures++
			log.Warn().Err(err).Int("failures", failures).Msg("scan status poll failed")
			if failures >= e.cfg.MaxPollFailures {
				return fmt.Errorf("scan status unavailable after %d polls: %w", failures, err)
			}
			continue
		}
		failures = 0

		switch st.Status {
		case proxy.ScanStateCompleted:
			log.Info().Int("progress", st.Progress).Msg("scan completed")
			return nil
		case proxy.ScanStateFailed:
			msg := st.Error
			if msg == "" {
				msg = st.Message
			}
			return fmt.Errorf("%w: %s", ErrScanFailed, msg)
		default:
			log.Debug().Str("status", st.Status).Int("progress", st.Progress).
				Str("well", st.CurrentWell).Msg("scan in progress")
		}
	}
}

func (e *Executor) pollOnce(ctx context.Context, mic proxy.Microscope) (proxy.ScanStatus, error) {
	pctx, cancel := context.WithTimeout(ctx, e.cfg.PollTimeout())
	defer cancel()
	return mic.ScanGetStatus(pctx)
}

// Load moves a plate from its incubator slot onto the microscope stage. It
// is the raw movement behind transport.ActionLoad and runs only on the
// transport worker goroutine.
func (e *Executor) Load(ctx context.Context, slot int, microscopeID string) error {
	if e.rt.SampleOn(microscopeID) {
		e.log.Info().Str("microscope", microscopeID).Int("slot", slot).
			Msg("plate already on microscope, skipping load")
		return nil
	}

	e.rt.BeginCritical()
	defer e.rt.EndCritical()

	inc, err := e.dev.Incubator(ctx)
	if err != nil {
		return err
	}
	arm, err := e.dev.Arm(ctx)
	if err != nil {
		return err
	}
	mic, err := e.dev.Microscope(ctx, microscopeID)
	if err != nil {
		return err
	}
	target := e.armTarget(microscopeID)

	log := e.log.With().Str("microscope", microscopeID).Int("slot", slot).
		Int("arm_target", target).Logger()
	log.Info().Msg("loading plate onto microscope")

	// Fetching the plate to the transfer station and homing the stage touch
	// disjoint hardware, so they run together.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := inc.GetSampleFromSlotToTransferStation(gctx, slot); err != nil {
			return fmt.Errorf("incubator fetch: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := mic.HomeStage(gctx); err != nil {
			return fmt.Errorf("home stage: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	if err := inc.UpdateSampleLocation(ctx, slot, proxy.LocationRoboticArm); err != nil {
		return fmt.Errorf("record arm pickup: %w", err)
	}
	if err := arm.IncubatorToMicroscope(ctx, target); err != nil {
		return fmt.Errorf("arm transfer to microscope: %w", err)
	}
	if err := inc.UpdateSampleLocation(ctx, slot, proxy.MicroscopeLocation(target)); err != nil {
		return fmt.Errorf("record microscope placement: %w", err)
	}
	if err := mic.ReturnStage(ctx); err != nil {
		return fmt.Errorf("return stage: %w", err)
	}

	e.rt.SetSampleOn(microscopeID, true)
	log.Info().Msg("plate loaded")
	return nil
}

// Unload returns a plate from the microscope stage to its incubator slot.
// The incubator's location record is authoritative: a plate already recorded
// in its slot makes the unload a no-op.
func (e *Executor) Unload(ctx context.Context, slot int, microscopeID string) error {
	inc, err := e.dev.Incubator(ctx)
	if err != nil {
		return err
	}

	location, err := inc.GetSampleLocation(ctx, slot)
	switch {
	case err != nil:
		// Location record unavailable: fall back to the in-process flag.
		e.log.Warn().Err(err).Int("slot", slot).
			Msg("sample location unavailable, trusting sample-on-stage flag")
		if !e.rt.SampleOn(microscopeID) {
			e.log.Info().Int("slot", slot).Msg("no plate on microscope, skipping unload")
			return nil
		}
		location = "unknown"
	case location == proxy.LocationIncubatorSlot:
		e.log.Info().Int("slot", slot).Msg("plate already in incubator slot, skipping unload")
		e.rt.SetSampleOn(microscopeID, false)
		return nil
	}

	e.rt.BeginCritical()
	defer e.rt.EndCritical()

	arm, err := e.dev.Arm(ctx)
	if err != nil {
		return err
	}
	mic, err := e.dev.Microscope(ctx, microscopeID)
	if err != nil {
		return err
	}
	target := e.armTarget(microscopeID)

	log := e.log.With().Str("microscope", microscopeID).Int("slot", slot).
		Int("arm_target", target).Str("location", location).Logger()
	log.Info().Msg("unloading plate from microscope")

	if err := mic.HomeStage(ctx); err != nil {
		return fmt.Errorf("home stage: %w", err)
	}
	if err := arm.MicroscopeToIncubator(ctx, target); err != nil {
		return fmt.Errorf("arm transfer to incubator: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := inc.PutSampleFromTransferStationToSlot(gctx, slot); err != nil {
			return fmt.Errorf("incubator stow: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := mic.ReturnStage(gctx); err != nil {
			return fmt.Errorf("return stage: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	if err := inc.UpdateSampleLocation(ctx, slot, proxy.LocationIncubatorSlot); err != nil {
		return fmt.Errorf("record slot placement: %w", err)
	}

	e.rt.SetSampleOn(microscopeID, false)
	log.Info().Msg("plate unloaded")
	return nil
}

// armTarget resolves the arm transfer position for a microscope. An explicit
// arm_target in the microscope's configuration wins; otherwise the position
// is inferred from the service id suffix.
func (e *Executor) armTarget(microscopeID string) int {
	if entry, ok := e.scopes.MicroscopeConfig(microscopeID); ok && entry.ArmTarget > 0 {
		return entry.ArmTarget
	}
	switch {
	case strings.Contains(microscopeID, "squid+1"), strings.Contains(microscopeID, "squid-plus-1"):
		return 3
	case strings.HasSuffix(microscopeID, "2"):
		return 2
	case strings.HasSuffix(microscopeID, "1"):
		return 1
	default:
		e.log.Warn().Str("microscope", microscopeID).
			Msg("cannot infer arm target from microscope id, using position 1")
		return 1
	}
}
