// Package health runs per-service liveness loops over the device proxies.
// An unhealthy service is refreshed when the orchestrator is idle; when a
// sample is mid-transfer or on a microscope stage the process terminates
// instead, because a blind reconnect could move the arm against a stale
// world model.
package health

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/reeflab/plateflow/internal/model"
	"github.com/reeflab/plateflow/internal/proxy"
	"github.com/reeflab/plateflow/internal/state"
)

// Endpoint is the slice of the proxy manager the monitor needs.
type Endpoint interface {
	Ping(ctx context.Context, kind proxy.Kind, id string) error
	Refresh(ctx context.Context, kind proxy.Kind, id string) error
}

// Monitor watches one set of device services and escalates failures.
type Monitor struct {
	ep  Endpoint
	rt  *state.Runtime
	cfg model.HealthConfig
	log zerolog.Logger

	// exit is a seam for tests; production wires os.Exit.
	exit func(code int)

	// retryBase is the first escalating retry delay; each further retry
	// waits one more multiple of it.
	retryBase time.Duration
}

func NewMonitor(ep Endpoint, rt *state.Runtime, cfg model.HealthConfig, log zerolog.Logger) *Monitor {
	return &Monitor{
		ep:        ep,
		rt:        rt,
		cfg:       cfg,
		log:       log,
		exit:      os.Exit,
		retryBase: 10 * time.Second,
	}
}

// SetExit replaces the process-termination hook.
func (m *Monitor) SetExit(f func(code int)) { m.exit = f }

// SetRetryBase shortens the escalation delays for tests.
func (m *Monitor) SetRetryBase(d time.Duration) { m.retryBase = d }

// Watch runs the liveness loop for one service until ctx is cancelled.
func (m *Monitor) Watch(ctx context.Context, kind proxy.Kind, id string) {
	log := m.log.With().Str("service", id).Str("kind", string(kind)).Logger()
	log.Info().Dur("interval", m.cfg.Interval()).Msg("health monitor started")

	failures := 0
	next := m.cfg.Interval()
	for {
		if !wait(ctx, next) {
			log.Debug().Msg("health monitor stopped")
			return
		}
		next = m.cfg.Interval()

		if err := m.ping(ctx, kind, id); err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			log.Warn().Err(err).Int("failures", failures).Msg("health check failed")
			next = m.handleFailure(ctx, log, kind, id, &failures)
			continue
		}

		if failures > 0 {
			log.Info().Msg("service recovered")
		}
		failures = 0
	}
}

func (m *Monitor) ping(ctx context.Context, kind proxy.Kind, id string) error {
	pctx, cancel := context.WithTimeout(ctx, m.cfg.PingTimeout())
	defer cancel()
	return m.ep.Ping(pctx, kind, id)
}

// handleFailure decides between the critical and idle escalation paths and
// returns the delay before the next check.
func (m *Monitor) handleFailure(ctx context.Context, log zerolog.Logger, kind proxy.Kind, id string, failures *int) time.Duration {
	if m.critical(kind, id) {
		if *failures >= m.cfg.MaxFailures {
			m.escalateCritical(ctx, log, kind, id)
			// escalateCritical only returns if a retry ping succeeded.
			*failures = 0
		}
		return m.cfg.Interval()
	}

	// Idle: a reconnect is safe. Refresh the proxy and recheck soon.
	if err := m.ep.Refresh(ctx, kind, id); err != nil {
		log.Error().Err(err).Msg("proxy refresh failed")
		if *failures >= m.cfg.MaxFailures {
			log.Error().Int("failures", *failures).Msg("service unrecoverable while idle, terminating")
			m.exit(1)
			return m.cfg.Interval()
		}
		return m.cfg.RefreshRetryWait()
	}

	log.Info().Msg("proxy refreshed after failed health check")
	*failures = 0
	return m.cfg.IdleRecheck()
}

// critical reports whether the service failure can strand a sample: any
// failure during a transfer, or a microscope failure while a sample sits on
// its stage.
func (m *Monitor) critical(kind proxy.Kind, id string) bool {
	if m.rt.InCritical() {
		return true
	}
	return kind == proxy.KindMicroscope && m.rt.SampleOn(id)
}

// escalateCritical retries the ping with growing delays and terminates the
// process when the service stays down. It must not reconnect: the device may
// hold a sample and a fresh session would lose its state.
func (m *Monitor) escalateCritical(ctx context.Context, log zerolog.Logger, kind proxy.Kind, id string) {
	for attempt := 1; attempt <= m.cfg.MaxFailures; attempt++ {
		delay := time.Duration(attempt) * m.retryBase
		log.Error().Int("attempt", attempt).Dur("delay", delay).
			Msg("critical service unhealthy, retrying before termination")
		if !wait(ctx, delay) {
			return
		}
		if err := m.ping(ctx, kind, id); err == nil {
			log.Info().Msg("critical service recovered during escalation")
			return
		} else if ctx.Err() != nil {
			return
		}
	}
	log.Error().Msg("critical service unrecoverable, terminating to avoid unsafe motion")
	m.exit(1)
}

// wait sleeps for d, returning false if ctx was cancelled first.
func wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
