package proxy

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/reeflab/plateflow/internal/model"
	"github.com/reeflab/plateflow/internal/state"
)

// Manager owns the device gateway client and every live service handle.
// Handles are established lazily and refreshed one at a time on failure;
// the underlying client is never torn down while the process runs.
type Manager struct {
	client *Client
	cfg    model.DevicesConfig
	rt     *state.Runtime
	log    zerolog.Logger

	sf singleflight.Group

	mu          sync.RWMutex
	incubator   Incubator
	arm         RoboticArm
	microscopes map[string]Microscope
}

func NewManager(cfg model.DevicesConfig, rt *state.Runtime, log zerolog.Logger) *Manager {
	return &Manager{
		client: NewClient(ClientConfig{
			BaseURL: cfg.BaseURL,
			Token:   cfg.Token,
			Timeout: cfg.RequestTimeout(),
		}),
		cfg:         cfg,
		rt:          rt,
		log:         log,
		microscopes: make(map[string]Microscope),
	}
}

// Incubator returns the incubator handle, establishing it if missing.
func (m *Manager) Incubator(ctx context.Context) (Incubator, error) {
	m.mu.RLock()
	inc := m.incubator
	m.mu.RUnlock()
	if inc != nil {
		return inc, nil
	}
	if err := m.establish(ctx, KindIncubator, m.cfg.IncubatorID); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.incubator == nil {
		return nil, ErrNotConnected
	}
	return m.incubator, nil
}

// Arm returns the robotic-arm handle, establishing it if missing.
func (m *Manager) Arm(ctx context.Context) (RoboticArm, error) {
	m.mu.RLock()
	arm := m.arm
	m.mu.RUnlock()
	if arm != nil {
		return arm, nil
	}
	if err := m.establish(ctx, KindRoboticArm, m.cfg.RoboticArmID); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.arm == nil {
		return nil, ErrNotConnected
	}
	return m.arm, nil
}

// Microscope returns the handle for one microscope id, establishing it if
// missing.
func (m *Manager) Microscope(ctx context.Context, id string) (Microscope, error) {
	m.mu.RLock()
	mic := m.microscopes[id]
	m.mu.RUnlock()
	if mic != nil {
		return mic, nil
	}
	if err := m.establish(ctx, KindMicroscope, id); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	mic = m.microscopes[id]
	if mic == nil {
		return nil, ErrNotConnected
	}
	return mic, nil
}

// Ensure establishes the incubator, arm, and the named microscope handles
// if any of them are missing.
func (m *Manager) Ensure(ctx context.Context, microscopeIDs ...string) error {
	if _, err := m.Incubator(ctx); err != nil {
		return fmt.Errorf("ensure incubator: %w", err)
	}
	if _, err := m.Arm(ctx); err != nil {
		return fmt.Errorf("ensure robotic arm: %w", err)
	}
	for _, id := range microscopeIDs {
		if _, err := m.Microscope(ctx, id); err != nil {
			return fmt.Errorf("ensure microscope %s: %w", id, err)
		}
	}
	return nil
}

// Refresh drops one handle and re-establishes it. The shared client stays up.
func (m *Manager) Refresh(ctx context.Context, kind Kind, id string) error {
	m.mu.Lock()
	switch kind {
	case KindIncubator:
		m.incubator = nil
		id = m.cfg.IncubatorID
	case KindRoboticArm:
		m.arm = nil
		id = m.cfg.RoboticArmID
	case KindMicroscope:
		delete(m.microscopes, id)
	}
	m.mu.Unlock()

	m.log.Info().Str("kind", string(kind)).Str("service", id).Msg("refreshing service proxy")
	return m.establish(ctx, kind, id)
}

// DropMicroscope forgets a microscope handle removed from configuration and
// resets its runtime sample flag.
func (m *Manager) DropMicroscope(id string) {
	m.mu.Lock()
	_, had := m.microscopes[id]
	delete(m.microscopes, id)
	m.mu.Unlock()

	m.rt.DropMicroscope(id)
	if had {
		m.log.Info().Str("service", id).Msg("microscope proxy dropped")
	}
}

// ConnectedMicroscopes lists microscope ids with a live handle.
func (m *Manager) ConnectedMicroscopes() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.microscopes))
	for id := range m.microscopes {
		ids = append(ids, id)
	}
	return ids
}

// establish acquires a session for one service and installs the typed
// handle. Concurrent callers for the same service collapse into one flight.
func (m *Manager) establish(ctx context.Context, kind Kind, id string) error {
	key := string(kind) + ":" + id
	_, err, _ := m.sf.Do(key, func() (any, error) {
		session, err := m.client.AcquireSession(ctx, id)
		if err != nil {
			return nil, err
		}
		h := handle{client: m.client, serviceID: id, sessionID: session}

		m.mu.Lock()
		switch kind {
		case KindIncubator:
			m.incubator = &incubatorProxy{handle: h}
		case KindRoboticArm:
			m.arm = &armProxy{handle: h}
		case KindMicroscope:
			m.microscopes[id] = &microscopeProxy{handle: h}
		}
		m.mu.Unlock()

		if kind == KindMicroscope {
			// A fresh handle means we no longer trust the runtime flag.
			m.rt.SetSampleOn(id, false)
		}
		m.log.Info().Str("kind", string(kind)).Str("service", id).Msg("service proxy established")
		return nil, nil
	})
	return err
}

// Ping checks liveness of the current handle for one service. Used by the
// health monitors so they always hit the handle in use, not a stale copy.
func (m *Manager) Ping(ctx context.Context, kind Kind, id string) error {
	m.mu.RLock()
	var dev Device
	switch kind {
	case KindIncubator:
		dev = m.incubator
	case KindRoboticArm:
		dev = m.arm
	case KindMicroscope:
		dev = m.microscopes[id]
	}
	m.mu.RUnlock()

	if dev == nil {
		return ErrNotConnected
	}
	return dev.Ping(ctx)
}
