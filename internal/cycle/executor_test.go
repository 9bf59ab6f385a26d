package cycle

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reeflab/plateflow/internal/model"
	"github.com/reeflab/plateflow/internal/proxy"
	"github.com/reeflab/plateflow/internal/state"
	"github.com/reeflab/plateflow/internal/transport"
)

// fakeRig implements Devices and records every hardware call in order.
type fakeRig struct {
	mu    sync.Mutex
	calls []string

	location      string
	locationErr   error
	scanStatuses  []proxy.ScanStatus
	scanErrs      []error
	pingErr       error
	scanStartErr  error
	armToScopeErr error
	onPoll        func()
}

func newFakeRig() *fakeRig {
	return &fakeRig{location: proxy.MicroscopeLocation(1)}
}

func (r *fakeRig) record(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *fakeRig) recorded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *fakeRig) Incubator(ctx context.Context) (proxy.Incubator, error) {
	return (*fakeIncubator)(r), nil
}
func (r *fakeRig) Arm(ctx context.Context) (proxy.RoboticArm, error) { return (*fakeArm)(r), nil }
func (r *fakeRig) Microscope(ctx context.Context, id string) (proxy.Microscope, error) {
	return (*fakeMicroscope)(r), nil
}
func (r *fakeRig) Refresh(ctx context.Context, kind proxy.Kind, id string) error {
	r.record("refresh:" + string(kind))
	return nil
}

type fakeIncubator fakeRig

func (f *fakeIncubator) Ping(ctx context.Context) error { return (*fakeRig)(f).pingErr }
func (f *fakeIncubator) GetSampleFromSlotToTransferStation(ctx context.Context, slot int) error {
	(*fakeRig)(f).record("incubator.fetch")
	return nil
}
func (f *fakeIncubator) PutSampleFromTransferStationToSlot(ctx context.Context, slot int) error {
	(*fakeRig)(f).record("incubator.stow")
	return nil
}
func (f *fakeIncubator) UpdateSampleLocation(ctx context.Context, slot int, location string) error {
	r := (*fakeRig)(f)
	r.record("incubator.location=" + location)
	r.mu.Lock()
	r.location = location
	r.mu.Unlock()
	return nil
}
func (f *fakeIncubator) GetSampleLocation(ctx context.Context, slot int) (string, error) {
	r := (*fakeRig)(f)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.locationErr != nil {
		return "", r.locationErr
	}
	return r.location, nil
}
func (f *fakeIncubator) GetWellPlateType(ctx context.Context, slot int) (string, error) {
	return "96-well", nil
}

type fakeArm fakeRig

func (f *fakeArm) Ping(ctx context.Context) error { return (*fakeRig)(f).pingErr }
func (f *fakeArm) IncubatorToMicroscope(ctx context.Context, target int) error {
	(*fakeRig)(f).record("arm.to_microscope")
	return (*fakeRig)(f).armToScopeErr
}
func (f *fakeArm) MicroscopeToIncubator(ctx context.Context, target int) error {
	(*fakeRig)(f).record("arm.to_incubator")
	return nil
}

type fakeMicroscope fakeRig

func (f *fakeMicroscope) Ping(ctx context.Context) error { return (*fakeRig)(f).pingErr }
func (f *fakeMicroscope) HomeStage(ctx context.Context) error {
	(*fakeRig)(f).record("microscope.home")
	return nil
}
func (f *fakeMicroscope) ReturnStage(ctx context.Context) error {
	(*fakeRig)(f).record("microscope.return")
	return nil
}
func (f *fakeMicroscope) ScanStart(ctx context.Context, cfg proxy.ScanConfig) error {
	(*fakeRig)(f).record("microscope.scan_start")
	return (*fakeRig)(f).scanStartErr
}
func (f *fakeMicroscope) ScanGetStatus(ctx context.Context) (proxy.ScanStatus, error) {
	r := (*fakeRig)(f)
	if r.onPoll != nil {
		r.onPoll()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.scanErrs) > 0 {
		err := r.scanErrs[0]
		r.scanErrs = r.scanErrs[1:]
		if err != nil {
			return proxy.ScanStatus{}, err
		}
	}
	if len(r.scanStatuses) == 0 {
		return proxy.ScanStatus{Status: proxy.ScanStateCompleted, Progress: 100}, nil
	}
	st := r.scanStatuses[0]
	if len(r.scanStatuses) > 1 {
		r.scanStatuses = r.scanStatuses[1:]
	}
	return st, nil
}
func (f *fakeMicroscope) ProcessTimelapseOffline(ctx context.Context, req proxy.OfflineRequest) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

// queueMover runs movements inline through the executor, like the transport
// worker does, recording the order.
type queueMover struct {
	exec    *Executor
	mu      sync.Mutex
	actions []transport.Action
}

func (m *queueMover) Do(ctx context.Context, action transport.Action, slot int, microscopeID string) error {
	m.mu.Lock()
	m.actions = append(m.actions, action)
	m.mu.Unlock()
	switch action {
	case transport.ActionLoad:
		return m.exec.Load(ctx, slot, microscopeID)
	default:
		return m.exec.Unload(ctx, slot, microscopeID)
	}
}

type staticScopes map[string]model.MicroscopeEntry

func (s staticScopes) MicroscopeConfig(id string) (model.MicroscopeEntry, bool) {
	e, ok := s[id]
	return e, ok
}

func fastCycleConfig() model.CycleConfig {
	return model.CycleConfig{
		PollIntervalSec:       1,
		PollTimeoutSec:        1,
		MaxPollFailures:       3,
		DefaultScanTimeoutMin: 40,
	}
}

func newTestExecutor(rig *fakeRig) (*Executor, *queueMover, *state.Runtime) {
	rt := state.NewRuntime()
	e := NewExecutor(rig, staticScopes{}, rt, fastCycleConfig(), zerolog.Nop())
	m := &queueMover{exec: e}
	e.SetMover(m)
	return e, m, rt
}

func testTask(micID string) model.Snapshot {
	return model.Snapshot{
		Name: "plate-a",
		Settings: model.ImagingSettings{
			IncubatorSlot:       5,
			AllocatedMicroscope: micID,
			ImagingZone:         json.RawMessage(`[[0,0],[2,2]]`),
			Nx:                  3,
			Ny:                  3,
			Dx:                  0.8,
			Dy:                  0.8,
			ScanTimeoutMinutes:  40,
		},
	}
}

func TestLoadSequence(t *testing.T) {
	rig := newFakeRig()
	e, _, rt := newTestExecutor(rig)

	err := e.Load(context.Background(), 5, "microscope-control-squid-1")
	require.NoError(t, err)
	assert.True(t, rt.SampleOn("microscope-control-squid-1"))
	assert.False(t, rt.InCritical())

	calls := rig.recorded()
	// Fetch and home run concurrently; everything after is strictly ordered.
	require.Len(t, calls, 6)
	assert.ElementsMatch(t, []string{"incubator.fetch", "microscope.home"}, calls[:2])
	assert.Equal(t, []string{
		"incubator.location=robotic_arm",
		"arm.to_microscope",
		"incubator.location=microscope1",
		"microscope.return",
	}, calls[2:])
}

func TestLoadSkipsWhenSampleAlreadyOn(t *testing.T) {
	rig := newFakeRig()
	e, _, rt := newTestExecutor(rig)
	rt.SetSampleOn("microscope-control-squid-1", true)

	require.NoError(t, e.Load(context.Background(), 5, "microscope-control-squid-1"))
	assert.Empty(t, rig.recorded())
}

func TestUnloadSequence(t *testing.T) {
	rig := newFakeRig()
	rig.location = proxy.MicroscopeLocation(1)
	e, _, rt := newTestExecutor(rig)
	rt.SetSampleOn("microscope-control-squid-1", true)

	err := e.Unload(context.Background(), 5, "microscope-control-squid-1")
	require.NoError(t, err)
	assert.False(t, rt.SampleOn("microscope-control-squid-1"))

	calls := rig.recorded()
	require.Len(t, calls, 5)
	assert.Equal(t, []string{"microscope.home", "arm.to_incubator"}, calls[:2])
	assert.ElementsMatch(t, []string{"incubator.stow", "microscope.return"}, calls[2:4])
	assert.Equal(t, "incubator.location=incubator_slot", calls[4])
}

func TestUnloadNoOpWhenAlreadyInSlot(t *testing.T) {
	rig := newFakeRig()
	rig.location = proxy.LocationIncubatorSlot
	e, _, rt := newTestExecutor(rig)
	rt.SetSampleOn("microscope-control-squid-1", true)

	require.NoError(t, e.Unload(context.Background(), 5, "microscope-control-squid-1"))
	assert.Empty(t, rig.recorded())
	assert.False(t, rt.SampleOn("microscope-control-squid-1"))
}

func TestUnloadProceedsOnLocationErrorWithSampleFlag(t *testing.T) {
	rig := newFakeRig()
	rig.locationErr = errors.New("incubator record unavailable")
	e, _, rt := newTestExecutor(rig)
	rt.SetSampleOn("microscope-control-squid-1", true)

	require.NoError(t, e.Unload(context.Background(), 5, "microscope-control-squid-1"))
	assert.False(t, rt.SampleOn("microscope-control-squid-1"))
	assert.Contains(t, rig.recorded(), "arm.to_incubator")
}

func TestUnloadSkipsOnLocationErrorWithoutSampleFlag(t *testing.T) {
	rig := newFakeRig()
	rig.locationErr = errors.New("incubator record unavailable")
	e, _, _ := newTestExecutor(rig)

	require.NoError(t, e.Unload(context.Background(), 5, "microscope-control-squid-1"))
	assert.Empty(t, rig.recorded())
}

func TestArmTarget(t *testing.T) {
	rig := newFakeRig()
	rt := state.NewRuntime()
	scopes := staticScopes{
		"custom-scope": {ID: "custom-scope", ArmTarget: 3},
	}
	e := NewExecutor(rig, scopes, rt, fastCycleConfig(), zerolog.Nop())

	cases := []struct {
		id   string
		want int
	}{
		{"custom-scope", 3},
		{"microscope-control-squid+1", 3},
		{"microscope-control-squid-plus-1", 3},
		{"microscope-control-squid-2", 2},
		{"microscope-control-squid-1", 1},
		{"microscope-control-hcs", 1},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, e.armTarget(tc.id), "microscope %q", tc.id)
	}
}

func TestRunCycleHappyPath(t *testing.T) {
	rig := newFakeRig()
	e, mover, rt := newTestExecutor(rig)

	point := time.Date(2026, 3, 14, 9, 0, 0, 0, time.Local)
	err := e.RunCycle(context.Background(), testTask("microscope-control-squid-1"), point)
	require.NoError(t, err)

	assert.Equal(t, []transport.Action{transport.ActionLoad, transport.ActionUnload}, mover.actions)
	assert.Contains(t, rig.recorded(), "microscope.scan_start")
	assert.False(t, rt.SampleOn("microscope-control-squid-1"))
	assert.False(t, rt.InCritical())
}

func TestRunCycleUnloadsAfterFailedScan(t *testing.T) {
	rig := newFakeRig()
	rig.scanStatuses = []proxy.ScanStatus{{Status: proxy.ScanStateFailed, Error: "stage fault"}}
	e, mover, _ := newTestExecutor(rig)

	point := time.Date(2026, 3, 14, 9, 0, 0, 0, time.Local)
	err := e.RunCycle(context.Background(), testTask("microscope-control-squid-1"), point)
	require.ErrorIs(t, err, ErrScanFailed)
	assert.Contains(t, err.Error(), "stage fault")

	// The plate still comes home.
	assert.Equal(t, []transport.Action{transport.ActionLoad, transport.ActionUnload}, mover.actions)
	assert.Contains(t, rig.recorded(), "arm.to_incubator")
}

func TestRunCycleCriticalDuringScan(t *testing.T) {
	rig := newFakeRig()
	rig.scanStatuses = []proxy.ScanStatus{
		{Status: proxy.ScanStateRunning, Progress: 10},
		{Status: proxy.ScanStateCompleted, Progress: 100},
	}
	e, _, rt := newTestExecutor(rig)

	var sawCritical atomic.Bool
	rig.onPoll = func() {
		if rt.InCritical() {
			sawCritical.Store(true)
		}
	}

	point := time.Date(2026, 3, 14, 9, 0, 0, 0, time.Local)
	require.NoError(t, e.RunCycle(context.Background(), testTask("microscope-control-squid-1"), point))

	assert.True(t, sawCritical.Load(), "critical-operation flag must hold while the scan runs")
	assert.False(t, rt.InCritical())
}

func TestRunCycleUnloadsAfterFailedLoad(t *testing.T) {
	rig := newFakeRig()
	rig.armToScopeErr = errors.New("arm jammed")
	e, mover, _ := newTestExecutor(rig)

	point := time.Date(2026, 3, 14, 9, 0, 0, 0, time.Local)
	err := e.RunCycle(context.Background(), testTask("microscope-control-squid-1"), point)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load plate")

	// The plate may be half-transferred, so the cleanup unload still runs.
	assert.Equal(t, []transport.Action{transport.ActionLoad, transport.ActionUnload}, mover.actions)
	assert.Contains(t, rig.recorded(), "arm.to_incubator")
}

func TestRunCyclePollFailureCap(t *testing.T) {
	rig := newFakeRig()
	pollErr := errors.New("status endpoint down")
	rig.scanErrs = []error{pollErr, pollErr, pollErr, pollErr}
	e, mover, _ := newTestExecutor(rig)

	point := time.Date(2026, 3, 14, 9, 0, 0, 0, time.Local)
	err := e.RunCycle(context.Background(), testTask("microscope-control-squid-1"), point)
	require.Error(t, err)
	assert.ErrorIs(t, err, pollErr)
	assert.Equal(t, []transport.Action{transport.ActionLoad, transport.ActionUnload}, mover.actions)
}

func TestRunCycleWallTimeout(t *testing.T) {
	rig := newFakeRig()
	rig.scanStatuses = []proxy.ScanStatus{{Status: proxy.ScanStateRunning, Progress: 10}}
	e, _, _ := newTestExecutor(rig)

	// First call anchors the deadline, later calls have blown past it.
	base := time.Now()
	calls := 0
	e.now = func() time.Time {
		calls++
		if calls == 1 {
			return base
		}
		return base.Add(2 * time.Hour)
	}

	point := time.Date(2026, 3, 14, 9, 0, 0, 0, time.Local)
	err := e.RunCycle(context.Background(), testTask("microscope-control-squid-1"), point)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did not finish")
}

func TestVerifyServicesRefreshesOnce(t *testing.T) {
	rig := newFakeRig()
	rig.pingErr = errors.New("stale session")
	rt := state.NewRuntime()
	e := NewExecutor(rig, staticScopes{}, rt, fastCycleConfig(), zerolog.Nop())

	// Refresh does not repair the fake, so the check must fail after one
	// refresh attempt per service.
	err := e.verifyServices(context.Background(), "microscope-control-squid-1")
	require.Error(t, err)
	assert.Equal(t, []string{"refresh:incubator"}, rig.recorded())
}
