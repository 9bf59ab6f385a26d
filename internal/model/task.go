// Package model defines the data structures for plateflow's configuration,
// task state, and the samples file format.
package model

import (
	"encoding/json"
	"time"
)

// ImagingSettings are the scheduling-relevant fields parsed out of a task's
// raw settings document.
type ImagingSettings struct {
	IncubatorSlot        int             `json:"incubator_slot"`
	AllocatedMicroscope  string          `json:"allocated_microscope"`
	ImagingZone          json.RawMessage `json:"imaging_zone"`
	Nx                   int             `json:"Nx"`
	Ny                   int             `json:"Ny"`
	Dx                   float64         `json:"dx"`
	Dy                   float64         `json:"dy"`
	ScanTimeoutMinutes   int             `json:"scan_timeout_minutes"`
	IlluminationSettings json.RawMessage `json:"illumination_settings"`
	DoContrastAutofocus  bool            `json:"do_contrast_autofocus"`
	DoReflectionAF       bool            `json:"do_reflection_af"`
}

// Defaults applied when a settings document omits optional fields.
const (
	DefaultMicroscopeID       = "microscope-control-squid-1"
	DefaultGridSpacing        = 0.8
	DefaultScanTimeoutMinutes = 40
)

// ApplyDefaults fills unset optional fields.
func (s *ImagingSettings) ApplyDefaults() {
	if s.AllocatedMicroscope == "" {
		s.AllocatedMicroscope = DefaultMicroscopeID
	}
	if s.Dx == 0 {
		s.Dx = DefaultGridSpacing
	}
	if s.Dy == 0 {
		s.Dy = DefaultGridSpacing
	}
	if s.ScanTimeoutMinutes <= 0 {
		s.ScanTimeoutMinutes = DefaultScanTimeoutMinutes
	}
}

// ScanTimeout returns the per-task wall-clock scan timeout.
func (s ImagingSettings) ScanTimeout() time.Duration {
	minutes := s.ScanTimeoutMinutes
	if minutes <= 0 {
		minutes = DefaultScanTimeoutMinutes
	}
	return time.Duration(minutes) * time.Minute
}

// Task is the in-memory state of one imaging task. Pending and Imaged are
// kept sorted and disjoint; a time point moves between them only through
// a single atomic transfer in the store.
type Task struct {
	Name     string
	Settings ImagingSettings
	Pending  []time.Time
	Imaged   []time.Time
	Status   Status

	// RawSettings preserves the settings document as last written by the
	// operator, so unknown keys survive a rewrite.
	RawSettings map[string]json.RawMessage
}

// EarliestPending returns the task's next scheduled time point.
func (t *Task) EarliestPending() (time.Time, bool) {
	if len(t.Pending) == 0 {
		return time.Time{}, false
	}
	return t.Pending[0], true
}

// Snapshot is a read-only copy of a task handed to the scheduler and the
// cycle executor. Mutations go through the store.
type Snapshot struct {
	Name     string
	Settings ImagingSettings
	Pending  []time.Time
	Imaged   []time.Time
	Status   Status
}

// Snapshot copies the task for use outside the store's lock.
func (t *Task) Snapshot() Snapshot {
	return Snapshot{
		Name:     t.Name,
		Settings: t.Settings,
		Pending:  append([]time.Time(nil), t.Pending...),
		Imaged:   append([]time.Time(nil), t.Imaged...),
		Status:   t.Status,
	}
}

// EarliestPending returns the snapshot's next scheduled time point.
func (s Snapshot) EarliestPending() (time.Time, bool) {
	if len(s.Pending) == 0 {
		return time.Time{}, false
	}
	return s.Pending[0], true
}

// MicroscopeEntry is one microscope registration from the samples file.
// ArmTarget, when set, overrides the suffix-based arm target inference.
type MicroscopeEntry struct {
	ID        string          `json:"id"`
	ArmTarget int             `json:"arm_target,omitempty"`
	Extra     json.RawMessage `json:"-"`
}
