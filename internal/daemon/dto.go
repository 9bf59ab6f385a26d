package daemon

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/reeflab/plateflow/internal/model"
	"github.com/reeflab/plateflow/internal/proxy"
)

var validate = validator.New()

// AddTaskRequest creates or replaces an imaging task. Settings carries the
// full settings document; unknown keys are stored as-is.
type AddTaskRequest struct {
	Name     string                     `json:"name" validate:"required"`
	Settings map[string]json.RawMessage `json:"settings" validate:"required"`
}

// requiredTaskSettings mirrors what the reconciler demands of a file entry,
// so a task accepted here never gets skipped on the next reconcile.
var requiredTaskSettings = []string{
	"incubator_slot", "imaging_zone", "Nx", "Ny",
	"illumination_settings", "do_contrast_autofocus", "do_reflection_af",
}

// Validate enforces structural tags, required settings keys, and naive
// local time points.
func (r *AddTaskRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return err
	}
	for _, key := range requiredTaskSettings {
		if _, ok := r.Settings[key]; !ok {
			return fmt.Errorf("settings missing required key %q", key)
		}
	}
	for _, key := range []string{"pending_time_points", "imaged_time_points"} {
		raw, ok := r.Settings[key]
		if !ok {
			continue
		}
		var values []string
		if err := json.Unmarshal(raw, &values); err != nil {
			return fmt.Errorf("%s must be a list of strings: %w", key, err)
		}
		if _, err := model.ParseTimePoints(values); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	return nil
}

// TransportRequest is a manual load or unload movement.
type TransportRequest struct {
	Slot         int    `json:"slot" validate:"required,min=1"`
	MicroscopeID string `json:"microscope_id" validate:"required"`
}

func (r *TransportRequest) Validate() error {
	return validate.Struct(r)
}

// OfflineTimelapseRequest triggers offline timelapse post-processing on a
// microscope service. The microscope id is optional; the handler falls back
// to the first configured microscope. The two flags default to true when
// omitted.
type OfflineTimelapseRequest struct {
	MicroscopeID      string `json:"microscope_id"`
	ExperimentID      string `json:"experiment_id" validate:"required"`
	UploadImmediately *bool  `json:"upload_immediately"`
	CleanupTempFiles  *bool  `json:"cleanup_temp_files"`
}

func (r *OfflineTimelapseRequest) Validate() error {
	return validate.Struct(r)
}

func boolOrTrue(v *bool) bool {
	if v == nil {
		return true
	}
	return *v
}

func proxyOfflineRequest(r OfflineTimelapseRequest) proxy.OfflineRequest {
	return proxy.OfflineRequest{
		ExperimentID:      r.ExperimentID,
		UploadImmediately: boolOrTrue(r.UploadImmediately),
		CleanupTempFiles:  boolOrTrue(r.CleanupTempFiles),
	}
}

// TaskResponse is the API view of one task.
type TaskResponse struct {
	Name                string   `json:"name"`
	Status              string   `json:"status"`
	IncubatorSlot       int      `json:"incubator_slot"`
	AllocatedMicroscope string   `json:"allocated_microscope"`
	PendingTimePoints   []string `json:"pending_time_points"`
	ImagedTimePoints    []string `json:"imaged_time_points"`
}

func taskResponse(s model.Snapshot) TaskResponse {
	return TaskResponse{
		Name:                s.Name,
		Status:              string(s.Status),
		IncubatorSlot:       s.Settings.IncubatorSlot,
		AllocatedMicroscope: s.Settings.AllocatedMicroscope,
		PendingTimePoints:   model.FormatTimePoints(s.Pending),
		ImagedTimePoints:    model.FormatTimePoints(s.Imaged),
	}
}

// StatusResponse is the orchestrator status for GET /api/v1/status.
type StatusResponse struct {
	ActiveTask           string          `json:"active_task,omitempty"`
	CriticalOperation    bool            `json:"critical_operation"`
	SampleOnMicroscope   map[string]bool `json:"sample_on_microscope"`
	ConnectedMicroscopes []string        `json:"connected_microscopes"`
	TransportState       string          `json:"transport_state"`
	TransportQueueDepth  int             `json:"transport_queue_depth"`
	TransportBusy        bool            `json:"transport_busy"`
}
