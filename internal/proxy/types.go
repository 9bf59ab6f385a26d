// Package proxy manages the long-lived connection to the device gateway and
// the per-device service handles obtained over it. Only the Manager replaces
// handles; every other component treats them as read-only references.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Kind identifies a device service type.
type Kind string

const (
	KindIncubator  Kind = "incubator"
	KindRoboticArm Kind = "robotic_arm"
	KindMicroscope Kind = "microscope"
)

// ErrNotConnected is returned when a handle is requested before the manager
// could establish it.
var ErrNotConnected = errors.New("service proxy not connected")

// Device is the capability every service handle provides.
type Device interface {
	// Ping checks service liveness; it fails unless the service answers pong.
	Ping(ctx context.Context) error
}

// Incubator is the handle to the cold-incubator control service.
type Incubator interface {
	Device
	GetSampleFromSlotToTransferStation(ctx context.Context, slot int) error
	PutSampleFromTransferStationToSlot(ctx context.Context, slot int) error
	UpdateSampleLocation(ctx context.Context, slot int, location string) error
	GetSampleLocation(ctx context.Context, slot int) (string, error)
	GetWellPlateType(ctx context.Context, slot int) (string, error)
}

// RoboticArm is the handle to the plate-transfer arm service.
type RoboticArm interface {
	Device
	IncubatorToMicroscope(ctx context.Context, target int) error
	MicroscopeToIncubator(ctx context.Context, target int) error
}

// Microscope is the handle to one microscope control service.
type Microscope interface {
	Device
	HomeStage(ctx context.Context) error
	ReturnStage(ctx context.Context) error
	ScanStart(ctx context.Context, cfg ScanConfig) error
	ScanGetStatus(ctx context.Context) (ScanStatus, error)
	ProcessTimelapseOffline(ctx context.Context, req OfflineRequest) (json.RawMessage, error)
}

// ScanConfig is the full imaging configuration for one scan_start call.
type ScanConfig struct {
	SavedDataType        string          `json:"saved_data_type"`
	WellPlateType        string          `json:"well_plate_type"`
	IlluminationSettings json.RawMessage `json:"illumination_settings"`
	DoContrastAutofocus  bool            `json:"do_contrast_autofocus"`
	DoReflectionAF       bool            `json:"do_reflection_af"`
	ScanningZone         json.RawMessage `json:"scanning_zone"`
	Nx                   int             `json:"Nx"`
	Ny                   int             `json:"Ny"`
	Dx                   float64         `json:"dx"`
	Dy                   float64         `json:"dy"`
	ActionID             string          `json:"action_ID"`
}

// ScanStatus is one scan_get_status response.
type ScanStatus struct {
	Status      string `json:"status"`
	Progress    int    `json:"progress"`
	CurrentWell string `json:"current_well"`
	Message     string `json:"message"`
	Error       string `json:"error,omitempty"`
}

// Scan terminal states.
const (
	ScanStateCompleted = "completed"
	ScanStateFailed    = "failed"
	ScanStateRunning   = "running"
)

// OfflineRequest parametrizes offline timelapse post-processing.
type OfflineRequest struct {
	ExperimentID      string `json:"experiment_id"`
	UploadImmediately bool   `json:"upload_immediately"`
	CleanupTempFiles  bool   `json:"cleanup_temp_files"`
}

// Sample location values kept by the incubator's authoritative record.
const (
	LocationIncubatorSlot = "incubator_slot"
	LocationRoboticArm    = "robotic_arm"
)

// MicroscopeLocation renders the incubator-side location string for a plate
// sitting on the arm target's microscope position.
func MicroscopeLocation(armTarget int) string {
	return fmt.Sprintf("microscope%d", armTarget)
}
