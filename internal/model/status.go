package model

import "fmt"

// Status is the operational status of an imaging task.
type Status string

const (
	StatusPending           Status = "pending"
	StatusActive            Status = "active"
	StatusWaitingForNextRun Status = "waiting_for_next_run"
	StatusCompleted         Status = "completed"
	StatusError             Status = "error"
	StatusUploading         Status = "uploading"
)

// unschedulableStatuses are skipped by the scheduler on every tick.
var unschedulableStatuses = map[Status]bool{
	StatusCompleted: true,
	StatusError:     true,
	StatusUploading: true,
}

// pinnedStatuses win over the status derived from the pending set.
var pinnedStatuses = map[Status]bool{
	StatusUploading: true,
}

var validStatuses = map[Status]bool{
	StatusPending:           true,
	StatusActive:            true,
	StatusWaitingForNextRun: true,
	StatusCompleted:         true,
	StatusError:             true,
	StatusUploading:         true,
}

// IsSchedulable reports whether a task in this status may be selected for a cycle.
func IsSchedulable(s Status) bool {
	return !unschedulableStatuses[s]
}

// IsPinned reports whether this status suppresses automatic derivation.
func IsPinned(s Status) bool {
	return pinnedStatuses[s]
}

func ValidateStatus(s Status) error {
	if !validStatuses[s] {
		return fmt.Errorf("unknown task status %q", s)
	}
	return nil
}

// DeriveStatus recomputes a task's status from its pending set.
// A pinned status (uploading) always wins. A task with no pending points is
// forced to completed; a completed task that regained pending points goes
// back to pending. Anything else is left as-is.
func DeriveStatus(current Status, hasPending bool) Status {
	if IsPinned(current) {
		return current
	}
	if !hasPending {
		return StatusCompleted
	}
	if current == StatusCompleted || current == "" {
		return StatusPending
	}
	return current
}
