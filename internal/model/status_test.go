package model

import "testing"

func TestDeriveStatus(t *testing.T) {
	cases := []struct {
		name       string
		current    Status
		hasPending bool
		want       Status
	}{
		{"uploading pinned without pending", StatusUploading, false, StatusUploading},
		{"uploading pinned with pending", StatusUploading, true, StatusUploading},
		{"empty pending forces completed", StatusWaitingForNextRun, false, StatusCompleted},
		{"error without pending forces completed", StatusError, false, StatusCompleted},
		{"completed with pending reverts", StatusCompleted, true, StatusPending},
		{"missing status defaults pending", Status(""), true, StatusPending},
		{"active stays active", StatusActive, true, StatusActive},
		{"waiting stays waiting", StatusWaitingForNextRun, true, StatusWaitingForNextRun},
		{"pending stays pending", StatusPending, true, StatusPending},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := DeriveStatus(tc.current, tc.hasPending); got != tc.want {
				t.Errorf("DeriveStatus(%q, %v) = %q, want %q", tc.current, tc.hasPending, got, tc.want)
			}
		})
	}
}

func TestIsSchedulable(t *testing.T) {
	schedulable := []Status{StatusPending, StatusActive, StatusWaitingForNextRun}
	for _, s := range schedulable {
		if !IsSchedulable(s) {
			t.Errorf("expected %q to be schedulable", s)
		}
	}
	unschedulable := []Status{StatusCompleted, StatusError, StatusUploading}
	for _, s := range unschedulable {
		if IsSchedulable(s) {
			t.Errorf("expected %q to be unschedulable", s)
		}
	}
}

func TestValidateStatus(t *testing.T) {
	if err := ValidateStatus(StatusUploading); err != nil {
		t.Errorf("uploading should be valid: %v", err)
	}
	if err := ValidateStatus(Status("paused")); err == nil {
		t.Error("expected error for unknown status")
	}
}
