package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimePoint(t *testing.T) {
	got, err := ParseTimePoint("2026-03-14T09:30:00")
	require.NoError(t, err)
	want := time.Date(2026, 3, 14, 9, 30, 0, 0, time.Local)
	assert.True(t, got.Equal(want), "got %v, want %v", got, want)
}

func TestParseTimePointFractionalSeconds(t *testing.T) {
	got, err := ParseTimePoint("2026-03-14T09:30:00.500000")
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, time.Duration(got.Nanosecond()))
}

func TestParseTimePointRejectsTimezones(t *testing.T) {
	for _, s := range []string{
		"2026-03-14T09:30:00Z",
		"2026-03-14T09:30:00+02:00",
		"2026-03-14T09:30:00.000Z",
	} {
		_, err := ParseTimePoint(s)
		assert.Error(t, err, "expected rejection of %q", s)
	}
}

func TestParseTimePointRejectsGarbage(t *testing.T) {
	_, err := ParseTimePoint("not-a-time")
	assert.Error(t, err)
	_, err = ParseTimePoint("2026-03-14 09:30:00")
	assert.Error(t, err)
}

func TestParseTimePointsSorts(t *testing.T) {
	points, err := ParseTimePoints([]string{
		"2026-03-14T12:00:00",
		"2026-03-14T08:00:00",
		"2026-03-14T10:00:00",
	})
	require.NoError(t, err)
	require.Len(t, points, 3)
	assert.True(t, points[0].Before(points[1]))
	assert.True(t, points[1].Before(points[2]))
}

func TestFormatTimePointRoundTrip(t *testing.T) {
	const s = "2026-03-14T09:30:00"
	got, err := ParseTimePoint(s)
	require.NoError(t, err)
	assert.Equal(t, s, FormatTimePoint(got))
}

func TestApplyDefaults(t *testing.T) {
	var s ImagingSettings
	s.ApplyDefaults()
	assert.Equal(t, DefaultMicroscopeID, s.AllocatedMicroscope)
	assert.Equal(t, DefaultGridSpacing, s.Dx)
	assert.Equal(t, DefaultGridSpacing, s.Dy)
	assert.Equal(t, time.Duration(DefaultScanTimeoutMinutes)*time.Minute, s.ScanTimeout())

	s = ImagingSettings{AllocatedMicroscope: "microscope-control-squid-2", Dx: 0.5, Dy: 0.5, ScanTimeoutMinutes: 10}
	s.ApplyDefaults()
	assert.Equal(t, "microscope-control-squid-2", s.AllocatedMicroscope)
	assert.Equal(t, 0.5, s.Dx)
	assert.Equal(t, 10*time.Minute, s.ScanTimeout())
}
