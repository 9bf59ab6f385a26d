package model

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// TimePointLayout is the naive local-time ISO-8601 layout used in the
// samples file. Time points carry no zone: they are interpreted in the
// orchestrator host's local time.
const TimePointLayout = "2006-01-02T15:04:05"

const timePointFractionLayout = "2006-01-02T15:04:05.999999"

// ParseTimePoint parses a naive ISO-8601 time point string. Strings carrying
// a timezone designator (Z or a +hh:mm offset) are rejected.
func ParseTimePoint(s string) (time.Time, error) {
	if err := checkNaive(s); err != nil {
		return time.Time{}, err
	}
	t, err := time.ParseInLocation(TimePointLayout, s, time.Local)
	if err != nil {
		t, err = time.ParseInLocation(timePointFractionLayout, s, time.Local)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time point %q: %w", s, err)
	}
	return t, nil
}

func checkNaive(s string) error {
	idx := strings.IndexByte(s, 'T')
	tail := s
	if idx >= 0 {
		tail = s[idx+1:]
	}
	if strings.ContainsAny(tail, "Z+") {
		return fmt.Errorf("time point %q must be naive local time, not timezone-qualified", s)
	}
	return nil
}

// FormatTimePoint renders a time point in the samples-file layout.
func FormatTimePoint(t time.Time) string {
	return t.Format(TimePointLayout)
}

// ParseTimePoints parses and sorts a list of time point strings.
func ParseTimePoints(strs []string) ([]time.Time, error) {
	points := make([]time.Time, 0, len(strs))
	for _, s := range strs {
		t, err := ParseTimePoint(s)
		if err != nil {
			return nil, err
		}
		points = append(points, t)
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Before(points[j]) })
	return points, nil
}

// FormatTimePoints renders a sorted list of time point strings.
func FormatTimePoints(points []time.Time) []string {
	strs := make([]string, len(points))
	for i, t := range points {
		strs[i] = FormatTimePoint(t)
	}
	sort.Strings(strs)
	return strs
}
