package store

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/reeflab/plateflow/internal/model"
)

// sampleEntry is one task entry as persisted in the samples file. Settings
// stays a raw key map so operator-authored keys we don't know about survive
// a rewrite.
type sampleEntry struct {
	Name             string                     `json:"name"`
	Settings         map[string]json.RawMessage `json:"settings"`
	OperationalState operationalState           `json:"operational_state"`
}

type operationalState struct {
	Status      model.Status `json:"status"`
	LastUpdated string       `json:"last_updated_by_orchestrator,omitempty"`
}

// document is the parsed samples file: task entries, microscope
// registrations, and any unknown top-level keys carried through verbatim.
type document struct {
	Samples     []sampleEntry
	Microscopes []model.MicroscopeEntry
	Extra       map[string]json.RawMessage
}

func emptyDocument() *document {
	return &document{Extra: make(map[string]json.RawMessage)}
}

// readDocument loads and parses the samples file. A missing file yields an
// empty document; a malformed file is an error and the caller keeps its
// last-good state.
func readDocument(path string) (*document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return emptyDocument(), nil
		}
		return nil, fmt.Errorf("read samples file: %w", err)
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, fmt.Errorf("parse samples file: %w", err)
	}

	doc := emptyDocument()
	for key, raw := range top {
		switch key {
		case "samples":
			if err := json.Unmarshal(raw, &doc.Samples); err != nil {
				return nil, fmt.Errorf("parse samples list: %w", err)
			}
		case "microscopes":
			var entries []json.RawMessage
			if err := json.Unmarshal(raw, &entries); err != nil {
				return nil, fmt.Errorf("parse microscopes list: %w", err)
			}
			for _, entryRaw := range entries {
				var entry model.MicroscopeEntry
				if err := json.Unmarshal(entryRaw, &entry); err != nil {
					return nil, fmt.Errorf("parse microscope entry: %w", err)
				}
				entry.Extra = entryRaw
				doc.Microscopes = append(doc.Microscopes, entry)
			}
		default:
			doc.Extra[key] = raw
		}
	}
	return doc, nil
}

// render builds the marshalable top-level object, preserving unknown keys
// and the microscope entries as last read.
func (d *document) render() map[string]json.RawMessage {
	top := make(map[string]json.RawMessage, len(d.Extra)+2)
	for key, raw := range d.Extra {
		top[key] = raw
	}

	samplesRaw, _ := json.Marshal(d.Samples)
	top["samples"] = samplesRaw

	if len(d.Microscopes) > 0 {
		entries := make([]json.RawMessage, len(d.Microscopes))
		for i, m := range d.Microscopes {
			if len(m.Extra) > 0 {
				entries[i] = m.Extra
			} else {
				raw, _ := json.Marshal(m)
				entries[i] = raw
			}
		}
		microscopesRaw, _ := json.Marshal(entries)
		top["microscopes"] = microscopesRaw
	}
	return top
}

// parsedSample is one file entry decoded into typed task fields.
type parsedSample struct {
	Name     string
	Settings model.ImagingSettings
	Pending  []time.Time
	Imaged   []time.Time
	Raw      map[string]json.RawMessage
	Status   model.Status
}

// requiredSettingKeys must be present in a task's settings document.
var requiredSettingKeys = []string{
	"incubator_slot", "imaging_zone", "Nx", "Ny",
	"illumination_settings", "do_contrast_autofocus", "do_reflection_af",
}

// parseSample decodes one file entry. Configuration errors are returned to
// the caller, never fatal: the reconciler logs and skips the entry.
func parseSample(entry sampleEntry) (*parsedSample, error) {
	if entry.Name == "" {
		return nil, fmt.Errorf("sample entry without a name")
	}
	if entry.Settings == nil {
		return nil, fmt.Errorf("sample %q has no settings", entry.Name)
	}
	for _, key := range requiredSettingKeys {
		if _, ok := entry.Settings[key]; !ok {
			return nil, fmt.Errorf("sample %q missing required setting %q", entry.Name, key)
		}
	}

	settingsRaw, err := json.Marshal(entry.Settings)
	if err != nil {
		return nil, fmt.Errorf("sample %q: %w", entry.Name, err)
	}
	var settings model.ImagingSettings
	if err := json.Unmarshal(settingsRaw, &settings); err != nil {
		return nil, fmt.Errorf("sample %q settings: %w", entry.Name, err)
	}
	settings.ApplyDefaults()

	pending, err := parseTimePointKey(entry.Settings, "pending_time_points")
	if err != nil {
		return nil, fmt.Errorf("sample %q: %w", entry.Name, err)
	}
	imaged, err := parseTimePointKey(entry.Settings, "imaged_time_points")
	if err != nil {
		return nil, fmt.Errorf("sample %q: %w", entry.Name, err)
	}

	status := entry.OperationalState.Status
	if status == "" {
		status = model.StatusPending
	}
	if err := model.ValidateStatus(status); err != nil {
		return nil, fmt.Errorf("sample %q: %w", entry.Name, err)
	}

	return &parsedSample{
		Name:     entry.Name,
		Settings: settings,
		Pending:  pending,
		Imaged:   imaged,
		Raw:      entry.Settings,
		Status:   status,
	}, nil
}

func parseTimePointKey(settings map[string]json.RawMessage, key string) ([]time.Time, error) {
	raw, ok := settings[key]
	if !ok {
		return nil, nil
	}
	var strs []string
	if err := json.Unmarshal(raw, &strs); err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	points, err := model.ParseTimePoints(strs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	return points, nil
}

// renderSample builds the file entry for one in-memory task: the raw
// settings as last authored, with the scheduling-relevant fields and the
// derived time-point lists and flags written over them.
func renderSample(task *model.Task, now time.Time) sampleEntry {
	settings := make(map[string]json.RawMessage, len(task.RawSettings)+6)
	for key, raw := range task.RawSettings {
		settings[key] = raw
	}

	put := func(key string, v any) {
		raw, err := json.Marshal(v)
		if err == nil {
			settings[key] = raw
		}
	}
	put("incubator_slot", task.Settings.IncubatorSlot)
	put("allocated_microscope", task.Settings.AllocatedMicroscope)
	put("Nx", task.Settings.Nx)
	put("Ny", task.Settings.Ny)
	put("dx", task.Settings.Dx)
	put("dy", task.Settings.Dy)
	put("scan_timeout_minutes", task.Settings.ScanTimeoutMinutes)
	put("do_contrast_autofocus", task.Settings.DoContrastAutofocus)
	put("do_reflection_af", task.Settings.DoReflectionAF)
	if len(task.Settings.ImagingZone) > 0 {
		settings["imaging_zone"] = task.Settings.ImagingZone
	}
	if len(task.Settings.IlluminationSettings) > 0 {
		settings["illumination_settings"] = task.Settings.IlluminationSettings
	}

	put("pending_time_points", model.FormatTimePoints(task.Pending))
	put("imaged_time_points", model.FormatTimePoints(task.Imaged))
	put("imaging_completed", len(task.Pending) == 0)
	put("imaging_started", len(task.Imaged) > 0)

	return sampleEntry{
		Name:     task.Name,
		Settings: settings,
		OperationalState: operationalState{
			Status:      task.Status,
			LastUpdated: model.FormatTimePoint(now),
		},
	}
}
