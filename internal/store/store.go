// Package store is the in-memory mirror of the persisted samples file. It
// reconciles external edits with orchestrator runtime state and writes every
// mutation back. All read-modify-write sequences against the file run under
// one mutex so concurrent API calls and the scheduler cannot interleave
// corrupting writes.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/reeflab/plateflow/internal/jsonfile"
	"github.com/reeflab/plateflow/internal/model"
	"github.com/reeflab/plateflow/internal/state"
)

var ErrTaskNotFound = errors.New("task not found")

// Store mirrors the samples file. The file is the source of truth for task
// configuration; the store owns task status and time-point transfers.
type Store struct {
	path string
	rt   *state.Runtime
	log  zerolog.Logger

	// now is a seam for tests.
	now func() time.Time

	// onMicroscopeRemoved fires, under the lock, for every microscope id
	// dropped from configuration.
	onMicroscopeRemoved func(id string)

	// mu guards the task map and every read-modify-write of the file.
	mu          sync.Mutex
	tasks       map[string]*model.Task
	microscopes map[string]model.MicroscopeEntry
	scopeOrder  []string
}

func New(path string, rt *state.Runtime, log zerolog.Logger) *Store {
	s := &Store{
		path:        path,
		rt:          rt,
		log:         log,
		now:         time.Now,
		tasks:       make(map[string]*model.Task),
		microscopes: make(map[string]model.MicroscopeEntry),
	}
	return s
}

// SetMicroscopeRemovedHook registers the proxy-drop callback. Must be called
// before the daemon loops start.
func (s *Store) SetMicroscopeRemovedHook(f func(id string)) {
	s.onMicroscopeRemoved = f
}

// Reconcile re-reads the samples file, merges it with in-memory task state,
// and writes back if anything changed. Read failures leave the last-good
// in-memory state untouched.
func (s *Store) Reconcile() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconcileLocked()
}

func (s *Store) reconcileLocked() error {
	doc, err := readDocument(s.path)
	if err != nil {
		s.log.Error().Err(err).Str("file", s.path).Msg("samples file unreadable, keeping last-good state")
		return err
	}

	changed := false

	parsed := make(map[string]*parsedSample, len(doc.Samples))
	for _, entry := range doc.Samples {
		p, err := parseSample(entry)
		if err != nil {
			s.log.Error().Err(err).Msg("skipping invalid sample entry")
			continue
		}
		parsed[p.Name] = p
	}

	// Tasks absent from the file are dropped from memory.
	for name := range s.tasks {
		if _, ok := parsed[name]; !ok {
			s.log.Info().Str("task", name).Msg("task removed from samples file")
			if s.rt.ActiveTask() == name {
				s.log.Warn().Str("task", name).Msg("active task removed from configuration")
				s.rt.ClearActiveTaskIf(name)
			}
			delete(s.tasks, name)
			changed = true
		}
	}

	for name, p := range parsed {
		hasPending := len(p.Pending) > 0
		fileStatus := model.DeriveStatus(p.Status, hasPending)
		if fileStatus != p.Status {
			changed = true
		}

		existing, ok := s.tasks[name]
		if !ok {
			s.log.Info().Str("task", name).Str("status", string(fileStatus)).Msg("new task added")
			s.tasks[name] = &model.Task{
				Name:        name,
				Settings:    p.Settings,
				Pending:     p.Pending,
				Imaged:      p.Imaged,
				Status:      fileStatus,
				RawSettings: p.Raw,
			}
			changed = true
			continue
		}

		significant := !timesEqual(existing.Pending, p.Pending) ||
			!timesEqual(existing.Imaged, p.Imaged) ||
			existing.Settings.IncubatorSlot != p.Settings.IncubatorSlot ||
			existing.Settings.AllocatedMicroscope != p.Settings.AllocatedMicroscope ||
			existing.Settings.Nx != p.Settings.Nx ||
			existing.Settings.Ny != p.Settings.Ny ||
			!reflect.DeepEqual(existing.Settings.ImagingZone, p.Settings.ImagingZone)

		existing.Settings = p.Settings
		existing.Pending = p.Pending
		existing.Imaged = p.Imaged
		existing.RawSettings = p.Raw

		if existing.Status != fileStatus {
			s.log.Info().Str("task", name).
				Str("from", string(existing.Status)).Str("to", string(fileStatus)).
				Msg("task status changed by reconcile")
			existing.Status = fileStatus
			changed = true
		}

		// A config edit that changes what or when to image restarts the
		// task, error status included. Only an uploading pin survives.
		if significant && hasPending && existing.Status != model.StatusPending &&
			existing.Status != model.StatusCompleted && !model.IsPinned(existing.Status) {
			s.log.Info().Str("task", name).Str("from", string(existing.Status)).
				Msg("scheduling-relevant settings changed, resetting task to pending")
			existing.Status = model.StatusPending
			changed = true
		}
	}

	// Safety net: no pending points always means completed unless pinned.
	for name, task := range s.tasks {
		if len(task.Pending) == 0 && task.Status != model.StatusCompleted && !model.IsPinned(task.Status) {
			s.log.Warn().Str("task", name).Str("status", string(task.Status)).
				Msg("task has no pending time points, forcing completed")
			task.Status = model.StatusCompleted
			changed = true
		}
	}

	s.mergeMicroscopesLocked(doc)

	if changed {
		return s.writeLocked(doc)
	}
	return nil
}

func (s *Store) mergeMicroscopesLocked(doc *document) {
	next := make(map[string]model.MicroscopeEntry, len(doc.Microscopes))
	order := make([]string, 0, len(doc.Microscopes))
	for _, entry := range doc.Microscopes {
		if entry.ID == "" {
			s.log.Warn().Msg("skipping microscope entry without an id")
			continue
		}
		next[entry.ID] = entry
		order = append(order, entry.ID)
	}

	for id := range s.microscopes {
		if _, ok := next[id]; !ok {
			s.log.Info().Str("microscope", id).Msg("microscope removed from configuration")
			s.rt.DropMicroscope(id)
			if s.onMicroscopeRemoved != nil {
				s.onMicroscopeRemoved(id)
			}
		}
	}
	s.microscopes = next
	s.scopeOrder = order
}

// UpdateTask atomically applies a status change and/or moves one time point
// from pending to imaged, then persists. Passing an empty status leaves the
// status to be derived; passing a nil time point moves nothing.
func (s *Store) UpdateTask(name string, status model.Status, imagedPoint *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, name)
	}

	if status != "" && task.Status != status {
		s.log.Info().Str("task", name).
			Str("from", string(task.Status)).Str("to", string(status)).
			Msg("task status updated")
		task.Status = status
	}

	if imagedPoint != nil {
		if !removePoint(&task.Pending, *imagedPoint) {
			s.log.Warn().Str("task", name).Time("point", *imagedPoint).
				Msg("time point not in pending set, cannot move to imaged")
		} else {
			task.Imaged = append(task.Imaged, *imagedPoint)
			sort.Slice(task.Imaged, func(i, j int) bool { return task.Imaged[i].Before(task.Imaged[j]) })
			s.log.Info().Str("task", name).Time("point", *imagedPoint).Msg("time point moved to imaged")
		}
	}

	// Re-derive: an empty pending set means completed unless pinned, and a
	// completed status with pending points left reverts to pending.
	if len(task.Pending) == 0 {
		if task.Status != model.StatusCompleted && !model.IsPinned(task.Status) {
			s.log.Info().Str("task", name).Msg("no pending time points left, marking completed")
			task.Status = model.StatusCompleted
		}
	} else if task.Status == model.StatusCompleted {
		s.log.Warn().Str("task", name).Msg("completed status with pending points, reverting to pending")
		task.Status = model.StatusPending
	}

	return s.rewriteLocked()
}

// AddTask validates nothing: the API layer validates. It inserts or replaces
// the task's file entry, preserving an uploading pin on replacement, then
// reconciles memory from the rewritten file.
func (s *Store) AddTask(name string, settings map[string]json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := readDocument(s.path)
	if err != nil {
		// A corrupt file is replaced wholesale; the operator asked for a write.
		s.log.Warn().Err(err).Msg("samples file unreadable, recreating")
		doc = emptyDocument()
	}

	pending, _ := parseTimePointKey(settings, "pending_time_points")
	imaged, _ := parseTimePointKey(settings, "imaged_time_points")

	status := model.StatusPending
	if len(pending) == 0 {
		status = model.StatusCompleted
	}

	put := func(key string, v any) {
		raw, err := json.Marshal(v)
		if err == nil {
			settings[key] = raw
		}
	}
	put("imaging_completed", len(pending) == 0)
	put("imaging_started", len(imaged) > 0)

	entry := sampleEntry{
		Name:     name,
		Settings: settings,
		OperationalState: operationalState{
			Status:      status,
			LastUpdated: model.FormatTimePoint(s.now()),
		},
	}

	replaced := false
	for i := range doc.Samples {
		if doc.Samples[i].Name != name {
			continue
		}
		if doc.Samples[i].OperationalState.Status == model.StatusUploading && len(pending) == 0 {
			entry.OperationalState.Status = model.StatusUploading
			s.log.Info().Str("task", name).Msg("task is uploading, preserving pinned status")
		}
		doc.Samples[i] = entry
		replaced = true
		break
	}
	if !replaced {
		doc.Samples = append(doc.Samples, entry)
	}

	if err := jsonfile.AtomicWrite(s.path, doc.render()); err != nil {
		return fmt.Errorf("write samples file: %w", err)
	}
	s.log.Info().Str("task", name).Bool("replaced", replaced).Msg("task written to samples file")

	return s.reconcileLocked()
}

// DeleteTask removes a task entry from the file and reconciles.
func (s *Store) DeleteTask(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := readDocument(s.path)
	if err != nil {
		return err
	}

	kept := doc.Samples[:0]
	for _, entry := range doc.Samples {
		if entry.Name != name {
			kept = append(kept, entry)
		}
	}
	if len(kept) == len(doc.Samples) {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, name)
	}
	doc.Samples = kept

	if err := jsonfile.AtomicWrite(s.path, doc.render()); err != nil {
		return fmt.Errorf("write samples file: %w", err)
	}
	s.log.Info().Str("task", name).Msg("task deleted from samples file")

	return s.reconcileLocked()
}

// ListEntries returns the raw samples list for API consumers.
func (s *Store) ListEntries() (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := readDocument(s.path)
	if err != nil {
		return nil, err
	}
	if doc.Samples == nil {
		return json.RawMessage("[]"), nil
	}
	raw, err := json.Marshal(doc.Samples)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// Snapshots returns copies of every task, sorted by name.
func (s *Store) Snapshots() []model.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.Snapshot, 0, len(s.tasks))
	for _, task := range s.tasks {
		out = append(out, task.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns a copy of one task.
func (s *Store) Get(name string) (model.Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[name]
	if !ok {
		return model.Snapshot{}, false
	}
	return task.Snapshot(), true
}

// MicroscopeConfig returns the configuration entry for one microscope.
func (s *Store) MicroscopeConfig(id string) (model.MicroscopeEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.microscopes[id]
	return entry, ok
}

// MicroscopeIDs lists configured microscopes in file order.
func (s *Store) MicroscopeIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.scopeOrder...)
}

// HasMicroscope reports whether a microscope id is configured.
func (s *Store) HasMicroscope(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.microscopes[id]
	return ok
}

// rewriteLocked persists the in-memory tasks over the file's current
// non-task content.
func (s *Store) rewriteLocked() error {
	doc, err := readDocument(s.path)
	if err != nil {
		s.log.Warn().Err(err).Msg("samples file unreadable before write, rewriting task data only")
		doc = emptyDocument()
	}
	return s.writeLocked(doc)
}

func (s *Store) writeLocked(doc *document) error {
	names := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		names = append(names, name)
	}
	sort.Strings(names)

	now := s.now()
	doc.Samples = make([]sampleEntry, 0, len(names))
	for _, name := range names {
		doc.Samples = append(doc.Samples, renderSample(s.tasks[name], now))
	}

	if err := jsonfile.AtomicWrite(s.path, doc.render()); err != nil {
		return fmt.Errorf("write samples file: %w", err)
	}
	return nil
}

func timesEqual(a, b []time.Time) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

func removePoint(points *[]time.Time, p time.Time) bool {
	for i, t := range *points {
		if t.Equal(p) {
			*points = append((*points)[:i], (*points)[i+1:]...)
			return true
		}
	}
	return false
}
