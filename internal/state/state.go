// Package state holds the runtime flags shared by the scheduler, the cycle
// executor, the transport worker, and the health monitors. Everything here is
// process-local and never persisted.
package state

import (
	"sync"
	"sync/atomic"
)

// Runtime is the single shared flag object. The critical-operation flag is
// true exactly while a plate is physically in motion between stations or a
// scan is in flight; health monitors read it to pick their escalation
// policy. The flag is a counter so overlapping critical sections (a
// transport move during another plate's scan) stay critical until the last
// one ends.
type Runtime struct {
	critical atomic.Int32

	mu         sync.Mutex
	activeTask string
	sampleOn   map[string]bool
}

func NewRuntime() *Runtime {
	return &Runtime{sampleOn: make(map[string]bool)}
}

// BeginCritical marks a physical move or scan as in progress.
func (r *Runtime) BeginCritical() {
	r.critical.Add(1)
}

// EndCritical ends one critical section.
func (r *Runtime) EndCritical() {
	r.critical.Add(-1)
}

// InCritical reports whether a physical move or scan is in progress.
func (r *Runtime) InCritical() bool {
	return r.critical.Load() > 0
}

// SetActiveTask records the task currently driven by the scheduler.
func (r *Runtime) SetActiveTask(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activeTask = name
}

// ActiveTask returns the task currently driven by the scheduler, or "".
func (r *Runtime) ActiveTask() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeTask
}

// ClearActiveTaskIf clears the active-task pointer when it matches name.
// Used by the store when a task disappears from the samples file mid-flight.
func (r *Runtime) ClearActiveTaskIf(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.activeTask == name {
		r.activeTask = ""
	}
}

// SetSampleOn records whether a plate is believed to sit on a microscope.
func (r *Runtime) SetSampleOn(microscopeID string, on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sampleOn[microscopeID] = on
}

// SampleOn reports the runtime sample-present flag for a microscope.
func (r *Runtime) SampleOn(microscopeID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sampleOn[microscopeID]
}

// DropMicroscope forgets the flag for a microscope removed from config.
func (r *Runtime) DropMicroscope(microscopeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sampleOn, microscopeID)
}

// SampleFlags returns a copy of all sample-present flags.
func (r *Runtime) SampleFlags() map[string]bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]bool, len(r.sampleOn))
	for id, on := range r.sampleOn {
		out[id] = on
	}
	return out
}
