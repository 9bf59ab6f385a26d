// Package transport serializes robotic arm and incubator operations. Exactly
// one plate movement runs at a time; every caller, scheduler cycles and API
// requests alike, enqueues a request and waits for its result.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Action names a hardware movement.
type Action string

const (
	ActionLoad   Action = "load"
	ActionUnload Action = "unload"
)

var (
	ErrQueueFull   = errors.New("transport queue full")
	ErrQueueClosed = errors.New("transport queue shut down")
)

// Operator performs the actual plate movements. The cycle executor
// implements it.
type Operator interface {
	Load(ctx context.Context, slot int, microscopeID string) error
	Unload(ctx context.Context, slot int, microscopeID string) error
}

// Request is one queued movement. Wait blocks until the worker resolves it.
type Request struct {
	ID           string
	Action       Action
	Slot         int
	MicroscopeID string
	EnqueuedAt   time.Time

	once sync.Once
	done chan error
}

func newRequest(action Action, slot int, microscopeID string) *Request {
	return &Request{
		ID:           uuid.NewString(),
		Action:       action,
		Slot:         slot,
		MicroscopeID: microscopeID,
		EnqueuedAt:   time.Now(),
		done:         make(chan error, 1),
	}
}

func (r *Request) resolve(err error) {
	r.once.Do(func() {
		r.done <- err
		close(r.done)
	})
}

// Wait blocks until the request finishes or ctx is cancelled.
func (r *Request) Wait(ctx context.Context) error {
	select {
	case err := <-r.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Worker drains the queue one request at a time.
type Worker struct {
	op    Operator
	log   zerolog.Logger
	queue chan *Request

	mu      sync.Mutex
	state   string
	closed  bool
	current *Request
}

const (
	stateNotStarted = "not_started"
	stateRunning    = "running"
	stateStopped    = "stopped"
)

func NewWorker(op Operator, queueSize int, log zerolog.Logger) *Worker {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Worker{
		op:    op,
		log:   log,
		state: stateNotStarted,
		queue: make(chan *Request, queueSize),
	}
}

// Enqueue submits a movement and returns the pending request.
func (w *Worker) Enqueue(action Action, slot int, microscopeID string) (*Request, error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil, ErrQueueClosed
	}
	w.mu.Unlock()

	req := newRequest(action, slot, microscopeID)
	select {
	case w.queue <- req:
		w.log.Info().Str("request", req.ID).Str("action", string(action)).
			Int("slot", slot).Str("microscope", microscopeID).
			Int("depth", len(w.queue)).Msg("transport request queued")
		return req, nil
	default:
		return nil, ErrQueueFull
	}
}

// Do enqueues a movement and waits for it.
func (w *Worker) Do(ctx context.Context, action Action, slot int, microscopeID string) error {
	req, err := w.Enqueue(action, slot, microscopeID)
	if err != nil {
		return err
	}
	return req.Wait(ctx)
}

// Run processes requests until ctx is cancelled, then fails every request
// still queued so no caller blocks forever.
func (w *Worker) Run(ctx context.Context) {
	w.mu.Lock()
	w.state = stateRunning
	w.mu.Unlock()
	w.log.Info().Int("capacity", cap(w.queue)).Msg("transport worker started")
	for {
		// Cancellation wins over queued work.
		select {
		case <-ctx.Done():
			w.drain()
			return
		default:
		}
		select {
		case <-ctx.Done():
			w.drain()
			return
		case req := <-w.queue:
			w.serve(ctx, req)
		}
	}
}

func (w *Worker) serve(ctx context.Context, req *Request) {
	w.mu.Lock()
	w.current = req
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.current = nil
		w.mu.Unlock()
	}()

	log := w.log.With().Str("request", req.ID).Str("action", string(req.Action)).
		Int("slot", req.Slot).Str("microscope", req.MicroscopeID).Logger()
	log.Info().Dur("queued_for", time.Since(req.EnqueuedAt)).Msg("transport request started")

	var err error
	switch req.Action {
	case ActionLoad:
		err = w.op.Load(ctx, req.Slot, req.MicroscopeID)
	case ActionUnload:
		err = w.op.Unload(ctx, req.Slot, req.MicroscopeID)
	default:
		err = fmt.Errorf("unknown transport action %q", req.Action)
	}

	if err != nil {
		log.Error().Err(err).Msg("transport request failed")
	} else {
		log.Info().Msg("transport request completed")
	}
	req.resolve(err)
}

func (w *Worker) drain() {
	w.mu.Lock()
	w.closed = true
	w.state = stateStopped
	w.mu.Unlock()

	for {
		select {
		case req := <-w.queue:
			w.log.Warn().Str("request", req.ID).Msg("transport request abandoned at shutdown")
			req.resolve(ErrQueueClosed)
		default:
			w.log.Info().Msg("transport worker stopped")
			return
		}
	}
}

// Status describes the queue for the API.
type Status struct {
	State   string `json:"state"`
	Depth   int    `json:"depth"`
	Busy    bool   `json:"busy"`
	Current string `json:"current_request,omitempty"`
}

// Status reports the worker state, queue depth and the in-flight request.
func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	st := Status{State: w.state, Depth: len(w.queue), Busy: w.current != nil}
	if w.current != nil {
		st.Current = w.current.ID
	}
	return st
}
