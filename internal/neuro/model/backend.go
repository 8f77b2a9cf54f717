package model

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/parietal-data/decode.stream/internal/monitoring"
	"github.com/parietal-data/decode.stream/internal/neuro"
)

// Backend executes model inference on a dedicated worker goroutine so a
// slow or compute-heavy forward pass never blocks the packet-receive
// path. Requests and responses travel over channels keyed by a
// correlation ID; the worker owns all model state and the per-model
// temporal windows, so no locking is needed around Forward calls.
type Backend struct {
	requests chan inferRequest

	mu      sync.Mutex
	pending map[string]chan inferResult // correlation id → reply
	closed  bool

	register   chan registerRequest
	unregister chan string
	done       chan struct{}
}

type inferRequest struct {
	id       string
	modelKey string
	features []float64
}

type inferResult struct {
	output []float64
	err    error
}

type registerRequest struct {
	key   string
	model Model
	ack   chan struct{}
}

// NewBackend creates and starts the inference worker. queueDepth bounds
// the number of requests waiting for the worker; the scheduler's
// at-most-one-in-flight policy means depth is effectively 1 in normal
// operation, but the bound protects against misuse.
func NewBackend(queueDepth int) *Backend {
	if queueDepth < 1 {
		queueDepth = 4
	}
	b := &Backend{
		requests:   make(chan inferRequest, queueDepth),
		pending:    make(map[string]chan inferResult),
		register:   make(chan registerRequest),
		unregister: make(chan string),
		done:       make(chan struct{}),
	}
	go b.run()
	return b
}

// RegisterModel installs a model under the given key, replacing any
// existing instance and resetting its temporal window. Blocks until the
// worker has picked it up so a subsequent Infer sees the new model.
func (b *Backend) RegisterModel(key string, m Model) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("inference backend is closed")
	}
	b.mu.Unlock()

	ack := make(chan struct{})
	select {
	case b.register <- registerRequest{key: key, model: m, ack: ack}:
		<-ack
		return nil
	case <-b.done:
		return fmt.Errorf("inference backend is closed")
	}
}

// UnregisterModel removes a model and its window.
func (b *Backend) UnregisterModel(key string) {
	select {
	case b.unregister <- key:
	case <-b.done:
	}
}

// Infer submits one feature vector for the keyed model and waits for the
// result. The worker appends the vector to the model's temporal window
// and runs a forward pass over the full window. Errors are returned as
// *neuro.InferenceBackendError.
func (b *Backend) Infer(ctx context.Context, modelKey string, features []float64) ([]float64, error) {
	id := uuid.NewString()
	reply := make(chan inferResult, 1)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, &neuro.InferenceBackendError{ModelKey: modelKey, Cause: fmt.Errorf("backend closed")}
	}
	b.pending[id] = reply
	b.mu.Unlock()

	// Hand features to the worker. The copy happens here, on the caller
	// side, so the caller may reuse its buffer immediately.
	req := inferRequest{id: id, modelKey: modelKey, features: append([]float64(nil), features...)}
	select {
	case b.requests <- req:
	case <-ctx.Done():
		b.dropPending(id)
		return nil, &neuro.InferenceBackendError{ModelKey: modelKey, Cause: ctx.Err()}
	case <-b.done:
		b.dropPending(id)
		return nil, &neuro.InferenceBackendError{ModelKey: modelKey, Cause: fmt.Errorf("backend closed")}
	}

	select {
	case res := <-reply:
		if res.err != nil {
			return nil, &neuro.InferenceBackendError{ModelKey: modelKey, Cause: res.err}
		}
		return res.output, nil
	case <-ctx.Done():
		b.dropPending(id)
		return nil, &neuro.InferenceBackendError{ModelKey: modelKey, Cause: ctx.Err()}
	}
}

// Close stops the worker. In-flight requests receive a backend-closed
// error.
func (b *Backend) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	close(b.done)
}

func (b *Backend) dropPending(id string) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

func (b *Backend) run() {
	models := make(map[string]Model)
	windows := make(map[string]*TemporalWindow)

	for {
		select {
		case <-b.done:
			b.failAllPending()
			return

		case reg := <-b.register:
			models[reg.key] = reg.model
			delete(windows, reg.key)
			close(reg.ack)

		case key := <-b.unregister:
			delete(models, key)
			delete(windows, key)

		case req := <-b.requests:
			out, err := b.execute(models, windows, req)
			b.deliver(req.id, inferResult{output: out, err: err})
		}
	}
}

// execute runs one inference with panic isolation: a panicking Forward
// is converted to an error instead of taking down the worker.
func (b *Backend) execute(models map[string]Model, windows map[string]*TemporalWindow, req inferRequest) (out []float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			monitoring.Logf("inference backend: model %q panicked: %v", req.modelKey, r)
			out, err = nil, fmt.Errorf("model panicked: %v", r)
		}
	}()

	m, ok := models[req.modelKey]
	if !ok {
		return nil, fmt.Errorf("no model registered under key %q", req.modelKey)
	}

	w, ok := windows[req.modelKey]
	if !ok {
		w = NewTemporalWindow(m.Steps(), len(req.features))
		windows[req.modelKey] = w
	}
	w.Append(req.features)

	out, err = m.Forward(w.Snapshot())
	if err != nil {
		return nil, err
	}
	if len(out) != outputDim {
		return nil, fmt.Errorf("model returned %d dims, expected %d", len(out), outputDim)
	}
	return out, nil
}

func (b *Backend) deliver(id string, res inferResult) {
	b.mu.Lock()
	reply, ok := b.pending[id]
	delete(b.pending, id)
	b.mu.Unlock()
	if ok {
		reply <- res
	}
}

func (b *Backend) failAllPending() {
	b.mu.Lock()
	for id, reply := range b.pending {
		delete(b.pending, id)
		reply <- inferResult{err: fmt.Errorf("backend closed")}
	}
	b.mu.Unlock()
}
