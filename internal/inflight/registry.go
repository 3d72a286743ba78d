// Package inflight tracks running prompt operations so cancel requests can
// reach them. Operations are keyed by session id and operation id.
package inflight

import (
	"sync"
)

// Operation is one running prompt. Cancel is safe to call more than once.
type Operation struct {
	SessionID   string
	OperationID string

	cancel    func()
	mu        sync.Mutex
	done      bool
	cancelled bool
}

// Cancel requests cancellation. Repeat calls are no-ops.
func (o *Operation) Cancel() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.done || o.cancelled {
		return false
	}
	o.cancelled = true
	o.cancel()
	return true
}

// Cancelled reports whether Cancel was delivered before completion.
func (o *Operation) Cancelled() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cancelled
}

func (o *Operation) finish() {
	o.mu.Lock()
	o.done = true
	o.mu.Unlock()
}

// Registry is the process-wide table of running operations.
type Registry struct {
	mu  sync.Mutex
	ops map[string]map[string]*Operation // sessionID -> operationID -> op
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{ops: make(map[string]map[string]*Operation)}
}

// Register records a running operation. The returned release func must be
// called when the operation finishes; it is idempotent via sync.Once.
func (r *Registry) Register(sessionID, operationID string, cancel func()) (op *Operation, release func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.insert(sessionID, operationID, cancel)
}

// Acquire registers an operation only when the session has none in flight.
// The busy check and the insert happen under one lock, so two concurrent
// callers for the same session can never both acquire.
func (r *Registry) Acquire(sessionID, operationID string, cancel func()) (op *Operation, release func(), ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.ops[sessionID]) > 0 {
		return nil, nil, false
	}
	op, release = r.insert(sessionID, operationID, cancel)
	return op, release, true
}

// insert requires r.mu held.
func (r *Registry) insert(sessionID, operationID string, cancel func()) (op *Operation, release func()) {
	op = &Operation{
		SessionID:   sessionID,
		OperationID: operationID,
		cancel:      cancel,
	}
	if r.ops[sessionID] == nil {
		r.ops[sessionID] = make(map[string]*Operation)
	}
	r.ops[sessionID][operationID] = op

	var once sync.Once
	release = func() {
		once.Do(func() {
			op.finish()
			r.mu.Lock()
			if m := r.ops[sessionID]; m != nil {
				delete(m, operationID)
				if len(m) == 0 {
					delete(r.ops, sessionID)
				}
			}
			r.mu.Unlock()
		})
	}
	return op, release
}

// Busy reports whether the session has any running operation.
func (r *Registry) Busy(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ops[sessionID]) > 0
}

// Cancel cancels one operation, or every operation of the session when
// operationID is empty. Returns whether any cancellation was delivered.
// Unknown ids are not an error: cancel is idempotent from the caller's view.
func (r *Registry) Cancel(sessionID, operationID string) bool {
	r.mu.Lock()
	var targets []*Operation
	if m := r.ops[sessionID]; m != nil {
		if operationID == "" {
			for _, op := range m {
				targets = append(targets, op)
			}
		} else if op, ok := m[operationID]; ok {
			targets = append(targets, op)
		}
	}
	r.mu.Unlock()

	delivered := false
	for _, op := range targets {
		if op.Cancel() {
			delivered = true
		}
	}
	return delivered
}
