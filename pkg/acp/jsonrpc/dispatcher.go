package jsonrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// NotifySink delivers a notification on the transport that originated the
// current request. Implementations must be safe for concurrent use; the
// dispatcher guarantees notifications are handed over before the terminal
// response for the same request.
type NotifySink func(n *Notification)

// Handler processes one method call. It returns a result value (marshalled by
// the dispatcher) or a *Error. Handlers for streaming methods receive the
// notify sink to emit mid-request notifications.
type Handler func(ctx context.Context, params json.RawMessage, notify NotifySink) (interface{}, *Error)

// Dispatcher routes JSON-RPC requests to registered handlers.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

// Register binds a method name to a handler. Registration after serving
// starts is allowed but unusual; the table is effectively static.
func (d *Dispatcher) Register(method string, handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[method] = handler
}

// Methods returns the registered method names.
func (d *Dispatcher) Methods() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.handlers))
	for m := range d.handlers {
		out = append(out, m)
	}
	return out
}

// Dispatch parses one raw JSON-RPC message and routes it. It returns the
// response to send, or nil when the message was a notification (which
// produces no response even on failure).
func (d *Dispatcher) Dispatch(ctx context.Context, raw []byte, notify NotifySink) *Response {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return NewErrorResponse(nil, &Error{Code: CodeParseError, Message: "Parse error"})
	}
	return d.DispatchRequest(ctx, &req, notify)
}

// DispatchRequest routes an already-parsed request.
func (d *Dispatcher) DispatchRequest(ctx context.Context, req *Request, notify NotifySink) *Response {
	if req.JSONRPC != Version || req.Method == "" {
		if req.IsNotification() {
			return nil
		}
		return NewErrorResponse(req.ID, &Error{Code: CodeInvalidRequest, Message: "Invalid Request"})
	}

	d.mu.RLock()
	handler, ok := d.handlers[req.Method]
	d.mu.RUnlock()

	if !ok {
		if req.IsNotification() {
			return nil
		}
		return NewErrorResponse(req.ID, &Error{
			Code:    CodeMethodNotFound,
			Message: fmt.Sprintf("Method not found: %s", req.Method),
		})
	}

	if notify == nil {
		notify = func(*Notification) {}
	}

	result, rpcErr := d.invoke(ctx, handler, req.Params, notify)
	if req.IsNotification() {
		return nil
	}
	if rpcErr != nil {
		return NewErrorResponse(req.ID, rpcErr)
	}

	resp, err := NewResponse(req.ID, result)
	if err != nil {
		return NewErrorResponse(req.ID, &Error{Code: CodeInternalError, Message: "Internal error"})
	}
	return resp
}

// invoke runs the handler with panic containment. A panicking handler yields
// internal_error rather than tearing down the transport.
func (d *Dispatcher) invoke(ctx context.Context, handler Handler, params json.RawMessage, notify NotifySink) (result interface{}, rpcErr *Error) {
	defer func() {
		if r := recover(); r != nil {
			rpcErr = &Error{
				Code:    CodeInternalError,
				Message: fmt.Sprintf("Internal error: %v", r),
			}
		}
	}()
	return handler(ctx, params, notify)
}
