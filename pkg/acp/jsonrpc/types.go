// Package jsonrpc implements JSON-RPC 2.0 framing and dispatch for ACP
// (Agent Client Protocol).
package jsonrpc

import "encoding/json"

// Version is the JSON-RPC protocol version on every message.
const Version = "2.0"

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"` // int or string, omitted for notifications
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request expects no response.
func (r *Request) IsNotification() bool {
	return r.ID == nil
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error represents a JSON-RPC 2.0 error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// Notification represents a JSON-RPC 2.0 notification (no ID, no response expected).
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Domain error codes.
const (
	CodeSessionNotFound      = -32000
	CodeWorkspaceError       = -32001
	CodeAuthenticationFailed = -32002
	CodeOperationCancelled   = -32003
)

// ACP method names.
const (
	MethodInitialize     = "initialize"
	MethodSessionNew     = "session/new"
	MethodSessionLoad    = "session/load"
	MethodSessionPrompt  = "session/prompt"
	MethodSessionSetMode = "session/setMode"
	MethodCancel         = "cancel"
	MethodReadTextFile   = "fs/readTextFile"
	MethodWriteTextFile  = "fs/writeTextFile"

	NotificationSessionUpdate = "session/update"
	NotificationSessionEvent  = "session/event"
)

// ErrorData is the structured payload attached to domain errors.
type ErrorData struct {
	Code      string            `json:"code"`
	Retryable bool              `json:"retryable"`
	Meta      map[string]string `json:"meta,omitempty"`
	Stack     string            `json:"stack,omitempty"` // development mode only
}

// NewError builds an Error with an optional structured data payload.
func NewError(code int, message string, data *ErrorData) *Error {
	e := &Error{Code: code, Message: message}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			e.Data = raw
		}
	}
	return e
}

// NewResponse builds a success response with the marshalled result.
func NewResponse(id interface{}, result interface{}) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &Response{JSONRPC: Version, ID: id, Result: raw}, nil
}

// NewErrorResponse builds an error response.
func NewErrorResponse(id interface{}, rpcErr *Error) *Response {
	return &Response{JSONRPC: Version, ID: id, Error: rpcErr}
}

// NewNotification builds a notification with the marshalled params.
func NewNotification(method string, params interface{}) (*Notification, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return &Notification{JSONRPC: Version, Method: method, Params: raw}, nil
}
