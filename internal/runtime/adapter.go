// Package runtime drives the model backends. Three adapters speak to the
// provider in different ways (streaming tool loop, plain SSE, remote
// conversation polling); a selector tries them in order until one succeeds.
package runtime

import (
	"context"
	"encoding/json"

	"github.com/agentgate/agentgate/pkg/acp/protocol"
)

// Kind names an adapter implementation.
type Kind string

const (
	KindStreamingSDK Kind = "streaming-sdk"
	KindHTTPAPI      Kind = "http-api"
	KindRemote       Kind = "remote"
)

// Message is one conversation turn sent to the model.
type Message struct {
	Role    protocol.Role           `json:"role"`
	Content []protocol.ContentBlock `json:"content"`
}

// ToolDef declares a tool the model may call.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// ToolExecutor runs a tool call on behalf of the model. isError marks the
// result as a failure without aborting the turn.
type ToolExecutor interface {
	Execute(ctx context.Context, name string, input json.RawMessage) (output string, isError bool)
}

// Request is one prompt execution handed to an adapter.
type Request struct {
	SessionID string
	Model     string
	System    string
	Messages  []Message
	MaxTokens int

	// Tools and Executor enable the agent loop. Adapters that cannot run
	// tools ignore them.
	Tools    []ToolDef
	Executor ToolExecutor
}

// Callbacks streams intermediate output while an adapter runs. All fields
// are optional.
type Callbacks struct {
	OnText       func(delta string)
	OnThought    func(text string)
	OnToolCall   func(name string, input json.RawMessage)
	OnToolResult func(name, status, output string)
}

func (c Callbacks) text(delta string) {
	if c.OnText != nil {
		c.OnText(delta)
	}
}

func (c Callbacks) thought(text string) {
	if c.OnThought != nil {
		c.OnThought(text)
	}
}

func (c Callbacks) toolCall(name string, input json.RawMessage) {
	if c.OnToolCall != nil {
		c.OnToolCall(name, input)
	}
}

func (c Callbacks) toolResult(name, status, output string) {
	if c.OnToolResult != nil {
		c.OnToolResult(name, status, output)
	}
}

// Result is the terminal outcome of one adapter run.
type Result struct {
	Text  string
	Usage protocol.Usage
	Steps int
}

// Adapter is one way of reaching the model backend.
type Adapter interface {
	Kind() Kind
	// Available reports whether the adapter can run at all in this
	// environment. Unavailable adapters are skipped by the selector.
	Available(ctx context.Context) bool
	Run(ctx context.Context, req *Request, cb Callbacks) (*Result, error)
}

// EstimateTokens approximates token usage for accounting when the backend
// reports none: four bytes per token.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}
