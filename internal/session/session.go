// Package session owns the session model and its persistence backends. A
// session records conversation history, workspace binding, and lifecycle
// state across gateway restarts.
package session

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/agentgate/agentgate/pkg/acp/protocol"
)

// Session is the persisted record of one conversation.
type Session struct {
	ID    string                `json:"id" db:"id"`
	State protocol.SessionState `json:"state" db:"state"`
	Mode  protocol.SessionMode  `json:"mode" db:"mode"`

	WorkspaceURI  string `json:"workspaceUri,omitempty" db:"workspace_uri"`
	WorkspacePath string `json:"workspacePath,omitempty" db:"workspace_path"`
	IsEphemeral   bool   `json:"isEphemeral" db:"is_ephemeral"`

	Options protocol.SessionOptions `json:"options" db:"-"`
	History []protocol.Exchange     `json:"history" db:"-"`

	// AgentContext carries caller-supplied key/value context, such as the
	// agent role that selects a system-prompt preamble.
	AgentContext map[string]string `json:"agentContext,omitempty" db:"-"`

	// Rehydrated marks that stored history has been replayed into the model
	// runtime once for this process lifetime. Not persisted.
	Rehydrated bool `json:"-" db:"-"`

	CreatedAt    time.Time `json:"createdAt" db:"created_at"`
	LastActiveAt time.Time `json:"lastActiveAt" db:"last_active_at"`
}

// New creates an active session with a fresh UUID.
func New(mode protocol.SessionMode, opts protocol.SessionOptions) *Session {
	now := time.Now().UTC()
	if mode == "" {
		mode = protocol.ModeDevelopment
	}
	return &Session{
		ID:           uuid.New().String(),
		State:        protocol.StateActive,
		Mode:         mode,
		Options:      opts,
		CreatedAt:    now,
		LastActiveAt: now,
	}
}

// Touch advances the last-activity timestamp.
func (s *Session) Touch() {
	s.LastActiveAt = time.Now().UTC()
}

// AppendExchange records a turn in history. Content blocks are deep-copied so
// later mutation by the caller cannot corrupt the stored record.
func (s *Session) AppendExchange(role protocol.Role, content []protocol.ContentBlock) {
	s.History = append(s.History, protocol.Exchange{
		Role:    role,
		Content: CopyBlocks(content),
	})
	s.Touch()
}

// Info returns the wire summary of the session.
func (s *Session) Info() protocol.SessionInfo {
	return protocol.SessionInfo{
		SessionID:    s.ID,
		State:        s.State,
		CreatedAt:    s.CreatedAt,
		LastActiveAt: s.LastActiveAt,
	}
}

// Clone returns an independent copy of the session, history included.
func (s *Session) Clone() *Session {
	c := *s
	c.History = make([]protocol.Exchange, len(s.History))
	for i, ex := range s.History {
		c.History[i] = protocol.Exchange{Role: ex.Role, Content: CopyBlocks(ex.Content)}
	}
	c.Options.ContextFiles = append([]string(nil), s.Options.ContextFiles...)
	if s.AgentContext != nil {
		c.AgentContext = make(map[string]string, len(s.AgentContext))
		for k, v := range s.AgentContext {
			c.AgentContext[k] = v
		}
	}
	return &c
}

// CopyBlocks deep-copies a slice of content blocks, including raw tool input.
func CopyBlocks(blocks []protocol.ContentBlock) []protocol.ContentBlock {
	if blocks == nil {
		return nil
	}
	out := make([]protocol.ContentBlock, len(blocks))
	copy(out, blocks)
	for i := range out {
		if len(out[i].ToolInput) > 0 {
			out[i].ToolInput = append(json.RawMessage(nil), out[i].ToolInput...)
		}
	}
	return out
}
