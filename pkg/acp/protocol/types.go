// Package protocol defines the ACP (Agent Client Protocol) message shapes
// spoken between clients and the gateway. These types are the wire contract;
// they carry no behaviour beyond validation helpers.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// BlockType tags a ContentBlock variant.
type BlockType string

const (
	BlockTypeText       BlockType = "text"
	BlockTypeImage      BlockType = "image"
	BlockTypeFile       BlockType = "file"
	BlockTypeDiff       BlockType = "diff"
	BlockTypeThought    BlockType = "thought"
	BlockTypeError      BlockType = "error"
	BlockTypeToolUse    BlockType = "tool_use"
	BlockTypeToolResult BlockType = "tool_result"
)

// ContentBlock is a tagged variant carrying one unit of conversation content.
// Only the fields relevant to the Type are populated.
type ContentBlock struct {
	Type BlockType `json:"type"`

	// text, thought, error
	Text string `json:"text,omitempty"`

	// image
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`

	// file, diff
	Path    string `json:"path,omitempty"`
	OldText string `json:"oldText,omitempty"`
	NewText string `json:"newText,omitempty"`

	// tool_use, tool_result (stored history only; stripped on replay)
	ToolID    string          `json:"toolId,omitempty"`
	ToolName  string          `json:"toolName,omitempty"`
	ToolInput json.RawMessage `json:"toolInput,omitempty"`

	// Metadata, where applicable.
	Filename  string `json:"filename,omitempty"`
	Language  string `json:"language,omitempty"`
	StartLine int    `json:"startLine,omitempty"`
	EndLine   int    `json:"endLine,omitempty"`
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockTypeText, Text: text}
}

// ErrorBlock builds an error content block.
func ErrorBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockTypeError, Text: text}
}

// Replayable reports whether the block survives history rehydration.
// tool_use and tool_result blocks from previous runs are dropped to avoid
// model-provider ID mismatches; thought and error blocks are transient.
func (b ContentBlock) Replayable() bool {
	switch b.Type {
	case BlockTypeText, BlockTypeImage, BlockTypeFile, BlockTypeDiff:
		return true
	default:
		return false
	}
}

// Role identifies the author of an exchange.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Exchange is one user or assistant turn: an ordered list of content blocks.
type Exchange struct {
	Role    Role           `json:"role"`
	Content []ContentBlock `json:"content"`
}

// SessionMode selects the gateway behaviour for a session.
type SessionMode string

const (
	ModeConversation SessionMode = "conversation"
	ModeDevelopment  SessionMode = "development"
)

// ValidMode reports whether m names a known session mode.
func ValidMode(m SessionMode) bool {
	return m == ModeConversation || m == ModeDevelopment
}

// SessionState is the lifecycle state of a session.
type SessionState string

const (
	StateActive    SessionState = "active"
	StatePaused    SessionState = "paused"
	StateCompleted SessionState = "completed"
	StateError     SessionState = "error"
)

// Terminal reports whether no further prompt may be accepted.
func (s SessionState) Terminal() bool {
	return s == StateCompleted || s == StateError
}

// SessionOptions holds caller-tunable session behaviour.
type SessionOptions struct {
	PersistHistory bool     `json:"persistHistory"`
	EnableGitOps   bool     `json:"enableGitOps"`
	ContextFiles   []string `json:"contextFiles,omitempty"`
}

// StopReason is the terminal outcome of a prompt.
type StopReason string

const (
	StopCompleted StopReason = "completed"
	StopCancelled StopReason = "cancelled"
	StopError     StopReason = "error"
	StopTimeout   StopReason = "timeout"
)

// UpdateStatus is the status carried by a session/update notification.
type UpdateStatus string

const (
	StatusThinking  UpdateStatus = "thinking"
	StatusWorking   UpdateStatus = "working"
	StatusCompleted UpdateStatus = "completed"
	StatusError     UpdateStatus = "error"
)

// InitializeParams for the initialize method.
type InitializeParams struct {
	ProtocolVersion string `json:"protocolVersion"`
}

// AgentCapabilities advertises what the gateway can do.
type AgentCapabilities struct {
	EditWorkspace      bool `json:"editWorkspace"`
	FilesRead          bool `json:"filesRead"`
	FilesWrite         bool `json:"filesWrite"`
	SessionPersistence bool `json:"sessionPersistence"`
	StreamingUpdates   bool `json:"streamingUpdates"`
	GithubIntegration  bool `json:"githubIntegration"`
}

// AgentInfo identifies the gateway.
type AgentInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeResult from the initialize method.
type InitializeResult struct {
	ProtocolVersion   string            `json:"protocolVersion"`
	AgentCapabilities AgentCapabilities `json:"agentCapabilities"`
	AgentInfo         AgentInfo         `json:"agentInfo"`
}

// SessionNewParams for session/new. All fields are optional.
type SessionNewParams struct {
	WorkspaceURI   string            `json:"workspaceUri,omitempty"`
	Mode           SessionMode       `json:"mode,omitempty"`
	SessionOptions *SessionOptions   `json:"sessionOptions,omitempty"`
	InitialContext *InitialContext   `json:"initialContext,omitempty"`
	ResumeState    *ResumeState      `json:"resumeState,omitempty"`
	AgentContext   map[string]string `json:"agentContext,omitempty"`
}

// InitialContext carries caller-provided context for a new session.
type InitialContext struct {
	ContextSummary string `json:"contextSummary,omitempty"`
}

// ResumeState carries editor state for a resumed session.
type ResumeState struct {
	OpenFiles []string `json:"openFiles,omitempty"`
}

// WorkspaceInfo describes a session's workspace on the wire.
type WorkspaceInfo struct {
	RootPath              string `json:"rootPath"`
	GitBranch             string `json:"gitBranch,omitempty"`
	HasUncommittedChanges bool   `json:"hasUncommittedChanges"`
}

// SessionNewResult from session/new.
type SessionNewResult struct {
	SessionID     string        `json:"sessionId"`
	WorkspaceInfo WorkspaceInfo `json:"workspaceInfo"`
}

// SessionLoadParams for session/load.
type SessionLoadParams struct {
	SessionID string `json:"sessionId"`
}

// SessionInfo summarizes a session for session/load.
type SessionInfo struct {
	SessionID    string       `json:"sessionId"`
	State        SessionState `json:"state"`
	CreatedAt    time.Time    `json:"createdAt"`
	LastActiveAt time.Time    `json:"lastActiveAt"`
}

// SessionLoadResult from session/load.
type SessionLoadResult struct {
	SessionInfo      SessionInfo   `json:"sessionInfo"`
	WorkspaceInfo    WorkspaceInfo `json:"workspaceInfo"`
	HistoryAvailable bool          `json:"historyAvailable"`
	History          []Exchange    `json:"history,omitempty"`
}

// SessionPromptParams for session/prompt.
type SessionPromptParams struct {
	SessionID    string            `json:"sessionId"`
	Content      []ContentBlock    `json:"content"`
	ContextFiles []string          `json:"contextFiles,omitempty"`
	AgentContext map[string]string `json:"agentContext,omitempty"`
}

// Validate checks the required session/prompt params.
func (p *SessionPromptParams) Validate() error {
	if p.SessionID == "" {
		return fmt.Errorf("sessionId is required")
	}
	if len(p.Content) == 0 {
		return fmt.Errorf("content must be a non-empty array")
	}
	return nil
}

// Usage reports token accounting for a prompt.
type Usage struct {
	InputTokens     int `json:"inputTokens"`
	OutputTokens    int `json:"outputTokens"`
	CacheReadTokens int `json:"cacheReadTokens,omitempty"`
}

// GithubOperations reports git automation performed during a prompt.
type GithubOperations struct {
	CommitSHA string `json:"commitSha,omitempty"`
	Branch    string `json:"branch,omitempty"`
	Pushed    bool   `json:"pushed"`
}

// GithubAutomation reports PR-level automation performed during a prompt.
type GithubAutomation struct {
	PullRequestURL    string `json:"pullRequestUrl,omitempty"`
	PullRequestNumber int    `json:"pullRequestNumber,omitempty"`
	CommentPosted     bool   `json:"commentPosted,omitempty"`
}

// SessionPromptResult from session/prompt.
type SessionPromptResult struct {
	StopReason       StopReason        `json:"stopReason"`
	Usage            Usage             `json:"usage"`
	Summary          string            `json:"summary,omitempty"`
	GithubOperations *GithubOperations `json:"githubOperations,omitempty"`
	GithubAutomation *GithubAutomation `json:"githubAutomation,omitempty"`
}

// SessionSetModeParams for session/setMode.
type SessionSetModeParams struct {
	SessionID string      `json:"sessionId"`
	Mode      SessionMode `json:"mode"`
}

// CancelParams for cancel.
type CancelParams struct {
	SessionID   string `json:"sessionId"`
	OperationID string `json:"operationId,omitempty"`
}

// CancelResult from cancel.
type CancelResult struct {
	Cancelled bool `json:"cancelled"`
}

// Progress reports step progress inside a session/update.
type Progress struct {
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Message string `json:"message,omitempty"`
}

// ToolCallInfo describes a tool invocation inside a session/update.
type ToolCallInfo struct {
	Name     string          `json:"name"`
	RawInput json.RawMessage `json:"rawInput,omitempty"`
}

// ToolResultInfo describes a tool outcome inside a session/update.
type ToolResultInfo struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Output string `json:"output,omitempty"`
}

// SessionUpdate is the params payload of a session/update notification.
type SessionUpdate struct {
	SessionID  string          `json:"sessionId"`
	Status     UpdateStatus    `json:"status"`
	Content    []ContentBlock  `json:"content,omitempty"`
	Progress   *Progress       `json:"progress,omitempty"`
	ToolCall   *ToolCallInfo   `json:"toolCall,omitempty"`
	ToolResult *ToolResultInfo `json:"toolResult,omitempty"`
	Error      *UpdateError    `json:"error,omitempty"`
}

// UpdateError is the error body attached to a status=error update.
type UpdateError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ReadTextFileParams for fs/readTextFile (bridge transports).
type ReadTextFileParams struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
}

// ReadTextFileResult from fs/readTextFile.
type ReadTextFileResult struct {
	Content string `json:"content"`
}

// WriteTextFileParams for fs/writeTextFile (bridge transports).
type WriteTextFileParams struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	Content   string `json:"content"`
}

// WriteTextFileResult from fs/writeTextFile.
type WriteTextFileResult struct {
	Written bool `json:"written"`
}
