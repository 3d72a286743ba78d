// Package events names the gateway's event types and subjects.
package events

import "fmt"

// Event types for sessions.
const (
	SessionCreated   = "session.created"
	SessionLoaded    = "session.loaded"
	SessionUpdate    = "session.update"
	SessionCompleted = "session.completed"
	SessionDeleted   = "session.deleted"
)

// Event types for prompt operations.
const (
	PromptStarted   = "prompt.started"
	PromptCompleted = "prompt.completed"
	PromptCancelled = "prompt.cancelled"
	PromptFailed    = "prompt.failed"
)

// SessionSubject returns the per-session update subject. Observers subscribe
// to "session.*.update" or "session.>" for the full stream.
func SessionSubject(sessionID string) string {
	return fmt.Sprintf("session.%s.update", sessionID)
}

// LifecycleSubject returns the per-session lifecycle subject.
func LifecycleSubject(sessionID string) string {
	return fmt.Sprintf("session.%s.lifecycle", sessionID)
}
