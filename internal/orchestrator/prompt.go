package orchestrator

import (
	"fmt"
	"strings"

	"github.com/agentgate/agentgate/internal/runtime"
	"github.com/agentgate/agentgate/internal/sandbox"
	"github.com/agentgate/agentgate/pkg/acp/protocol"
)

// agentRoleKey is the agentContext entry that selects a system-prompt
// preamble. Only roleExecutor has one; any other value, or no role at all,
// leaves the prompt bare.
const (
	agentRoleKey = "agentRole"
	roleExecutor = "executor"
)

// executorPreamble frames the model as a code executor working against a
// real checkout. It is injected only for sessions whose agentContext names
// the executor role.
const executorPreamble = `You are a coding agent operating on a real git workspace.
You may read and modify files, run allow-listed commands, and apply unified
diffs using the provided tools. Prefer minimal, reviewable changes. When you
change code, present the change as a unified diff in a fenced ` + "```diff" + ` block
so it can be applied and committed.`

// composeSystemPrompt builds the system prompt for a session.
func composeSystemPrompt(role, contextSummary string) string {
	var b strings.Builder
	if role == roleExecutor {
		b.WriteString(executorPreamble)
	}
	if contextSummary != "" {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("Session context:\n")
		b.WriteString(contextSummary)
	}
	return b.String()
}

// attachContextFiles reads the named files through the sandbox and appends
// them as file blocks to the prompt content. Unreadable files are skipped;
// oversized files are truncated to the configured cap.
func attachContextFiles(sb *sandbox.Sandbox, paths []string, limit int64, content []protocol.ContentBlock) []protocol.ContentBlock {
	for _, path := range paths {
		res, err := sb.ReadFile(path)
		if err != nil {
			continue
		}
		text := res.Content
		if limit > 0 && int64(len(text)) > limit {
			text = text[:limit] + "\n... (truncated)"
		}
		content = append(content, protocol.ContentBlock{
			Type: protocol.BlockTypeFile,
			Path: path,
			Text: text,
		})
	}
	return content
}

// buildRequest assembles the full model request for one prompt turn.
func buildRequest(s *sessionView, content []protocol.ContentBlock, model string, tail int) *runtime.Request {
	var messages []runtime.Message
	if !s.rehydrated && len(s.history) > 0 {
		messages = rehydrate(s.history, tail)
	}
	messages = append(messages, runtime.Message{Role: protocol.RoleUser, Content: content})

	return &runtime.Request{
		SessionID: s.id,
		Model:     model,
		System:    composeSystemPrompt(s.agentRole, s.contextSummary),
		Messages:  messages,
	}
}

// sessionView is the slice of session state the prompt builder needs.
type sessionView struct {
	id             string
	agentRole      string
	history        []protocol.Exchange
	rehydrated     bool
	contextSummary string
}

// estimateRequestTokens approximates the prompt size for usage accounting
// when the backend reports nothing.
func estimateRequestTokens(req *runtime.Request) int {
	total := runtime.EstimateTokens(req.System)
	for _, m := range req.Messages {
		for _, b := range m.Content {
			total += runtime.EstimateTokens(b.Text)
			total += runtime.EstimateTokens(b.NewText)
		}
	}
	return total
}

// summarize produces the short result summary returned with the prompt
// response: first line of the response, capped.
func summarize(text string) string {
	line := text
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	line = strings.TrimSpace(line)
	if len(line) > 200 {
		line = line[:200]
	}
	if line == "" && text != "" {
		return fmt.Sprintf("%d bytes of output", len(text))
	}
	return line
}
