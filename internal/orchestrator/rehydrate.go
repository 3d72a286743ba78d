package orchestrator

import (
	"github.com/agentgate/agentgate/internal/runtime"
	"github.com/agentgate/agentgate/pkg/acp/protocol"
)

// rehydrate converts stored history into model messages. Only replayable
// blocks survive: tool_use/tool_result pairs from previous runs carry
// provider-side IDs that no longer exist, and thought/error blocks are
// transient. Exchanges left empty after filtering are dropped, then only the
// trailing tail is replayed to bound prompt growth.
func rehydrate(history []protocol.Exchange, tail int) []runtime.Message {
	sanitized := make([]runtime.Message, 0, len(history))
	for _, ex := range history {
		var content []protocol.ContentBlock
		for _, b := range ex.Content {
			if b.Replayable() {
				content = append(content, b)
			}
		}
		if len(content) == 0 {
			continue
		}
		sanitized = append(sanitized, runtime.Message{Role: ex.Role, Content: content})
	}

	if tail > 0 && len(sanitized) > tail {
		sanitized = sanitized[len(sanitized)-tail:]
	}
	return sanitized
}
