package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/agentgate/internal/classify"
	"github.com/agentgate/agentgate/internal/common/config"
	"github.com/agentgate/agentgate/internal/common/logger"
	"github.com/agentgate/agentgate/pkg/acp/protocol"
)

// sseResponse writes a scripted event stream in the provider's wire format.
func sseResponse(w http.ResponseWriter, events ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	for _, ev := range events {
		fmt.Fprintf(w, "data: %s\n\n", ev)
	}
}

func textTurn(w http.ResponseWriter, text string) {
	sseResponse(w,
		`{"type":"message_start","message":{"usage":{"input_tokens":12}}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"text"}}`,
		fmt.Sprintf(`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":%q}}`, text),
		`{"type":"content_block_stop","index":0}`,
		`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":5}}`,
		`{"type":"message_stop"}`,
	)
}

func runtimeConfig(baseURL string) config.RuntimeConfig {
	return config.RuntimeConfig{
		APIKey:       "test-key",
		BaseURL:      baseURL,
		StepBudget:   10,
		StallTimeout: 5,
		CallTimeout:  10,
	}
}

func TestHTTPAdapter_StreamsText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))
		textTurn(w, "hello world")
	}))
	defer srv.Close()

	adapter := NewHTTPAdapter(runtimeConfig(srv.URL), logger.Default())
	require.True(t, adapter.Available(context.Background()))

	var mu sync.Mutex
	var streamed strings.Builder
	res, err := adapter.Run(context.Background(), &Request{
		Model:    "claude-sonnet-4-5",
		Messages: []Message{{Role: protocol.RoleUser, Content: []protocol.ContentBlock{protocol.TextBlock("hi")}}},
	}, Callbacks{OnText: func(d string) {
		mu.Lock()
		streamed.WriteString(d)
		mu.Unlock()
	}})
	require.NoError(t, err)

	assert.Equal(t, "hello world", res.Text)
	assert.Equal(t, "hello world", streamed.String())
	assert.Equal(t, 12, res.Usage.InputTokens)
	assert.Equal(t, 5, res.Usage.OutputTokens)
}

func TestHTTPAdapter_AuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"type":"authentication_error"}}`)
	}))
	defer srv.Close()

	adapter := NewHTTPAdapter(runtimeConfig(srv.URL), logger.Default())
	_, err := adapter.Run(context.Background(), &Request{Model: "m"}, Callbacks{})
	require.Error(t, err)
	assert.True(t, classify.IsCode(err, classify.CodeAuthError))
	assert.NotContains(t, err.Error(), "test-key")
}

func TestHTTPAdapter_UnavailableWithoutKey(t *testing.T) {
	adapter := NewHTTPAdapter(config.RuntimeConfig{}, logger.Default())
	assert.False(t, adapter.Available(context.Background()))
}

// recordingExecutor answers every tool call with a canned output.
type recordingExecutor struct {
	mu    sync.Mutex
	calls []string
}

func (e *recordingExecutor) Execute(ctx context.Context, name string, input json.RawMessage) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, name)
	return "file contents here", false
}

func TestSDKAdapter_ToolLoop(t *testing.T) {
	var mu sync.Mutex
	turn := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req messagesRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		mu.Lock()
		turn++
		current := turn
		mu.Unlock()

		if current == 1 {
			// First turn: the model asks to read a file.
			sseResponse(w,
				`{"type":"message_start","message":{"usage":{"input_tokens":10}}}`,
				`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"tu_1","name":"read_file"}}`,
				`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"path\":"}}`,
				`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"\"main.go\"}"}}`,
				`{"type":"content_block_stop","index":0}`,
				`{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":7}}`,
			)
			return
		}

		// Second turn must carry the tool result back.
		last := req.Messages[len(req.Messages)-1]
		require.Equal(t, "user", last.Role)
		require.NotEmpty(t, last.Content)
		assert.Equal(t, "tool_result", last.Content[0].Type)
		assert.Equal(t, "tu_1", last.Content[0].ToolUseID)
		assert.Equal(t, "file contents here", last.Content[0].Content)

		textTurn(w, "done")
	}))
	defer srv.Close()

	adapter := NewSDKAdapter(runtimeConfig(srv.URL), logger.Default())
	exec := &recordingExecutor{}

	var toolCalls []string
	res, err := adapter.Run(context.Background(), &Request{
		Model:    "claude-sonnet-4-5",
		Messages: []Message{{Role: protocol.RoleUser, Content: []protocol.ContentBlock{protocol.TextBlock("read main.go")}}},
		Tools: []ToolDef{{
			Name:        "read_file",
			Description: "read a file",
			InputSchema: json.RawMessage(`{"type":"object"}`),
		}},
		Executor: exec,
	}, Callbacks{OnToolCall: func(name string, input json.RawMessage) {
		toolCalls = append(toolCalls, name)
	}})
	require.NoError(t, err)

	assert.Equal(t, "done", res.Text)
	assert.Equal(t, 2, res.Steps)
	assert.Equal(t, []string{"read_file"}, exec.calls)
	assert.Equal(t, []string{"read_file"}, toolCalls)
	assert.Equal(t, 22, res.Usage.InputTokens)
	assert.Equal(t, 12, res.Usage.OutputTokens)
}

func TestSDKAdapter_StepBudgetExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Every turn requests another tool call, never finishing.
		sseResponse(w,
			`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"tu_x","name":"read_file"}}`,
			`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{}"}}`,
			`{"type":"content_block_stop","index":0}`,
			`{"type":"message_delta","delta":{"stop_reason":"tool_use"}}`,
		)
	}))
	defer srv.Close()

	cfg := runtimeConfig(srv.URL)
	cfg.StepBudget = 3
	adapter := NewSDKAdapter(cfg, logger.Default())

	res, err := adapter.Run(context.Background(), &Request{
		Model:    "m",
		Messages: []Message{{Role: protocol.RoleUser, Content: []protocol.ContentBlock{protocol.TextBlock("go")}}},
		Executor: &recordingExecutor{},
	}, Callbacks{})
	require.NoError(t, err, "exhausting the budget is not an error")
	assert.Equal(t, 3, res.Steps)
}

func TestSDKAdapter_DisabledByConfig(t *testing.T) {
	cfg := runtimeConfig("http://unused")
	cfg.DisableStreamingSDK = true
	adapter := NewSDKAdapter(cfg, logger.Default())
	assert.False(t, adapter.Available(context.Background()))
}

func TestRemoteAdapter_Polls(t *testing.T) {
	var mu sync.Mutex
	polls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			json.NewEncoder(w).Encode(remoteConversation{ID: "c1", Status: "pending"})
		default:
			mu.Lock()
			polls++
			current := polls
			mu.Unlock()
			if current < 2 {
				json.NewEncoder(w).Encode(remoteConversation{ID: "c1", Status: "running"})
				return
			}
			conv := remoteConversation{ID: "c1", Status: "completed", Output: "remote answer"}
			conv.Usage.InputTokens = 3
			conv.Usage.OutputTokens = 4
			json.NewEncoder(w).Encode(conv)
		}
	}))
	defer srv.Close()

	cfg := runtimeConfig(srv.URL)
	cfg.RemoteBaseURL = srv.URL
	adapter := NewRemoteAdapter(cfg, logger.Default())
	adapter.pollInterval = 10 * time.Millisecond
	require.True(t, adapter.Available(context.Background()))

	res, err := adapter.Run(context.Background(), &Request{Model: "m"}, Callbacks{})
	require.NoError(t, err)
	assert.Equal(t, "remote answer", res.Text)
	assert.Equal(t, 3, res.Usage.InputTokens)
	assert.Equal(t, 4, res.Usage.OutputTokens)
}

func TestRemoteAdapter_Failed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			json.NewEncoder(w).Encode(remoteConversation{ID: "c1", Status: "pending"})
			return
		}
		json.NewEncoder(w).Encode(remoteConversation{ID: "c1", Status: "failed", Error: "model exploded"})
	}))
	defer srv.Close()

	cfg := runtimeConfig(srv.URL)
	cfg.RemoteBaseURL = srv.URL
	adapter := NewRemoteAdapter(cfg, logger.Default())
	adapter.pollInterval = 10 * time.Millisecond

	_, err := adapter.Run(context.Background(), &Request{Model: "m"}, Callbacks{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model exploded")
}
