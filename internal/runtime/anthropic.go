package runtime

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/agentgate/agentgate/internal/classify"
	"github.com/agentgate/agentgate/pkg/acp/protocol"
)

const (
	anthropicVersion = "2023-06-01"
	defaultMaxTokens = 8192
	messagesEndpoint = "/v1/messages"
)

// apiBlock is the provider's content block shape, used in both directions.
type apiBlock struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`

	// image
	Source *apiImageSource `json:"source,omitempty"`
}

type apiImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type apiMessage struct {
	Role    string     `json:"role"`
	Content []apiBlock `json:"content"`
}

type apiUsage struct {
	InputTokens          int `json:"input_tokens"`
	OutputTokens         int `json:"output_tokens"`
	CacheReadInputTokens int `json:"cache_read_input_tokens"`
}

type messagesRequest struct {
	Model     string       `json:"model"`
	System    string       `json:"system,omitempty"`
	Messages  []apiMessage `json:"messages"`
	MaxTokens int          `json:"max_tokens"`
	Stream    bool         `json:"stream,omitempty"`
	Tools     []ToolDef    `json:"tools,omitempty"`
}

// sseEvent is one decoded server-sent event from the messages stream.
type sseEvent struct {
	Type         string    `json:"type"`
	Index        int       `json:"index"`
	ContentBlock *apiBlock `json:"content_block,omitempty"`
	Message      *struct {
		Usage apiUsage `json:"usage"`
	} `json:"message,omitempty"`
	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		Thinking    string `json:"thinking"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta,omitempty"`
	Usage *apiUsage `json:"usage,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// streamOutcome is the accumulated result of one streamed model turn.
type streamOutcome struct {
	Blocks     []apiBlock
	StopReason string
	Usage      protocol.Usage
}

// apiClient holds the provider connection shared by the adapters.
type apiClient struct {
	baseURL      string
	apiKey       string
	http         *http.Client
	stallTimeout time.Duration
}

func (c *apiClient) newRequest(ctx context.Context, path string, body interface{}) (*http.Request, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(c.baseURL, "/")+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)
	return req, nil
}

// checkStatus converts a non-2xx response to a classified error. The
// response body is read and truncated; credentials never appear in it.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return classify.New(classify.CodeAuthError,
			fmt.Sprintf("model API rejected credentials (status %d)", resp.StatusCode))
	default:
		return classify.Classify(
			fmt.Errorf("model API returned status %d", resp.StatusCode), string(body))
	}
}

// stream runs one streaming messages call, forwarding deltas to onEvent and
// returning the fully accumulated turn. A stall (no event within the stall
// timeout) aborts the call.
func (c *apiClient) stream(ctx context.Context, body messagesRequest, onEvent func(sseEvent)) (*streamOutcome, error) {
	body.Stream = true

	streamCtx, cancelStream := context.WithCancel(ctx)
	defer cancelStream()

	req, err := c.newRequest(streamCtx, messagesEndpoint, body)
	if err != nil {
		return nil, classify.Classify(err, "")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() == context.Canceled {
			return nil, classify.Cancelled()
		}
		return nil, classify.Classify(err, "")
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	stall := c.stallTimeout
	if stall <= 0 {
		stall = 60 * time.Second
	}
	var stalled atomic.Bool
	stallTimer := time.AfterFunc(stall, func() {
		stalled.Store(true)
		cancelStream()
	})
	defer stallTimer.Stop()

	outcome := &streamOutcome{}
	// Partial tool_use input arrives as JSON fragments per block index.
	partials := make(map[int]*strings.Builder)
	blockAt := make(map[int]int) // stream index -> outcome.Blocks index

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}

		var ev sseEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue // tolerate unknown event payloads
		}
		stallTimer.Reset(stall)

		switch ev.Type {
		case "message_start":
			if ev.Message != nil {
				outcome.Usage.InputTokens = ev.Message.Usage.InputTokens
				outcome.Usage.CacheReadTokens = ev.Message.Usage.CacheReadInputTokens
			}
		case "content_block_start":
			if ev.ContentBlock != nil {
				blockAt[ev.Index] = len(outcome.Blocks)
				block := *ev.ContentBlock
				if block.Type == "tool_use" {
					block.Input = nil
					partials[ev.Index] = &strings.Builder{}
				}
				outcome.Blocks = append(outcome.Blocks, block)
			}
		case "content_block_delta":
			if ev.Delta == nil {
				break
			}
			idx, ok := blockAt[ev.Index]
			if !ok {
				break
			}
			switch ev.Delta.Type {
			case "text_delta":
				outcome.Blocks[idx].Text += ev.Delta.Text
			case "thinking_delta":
				outcome.Blocks[idx].Text += ev.Delta.Thinking
			case "input_json_delta":
				if b := partials[ev.Index]; b != nil {
					b.WriteString(ev.Delta.PartialJSON)
				}
			}
		case "content_block_stop":
			if b, ok := partials[ev.Index]; ok {
				idx := blockAt[ev.Index]
				input := b.String()
				if input == "" {
					input = "{}"
				}
				outcome.Blocks[idx].Input = json.RawMessage(input)
				delete(partials, ev.Index)
			}
		case "message_delta":
			if ev.Delta != nil && ev.Delta.StopReason != "" {
				outcome.StopReason = ev.Delta.StopReason
			}
			if ev.Usage != nil {
				outcome.Usage.OutputTokens = ev.Usage.OutputTokens
			}
		case "error":
			if ev.Error != nil {
				return nil, classify.Classify(
					fmt.Errorf("model stream error: %s", ev.Error.Message), "")
			}
		}

		if onEvent != nil {
			onEvent(ev)
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() == context.Canceled {
			return nil, classify.Cancelled()
		}
		if stalled.Load() {
			return nil, classify.New(classify.CodeTimeout,
				fmt.Sprintf("model stream stalled for %s", stall))
		}
		return nil, classify.Classify(err, "")
	}
	if stalled.Load() {
		return nil, classify.New(classify.CodeTimeout,
			fmt.Sprintf("model stream stalled for %s", stall))
	}

	return outcome, nil
}

// toAPIMessages converts runtime messages to the provider shape. Blocks with
// no provider equivalent are dropped.
func toAPIMessages(messages []Message) []apiMessage {
	out := make([]apiMessage, 0, len(messages))
	for _, m := range messages {
		am := apiMessage{Role: string(m.Role)}
		for _, b := range m.Content {
			switch b.Type {
			case protocol.BlockTypeText:
				am.Content = append(am.Content, apiBlock{Type: "text", Text: b.Text})
			case protocol.BlockTypeImage:
				am.Content = append(am.Content, apiBlock{
					Type: "image",
					Source: &apiImageSource{
						Type:      "base64",
						MediaType: b.MimeType,
						Data:      b.Data,
					},
				})
			case protocol.BlockTypeFile:
				am.Content = append(am.Content, apiBlock{
					Type: "text",
					Text: fmt.Sprintf("File %s:\n%s", b.Path, b.Text),
				})
			case protocol.BlockTypeDiff:
				am.Content = append(am.Content, apiBlock{
					Type: "text",
					Text: fmt.Sprintf("Proposed change to %s:\n```diff\n%s\n```", b.Path, b.NewText),
				})
			}
		}
		if len(am.Content) > 0 {
			out = append(out, am)
		}
	}
	return out
}
