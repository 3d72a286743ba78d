package runtime

import (
	"context"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentgate/agentgate/internal/classify"
	"github.com/agentgate/agentgate/internal/common/config"
	"github.com/agentgate/agentgate/internal/common/logger"
)

// SDKAdapter runs the full agent loop: stream a model turn, execute any tool
// calls it makes, feed the results back, repeat until the model stops or the
// step budget runs out.
type SDKAdapter struct {
	client     *apiClient
	stepBudget int
	disabled   bool
	logger     *logger.Logger
}

// NewSDKAdapter builds the streaming tool-loop adapter.
func NewSDKAdapter(cfg config.RuntimeConfig, log *logger.Logger) *SDKAdapter {
	return &SDKAdapter{
		client: &apiClient{
			baseURL:      cfg.BaseURL,
			apiKey:       cfg.APIKey,
			http:         &http.Client{},
			stallTimeout: cfg.StallTimeoutDuration(),
		},
		stepBudget: cfg.StepBudget,
		disabled:   cfg.DisableStreamingSDK,
		logger:     log.WithFields(zap.String("adapter", string(KindStreamingSDK))),
	}
}

func (a *SDKAdapter) Kind() Kind { return KindStreamingSDK }

// Available requires an API key and the adapter not being disabled.
func (a *SDKAdapter) Available(ctx context.Context) bool {
	return !a.disabled && a.client.apiKey != ""
}

func (a *SDKAdapter) Run(ctx context.Context, req *Request, cb Callbacks) (*Result, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	messages := toAPIMessages(req.Messages)
	result := &Result{}
	var text strings.Builder

	budget := a.stepBudget
	if budget <= 0 {
		budget = 10
	}

	for step := 1; step <= budget; step++ {
		if ctx.Err() != nil {
			return nil, classify.Cancelled()
		}
		result.Steps = step

		outcome, err := a.client.stream(ctx, messagesRequest{
			Model:     req.Model,
			System:    req.System,
			Messages:  messages,
			MaxTokens: maxTokens,
			Tools:     req.Tools,
		}, func(ev sseEvent) {
			if ev.Type == "content_block_delta" && ev.Delta != nil {
				switch ev.Delta.Type {
				case "text_delta":
					cb.text(ev.Delta.Text)
				case "thinking_delta":
					cb.thought(ev.Delta.Thinking)
				}
			}
		})
		if err != nil {
			return nil, err
		}

		result.Usage.InputTokens += outcome.Usage.InputTokens
		result.Usage.OutputTokens += outcome.Usage.OutputTokens
		result.Usage.CacheReadTokens += outcome.Usage.CacheReadTokens

		var toolUses []apiBlock
		for _, b := range outcome.Blocks {
			switch b.Type {
			case "text":
				text.WriteString(b.Text)
			case "tool_use":
				toolUses = append(toolUses, b)
			}
		}

		if outcome.StopReason != "tool_use" || len(toolUses) == 0 {
			result.Text = text.String()
			return result, nil
		}

		if req.Executor == nil {
			return nil, classify.New(classify.CodeInternalCLIFailure,
				"model requested tools but no executor is wired")
		}

		// Feed every tool result back in one user turn.
		messages = append(messages, apiMessage{Role: "assistant", Content: outcome.Blocks})
		var results []apiBlock
		for _, tu := range toolUses {
			cb.toolCall(tu.Name, tu.Input)

			start := time.Now()
			output, isError := req.Executor.Execute(ctx, tu.Name, tu.Input)
			a.logger.Debug("tool executed",
				zap.String("tool", tu.Name),
				zap.Bool("error", isError),
				zap.Duration("duration", time.Since(start)))

			status := "success"
			if isError {
				status = "error"
			}
			cb.toolResult(tu.Name, status, output)

			results = append(results, apiBlock{
				Type:      "tool_result",
				ToolUseID: tu.ID,
				Content:   output,
				IsError:   isError,
			})
		}
		messages = append(messages, apiMessage{Role: "user", Content: results})
	}

	// Budget exhausted: return what we have rather than failing the prompt.
	a.logger.Warn("step budget exhausted", zap.Int("budget", budget))
	result.Text = text.String()
	return result, nil
}
