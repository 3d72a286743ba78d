package runtime

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/agentgate/agentgate/internal/common/config"
	"github.com/agentgate/agentgate/internal/common/logger"
)

// HTTPAdapter streams a single model turn over SSE without tool execution.
// It is the fallback when the tool loop cannot run, and the first choice in
// environments where the richer adapter is known to misbehave.
type HTTPAdapter struct {
	client *apiClient
	logger *logger.Logger
}

// NewHTTPAdapter builds the plain SSE adapter.
func NewHTTPAdapter(cfg config.RuntimeConfig, log *logger.Logger) *HTTPAdapter {
	return &HTTPAdapter{
		client: &apiClient{
			baseURL:      cfg.BaseURL,
			apiKey:       cfg.APIKey,
			http:         &http.Client{},
			stallTimeout: cfg.StallTimeoutDuration(),
		},
		logger: log.WithFields(zap.String("adapter", string(KindHTTPAPI))),
	}
}

func (a *HTTPAdapter) Kind() Kind { return KindHTTPAPI }

func (a *HTTPAdapter) Available(ctx context.Context) bool {
	return a.client.apiKey != ""
}

func (a *HTTPAdapter) Run(ctx context.Context, req *Request, cb Callbacks) (*Result, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	outcome, err := a.client.stream(ctx, messagesRequest{
		Model:     req.Model,
		System:    req.System,
		Messages:  toAPIMessages(req.Messages),
		MaxTokens: maxTokens,
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

	var text strings.Builder
	for _, b := range outcome.Blocks {
		if b.Type == "text" {
			text.WriteString(b.Text)
		}
	}

	return &Result{
		Text:  text.String(),
		Usage: outcome.Usage,
		Steps: 1,
	}, nil
}
