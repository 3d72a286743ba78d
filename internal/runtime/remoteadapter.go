package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentgate/agentgate/internal/classify"
	"github.com/agentgate/agentgate/internal/common/config"
	"github.com/agentgate/agentgate/internal/common/logger"
	"github.com/agentgate/agentgate/pkg/acp/protocol"
)

// RemoteAdapter submits the prompt to a remote conversation service and
// polls for the result. Last in the cascade: no streaming, no tools, but it
// works when nothing can run locally.
type RemoteAdapter struct {
	baseURL      string
	apiKey       string
	http         *http.Client
	callTimeout  time.Duration
	pollInterval time.Duration
	logger       *logger.Logger
}

// NewRemoteAdapter builds the polling adapter.
func NewRemoteAdapter(cfg config.RuntimeConfig, log *logger.Logger) *RemoteAdapter {
	return &RemoteAdapter{
		baseURL:      cfg.RemoteBaseURL,
		apiKey:       cfg.APIKey,
		http:         &http.Client{Timeout: 30 * time.Second},
		callTimeout:  cfg.CallTimeoutDuration(),
		pollInterval: 2 * time.Second,
		logger:       log.WithFields(zap.String("adapter", string(KindRemote))),
	}
}

func (a *RemoteAdapter) Kind() Kind { return KindRemote }

func (a *RemoteAdapter) Available(ctx context.Context) bool {
	return a.baseURL != "" && a.apiKey != ""
}

type remoteConversation struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Output string `json:"output"`
	Error  string `json:"error,omitempty"`
	Usage  struct {
		InputTokens  int `json:"inputTokens"`
		OutputTokens int `json:"outputTokens"`
	} `json:"usage"`
}

func (a *RemoteAdapter) Run(ctx context.Context, req *Request, cb Callbacks) (*Result, error) {
	timeout := a.callTimeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conv, err := a.createConversation(ctx, req)
	if err != nil {
		return nil, err
	}
	a.logger.Debug("remote conversation created", zap.String("conversation_id", conv.ID))

	interval := a.pollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return nil, classify.New(classify.CodeTimeout,
					fmt.Sprintf("remote conversation %s did not finish within %s", conv.ID, timeout))
			}
			return nil, classify.Cancelled()
		case <-ticker.C:
		}

		conv, err = a.getConversation(ctx, conv.ID)
		if err != nil {
			return nil, err
		}

		switch conv.Status {
		case "completed":
			cb.text(conv.Output)
			return &Result{
				Text: conv.Output,
				Usage: protocol.Usage{
					InputTokens:  conv.Usage.InputTokens,
					OutputTokens: conv.Usage.OutputTokens,
				},
				Steps: 1,
			}, nil
		case "failed":
			return nil, classify.Classify(
				fmt.Errorf("remote conversation failed: %s", conv.Error), "")
		default:
			// pending or running, keep polling
		}
	}
}

func (a *RemoteAdapter) createConversation(ctx context.Context, req *Request) (*remoteConversation, error) {
	body := map[string]interface{}{
		"model":    req.Model,
		"system":   req.System,
		"messages": toAPIMessages(req.Messages),
	}
	return a.do(ctx, http.MethodPost, "/v1/conversations", body)
}

func (a *RemoteAdapter) getConversation(ctx context.Context, id string) (*remoteConversation, error) {
	return a.do(ctx, http.MethodGet, "/v1/conversations/"+id, nil)
}

func (a *RemoteAdapter) do(ctx context.Context, method, path string, body interface{}) (*remoteConversation, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, classify.Classify(err, "")
		}
		reader = strings.NewReader(string(payload))
	}

	req, err := http.NewRequestWithContext(ctx, method,
		strings.TrimRight(a.baseURL, "/")+path, reader)
	if err != nil {
		return nil, classify.Classify(err, "")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := a.http.Do(req)
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

	var conv remoteConversation
	if err := json.NewDecoder(resp.Body).Decode(&conv); err != nil {
		return nil, classify.Classify(fmt.Errorf("decode conversation response: %w", err), "")
	}
	return &conv, nil
}
