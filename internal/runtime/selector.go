package runtime

import (
	"context"
	"os"

	"go.uber.org/zap"

	"github.com/agentgate/agentgate/internal/classify"
	"github.com/agentgate/agentgate/internal/common/config"
	"github.com/agentgate/agentgate/internal/common/logger"
)

// Selector tries adapters in preference order until one succeeds.
// Cancellation is terminal: it stops the cascade instead of falling through
// to the next adapter.
type Selector struct {
	adapters []Adapter
	logger   *logger.Logger
}

// NewSelector wires the standard cascade from configuration. The default
// order is streaming SDK, then HTTP, then remote. When FORCE_HTTP_API is set
// or the process runs as root, the HTTP adapter moves to the front: the tool
// loop's subprocess handling is unreliable in those environments. With
// DISABLE_LOCAL_CLI the streaming SDK adapter is excluded entirely.
func NewSelector(cfg config.RuntimeConfig, log *logger.Logger) *Selector {
	sdk := NewSDKAdapter(cfg, log)
	httpAPI := NewHTTPAdapter(cfg, log)
	remote := NewRemoteAdapter(cfg, log)

	var adapters []Adapter
	switch {
	case cfg.DisableLocalCLI:
		adapters = []Adapter{httpAPI, remote}
	case cfg.ForceHTTPAPI || runningAsRoot():
		adapters = []Adapter{httpAPI, sdk, remote}
	default:
		adapters = []Adapter{sdk, httpAPI, remote}
	}

	return NewSelectorWith(log, adapters...)
}

// NewSelectorWith builds a selector over an explicit adapter list.
func NewSelectorWith(log *logger.Logger, adapters ...Adapter) *Selector {
	return &Selector{
		adapters: adapters,
		logger:   log.WithFields(zap.String("component", "runtime-selector")),
	}
}

// Adapters returns the kinds in cascade order, availability-filtered.
func (s *Selector) Adapters(ctx context.Context) []Kind {
	var kinds []Kind
	for _, a := range s.adapters {
		if a.Available(ctx) {
			kinds = append(kinds, a.Kind())
		}
	}
	return kinds
}

// Run executes the request on the first available adapter, falling back on
// failure. The last failure is returned classified when every adapter fails.
func (s *Selector) Run(ctx context.Context, req *Request, cb Callbacks) (*Result, error) {
	var lastErr error
	attempted := 0

	for _, adapter := range s.adapters {
		if !adapter.Available(ctx) {
			s.logger.Debug("adapter unavailable, skipping",
				zap.String("adapter", string(adapter.Kind())))
			continue
		}
		attempted++

		s.logger.Info("running prompt on adapter",
			zap.String("adapter", string(adapter.Kind())),
			zap.String("session_id", req.SessionID),
			zap.String("model", req.Model))

		result, err := adapter.Run(ctx, req, cb)
		if err == nil {
			return result, nil
		}

		ce := classify.Classify(err, "")
		if ce.IsCancelled() {
			return nil, ce
		}
		s.logger.Warn("adapter failed, trying next",
			zap.String("adapter", string(adapter.Kind())),
			zap.String("code", string(ce.Code)),
			zap.Error(err))
		lastErr = ce
	}

	if attempted == 0 {
		return nil, classify.New(classify.CodeAuthError,
			"no model adapter is available; configure an API key")
	}
	return nil, classify.Classify(lastErr, "")
}

// runningAsRoot reports whether the process runs with uid 0.
func runningAsRoot() bool {
	return os.Geteuid() == 0
}
