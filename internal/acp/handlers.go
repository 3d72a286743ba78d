// Package acp binds the gateway's operations onto the JSON-RPC dispatcher:
// one handler per protocol method, plus the error mapping from the internal
// taxonomy to wire codes.
package acp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/agentgate/agentgate/internal/classify"
	"github.com/agentgate/agentgate/internal/common/config"
	"github.com/agentgate/agentgate/internal/common/logger"
	"github.com/agentgate/agentgate/internal/orchestrator"
	"github.com/agentgate/agentgate/pkg/acp/jsonrpc"
	"github.com/agentgate/agentgate/pkg/acp/protocol"
)

// Server exposes the ACP surface over any transport that can carry JSON-RPC
// messages.
type Server struct {
	cfg        *config.Config
	orch       *orchestrator.Orchestrator
	dispatcher *jsonrpc.Dispatcher
	logger     *logger.Logger
}

// NewServer registers every ACP method on a fresh dispatcher.
func NewServer(cfg *config.Config, orch *orchestrator.Orchestrator, log *logger.Logger) *Server {
	s := &Server{
		cfg:        cfg,
		orch:       orch,
		dispatcher: jsonrpc.NewDispatcher(),
		logger:     log.WithFields(zap.String("component", "acp")),
	}

	s.dispatcher.Register(jsonrpc.MethodInitialize, s.handleInitialize)
	s.dispatcher.Register(jsonrpc.MethodSessionNew, s.handleSessionNew)
	s.dispatcher.Register(jsonrpc.MethodSessionLoad, s.handleSessionLoad)
	s.dispatcher.Register(jsonrpc.MethodSessionPrompt, s.handleSessionPrompt)
	s.dispatcher.Register(jsonrpc.MethodSessionSetMode, s.handleSessionSetMode)
	s.dispatcher.Register(jsonrpc.MethodCancel, s.handleCancel)
	s.dispatcher.Register(jsonrpc.MethodReadTextFile, s.handleReadTextFile)
	s.dispatcher.Register(jsonrpc.MethodWriteTextFile, s.handleWriteTextFile)

	return s
}

// Dispatcher returns the method table for transports to drive.
func (s *Server) Dispatcher() *jsonrpc.Dispatcher {
	return s.dispatcher
}

func (s *Server) handleInitialize(ctx context.Context, params json.RawMessage, notify jsonrpc.NotifySink) (interface{}, *jsonrpc.Error) {
	var p protocol.InitializeParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, invalidParams(err)
		}
	}

	return &protocol.InitializeResult{
		ProtocolVersion: s.cfg.Agent.ProtocolVersion,
		AgentCapabilities: protocol.AgentCapabilities{
			EditWorkspace:      true,
			FilesRead:          true,
			FilesWrite:         true,
			SessionPersistence: true,
			StreamingUpdates:   true,
			GithubIntegration:  s.cfg.GitHub.Token != "",
		},
		AgentInfo: protocol.AgentInfo{
			Name:    s.cfg.Agent.Name,
			Version: s.cfg.Agent.Version,
		},
	}, nil
}

func (s *Server) handleSessionNew(ctx context.Context, params json.RawMessage, notify jsonrpc.NotifySink) (interface{}, *jsonrpc.Error) {
	var p protocol.SessionNewParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, invalidParams(err)
		}
	}
	result, err := s.orch.NewSession(ctx, p)
	if err != nil {
		return nil, s.mapError(err)
	}
	return result, nil
}

func (s *Server) handleSessionLoad(ctx context.Context, params json.RawMessage, notify jsonrpc.NotifySink) (interface{}, *jsonrpc.Error) {
	var p protocol.SessionLoadParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, invalidParams(err)
	}
	result, err := s.orch.LoadSession(ctx, p)
	if err != nil {
		return nil, s.mapError(err)
	}
	return result, nil
}

func (s *Server) handleSessionPrompt(ctx context.Context, params json.RawMessage, notify jsonrpc.NotifySink) (interface{}, *jsonrpc.Error) {
	var p protocol.SessionPromptParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, invalidParams(err)
	}
	if err := p.Validate(); err != nil {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, err.Error(), nil)
	}

	sink := func(update protocol.SessionUpdate) {
		n, err := jsonrpc.NewNotification(jsonrpc.NotificationSessionUpdate, update)
		if err != nil {
			s.logger.Warn("dropping unmarshallable update", zap.Error(err))
			return
		}
		notify(n)
	}

	result, err := s.orch.Prompt(ctx, p, sink)
	if err != nil {
		return nil, s.mapError(err)
	}
	return result, nil
}

func (s *Server) handleSessionSetMode(ctx context.Context, params json.RawMessage, notify jsonrpc.NotifySink) (interface{}, *jsonrpc.Error) {
	var p protocol.SessionSetModeParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, invalidParams(err)
	}
	if err := s.orch.SetMode(ctx, p); err != nil {
		return nil, s.mapError(err)
	}
	return map[string]bool{"updated": true}, nil
}

func (s *Server) handleCancel(ctx context.Context, params json.RawMessage, notify jsonrpc.NotifySink) (interface{}, *jsonrpc.Error) {
	var p protocol.CancelParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, invalidParams(err)
	}
	result, err := s.orch.Cancel(ctx, p)
	if err != nil {
		return nil, s.mapError(err)
	}
	return result, nil
}

func (s *Server) handleReadTextFile(ctx context.Context, params json.RawMessage, notify jsonrpc.NotifySink) (interface{}, *jsonrpc.Error) {
	var p protocol.ReadTextFileParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, invalidParams(err)
	}
	result, err := s.orch.ReadTextFile(ctx, p)
	if err != nil {
		return nil, s.mapError(err)
	}
	return result, nil
}

func (s *Server) handleWriteTextFile(ctx context.Context, params json.RawMessage, notify jsonrpc.NotifySink) (interface{}, *jsonrpc.Error) {
	var p protocol.WriteTextFileParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, invalidParams(err)
	}
	result, err := s.orch.WriteTextFile(ctx, p)
	if err != nil {
		return nil, s.mapError(err)
	}
	return result, nil
}

func invalidParams(err error) *jsonrpc.Error {
	return jsonrpc.NewError(jsonrpc.CodeInvalidParams, fmt.Sprintf("Invalid params: %v", err), nil)
}

// mapError converts internal failures to wire errors. Classified errors keep
// their taxonomy code in the data payload; message text never carries
// credentials because classification already scrubbed them.
func (s *Server) mapError(err error) *jsonrpc.Error {
	switch {
	case errors.Is(err, orchestrator.ErrSessionNotFound):
		return jsonrpc.NewError(jsonrpc.CodeSessionNotFound, "Session not found", nil)
	case errors.Is(err, orchestrator.ErrSessionBusy):
		return jsonrpc.NewError(jsonrpc.CodeInvalidRequest, "Session is busy with another prompt", nil)
	}

	var ce *classify.ClassifiedError
	if !errors.As(err, &ce) {
		return jsonrpc.NewError(jsonrpc.CodeInternalError, err.Error(), nil)
	}

	data := &jsonrpc.ErrorData{
		Code:      string(ce.Code),
		Retryable: ce.Retryable,
		Meta:      ce.Meta,
	}
	if s.cfg.Agent.Development {
		data.Stack = string(debug.Stack())
	}

	switch ce.Code {
	case classify.CodeAuthError:
		return jsonrpc.NewError(jsonrpc.CodeAuthenticationFailed, ce.Message, data)
	case classify.CodeCancelled:
		return jsonrpc.NewError(jsonrpc.CodeOperationCancelled, ce.Message, data)
	case classify.CodeWorkspaceMissing, classify.CodeFSPermission:
		return jsonrpc.NewError(jsonrpc.CodeWorkspaceError, ce.Message, data)
	default:
		return jsonrpc.NewError(jsonrpc.CodeInternalError, ce.Message, data)
	}
}
