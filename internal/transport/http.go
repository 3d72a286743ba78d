// Package transport carries ACP JSON-RPC frames over the gateway's three
// surfaces: line-delimited stdio, HTTP, and WebSocket. All three drive the
// same dispatcher; the transport owns framing and notification delivery only.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentgate/agentgate/internal/acp"
	"github.com/agentgate/agentgate/internal/common/config"
	"github.com/agentgate/agentgate/internal/common/httpmw"
	"github.com/agentgate/agentgate/internal/common/logger"
	"github.com/agentgate/agentgate/internal/events/bus"
	"github.com/agentgate/agentgate/internal/orchestrator"
	"github.com/agentgate/agentgate/pkg/acp/jsonrpc"
	"github.com/agentgate/agentgate/pkg/acp/protocol"
)

// HTTPServer serves the REST surface and the WebSocket upgrade endpoint.
type HTTPServer struct {
	cfg    *config.Config
	acp    *acp.Server
	orch   *orchestrator.Orchestrator
	bridge *EventBridge
	router *gin.Engine
	srv    *http.Server
	logger *logger.Logger
}

// NewHTTPServer wires the routes and middleware. Lifecycle events published
// on the bus reach WebSocket clients through the event bridge.
func NewHTTPServer(cfg *config.Config, acpSrv *acp.Server, orch *orchestrator.Orchestrator, eventBus bus.EventBus, log *logger.Logger) *HTTPServer {
	gin.SetMode(gin.ReleaseMode)

	s := &HTTPServer{
		cfg:    cfg,
		acp:    acpSrv,
		orch:   orch,
		bridge: NewEventBridge(eventBus, log),
		router: gin.New(),
		logger: log.WithFields(zap.String("component", "http")),
	}

	s.router.Use(
		gin.Recovery(),
		httpmw.RequestID(),
		httpmw.CORS(),
		httpmw.RequestLogger(s.logger, "agentgate"),
		httpmw.OtelTracing("agentgate"),
	)

	s.router.GET("/health", s.handleHealth)
	s.router.POST("/acp", s.handleACP)
	s.router.POST("/process", s.handleProcess)
	s.router.POST("/process-prompt", s.handleProcessPrompt)
	s.router.GET("/acp/ws", NewWSHandler(acpSrv, s.bridge, s.logger).HandleConnection)

	if err := s.bridge.Start(); err != nil {
		s.logger.Warn("event bridge subscription failed", zap.Error(err))
	}

	return s
}

// Router returns the HTTP handler, mostly for tests.
func (s *HTTPServer) Router() http.Handler {
	return s.router
}

// Start blocks serving HTTP until the listener fails or Shutdown is called.
func (s *HTTPServer) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: s.cfg.Server.WriteTimeoutDuration(),
	}
	s.logger.Info("http server listening", zap.String("addr", addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and drops the event subscription.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	s.bridge.Stop()
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// HealthResponse is the GET /health body.
type HealthResponse struct {
	Status              string   `json:"status"`
	Adapters            []string `json:"adapters"`
	PersistentWorkspace bool     `json:"persistentWorkspace"`
	SkipCLICheck        bool     `json:"skipCliCheck"`
	Timestamp           string   `json:"timestamp"`
}

func (s *HTTPServer) handleHealth(c *gin.Context) {
	var adapters []string
	if s.cfg.Runtime.SkipCLICheck {
		adapters = []string{"unchecked"}
	} else {
		for _, k := range s.orch.AdapterKinds(c.Request.Context()) {
			adapters = append(adapters, string(k))
		}
	}

	c.JSON(http.StatusOK, HealthResponse{
		Status:              "ok",
		Adapters:            adapters,
		PersistentWorkspace: s.cfg.Workspace.PersistentMode(),
		SkipCLICheck:        s.cfg.Runtime.SkipCLICheck,
		Timestamp:           time.Now().UTC().Format(time.RFC3339),
	})
}

// handleACP runs one JSON-RPC call per request. Mid-request updates fan out
// on the event bus; the HTTP surface carries only the terminal response.
// Streaming consumers use the WebSocket or stdio transports.
func (s *HTTPServer) handleACP(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, jsonrpc.NewErrorResponse(nil,
			&jsonrpc.Error{Code: jsonrpc.CodeParseError, Message: "Parse error"}))
		return
	}

	resp := s.acp.Dispatcher().Dispatch(c.Request.Context(), body, nil)
	if resp == nil {
		c.Status(http.StatusNoContent)
		return
	}

	status := http.StatusOK
	if resp.Error != nil &&
		(resp.Error.Code == jsonrpc.CodeParseError || resp.Error.Code == jsonrpc.CodeInvalidRequest) {
		status = http.StatusBadRequest
	}
	c.JSON(status, resp)
}

// handleProcess is a generic echo used by deployment health probes.
func (s *HTTPServer) handleProcess(c *gin.Context) {
	var body map[string]interface{}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"received":  body,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// ProcessPromptRequest is the POST /process-prompt body.
type ProcessPromptRequest struct {
	SessionID string `json:"sessionId,omitempty"`
	Prompt    string `json:"prompt"`
	Mode      string `json:"mode,omitempty"`
}

// ProcessPromptResponse is the POST /process-prompt body on success.
type ProcessPromptResponse struct {
	SessionID  string              `json:"sessionId"`
	StopReason protocol.StopReason `json:"stopReason"`
	Summary    string              `json:"summary,omitempty"`
	Usage      protocol.Usage      `json:"usage"`
}

// handleProcessPrompt is a synchronous convenience wrapper: it creates a
// session when none is given, runs one prompt, and returns the result in a
// single response.
func (s *HTTPServer) handleProcessPrompt(c *gin.Context) {
	var req ProcessPromptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}
	if req.Prompt == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "prompt is required"})
		return
	}

	ctx := c.Request.Context()
	sessionID := req.SessionID
	if sessionID == "" {
		created, err := s.orch.NewSession(ctx, protocol.SessionNewParams{
			Mode: protocol.SessionMode(req.Mode),
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		sessionID = created.SessionID
	}

	result, err := s.orch.Prompt(ctx, protocol.SessionPromptParams{
		SessionID: sessionID,
		Content:   []protocol.ContentBlock{protocol.TextBlock(req.Prompt)},
	}, nil)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, orchestrator.ErrSessionNotFound) {
			status = http.StatusNotFound
		} else if errors.Is(err, orchestrator.ErrSessionBusy) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, ProcessPromptResponse{
		SessionID:  sessionID,
		StopReason: result.StopReason,
		Summary:    result.Summary,
		Usage:      result.Usage,
	})
}
