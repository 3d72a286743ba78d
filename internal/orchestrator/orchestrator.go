// Package orchestrator coordinates one prompt end to end: session lookup,
// workspace binding, model execution, patch application, git automation, and
// history persistence.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentgate/agentgate/internal/classify"
	"github.com/agentgate/agentgate/internal/common/config"
	"github.com/agentgate/agentgate/internal/common/logger"
	"github.com/agentgate/agentgate/internal/events"
	"github.com/agentgate/agentgate/internal/events/bus"
	"github.com/agentgate/agentgate/internal/github"
	"github.com/agentgate/agentgate/internal/inflight"
	"github.com/agentgate/agentgate/internal/runtime"
	"github.com/agentgate/agentgate/internal/sandbox"
	"github.com/agentgate/agentgate/internal/session"
	"github.com/agentgate/agentgate/internal/workspace"
	"github.com/agentgate/agentgate/pkg/acp/protocol"
)

// ErrSessionBusy is returned when a prompt arrives while another prompt for
// the same session is still running.
var ErrSessionBusy = errors.New("session is busy with another prompt")

// ErrSessionNotFound mirrors the store sentinel at the orchestrator boundary.
var ErrSessionNotFound = session.ErrNotFound

// UpdateSink receives session/update payloads while a prompt runs. Updates
// are delivered before the terminal response.
type UpdateSink func(protocol.SessionUpdate)

// Orchestrator wires the gateway's services together behind the ACP surface.
type Orchestrator struct {
	cfg        *config.Config
	store      session.Store
	workspaces *workspace.Service
	selector   *runtime.Selector
	registry   *inflight.Registry
	bus        bus.EventBus
	github     github.Client
	logger     *logger.Logger

	// live holds sessions touched this process lifetime, so per-process
	// state (rehydration) survives between calls.
	mu   sync.Mutex
	live map[string]*session.Session
}

// New creates the orchestrator.
func New(cfg *config.Config, store session.Store, workspaces *workspace.Service,
	selector *runtime.Selector, registry *inflight.Registry, eventBus bus.EventBus,
	gh github.Client, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		store:      store,
		workspaces: workspaces,
		selector:   selector,
		registry:   registry,
		bus:        eventBus,
		github:     gh,
		logger:     log.WithFields(zap.String("component", "orchestrator")),
		live:       make(map[string]*session.Session),
	}
}

// AdapterKinds reports the available adapters in cascade order.
func (o *Orchestrator) AdapterKinds(ctx context.Context) []runtime.Kind {
	return o.selector.Adapters(ctx)
}

// NewSession creates a session and prepares its workspace.
func (o *Orchestrator) NewSession(ctx context.Context, params protocol.SessionNewParams) (*protocol.SessionNewResult, error) {
	if params.Mode != "" && !protocol.ValidMode(params.Mode) {
		return nil, fmt.Errorf("unknown session mode %q", params.Mode)
	}

	opts := protocol.SessionOptions{PersistHistory: true, EnableGitOps: true}
	if params.SessionOptions != nil {
		opts = *params.SessionOptions
	}

	s := session.New(params.Mode, opts)
	s.AgentContext = params.AgentContext
	if params.InitialContext != nil {
		// Context summary rides in history as a replayable user block so it
		// survives restarts.
		if params.InitialContext.ContextSummary != "" {
			s.AppendExchange(protocol.RoleUser, []protocol.ContentBlock{
				protocol.TextBlock("Context: " + params.InitialContext.ContextSummary),
			})
		}
	}

	ws, err := o.workspaces.Prepare(ctx, s.ID, workspace.PrepareOptions{
		RepositoryURL: params.WorkspaceURI,
		Token:         o.cfg.GitHub.Token,
	})
	if err != nil {
		return nil, err
	}

	s.WorkspaceURI = params.WorkspaceURI
	s.WorkspacePath = ws.Path
	s.IsEphemeral = ws.IsEphemeral

	if err := o.persist(ctx, s); err != nil {
		_ = o.workspaces.Cleanup(ws)
		return nil, err
	}

	o.mu.Lock()
	o.live[s.ID] = s
	o.mu.Unlock()

	o.publishLifecycle(ctx, s.ID, events.SessionCreated)
	o.logger.Info("session created",
		zap.String("session_id", s.ID),
		zap.String("workspace", ws.Path),
		zap.Bool("ephemeral", ws.IsEphemeral))

	return &protocol.SessionNewResult{
		SessionID:     s.ID,
		WorkspaceInfo: workspaceInfo(ws),
	}, nil
}

// LoadSession loads a persisted session and reports its history.
func (o *Orchestrator) LoadSession(ctx context.Context, params protocol.SessionLoadParams) (*protocol.SessionLoadResult, error) {
	s, err := o.getSession(ctx, params.SessionID)
	if err != nil {
		return nil, err
	}

	// An ephemeral workspace may be gone after a restart; rebind it.
	if _, statErr := os.Stat(s.WorkspacePath); statErr != nil {
		ws, prepErr := o.workspaces.Prepare(ctx, s.ID, workspace.PrepareOptions{
			RepositoryURL: s.WorkspaceURI,
			Token:         o.cfg.GitHub.Token,
		})
		if prepErr != nil {
			return nil, prepErr
		}
		s.WorkspacePath = ws.Path
		s.IsEphemeral = ws.IsEphemeral
		if err := o.persist(ctx, s); err != nil {
			return nil, err
		}
	}

	result := &protocol.SessionLoadResult{
		SessionInfo:      s.Info(),
		WorkspaceInfo:    o.currentWorkspaceInfo(ctx, s),
		HistoryAvailable: len(s.History) > 0,
	}
	if s.Options.PersistHistory {
		result.History = s.Clone().History
	}

	o.publishLifecycle(ctx, s.ID, events.SessionLoaded)
	return result, nil
}

// SetMode switches the session mode for subsequent prompts.
func (o *Orchestrator) SetMode(ctx context.Context, params protocol.SessionSetModeParams) error {
	if !protocol.ValidMode(params.Mode) {
		return fmt.Errorf("unknown session mode %q", params.Mode)
	}
	s, err := o.getSession(ctx, params.SessionID)
	if err != nil {
		return err
	}
	s.Mode = params.Mode
	s.Touch()
	return o.persist(ctx, s)
}

// Cancel cancels the running prompt(s) of a session. Unknown operations
// report cancelled=false; cancel never errors on repeats.
func (o *Orchestrator) Cancel(ctx context.Context, params protocol.CancelParams) (*protocol.CancelResult, error) {
	if _, err := o.getSession(ctx, params.SessionID); err != nil {
		return nil, err
	}
	delivered := o.registry.Cancel(params.SessionID, params.OperationID)
	if delivered {
		o.publishLifecycle(ctx, params.SessionID, events.PromptCancelled)
	}
	return &protocol.CancelResult{Cancelled: delivered}, nil
}

// Prompt runs one prompt turn. Updates stream through sink and the event bus
// while the turn runs; the terminal result is returned once streaming ends.
func (o *Orchestrator) Prompt(ctx context.Context, params protocol.SessionPromptParams, sink UpdateSink) (*protocol.SessionPromptResult, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	s, err := o.getSession(ctx, params.SessionID)
	if err != nil {
		return nil, err
	}
	if s.State.Terminal() {
		return nil, fmt.Errorf("session %s is %s and accepts no further prompts", s.ID, s.State)
	}
	promptCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	// Check-and-register is atomic: two racing prompts on one session can
	// never both pass.
	op, release, ok := o.registry.Acquire(s.ID, uuid.New().String(), cancel)
	if !ok {
		return nil, ErrSessionBusy
	}
	defer release()

	o.publishLifecycle(ctx, s.ID, events.PromptStarted)
	o.emit(ctx, sink, protocol.SessionUpdate{
		SessionID: s.ID,
		Status:    protocol.StatusThinking,
	})

	sb, err := sandbox.New(s.WorkspacePath, o.cfg.Sandbox, o.workspaces, o.logger)
	if err != nil {
		return nil, o.failPrompt(ctx, s, sink, err)
	}

	content := session.CopyBlocks(params.Content)
	contextFiles := params.ContextFiles
	if len(contextFiles) == 0 {
		contextFiles = s.Options.ContextFiles
	}
	content = attachContextFiles(sb, contextFiles, o.cfg.Sandbox.ContextFileCap, content)

	role := s.AgentContext[agentRoleKey]
	if r, found := params.AgentContext[agentRoleKey]; found {
		role = r
	}
	view := &sessionView{
		id:         s.ID,
		agentRole:  role,
		history:    s.History,
		rehydrated: s.Rehydrated,
	}
	req := buildRequest(view, content, runtime.ResolveModel("", o.cfg.Runtime.Model), o.cfg.Session.HistoryTail)
	if s.Mode != protocol.ModeConversation {
		req.Tools = toolDefs()
		req.Executor = &sandboxExecutor{sb: sb}
	}
	s.Rehydrated = true

	if s.Options.PersistHistory {
		s.AppendExchange(protocol.RoleUser, params.Content)
		if err := o.persist(ctx, s); err != nil {
			return nil, err
		}
	}

	cb := runtime.Callbacks{
		OnText: func(delta string) {
			o.emit(ctx, sink, protocol.SessionUpdate{
				SessionID: s.ID,
				Status:    protocol.StatusWorking,
				Content:   []protocol.ContentBlock{protocol.TextBlock(delta)},
			})
		},
		OnThought: func(text string) {
			o.emit(ctx, sink, protocol.SessionUpdate{
				SessionID: s.ID,
				Status:    protocol.StatusThinking,
				Content:   []protocol.ContentBlock{{Type: protocol.BlockTypeThought, Text: text}},
			})
		},
		OnToolCall: func(name string, input json.RawMessage) {
			o.emit(ctx, sink, protocol.SessionUpdate{
				SessionID: s.ID,
				Status:    protocol.StatusWorking,
				ToolCall:  &protocol.ToolCallInfo{Name: name, RawInput: input},
			})
		},
		OnToolResult: func(name, status, output string) {
			o.emit(ctx, sink, protocol.SessionUpdate{
				SessionID:  s.ID,
				Status:     protocol.StatusWorking,
				ToolResult: &protocol.ToolResultInfo{Name: name, Status: status, Output: truncateOutput(output)},
			})
		},
	}

	result, runErr := o.selector.Run(promptCtx, req, cb)
	if runErr != nil {
		ce := classify.Classify(runErr, "")
		if ce.IsCancelled() || op.Cancelled() {
			if !ce.IsCancelled() {
				ce = classify.Cancelled()
			}
			o.publishLifecycle(ctx, s.ID, events.PromptCancelled)
			// The final update carries the cancelled error body; the response
			// itself is a success with stopReason cancelled.
			o.emit(ctx, sink, protocol.SessionUpdate{
				SessionID: s.ID,
				Status:    protocol.StatusError,
				Error: &protocol.UpdateError{
					Code:    string(ce.Code),
					Message: ce.Message,
				},
			})
			if s.Options.PersistHistory {
				_ = o.persist(ctx, s)
			}
			return &protocol.SessionPromptResult{StopReason: protocol.StopCancelled}, nil
		}
		if ce.Code == classify.CodeTimeout {
			o.logger.Warn("prompt timed out",
				zap.String("session_id", s.ID), zap.Error(runErr))
			o.publishLifecycle(ctx, s.ID, events.PromptFailed)
			o.emit(ctx, sink, protocol.SessionUpdate{
				SessionID: s.ID,
				Status:    protocol.StatusError,
				Error: &protocol.UpdateError{
					Code:    string(ce.Code),
					Message: ce.Message,
				},
			})
			if s.Options.PersistHistory {
				_ = o.persist(ctx, s)
			}
			return &protocol.SessionPromptResult{StopReason: protocol.StopTimeout}, nil
		}
		return nil, o.failPrompt(ctx, s, sink, ce)
	}

	// Apply fenced patches and filename-hinted edits from the final answer.
	o.applyExtractedChanges(ctx, sb, result.Text, s.ID)

	summary := summarize(result.Text)
	promptResult := &protocol.SessionPromptResult{
		StopReason: protocol.StopCompleted,
		Usage:      result.Usage,
		Summary:    summary,
	}
	if promptResult.Usage.InputTokens == 0 {
		promptResult.Usage.InputTokens = estimateRequestTokens(req)
	}
	if promptResult.Usage.OutputTokens == 0 {
		promptResult.Usage.OutputTokens = runtime.EstimateTokens(result.Text)
	}

	// Git automation keys off working-tree dirtiness, not the extraction
	// path: tool-loop edits dirty the tree without going through
	// applyExtractedChanges.
	if s.Mode != protocol.ModeConversation && s.Options.EnableGitOps {
		ws := &workspace.Workspace{SessionID: s.ID, Path: s.WorkspacePath, IsEphemeral: s.IsEphemeral}
		promptResult.GithubOperations, promptResult.GithubAutomation = o.runGitAutomation(ctx, ws, summary)
	}

	if s.Options.PersistHistory {
		s.AppendExchange(protocol.RoleAssistant, []protocol.ContentBlock{protocol.TextBlock(result.Text)})
		if err := o.persist(ctx, s); err != nil {
			o.logger.Warn("failed to persist assistant turn", zap.Error(err))
		}
	} else {
		s.Touch()
		_ = o.persist(ctx, s)
	}

	o.emit(ctx, sink, protocol.SessionUpdate{
		SessionID: s.ID,
		Status:    protocol.StatusCompleted,
	})
	o.publishLifecycle(ctx, s.ID, events.PromptCompleted)
	return promptResult, nil
}

// applyExtractedChanges applies fenced diffs and filename-hinted file blocks
// from the model's final text.
func (o *Orchestrator) applyExtractedChanges(ctx context.Context, sb *sandbox.Sandbox, text, sessionID string) {
	for _, patch := range extractPatches(text) {
		if err := sb.ApplyPatch(ctx, patch); err != nil {
			o.logger.Warn("extracted patch did not apply",
				zap.String("session_id", sessionID), zap.Error(err))
		}
	}
	for _, edit := range extractFileEdits(text) {
		if _, err := sb.WriteFile(edit.Path, edit.Content); err != nil {
			o.logger.Warn("extracted file edit failed",
				zap.String("session_id", sessionID),
				zap.String("path", edit.Path), zap.Error(err))
		}
	}
}

// ReadTextFile serves the fs/readTextFile bridge method.
func (o *Orchestrator) ReadTextFile(ctx context.Context, params protocol.ReadTextFileParams) (*protocol.ReadTextFileResult, error) {
	sb, err := o.sessionSandbox(ctx, params.SessionID)
	if err != nil {
		return nil, err
	}
	res, err := sb.ReadFile(params.Path)
	if err != nil {
		return nil, err
	}
	return &protocol.ReadTextFileResult{Content: res.Content}, nil
}

// WriteTextFile serves the fs/writeTextFile bridge method.
func (o *Orchestrator) WriteTextFile(ctx context.Context, params protocol.WriteTextFileParams) (*protocol.WriteTextFileResult, error) {
	sb, err := o.sessionSandbox(ctx, params.SessionID)
	if err != nil {
		return nil, err
	}
	if _, err := sb.WriteFile(params.Path, params.Content); err != nil {
		return nil, err
	}
	return &protocol.WriteTextFileResult{Written: true}, nil
}

func (o *Orchestrator) sessionSandbox(ctx context.Context, sessionID string) (*sandbox.Sandbox, error) {
	s, err := o.getSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return sandbox.New(s.WorkspacePath, o.cfg.Sandbox, o.workspaces, o.logger)
}

// getSession returns the live session, falling back to the store.
func (o *Orchestrator) getSession(ctx context.Context, id string) (*session.Session, error) {
	if id == "" {
		return nil, session.ErrNotFound
	}
	o.mu.Lock()
	if s, ok := o.live[id]; ok {
		o.mu.Unlock()
		return s, nil
	}
	o.mu.Unlock()

	s, err := o.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if existing, ok := o.live[id]; ok {
		return existing, nil
	}
	o.live[id] = s
	return s, nil
}

func (o *Orchestrator) persist(ctx context.Context, s *session.Session) error {
	return o.store.Save(ctx, s)
}

// failPrompt marks the failure on the wire and returns the classified error.
// Raw error detail stays in logs; the update carries only code and message.
func (o *Orchestrator) failPrompt(ctx context.Context, s *session.Session, sink UpdateSink, err error) error {
	ce := classify.Classify(err, "")
	o.logger.Error("prompt failed",
		zap.String("session_id", s.ID),
		zap.String("code", string(ce.Code)),
		zap.Error(err))

	o.emit(ctx, sink, protocol.SessionUpdate{
		SessionID: s.ID,
		Status:    protocol.StatusError,
		Error: &protocol.UpdateError{
			Code:    string(ce.Code),
			Message: ce.Message,
		},
	})
	o.publishLifecycle(ctx, s.ID, events.PromptFailed)
	return ce
}

// emit delivers one update to the caller and mirrors it on the event bus.
func (o *Orchestrator) emit(ctx context.Context, sink UpdateSink, update protocol.SessionUpdate) {
	if sink != nil {
		sink(update)
	}
	if o.bus != nil {
		_ = o.bus.Publish(ctx, events.SessionSubject(update.SessionID),
			bus.NewEvent(events.SessionUpdate, "agentgate", map[string]interface{}{
				"update": update,
			}))
	}
}

func (o *Orchestrator) publishLifecycle(ctx context.Context, sessionID, eventType string) {
	if o.bus == nil {
		return
	}
	_ = o.bus.Publish(ctx, events.LifecycleSubject(sessionID),
		bus.NewEvent(eventType, "agentgate", map[string]interface{}{
			"sessionId": sessionID,
		}))
}

func (o *Orchestrator) currentWorkspaceInfo(ctx context.Context, s *session.Session) protocol.WorkspaceInfo {
	ws := &workspace.Workspace{SessionID: s.ID, Path: s.WorkspacePath}
	info := protocol.WorkspaceInfo{RootPath: s.WorkspacePath}
	if git, err := o.workspaces.GitInfo(ctx, ws); err == nil {
		info.GitBranch = git.CurrentBranch
		info.HasUncommittedChanges = git.HasUncommittedChanges
	}
	return info
}

func workspaceInfo(ws *workspace.Workspace) protocol.WorkspaceInfo {
	info := protocol.WorkspaceInfo{RootPath: ws.Path}
	if ws.Git != nil {
		info.GitBranch = ws.Git.CurrentBranch
		info.HasUncommittedChanges = ws.Git.HasUncommittedChanges
	}
	return info
}

// truncateOutput bounds tool output carried in updates.
func truncateOutput(s string) string {
	const max = 4096
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n... (truncated)"
}
