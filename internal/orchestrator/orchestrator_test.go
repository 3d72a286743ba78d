package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/agentgate/internal/classify"
	"github.com/agentgate/agentgate/internal/common/config"
	"github.com/agentgate/agentgate/internal/common/logger"
	"github.com/agentgate/agentgate/internal/events/bus"
	"github.com/agentgate/agentgate/internal/github"
	"github.com/agentgate/agentgate/internal/inflight"
	"github.com/agentgate/agentgate/internal/runtime"
	"github.com/agentgate/agentgate/internal/session"
	"github.com/agentgate/agentgate/internal/workspace"
	"github.com/agentgate/agentgate/pkg/acp/protocol"
)

// scriptedAdapter returns a fixed answer, optionally blocking until released
// or writing a file through the tool loop first.
type scriptedAdapter struct {
	text      string
	err       error
	block     chan struct{} // when non-nil, Run waits for close or ctx
	started   chan struct{} // closed once Run begins
	toolWrite string        // when set, Run writes this file via the executor
	mu        sync.Mutex
	reqs      []*runtime.Request

	inflight    int32
	maxInflight int32
}

func (a *scriptedAdapter) Kind() runtime.Kind                 { return runtime.KindStreamingSDK }
func (a *scriptedAdapter) Available(ctx context.Context) bool { return true }
func (a *scriptedAdapter) Run(ctx context.Context, req *runtime.Request, cb runtime.Callbacks) (*runtime.Result, error) {
	cur := atomic.AddInt32(&a.inflight, 1)
	defer atomic.AddInt32(&a.inflight, -1)
	for {
		max := atomic.LoadInt32(&a.maxInflight)
		if cur <= max || atomic.CompareAndSwapInt32(&a.maxInflight, max, cur) {
			break
		}
	}

	a.mu.Lock()
	a.reqs = append(a.reqs, req)
	started := a.started
	a.started = nil
	a.mu.Unlock()
	if started != nil {
		close(started)
	}
	if a.block != nil {
		select {
		case <-a.block:
		case <-ctx.Done():
			return nil, classify.Cancelled()
		}
	}
	if a.err != nil {
		return nil, a.err
	}
	if a.toolWrite != "" && req.Executor != nil {
		input := json.RawMessage(fmt.Sprintf(`{"path":%q,"content":"generated\n"}`, a.toolWrite))
		if cb.OnToolCall != nil {
			cb.OnToolCall("write_file", input)
		}
		out, isErr := req.Executor.Execute(ctx, "write_file", input)
		if cb.OnToolResult != nil {
			status := "success"
			if isErr {
				status = "error"
			}
			cb.OnToolResult("write_file", status, out)
		}
	}
	cb.OnText(a.text)
	return &runtime.Result{Text: a.text, Steps: 1}, nil
}

func (a *scriptedAdapter) lastRequest() *runtime.Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.reqs) == 0 {
		return nil
	}
	return a.reqs[len(a.reqs)-1]
}

type fixture struct {
	orch    *Orchestrator
	adapter *scriptedAdapter
	reg     *inflight.Registry
	store   session.Store
	cfg     *config.Config
}

func newFixture(t *testing.T, adapter *scriptedAdapter) *fixture {
	t.Helper()
	log := logger.Default()

	cfg := &config.Config{}
	cfg.Session.HistoryTail = 30
	cfg.Workspace.BasePath = t.TempDir()
	cfg.Workspace.DefaultBranch = "main"
	cfg.Sandbox.MaxReadBytes = 1024 * 1024
	cfg.Sandbox.MaxOutputBytes = 1024 * 1024
	cfg.Sandbox.MaxPatchBytes = 200 * 1024
	cfg.Sandbox.ShellTimeout = 5
	cfg.Sandbox.ContextFileCap = 64 * 1024
	cfg.Sandbox.AllowedCommands = []string{"echo"}

	store, err := session.NewFileStore(t.TempDir(), log)
	require.NoError(t, err)

	reg := inflight.NewRegistry()
	orch := New(cfg, store,
		workspace.NewService(cfg.Workspace, log),
		runtime.NewSelectorWith(log, adapter),
		reg,
		bus.NewMemoryEventBus(log),
		github.NoopClient{},
		log)
	return &fixture{orch: orch, adapter: adapter, reg: reg, store: store, cfg: cfg}
}

func (f *fixture) newSession(t *testing.T, mode protocol.SessionMode) string {
	t.Helper()
	res, err := f.orch.NewSession(context.Background(), protocol.SessionNewParams{Mode: mode})
	require.NoError(t, err)
	return res.SessionID
}

func promptParams(sessionID, text string) protocol.SessionPromptParams {
	return protocol.SessionPromptParams{
		SessionID: sessionID,
		Content:   []protocol.ContentBlock{protocol.TextBlock(text)},
	}
}

func TestPromptRoundTrip(t *testing.T) {
	f := newFixture(t, &scriptedAdapter{text: "All done.\nDetails follow."})
	id := f.newSession(t, protocol.ModeDevelopment)

	var updates []protocol.SessionUpdate
	res, err := f.orch.Prompt(context.Background(), promptParams(id, "do the thing"),
		func(u protocol.SessionUpdate) { updates = append(updates, u) })
	require.NoError(t, err)

	assert.Equal(t, protocol.StopCompleted, res.StopReason)
	assert.Equal(t, "All done.", res.Summary)
	assert.Greater(t, res.Usage.OutputTokens, 0)

	// thinking first, completed last, with the streamed text in between.
	require.GreaterOrEqual(t, len(updates), 3)
	assert.Equal(t, protocol.StatusThinking, updates[0].Status)
	assert.Equal(t, protocol.StatusCompleted, updates[len(updates)-1].Status)

	// History recorded both turns.
	loaded, err := f.orch.LoadSession(context.Background(), protocol.SessionLoadParams{SessionID: id})
	require.NoError(t, err)
	require.True(t, loaded.HistoryAvailable)
	require.Len(t, loaded.History, 2)
	assert.Equal(t, protocol.RoleUser, loaded.History[0].Role)
	assert.Equal(t, protocol.RoleAssistant, loaded.History[1].Role)
}

func TestPromptUnknownSession(t *testing.T) {
	f := newFixture(t, &scriptedAdapter{text: "x"})
	_, err := f.orch.Prompt(context.Background(), promptParams("missing", "hi"), nil)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestPromptBusyRejected(t *testing.T) {
	block := make(chan struct{})
	started := make(chan struct{})
	f := newFixture(t, &scriptedAdapter{text: "x", block: block, started: started})
	id := f.newSession(t, protocol.ModeDevelopment)

	done := make(chan error, 1)
	go func() {
		_, err := f.orch.Prompt(context.Background(), promptParams(id, "first"), nil)
		done <- err
	}()
	<-started

	_, err := f.orch.Prompt(context.Background(), promptParams(id, "second"), nil)
	assert.ErrorIs(t, err, ErrSessionBusy)

	close(block)
	require.NoError(t, <-done)

	// The session accepts prompts again once the first finishes.
	_, err = f.orch.Prompt(context.Background(), promptParams(id, "third"), nil)
	require.NoError(t, err)
}

func TestPromptCancellation(t *testing.T) {
	block := make(chan struct{})
	started := make(chan struct{})
	f := newFixture(t, &scriptedAdapter{text: "x", block: block, started: started})
	id := f.newSession(t, protocol.ModeDevelopment)

	type outcome struct {
		res *protocol.SessionPromptResult
		err error
	}
	var mu sync.Mutex
	var updates []protocol.SessionUpdate
	done := make(chan outcome, 1)
	go func() {
		res, err := f.orch.Prompt(context.Background(), promptParams(id, "slow"),
			func(u protocol.SessionUpdate) {
				mu.Lock()
				updates = append(updates, u)
				mu.Unlock()
			})
		done <- outcome{res, err}
	}()
	<-started

	cancelStart := time.Now()
	cres, err := f.orch.Cancel(context.Background(), protocol.CancelParams{SessionID: id})
	require.NoError(t, err)
	assert.True(t, cres.Cancelled)

	out := <-done
	require.NoError(t, out.err)
	assert.Equal(t, protocol.StopCancelled, out.res.StopReason)
	assert.Less(t, time.Since(cancelStart), time.Second, "cancellation must land promptly")

	// The final update reports the cancellation as an error-status update
	// carrying the cancelled code.
	mu.Lock()
	last := updates[len(updates)-1]
	mu.Unlock()
	assert.Equal(t, protocol.StatusError, last.Status)
	require.NotNil(t, last.Error)
	assert.Equal(t, string(classify.CodeCancelled), last.Error.Code)

	// Cancelling again with nothing running reports false, not an error.
	cres, err = f.orch.Cancel(context.Background(), protocol.CancelParams{SessionID: id})
	require.NoError(t, err)
	assert.False(t, cres.Cancelled)
}

func TestPromptTimeoutStopReason(t *testing.T) {
	f := newFixture(t, &scriptedAdapter{
		err: classify.New(classify.CodeTimeout, "request timed out after 120s")})
	id := f.newSession(t, protocol.ModeDevelopment)

	var updates []protocol.SessionUpdate
	res, err := f.orch.Prompt(context.Background(), promptParams(id, "slow model"),
		func(u protocol.SessionUpdate) { updates = append(updates, u) })
	require.NoError(t, err, "a timeout resolves the prompt, it does not fail it")
	assert.Equal(t, protocol.StopTimeout, res.StopReason)

	last := updates[len(updates)-1]
	assert.Equal(t, protocol.StatusError, last.Status)
	require.NotNil(t, last.Error)
	assert.Equal(t, string(classify.CodeTimeout), last.Error.Code)
}

func TestConcurrentPromptsNeverOverlap(t *testing.T) {
	f := newFixture(t, &scriptedAdapter{text: "ok"})
	id := f.newSession(t, protocol.ModeDevelopment)

	const callers = 16
	var wg sync.WaitGroup
	var busy, ran int32
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.orch.Prompt(context.Background(), promptParams(id, "racing"), nil)
			switch {
			case err == nil:
				atomic.AddInt32(&ran, 1)
			case errors.Is(err, ErrSessionBusy):
				atomic.AddInt32(&busy, 1)
			default:
				t.Errorf("unexpected prompt error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, callers, busy+ran)
	assert.GreaterOrEqual(t, ran, int32(1))
	assert.EqualValues(t, 1, atomic.LoadInt32(&f.adapter.maxInflight),
		"two prompts for one session must never run at the same time")
}

func TestToolCallUpdateCarriesInput(t *testing.T) {
	f := newFixture(t, &scriptedAdapter{text: "done", toolWrite: "gen.txt"})
	id := f.newSession(t, protocol.ModeDevelopment)

	var updates []protocol.SessionUpdate
	_, err := f.orch.Prompt(context.Background(), promptParams(id, "write gen.txt"),
		func(u protocol.SessionUpdate) { updates = append(updates, u) })
	require.NoError(t, err)

	var toolCall *protocol.ToolCallInfo
	for _, u := range updates {
		if u.ToolCall != nil {
			toolCall = u.ToolCall
		}
	}
	require.NotNil(t, toolCall, "the tool call must surface as an update")
	assert.Equal(t, "write_file", toolCall.Name)
	assert.JSONEq(t, `{"path":"gen.txt","content":"generated\n"}`, string(toolCall.RawInput))

	s, err := f.store.Load(context.Background(), id)
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(s.WorkspacePath, "gen.txt"))
	require.NoError(t, err)
	assert.Equal(t, "generated\n", string(data))
}

func TestPromptFailureEmitsErrorUpdate(t *testing.T) {
	f := newFixture(t, &scriptedAdapter{
		err: classify.New(classify.CodeAuthError, "model API rejected credentials")})
	id := f.newSession(t, protocol.ModeDevelopment)

	var updates []protocol.SessionUpdate
	_, err := f.orch.Prompt(context.Background(), promptParams(id, "hi"),
		func(u protocol.SessionUpdate) { updates = append(updates, u) })
	require.Error(t, err)
	assert.True(t, classify.IsCode(err, classify.CodeAuthError))

	last := updates[len(updates)-1]
	assert.Equal(t, protocol.StatusError, last.Status)
	require.NotNil(t, last.Error)
	assert.Equal(t, string(classify.CodeAuthError), last.Error.Code)
}

func TestRehydrationTailAndSanitization(t *testing.T) {
	f := newFixture(t, &scriptedAdapter{text: "ok"})
	id := f.newSession(t, protocol.ModeDevelopment)

	// Seed stored history: 40 text exchanges plus transient blocks that must
	// not be replayed.
	s, err := f.store.Load(context.Background(), id)
	require.NoError(t, err)
	for i := 0; i < 40; i++ {
		s.AppendExchange(protocol.RoleUser, []protocol.ContentBlock{
			protocol.TextBlock(fmt.Sprintf("Message %d", i)),
		})
	}
	s.AppendExchange(protocol.RoleAssistant, []protocol.ContentBlock{
		{Type: protocol.BlockTypeToolUse, ToolID: "t1", ToolName: "read_file"},
		{Type: protocol.BlockTypeThought, Text: "thinking..."},
	})
	require.NoError(t, f.store.Save(context.Background(), s))
	// Force a fresh load so the orchestrator sees the stored history.
	f.orch.mu.Lock()
	delete(f.orch.live, id)
	f.orch.mu.Unlock()

	_, err = f.orch.Prompt(context.Background(), promptParams(id, "current"), nil)
	require.NoError(t, err)

	req := f.adapter.lastRequest()
	require.NotNil(t, req)

	// 30 replayed tail entries + the current message. The tool_use/thought
	// exchange is dropped entirely.
	require.Len(t, req.Messages, 31)
	assert.Equal(t, "Message 10", req.Messages[0].Content[0].Text)
	assert.Equal(t, "current", req.Messages[30].Content[0].Text)
	for _, m := range req.Messages {
		for _, b := range m.Content {
			assert.NotEqual(t, protocol.BlockTypeToolUse, b.Type)
			assert.NotEqual(t, protocol.BlockTypeThought, b.Type)
		}
	}

	// Second prompt in the same process must not replay history again.
	_, err = f.orch.Prompt(context.Background(), promptParams(id, "followup"), nil)
	require.NoError(t, err)
	req = f.adapter.lastRequest()
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "followup", req.Messages[0].Content[0].Text)
}

func TestNoFencedBlockNoWorkspaceWrite(t *testing.T) {
	f := newFixture(t, &scriptedAdapter{
		text: "You should change main.go like this: func main() { ... }"})
	id := f.newSession(t, protocol.ModeDevelopment)

	s, err := f.store.Load(context.Background(), id)
	require.NoError(t, err)
	before, err := os.ReadDir(s.WorkspacePath)
	require.NoError(t, err)

	_, err = f.orch.Prompt(context.Background(), promptParams(id, "edit main.go"), nil)
	require.NoError(t, err)

	after, err := os.ReadDir(s.WorkspacePath)
	require.NoError(t, err)
	assert.Equal(t, len(before), len(after), "prose output must not touch the workspace")
}

func TestFileEditWithHintIsWritten(t *testing.T) {
	f := newFixture(t, &scriptedAdapter{
		text: "Creating the file:\n```go hello.go\npackage main\n```\n"})
	id := f.newSession(t, protocol.ModeDevelopment)

	_, err := f.orch.Prompt(context.Background(), promptParams(id, "create hello.go"), nil)
	require.NoError(t, err)

	s, err := f.store.Load(context.Background(), id)
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(s.WorkspacePath, "hello.go"))
	require.NoError(t, err)
	assert.Equal(t, "package main\n", string(data))
}

func TestConversationModeHasNoTools(t *testing.T) {
	f := newFixture(t, &scriptedAdapter{text: "just chatting"})
	id := f.newSession(t, protocol.ModeConversation)

	_, err := f.orch.Prompt(context.Background(), promptParams(id, "hello"), nil)
	require.NoError(t, err)

	req := f.adapter.lastRequest()
	assert.Empty(t, req.Tools)
	assert.Nil(t, req.Executor)
	assert.Empty(t, req.System)
}

func TestSetMode(t *testing.T) {
	f := newFixture(t, &scriptedAdapter{text: "ok"})
	id := f.newSession(t, protocol.ModeConversation)

	require.NoError(t, f.orch.SetMode(context.Background(),
		protocol.SessionSetModeParams{SessionID: id, Mode: protocol.ModeDevelopment}))

	err := f.orch.SetMode(context.Background(),
		protocol.SessionSetModeParams{SessionID: id, Mode: "bogus"})
	require.Error(t, err)

	_, err = f.orch.Prompt(context.Background(), promptParams(id, "now with tools"), nil)
	require.NoError(t, err)
	assert.NotEmpty(t, f.adapter.lastRequest().Tools)
}

func TestExecutorRolePreamble(t *testing.T) {
	f := newFixture(t, &scriptedAdapter{text: "ok"})
	res, err := f.orch.NewSession(context.Background(), protocol.SessionNewParams{
		Mode:         protocol.ModeDevelopment,
		AgentContext: map[string]string{"agentRole": "executor"},
	})
	require.NoError(t, err)

	_, err = f.orch.Prompt(context.Background(), promptParams(res.SessionID, "hi"), nil)
	require.NoError(t, err)
	assert.Contains(t, f.adapter.lastRequest().System, "coding agent")
}

func TestNoRoleMeansNoPreamble(t *testing.T) {
	f := newFixture(t, &scriptedAdapter{text: "ok"})
	id := f.newSession(t, protocol.ModeDevelopment)

	_, err := f.orch.Prompt(context.Background(), promptParams(id, "hi"), nil)
	require.NoError(t, err)
	assert.Empty(t, f.adapter.lastRequest().System,
		"the session mode alone does not inject the executor preamble")
}

func TestPromptAgentContextOverridesSession(t *testing.T) {
	f := newFixture(t, &scriptedAdapter{text: "ok"})
	id := f.newSession(t, protocol.ModeDevelopment)

	params := promptParams(id, "hi")
	params.AgentContext = map[string]string{"agentRole": "executor"}
	_, err := f.orch.Prompt(context.Background(), params, nil)
	require.NoError(t, err)
	assert.Contains(t, f.adapter.lastRequest().System, "coding agent")

	// The per-prompt override does not stick to the session.
	_, err = f.orch.Prompt(context.Background(), promptParams(id, "again"), nil)
	require.NoError(t, err)
	assert.Empty(t, f.adapter.lastRequest().System)
}

func gitRun(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
	return string(out)
}

func TestToolLoopEditsAreCommitted(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	f := newFixture(t, &scriptedAdapter{text: "Wrote the file through tools.", toolWrite: "tool.txt"})
	f.cfg.GitHub.AuthorName = "agentgate"
	f.cfg.GitHub.AuthorEmail = "agentgate@example.com"
	id := f.newSession(t, protocol.ModeDevelopment)

	s, err := f.store.Load(context.Background(), id)
	require.NoError(t, err)
	gitRun(t, s.WorkspacePath, "init", "-b", "main")
	gitRun(t, s.WorkspacePath, "config", "user.name", "tester")
	gitRun(t, s.WorkspacePath, "config", "user.email", "tester@example.com")
	require.NoError(t, os.WriteFile(filepath.Join(s.WorkspacePath, "README.md"), []byte("seed\n"), 0o644))
	gitRun(t, s.WorkspacePath, "add", "-A")
	gitRun(t, s.WorkspacePath, "commit", "-m", "initial")

	res, err := f.orch.Prompt(context.Background(), promptParams(id, "create tool.txt"), nil)
	require.NoError(t, err)

	// The final text carries no fenced diff, yet the tool-loop write dirtied
	// the tree, so automation must commit it.
	require.NotNil(t, res.GithubOperations)
	assert.NotEmpty(t, res.GithubOperations.CommitSHA)
	assert.Empty(t, strings.TrimSpace(gitRun(t, s.WorkspacePath, "status", "--porcelain")))
}

func TestReadWriteTextFileBridge(t *testing.T) {
	f := newFixture(t, &scriptedAdapter{text: "ok"})
	id := f.newSession(t, protocol.ModeDevelopment)
	ctx := context.Background()

	_, err := f.orch.WriteTextFile(ctx, protocol.WriteTextFileParams{
		SessionID: id, Path: "notes.txt", Content: "remember"})
	require.NoError(t, err)

	res, err := f.orch.ReadTextFile(ctx, protocol.ReadTextFileParams{
		SessionID: id, Path: "notes.txt"})
	require.NoError(t, err)
	assert.Equal(t, "remember", res.Content)

	// Confinement applies on the bridge too.
	_, err = f.orch.ReadTextFile(ctx, protocol.ReadTextFileParams{
		SessionID: id, Path: "../../etc/passwd"})
	require.Error(t, err)
}
