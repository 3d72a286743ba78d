package workspace

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/agentgate/internal/classify"
	"github.com/agentgate/agentgate/internal/common/config"
	"github.com/agentgate/agentgate/internal/common/logger"
)

func gitAvailable() bool {
	_, err := exec.LookPath("git")
	return err == nil
}

// initRepo creates a git repository with one commit and returns its path.
func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}
	run("init", "-b", "main")
	run("config", "user.email", "test@test")
	run("config", "user.name", "test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644))
	run("add", ".")
	run("commit", "-m", "initial")
	return dir
}

func newService(t *testing.T, cfg config.WorkspaceConfig) *Service {
	t.Helper()
	if cfg.BasePath == "" {
		cfg.BasePath = t.TempDir()
	}
	if cfg.DefaultBranch == "" {
		cfg.DefaultBranch = "main"
	}
	return NewService(cfg, logger.Default())
}

func TestPrepareEphemeral_NoRepo(t *testing.T) {
	svc := newService(t, config.WorkspaceConfig{})
	ws, err := svc.Prepare(context.Background(), "sess-1", PrepareOptions{})
	require.NoError(t, err)
	assert.True(t, ws.IsEphemeral)
	assert.DirExists(t, ws.Path)
	assert.Nil(t, ws.Git)

	require.NoError(t, svc.Cleanup(ws))
	assert.NoDirExists(t, ws.Path)
}

func TestPrepareEphemeral_Clone(t *testing.T) {
	if !gitAvailable() {
		t.Skip("git not installed")
	}
	origin := initRepo(t)
	svc := newService(t, config.WorkspaceConfig{})

	ws, err := svc.Prepare(context.Background(), "sess-2", PrepareOptions{RepositoryURL: origin})
	require.NoError(t, err)
	assert.True(t, ws.IsEphemeral)
	assert.FileExists(t, filepath.Join(ws.Path, "README.md"))
	require.NotNil(t, ws.Git)
	assert.Equal(t, "main", ws.Git.CurrentBranch)
	assert.False(t, ws.Git.HasUncommittedChanges)

	require.NoError(t, svc.Cleanup(ws))
}

func TestPreparePersistent_ReusesCheckout(t *testing.T) {
	if !gitAvailable() {
		t.Skip("git not installed")
	}
	origin := initRepo(t)
	root := filepath.Join(t.TempDir(), "persistent")
	svc := newService(t, config.WorkspaceConfig{PersistentID: "ws-1", Root: root})

	ws1, err := svc.Prepare(context.Background(), "sess-a", PrepareOptions{RepositoryURL: origin})
	require.NoError(t, err)
	assert.False(t, ws1.IsEphemeral)
	assert.Equal(t, root, ws1.Path)

	// Marker survives the second prepare: the checkout is pulled, not recloned.
	marker := filepath.Join(root, "marker.txt")
	require.NoError(t, os.WriteFile(marker, []byte("keep"), 0o644))

	ws2, err := svc.Prepare(context.Background(), "sess-b", PrepareOptions{RepositoryURL: origin})
	require.NoError(t, err)
	assert.Equal(t, ws1.Path, ws2.Path)
	assert.FileExists(t, marker)

	// Cleanup is a no-op for persistent workspaces.
	require.NoError(t, svc.Cleanup(ws2))
	assert.DirExists(t, root)
}

func TestPreparePersistent_ReuseSkipsRefresh(t *testing.T) {
	if !gitAvailable() {
		t.Skip("git not installed")
	}
	origin := initRepo(t)
	root := filepath.Join(t.TempDir(), "persistent")
	svc := newService(t, config.WorkspaceConfig{PersistentID: "ws-2", Root: root})

	ws1, err := svc.Prepare(context.Background(), "sess-a", PrepareOptions{RepositoryURL: origin})
	require.NoError(t, err)

	// Leave the checkout on a side branch; a refresh would move it back to main.
	require.NoError(t, svc.EnsureBranch(context.Background(), ws1, "main", "work/reuse"))

	ws2, err := svc.Prepare(context.Background(), "sess-b", PrepareOptions{RepositoryURL: origin, Reuse: true})
	require.NoError(t, err)
	require.NotNil(t, ws2.Git)
	assert.Equal(t, "work/reuse", ws2.Git.CurrentBranch, "reuse must take the checkout as-is")
}

func TestCloneFailureWithoutToken(t *testing.T) {
	if !gitAvailable() {
		t.Skip("git not installed")
	}
	svc := newService(t, config.WorkspaceConfig{})

	_, err := svc.Prepare(context.Background(), "sess-x", PrepareOptions{
		RepositoryURL: filepath.Join(t.TempDir(), "no-such-repo"),
	})
	require.Error(t, err)
	// Without a token there is nothing to redact; git's own message must
	// come through intact.
	assert.Contains(t, err.Error(), "git clone failed")
	assert.NotContains(t, err.Error(), "***")
}

func TestCloneFailureRedactsToken(t *testing.T) {
	if !gitAvailable() {
		t.Skip("git not installed")
	}
	svc := newService(t, config.WorkspaceConfig{})

	_, err := svc.Prepare(context.Background(), "sess-y", PrepareOptions{
		RepositoryURL: "https://example.invalid/org/repo.git",
		Token:         "ghs_secret_token_value",
	})
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "ghs_secret_token_value")
}

func TestApplyPatchAt_CancelledContext(t *testing.T) {
	if !gitAvailable() {
		t.Skip("git not installed")
	}
	origin := initRepo(t)
	svc := newService(t, config.WorkspaceConfig{})
	ws, err := svc.Prepare(context.Background(), "sess-z", PrepareOptions{RepositoryURL: origin})
	require.NoError(t, err)
	defer svc.Cleanup(ws)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	patch := "--- a/README.md\n+++ b/README.md\n@@ -1 +1 @@\n-hello\n+patched\n"
	err = svc.ApplyPatchAt(ctx, ws.Path, patch)
	require.Error(t, err)
	assert.True(t, classify.IsCode(err, classify.CodeCancelled), "the caller's context must reach git")
}

func TestEnsureBranch(t *testing.T) {
	if !gitAvailable() {
		t.Skip("git not installed")
	}
	origin := initRepo(t)
	svc := newService(t, config.WorkspaceConfig{})
	ws, err := svc.Prepare(context.Background(), "sess-3", PrepareOptions{RepositoryURL: origin})
	require.NoError(t, err)
	defer svc.Cleanup(ws)

	require.NoError(t, svc.EnsureBranch(context.Background(), ws, "main", "feature/x"))
	info, err := svc.GitInfo(context.Background(), ws)
	require.NoError(t, err)
	assert.Equal(t, "feature/x", info.CurrentBranch)

	// Idempotent: checking out an existing branch succeeds.
	require.NoError(t, svc.EnsureBranch(context.Background(), ws, "main", "feature/x"))
}

func TestDiffStatus(t *testing.T) {
	if !gitAvailable() {
		t.Skip("git not installed")
	}
	origin := initRepo(t)
	svc := newService(t, config.WorkspaceConfig{})
	ws, err := svc.Prepare(context.Background(), "sess-4", PrepareOptions{RepositoryURL: origin})
	require.NoError(t, err)
	defer svc.Cleanup(ws)

	status, err := svc.DiffStatus(context.Background(), ws)
	require.NoError(t, err)
	assert.False(t, status.Dirty())

	require.NoError(t, os.WriteFile(filepath.Join(ws.Path, "new.txt"), []byte("n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(ws.Path, "README.md"), []byte("changed\n"), 0o644))

	status, err = svc.DiffStatus(context.Background(), ws)
	require.NoError(t, err)
	assert.True(t, status.Dirty())
	assert.Contains(t, status.Untracked, "new.txt")
	assert.Contains(t, status.Modified, "README.md")
}

func TestCommitAll(t *testing.T) {
	if !gitAvailable() {
		t.Skip("git not installed")
	}
	origin := initRepo(t)
	svc := newService(t, config.WorkspaceConfig{})
	ws, err := svc.Prepare(context.Background(), "sess-5", PrepareOptions{RepositoryURL: origin})
	require.NoError(t, err)
	defer svc.Cleanup(ws)

	require.NoError(t, os.WriteFile(filepath.Join(ws.Path, "feature.go"), []byte("package x\n"), 0o644))

	sha, err := svc.CommitAll(context.Background(), ws, "add feature", "Bot", "bot@test")
	require.NoError(t, err)
	assert.Len(t, sha, 40)

	status, err := svc.DiffStatus(context.Background(), ws)
	require.NoError(t, err)
	assert.False(t, status.Dirty())
}

func TestApplyPatch_InvalidLeavesTreeUnchanged(t *testing.T) {
	if !gitAvailable() {
		t.Skip("git not installed")
	}
	origin := initRepo(t)
	svc := newService(t, config.WorkspaceConfig{})
	ws, err := svc.Prepare(context.Background(), "sess-6", PrepareOptions{RepositoryURL: origin})
	require.NoError(t, err)
	defer svc.Cleanup(ws)

	bad := "--- a/README.md\n+++ b/README.md\n@@ -1,1 +1,1 @@\n-does not exist\n+nope\n"
	err = svc.ApplyPatch(context.Background(), ws, bad)
	require.Error(t, err)

	status, err := svc.DiffStatus(context.Background(), ws)
	require.NoError(t, err)
	assert.False(t, status.Dirty(), "failed patch must leave the tree unchanged")
}

func TestApplyPatch_Valid(t *testing.T) {
	if !gitAvailable() {
		t.Skip("git not installed")
	}
	origin := initRepo(t)
	svc := newService(t, config.WorkspaceConfig{})
	ws, err := svc.Prepare(context.Background(), "sess-7", PrepareOptions{RepositoryURL: origin})
	require.NoError(t, err)
	defer svc.Cleanup(ws)

	patch := "--- a/README.md\n+++ b/README.md\n@@ -1 +1 @@\n-hello\n+patched\n"
	require.NoError(t, svc.ApplyPatch(context.Background(), ws, patch))

	data, err := os.ReadFile(filepath.Join(ws.Path, "README.md"))
	require.NoError(t, err)
	assert.Equal(t, "patched\n", string(data))
}

func TestNotARepo(t *testing.T) {
	svc := newService(t, config.WorkspaceConfig{})
	ws := &Workspace{SessionID: "x", Path: t.TempDir()}

	_, err := svc.DiffStatus(context.Background(), ws)
	require.Error(t, err)
	assert.True(t, classify.IsCode(err, classify.CodeWorkspaceMissing))

	_, err = svc.CommitAll(context.Background(), ws, "m", "a", "a@b")
	require.Error(t, err)
	assert.True(t, classify.IsCode(err, classify.CodeWorkspaceMissing))
}
