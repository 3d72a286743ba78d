package sandbox

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/agentgate/internal/classify"
	"github.com/agentgate/agentgate/internal/common/config"
	"github.com/agentgate/agentgate/internal/common/logger"
)

func testConfig() config.SandboxConfig {
	return config.SandboxConfig{
		AllowedCommands: []string{"echo", "true", "false", "sleep"},
		MaxReadBytes:    1024 * 1024,
		MaxOutputBytes:  1024,
		MaxPatchBytes:   200 * 1024,
		ShellTimeout:    2,
	}
}

func newTestSandbox(t *testing.T) *Sandbox {
	t.Helper()
	root := t.TempDir()
	sb, err := New(root, testConfig(), nil, logger.Default())
	require.NoError(t, err)
	return sb
}

func TestReadWriteRoundTrip(t *testing.T) {
	sb := newTestSandbox(t)

	w, err := sb.WriteFile("nested/dir/hello.txt", "hi there")
	require.NoError(t, err)
	assert.Equal(t, int64(8), w.Size)

	r, err := sb.ReadFile("nested/dir/hello.txt")
	require.NoError(t, err)
	assert.Equal(t, "hi there", r.Content)
	assert.Equal(t, int64(8), r.Size)
}

func TestReadFile_SizeCap(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig()
	cfg.MaxReadBytes = 4
	sb, err := New(root, cfg, nil, logger.Default())
	require.NoError(t, err)

	_, err = sb.WriteFile("big.txt", "way too long")
	require.NoError(t, err)

	_, err = sb.ReadFile("big.txt")
	require.Error(t, err)
	assert.True(t, classify.IsCode(err, classify.CodeFSPermission))
}

func TestReadFile_Missing(t *testing.T) {
	sb := newTestSandbox(t)
	_, err := sb.ReadFile("does/not/exist.txt")
	require.Error(t, err)
}

func TestPathConfinement_Escapes(t *testing.T) {
	sb := newTestSandbox(t)

	escapes := []string{
		"../outside.txt",
		"../../etc/passwd",
		"a/../../outside",
		"./../outside",
		"/etc/passwd",
	}
	for _, p := range escapes {
		t.Run(p, func(t *testing.T) {
			_, err := sb.ReadFile(p)
			require.Error(t, err, "path %q must be rejected", p)
			_, err = sb.WriteFile(p, "x")
			require.Error(t, err, "write to %q must be rejected", p)
		})
	}
}

// Property: any path whose cleaned form climbs above the root fails without
// touching the filesystem outside the workspace.
func TestPathConfinement_RandomPrefixes(t *testing.T) {
	sb := newTestSandbox(t)
	rng := rand.New(rand.NewSource(1))

	segments := []string{"a", "b", "src", ".", "dir"}
	for i := 0; i < 200; i++ {
		depth := rng.Intn(4)
		parts := make([]string, 0, depth+2)
		for j := 0; j < depth; j++ {
			parts = append(parts, segments[rng.Intn(len(segments))])
		}
		// More ".." than real segments guarantees an escape.
		ups := depth + 1 + rng.Intn(3)
		for j := 0; j < ups; j++ {
			parts = append(parts, "..")
		}
		parts = append(parts, fmt.Sprintf("leak%d.txt", i))
		p := strings.Join(parts, string(filepath.Separator))

		_, err := sb.WriteFile(p, "leak")
		require.Error(t, err, "escaping path %q must be rejected", p)
	}

	// Nothing leaked next to the workspace root.
	parent := filepath.Dir(sb.Root())
	entries, err := os.ReadDir(parent)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), "leak"), "file %s escaped the sandbox", e.Name())
	}
}

func TestPathConfinement_DotDotInsideRootIsFine(t *testing.T) {
	sb := newTestSandbox(t)
	_, err := sb.WriteFile("a/b/../c.txt", "ok")
	require.NoError(t, err)

	r, err := sb.ReadFile("a/c.txt")
	require.NoError(t, err)
	assert.Equal(t, "ok", r.Content)
}

func TestPathConfinement_SymlinkEscape(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("secret"), 0o644))
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "link")))

	sb, err := New(root, testConfig(), nil, logger.Default())
	require.NoError(t, err)

	_, err = sb.ReadFile("link/secret.txt")
	require.Error(t, err, "symlink escape must be rejected")
}

func TestListDirectory(t *testing.T) {
	sb := newTestSandbox(t)
	_, err := sb.WriteFile("top.txt", "1")
	require.NoError(t, err)
	_, err = sb.WriteFile("sub/inner.txt", "2")
	require.NoError(t, err)

	flat, err := sb.ListDirectory(".", false)
	require.NoError(t, err)
	assert.Equal(t, []string{"sub/", "top.txt"}, flat)

	deep, err := sb.ListDirectory(".", true)
	require.NoError(t, err)
	assert.Contains(t, deep, "sub/")
	assert.Contains(t, deep, filepath.Join("sub", "inner.txt"))
	assert.Contains(t, deep, "top.txt")
}

func TestDeleteAndMove(t *testing.T) {
	sb := newTestSandbox(t)
	_, err := sb.WriteFile("a.txt", "x")
	require.NoError(t, err)

	require.NoError(t, sb.MovePath("a.txt", "moved/b.txt"))
	_, err = sb.ReadFile("moved/b.txt")
	require.NoError(t, err)

	require.NoError(t, sb.DeletePath("moved", true))
	_, err = sb.ReadFile("moved/b.txt")
	require.Error(t, err)

	// Deleting a non-empty directory without recursive fails.
	_, err = sb.WriteFile("dir/child.txt", "x")
	require.NoError(t, err)
	require.Error(t, sb.DeletePath("dir", false))
}

func TestDeleteRootRefused(t *testing.T) {
	sb := newTestSandbox(t)
	require.Error(t, sb.DeletePath(".", true))
}

func TestExecuteShell_AllowList(t *testing.T) {
	sb := newTestSandbox(t)

	res, err := sb.ExecuteShell(context.Background(), "echo hello")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", res.Stdout)
	assert.Equal(t, 0, res.ExitCode)

	_, err = sb.ExecuteShell(context.Background(), "rm -rf /")
	require.Error(t, err)
	assert.True(t, classify.IsCode(err, classify.CodeFSPermission))
}

func TestExecuteShell_NonZeroExit(t *testing.T) {
	sb := newTestSandbox(t)
	res, err := sb.ExecuteShell(context.Background(), "false")
	require.NoError(t, err, "non-zero exit is a result, not an error")
	assert.Equal(t, 1, res.ExitCode)
}

func TestExecuteShell_Timeout(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig()
	cfg.ShellTimeout = 1
	sb, err := New(root, cfg, nil, logger.Default())
	require.NoError(t, err)

	_, err = sb.ExecuteShell(context.Background(), "sleep 10")
	require.Error(t, err)
	assert.True(t, classify.IsCode(err, classify.CodeTimeout))
}

func TestExecuteShell_OutputCap(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig()
	cfg.MaxOutputBytes = 16
	sb, err := New(root, cfg, nil, logger.Default())
	require.NoError(t, err)

	res, err := sb.ExecuteShell(context.Background(), "echo aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	require.NoError(t, err)
	assert.LessOrEqual(t, len(res.Stdout), 16)
}

func TestApplyPatch_Cap(t *testing.T) {
	sb := newTestSandbox(t)
	huge := strings.Repeat("x", 200*1024+1)
	err := sb.ApplyPatch(context.Background(), huge)
	require.Error(t, err)
}

// recordingPatcher captures what the sandbox hands to the patch applier.
type recordingPatcher struct {
	ctx   context.Context
	root  string
	patch string
}

func (p *recordingPatcher) ApplyPatchAt(ctx context.Context, workspacePath string, patch string) error {
	p.ctx = ctx
	p.root = workspacePath
	p.patch = patch
	return nil
}

func TestApplyPatch_ForwardsContextAndRoot(t *testing.T) {
	root := t.TempDir()
	patcher := &recordingPatcher{}
	sb, err := New(root, testConfig(), patcher, logger.Default())
	require.NoError(t, err)

	type ctxKey struct{}
	ctx := context.WithValue(context.Background(), ctxKey{}, "marker")
	require.NoError(t, sb.ApplyPatch(ctx, "--- a/x\n+++ b/x\n"))

	assert.Equal(t, "marker", patcher.ctx.Value(ctxKey{}))
	assert.Equal(t, sb.Root(), patcher.root)
	assert.Equal(t, "--- a/x\n+++ b/x\n", patcher.patch)
}
