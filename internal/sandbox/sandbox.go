// Package sandbox exposes a small, capability-gated toolkit the model may use
// against a single workspace root. Every path is confined to the root before
// any filesystem access happens.
package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/agentgate/agentgate/internal/classify"
	"github.com/agentgate/agentgate/internal/common/config"
	"github.com/agentgate/agentgate/internal/common/logger"
)

// PatchApplier applies a unified diff inside the workspace. The git service
// implements this; the sandbox never shells out to git itself.
type PatchApplier interface {
	ApplyPatchAt(ctx context.Context, workspacePath string, patch string) error
}

// Sandbox is bound to one workspace root for the lifetime of a session.
type Sandbox struct {
	root    string
	cfg     config.SandboxConfig
	patcher PatchApplier
	logger  *logger.Logger
}

// New creates a sandbox rooted at the given workspace directory.
// The root must already exist; it is resolved once so later confinement
// checks compare against a symlink-free base.
func New(root string, cfg config.SandboxConfig, patcher PatchApplier, log *logger.Logger) (*Sandbox, error) {
	resolved, err := filepath.EvalSymlinks(root)
	if err != nil {
		return nil, classify.Wrap(classify.CodeWorkspaceMissing, fmt.Sprintf("workspace root %s not accessible", root), err)
	}
	return &Sandbox{
		root:    resolved,
		cfg:     cfg,
		patcher: patcher,
		logger:  log.WithFields(zap.String("component", "sandbox")),
	}, nil
}

// Root returns the confined workspace root.
func (s *Sandbox) Root() string {
	return s.root
}

// resolve confines a caller-supplied path to the workspace root. It resolves
// relative paths against the root, normalizes them, expands symlinks on the
// deepest existing ancestor, and rejects anything that does not keep the root
// as a prefix. Runs before any filesystem access.
func (s *Sandbox) resolve(path string) (string, error) {
	if path == "" {
		return "", classify.New(classify.CodeFSPermission, "empty path")
	}

	candidate := path
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(s.root, candidate)
	}
	candidate = filepath.Clean(candidate)

	// Expand symlinks on the longest existing prefix so a link inside the
	// workspace cannot point the operation outside it.
	resolved, err := resolveExisting(candidate)
	if err != nil {
		return "", classify.Wrap(classify.CodeFSPermission, fmt.Sprintf("cannot resolve path %s", path), err)
	}

	if resolved != s.root && !strings.HasPrefix(resolved, s.root+string(filepath.Separator)) {
		return "", classify.New(classify.CodeFSPermission, fmt.Sprintf("path %s escapes the workspace", path))
	}
	return resolved, nil
}

// resolveExisting expands symlinks on the deepest existing ancestor of path
// and re-joins the non-existing remainder.
func resolveExisting(path string) (string, error) {
	remainder := ""
	current := path
	for {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			return filepath.Clean(filepath.Join(resolved, remainder)), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(current)
		if parent == current {
			return "", err
		}
		remainder = filepath.Join(filepath.Base(current), remainder)
		current = parent
	}
}

// ReadResult is the outcome of ReadFile.
type ReadResult struct {
	Content string
	Size    int64
}

// ReadFile reads an entire file inside the workspace, rejecting files over
// the configured byte cap.
func (s *Sandbox) ReadFile(path string) (*ReadResult, error) {
	abs, err := s.resolve(path)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, classify.Classify(err, "")
	}
	if info.IsDir() {
		return nil, classify.New(classify.CodeFSPermission, fmt.Sprintf("%s is a directory", path))
	}
	if info.Size() > s.cfg.MaxReadBytes {
		return nil, classify.New(classify.CodeFSPermission,
			fmt.Sprintf("file %s exceeds read cap (%d > %d bytes)", path, info.Size(), s.cfg.MaxReadBytes))
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, classify.Classify(err, "")
	}
	return &ReadResult{Content: string(data), Size: int64(len(data))}, nil
}

// WriteResult is the outcome of WriteFile.
type WriteResult struct {
	Size int64
}

// WriteFile writes the entire new content of a file, creating parent
// directories as needed. There are no patch semantics here.
func (s *Sandbox) WriteFile(path, content string) (*WriteResult, error) {
	abs, err := s.resolve(path)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, classify.Classify(err, "")
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return nil, classify.Classify(err, "")
	}

	s.logger.Debug("wrote file", zap.String("path", path), zap.Int("bytes", len(content)))
	return &WriteResult{Size: int64(len(content))}, nil
}

// ListDirectory lists entries under a directory. Non-recursive mode returns
// immediate entries with directories suffixed "/"; recursive mode walks
// depth-first emitting workspace-relative paths. Symlinks are not followed
// across the workspace boundary.
func (s *Sandbox) ListDirectory(path string, recursive bool) ([]string, error) {
	abs, err := s.resolve(path)
	if err != nil {
		return nil, err
	}

	if !recursive {
		entries, err := os.ReadDir(abs)
		if err != nil {
			return nil, classify.Classify(err, "")
		}
		out := make([]string, 0, len(entries))
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() {
				name += "/"
			}
			out = append(out, name)
		}
		sort.Strings(out)
		return out, nil
	}

	var out []string
	err = filepath.WalkDir(abs, func(p string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if p == abs {
			return nil
		}
		// Confinement on every visited entry guards against symlinked
		// directories pointing outside the root.
		if d.Type()&os.ModeSymlink != 0 {
			target, err := filepath.EvalSymlinks(p)
			if err != nil || (target != s.root && !strings.HasPrefix(target, s.root+string(filepath.Separator))) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		if d.IsDir() {
			rel += "/"
		}
		out = append(out, rel)
		return nil
	})
	if err != nil {
		return nil, classify.Classify(err, "")
	}
	return out, nil
}

// DeletePath removes a file, or a directory when recursive is set.
func (s *Sandbox) DeletePath(path string, recursive bool) error {
	abs, err := s.resolve(path)
	if err != nil {
		return err
	}
	if abs == s.root {
		return classify.New(classify.CodeFSPermission, "refusing to delete the workspace root")
	}

	if recursive {
		if err := os.RemoveAll(abs); err != nil {
			return classify.Classify(err, "")
		}
		return nil
	}
	if err := os.Remove(abs); err != nil {
		return classify.Classify(err, "")
	}
	return nil
}

// MovePath renames a file or directory inside the workspace.
func (s *Sandbox) MovePath(from, to string) error {
	absFrom, err := s.resolve(from)
	if err != nil {
		return err
	}
	absTo, err := s.resolve(to)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(absTo), 0o755); err != nil {
		return classify.Classify(err, "")
	}
	if err := os.Rename(absFrom, absTo); err != nil {
		return classify.Classify(err, "")
	}
	return nil
}

// ApplyPatch applies a unified-diff patch via the git service. Patches over
// the configured byte cap are rejected before reaching git.
func (s *Sandbox) ApplyPatch(ctx context.Context, patch string) error {
	if int64(len(patch)) > s.cfg.MaxPatchBytes {
		return classify.New(classify.CodeFSPermission,
			fmt.Sprintf("patch exceeds cap (%d > %d bytes)", len(patch), s.cfg.MaxPatchBytes))
	}
	if s.patcher == nil {
		return classify.New(classify.CodeInternalCLIFailure, "no patch applier configured")
	}
	if err := s.patcher.ApplyPatchAt(ctx, s.root, patch); err != nil {
		return classify.Classify(err, "")
	}
	return nil
}
