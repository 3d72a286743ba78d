package workspace

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/agentgate/agentgate/internal/classify"
)

// DiffStatus reports the working tree state bucketed by kind.
type DiffStatus struct {
	Untracked []string `json:"untracked"`
	Modified  []string `json:"modified"`
	Staged    []string `json:"staged"`
}

// Dirty reports whether any bucket is non-empty.
func (d *DiffStatus) Dirty() bool {
	return len(d.Untracked) > 0 || len(d.Modified) > 0 || len(d.Staged) > 0
}

// runGit executes git with -C dir and returns stdout. Failures are
// classified; stderr travels in the error meta, never in the message.
func (s *Service) runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", dir}, args...)...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGINT)
	}
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return stdout.String(), classify.Cancelled()
		}
		combined := fmt.Errorf("git %s: %w: %s", args[0], err, stderr.String())
		return stdout.String(), classify.Classify(combined, stderr.String())
	}
	return stdout.String(), nil
}

// clone clones a repository into targetPath. The token, when present, is
// injected into the HTTPS URL for the single clone call and never logged.
func (s *Service) clone(ctx context.Context, repoURL, targetPath, token string) error {
	url := repoURL
	if token != "" && strings.HasPrefix(repoURL, "https://") {
		url = "https://x-access-token:" + token + "@" + strings.TrimPrefix(repoURL, "https://")
	}

	s.logger.Info("cloning repository",
		zap.String("url", repoURL),
		zap.String("target", targetPath))

	cmd := exec.CommandContext(ctx, "git", "clone", url, targetPath)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return classify.Cancelled()
		}
		redacted := stderr.String()
		if token != "" {
			redacted = strings.ReplaceAll(redacted, token, "***")
		}
		return classify.Classify(fmt.Errorf("git clone failed: %s", redacted), redacted)
	}
	return nil
}

// fetchAndPull updates an existing checkout: fetch, then fast-forward pull
// onto the base branch.
func (s *Service) fetchAndPull(ctx context.Context, dir, baseBranch string) error {
	if _, err := s.runGit(ctx, dir, "fetch", "--all", "--prune"); err != nil {
		return err
	}
	if _, err := s.runGit(ctx, dir, "checkout", baseBranch); err != nil {
		return err
	}
	_, err := s.runGit(ctx, dir, "pull", "--ff-only", "origin", baseBranch)
	return err
}

// EnsureBranch checks out workingBranch on an existing checkout, creating it
// from baseBranch when absent.
func (s *Service) EnsureBranch(ctx context.Context, ws *Workspace, baseBranch, workingBranch string) error {
	if err := s.requireRepo(ws); err != nil {
		return err
	}

	if _, err := s.runGit(ctx, ws.Path, "fetch", "origin"); err != nil {
		s.logger.Warn("fetch before branch switch failed", zap.Error(err))
	}

	if _, err := s.runGit(ctx, ws.Path, "rev-parse", "--verify", workingBranch); err == nil {
		_, err = s.runGit(ctx, ws.Path, "checkout", workingBranch)
		return err
	}

	_, err := s.runGit(ctx, ws.Path, "checkout", "-b", workingBranch, baseBranch)
	return err
}

// DiffStatus inspects the working tree via porcelain output.
func (s *Service) DiffStatus(ctx context.Context, ws *Workspace) (*DiffStatus, error) {
	if err := s.requireRepo(ws); err != nil {
		return nil, err
	}

	out, err := s.runGit(ctx, ws.Path, "status", "--porcelain")
	if err != nil {
		return nil, err
	}

	status := &DiffStatus{}
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		index, worktree, path := line[0], line[1], strings.TrimSpace(line[3:])
		switch {
		case index == '?' && worktree == '?':
			status.Untracked = append(status.Untracked, path)
		case index != ' ' && index != '?':
			status.Staged = append(status.Staged, path)
			if worktree != ' ' {
				status.Modified = append(status.Modified, path)
			}
		case worktree != ' ':
			status.Modified = append(status.Modified, path)
		}
	}
	return status, nil
}

// ApplyPatch applies a unified diff to the workspace. On failure the working
// tree is left unchanged: the patch is checked with --check first.
func (s *Service) ApplyPatch(ctx context.Context, ws *Workspace, patch string) error {
	if err := s.requireRepo(ws); err != nil {
		return err
	}
	return s.ApplyPatchAt(ctx, ws.Path, patch)
}

// ApplyPatchAt applies a unified diff at the given repository path. This is
// the sandbox's PatchApplier entry point.
func (s *Service) ApplyPatchAt(ctx context.Context, workspacePath string, patch string) error {
	patchFile, err := os.CreateTemp("", "agentgate-patch-*.diff")
	if err != nil {
		return classify.Classify(err, "")
	}
	defer os.Remove(patchFile.Name())
	if _, err := patchFile.WriteString(patch); err != nil {
		patchFile.Close()
		return classify.Classify(err, "")
	}
	patchFile.Close()

	// Dry run first so a failing patch leaves the tree untouched.
	if _, err := s.runGit(ctx, workspacePath, "apply", "--check", patchFile.Name()); err != nil {
		return err
	}
	_, err = s.runGit(ctx, workspacePath, "apply", patchFile.Name())
	return err
}

// CommitAll stages every tracked and untracked change under the workspace
// root, commits, and returns the new commit SHA.
func (s *Service) CommitAll(ctx context.Context, ws *Workspace, message, authorName, authorEmail string) (string, error) {
	if err := s.requireRepo(ws); err != nil {
		return "", err
	}

	if _, err := s.runGit(ctx, ws.Path, "add", "-A"); err != nil {
		return "", err
	}

	args := []string{
		"-c", "user.name=" + authorName,
		"-c", "user.email=" + authorEmail,
		"commit", "-m", message,
	}
	if _, err := s.runGit(ctx, ws.Path, args...); err != nil {
		return "", err
	}

	sha, err := s.runGit(ctx, ws.Path, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(sha), nil
}

// Push pushes a branch to origin. Best-effort: failures are reported, not
// retried.
func (s *Service) Push(ctx context.Context, ws *Workspace, branch, token string) error {
	if err := s.requireRepo(ws); err != nil {
		return err
	}

	args := []string{"push", "origin", branch}
	if token != "" {
		remote, err := s.runGit(ctx, ws.Path, "remote", "get-url", "origin")
		if err == nil {
			url := strings.TrimSpace(remote)
			if strings.HasPrefix(url, "https://") {
				authed := "https://x-access-token:" + token + "@" + strings.TrimPrefix(url, "https://")
				args = []string{"push", authed, branch}
			}
		}
	}

	if _, err := s.runGit(ctx, ws.Path, args...); err != nil {
		if token != "" {
			// Never let the token leak through the classified message.
			if ce, ok := err.(*classify.ClassifiedError); ok {
				ce.Message = strings.ReplaceAll(ce.Message, token, "***")
				if ce.Meta != nil {
					ce.Meta["stderr"] = strings.ReplaceAll(ce.Meta["stderr"], token, "***")
				}
			}
		}
		return err
	}
	return nil
}

// GitInfo returns a snapshot of the repository state.
func (s *Service) GitInfo(ctx context.Context, ws *Workspace) (*GitInfo, error) {
	if err := s.requireRepo(ws); err != nil {
		return nil, err
	}

	branch, err := s.runGit(ctx, ws.Path, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return nil, err
	}

	info := &GitInfo{CurrentBranch: strings.TrimSpace(branch)}

	if status, err := s.DiffStatus(ctx, ws); err == nil {
		info.HasUncommittedChanges = status.Dirty()
	}
	if remote, err := s.runGit(ctx, ws.Path, "remote", "get-url", "origin"); err == nil {
		info.RemoteURL = strings.TrimSpace(remote)
	}
	if sha, err := s.runGit(ctx, ws.Path, "rev-parse", "HEAD"); err == nil {
		info.LastCommit = strings.TrimSpace(sha)
	}
	return info, nil
}

func (s *Service) requireRepo(ws *Workspace) error {
	if ws == nil {
		return classify.New(classify.CodeWorkspaceMissing, "no workspace")
	}
	gitDir := filepath.Join(ws.Path, ".git")
	if info, err := os.Stat(gitDir); err != nil || !info.IsDir() {
		return classify.New(classify.CodeWorkspaceMissing,
			fmt.Sprintf("not a git repository: %s", ws.Path))
	}
	return nil
}
