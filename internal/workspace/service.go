// Package workspace materializes per-session working directories and exposes
// git state. A session owns exactly one workspace for its lifetime.
package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentgate/agentgate/internal/classify"
	"github.com/agentgate/agentgate/internal/common/config"
	"github.com/agentgate/agentgate/internal/common/logger"
)

// GitInfo is a snapshot of a workspace's git state.
type GitInfo struct {
	CurrentBranch         string `json:"currentBranch"`
	HasUncommittedChanges bool   `json:"hasUncommittedChanges"`
	RemoteURL             string `json:"remoteUrl,omitempty"`
	LastCommit            string `json:"lastCommit,omitempty"`
}

// Workspace describes one materialized working directory.
type Workspace struct {
	SessionID   string    `json:"sessionId"`
	Path        string    `json:"path"`
	IsEphemeral bool      `json:"isEphemeral"`
	CreatedAt   time.Time `json:"createdAt"`
	Git         *GitInfo  `json:"gitInfo,omitempty"`
}

// PrepareOptions tunes workspace preparation.
type PrepareOptions struct {
	RepositoryURL string
	BaseBranch    string
	WorkingBranch string
	Token         string
	// Reuse takes an existing persistent checkout as-is, skipping the
	// fetch/fast-forward refresh.
	Reuse bool
}

// Service allocates, populates, inspects, and cleans workspace directories.
// In persistent mode, prepare reuses a deterministic path and pulls instead
// of recloning; in ephemeral mode each session gets a fresh directory.
type Service struct {
	cfg    config.WorkspaceConfig
	logger *logger.Logger
	// pathMus serializes clone/pull per target directory so concurrent
	// prepares cannot race on the same checkout.
	pathMus sync.Map
}

// NewService creates a workspace service.
func NewService(cfg config.WorkspaceConfig, log *logger.Logger) *Service {
	return &Service{
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "workspace")),
	}
}

// PersistentMode reports whether the service reuses a shared checkout.
func (s *Service) PersistentMode() bool {
	return s.cfg.PersistentMode()
}

func (s *Service) pathMu(path string) *sync.Mutex {
	mu, _ := s.pathMus.LoadOrStore(path, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// persistentPath returns the deterministic checkout path for persistent mode.
func (s *Service) persistentPath() (string, error) {
	if s.cfg.Root != "" {
		return s.cfg.Root, nil
	}
	base, err := config.ExpandPath(s.cfg.BasePath)
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "workspace-"+s.cfg.PersistentID), nil
}

// Prepare materializes the workspace for a session.
//
// Persistent mode: the path derives from the configured workspace id; an
// existing .git there is fetched and fast-forwarded onto the base branch
// rather than re-cloned. Ephemeral mode: a fresh unique directory under the
// base path is cloned (or just created when no repository URL is given).
func (s *Service) Prepare(ctx context.Context, sessionID string, opts PrepareOptions) (*Workspace, error) {
	baseBranch := opts.BaseBranch
	if baseBranch == "" {
		baseBranch = s.cfg.DefaultBranch
	}

	if s.PersistentMode() {
		path, err := s.persistentPath()
		if err != nil {
			return nil, classify.Classify(err, "")
		}
		return s.preparePersistent(ctx, sessionID, path, baseBranch, opts)
	}
	return s.prepareEphemeral(ctx, sessionID, baseBranch, opts)
}

func (s *Service) preparePersistent(ctx context.Context, sessionID, path, baseBranch string, opts PrepareOptions) (*Workspace, error) {
	mu := s.pathMu(path)
	mu.Lock()
	defer mu.Unlock()

	gitDir := filepath.Join(path, ".git")
	if info, err := os.Stat(gitDir); err == nil && info.IsDir() {
		s.logger.Debug("reusing persistent workspace", zap.String("path", path))
		if opts.Reuse {
			s.logger.Debug("skipping refresh of reused checkout", zap.String("path", path))
		} else if err := s.fetchAndPull(ctx, path, baseBranch); err != nil {
			// Stale checkout is still usable; surface pull failures in logs only.
			s.logger.Warn("fetch/pull failed on persistent workspace", zap.Error(err))
		}
	} else {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, classify.Classify(err, "")
		}
		if opts.RepositoryURL != "" {
			if err := s.clone(ctx, opts.RepositoryURL, path, opts.Token); err != nil {
				return nil, err
			}
		}
	}

	ws := &Workspace{
		SessionID:   sessionID,
		Path:        path,
		IsEphemeral: false,
		CreatedAt:   time.Now().UTC(),
	}
	if opts.WorkingBranch != "" {
		if err := s.EnsureBranch(ctx, ws, baseBranch, opts.WorkingBranch); err != nil {
			return nil, err
		}
	}
	s.populateGitInfo(ctx, ws)
	return ws, nil
}

func (s *Service) prepareEphemeral(ctx context.Context, sessionID, baseBranch string, opts PrepareOptions) (*Workspace, error) {
	base, err := config.ExpandPath(s.cfg.BasePath)
	if err != nil {
		return nil, classify.Classify(err, "")
	}
	path := filepath.Join(base, fmt.Sprintf("agentgate-%s-%s", sessionID, uuid.New().String()[:8]))
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, classify.Classify(err, "")
	}

	if opts.RepositoryURL != "" {
		if err := s.clone(ctx, opts.RepositoryURL, path, opts.Token); err != nil {
			_ = os.RemoveAll(path)
			return nil, err
		}
	}

	ws := &Workspace{
		SessionID:   sessionID,
		Path:        path,
		IsEphemeral: true,
		CreatedAt:   time.Now().UTC(),
	}
	if opts.RepositoryURL != "" && opts.WorkingBranch != "" {
		if err := s.EnsureBranch(ctx, ws, baseBranch, opts.WorkingBranch); err != nil {
			return nil, err
		}
	}
	s.populateGitInfo(ctx, ws)
	return ws, nil
}

// Cleanup deletes ephemeral workspace directories. Persistent workspaces are
// left in place.
func (s *Service) Cleanup(ws *Workspace) error {
	if ws == nil || !ws.IsEphemeral {
		return nil
	}
	s.logger.Debug("removing ephemeral workspace", zap.String("path", ws.Path))
	if err := os.RemoveAll(ws.Path); err != nil {
		return classify.Classify(err, "")
	}
	return nil
}

// populateGitInfo fills ws.Git when the directory is a repository.
func (s *Service) populateGitInfo(ctx context.Context, ws *Workspace) {
	info, err := s.GitInfo(ctx, ws)
	if err != nil {
		return
	}
	ws.Git = info
}
