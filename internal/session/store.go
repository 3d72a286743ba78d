package session

import (
	"context"
	"fmt"

	"github.com/agentgate/agentgate/internal/common/config"
	"github.com/agentgate/agentgate/internal/common/logger"
)

// ErrNotFound is returned when a session id has no stored record.
var ErrNotFound = fmt.Errorf("session not found")

// Store persists sessions. Implementations must make Save atomic: a crash
// mid-save leaves either the previous record or the new one, never a torn
// document.
type Store interface {
	Save(ctx context.Context, s *Session) error
	Load(ctx context.Context, id string) (*Session, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*Session, error)
	Close() error
}

// NewStore selects a backend from configuration: "file" (default) or "sqlite".
func NewStore(cfg config.SessionConfig, log *logger.Logger) (Store, error) {
	switch cfg.Backend {
	case "", "file":
		dir, err := config.ExpandPath(cfg.Dir)
		if err != nil {
			return nil, err
		}
		return NewFileStore(dir, log)
	case "sqlite":
		path, err := config.ExpandPath(cfg.DBPath)
		if err != nil {
			return nil, err
		}
		return NewSQLiteStore(path, log)
	default:
		return nil, fmt.Errorf("unknown session backend %q", cfg.Backend)
	}
}
