package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/agentgate/agentgate/internal/common/logger"
)

// FileStore keeps one JSON document per session. Writes go through a temp
// file and rename so readers never observe a partial document.
type FileStore struct {
	dir    string
	logger *logger.Logger
	// mus serializes writes per session id.
	mus sync.Map
}

// NewFileStore creates the storage directory if needed.
func NewFileStore(dir string, log *logger.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	return &FileStore{
		dir:    dir,
		logger: log.WithFields(zap.String("component", "session-store")),
	}, nil
}

func (f *FileStore) mu(id string) *sync.Mutex {
	mu, _ := f.mus.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (f *FileStore) path(id string) string {
	return filepath.Join(f.dir, id+".json")
}

// Save writes the session document atomically.
func (f *FileStore) Save(ctx context.Context, s *Session) error {
	if s == nil || s.ID == "" {
		return fmt.Errorf("session id is required")
	}
	mu := f.mu(s.ID)
	mu.Lock()
	defer mu.Unlock()

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", s.ID, err)
	}

	tmp, err := os.CreateTemp(f.dir, s.ID+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write session %s: %w", s.ID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, f.path(s.ID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename session %s: %w", s.ID, err)
	}
	return nil
}

// Load reads one session document.
func (f *FileStore) Load(ctx context.Context, id string) (*Session, error) {
	data, err := os.ReadFile(f.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read session %s: %w", id, err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &s, nil
}

// Delete removes the session document. Missing documents are not an error.
func (f *FileStore) Delete(ctx context.Context, id string) error {
	mu := f.mu(id)
	mu.Lock()
	defer mu.Unlock()

	if err := os.Remove(f.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	f.mus.Delete(id)
	return nil
}

// List returns every stored session. Corrupt documents are skipped with a
// warning rather than failing the whole listing.
func (f *FileStore) List(ctx context.Context) ([]*Session, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("list session dir: %w", err)
	}

	var out []*Session
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".json")
		s, err := f.Load(ctx, id)
		if err != nil {
			f.logger.Warn("skipping unreadable session document",
				zap.String("file", e.Name()), zap.Error(err))
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// Close is a no-op for the file backend.
func (f *FileStore) Close() error { return nil }
