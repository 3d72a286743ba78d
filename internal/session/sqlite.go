package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/agentgate/agentgate/internal/common/logger"
	"github.com/agentgate/agentgate/pkg/acp/protocol"
)

const sessionSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id             TEXT PRIMARY KEY,
	state          TEXT NOT NULL,
	mode           TEXT NOT NULL,
	workspace_uri  TEXT NOT NULL DEFAULT '',
	workspace_path TEXT NOT NULL DEFAULT '',
	is_ephemeral   INTEGER NOT NULL DEFAULT 0,
	options        TEXT NOT NULL DEFAULT '{}',
	history        TEXT NOT NULL DEFAULT '[]',
	agent_context  TEXT NOT NULL DEFAULT '{}',
	created_at     TIMESTAMP NOT NULL,
	last_active_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_last_active ON sessions(last_active_at);
`

// sessionRow is the flat database projection of a Session.
type sessionRow struct {
	ID            string    `db:"id"`
	State         string    `db:"state"`
	Mode          string    `db:"mode"`
	WorkspaceURI  string    `db:"workspace_uri"`
	WorkspacePath string    `db:"workspace_path"`
	IsEphemeral   bool      `db:"is_ephemeral"`
	Options       string    `db:"options"`
	History       string    `db:"history"`
	AgentContext  string    `db:"agent_context"`
	CreatedAt     time.Time `db:"created_at"`
	LastActiveAt  time.Time `db:"last_active_at"`
}

// SQLiteStore persists sessions in a local sqlite database. Each save writes
// the full record in one transaction, so the atomicity contract holds.
type SQLiteStore struct {
	db     *sqlx.DB
	logger *logger.Logger
}

// NewSQLiteStore opens (and migrates) the database at path.
func NewSQLiteStore(path string, log *logger.Logger) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}
	db, err := sqlx.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// sqlite serializes writers; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sessionSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate session schema: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: log.WithFields(zap.String("component", "session-store-sqlite")),
	}, nil
}

func toRow(s *Session) (*sessionRow, error) {
	opts, err := json.Marshal(s.Options)
	if err != nil {
		return nil, fmt.Errorf("marshal options: %w", err)
	}
	history := s.History
	if history == nil {
		history = []protocol.Exchange{}
	}
	hist, err := json.Marshal(history)
	if err != nil {
		return nil, fmt.Errorf("marshal history: %w", err)
	}
	agentCtx := s.AgentContext
	if agentCtx == nil {
		agentCtx = map[string]string{}
	}
	actx, err := json.Marshal(agentCtx)
	if err != nil {
		return nil, fmt.Errorf("marshal agent context: %w", err)
	}
	return &sessionRow{
		ID:            s.ID,
		State:         string(s.State),
		Mode:          string(s.Mode),
		WorkspaceURI:  s.WorkspaceURI,
		WorkspacePath: s.WorkspacePath,
		IsEphemeral:   s.IsEphemeral,
		Options:       string(opts),
		History:       string(hist),
		AgentContext:  string(actx),
		CreatedAt:     s.CreatedAt,
		LastActiveAt:  s.LastActiveAt,
	}, nil
}

func (r *sessionRow) toSession() (*Session, error) {
	s := &Session{
		ID:            r.ID,
		State:         protocol.SessionState(r.State),
		Mode:          protocol.SessionMode(r.Mode),
		WorkspaceURI:  r.WorkspaceURI,
		WorkspacePath: r.WorkspacePath,
		IsEphemeral:   r.IsEphemeral,
		CreatedAt:     r.CreatedAt,
		LastActiveAt:  r.LastActiveAt,
	}
	if err := json.Unmarshal([]byte(r.Options), &s.Options); err != nil {
		return nil, fmt.Errorf("decode options for %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(r.History), &s.History); err != nil {
		return nil, fmt.Errorf("decode history for %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(r.AgentContext), &s.AgentContext); err != nil {
		return nil, fmt.Errorf("decode agent context for %s: %w", r.ID, err)
	}
	if len(s.AgentContext) == 0 {
		s.AgentContext = nil
	}
	return s, nil
}

// Save upserts the full session record.
func (s *SQLiteStore) Save(ctx context.Context, sess *Session) error {
	if sess == nil || sess.ID == "" {
		return fmt.Errorf("session id is required")
	}
	row, err := toRow(sess)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO sessions (id, state, mode, workspace_uri, workspace_path, is_ephemeral, options, history, agent_context, created_at, last_active_at)
		VALUES (:id, :state, :mode, :workspace_uri, :workspace_path, :is_ephemeral, :options, :history, :agent_context, :created_at, :last_active_at)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			mode = excluded.mode,
			workspace_uri = excluded.workspace_uri,
			workspace_path = excluded.workspace_path,
			is_ephemeral = excluded.is_ephemeral,
			options = excluded.options,
			history = excluded.history,
			agent_context = excluded.agent_context,
			last_active_at = excluded.last_active_at`, row)
	if err != nil {
		return fmt.Errorf("save session %s: %w", sess.ID, err)
	}
	return nil
}

// Load fetches one session by id.
func (s *SQLiteStore) Load(ctx context.Context, id string) (*Session, error) {
	var row sessionRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM sessions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	return row.toSession()
}

// Delete removes a session row. Missing rows are not an error.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

// List returns every stored session ordered by recency.
func (s *SQLiteStore) List(ctx context.Context) ([]*Session, error) {
	var rows []sessionRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM sessions ORDER BY last_active_at DESC`); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	out := make([]*Session, 0, len(rows))
	for i := range rows {
		sess, err := rows[i].toSession()
		if err != nil {
			s.logger.Warn("skipping undecodable session row", zap.Error(err))
			continue
		}
		out = append(out, sess)
	}
	return out, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
