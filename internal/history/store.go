// Package history records completed and failed asks in a local sqlite
// database, for `repoask history` and the HTTP wrapper.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// Ask statuses.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Ask is one recorded question with its outcome.
type Ask struct {
	ID           string    `db:"id" json:"id"`
	WorkspaceKey string    `db:"workspace_key" json:"workspace"`
	Question     string    `db:"question" json:"question"`
	Answer       string    `db:"answer" json:"answer"`
	Status       string    `db:"status" json:"status"`
	Error        string    `db:"error" json:"error,omitempty"`
	SessionID    string    `db:"session_id" json:"sessionId,omitempty"`
	DurationMS   int64     `db:"duration_ms" json:"durationMs"`
	CreatedAt    time.Time `db:"created_at" json:"createdAt"`
}

// ErrNotFound is returned by Get for unknown ask IDs.
var ErrNotFound = errors.New("ask not found")

// Store persists asks.
type Store struct {
	db *sqlx.DB
}

// Open creates or opens the history database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}

	db, err := sqlx.Connect("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}

	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize history schema: %w", err)
	}
	return store, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS asks (
		id TEXT PRIMARY KEY,
		workspace_key TEXT NOT NULL,
		question TEXT NOT NULL,
		answer TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		session_id TEXT NOT NULL DEFAULT '',
		duration_ms INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_asks_created_at ON asks(created_at DESC);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record inserts one ask. A missing ID or timestamp is filled in.
func (s *Store) Record(ctx context.Context, ask *Ask) error {
	if ask == nil {
		return fmt.Errorf("ask is nil")
	}
	if ask.ID == "" {
		ask.ID = uuid.New().String()
	}
	if ask.CreatedAt.IsZero() {
		ask.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO asks (id, workspace_key, question, answer, status, error, session_id, duration_ms, created_at)
		VALUES (:id, :workspace_key, :question, :answer, :status, :error, :session_id, :duration_ms, :created_at)
	`, ask)
	return err
}

// List returns the most recent asks, newest first. limit <= 0 means a
// default of 50.
func (s *Store) List(ctx context.Context, limit int) ([]*Ask, error) {
	if limit <= 0 {
		limit = 50
	}
	var asks []*Ask
	err := s.db.SelectContext(ctx, &asks, `
		SELECT id, workspace_key, question, answer, status, error, session_id, duration_ms, created_at
		FROM asks
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	return asks, nil
}

// Get fetches one ask by ID.
func (s *Store) Get(ctx context.Context, id string) (*Ask, error) {
	var ask Ask
	err := s.db.GetContext(ctx, &ask, `
		SELECT id, workspace_key, question, answer, status, error, session_id, duration_ms, created_at
		FROM asks
		WHERE id = ?
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ask, nil
}

// ListByWorkspace returns the most recent asks for one workspace key.
func (s *Store) ListByWorkspace(ctx context.Context, key string, limit int) ([]*Ask, error) {
	if limit <= 0 {
		limit = 50
	}
	var asks []*Ask
	err := s.db.SelectContext(ctx, &asks, `
		SELECT id, workspace_key, question, answer, status, error, session_id, duration_ms, created_at
		FROM asks
		WHERE workspace_key = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, key, limit)
	if err != nil {
		return nil, err
	}
	return asks, nil
}
