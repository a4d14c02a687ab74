// Package audit persists control actions (start, stop, command, jdk install)
// in SQLite.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_events (
	seq INTEGER PRIMARY KEY AUTOINCREMENT NOT NULL,
	id TEXT UNIQUE NOT NULL,
	action TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	ok BOOLEAN NOT NULL,
	message TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);
`

const insertSQL = `
INSERT INTO audit_events (id, action, detail, ok, message, created_at)
VALUES (:id, :action, :detail, :ok, :message, :created_at);
`

const recentSQL = `
SELECT id, action, detail, ok, message, created_at
FROM audit_events
ORDER BY seq DESC
LIMIT $1;
`

const (
	DefaultLimit = 50
	MaxLimit     = 1000
)

// Event is one recorded control action.
type Event struct {
	ID        string    `db:"id" json:"id"`
	Action    string    `db:"action" json:"action"`
	Detail    string    `db:"detail" json:"detail,omitempty"`
	OK        bool      `db:"ok" json:"ok"`
	Message   string    `db:"message" json:"message"`
	CreatedAt time.Time `db:"created_at" json:"timestamp"`
}

// Store writes to a SQLite database. A nil *Store discards everything.
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

// Open connects to the SQLite file at path, creating it and its directory
// when missing.
func Open(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating audit dir: %w", err)
		}
	}
	db, err := sqlx.ConnectContext(ctx, "sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening audit db: %w", err)
	}
	return New(ctx, db)
}

// New initializes the schema on an existing connection.
func New(ctx context.Context, db *sqlx.DB) (*Store, error) {
	// sqlite3 allows a single writer
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("creating audit schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Record stores an action outcome. Failures are logged, not returned, so
// that auditing never fails a control request.
func (s *Store) Record(ctx context.Context, action, detail string, err error, message string) {
	if s == nil {
		return
	}
	ev := Event{
		ID:        uuid.NewString(),
		Action:    action,
		Detail:    detail,
		OK:        err == nil,
		Message:   message,
		CreatedAt: s.now().UTC(),
	}
	if err != nil {
		ev.Message = err.Error()
	}
	if _, dbErr := s.db.NamedExecContext(ctx, insertSQL, ev); dbErr != nil {
		slog.ErrorContext(ctx, "recording audit event", "action", action, "error", dbErr)
	}
}

// Recent returns up to limit events, newest first. Limits outside
// 1..MaxLimit are replaced by DefaultLimit or MaxLimit.
func (s *Store) Recent(ctx context.Context, limit int) ([]Event, error) {
	if s == nil {
		return []Event{}, nil
	}
	switch {
	case limit <= 0:
		limit = DefaultLimit
	case limit > MaxLimit:
		limit = MaxLimit
	}
	events := []Event{}
	if err := s.db.SelectContext(ctx, &events, recentSQL, limit); err != nil {
		return nil, fmt.Errorf("reading audit events: %w", err)
	}
	return events, nil
}

func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}
