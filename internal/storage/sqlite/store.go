// Package sqlite persists assist events in a local SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/openform/assist/internal/storage"
)

// Store is a SQLite implementation of storage.Recorder.
type Store struct {
	db *sql.DB
}

var _ storage.Recorder = (*Store)(nil)

// New opens (or creates) the database at dbPath and initializes the schema.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS assist_events (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			field_name TEXT NOT NULL,
			kind TEXT NOT NULL,
			model TEXT,
			tokens_used INTEGER NOT NULL DEFAULT 0,
			duration_ns INTEGER NOT NULL DEFAULT 0,
			error TEXT,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_assist_events_session ON assist_events(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_assist_events_field ON assist_events(field_name)`,
		`CREATE INDEX IF NOT EXISTS idx_assist_events_kind ON assist_events(kind)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// Record inserts one assist event.
func (s *Store) Record(ctx context.Context, ev *storage.Event) error {
	createdAt := ev.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO assist_events (id, session_id, field_name, kind, model, tokens_used, duration_ns, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.SessionID, ev.FieldName, ev.Kind, ev.Model, ev.TokensUsed, ev.Duration.Nanoseconds(), ev.Error, createdAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record assist event: %w", err)
	}
	return nil
}

// BySession returns events for a session, newest first.
func (s *Store) BySession(ctx context.Context, sessionID string) ([]*storage.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, field_name, kind, model, tokens_used, duration_ns, error, created_at
		 FROM assist_events WHERE session_id = ? ORDER BY created_at DESC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query assist events: %w", err)
	}
	defer rows.Close()

	var events []*storage.Event
	for rows.Next() {
		ev := &storage.Event{}
		var durationNs int64
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.FieldName, &ev.Kind, &ev.Model,
			&ev.TokensUsed, &durationNs, &ev.Error, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan assist event: %w", err)
		}
		ev.Duration = time.Duration(durationNs)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
