// Package history records tunnel sessions in a local SQLite database.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/yllada/tunnel-supervisor/common"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	port       INTEGER NOT NULL,
	started_at INTEGER NOT NULL,
	ended_at   INTEGER,
	outcome    TEXT NOT NULL DEFAULT ''
)`

const opTimeout = 5 * time.Second

// Entry is one recorded session.
type Entry struct {
	ID        string
	Port      int
	StartedAt time.Time
	// EndedAt is zero while the session is active or was never closed.
	EndedAt time.Time
	// Outcome is the final status token.
	Outcome string
}

// Duration returns how long the session lasted, or zero if it has not ended.
func (e Entry) Duration() time.Duration {
	if e.EndedAt.IsZero() {
		return 0
	}
	return e.EndedAt.Sub(e.StartedAt)
}

// busyTimeout is how long a writer waits for the lock held by another
// process, such as the CLI reading while the daemon records a session.
const busyTimeout = 5 * time.Second

// dsn applies the connection pragmas through the URI so that every
// connection the pool opens gets them.
func dsn(path string) string {
	pragmas := []string{
		fmt.Sprintf("busy_timeout(%d)", busyTimeout.Milliseconds()),
		"journal_mode(WAL)",
		"synchronous(NORMAL)",
	}
	return "file:" + path + "?_pragma=" + strings.Join(pragmas, "&_pragma=")
}

// Store persists session history.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	if err := common.EnsureDir(filepath.Dir(path)); err != nil {
		return nil, common.WrapError(err, "failed to create history directory")
	}

	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open history %s: %w", path, err)
	}
	// A single connection serializes writers.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create history schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Begin records the start of a session.
func (s *Store) Begin(sessionID string, port int, at time.Time) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, port, started_at) VALUES (?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET port = excluded.port, started_at = excluded.started_at`,
		sessionID, port, at.UnixMilli())
	if err != nil {
		return fmt.Errorf("record session %s: %w", sessionID, err)
	}
	return nil
}

// End records how a session ended.
func (s *Store) End(sessionID, outcome string, at time.Time) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ?, outcome = ? WHERE id = ?`,
		at.UnixMilli(), outcome, sessionID)
	if err != nil {
		return fmt.Errorf("close session %s: %w", sessionID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("close session %s: no such session", sessionID)
	}
	return nil
}

// List returns up to limit sessions, newest first. A limit of zero or
// less returns all of them.
func (s *Store) List(limit int) ([]Entry, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, port, started_at, ended_at, outcome FROM sessions
		 ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e       Entry
			started int64
			ended   sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &e.Port, &started, &ended, &e.Outcome); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		e.StartedAt = time.UnixMilli(started)
		if ended.Valid {
			e.EndedAt = time.UnixMilli(ended.Int64)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Clear deletes all recorded sessions.
func (s *Store) Clear() error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions`); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
