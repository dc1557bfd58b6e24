// Package history persists finished shell sessions so a client can
// restore what a terminal showed before it exited. It consumes only the
// event shapes the multiplexer already produces; it knows nothing about
// PTYs or connections.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when no record exists for a session.
var ErrNotFound = errors.New("history: record not found")

// MaxOutputBytes caps the persisted output tail per session.
const MaxOutputBytes = 64 * 1024

// Record is one finished session.
type Record struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	Shell      string    `json:"shell"`
	PID        int       `json:"pid"`
	Output     string    `json:"output"`
	ExitCode   int       `json:"exit_code"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Store is a SQLite-backed session history.
type Store struct {
	db *sql.DB
}

// Open creates the database file and schema if needed.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if _, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS sessions (
	id          TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL,
	shell       TEXT NOT NULL,
	pid         INTEGER NOT NULL,
	output      TEXT NOT NULL,
	exit_code   INTEGER NOT NULL,
	started_at  INTEGER NOT NULL,
	finished_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_session_id ON sessions(session_id);
`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save persists one finished session, truncating oversized output.
func (s *Store) Save(ctx context.Context, rec Record) error {
	if len(rec.Output) > MaxOutputBytes {
		rec.Output = rec.Output[len(rec.Output)-MaxOutputBytes:]
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sessions(id, session_id, shell, pid, output, exit_code, started_at, finished_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.SessionID, rec.Shell, rec.PID, rec.Output, rec.ExitCode,
		rec.StartedAt.UnixMilli(), rec.FinishedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save session record: %w", err)
	}
	return nil
}

// Latest returns the most recent record for a session id.
func (s *Store) Latest(ctx context.Context, sessionID string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, session_id, shell, pid, output, exit_code, started_at, finished_at
FROM sessions WHERE session_id = ? ORDER BY finished_at DESC LIMIT 1`, sessionID)
	return scanRecord(row)
}

// List returns the most recent records, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, session_id, shell, pid, output, exit_code, started_at, finished_at
FROM sessions ORDER BY finished_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list session records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var rec Record
	var started, finished int64
	err := row.Scan(&rec.ID, &rec.SessionID, &rec.Shell, &rec.PID,
		&rec.Output, &rec.ExitCode, &started, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("scan session record: %w", err)
	}
	rec.StartedAt = time.UnixMilli(started)
	rec.FinishedAt = time.UnixMilli(finished)
	return rec, nil
}
