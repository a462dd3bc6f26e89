// Package calllog keeps the history of finished calls in SQLite.
package calllog

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/petervdpas/goopcall/internal/call"
)

// DefaultFile is the database file name inside the peer directory.
const DefaultFile = "calls.db"

// Entry is one stored call.
type Entry struct {
	ID         string         `json:"id"`
	CallID     string         `json:"call_id"`
	Remote     string         `json:"remote"`
	Direction  call.Direction `json:"direction"`
	Outcome    call.Outcome   `json:"outcome"`
	Reason     string         `json:"reason,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	AnsweredAt *time.Time     `json:"answered_at,omitempty"`
	EndedAt    time.Time      `json:"ended_at"`
	DurationMS int64          `json:"duration_ms"`
}

// Store is a call history database.
type Store struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

var _ call.Recorder = (*Store)(nil)

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS calls (
			id          TEXT PRIMARY KEY,
			call_id     TEXT NOT NULL,
			remote      TEXT NOT NULL,
			direction   TEXT NOT NULL,
			outcome     TEXT NOT NULL,
			reason      TEXT DEFAULT '',
			started_at  INTEGER NOT NULL,
			answered_at INTEGER DEFAULT 0,
			ended_at    INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS calls_ended ON calls (ended_at DESC);
		CREATE INDEX IF NOT EXISTS calls_remote ON calls (remote, ended_at DESC);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create calls table: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path
func (s *Store) Path() string {
	return s.path
}

// Record stores one finished call.
func (s *Store) Record(r call.Record) error {
	var answered int64
	if !r.AnsweredAt.IsZero() {
		answered = r.AnsweredAt.UnixMilli()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO calls (id, call_id, remote, direction, outcome, reason, started_at, answered_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, uuid.NewString(), r.CallID, r.Remote, string(r.Direction), string(r.Outcome), r.Reason,
		r.StartedAt.UnixMilli(), answered, r.EndedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert call: %w", err)
	}
	return nil
}

// Recent returns up to limit calls, newest first.
func (s *Store) Recent(limit int) ([]Entry, error) {
	return s.query(`WHERE 1 = 1`, limit)
}

// WithParty returns up to limit calls with remote, newest first.
func (s *Store) WithParty(remote string, limit int) ([]Entry, error) {
	return s.query(`WHERE remote = ?`, limit, remote)
}

func (s *Store) query(where string, limit int, args ...any) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, call_id, remote, direction, outcome, COALESCE(reason, ''), started_at, answered_at, ended_at
		FROM calls `+where+`
		ORDER BY ended_at DESC, rowid DESC
		LIMIT ?
	`, append(args, limit)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		var dir, outcome string
		var started, answered, ended int64
		if err := rows.Scan(&e.ID, &e.CallID, &e.Remote, &dir, &outcome, &e.Reason, &started, &answered, &ended); err != nil {
			return nil, err
		}
		e.Direction = call.Direction(dir)
		e.Outcome = call.Outcome(outcome)
		e.StartedAt = time.UnixMilli(started)
		e.EndedAt = time.UnixMilli(ended)
		if answered > 0 {
			at := time.UnixMilli(answered)
			e.AnsweredAt = &at
			if d := ended - answered; d > 0 {
				e.DurationMS = d
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
