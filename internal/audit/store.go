// Package audit persists the minimal trail the consent rules allow to
// survive a call: when consent was granted, how long the call lasted and how
// it ended.  No signaling payloads and no personal data are ever written.
package audit

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Call outcomes recorded after teardown.
const (
	OutcomeConnected = "connected" // call connected and ended normally
	OutcomeClosed    = "closed"    // ended before media flowed, not an error
	OutcomeFailed    = "failed"    // setup error
	OutcomeTimeout   = "timeout"   // health monitor bound elapsed
)

// Store wraps a SQLite database holding the audit trail.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Entry is one audited call.
type Entry struct {
	SessionID   string
	Role        string
	ConsentedAt time.Time
	Duration    time.Duration
	Outcome     string
	RecordedAt  time.Time
}

// Open opens or creates the audit database in dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	dbPath := filepath.Join(dir, "audit.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}

	// Foreign keys and WAL mode for better concurrency
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure audit database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS call_audit (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id   TEXT NOT NULL,
			role         TEXT NOT NULL,
			consented_at INTEGER NOT NULL,
			duration_ms  INTEGER NOT NULL DEFAULT 0,
			outcome      TEXT NOT NULL,
			recorded_at  INTEGER NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create audit table: %w", err)
	}

	return &Store{db: db}, nil
}

// Record writes one audit entry.
func (s *Store) Record(e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	recordedAt := e.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO call_audit (session_id, role, consented_at, duration_ms, outcome, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.SessionID, e.Role, e.ConsentedAt.UnixMilli(), e.Duration.Milliseconds(), e.Outcome, recordedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record audit entry: %w", err)
	}
	return nil
}

// Recent returns up to n entries, newest first.
func (s *Store) Recent(n int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT session_id, role, consented_at, duration_ms, outcome, recorded_at
		FROM call_audit ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var consentedAt, durationMS, recordedAt int64
		if err := rows.Scan(&e.SessionID, &e.Role, &consentedAt, &durationMS, &e.Outcome, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.ConsentedAt = time.UnixMilli(consentedAt)
		e.Duration = time.Duration(durationMS) * time.Millisecond
		e.RecordedAt = time.UnixMilli(recordedAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
