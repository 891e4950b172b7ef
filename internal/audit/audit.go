// Package audit persists a device's connection lifecycle (connect, hello,
// disconnect) to an embedded SQLite database, mirroring the core server's
// own audit_log table and migration style: ordered, additive, applied once.
package audit

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// migrations holds the ordered list of DDL statements that bring the schema
// up to date. Index i corresponds to version i+1 — append, never edit.
var migrations = []string{
	// v1 — device session lifecycle events
	`CREATE TABLE IF NOT EXISTS session_events (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		mac        TEXT NOT NULL,
		session_id TEXT NOT NULL DEFAULT '',
		event      TEXT NOT NULL,
		created_at INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v2 — query by device
	`CREATE INDEX IF NOT EXISTS idx_session_events_mac ON session_events(mac)`,
}

// Store wraps a SQLite database recording device session events.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the SQLite database at path and applies any
// pending migrations. Use ":memory:" for ephemeral in-process storage.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY)`); err != nil {
		return err
	}

	var applied int
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&applied); err != nil {
		return err
	}

	for i := applied; i < len(migrations); i++ {
		if _, err := s.db.Exec(migrations[i]); err != nil {
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
		if _, err := s.db.Exec(`INSERT INTO schema_migrations (version) VALUES (?)`, i+1); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordEvent appends one lifecycle event for mac. event is a short label
// such as "connect", "hello", or "disconnect"; sessionID is empty when the
// event precedes Session creation.
func (s *Store) RecordEvent(mac, sessionID, event string) error {
	_, err := s.db.Exec(
		`INSERT INTO session_events (mac, session_id, event) VALUES (?, ?, ?)`,
		mac, sessionID, event,
	)
	return err
}

// Events returns mac's recorded events, most recent first, for diagnostics
// and tests.
func (s *Store) Events(mac string) ([]Event, error) {
	rows, err := s.db.Query(
		`SELECT mac, session_id, event, created_at FROM session_events WHERE mac = ? ORDER BY id DESC`,
		mac,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.MAC, &e.SessionID, &e.Event, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Event is one recorded session lifecycle row.
type Event struct {
	MAC       string
	SessionID string
	Event     string
	CreatedAt int64
}
