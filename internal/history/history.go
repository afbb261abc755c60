// Package history persists device lifecycle events to SQLite. This is an
// append-only audit log; the device table itself is memory-only and is
// never reloaded from here.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"skuwatch/internal/service"
)

// Entry is one recorded lifecycle event.
type Entry struct {
	ID       int64     `json:"id"`
	At       time.Time `json:"at"`
	Type     string    `json:"type"`
	MAC      string    `json:"mac,omitempty"`
	IP       string    `json:"ip,omitempty"`
	Hostname string    `json:"hostname,omitempty"`
	Detail   string    `json:"detail,omitempty"`
}

// Store is the SQLite-backed event log.
type Store struct {
	db *sql.DB
}

// Open opens (and migrates) the store at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate history db: %w", err)
	}
	return store, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS device_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		at DATETIME NOT NULL,
		type TEXT NOT NULL,
		mac TEXT NOT NULL DEFAULT '',
		ip TEXT NOT NULL DEFAULT '',
		hostname TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_device_events_mac ON device_events(mac);
	CREATE INDEX IF NOT EXISTS idx_device_events_at ON device_events(at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Append records one event.
func (s *Store) Append(ctx context.Context, ev service.Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO device_events (at, type, mac, ip, hostname, detail)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.At.UTC(), string(ev.Type), ev.MAC, ev.IP, ev.Hostname, ev.Detail,
	)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// Recent returns up to limit events, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, at, type, mac, ip, hostname, detail
		FROM device_events
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.At, &e.Type, &e.MAC, &e.IP, &e.Hostname, &e.Detail); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
