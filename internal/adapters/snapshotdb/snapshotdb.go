// Package snapshotdb persists session snapshots in SQLite so a daemon
// restart can offer to pick playback back up.
package snapshotdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/soundfold/maestro/pkg/maestro"
)

const schema = `CREATE TABLE IF NOT EXISTS session_snapshots (
	room TEXT PRIMARY KEY,
	payload TEXT NOT NULL,
	saved_at INTEGER NOT NULL
);`

// Store implements the SnapshotStore port over SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (and creates, if needed) the snapshot database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open snapshot db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create snapshot schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save upserts the snapshot for its room.
func (s *Store) Save(ctx context.Context, snap maestro.SessionSnapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO session_snapshots (room, payload, saved_at) VALUES (?, ?, ?)
		 ON CONFLICT(room) DO UPDATE SET payload = excluded.payload, saved_at = excluded.saved_at`,
		snap.Room, string(payload), snap.SavedAt)
	return err
}

// Load returns the snapshot for a room, reporting whether one exists.
func (s *Store) Load(ctx context.Context, room string) (maestro.SessionSnapshot, bool, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM session_snapshots WHERE room = ?`, room).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return maestro.SessionSnapshot{}, false, nil
	}
	if err != nil {
		return maestro.SessionSnapshot{}, false, err
	}
	var snap maestro.SessionSnapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		return maestro.SessionSnapshot{}, false, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, true, nil
}

// Delete removes the snapshot for a room.
func (s *Store) Delete(ctx context.Context, room string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM session_snapshots WHERE room = ?`, room)
	return err
}

// Rooms lists rooms with saved snapshots.
func (s *Store) Rooms(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT room FROM session_snapshots ORDER BY room`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var rooms []string
	for rows.Next() {
		var room string
		if err := rows.Scan(&room); err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}
