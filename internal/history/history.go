// Package history persists per-file watch progress in a small SQLite
// database, fed by player heartbeats.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNoProgress is returned when a file has no recorded position.
var ErrNoProgress = errors.New("history: no progress recorded")

// Entry is the stored position for one file.
type Entry struct {
	FileID    int64     `json:"file_id"`
	Position  float64   `json:"position"` // seconds
	Duration  float64   `json:"duration,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store wraps the progress database.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path and ensures the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite: single writer
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS progress (
			file_id    INTEGER PRIMARY KEY,
			position   REAL NOT NULL,
			duration   REAL NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL
		)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("history schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error { return s.db.Close() }

// Record upserts the position for a file. Zero positions are kept so a
// restarted watch resets the resume point.
func (s *Store) Record(ctx context.Context, fileID int64, position, duration float64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO progress (file_id, position, duration, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(file_id) DO UPDATE SET
			position = excluded.position,
			duration = CASE WHEN excluded.duration > 0 THEN excluded.duration ELSE progress.duration END,
			updated_at = excluded.updated_at`,
		fileID, position, duration, time.Now().Unix())
	return err
}

// Get returns the stored position for a file.
func (s *Store) Get(ctx context.Context, fileID int64) (*Entry, error) {
	var e Entry
	var ts int64
	err := s.db.QueryRowContext(ctx, `
		SELECT file_id, position, duration, updated_at
		FROM progress WHERE file_id = ?`, fileID).
		Scan(&e.FileID, &e.Position, &e.Duration, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoProgress
	}
	if err != nil {
		return nil, err
	}
	e.UpdatedAt = time.Unix(ts, 0)
	return &e, nil
}

// Recent returns the most recently watched entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT file_id, position, duration, updated_at
		FROM progress ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		var ts int64
		if err := rows.Scan(&e.FileID, &e.Position, &e.Duration, &ts); err != nil {
			return nil, err
		}
		e.UpdatedAt = time.Unix(ts, 0)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Delete removes a file's progress, used when a remote file disappears.
func (s *Store) Delete(ctx context.Context, fileID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM progress WHERE file_id = ?`, fileID)
	return err
}
