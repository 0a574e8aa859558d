// Package history keeps a small local record of finished playbacks so UIs
// can show recent listening and offer resume positions without a round trip
// to the backend.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

type Entry struct {
	ID              string    `json:"id"`
	TrackID         int       `json:"track_id"`
	Title           string    `json:"title"`
	Artist          string    `json:"artist"`
	PositionSeconds float64   `json:"position_seconds"`
	DurationSeconds float64   `json:"duration_seconds"`
	Completed       bool      `json:"completed"`
	PlayedAt        time.Time `json:"played_at"`
}

type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS listening_history (
	id TEXT PRIMARY KEY,
	track_id INTEGER NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	artist TEXT NOT NULL DEFAULT '',
	position_seconds REAL NOT NULL DEFAULT 0,
	duration_seconds REAL NOT NULL DEFAULT 0,
	completed INTEGER NOT NULL DEFAULT 0,
	played_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_track ON listening_history(track_id, played_at DESC);
CREATE INDEX IF NOT EXISTS idx_history_played ON listening_history(played_at DESC);
`

func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("history: create dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: open: %w", err)
	}
	// modernc sqlite serializes writes; one connection avoids lock churn.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: init schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Record(ctx context.Context, e Entry) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("history: missing database connection")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.PlayedAt.IsZero() {
		e.PlayedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO listening_history (id, track_id, title, artist, position_seconds, duration_seconds, completed, played_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.TrackID, e.Title, e.Artist, e.PositionSeconds, e.DurationSeconds, boolToInt(e.Completed), e.PlayedAt.Unix())
	if err != nil {
		return fmt.Errorf("history: record: %w", err)
	}
	return nil
}

// Recent returns the newest entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("history: missing database connection")
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, track_id, title, artist, position_seconds, duration_seconds, completed, played_at
		FROM listening_history
		ORDER BY played_at DESC, id
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("history: recent: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e         Entry
			completed int
			playedAt  int64
		)
		if err := rows.Scan(&e.ID, &e.TrackID, &e.Title, &e.Artist, &e.PositionSeconds, &e.DurationSeconds, &completed, &playedAt); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		e.Completed = completed != 0
		e.PlayedAt = time.Unix(playedAt, 0).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// ResumePosition reports where the listener last stopped in a track, zero
// when the last playback completed or the track was never played.
func (s *Store) ResumePosition(ctx context.Context, trackID int) (float64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("history: missing database connection")
	}
	var (
		pos       float64
		completed int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT position_seconds, completed
		FROM listening_history
		WHERE track_id = ?
		ORDER BY played_at DESC, id
		LIMIT 1
	`, trackID).Scan(&pos, &completed)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("history: resume position: %w", err)
	}
	if completed != 0 {
		return 0, nil
	}
	return pos, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
