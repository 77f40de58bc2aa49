package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/skiff-ai/skiff/internal/agent"
	"github.com/skiff-ai/skiff/pkg/models"
)

// SQLiteStore persists snapshots in a single SQLite table. Message and
// tool-history payloads are stored as JSON columns; the summary fields are
// lifted into real columns so List never deserializes payloads.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path. Use ":memory:" for
// an ephemeral database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Snapshot writes are whole-row upserts; a single connection avoids
	// SQLITE_BUSY on concurrent saves.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			message_count INTEGER NOT NULL DEFAULT 0,
			turn_count INTEGER NOT NULL DEFAULT 0,
			messages TEXT NOT NULL,
			tool_history TEXT,
			stats TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create sessions table: %w", err)
	}
	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at)`)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	return nil
}

// Save upserts a snapshot by id.
func (s *SQLiteStore) Save(ctx context.Context, snap *Snapshot) error {
	messages, err := json.Marshal(snap.Messages)
	if err != nil {
		return fmt.Errorf("failed to serialize messages: %w", err)
	}
	toolHistory, err := json.Marshal(snap.ToolHistory)
	if err != nil {
		return fmt.Errorf("failed to serialize tool history: %w", err)
	}
	stats, err := json.Marshal(snap.Stats)
	if err != nil {
		return fmt.Errorf("failed to serialize stats: %w", err)
	}

	now := time.Now().UTC()
	created := snap.CreatedAt
	if created.IsZero() {
		created = now
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, created_at, updated_at, message_count, turn_count, messages, tool_history, stats)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			updated_at = excluded.updated_at,
			message_count = excluded.message_count,
			turn_count = excluded.turn_count,
			messages = excluded.messages,
			tool_history = excluded.tool_history,
			stats = excluded.stats
	`, snap.ID, created, now, len(snap.Messages), snap.Stats.Turns,
		string(messages), string(toolHistory), string(stats))
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// Load returns the snapshot for id, or ErrNotFound.
func (s *SQLiteStore) Load(ctx context.Context, id string) (*Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, created_at, updated_at, messages, tool_history, stats
		FROM sessions WHERE id = ?
	`, id)

	var snap Snapshot
	var messages, toolHistory, stats sql.NullString
	err := row.Scan(&snap.ID, &snap.CreatedAt, &snap.UpdatedAt, &messages, &toolHistory, &stats)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	if messages.Valid && messages.String != "" {
		if err := json.Unmarshal([]byte(messages.String), &snap.Messages); err != nil {
			return nil, fmt.Errorf("corrupt messages payload: %w", err)
		}
	}
	if toolHistory.Valid && toolHistory.String != "" {
		var states []models.ToolCallState
		if err := json.Unmarshal([]byte(toolHistory.String), &states); err != nil {
			return nil, fmt.Errorf("corrupt tool history payload: %w", err)
		}
		snap.ToolHistory = states
	}
	if stats.Valid && stats.String != "" {
		var st agent.TurnStats
		if err := json.Unmarshal([]byte(stats.String), &st); err != nil {
			return nil, fmt.Errorf("corrupt stats payload: %w", err)
		}
		snap.Stats = st
	}
	return &snap, nil
}

// List returns summaries, most recently updated first.
func (s *SQLiteStore) List(ctx context.Context, limit int) ([]Summary, error) {
	query := `
		SELECT id, updated_at, message_count, turn_count
		FROM sessions ORDER BY updated_at DESC
	`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var summaries []Summary
	for rows.Next() {
		var sum Summary
		if err := rows.Scan(&sum.ID, &sum.UpdatedAt, &sum.Messages, &sum.Turns); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		summaries = append(summaries, sum)
	}
	return summaries, rows.Err()
}

// Delete removes the snapshot for id.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
