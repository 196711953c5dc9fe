// Package history persists the append-only memory event log in SQLite.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"codemem/internal/apperr"
	"codemem/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS memory_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	memory_id TEXT NOT NULL,
	event TEXT NOT NULL,
	prev_content TEXT NOT NULL DEFAULT '',
	new_content TEXT NOT NULL DEFAULT '',
	owner_id TEXT NOT NULL DEFAULT '',
	timestamp INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_memory_history_memory_id ON memory_history(memory_id);
`

// Store is the append-only history log. Rows are never updated or deleted
// except by the administrative reset.
type Store struct {
	db *sql.DB
}

// Open creates (or opens) the history database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate history db: %w", err)
	}
	return &Store{db: db}, nil
}

// Append records one event. The timestamp is server-assigned so events for a
// single memory are totally ordered.
func (s *Store) Append(ctx context.Context, ownerID, memoryID string, event types.EventKind, prevContent, newContent string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memory_history (memory_id, event, prev_content, new_content, owner_id, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		memoryID, string(event), prevContent, newContent, ownerID, time.Now().UTC().UnixNano(),
	)
	if err != nil {
		return apperr.Wrap(apperr.CodeStoreUnavailable, "failed to append history event", err)
	}
	return nil
}

// List returns the events of one memory in insertion order.
func (s *Store) List(ctx context.Context, memoryID string) ([]types.HistoryEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, memory_id, event, prev_content, new_content, timestamp
		 FROM memory_history WHERE memory_id = ? ORDER BY id ASC`,
		memoryID,
	)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeStoreUnavailable, "failed to read history", err)
	}
	defer rows.Close()

	var events []types.HistoryEvent
	for rows.Next() {
		var e types.HistoryEvent
		var event string
		var ts int64
		if err := rows.Scan(&e.ID, &e.MemoryID, &event, &e.PrevContent, &e.NewContent, &ts); err != nil {
			return nil, apperr.Wrap(apperr.CodeStoreUnavailable, "failed to scan history row", err)
		}
		e.Event = types.EventKind(event)
		e.Timestamp = time.Unix(0, ts).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// Owner returns the owner recorded with the memory's first event, or "" if
// the memory has no history.
func (s *Store) Owner(ctx context.Context, memoryID string) (string, error) {
	var owner string
	err := s.db.QueryRowContext(ctx,
		`SELECT owner_id FROM memory_history WHERE memory_id = ? ORDER BY id ASC LIMIT 1`,
		memoryID,
	).Scan(&owner)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", apperr.Wrap(apperr.CodeStoreUnavailable, "failed to read history owner", err)
	}
	return owner, nil
}

// Reset wipes all history. Administrative only.
func (s *Store) Reset(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM memory_history`); err != nil {
		return apperr.Wrap(apperr.CodeStoreUnavailable, "failed to reset history", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }
