package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// JournalEntry is one persisted ledger event.
type JournalEntry struct {
	Seq       int64           `json:"seq"`
	Op        string          `json:"op"`
	Type      string          `json:"type"`
	TaskID    string          `json:"task_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Events returns journaled events in commit order. An empty taskID returns
// events for every task. limit <= 0 means no limit.
func (d *DB) Events(ctx context.Context, taskID string, limit int) ([]JournalEntry, error) {
	query := `SELECT seq, op, type, task_id, payload, created_at FROM events`
	var args []any
	if taskID != "" {
		query += ` WHERE task_id = ?`
		args = append(args, taskID)
	}
	query += ` ORDER BY seq`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var entries []JournalEntry
	for rows.Next() {
		var e JournalEntry
		var task sql.NullString
		var payload string
		var created int64
		if err := rows.Scan(&e.Seq, &e.Op, &e.Type, &task, &payload, &created); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.TaskID = task.String
		e.Payload = json.RawMessage(payload)
		e.CreatedAt = fromUnix(created)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
