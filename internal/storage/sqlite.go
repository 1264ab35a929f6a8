// Package storage persists ledger state in SQLite.
//
// Every ledger operation is written through [DB.Apply] in a single SQL
// transaction, so the database never holds half an operation. [DB.Load]
// reads the state back for restore on startup.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultFileName is the database file created under the data directory.
const DefaultFileName = "ledger.db"

// DB wraps a sql.DB connection to the ledger database.
type DB struct {
	db *sql.DB
}

// NewDB opens (or creates) a SQLite database at path and runs schema migrations.
func NewDB(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	// _pragma entries run on every pooled connection.
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	d := &DB{db: sqlDB}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return d, nil
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// migrate creates all required tables if they do not already exist.
func (d *DB) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS escrows (
    task_id TEXT PRIMARY KEY,
    payer TEXT NOT NULL,
    agent TEXT NOT NULL,
    total_amount INTEGER NOT NULL,
    paid_amount INTEGER NOT NULL DEFAULT 0,
    total_milestones INTEGER NOT NULL,
    milestones_completed INTEGER NOT NULL DEFAULT 0,
    is_active INTEGER NOT NULL,
    is_completed INTEGER NOT NULL DEFAULT 0,
    cancelled INTEGER NOT NULL DEFAULT 0,
    dispute_status TEXT NOT NULL,
    dispute_raised_by TEXT,
    settled_to_agent INTEGER NOT NULL DEFAULT 0,
    returned_to_payer INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    CHECK (paid_amount <= total_amount),
    CHECK (milestones_completed <= total_milestones)
);

CREATE TABLE IF NOT EXISTS proofs (
    task_id TEXT NOT NULL,
    milestone_index INTEGER NOT NULL,
    agent TEXT NOT NULL,
    hash TEXT NOT NULL,
    submitted_at INTEGER NOT NULL,
    verified INTEGER NOT NULL DEFAULT 0,
    verified_at INTEGER,
    PRIMARY KEY (task_id, milestone_index),
    FOREIGN KEY (task_id) REFERENCES escrows(task_id)
);

CREATE TABLE IF NOT EXISTS reputations (
    agent TEXT PRIMARY KEY,
    score INTEGER NOT NULL CHECK (score BETWEEN 0 AND 100),
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS balances (
    account TEXT PRIMARY KEY,
    balance INTEGER NOT NULL CHECK (balance >= 0)
);

CREATE TABLE IF NOT EXISTS allowances (
    owner TEXT NOT NULL,
    spender TEXT NOT NULL,
    amount INTEGER NOT NULL CHECK (amount >= 0),
    PRIMARY KEY (owner, spender)
);

CREATE TABLE IF NOT EXISTS events (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    op TEXT NOT NULL,
    type TEXT NOT NULL,
    task_id TEXT,
    payload TEXT NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_task ON events(task_id);
CREATE INDEX IF NOT EXISTS idx_escrows_agent ON escrows(agent);`
	_, err := d.db.Exec(schema)
	return err
}

// boolToInt converts a bool to an integer (0 or 1) for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// toUnix stores times as Unix nanoseconds; the zero time is stored as 0.
func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnix(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
