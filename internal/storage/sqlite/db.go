package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/scannerops/callwatch/pkg/logger"
)

// DB wraps the shared SQLite handle used by all storage areas.
type DB struct {
	db     *sql.DB
	logger *logger.Logger
}

// Open opens (or creates) the database at path and runs migrations.
func Open(path string, log *logger.Logger) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite tolerates one writer; the scheduler, pipeline and sweeps all
	// write, so serialize through a single connection.
	db.SetMaxOpenConns(1)

	d := &DB{db: db, logger: log.Named("sqlite")}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

// Close closes the underlying handle.
func (d *DB) Close() error { return d.db.Close() }

// Handle exposes the raw *sql.DB for storage areas.
func (d *DB) Handle() *sql.DB { return d.db }

func (d *DB) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS keyword_rules (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			pattern TEXT NOT NULL,
			match_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			min_confidence REAL NOT NULL DEFAULT 0,
			case_sensitive INTEGER NOT NULL DEFAULT 0,
			channel_id TEXT NOT NULL,
			active INTEGER NOT NULL DEFAULT 1,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rules_active ON keyword_rules(active)`,

		`CREATE TABLE IF NOT EXISTS notifications (
			id TEXT PRIMARY KEY,
			call_key TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			priority INTEGER NOT NULL,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			next_retry_at TIMESTAMP,
			matches_json TEXT NOT NULL,
			enrichment_json TEXT,
			payload_json TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_status ON notifications(status, next_retry_at)`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_call_key ON notifications(call_key)`,

		`CREATE TABLE IF NOT EXISTS ledger (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			call_key TEXT NOT NULL,
			status TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			message_id TEXT,
			attempts INTEGER NOT NULL,
			last_error TEXT,
			created_at TIMESTAMP NOT NULL
		)`,
		// The idempotence invariant: one sent entry per logical call, ever.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_sent ON ledger(call_key) WHERE status = 'sent'`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_created ON ledger(created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := d.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to run migration: %w", err)
		}
	}
	return nil
}

// formatTime renders timestamps the way every storage area stores them:
// RFC3339 in UTC, so string comparison matches time comparison.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
