package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/scannerops/callwatch/internal/notify"
	"github.com/scannerops/callwatch/pkg/logger"
)

// LedgerStorage is the append-only record of terminal delivery outcomes.
// A partial unique index on (call_key) WHERE status='sent' enforces the
// at-most-one-sent invariant at the storage layer.
type LedgerStorage struct {
	db     *sql.DB
	logger *logger.Logger
}

// NewLedgerStorage creates a ledger storage over the shared handle.
func NewLedgerStorage(db *DB, log *logger.Logger) *LedgerStorage {
	return &LedgerStorage{
		db:     db.Handle(),
		logger: log.Named("sqlite-ledger"),
	}
}

// RecordSent appends a sent outcome with the destination message id.
func (s *LedgerStorage) RecordSent(ctx context.Context, callKey, channelID, messageID string, attempts int, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ledger (call_key, status, channel_id, message_id, attempts, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		callKey, notify.StatusSent, channelID, messageID, attempts, formatTime(now))
	if err != nil {
		return fmt.Errorf("failed to record sent outcome: %w", err)
	}
	return nil
}

// RecordFailed appends a terminal failure with its attempt count and error.
func (s *LedgerStorage) RecordFailed(ctx context.Context, callKey, channelID string, attempts int, lastError string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ledger (call_key, status, channel_id, attempts, last_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		callKey, notify.StatusFailed, channelID, attempts, lastError, formatTime(now))
	if err != nil {
		return fmt.Errorf("failed to record failed outcome: %w", err)
	}
	return nil
}

// HasSent reports whether a sent entry exists for the logical call.
func (s *LedgerStorage) HasSent(ctx context.Context, callKey string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM ledger WHERE call_key = ? AND status = 'sent'`,
		callKey).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to query ledger: %w", err)
	}
	return count > 0, nil
}

// List returns the most recent entries, newest first.
func (s *LedgerStorage) List(ctx context.Context, limit int) ([]notify.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, call_key, status, channel_id, message_id, attempts, last_error, created_at
		FROM ledger ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []notify.LedgerEntry
	for rows.Next() {
		var e notify.LedgerEntry
		var messageID, lastError sql.NullString
		var createdAt string
		if err := rows.Scan(&e.ID, &e.CallKey, &e.Status, &e.ChannelID, &messageID, &e.Attempts, &lastError, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		e.MessageID = messageID.String
		e.LastError = lastError.String
		e.CreatedAt = parseTime(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DeleteOlderThan removes entries created before the cutoff. Used by the
// periodic expiry sweep.
func (s *LedgerStorage) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM ledger WHERE created_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to sweep ledger: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count swept ledger entries: %w", err)
	}
	if n > 0 {
		s.logger.Info("Swept expired ledger entries", logger.Int64("deleted", n))
	}
	return n, nil
}
