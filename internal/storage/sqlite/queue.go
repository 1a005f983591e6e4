package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/scannerops/callwatch/internal/enrich"
	"github.com/scannerops/callwatch/internal/notify"
	"github.com/scannerops/callwatch/internal/rules"
	"github.com/scannerops/callwatch/pkg/logger"
)

// QueueStorage persists notification items and implements the scheduler's
// queue contract, including the atomic dedup check on enqueue.
type QueueStorage struct {
	db     *sql.DB
	logger *logger.Logger
}

// NewQueueStorage creates a queue storage over the shared handle.
func NewQueueStorage(db *DB, log *logger.Logger) *QueueStorage {
	return &QueueStorage{
		db:     db.Handle(),
		logger: log.Named("sqlite-queue"),
	}
}

// Enqueue inserts a new item unless the same logical call already has an
// in-flight or sent notification. The check and insert run in one
// transaction so concurrent arrivals of the same call cannot both enqueue.
func (s *QueueStorage) Enqueue(ctx context.Context, item *notify.Item) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var inFlight int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM notifications
		WHERE call_key = ? AND status IN ('queued', 'processing', 'retry', 'sent')`,
		item.CallKey).Scan(&inFlight)
	if err != nil {
		return fmt.Errorf("failed to check queue for duplicates: %w", err)
	}
	if inFlight > 0 {
		return notify.ErrDuplicate
	}

	var sent int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM ledger WHERE call_key = ? AND status = 'sent'`,
		item.CallKey).Scan(&sent)
	if err != nil {
		return fmt.Errorf("failed to check ledger for duplicates: %w", err)
	}
	if sent > 0 {
		return notify.ErrDuplicate
	}

	matchesJSON, err := json.Marshal(item.Matches)
	if err != nil {
		return fmt.Errorf("failed to marshal matches: %w", err)
	}
	payloadJSON, err := json.Marshal(item.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	var enrichmentJSON sql.NullString
	if item.Enrichment != nil {
		b, err := json.Marshal(item.Enrichment)
		if err != nil {
			return fmt.Errorf("failed to marshal enrichment: %w", err)
		}
		enrichmentJSON = sql.NullString{String: string(b), Valid: true}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO notifications
		(id, call_key, channel_id, priority, status, attempts, next_retry_at, matches_json, enrichment_json, payload_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, NULL, ?, ?, ?, ?, ?)`,
		item.ID, item.CallKey, item.ChannelID, item.Priority, notify.StatusQueued,
		string(matchesJSON), enrichmentJSON, string(payloadJSON),
		formatTime(item.CreatedAt), formatTime(item.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert notification: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit enqueue: %w", err)
	}
	return nil
}

// PullBatch selects up to limit items that are queued, or retrying with a due
// retry time, marks them processing, and returns them. Items created before
// promoteBefore jump the priority order so sustained high-priority load
// cannot starve them.
func (s *QueueStorage) PullBatch(ctx context.Context, now, promoteBefore time.Time, limit int) ([]*notify.Item, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, call_key, channel_id, priority, status, attempts, next_retry_at, matches_json, enrichment_json, payload_json, created_at, updated_at
		FROM notifications
		WHERE status = 'queued' OR (status = 'retry' AND next_retry_at <= ?)
		ORDER BY CASE WHEN created_at <= ? THEN -1 ELSE priority END ASC, created_at ASC, id ASC
		LIMIT ?`,
		formatTime(now), formatTime(promoteBefore), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due notifications: %w", err)
	}

	items, err := scanItems(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	for _, item := range items {
		if _, err := tx.ExecContext(ctx,
			`UPDATE notifications SET status = ?, updated_at = ? WHERE id = ?`,
			notify.StatusProcessing, formatTime(now), item.ID); err != nil {
			return nil, fmt.Errorf("failed to mark notification processing: %w", err)
		}
		item.Status = notify.StatusProcessing
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit batch pull: %w", err)
	}
	return items, nil
}

// MarkSent transitions an item to its terminal sent state.
func (s *QueueStorage) MarkSent(ctx context.Context, id string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET status = ?, next_retry_at = NULL, updated_at = ? WHERE id = ?`,
		notify.StatusSent, formatTime(now), id)
	if err != nil {
		return fmt.Errorf("failed to mark notification sent: %w", err)
	}
	return nil
}

// MarkRetry schedules another delivery attempt.
func (s *QueueStorage) MarkRetry(ctx context.Context, id string, attempts int, nextRetryAt, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET status = ?, attempts = ?, next_retry_at = ?, updated_at = ? WHERE id = ?`,
		notify.StatusRetry, attempts, formatTime(nextRetryAt), formatTime(now), id)
	if err != nil {
		return fmt.Errorf("failed to mark notification for retry: %w", err)
	}
	return nil
}

// MarkFailed transitions an item to its terminal failed state.
func (s *QueueStorage) MarkFailed(ctx context.Context, id string, attempts int, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET status = ?, attempts = ?, next_retry_at = NULL, updated_at = ? WHERE id = ?`,
		notify.StatusFailed, attempts, formatTime(now), id)
	if err != nil {
		return fmt.Errorf("failed to mark notification failed: %w", err)
	}
	return nil
}

// RequeueStaleProcessing returns items stranded in processing (e.g. by a
// crash mid-dispatch) to the queue. Run at startup before polling begins.
func (s *QueueStorage) RequeueStaleProcessing(ctx context.Context, olderThan, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET status = ?, updated_at = ?
		WHERE status = 'processing' AND updated_at <= ?`,
		notify.StatusQueued, formatTime(now), formatTime(olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stale notifications: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count requeued notifications: %w", err)
	}
	return int(n), nil
}

// Depth returns the number of items per status.
func (s *QueueStorage) Depth(ctx context.Context) (map[notify.Status]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(1) FROM notifications GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue depth: %w", err)
	}
	defer rows.Close()

	depth := make(map[notify.Status]int)
	for rows.Next() {
		var status notify.Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan queue depth: %w", err)
		}
		depth[status] = count
	}
	return depth, rows.Err()
}

// GetByCallKey returns the newest item for a logical call, or nil.
func (s *QueueStorage) GetByCallKey(ctx context.Context, callKey string) (*notify.Item, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, call_key, channel_id, priority, status, attempts, next_retry_at, matches_json, enrichment_json, payload_json, created_at, updated_at
		FROM notifications WHERE call_key = ? ORDER BY created_at DESC LIMIT 1`, callKey)
	if err != nil {
		return nil, fmt.Errorf("failed to query notification by call key: %w", err)
	}
	defer rows.Close()

	items, err := scanItems(rows)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return items[0], nil
}

func scanItems(rows *sql.Rows) ([]*notify.Item, error) {
	var items []*notify.Item
	for rows.Next() {
		var item notify.Item
		var nextRetry, enrichmentJSON sql.NullString
		var matchesJSON, payloadJSON, createdAt, updatedAt string
		if err := rows.Scan(
			&item.ID, &item.CallKey, &item.ChannelID, &item.Priority, &item.Status,
			&item.Attempts, &nextRetry, &matchesJSON, &enrichmentJSON, &payloadJSON,
			&createdAt, &updatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		if nextRetry.Valid {
			t := parseTime(nextRetry.String)
			item.NextRetryAt = &t
		}
		if err := json.Unmarshal([]byte(matchesJSON), &item.Matches); err != nil {
			item.Matches = []rules.Match{}
		}
		if enrichmentJSON.Valid {
			var e enrich.Result
			if err := json.Unmarshal([]byte(enrichmentJSON.String), &e); err == nil {
				item.Enrichment = &e
			}
		}
		if err := json.Unmarshal([]byte(payloadJSON), &item.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal notification payload: %w", err)
		}
		item.CreatedAt = parseTime(createdAt)
		item.UpdatedAt = parseTime(updatedAt)
		items = append(items, &item)
	}
	return items, rows.Err()
}
