package notify

import (
	"context"
	"errors"
	"time"

	"github.com/scannerops/callwatch/internal/enrich"
	"github.com/scannerops/callwatch/internal/rules"
)

// Status is a NotificationItem's position in its delivery lifecycle:
// queued -> processing -> sent | retry -> queued | failed.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusSent       Status = "sent"
	StatusRetry      Status = "retry"
	StatusFailed     Status = "failed"
)

// ErrDuplicate indicates the logical call already has an in-flight or sent
// notification. Informational, not a failure.
var ErrDuplicate = errors.New("notification already exists for call")

// Segment is one ordered fragment of a grouped hospital conversation.
type Segment struct {
	Timestamp  time.Time `json:"timestamp"`
	Transcript string    `json:"transcript"`
	AudioPath  string    `json:"audio_path,omitempty"`
}

// Payload carries everything the dispatcher needs to format the outbound
// message. Snapshotted at enqueue time so delivery does not depend on the
// original call record.
type Payload struct {
	Transcript string    `json:"transcript"`
	Location   string    `json:"location,omitempty"`
	CallType   string    `json:"call_type,omitempty"`
	Units      []string  `json:"units,omitempty"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
	AudioPath  string    `json:"audio_path,omitempty"`
	Segments   []Segment `json:"segments,omitempty"`
}

// Item is the schedulable unit representing one logical call's notification.
type Item struct {
	ID          string         `json:"id"`
	CallKey     string         `json:"call_key"`
	ChannelID   string         `json:"channel_id"`
	Priority    int            `json:"priority"`
	Status      Status         `json:"status"`
	Attempts    int            `json:"attempts"`
	NextRetryAt *time.Time     `json:"next_retry_at,omitempty"`
	Matches     []rules.Match  `json:"matches"`
	Enrichment  *enrich.Result `json:"enrichment,omitempty"`
	Payload     Payload        `json:"payload"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// PriorityFromMatches derives an item's priority from its highest matched
// severity. Lower is more urgent.
func PriorityFromMatches(matches []rules.Match) int {
	best := rules.SeverityLow.Rank()
	for _, m := range matches {
		if r := m.Severity.Rank(); r < best {
			best = r
		}
	}
	return best
}

// LedgerEntry is an immutable record of a terminal delivery outcome.
type LedgerEntry struct {
	ID        int64     `json:"id"`
	CallKey   string    `json:"call_key"`
	Status    Status    `json:"status"` // sent or failed
	ChannelID string    `json:"channel_id"`
	MessageID string    `json:"message_id,omitempty"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// QueueStore persists notification items. Enqueue must be atomic with the
// duplicate check: it fails with ErrDuplicate when an item for the same call
// key is already queued, retrying, processing, or recorded as sent.
type QueueStore interface {
	Enqueue(ctx context.Context, item *Item) error
	PullBatch(ctx context.Context, now, promoteBefore time.Time, limit int) ([]*Item, error)
	MarkSent(ctx context.Context, id string, now time.Time) error
	MarkRetry(ctx context.Context, id string, attempts int, nextRetryAt, now time.Time) error
	MarkFailed(ctx context.Context, id string, attempts int, now time.Time) error
	RequeueStaleProcessing(ctx context.Context, olderThan, now time.Time) (int, error)
	Depth(ctx context.Context) (map[Status]int, error)
}

// LedgerStore is the append-only record of terminal outcomes and the
// authoritative dedup source.
type LedgerStore interface {
	RecordSent(ctx context.Context, callKey, channelID, messageID string, attempts int, now time.Time) error
	RecordFailed(ctx context.Context, callKey, channelID string, attempts int, lastError string, now time.Time) error
	HasSent(ctx context.Context, callKey string) (bool, error)
	List(ctx context.Context, limit int) ([]LedgerEntry, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
