package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/scannerops/callwatch/pkg/logger"
)

type fakeQueue struct {
	items   []*Item
	sent    []string
	retries []retryCall
	failed  []string
}

type retryCall struct {
	id          string
	attempts    int
	nextRetryAt time.Time
}

func (q *fakeQueue) Enqueue(ctx context.Context, item *Item) error { return nil }

func (q *fakeQueue) PullBatch(ctx context.Context, now, promoteBefore time.Time, limit int) ([]*Item, error) {
	batch := q.items
	q.items = nil
	return batch, nil
}

func (q *fakeQueue) MarkSent(ctx context.Context, id string, now time.Time) error {
	q.sent = append(q.sent, id)
	return nil
}

func (q *fakeQueue) MarkRetry(ctx context.Context, id string, attempts int, nextRetryAt, now time.Time) error {
	q.retries = append(q.retries, retryCall{id: id, attempts: attempts, nextRetryAt: nextRetryAt})
	return nil
}

func (q *fakeQueue) MarkFailed(ctx context.Context, id string, attempts int, now time.Time) error {
	q.failed = append(q.failed, id)
	return nil
}

func (q *fakeQueue) RequeueStaleProcessing(ctx context.Context, olderThan, now time.Time) (int, error) {
	return 0, nil
}

func (q *fakeQueue) Depth(ctx context.Context) (map[Status]int, error) { return nil, nil }

type fakeLedger struct {
	sent   []string
	failed []string
}

func (l *fakeLedger) RecordSent(ctx context.Context, callKey, channelID, messageID string, attempts int, now time.Time) error {
	l.sent = append(l.sent, callKey)
	return nil
}

func (l *fakeLedger) RecordFailed(ctx context.Context, callKey, channelID string, attempts int, lastError string, now time.Time) error {
	l.failed = append(l.failed, callKey)
	return nil
}

func (l *fakeLedger) HasSent(ctx context.Context, callKey string) (bool, error) { return false, nil }

func (l *fakeLedger) List(ctx context.Context, limit int) ([]LedgerEntry, error) { return nil, nil }

func (l *fakeLedger) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

type fakeSender struct {
	err   error
	calls int
}

func (s *fakeSender) Dispatch(ctx context.Context, item *Item) (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return "msg-1", nil
}

func newTestScheduler(queue *fakeQueue, ledger *fakeLedger, sender *fakeSender, now time.Time) *Scheduler {
	s := NewScheduler(queue, ledger, sender, SchedulerConfig{
		PollInterval: time.Second,
		BatchSize:    20,
		MaxAttempts:  3,
		BackoffBase:  60 * time.Second,
		PromoteAfter: 10 * time.Minute,
	}, logger.NewNop())
	s.SetNow(func() time.Time { return now })
	return s
}

func TestPollDeliversAndRecords(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	queue := &fakeQueue{items: []*Item{{ID: "n1", CallKey: "call-1", ChannelID: "ops"}}}
	ledger := &fakeLedger{}
	sender := &fakeSender{}

	s := newTestScheduler(queue, ledger, sender, now)
	s.Poll(context.Background())

	if sender.calls != 1 {
		t.Fatalf("expected 1 dispatch, got %d", sender.calls)
	}
	if len(queue.sent) != 1 || queue.sent[0] != "n1" {
		t.Fatalf("item not marked sent: %v", queue.sent)
	}
	if len(ledger.sent) != 1 || ledger.sent[0] != "call-1" {
		t.Fatalf("sent outcome not recorded: %v", ledger.sent)
	}
}

func TestRetryBackoffDoubles(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ledger := &fakeLedger{}
	sender := &fakeSender{err: errors.New("api down")}

	// First failure: retry at now+60s.
	queue := &fakeQueue{items: []*Item{{ID: "n1", CallKey: "call-1", Attempts: 0}}}
	s := newTestScheduler(queue, ledger, sender, now)
	s.Poll(context.Background())

	if len(queue.retries) != 1 {
		t.Fatalf("expected a retry, got %v", queue.retries)
	}
	if got, want := queue.retries[0].nextRetryAt, now.Add(60*time.Second); !got.Equal(want) {
		t.Fatalf("first retry at %v, want %v", got, want)
	}
	if queue.retries[0].attempts != 1 {
		t.Fatalf("first failure must record attempt 1, got %d", queue.retries[0].attempts)
	}

	// Second failure: retry at now+120s.
	queue.items = []*Item{{ID: "n1", CallKey: "call-1", Attempts: 1}}
	s.Poll(context.Background())

	if len(queue.retries) != 2 {
		t.Fatalf("expected a second retry, got %v", queue.retries)
	}
	if got, want := queue.retries[1].nextRetryAt, now.Add(120*time.Second); !got.Equal(want) {
		t.Fatalf("second retry at %v, want %v", got, want)
	}
}

func TestFailsPermanentlyAtMaxAttempts(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ledger := &fakeLedger{}
	sender := &fakeSender{err: errors.New("api down")}

	queue := &fakeQueue{items: []*Item{{ID: "n1", CallKey: "call-1", Attempts: 2}}}
	s := newTestScheduler(queue, ledger, sender, now)
	s.Poll(context.Background())

	if len(queue.retries) != 0 {
		t.Fatalf("third failure must not retry, got %v", queue.retries)
	}
	if len(queue.failed) != 1 || queue.failed[0] != "n1" {
		t.Fatalf("item not marked failed: %v", queue.failed)
	}
	if len(ledger.failed) != 1 || ledger.failed[0] != "call-1" {
		t.Fatalf("failure not recorded in ledger: %v", ledger.failed)
	}
}

func TestBatchIsolation(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ledger := &fakeLedger{}

	// One failing and one succeeding item in the same batch.
	failing := &failOnceSender{failID: "n1"}
	queue := &fakeQueue{items: []*Item{
		{ID: "n1", CallKey: "call-1"},
		{ID: "n2", CallKey: "call-2"},
	}}
	s := NewScheduler(queue, ledger, failing, SchedulerConfig{
		PollInterval: time.Second,
		BatchSize:    20,
		MaxAttempts:  3,
		BackoffBase:  60 * time.Second,
		PromoteAfter: 10 * time.Minute,
	}, logger.NewNop())
	s.SetNow(func() time.Time { return now })

	s.Poll(context.Background())

	if len(queue.retries) != 1 || queue.retries[0].id != "n1" {
		t.Fatalf("failing item must retry: %v", queue.retries)
	}
	if len(queue.sent) != 1 || queue.sent[0] != "n2" {
		t.Fatalf("a failure must not block the rest of the batch: %v", queue.sent)
	}
}

type failOnceSender struct {
	failID string
}

func (s *failOnceSender) Dispatch(ctx context.Context, item *Item) (string, error) {
	if item.ID == s.failID {
		return "", errors.New("api down")
	}
	return "msg-1", nil
}
