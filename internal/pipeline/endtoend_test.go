package pipeline

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/scannerops/callwatch/internal/calls"
	"github.com/scannerops/callwatch/internal/match"
	"github.com/scannerops/callwatch/internal/notify"
	"github.com/scannerops/callwatch/internal/rules"
	"github.com/scannerops/callwatch/internal/storage/sqlite"
	"github.com/scannerops/callwatch/pkg/logger"
)

type captureTransport struct {
	messages []string
}

func (c *captureTransport) Send(ctx context.Context, channelID, text string) (string, error) {
	c.messages = append(c.messages, text)
	return "msg-1", nil
}

func (c *captureTransport) SendAudio(ctx context.Context, channelID, path, caption string) (string, error) {
	return "msg-2", nil
}

func (c *captureTransport) SendMediaGroup(ctx context.Context, channelID string, paths []string, caption string) ([]string, error) {
	return []string{"msg-3"}, nil
}

// Exercises the whole chain: match, dedup-enqueue, scheduled dispatch, ledger.
func TestEndToEndCriticalKeywordDelivery(t *testing.T) {
	ctx := context.Background()
	log := logger.NewNop()

	db, err := sqlite.Open(filepath.Join(t.TempDir(), "e2e.db"), log)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	rulesStore := sqlite.NewRulesStorage(db, log)
	queueStore := sqlite.NewQueueStorage(db, log)
	ledgerStore := sqlite.NewLedgerStorage(db, log)

	if _, err := rulesStore.InsertRule(ctx, rules.KeywordRule{
		Pattern: "cardiac arrest", MatchType: rules.MatchContains,
		Severity: rules.SeverityCritical, ChannelID: "ops", Active: true,
	}); err != nil {
		t.Fatalf("failed to seed rule: %v", err)
	}

	registry := rules.NewRegistry(rulesStore, time.Minute, match.Normalize, log)
	if err := registry.Refresh(ctx); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	engine := match.NewEngine(registry, 8, nil, log)

	svc := New(engine, nilEnricher{}, notify.NewDedupGate(queueStore, log), log)

	call := &calls.CallRecord{
		ID:         "call-1",
		Transcript: "Cardiac Arrest reported at 100 Main St",
		Confidence: 0.9,
		Location:   "100 Main St",
		Timestamp:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Origin:     calls.OriginDispatch,
	}
	if err := svc.Submit(ctx, call); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	// Resubmission is suppressed while the first item is in flight.
	if err := svc.Submit(ctx, call); err != nil {
		t.Fatalf("duplicate submit must be a no-op, got %v", err)
	}

	transport := &captureTransport{}
	dispatcher := notify.NewDispatcher(transport, nil, notify.NewRateLimiter(time.Microsecond, log), 4096, 5, log)
	scheduler := notify.NewScheduler(queueStore, ledgerStore, dispatcher, notify.SchedulerConfig{
		PollInterval: time.Second,
		BatchSize:    20,
		MaxAttempts:  3,
		BackoffBase:  60 * time.Second,
		PromoteAfter: 10 * time.Minute,
	}, log)

	scheduler.Poll(ctx)

	if len(transport.messages) != 1 {
		t.Fatalf("expected exactly one outbound message, got %d", len(transport.messages))
	}
	if !strings.Contains(transport.messages[0], "100 Main St") {
		t.Fatalf("formatted message must contain the location:\n%s", transport.messages[0])
	}
	if !strings.Contains(transport.messages[0], "CRITICAL") {
		t.Fatalf("formatted message must name the severity:\n%s", transport.messages[0])
	}

	entries, err := ledgerStore.List(ctx, 10)
	if err != nil {
		t.Fatalf("ledger list failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Status != notify.StatusSent || entries[0].CallKey != "call-1" {
		t.Fatalf("expected one sent ledger entry, got %v", entries)
	}

	// A repeat of the call after delivery stays suppressed by the ledger.
	if err := svc.Submit(ctx, call); err != nil {
		t.Fatalf("post-delivery submit must be a no-op, got %v", err)
	}
	scheduler.Poll(ctx)
	if len(transport.messages) != 1 {
		t.Fatalf("delivered call must never send twice, got %d messages", len(transport.messages))
	}
}
