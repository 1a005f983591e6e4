package pipeline

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/scannerops/callwatch/internal/aggregate"
	"github.com/scannerops/callwatch/internal/calls"
	"github.com/scannerops/callwatch/internal/enrich"
	"github.com/scannerops/callwatch/internal/match"
	"github.com/scannerops/callwatch/internal/notify"
	"github.com/scannerops/callwatch/internal/rules"
	"github.com/scannerops/callwatch/pkg/logger"
)

type staticSource struct {
	rules []rules.KeywordRule
}

func (s *staticSource) ActiveRules(ctx context.Context) ([]rules.KeywordRule, error) {
	return s.rules, nil
}

type captureQueuer struct {
	items []*notify.Item
}

func (q *captureQueuer) CheckAndEnqueue(ctx context.Context, item *notify.Item) (bool, error) {
	q.items = append(q.items, item)
	return true, nil
}

type nilEnricher struct{}

func (nilEnricher) Enrich(ctx context.Context, call *calls.CallRecord) *enrich.Result { return nil }

func newTestService(t *testing.T, raw []rules.KeywordRule) (*Service, *captureQueuer) {
	t.Helper()
	reg := rules.NewRegistry(&staticSource{rules: raw}, time.Minute, match.Normalize, logger.NewNop())
	if err := reg.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	engine := match.NewEngine(reg, 8, []string{"[tone]"}, logger.NewNop())
	queuer := &captureQueuer{}
	return New(engine, nilEnricher{}, queuer, logger.NewNop()), queuer
}

func TestSubmitMatchedCallQueuesNotification(t *testing.T) {
	svc, queuer := newTestService(t, []rules.KeywordRule{
		{ID: 1, Pattern: "cardiac arrest", MatchType: rules.MatchContains, Severity: rules.SeverityCritical, ChannelID: "ops"},
	})

	call := &calls.CallRecord{
		ID:         "call-1",
		Transcript: "Medic 1 respond, cardiac arrest at 100 Main St",
		Confidence: 0.9,
		Location:   "100 Main St",
		Timestamp:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Origin:     calls.OriginDispatch,
	}
	if err := svc.Submit(context.Background(), call); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	if len(queuer.items) != 1 {
		t.Fatalf("expected 1 queued item, got %d", len(queuer.items))
	}
	item := queuer.items[0]
	if item.CallKey != "call-1" {
		t.Fatalf("item must carry the call identity, got %q", item.CallKey)
	}
	if item.ChannelID != "ops" {
		t.Fatalf("item must target the rule's channel, got %q", item.ChannelID)
	}
	if item.Priority != rules.SeverityCritical.Rank() {
		t.Fatalf("item priority must follow severity, got %d", item.Priority)
	}
	if !strings.Contains(item.Payload.Transcript, "cardiac arrest") {
		t.Fatalf("payload must snapshot the transcript")
	}
	if item.Payload.Location != "100 Main St" {
		t.Fatalf("payload must snapshot the location, got %q", item.Payload.Location)
	}
}

func TestSubmitUnmatchedCallQueuesNothing(t *testing.T) {
	svc, queuer := newTestService(t, []rules.KeywordRule{
		{ID: 1, Pattern: "cardiac arrest", MatchType: rules.MatchContains, Severity: rules.SeverityCritical, ChannelID: "ops"},
	})

	call := &calls.CallRecord{
		ID:         "call-1",
		Transcript: "routine traffic stop, no assistance needed",
		Confidence: 0.9,
		Origin:     calls.OriginDispatch,
	}
	if err := svc.Submit(context.Background(), call); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if len(queuer.items) != 0 {
		t.Fatalf("unmatched call must not queue, got %d items", len(queuer.items))
	}
}

func TestHospitalFragmentsAggregateBeforeMatching(t *testing.T) {
	svc, queuer := newTestService(t, []rules.KeywordRule{
		{ID: 1, Pattern: "cardiac arrest", MatchType: rules.MatchContains, Severity: rules.SeverityCritical, ChannelID: "ops"},
	})

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	agg := aggregate.New(30*time.Second, svc.FlushGroup, logger.NewNop())
	agg.SetNow(func() time.Time { return base })
	svc.SetAggregator(agg)

	frag := func(id, transcript string, offset time.Duration) *calls.CallRecord {
		return &calls.CallRecord{
			ID:          id,
			Transcript:  transcript,
			Confidence:  0.8,
			Timestamp:   base.Add(offset),
			Units:       []string{"M1"},
			TalkgroupID: "tg-hosp",
			Origin:      calls.OriginHospital,
		}
	}

	// The keyword spans fragments only after merging.
	if err := svc.Submit(context.Background(), frag("c1", "patient found in cardiac", 0)); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if err := svc.Submit(context.Background(), frag("c2", "arrest confirmed, starting CPR on cardiac arrest patient", 5*time.Second)); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	if len(queuer.items) != 0 {
		t.Fatalf("hospital fragments must defer until the window closes, got %d", len(queuer.items))
	}

	agg.FlushDue(context.Background(), base.Add(31*time.Second))

	if len(queuer.items) != 1 {
		t.Fatalf("expected 1 item after flush, got %d", len(queuer.items))
	}
	item := queuer.items[0]
	if !strings.HasPrefix(item.CallKey, "grp:M1|tg-hosp:") {
		t.Fatalf("grouped item must carry the group identity, got %q", item.CallKey)
	}
	if len(item.Payload.Segments) != 2 {
		t.Fatalf("grouped payload must keep ordered segments, got %d", len(item.Payload.Segments))
	}
}
