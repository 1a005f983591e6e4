package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/scannerops/callwatch/internal/aggregate"
	"github.com/scannerops/callwatch/internal/calls"
	"github.com/scannerops/callwatch/internal/enrich"
	"github.com/scannerops/callwatch/internal/notify"
	"github.com/scannerops/callwatch/internal/rules"
	"github.com/scannerops/callwatch/pkg/logger"
)

// Matcher evaluates a call against the active keyword rules.
type Matcher interface {
	Match(call *calls.CallRecord) []rules.Match
}

// Enricher adds best-effort context to a matched call.
type Enricher interface {
	Enrich(ctx context.Context, call *calls.CallRecord) *enrich.Result
}

// Queuer is the dedup-gated entry into the notification queue.
type Queuer interface {
	CheckAndEnqueue(ctx context.Context, item *notify.Item) (bool, error)
}

// Grouper accumulates hospital-conversation fragments for windowed flushing.
type Grouper interface {
	Add(call *calls.CallRecord)
}

// Service is the synchronous path from an ingested call record to a queued
// notification: route, match, dedup, enrich, enqueue. Hospital fragments
// detour through the aggregator and re-enter as one merged record on flush.
type Service struct {
	matcher    Matcher
	enricher   Enricher
	queuer     Queuer
	aggregator Grouper
	now        func() time.Time
	logger     *logger.Logger
}

// New creates the pipeline service. aggregator may be nil, in which case
// hospital fragments are processed individually like dispatch calls.
func New(matcher Matcher, enricher Enricher, queuer Queuer, log *logger.Logger) *Service {
	return &Service{
		matcher:  matcher,
		enricher: enricher,
		queuer:   queuer,
		now:      time.Now,
		logger:   log.Named("pipeline"),
	}
}

// SetAggregator wires the hospital-fragment detour. Called once at startup;
// the aggregator's flush callback should be built from FlushGroup.
func (s *Service) SetAggregator(aggregator Grouper) {
	s.aggregator = aggregator
}

// SetNow overrides the clock. Used in tests.
func (s *Service) SetNow(now func() time.Time) {
	s.now = now
}

// Submit routes one call record. Hospital fragments go to the aggregator;
// everything else runs the match-and-enqueue path immediately.
func (s *Service) Submit(ctx context.Context, call *calls.CallRecord) error {
	if call.Origin == calls.OriginHospital && s.aggregator != nil {
		s.aggregator.Add(call)
		return nil
	}
	return s.process(ctx, call, call.ID, nil)
}

// FlushGroup is the aggregator flush callback: it merges the group into one
// synthetic record and runs it through the match-and-enqueue path under the
// group's logical identity.
func (s *Service) FlushGroup(ctx context.Context, group *aggregate.SegmentGroup) {
	merged := group.Merged()
	segments := make([]notify.Segment, 0, len(group.Records))
	for _, rec := range group.Records {
		segments = append(segments, notify.Segment{
			Timestamp:  rec.Timestamp,
			Transcript: rec.Transcript,
			AudioPath:  rec.AudioPath,
		})
	}
	if err := s.process(ctx, merged, group.LogicalID(), segments); err != nil {
		s.logger.Error("Failed to process flushed segment group",
			logger.String("group_key", group.Key),
			logger.Error(err),
		)
	}
}

func (s *Service) process(ctx context.Context, call *calls.CallRecord, callKey string, segments []notify.Segment) error {
	matches := s.matcher.Match(call)
	if len(matches) == 0 {
		return nil
	}

	s.logger.Info("Call matched keyword rules",
		logger.String("call_key", callKey),
		logger.Int("matches", len(matches)),
		logger.String("severity", string(matches[0].Severity)),
	)

	enrichment := s.enricher.Enrich(ctx, call)

	now := s.now()
	item := &notify.Item{
		ID:         uuid.NewString(),
		CallKey:    callKey,
		ChannelID:  matches[0].ChannelID,
		Priority:   notify.PriorityFromMatches(matches),
		Status:     notify.StatusQueued,
		Matches:    matches,
		Enrichment: enrichment,
		Payload: notify.Payload{
			Transcript: call.Transcript,
			Location:   call.Location,
			CallType:   call.CallType,
			Units:      call.Units,
			Confidence: call.Confidence,
			Timestamp:  call.Timestamp,
			AudioPath:  call.AudioPath,
			Segments:   segments,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	enqueued, err := s.queuer.CheckAndEnqueue(ctx, item)
	if err != nil {
		return err
	}
	if enqueued {
		s.logger.Debug("Notification queued",
			logger.String("call_key", callKey),
			logger.String("channel_id", item.ChannelID),
			logger.Int("priority", item.Priority),
		)
	}
	return nil
}
