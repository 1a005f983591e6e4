package notify

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/scannerops/callwatch/pkg/logger"
)

// Sender delivers a single item and returns the destination message id.
type Sender interface {
	Dispatch(ctx context.Context, item *Item) (string, error)
}

// SchedulerConfig tunes the polling loop and retry policy.
type SchedulerConfig struct {
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
	BackoffBase  time.Duration
	PromoteAfter time.Duration
}

// Scheduler polls the queue for due items and drives each through dispatch,
// retry, or terminal failure. Polls never overlap; a slow batch just delays
// the next tick.
type Scheduler struct {
	queue  QueueStore
	ledger LedgerStore
	sender Sender
	cfg    SchedulerConfig
	busy   atomic.Bool
	now    func() time.Time
	logger *logger.Logger
}

// NewScheduler creates a scheduler over the queue and ledger stores.
func NewScheduler(queue QueueStore, ledger LedgerStore, sender Sender, cfg SchedulerConfig, log *logger.Logger) *Scheduler {
	return &Scheduler{
		queue:  queue,
		ledger: ledger,
		sender: sender,
		cfg:    cfg,
		now:    time.Now,
		logger: log.Named("scheduler"),
	}
}

// SetNow overrides the clock. Used in tests.
func (s *Scheduler) SetNow(now func() time.Time) {
	s.now = now
}

// Run polls on the configured interval until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.logger.Info("Scheduler started",
		logger.Duration("poll_interval", s.cfg.PollInterval),
		logger.Int("batch_size", s.cfg.BatchSize),
		logger.Int("max_attempts", s.cfg.MaxAttempts),
	)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopped")
			return
		case <-ticker.C:
			s.Poll(ctx)
		}
	}
}

// Poll pulls one batch of due items and processes them in order. Skips the
// tick entirely if the previous poll is still running.
func (s *Scheduler) Poll(ctx context.Context) {
	if !s.busy.CompareAndSwap(false, true) {
		s.logger.Debug("Previous poll still running, skipping tick")
		return
	}
	defer s.busy.Store(false)

	now := s.now()
	items, err := s.queue.PullBatch(ctx, now, now.Add(-s.cfg.PromoteAfter), s.cfg.BatchSize)
	if err != nil {
		s.logger.Error("Failed to pull notification batch", logger.Error(err))
		return
	}
	if len(items) == 0 {
		return
	}

	s.logger.Debug("Processing notification batch", logger.Int("items", len(items)))
	for _, item := range items {
		if ctx.Err() != nil {
			return
		}
		s.process(ctx, item)
	}
}

// process attempts one delivery of the item. Each item is isolated: a
// failure here never aborts the rest of the batch.
func (s *Scheduler) process(ctx context.Context, item *Item) {
	messageID, err := s.sender.Dispatch(ctx, item)
	if err != nil {
		s.handleFailure(ctx, item, err)
		return
	}

	now := s.now()
	if err := s.queue.MarkSent(ctx, item.ID, now); err != nil {
		s.logger.Error("Failed to mark notification sent",
			logger.String("item_id", item.ID),
			logger.Error(err),
		)
	}
	if err := s.ledger.RecordSent(ctx, item.CallKey, item.ChannelID, messageID, item.Attempts+1, now); err != nil {
		s.logger.Error("Failed to record sent outcome",
			logger.String("call_key", item.CallKey),
			logger.Error(err),
		)
	}
	s.logger.Info("Notification sent",
		logger.String("call_key", item.CallKey),
		logger.String("channel_id", item.ChannelID),
		logger.String("message_id", messageID),
		logger.Int("attempt", item.Attempts+1),
	)
}

// handleFailure either schedules a retry with exponential backoff or, once
// attempts are exhausted, records a terminal failure.
func (s *Scheduler) handleFailure(ctx context.Context, item *Item, sendErr error) {
	now := s.now()
	attempts := item.Attempts + 1

	if attempts >= s.cfg.MaxAttempts {
		s.logger.Warn("Notification failed permanently",
			logger.String("call_key", item.CallKey),
			logger.Int("attempts", attempts),
			logger.Error(sendErr),
		)
		if err := s.queue.MarkFailed(ctx, item.ID, attempts, now); err != nil {
			s.logger.Error("Failed to mark notification failed",
				logger.String("item_id", item.ID),
				logger.Error(err),
			)
		}
		if err := s.ledger.RecordFailed(ctx, item.CallKey, item.ChannelID, attempts, sendErr.Error(), now); err != nil {
			s.logger.Error("Failed to record failed outcome",
				logger.String("call_key", item.CallKey),
				logger.Error(err),
			)
		}
		return
	}

	nextRetryAt := now.Add(s.backoff(item.Attempts))
	s.logger.Warn("Notification delivery failed, scheduling retry",
		logger.String("call_key", item.CallKey),
		logger.Int("attempt", attempts),
		logger.Time("next_retry_at", nextRetryAt),
		logger.Error(sendErr),
	)
	if err := s.queue.MarkRetry(ctx, item.ID, attempts, nextRetryAt, now); err != nil {
		s.logger.Error("Failed to schedule retry",
			logger.String("item_id", item.ID),
			logger.Error(err),
		)
	}
}

// backoff returns base * 2^priorAttempts: 60s after the first failure, 120s
// after the second, and so on with the default base.
func (s *Scheduler) backoff(priorAttempts int) time.Duration {
	d := s.cfg.BackoffBase
	for i := 0; i < priorAttempts; i++ {
		d *= 2
	}
	return d
}
