package notify

import (
	"context"
	"sync"
	"time"

	"github.com/scannerops/callwatch/pkg/logger"
)

// RateLimiter enforces a minimum interval between sends on each destination
// channel. Channels are independent; sends on one channel are serialized
// through reservations so concurrent senders queue up fairly. Being limited
// is never an error, it only delays the send.
type RateLimiter struct {
	mu       sync.Mutex
	interval time.Duration
	// next holds, per channel, the earliest instant the next send may start.
	next   map[string]time.Time
	now    func() time.Time
	logger *logger.Logger
}

// NewRateLimiter creates a limiter enforcing the given minimum inter-send
// interval per channel.
func NewRateLimiter(interval time.Duration, log *logger.Logger) *RateLimiter {
	return &RateLimiter{
		interval: interval,
		next:     make(map[string]time.Time),
		now:      time.Now,
		logger:   log.Named("rate-limiter"),
	}
}

// SetNow overrides the clock. Used in tests.
func (r *RateLimiter) SetNow(now func() time.Time) {
	r.now = now
}

// Reserve claims the next send slot on the channel and returns how long the
// caller must wait before sending.
func (r *RateLimiter) Reserve(channelID string) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	sendAt := now
	if next, ok := r.next[channelID]; ok && next.After(now) {
		sendAt = next
	}
	r.next[channelID] = sendAt.Add(r.interval)
	return sendAt.Sub(now)
}

// Wait blocks until the channel's gate opens or the context is cancelled.
func (r *RateLimiter) Wait(ctx context.Context, channelID string) error {
	wait := r.Reserve(channelID)
	if wait <= 0 {
		return nil
	}

	r.logger.Debug("Rate limit gate closed, waiting",
		logger.String("channel_id", channelID),
		logger.Duration("wait", wait),
	)
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Sweep drops per-channel state idle longer than staleAfter, bounding memory
// under a churning channel population.
func (r *RateLimiter) Sweep(staleAfter time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-staleAfter)
	removed := 0
	for channel, next := range r.next {
		if next.Before(cutoff) {
			delete(r.next, channel)
			removed++
		}
	}
	return removed
}

// Run sweeps stale channel state on the given interval until cancelled.
func (r *RateLimiter) Run(ctx context.Context, sweepInterval, staleAfter time.Duration) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := r.Sweep(staleAfter); removed > 0 {
				r.logger.Debug("Swept stale rate-limit state", logger.Int("removed", removed))
			}
		}
	}
}
