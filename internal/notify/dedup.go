package notify

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"

	"github.com/scannerops/callwatch/pkg/logger"
)

const dedupStripes = 64

// DedupGate guarantees at most one notification per logical call. The
// queue's transactional enqueue is the authoritative check; the gate adds
// per-key serialization so concurrent arrivals of the same call never race
// through the check-then-insert window.
type DedupGate struct {
	queue  QueueStore
	locks  [dedupStripes]sync.Mutex
	logger *logger.Logger
}

// NewDedupGate creates a dedup gate over the queue store.
func NewDedupGate(queue QueueStore, log *logger.Logger) *DedupGate {
	return &DedupGate{
		queue:  queue,
		logger: log.Named("dedup-gate"),
	}
}

// CheckAndEnqueue enqueues the item unless its logical call already has an
// in-flight or sent notification. Returns true if the item was enqueued,
// false if it was suppressed as a duplicate.
func (g *DedupGate) CheckAndEnqueue(ctx context.Context, item *Item) (bool, error) {
	lock := &g.locks[stripeFor(item.CallKey)]
	lock.Lock()
	defer lock.Unlock()

	err := g.queue.Enqueue(ctx, item)
	if errors.Is(err, ErrDuplicate) {
		g.logger.Info("Duplicate notification suppressed",
			logger.String("call_key", item.CallKey),
		)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func stripeFor(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % dedupStripes)
}
