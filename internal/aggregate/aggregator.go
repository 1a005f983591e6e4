package aggregate

import (
	"container/heap"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/scannerops/callwatch/internal/calls"
	"github.com/scannerops/callwatch/pkg/logger"
)

// SegmentGroup is a time-bounded cluster of hospital-conversation fragments
// treated as one logical call. It exists only between the first arrival and
// the window flush.
type SegmentGroup struct {
	Key      string
	Records  []*calls.CallRecord
	OpenedAt time.Time
	Deadline time.Time
}

// LogicalID identifies this group for dedup purposes. It includes the open
// time so a later conversation on the same unit/talkgroup is a new identity.
func (g *SegmentGroup) LogicalID() string {
	return fmt.Sprintf("grp:%s:%d", g.Key, g.OpenedAt.Unix())
}

// Merged builds one synthetic call record from the group's segments,
// concatenated in timestamp order.
func (g *SegmentGroup) Merged() *calls.CallRecord {
	ordered := append([]*calls.CallRecord(nil), g.Records...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})
	g.Records = ordered

	var transcripts []string
	var units []string
	seenUnits := make(map[string]struct{})
	merged := &calls.CallRecord{
		ID:        g.LogicalID(),
		Timestamp: g.OpenedAt,
		Origin:    calls.OriginHospital,
	}
	for _, rec := range ordered {
		if t := strings.TrimSpace(rec.Transcript); t != "" {
			transcripts = append(transcripts, t)
		}
		if rec.Confidence > merged.Confidence {
			merged.Confidence = rec.Confidence
		}
		if merged.Lat == nil && rec.HasCoordinates() {
			merged.Lat, merged.Lon = rec.Lat, rec.Lon
		}
		if merged.Location == "" {
			merged.Location = rec.Location
		}
		if merged.CallType == "" {
			merged.CallType = rec.CallType
		}
		if merged.TalkgroupID == "" {
			merged.TalkgroupID = rec.TalkgroupID
		}
		for _, u := range rec.Units {
			if _, ok := seenUnits[u]; !ok {
				seenUnits[u] = struct{}{}
				units = append(units, u)
			}
		}
	}
	merged.Transcript = strings.Join(transcripts, "\n")
	merged.Units = units
	return merged
}

// FlushFunc receives a closed group. Called outside the aggregator lock.
type FlushFunc func(ctx context.Context, group *SegmentGroup)

// Aggregator groups hospital-conversation fragments by (unit, talkgroup) and
// flushes each group once its window closes. Flush deadlines are fixed at
// group creation and tracked in a single deadline-ordered heap drained by one
// goroutine, so no per-group timers exist and flushes are unit-testable.
type Aggregator struct {
	mu      sync.Mutex
	groups  map[string]*SegmentGroup
	pending deadlineHeap
	window  time.Duration
	flush   FlushFunc
	now     func() time.Time
	wake    chan struct{}
	logger  *logger.Logger
}

// New creates an aggregator with the given flush window.
func New(window time.Duration, flush FlushFunc, log *logger.Logger) *Aggregator {
	return &Aggregator{
		groups: make(map[string]*SegmentGroup),
		window: window,
		flush:  flush,
		now:    time.Now,
		wake:   make(chan struct{}, 1),
		logger: log.Named("segment-aggregator"),
	}
}

// SetNow overrides the clock. Used in tests.
func (a *Aggregator) SetNow(now func() time.Time) {
	a.now = now
}

// Add routes one hospital-conversation fragment into its group. The first
// fragment for a key opens the group and fixes its flush deadline; later
// fragments append. A fragment arriving after its group flushed opens a
// fresh group rather than being dropped.
func (a *Aggregator) Add(call *calls.CallRecord) {
	key := call.GroupKey()

	a.mu.Lock()
	group, ok := a.groups[key]
	if !ok {
		opened := a.now()
		group = &SegmentGroup{
			Key:      key,
			OpenedAt: opened,
			Deadline: opened.Add(a.window),
		}
		a.groups[key] = group
		heap.Push(&a.pending, pendingFlush{key: key, deadline: group.Deadline})
	}
	group.Records = append(group.Records, call)
	segments := len(group.Records)
	a.mu.Unlock()

	a.logger.Debug("Segment added to group",
		logger.String("group_key", key),
		logger.String("call_id", call.ID),
		logger.Int("segments", segments),
		logger.Bool("new_group", !ok),
	)

	if !ok {
		a.signal()
	}
}

// PendingGroups returns the number of open groups.
func (a *Aggregator) PendingGroups() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.groups)
}

// FlushDue closes every group whose deadline is at or before now and hands it
// to the flush callback. Returns the number of groups flushed.
func (a *Aggregator) FlushDue(ctx context.Context, now time.Time) int {
	a.mu.Lock()
	var due []*SegmentGroup
	for a.pending.Len() > 0 && !a.pending[0].deadline.After(now) {
		entry := heap.Pop(&a.pending).(pendingFlush)
		group, ok := a.groups[entry.key]
		if !ok || !group.Deadline.Equal(entry.deadline) {
			// Group already flushed under an older heap entry.
			continue
		}
		delete(a.groups, entry.key)
		due = append(due, group)
	}
	a.mu.Unlock()

	for _, group := range due {
		a.logger.Info("Flushing segment group",
			logger.String("group_key", group.Key),
			logger.Int("segments", len(group.Records)),
			logger.Duration("open_for", now.Sub(group.OpenedAt)),
		)
		a.flush(ctx, group)
	}
	return len(due)
}

// Run drains due groups until the context is cancelled. On shutdown any
// remaining groups are flushed early rather than lost.
func (a *Aggregator) Run(ctx context.Context) {
	for {
		timer := a.nextTimer()
		select {
		case <-ctx.Done():
			timer.Stop()
			a.flushAll(context.Background())
			return
		case <-a.wake:
			timer.Stop()
		case <-timer.C:
		}
		a.FlushDue(ctx, a.now())
	}
}

func (a *Aggregator) nextTimer() *time.Timer {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pending.Len() == 0 {
		// Nothing pending; sleep until woken by a new group.
		return time.NewTimer(time.Hour)
	}
	wait := a.pending[0].deadline.Sub(a.now())
	if wait < 0 {
		wait = 0
	}
	return time.NewTimer(wait)
}

func (a *Aggregator) flushAll(ctx context.Context) {
	a.FlushDue(ctx, a.now().Add(a.window).Add(time.Second))
}

func (a *Aggregator) signal() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// pendingFlush is a heap entry pointing at a group awaiting its deadline.
type pendingFlush struct {
	key      string
	deadline time.Time
}

type deadlineHeap []pendingFlush

func (h deadlineHeap) Len() int            { return len(h) }
func (h deadlineHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h deadlineHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *deadlineHeap) Push(x interface{}) { *h = append(*h, x.(pendingFlush)) }
func (h *deadlineHeap) Pop() interface{} {
	old := *h
	n := len(old)
	entry := old[n-1]
	*h = old[:n-1]
	return entry
}
