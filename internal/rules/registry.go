package rules

import (
	"context"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/scannerops/callwatch/pkg/logger"
)

// Source provides the currently active rule set, typically backed by the
// keyword-rule table owned by the administrative surface.
type Source interface {
	ActiveRules(ctx context.Context) ([]KeywordRule, error)
}

// CompiledRule is a rule prepared for matching. Regex rules carry their
// precompiled pattern; rules whose pattern fails to compile never make it
// into a snapshot.
type CompiledRule struct {
	KeywordRule
	// Order preserves registration order for deterministic match sorting.
	Order int
	// Regex is non-nil only for MatchRegex rules.
	Regex *regexp.Regexp
	// NormalizedPattern is the pattern lowered/stripped the same way
	// transcripts are, used by exact and case-insensitive contains matching.
	NormalizedPattern string
}

// Registry holds an immutable snapshot of compiled rules, refreshed on an
// interval and on explicit invalidation. The snapshot swap is atomic so
// in-flight matching never observes a partially loaded rule set.
type Registry struct {
	source     Source
	interval   time.Duration
	normalize  func(string) string
	snapshot   atomic.Pointer[[]CompiledRule]
	invalidate chan struct{}
	logger     *logger.Logger
}

// NewRegistry creates a registry over the given source. normalize must match
// the transcript normalization used by the match engine.
func NewRegistry(source Source, interval time.Duration, normalize func(string) string, log *logger.Logger) *Registry {
	r := &Registry{
		source:     source,
		interval:   interval,
		normalize:  normalize,
		invalidate: make(chan struct{}, 1),
		logger:     log.Named("keyword-registry"),
	}
	empty := []CompiledRule{}
	r.snapshot.Store(&empty)
	return r
}

// Rules returns the current snapshot. The returned slice must not be mutated.
func (r *Registry) Rules() []CompiledRule {
	return *r.snapshot.Load()
}

// Invalidate requests an immediate refresh, e.g. after a rule mutation.
// Non-blocking; coalesces with a pending request.
func (r *Registry) Invalidate() {
	select {
	case r.invalidate <- struct{}{}:
	default:
	}
}

// Refresh loads the active rules and swaps the snapshot. A single invalid
// regex pattern is logged and skipped, never failing the whole refresh.
func (r *Registry) Refresh(ctx context.Context) error {
	active, err := r.source.ActiveRules(ctx)
	if err != nil {
		return err
	}

	compiled := make([]CompiledRule, 0, len(active))
	for i, rule := range active {
		cr := CompiledRule{KeywordRule: rule, Order: i}
		switch rule.MatchType {
		case MatchRegex:
			re, err := regexp.Compile(rule.Pattern)
			if err != nil {
				r.logger.Warn("Skipping rule with invalid regex pattern",
					logger.Int64("rule_id", rule.ID),
					logger.String("pattern", rule.Pattern),
					logger.Error(err),
				)
				continue
			}
			cr.Regex = re
		case MatchContains:
			if rule.CaseSensitive {
				cr.NormalizedPattern = strings.TrimSpace(rule.Pattern)
			} else {
				cr.NormalizedPattern = r.normalize(rule.Pattern)
			}
		default:
			cr.NormalizedPattern = r.normalize(rule.Pattern)
		}
		compiled = append(compiled, cr)
	}

	r.snapshot.Store(&compiled)
	r.logger.Debug("Rule snapshot refreshed",
		logger.Int("active_rules", len(active)),
		logger.Int("compiled_rules", len(compiled)),
	)
	return nil
}

// Run refreshes immediately, then on the configured interval and on
// invalidation, until the context is cancelled.
func (r *Registry) Run(ctx context.Context) {
	if err := r.Refresh(ctx); err != nil {
		r.logger.Error("Initial rule refresh failed", logger.Error(err))
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-r.invalidate:
		}
		if err := r.Refresh(ctx); err != nil {
			r.logger.Error("Rule refresh failed", logger.Error(err))
		}
	}
}
