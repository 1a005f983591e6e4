package rules

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/scannerops/callwatch/pkg/logger"
)

type fakeSource struct {
	rules []KeywordRule
	err   error
}

func (s *fakeSource) ActiveRules(ctx context.Context) ([]KeywordRule, error) {
	return s.rules, s.err
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func TestRefreshCompilesSnapshot(t *testing.T) {
	src := &fakeSource{rules: []KeywordRule{
		{ID: 1, Pattern: "Structure Fire", MatchType: MatchContains, Severity: SeverityHigh},
		{ID: 2, Pattern: `\bMVA\b`, MatchType: MatchRegex, Severity: SeverityNormal},
	}}
	reg := NewRegistry(src, time.Minute, normalize, logger.NewNop())

	if err := reg.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	compiled := reg.Rules()
	if len(compiled) != 2 {
		t.Fatalf("expected 2 compiled rules, got %d", len(compiled))
	}
	if compiled[0].NormalizedPattern != "structure fire" {
		t.Fatalf("contains pattern not normalized: %q", compiled[0].NormalizedPattern)
	}
	if compiled[1].Regex == nil {
		t.Fatalf("regex rule not precompiled")
	}
	if compiled[0].Order != 0 || compiled[1].Order != 1 {
		t.Fatalf("registration order not preserved: %d, %d", compiled[0].Order, compiled[1].Order)
	}
}

func TestRefreshSkipsInvalidRegex(t *testing.T) {
	src := &fakeSource{rules: []KeywordRule{
		{ID: 1, Pattern: "(unclosed", MatchType: MatchRegex, Severity: SeverityNormal},
		{ID: 2, Pattern: "valid", MatchType: MatchContains, Severity: SeverityNormal},
	}}
	reg := NewRegistry(src, time.Minute, normalize, logger.NewNop())

	if err := reg.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh must not fail on a single bad pattern: %v", err)
	}

	compiled := reg.Rules()
	if len(compiled) != 1 {
		t.Fatalf("expected invalid regex to be skipped, got %d rules", len(compiled))
	}
	if compiled[0].ID != 2 {
		t.Fatalf("wrong rule survived: %d", compiled[0].ID)
	}
}

func TestRefreshFailureKeepsOldSnapshot(t *testing.T) {
	src := &fakeSource{rules: []KeywordRule{
		{ID: 1, Pattern: "fire", MatchType: MatchContains, Severity: SeverityHigh},
	}}
	reg := NewRegistry(src, time.Minute, normalize, logger.NewNop())
	if err := reg.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	src.err = errors.New("db unavailable")
	if err := reg.Refresh(context.Background()); err == nil {
		t.Fatalf("expected refresh error")
	}
	if len(reg.Rules()) != 1 {
		t.Fatalf("failed refresh must keep the previous snapshot")
	}
}

func TestCaseSensitiveContainsKeepsCase(t *testing.T) {
	src := &fakeSource{rules: []KeywordRule{
		{ID: 1, Pattern: " MVA ", MatchType: MatchContains, CaseSensitive: true, Severity: SeverityNormal},
	}}
	reg := NewRegistry(src, time.Minute, normalize, logger.NewNop())
	if err := reg.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	if got := reg.Rules()[0].NormalizedPattern; got != "MVA" {
		t.Fatalf("case-sensitive pattern must keep case, got %q", got)
	}
}

func TestInvalidateCoalesces(t *testing.T) {
	reg := NewRegistry(&fakeSource{}, time.Minute, normalize, logger.NewNop())

	// Multiple invalidations before a refresh collapse into one signal.
	reg.Invalidate()
	reg.Invalidate()
	reg.Invalidate()

	select {
	case <-reg.invalidate:
	default:
		t.Fatalf("expected a pending invalidation signal")
	}
	select {
	case <-reg.invalidate:
		t.Fatalf("invalidations must coalesce into a single signal")
	default:
	}
}

func TestSeverityRank(t *testing.T) {
	order := []Severity{SeverityCritical, SeverityHigh, SeverityNormal, SeverityLow}
	for i := 1; i < len(order); i++ {
		if order[i-1].Rank() >= order[i].Rank() {
			t.Fatalf("severity %s must rank above %s", order[i-1], order[i])
		}
	}
}
