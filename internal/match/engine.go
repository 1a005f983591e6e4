package match

import (
	"sort"
	"strings"

	"github.com/scannerops/callwatch/internal/calls"
	"github.com/scannerops/callwatch/internal/rules"
	"github.com/scannerops/callwatch/pkg/logger"
)

const (
	// fuzzyMinTokenLength excludes short words from fuzzy matching; at edit
	// distance 1 almost any 1-2 character token matches something.
	fuzzyMinTokenLength = 3
	// fuzzyDistanceCap bounds the edit distance regardless of token length.
	fuzzyDistanceCap = 2
	// fuzzyDistanceRatio scales the allowed distance with token/pattern length.
	fuzzyDistanceRatio = 0.2
)

// RuleProvider supplies the compiled rule snapshot to match against.
type RuleProvider interface {
	Rules() []rules.CompiledRule
}

// Engine evaluates call records against the active keyword rules.
type Engine struct {
	provider     RuleProvider
	minLength    int
	noiseMarkers map[string]struct{}
	logger       *logger.Logger
}

// NewEngine creates a match engine. noiseMarkers are transcripts that carry
// no speech (tone markers etc.) and short-circuit matching entirely.
func NewEngine(provider RuleProvider, minLength int, noiseMarkers []string, log *logger.Logger) *Engine {
	markers := make(map[string]struct{}, len(noiseMarkers))
	for _, m := range noiseMarkers {
		if n := Normalize(m); n != "" {
			markers[n] = struct{}{}
		}
	}
	return &Engine{
		provider:     provider,
		minLength:    minLength,
		noiseMarkers: markers,
		logger:       log.Named("match-engine"),
	}
}

// Match evaluates one call record and returns all rule firings, sorted by
// severity rank then rule registration order.
func (e *Engine) Match(call *calls.CallRecord) []rules.Match {
	normalized := Normalize(call.Transcript)
	if e.isNoise(normalized) {
		e.logger.Debug("Transcript rejected as noise",
			logger.String("call_id", call.ID),
			logger.Int("length", len(normalized)),
		)
		return nil
	}

	caseKept := NormalizeCase(call.Transcript)
	tokens := Tokenize(normalized)

	type orderedMatch struct {
		m     rules.Match
		order int
	}
	var matched []orderedMatch
	for _, rule := range e.provider.Rules() {
		if call.Confidence < rule.MinConfidence {
			continue
		}
		if found, fragment := e.evaluate(&rule, call.Transcript, normalized, caseKept, tokens); found {
			matched = append(matched, orderedMatch{
				m: rules.Match{
					RuleID:    rule.ID,
					CallID:    call.ID,
					Matched:   fragment,
					MatchType: rule.MatchType,
					Severity:  rule.Severity,
					ChannelID: rule.ChannelID,
				},
				order: rule.Order,
			})
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		ri, rj := matched[i].m.Severity.Rank(), matched[j].m.Severity.Rank()
		if ri != rj {
			return ri < rj
		}
		return matched[i].order < matched[j].order
	})

	out := make([]rules.Match, 0, len(matched))
	for _, om := range matched {
		out = append(out, om.m)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (e *Engine) evaluate(rule *rules.CompiledRule, raw, normalized, caseKept string, tokens []string) (bool, string) {
	switch rule.MatchType {
	case rules.MatchExact:
		if normalized == rule.NormalizedPattern && normalized != "" {
			return true, normalized
		}
	case rules.MatchContains:
		if rule.CaseSensitive {
			if rule.NormalizedPattern != "" && strings.Contains(caseKept, rule.NormalizedPattern) {
				return true, rule.NormalizedPattern
			}
		} else if rule.NormalizedPattern != "" && strings.Contains(normalized, rule.NormalizedPattern) {
			return true, rule.NormalizedPattern
		}
	case rules.MatchFuzzy:
		if token, ok := fuzzyMatch(tokens, rule.NormalizedPattern); ok {
			return true, token
		}
	case rules.MatchRegex:
		if rule.Regex != nil && rule.Regex.MatchString(raw) {
			return true, rule.Regex.FindString(raw)
		}
	}
	return false, ""
}

// fuzzyMatch tests each token of at least fuzzyMinTokenLength characters
// against the pattern, allowing an edit distance of
// min(fuzzyDistanceCap, floor(fuzzyDistanceRatio * max(len(token), len(pattern)))).
func fuzzyMatch(tokens []string, pattern string) (string, bool) {
	if pattern == "" {
		return "", false
	}
	for _, token := range tokens {
		if len([]rune(token)) < fuzzyMinTokenLength {
			continue
		}
		longest := len([]rune(token))
		if pl := len([]rune(pattern)); pl > longest {
			longest = pl
		}
		threshold := int(fuzzyDistanceRatio * float64(longest))
		if threshold > fuzzyDistanceCap {
			threshold = fuzzyDistanceCap
		}
		if levenshtein(token, pattern) <= threshold {
			return token, true
		}
	}
	return "", false
}

// isNoise reports whether a normalized transcript is a pure noise marker or
// too short to carry meaningful speech.
func (e *Engine) isNoise(normalized string) bool {
	if len(normalized) < e.minLength {
		return true
	}
	_, marker := e.noiseMarkers[normalized]
	return marker
}
