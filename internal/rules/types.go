package rules

// MatchType selects the strategy used to test a rule pattern against a transcript.
type MatchType string

const (
	MatchExact    MatchType = "exact"
	MatchContains MatchType = "contains"
	MatchFuzzy    MatchType = "fuzzy"
	MatchRegex    MatchType = "regex"
)

// Severity ranks how urgent a rule's notifications are.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityNormal   Severity = "normal"
	SeverityLow      Severity = "low"
)

// Rank maps a severity to its sort order. Lower is more urgent; unknown
// severities sort after low.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityHigh:
		return 1
	case SeverityNormal:
		return 2
	case SeverityLow:
		return 3
	default:
		return 4
	}
}

// KeywordRule is an operator-configured pattern. The core only reads rules;
// mutation belongs to the administrative surface.
type KeywordRule struct {
	ID            int64     `json:"id"`
	Pattern       string    `json:"pattern"`
	MatchType     MatchType `json:"match_type"`
	Severity      Severity  `json:"severity"`
	MinConfidence float64   `json:"min_confidence"`
	CaseSensitive bool      `json:"case_sensitive"`
	ChannelID     string    `json:"channel_id"`
	Active        bool      `json:"active"`
}

// Match records one rule firing against one call.
type Match struct {
	RuleID    int64     `json:"rule_id"`
	CallID    string    `json:"call_id"`
	Matched   string    `json:"matched"`
	MatchType MatchType `json:"match_type"`
	Severity  Severity  `json:"severity"`
	ChannelID string    `json:"channel_id"`
}
