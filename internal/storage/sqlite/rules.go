package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/scannerops/callwatch/internal/rules"
	"github.com/scannerops/callwatch/pkg/logger"
)

// RulesStorage reads the keyword-rule table. Rule mutation belongs to the
// administrative surface; the core only consumes active rules, plus an
// insert used for seeding and tests.
type RulesStorage struct {
	db     *sql.DB
	logger *logger.Logger
}

// NewRulesStorage creates a rules storage over the shared handle.
func NewRulesStorage(db *DB, log *logger.Logger) *RulesStorage {
	return &RulesStorage{
		db:     db.Handle(),
		logger: log.Named("sqlite-rules"),
	}
}

// ActiveRules returns all active rules in registration (id) order.
func (s *RulesStorage) ActiveRules(ctx context.Context) ([]rules.KeywordRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, pattern, match_type, severity, min_confidence, case_sensitive, channel_id, active
		FROM keyword_rules
		WHERE active = 1
		ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query active rules: %w", err)
	}
	defer rows.Close()

	var out []rules.KeywordRule
	for rows.Next() {
		var r rules.KeywordRule
		var caseSensitive, active int
		if err := rows.Scan(&r.ID, &r.Pattern, &r.MatchType, &r.Severity, &r.MinConfidence, &caseSensitive, &r.ChannelID, &active); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		r.CaseSensitive = caseSensitive != 0
		r.Active = active != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// InsertRule stores a rule and returns its id.
func (s *RulesStorage) InsertRule(ctx context.Context, r rules.KeywordRule) (int64, error) {
	caseSensitive := 0
	if r.CaseSensitive {
		caseSensitive = 1
	}
	active := 0
	if r.Active {
		active = 1
	}
	now := formatTime(time.Now())
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO keyword_rules
		(pattern, match_type, severity, min_confidence, case_sensitive, channel_id, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Pattern, r.MatchType, r.Severity, r.MinConfidence, caseSensitive, r.ChannelID, active, now, now)
	if err != nil {
		return 0, fmt.Errorf("failed to insert rule: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID: %w", err)
	}
	return id, nil
}
