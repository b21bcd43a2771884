package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ietf-tools/postconfirm/internal/challenge"
	"github.com/ietf-tools/postconfirm/internal/logging"
)

// challengeRule is the cached, compiled form of a pattern row from the
// challenges table.
type challengeRule = challenge.Rule

// ChallengeRule returns the exact-match rule for the address, if any.
func (s *PG) ChallengeRule(ctx context.Context, addr string) (challenge.Action, bool, error) {
	var actionStr string
	err := s.db.QueryRowContext(ctx, `
		SELECT action_to_take FROM challenges
			WHERE challenge = $1 AND challenge_type = 'E'`,
		addr,
	).Scan(&actionStr)
	if errors.Is(err, sql.ErrNoRows) {
		return challenge.Unknown, false, nil
	}
	if err != nil {
		return challenge.Unknown, false, fmt.Errorf("store: challenge rule: %w", err)
	}
	return parseChallengeAction(actionStr), true, nil
}

// ChallengePatterns returns the compiled pattern rules, cached on the handle.
func (s *PG) ChallengePatterns(ctx context.Context) ([]challenge.Rule, error) {
	return s.challengePatterns.get(ctx)
}

func (s *PG) loadChallengePatterns(ctx context.Context) ([]challengeRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT challenge, action_to_take FROM challenges
			WHERE challenge_type = 'P'`)
	if err != nil {
		return nil, fmt.Errorf("store: challenge patterns: %w", err)
	}
	defer rows.Close()

	var rules []challengeRule
	for rows.Next() {
		var expr, actionStr string
		if err := rows.Scan(&expr, &actionStr); err != nil {
			return nil, fmt.Errorf("store: challenge patterns: %w", err)
		}
		re, err := compileFullMatch(expr)
		if err != nil {
			logging.WarnLog("store: skipping invalid challenge pattern %q: %v", expr, err)
			continue
		}
		rules = append(rules, challengeRule{Expr: re, Action: parseChallengeAction(actionStr)})
	}
	return rules, rows.Err()
}

func parseChallengeAction(s string) challenge.Action {
	switch challenge.Action(s) {
	case challenge.Challenge, challenge.Ignore, challenge.Unknown:
		return challenge.Action(s)
	}
	logging.ErrorLog("store: challenge action %q outside the closed set, treating as unknown", s)
	return challenge.Unknown
}
