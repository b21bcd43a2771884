// Package challenge decides whether a recipient address is in the protected
// set at all.
//
// An address starts as unknown. A specific rule can move it to challenge or
// ignore; without one, pattern rules are consulted instead. Unlike sender
// resolution this walks an ordered list of handlers, and an ignore response
// has higher precedence than a challenge (static overrides are more likely).
package challenge

import (
	"context"
	"regexp"
	"strings"

	"github.com/ietf-tools/postconfirm/internal/logging"
)

// Action is the recipient-side policy outcome.
type Action string

const (
	Unknown   Action = "unknown"
	Challenge Action = "challenge"
	Ignore    Action = "ignore"
)

// Rule is a pattern policy entry.
type Rule struct {
	Expr   *regexp.Regexp
	Action Action
}

// Handler is one source of challenge rules.
type Handler interface {
	// ChallengeRule returns the exact-match rule for the address, ok=false
	// when none exists.
	ChallengeRule(ctx context.Context, addr string) (Action, bool, error)
	// ChallengePatterns yields the pattern rules in iteration order.
	ChallengePatterns(ctx context.Context) ([]Rule, error)
}

// Policy evaluates the handler list for recipient addresses.
type Policy struct {
	handlers []Handler
}

// NewPolicy builds a Policy over the configured handlers, evaluated in order.
func NewPolicy(handlers ...Handler) *Policy {
	return &Policy{handlers: handlers}
}

// update applies the precedence rule ignore > challenge > unknown and
// reports whether the value actually changed.
func update(current, next Action) (Action, bool) {
	if current == next {
		return current, false
	}
	if current == Unknown || next == Ignore {
		return next, true
	}
	return current, false
}

// ActionFor resolves the policy for a single address across all handlers.
// Per handler the exact rule wins; otherwise the first fully matching
// pattern.
func (p *Policy) ActionFor(ctx context.Context, addr string) Action {
	addr = strings.ToLower(strings.TrimSpace(addr))
	action := Unknown

	for _, h := range p.handlers {
		ruleAction, ok, err := h.ChallengeRule(ctx, addr)
		if err != nil {
			logging.WarnLog("challenge: rule lookup for %s failed: %v", addr, err)
			continue
		}
		if !ok {
			rules, perr := h.ChallengePatterns(ctx)
			if perr != nil {
				logging.WarnLog("challenge: pattern lookup failed: %v", perr)
				continue
			}
			for _, r := range rules {
				if r.Expr.MatchString(addr) {
					ruleAction, ok = r.Action, true
					break
				}
			}
		}
		if ok {
			action, _ = update(action, ruleAction)
		}
	}

	return action
}

// Required returns the subset of recipients whose policy resolves to
// challenge, preserving order. An empty result means the message is out of
// scope for the filter.
func (p *Policy) Required(ctx context.Context, recipients []string) []string {
	var protected []string
	for _, rcpt := range recipients {
		if p.ActionFor(ctx, rcpt) == Challenge {
			protected = append(protected, rcpt)
		}
	}
	return protected
}
