// Package dmarc is the redesigned remnant of the legacy DMARC branch: an
// optional probe that reports whether a sender domain publishes an enforcing
// policy. It only informs logging around the challenge flow; it never alters
// a verdict.
package dmarc

import (
	"strings"

	msgauthdmarc "github.com/emersion/go-msgauth/dmarc"

	"github.com/ietf-tools/postconfirm/internal/logging"
)

// Probe looks up DMARC policy records. The zero value is disabled.
type Probe struct {
	enabled bool
	lookup  func(domain string) (*msgauthdmarc.Record, error)
}

// New returns a Probe; when enabled is false every query answers false
// without touching DNS.
func New(enabled bool) *Probe {
	return &Probe{enabled: enabled, lookup: msgauthdmarc.Lookup}
}

// Enforces reports whether the address's domain (or its organizational
// domain) publishes a reject or quarantine policy.
func (p *Probe) Enforces(addr string) bool {
	if p == nil || !p.enabled {
		return false
	}

	at := strings.LastIndex(addr, "@")
	if at < 0 || at == len(addr)-1 {
		return false
	}
	domain := strings.ToLower(addr[at+1:])

	record, err := p.lookup(domain)
	if err != nil {
		if org := orgDomain(domain); org != domain {
			record, err = p.lookup(org)
		}
	}
	if err != nil || record == nil {
		if err != nil && msgauthdmarc.IsTempFail(err) {
			logging.WarnLog("dmarc: temporary failure resolving policy for %s: %v", domain, err)
		}
		return false
	}

	switch record.Policy {
	case msgauthdmarc.PolicyReject, msgauthdmarc.PolicyQuarantine:
		return true
	}
	return false
}

// orgDomain approximates the organizational domain as the last two labels.
func orgDomain(domain string) string {
	labels := strings.Split(domain, ".")
	if len(labels) <= 2 {
		return domain
	}
	return strings.Join(labels[len(labels)-2:], ".")
}
