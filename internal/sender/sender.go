// Package sender holds the per-address state object at the heart of
// postconfirm.
//
// In general a sender starts as unknown. When they contact a protected
// address they move to confirm and the mail is moved into the stash. Once
// they confirm their address the stashed mails are released and the sender
// moves to accept. Senders can also be reject (flagged as rejections by the
// MTA) or discard (accepted and silently dropped).
package sender

import (
	"context"
	"regexp"
	"strings"

	"github.com/ietf-tools/postconfirm/internal/logging"
)

// Store is the durable surface a Sender reads through and writes through.
type Store interface {
	// GetSender returns the recorded action and references for the address,
	// or ok=false when no exact record exists.
	GetSender(ctx context.Context, addr string) (action Action, refs []string, ok bool, err error)
	// ListPatterns yields the compiled pattern entries in iteration order.
	ListPatterns(ctx context.Context) ([]Pattern, error)
	// UpsertSender atomically inserts or updates the runtime record.
	UpsertSender(ctx context.Context, addr string, action Action, refs []string) error
	// Stash appends a message to the runtime stash.
	Stash(ctx context.Context, addr string, recipients []string, message []byte) (int64, error)
	// DrainStash iterates the stash for the address, deleting each entry
	// before it is handed out.
	DrainStash(ctx context.Context, addr string) StashIter
}

// StashIter walks stashed messages. Entries already returned are durably
// removed; the sequence is finite and not restartable.
type StashIter interface {
	Next() bool
	Recipients() []string
	Message() []byte
	Err() error
	Close() error
}

var batvRe = regexp.MustCompile(`^[A-Za-z0-9-]+=[A-Za-z0-9-]+=[^=]+@`)
var batvStripRe = regexp.MustCompile(`^[A-Za-z0-9-]+=[A-Za-z0-9-]+=`)

// Canonical lowercases the address and strips any BATV prefix from the local
// part. All state queries key off the canonical form.
func Canonical(addr string) string {
	addr = strings.ToLower(strings.TrimSpace(addr))
	addr = strings.Trim(addr, "<>")
	if strings.Contains(addr, "=") && batvRe.MatchString(addr) {
		logging.DebugLog("sender: stripping BATV prefix from %q", addr)
		addr = batvStripRe.ReplaceAllString(addr, "")
	}
	return addr
}

// Sender is bound to a single message-processing scope. It resolves its
// action lazily and writes through to the Store.
type Sender struct {
	email      string
	action     Action
	resolved   bool
	references []string

	store Store
}

// New binds a canonicalised address to the store for the duration of one
// session.
func New(addr string, store Store) *Sender {
	return &Sender{email: Canonical(addr), store: store}
}

// Email returns the canonical sender address.
func (s *Sender) Email() string {
	return s.email
}

// GetAction resolves the action for this sender: exact record first, then the
// first fully matching pattern, then unknown. Idempotent after the first call.
func (s *Sender) GetAction(ctx context.Context) Action {
	if s.resolved {
		return s.action
	}

	action, refs, ok, err := s.store.GetSender(ctx, s.email)
	if err != nil {
		logging.WarnLog("sender: lookup for %s failed: %v", s.email, err)
		s.resolved = true
		s.action = ActionUnknown
		return s.action
	}

	if !ok {
		patterns, perr := s.store.ListPatterns(ctx)
		if perr != nil {
			logging.WarnLog("sender: pattern lookup for %s failed: %v", s.email, perr)
		}
		for _, p := range patterns {
			if p.Expr.MatchString(s.email) {
				logging.DebugLog("sender: %s matched pattern %s -> %s", s.email, p.Expr, p.Action)
				action, refs, ok = p.Action, p.Refs, true
				break
			}
		}
	}

	s.resolved = true
	if ok {
		s.action = action
		s.references = mergeRefs(s.references, refs)
	} else {
		s.action = ActionUnknown
	}

	logging.DebugLog("sender: action for %s is %s", s.email, s.action)
	return s.action
}

// SetAction writes the action through to the store with the current
// reference set.
func (s *Sender) SetAction(ctx context.Context, action Action) error {
	refs := s.References(ctx)
	if err := s.store.UpsertSender(ctx, s.email, action, refs); err != nil {
		return err
	}
	s.action = action
	s.resolved = true
	return nil
}

// References returns the reference set, resolving the sender first if needed.
func (s *Sender) References(ctx context.Context) []string {
	if !s.resolved {
		s.GetAction(ctx)
	}
	return s.references
}

// AddReference adds the reference if not already present.
func (s *Sender) AddReference(ref string) {
	for _, r := range s.references {
		if r == ref {
			return
		}
	}
	s.references = append(s.references, ref)
}

// ClearReferences empties the reference set. Typically this happens when the
// sender moves from confirm to accept.
func (s *Sender) ClearReferences() {
	s.references = nil
}

// ValidateRef reports whether ref belongs to this sender's reference set.
func (s *Sender) ValidateRef(ref string) bool {
	for _, r := range s.references {
		if r == ref {
			return true
		}
	}
	return false
}

// Stash appends the message to the stash. If a reference is given it is added
// to the sender, and a sender not yet in confirm transitions there with a
// write-through.
func (s *Sender) Stash(ctx context.Context, message []byte, recipients []string, reference string) error {
	if _, err := s.store.Stash(ctx, s.email, recipients, message); err != nil {
		return err
	}
	if reference != "" {
		s.AddReference(reference)
	}
	if s.GetAction(ctx) != ActionConfirm {
		return s.SetAction(ctx, ActionConfirm)
	}
	// The reference set may have grown; keep the record current.
	return s.store.UpsertSender(ctx, s.email, s.action, s.references)
}

// Unstash returns the draining iterator over this sender's stash.
func (s *Sender) Unstash(ctx context.Context) StashIter {
	return s.store.DrainStash(ctx, s.email)
}

func mergeRefs(a, b []string) []string {
	out := a
	for _, r := range b {
		found := false
		for _, existing := range out {
			if existing == r {
				found = true
				break
			}
		}
		if !found {
			out = append(out, r)
		}
	}
	return out
}
