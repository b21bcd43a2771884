package milter

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	smtpcore "github.com/emersion/go-smtp"

	"github.com/ietf-tools/postconfirm/internal/challenge"
	"github.com/ietf-tools/postconfirm/internal/dmarc"
	"github.com/ietf-tools/postconfirm/internal/remailer"
	"github.com/ietf-tools/postconfirm/internal/sender"
	"github.com/ietf-tools/postconfirm/internal/validator"
	"github.com/ietf-tools/postconfirm/internal/workerpool"
)

// memoryStore implements sender.Store and challenge.Handler in memory, the
// same surface the Postgres store offers.
type memoryStore struct {
	mu       sync.Mutex
	records  map[string]memoryRecord
	stashes  map[string][]memoryStash
	rules    map[string]challenge.Action
	failNext bool
}

type memoryRecord struct {
	action sender.Action
	refs   []string
}

type memoryStash struct {
	recipients []string
	message    []byte
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		records: map[string]memoryRecord{},
		stashes: map[string][]memoryStash{},
		rules:   map[string]challenge.Action{},
	}
}

func (m *memoryStore) GetSender(_ context.Context, addr string) (sender.Action, []string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[addr]
	if !ok {
		return sender.ActionUnknown, nil, false, nil
	}
	return rec.action, append([]string(nil), rec.refs...), true, nil
}

func (m *memoryStore) ListPatterns(context.Context) ([]sender.Pattern, error) {
	return nil, nil
}

func (m *memoryStore) UpsertSender(_ context.Context, addr string, action sender.Action, refs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[addr] = memoryRecord{action: action, refs: append([]string(nil), refs...)}
	return nil
}

func (m *memoryStore) Stash(_ context.Context, addr string, recipients []string, message []byte) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext {
		m.failNext = false
		return 0, io.ErrClosedPipe
	}
	m.stashes[addr] = append(m.stashes[addr], memoryStash{recipients: recipients, message: message})
	return int64(len(m.stashes[addr])), nil
}

func (m *memoryStore) DrainStash(_ context.Context, addr string) sender.StashIter {
	m.mu.Lock()
	entries := m.stashes[addr]
	delete(m.stashes, addr)
	m.mu.Unlock()
	return &memoryIter{entries: entries}
}

func (m *memoryStore) ChallengeRule(_ context.Context, addr string) (challenge.Action, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.rules[addr]
	return a, ok, nil
}

func (m *memoryStore) ChallengePatterns(context.Context) ([]challenge.Rule, error) {
	return nil, nil
}

func (m *memoryStore) record(addr string) (memoryRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[addr]
	return rec, ok
}

func (m *memoryStore) stashCount(addr string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.stashes[addr])
}

type memoryIter struct {
	entries []memoryStash
	current memoryStash
}

func (it *memoryIter) Next() bool {
	if len(it.entries) == 0 {
		return false
	}
	it.current = it.entries[0]
	it.entries = it.entries[1:]
	return true
}

func (it *memoryIter) Recipients() []string { return it.current.recipients }
func (it *memoryIter) Message() []byte      { return it.current.message }
func (it *memoryIter) Err() error           { return nil }
func (it *memoryIter) Close() error         { return nil }

// relayMessage and relayBackend capture what reaches the external relay.
type relayMessage struct {
	From       string
	Recipients []string
	Data       []byte
}

type relayBackend struct {
	mu       sync.Mutex
	messages []relayMessage
}

func (b *relayBackend) NewSession(_ *smtpcore.Conn) (smtpcore.Session, error) {
	return &relaySession{backend: b}, nil
}

func (b *relayBackend) snapshot() []relayMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]relayMessage(nil), b.messages...)
}

func (b *relayBackend) waitFor(t *testing.T, n int) []relayMessage {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		messages := b.snapshot()
		if len(messages) >= n {
			return messages
		}
		if time.Now().After(deadline) {
			t.Fatalf("relay saw %d messages, want %d", len(messages), n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

type relaySession struct {
	backend *relayBackend
	from    string
	rcpts   []string
}

func (s *relaySession) Mail(from string, _ *smtpcore.MailOptions) error {
	s.from = from
	return nil
}

func (s *relaySession) Rcpt(to string, _ *smtpcore.RcptOptions) error {
	s.rcpts = append(s.rcpts, to)
	return nil
}

func (s *relaySession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.backend.mu.Lock()
	s.backend.messages = append(s.backend.messages, relayMessage{
		From:       s.from,
		Recipients: append([]string(nil), s.rcpts...),
		Data:       data,
	})
	s.backend.mu.Unlock()
	s.Reset()
	return nil
}

func (s *relaySession) Reset()        { s.from = ""; s.rcpts = s.rcpts[:0] }
func (s *relaySession) Logout() error { return nil }

type fixture struct {
	store     *memoryStore
	relay     *relayBackend
	filter    *Filter
	validator *validator.Validator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := newMemoryStore()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	relay := &relayBackend{}
	server := smtpcore.NewServer(relay)
	server.Domain = "relay.test"
	go server.Serve(ln)
	t.Cleanup(func() { server.Close() })

	templatePath := filepath.Join(t.TempDir(), "challenge.mustache")
	template := "Confirm {{id}} from {{sender_address}}; token {{full_ref}}; admin {{admin_address}}.\n"
	if err := os.WriteFile(templatePath, []byte(template), 0600); err != nil {
		t.Fatalf("writing template: %v", err)
	}
	composer, err := NewComposer(templatePath, "admin@example.org")
	if err != nil {
		t.Fatalf("NewComposer: %v", err)
	}

	classifier, err := NewClassifier(`(?i)(bulk|junk|list)`, `(?i)auto-(generated|replied|submitted)`)
	if err != nil {
		t.Fatalf("NewClassifier: %v", err)
	}

	v := validator.New([]byte("test-hmac-key"))
	rm := remailer.New(ln.Addr().String(), "")
	pool := workerpool.New("delivery-test", 1, 16, 10*time.Second)
	t.Cleanup(pool.Close)

	filter := NewFilter(store, challenge.NewPolicy(store), v, rm, classifier, composer, pool, dmarc.New(false), true)

	return &fixture{store: store, relay: relay, filter: filter, validator: v}
}

func plainMessage(from string, recipients []string, subject, body string) *Message {
	return &Message{
		From:       from,
		Recipients: recipients,
		Headers: []HeaderField{
			{"From", " " + from},
			{"To", " " + strings.Join(recipients, ", ")},
			{"Subject", " " + subject},
			{"Message-Id", " <MSGREF@mailer.example.net>"},
		},
		Body: func() []byte { return []byte(body) },
	}
}

// Scenario: unknown sender, protected recipient, plain mail.
func TestUnknownSenderIsStashedAndChallenged(t *testing.T) {
	fx := newFixture(t)
	fx.store.rules["list@example.org"] = challenge.Challenge

	msg := plainMessage("alice@example.net", []string{"list@example.org"}, "Hello", "the body\n")

	verdict := fx.filter.Process(context.Background(), msg)
	if verdict != VerdictDiscard {
		t.Fatalf("verdict = %v, want discard", verdict)
	}

	rec, ok := fx.store.record("alice@example.net")
	if !ok || rec.action != sender.ActionConfirm {
		t.Fatalf("sender record = %+v (ok=%v), want confirm", rec, ok)
	}
	if len(rec.refs) != 1 || rec.refs[0] != "MSGREF" {
		t.Errorf("refs = %v, want the Message-Id slug", rec.refs)
	}
	if fx.store.stashCount("alice@example.net") != 1 {
		t.Errorf("stash count = %d, want 1", fx.store.stashCount("alice@example.net"))
	}

	messages := fx.relay.waitFor(t, 1)
	ch := messages[0]
	if ch.From != "list@example.org" {
		t.Errorf("challenge envelope from = %q, want the protected recipient", ch.From)
	}
	if len(ch.Recipients) != 1 || ch.Recipients[0] != "alice@example.net" {
		t.Errorf("challenge goes to %v, want the sender", ch.Recipients)
	}
	wantSubject := "Subject: Confirm: " + fx.validator.MakeToken("alice@example.net", "list@example.org", "MSGREF")
	if !strings.Contains(string(ch.Data), wantSubject) {
		t.Errorf("challenge data missing %q:\n%s", wantSubject, ch.Data)
	}
	if !strings.Contains(string(ch.Data), "Auto-Submitted: auto-replied") {
		t.Error("challenge is not marked auto-replied")
	}
}

// Scenario: correct confirmation reply releases the stash.
func TestValidConfirmationReleasesStash(t *testing.T) {
	fx := newFixture(t)
	fx.store.rules["list@example.org"] = challenge.Challenge
	fx.store.records["alice@example.net"] = memoryRecord{action: sender.ActionConfirm, refs: []string{"MSGREF"}}
	fx.store.stashes["alice@example.net"] = []memoryStash{
		{recipients: []string{"list@example.org"}, message: []byte("Subject: Hello\n\nthe body\n")},
		{recipients: []string{"list@example.org", "cc@example.org"}, message: []byte("Subject: Again\n\nmore\n")},
	}

	token := fx.validator.MakeToken("alice@example.net", "list@example.org", "MSGREF")
	msg := plainMessage("alice@example.net", []string{"list@example.org"}, "Re: Confirm: "+token, "confirming\n")

	verdict := fx.filter.Process(context.Background(), msg)
	if verdict != VerdictDiscard {
		t.Fatalf("verdict = %v, want discard", verdict)
	}

	rec, _ := fx.store.record("alice@example.net")
	if rec.action != sender.ActionAccept {
		t.Errorf("sender action = %v, want accept", rec.action)
	}
	if len(rec.refs) != 0 {
		t.Errorf("refs = %v, want cleared", rec.refs)
	}

	messages := fx.relay.waitFor(t, 2)
	if messages[0].From != "alice@example.net" {
		t.Errorf("released envelope from = %q, want original sender", messages[0].From)
	}
	if len(messages[1].Recipients) != 2 {
		t.Errorf("second release recipients = %v, want both originals", messages[1].Recipients)
	}
	if fx.store.stashCount("alice@example.net") != 0 {
		t.Error("stash not drained")
	}
}

// Scenario: a reply with a damaged MAC is rejected and nothing moves.
func TestBadMacRejects(t *testing.T) {
	fx := newFixture(t)
	fx.store.rules["list@example.org"] = challenge.Challenge
	fx.store.records["alice@example.net"] = memoryRecord{action: sender.ActionConfirm, refs: []string{"MSGREF"}}
	fx.store.stashes["alice@example.net"] = []memoryStash{
		{recipients: []string{"list@example.org"}, message: []byte("stashed")},
	}

	token := fx.validator.MakeToken("alice@example.net", "list@example.org", "MSGREF")
	damaged := token[:len(token)-4] + "zzzz"
	msg := plainMessage("alice@example.net", []string{"list@example.org"}, "Re: Confirm: "+damaged, "confirming\n")

	verdict := fx.filter.Process(context.Background(), msg)
	if verdict != VerdictReject {
		t.Fatalf("verdict = %v, want reject", verdict)
	}

	rec, _ := fx.store.record("alice@example.net")
	if rec.action != sender.ActionConfirm {
		t.Errorf("sender action = %v, want still confirm", rec.action)
	}
	if fx.store.stashCount("alice@example.net") != 1 {
		t.Error("stash was touched on a bad MAC")
	}
	time.Sleep(50 * time.Millisecond)
	if messages := fx.relay.snapshot(); len(messages) != 0 {
		t.Errorf("relay saw %d messages, want none", len(messages))
	}
}

// Scenario: bulk traffic to a protected recipient is suppressed outright.
func TestBulkSuppression(t *testing.T) {
	fx := newFixture(t)
	fx.store.rules["list@example.org"] = challenge.Challenge

	msg := plainMessage("newsletter@example.net", []string{"list@example.org"}, "News", "bulk body\n")
	msg.Headers = append(msg.Headers, HeaderField{"Precedence", " bulk"})

	verdict := fx.filter.Process(context.Background(), msg)
	if verdict != VerdictDiscard {
		t.Fatalf("verdict = %v, want discard", verdict)
	}

	if _, ok := fx.store.record("newsletter@example.net"); ok {
		t.Error("bulk suppression created a sender record")
	}
	if fx.store.stashCount("newsletter@example.net") != 0 {
		t.Error("bulk message was stashed")
	}
	time.Sleep(50 * time.Millisecond)
	if messages := fx.relay.snapshot(); len(messages) != 0 {
		t.Errorf("relay saw %d messages, want none", len(messages))
	}
}

// Scenario: a pre-confirmed sender passes untouched.
func TestAcceptedSenderPasses(t *testing.T) {
	fx := newFixture(t)
	fx.store.rules["list@example.org"] = challenge.Challenge
	fx.store.records["alice@example.net"] = memoryRecord{action: sender.ActionAccept}

	msg := plainMessage("alice@example.net", []string{"list@example.org"}, "Hello again", "body\n")

	if verdict := fx.filter.Process(context.Background(), msg); verdict != VerdictAccept {
		t.Fatalf("verdict = %v, want accept", verdict)
	}

	rec, _ := fx.store.record("alice@example.net")
	if rec.action != sender.ActionAccept {
		t.Errorf("sender action changed to %v", rec.action)
	}
	time.Sleep(50 * time.Millisecond)
	if messages := fx.relay.snapshot(); len(messages) != 0 {
		t.Errorf("relay saw %d messages, want none", len(messages))
	}
}

// Scenario: recipients outside the protected set are not filtered.
func TestUnprotectedRecipientAccepted(t *testing.T) {
	fx := newFixture(t)

	msg := plainMessage("anyone@example.net", []string{"friend@example.net"}, "Hi", "body\n")

	if verdict := fx.filter.Process(context.Background(), msg); verdict != VerdictAccept {
		t.Fatalf("verdict = %v, want accept", verdict)
	}
	if _, ok := fx.store.record("anyone@example.net"); ok {
		t.Error("out-of-scope mail created a sender record")
	}
}

// A sender already in confirm gets stashed again; with resend enabled the
// challenge goes out once more.
func TestConfirmingSenderStashesAgain(t *testing.T) {
	fx := newFixture(t)
	fx.store.rules["list@example.org"] = challenge.Challenge
	fx.store.records["alice@example.net"] = memoryRecord{action: sender.ActionConfirm, refs: []string{"OLDREF"}}

	msg := plainMessage("alice@example.net", []string{"list@example.org"}, "Second try", "body\n")

	if verdict := fx.filter.Process(context.Background(), msg); verdict != VerdictDiscard {
		t.Fatalf("verdict = %v, want discard", verdict)
	}
	if fx.store.stashCount("alice@example.net") != 1 {
		t.Error("second message was not stashed")
	}
	rec, _ := fx.store.record("alice@example.net")
	if len(rec.refs) != 2 {
		t.Errorf("refs = %v, want OLDREF plus the new slug", rec.refs)
	}
	fx.relay.waitFor(t, 1)
}

// A failed stash write still discards: the message is swallowed, not bounced.
func TestStashFailureStillDiscards(t *testing.T) {
	fx := newFixture(t)
	fx.store.rules["list@example.org"] = challenge.Challenge
	fx.store.failNext = true

	msg := plainMessage("alice@example.net", []string{"list@example.org"}, "Hello", "body\n")

	if verdict := fx.filter.Process(context.Background(), msg); verdict != VerdictDiscard {
		t.Fatalf("verdict = %v, want discard despite the store failure", verdict)
	}
	time.Sleep(50 * time.Millisecond)
	if messages := fx.relay.snapshot(); len(messages) != 0 {
		t.Error("challenge sent although the stash write failed")
	}
}

// BATV-prefixed envelope senders resolve to their canonical record.
func TestBatvSenderResolves(t *testing.T) {
	fx := newFixture(t)
	fx.store.rules["list@example.org"] = challenge.Challenge
	fx.store.records["alice@example.net"] = memoryRecord{action: sender.ActionAccept}

	msg := plainMessage("prvs=12ab34cd=alice@example.net", []string{"list@example.org"}, "Hi", "body\n")

	if verdict := fx.filter.Process(context.Background(), msg); verdict != VerdictAccept {
		t.Fatalf("verdict = %v, want accept via canonical record", verdict)
	}
}

func TestReassemble(t *testing.T) {
	got := reassemble([]HeaderField{
		{"From", " a@b"},
		{"Subject", " hi"},
	}, []byte("line one\nline two\n"))

	want := "From: a@b\nSubject: hi\n\nline one\nline two\n"
	if string(got) != want {
		t.Errorf("reassemble = %q, want %q", got, want)
	}
}
