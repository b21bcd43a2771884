// Package milter drives MTA connections, one concurrent session per
// connection: it streams the envelope, headers and body of each message,
// consults the sender state and recipient policy, and emits exactly one
// verdict per message.
package milter

import (
	"context"
	"io"
	"strings"
	"sync/atomic"

	"github.com/d--j/go-milter/mailfilter"

	"github.com/ietf-tools/postconfirm/internal/challenge"
	"github.com/ietf-tools/postconfirm/internal/dmarc"
	"github.com/ietf-tools/postconfirm/internal/logging"
	"github.com/ietf-tools/postconfirm/internal/remailer"
	"github.com/ietf-tools/postconfirm/internal/sender"
	"github.com/ietf-tools/postconfirm/internal/validator"
	"github.com/ietf-tools/postconfirm/internal/workerpool"
)

const lineSep = "\n"

// Stats counts verdicts and side effects across all sessions.
type Stats struct {
	Accepted   atomic.Int64
	Rejected   atomic.Int64
	Discarded  atomic.Int64
	Challenged atomic.Int64
	Released   atomic.Int64
}

// Message is the transport-independent view of one mail transaction. Body is
// loaded lazily; it is only needed when a message gets stashed.
type Message struct {
	From       string
	Recipients []string
	Headers    []HeaderField
	Body       func() []byte
}

// Filter holds the shared collaborators and decides messages. It is safe for
// concurrent sessions; per-message state lives on the stack of Process.
type Filter struct {
	store      sender.Store
	policy     *challenge.Policy
	validator  *validator.Validator
	remailer   *remailer.Remailer
	classifier *Classifier
	composer   *Composer
	pool       *workerpool.Pool
	probe      *dmarc.Probe

	resendConfirmation bool

	Stats Stats
}

// NewFilter wires the filter from its collaborators.
func NewFilter(store sender.Store, policy *challenge.Policy, v *validator.Validator, rm *remailer.Remailer, classifier *Classifier, composer *Composer, pool *workerpool.Pool, probe *dmarc.Probe, resendConfirmation bool) *Filter {
	return &Filter{
		store:              store,
		policy:             policy,
		validator:          v,
		remailer:           rm,
		classifier:         classifier,
		composer:           composer,
		pool:               pool,
		probe:              probe,
		resendConfirmation: resendConfirmation,
	}
}

// Handle is the decision callback invoked by the milter transport at
// end-of-message.
func (f *Filter) Handle(ctx context.Context, trx mailfilter.Trx) (mailfilter.Decision, error) {
	headers, _ := collectHeaders(trx)

	msg := &Message{
		From:    trx.MailFrom().Addr,
		Headers: headers,
		Body:    func() []byte { return readBody(trx.Body()) },
	}
	// Envelope recipient order is determined by the SMTP protocol.
	for _, rcpt := range trx.RcptTos() {
		msg.Recipients = append(msg.Recipients, rcpt.Addr)
	}

	switch f.Process(ctx, msg) {
	case VerdictReject:
		return mailfilter.Reject, nil
	case VerdictDiscard:
		return mailfilter.Discard, nil
	default:
		return mailfilter.Accept, nil
	}
}

// Process runs the per-message flow of the decision engine and performs its
// side effects. Exactly one verdict comes out per message.
func (f *Filter) Process(ctx context.Context, msg *Message) Verdict {
	snd := sender.New(msg.From, f.store)

	challengeRcpts := f.policy.Required(ctx, msg.Recipients)

	subject := DecodeSubject(firstHeader(msg.Headers, "Subject"))
	token, isResponse := ExtractToken(subject)

	// Out of scope entirely: nobody wants a challenge and this is not a
	// confirmation coming back.
	if len(challengeRcpts) == 0 && !isResponse {
		f.Stats.Accepted.Add(1)
		return VerdictAccept
	}

	action := snd.GetAction(ctx)
	shouldDrop := f.classifier.ShouldDrop(msg.Headers)

	tokenCheck := validator.TokenMalformed
	if isResponse && action == sender.ActionConfirm {
		tokenCheck = f.validator.CheckToken(snd.Email(), token, snd.References(ctx))
	}

	verdict, effects := Decide(action, len(challengeRcpts) > 0, shouldDrop, isResponse, tokenCheck, f.resendConfirmation)

	if effects.Stash {
		f.stashAndChallenge(ctx, snd, msg, subject, challengeRcpts, effects.SendChallenge)
	}
	if effects.Release {
		f.release(ctx, snd)
	}

	logging.InfoLog("milter: verdict %s for <%s> (action=%s, protected=%d, response=%t)",
		verdict, snd.Email(), action, len(challengeRcpts), isResponse)

	switch verdict {
	case VerdictReject:
		f.Stats.Rejected.Add(1)
	case VerdictDiscard:
		f.Stats.Discarded.Add(1)
	default:
		f.Stats.Accepted.Add(1)
	}
	return verdict
}

// stashAndChallenge stores the message under the sender and, when asked,
// issues the confirmation request. Failures here never change the verdict:
// the message has been swallowed either way.
func (f *Filter) stashAndChallenge(ctx context.Context, snd *sender.Sender, msg *Message, subject string, challengeRcpts []string, sendChallenge bool) {
	reference := ExtractReference(msg.Headers)
	body := msg.Body()
	message := reassemble(msg.Headers, body)

	if err := snd.Stash(ctx, message, msg.Recipients, reference); err != nil {
		logging.WarnLog("milter: stashing message from <%s> failed: %v", snd.Email(), err)
		return
	}

	if !sendChallenge {
		return
	}

	// Never challenge the empty reverse-path or a protected address mailing
	// itself; both are bounce loops waiting to happen.
	if snd.Email() == "" {
		logging.InfoLog("milter: skipped challenge for empty sender")
		return
	}
	for _, rcpt := range challengeRcpts {
		if snd.Email() == sender.Canonical(rcpt) {
			logging.InfoLog("milter: skipped challenge from <%s> to itself", snd.Email())
			return
		}
	}

	// A valid token buried in the body of a non-response message is almost
	// certainly a bounced copy of our own challenge; don't send another one.
	if bodyToken, ok := ExtractToken(string(body)); ok {
		if f.validator.ValidateToken(snd.Email(), bodyToken, snd.References(ctx)) {
			logging.InfoLog("milter: skipped challenge for auto-reply from <%s>", snd.Email())
			return
		}
	}

	challengeAddr := challengeRcpts[0]
	token := f.validator.MakeToken(snd.Email(), challengeAddr, reference)

	mail, err := f.composer.Challenge(ChallengeInput{
		Subject:          subject,
		SenderAddress:    snd.Email(),
		RecipientAddress: msg.Recipients[0],
		ChallengeAddress: challengeAddr,
		Reference:        reference,
		Token:            token,
	})
	if err != nil {
		logging.WarnLog("milter: %v", err)
		return
	}

	senderAddr := snd.Email()
	err = f.pool.Submit(func(context.Context) {
		if f.probe.Enforces(senderAddr) {
			logging.InfoLog("milter: challenged domain of <%s> publishes an enforcing DMARC policy", senderAddr)
		}
		scope := f.remailer.Scope()
		defer scope.Close()
		if err := scope.Send([]string{senderAddr}, mail, challengeAddr); err == nil {
			f.Stats.Challenged.Add(1)
			logging.InfoLog("milter: challenge sent to <%s> for %s", senderAddr, challengeAddr)
		}
	})
	if err != nil {
		logging.WarnLog("milter: challenge for <%s> not queued: %v", senderAddr, err)
	}
}

// release handles a valid confirmation: the sender is promoted to accept
// with a cleared reference set, and the stash is replayed to its original
// recipients.
func (f *Filter) release(ctx context.Context, snd *sender.Sender) {
	snd.ClearReferences()
	if err := snd.SetAction(ctx, sender.ActionAccept); err != nil {
		logging.WarnLog("milter: promoting <%s> to accept failed: %v", snd.Email(), err)
		return
	}

	senderAddr := snd.Email()
	err := f.pool.Submit(func(taskCtx context.Context) {
		scope := f.remailer.Scope()
		defer scope.Close()

		it := f.store.DrainStash(taskCtx, senderAddr)
		defer it.Close()
		count := 0
		for it.Next() {
			if err := scope.Send(it.Recipients(), it.Message(), senderAddr); err == nil {
				count++
			}
		}
		if err := it.Err(); err != nil {
			logging.WarnLog("milter: draining stash for <%s>: %v", senderAddr, err)
		}
		f.Stats.Released.Add(int64(count))
		logging.InfoLog("milter: released %d stashed message(s) from <%s>", count, senderAddr)
	})
	if err != nil {
		logging.WarnLog("milter: stash release for <%s> not queued: %v", senderAddr, err)
	}
}

// collectHeaders walks the header stream once, keeping the name/value pairs
// and the raw subject.
func collectHeaders(trx mailfilter.Trx) ([]HeaderField, string) {
	var headers []HeaderField
	subject := ""

	fields := trx.Headers().Fields()
	for fields.Next() {
		h := HeaderField{Name: fields.Key(), Value: fields.Value()}
		if subject == "" && strings.EqualFold(h.Name, "Subject") {
			subject = h.Value
		}
		headers = append(headers, h)
	}
	return headers, subject
}

func firstHeader(headers []HeaderField, name string) string {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// reassemble rebuilds the stashable message text: headers joined with LF, a
// blank line, then the body bytes.
func reassemble(headers []HeaderField, body []byte) []byte {
	var buf strings.Builder
	for _, h := range headers {
		buf.WriteString(h.Name)
		buf.WriteString(":")
		buf.WriteString(h.Value)
		buf.WriteString(lineSep)
	}
	buf.WriteString(lineSep)
	buf.Write(body)
	return []byte(buf.String())
}

func readBody(body io.ReadSeeker) []byte {
	if body == nil {
		return nil
	}
	if _, err := body.Seek(0, io.SeekStart); err != nil {
		logging.WarnLog("milter: seeking body: %v", err)
		return nil
	}
	data, err := io.ReadAll(body)
	if err != nil {
		logging.WarnLog("milter: reading body: %v", err)
		return nil
	}
	return data
}
