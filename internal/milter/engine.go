package milter

import (
	"github.com/ietf-tools/postconfirm/internal/sender"
	"github.com/ietf-tools/postconfirm/internal/validator"
)

// Verdict is the milter-level decision for one message.
type Verdict int

const (
	VerdictAccept Verdict = iota
	VerdictReject
	VerdictDiscard
)

func (v Verdict) String() string {
	switch v {
	case VerdictAccept:
		return "accept"
	case VerdictReject:
		return "reject"
	case VerdictDiscard:
		return "discard"
	default:
		return "invalid"
	}
}

// Effects are the side effects the session must perform alongside a verdict.
type Effects struct {
	// Stash the full message under the sender.
	Stash bool
	// SendChallenge issues (or re-issues) the confirmation request.
	SendChallenge bool
	// Release promotes the sender to accept and replays the stash.
	Release bool
}

// Decide is the decision engine: a pure function of the sender action, the
// presence of protected recipients, the drop classification, the
// challenge-response classification, the token check, and the resend setting
// for senders already in confirm. First matching row wins.
func Decide(action sender.Action, hasChallengeRcpts, shouldDrop, isResponse bool, token validator.TokenCheck, resendConfirmation bool) (Verdict, Effects) {
	switch {
	case hasChallengeRcpts && shouldDrop:
		return VerdictDiscard, Effects{}

	case hasChallengeRcpts && !isResponse && action == sender.ActionAccept:
		return VerdictAccept, Effects{}

	case hasChallengeRcpts && !isResponse && action == sender.ActionReject:
		return VerdictReject, Effects{}

	case hasChallengeRcpts && !isResponse && action == sender.ActionDiscard:
		return VerdictDiscard, Effects{}

	case hasChallengeRcpts && !isResponse:
		// Unknown, expired or already confirming: swallow and stash. A fresh
		// challenge always goes out for unknown/expired; for a sender already
		// in confirm only when re-sending is configured.
		effects := Effects{Stash: true}
		switch action {
		case sender.ActionUnknown, sender.ActionExpired:
			effects.SendChallenge = true
		case sender.ActionConfirm:
			effects.SendChallenge = resendConfirmation
		}
		return VerdictDiscard, effects

	case isResponse && action == sender.ActionConfirm:
		if token == validator.TokenValid {
			return VerdictDiscard, Effects{Release: true}
		}
		return VerdictReject, Effects{}

	case isResponse:
		// A response for a sender not awaiting confirmation is noise.
		return VerdictDiscard, Effects{}
	}

	return VerdictAccept, Effects{}
}
