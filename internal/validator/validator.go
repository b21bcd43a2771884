// Package validator derives and verifies the keyed confirmation tokens
// carried in challenge subjects.
package validator

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
)

// TokenCheck is the outcome of validating a candidate token.
type TokenCheck int

// The zero value is TokenMalformed so an unset check can never read as valid.
const (
	TokenMalformed TokenCheck = iota
	TokenMacMismatch
	TokenValid
)

func (t TokenCheck) String() string {
	switch t {
	case TokenValid:
		return "valid"
	case TokenMalformed:
		return "malformed"
	case TokenMacMismatch:
		return "mac-mismatch"
	default:
		return "unknown"
	}
}

// Validator is purely functional given its key and is safe for concurrent use.
type Validator struct {
	key []byte
}

// New builds a Validator over the given HMAC key bytes.
func New(key []byte) *Validator {
	return &Validator{key: key}
}

// NewFromFile loads the HMAC key from the configured key file. A missing or
// unreadable key file is a startup failure.
func NewFromFile(path string) (*Validator, error) {
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("validator: reading key file: %w", err)
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("validator: key file %s is empty", path)
	}
	return &Validator{key: key}, nil
}

// mac computes the url-safe, padding-stripped HMAC-SHA224 over the message.
func (v *Validator) mac(message string) string {
	h := hmac.New(sha256.New224, v.key)
	h.Write([]byte(message))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

// MakeHash derives the MAC field for a (sender, recipient, reference) triple.
func (v *Validator) MakeHash(sender, recipient, reference string) string {
	return v.mac(sender + "-" + recipient + "-" + reference)
}

// MakeToken builds the confirmation token "<recipient>:<reference>:<mac>".
func (v *Validator) MakeToken(sender, recipient, reference string) string {
	return recipient + ":" + reference + ":" + v.MakeHash(sender, recipient, reference)
}

// CheckToken parses the candidate and verifies its MAC against the allowed
// reference set. The token must have exactly three colon-separated fields.
func (v *Validator) CheckToken(sender, candidate string, allowedRefs []string) TokenCheck {
	parts := strings.Split(strings.TrimSpace(candidate), ":")
	if len(parts) != 3 {
		return TokenMalformed
	}
	recipient, reference, mac := parts[0], parts[1], parts[2]
	if recipient == "" || reference == "" || mac == "" {
		return TokenMalformed
	}

	for _, allowed := range allowedRefs {
		if allowed != reference {
			continue
		}
		want := v.MakeHash(sender, recipient, reference)
		if hmac.Equal([]byte(want), []byte(mac)) {
			return TokenValid
		}
		return TokenMacMismatch
	}
	return TokenMacMismatch
}

// ValidateToken reports whether the candidate verifies against any of the
// allowed references.
func (v *Validator) ValidateToken(sender, candidate string, allowedRefs []string) bool {
	return v.CheckToken(sender, candidate, allowedRefs) == TokenValid
}
