package milter

import (
	"crypto/rand"
	"mime"
	"regexp"
	"strings"

	"github.com/ietf-tools/postconfirm/internal/logging"
)

// HeaderField is one name/value pair from the milter header stream.
type HeaderField struct {
	Name  string
	Value string
}

// confirmTokenRe matches the confirmation token anywhere in a subject line.
// "Confirm:" is case-sensitive on the wire; the colon-separated fields carry
// no whitespace and the MAC is padding-stripped url-safe base64.
var confirmTokenRe = regexp.MustCompile(`Confirm:[ \t\r\n]+([^\s:]+@[^\s:]+):([^\s:]+):([A-Za-z0-9_-]+)`)

// msgidRe picks the first angle-bracketed group of a Message-Id value.
var msgidRe = regexp.MustCompile(`<([^>]+)>`)

const referenceAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-"

// Classifier applies the configured header heuristics to one message.
type Classifier struct {
	bulkRe          *regexp.Regexp
	autoSubmittedRe *regexp.Regexp
}

// NewClassifier compiles the bulk and auto-submitted heuristics.
func NewClassifier(bulkRegex, autoSubmittedRegex string) (*Classifier, error) {
	bulkRe, err := regexp.Compile(bulkRegex)
	if err != nil {
		return nil, err
	}
	autoRe, err := regexp.Compile(autoSubmittedRegex)
	if err != nil {
		return nil, err
	}
	return &Classifier{bulkRe: bulkRe, autoSubmittedRe: autoRe}, nil
}

// ShouldDrop reports whether the headers mark the message as bulk or
// auto-submitted traffic that must never be challenged.
func (c *Classifier) ShouldDrop(headers []HeaderField) bool {
	for _, h := range headers {
		value := strings.TrimLeft(h.Value, " \t")
		switch {
		case strings.EqualFold(h.Name, "Precedence"):
			if c.bulkRe.MatchString(value) {
				return true
			}
		case strings.EqualFold(h.Name, "Auto-Submitted"):
			if c.autoSubmittedRe.MatchString(value) {
				return true
			}
		}
	}
	return false
}

// DecodeSubject MIME-decodes the subject best effort; on a decode failure the
// raw string is used as-is.
func DecodeSubject(raw string) string {
	decoded, err := new(mime.WordDecoder).DecodeHeader(raw)
	if err != nil {
		logging.DebugLog("milter: subject decode failed, using raw value: %v", err)
		return raw
	}
	return decoded
}

// ExtractToken returns the confirmation token embedded in the text, or
// ok=false when there is none.
func ExtractToken(text string) (string, bool) {
	m := confirmTokenRe.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return m[1] + ":" + m[2] + ":" + m[3], true
}

// ExtractReference derives the challenge reference for a message: the part of
// the first Message-Id's bracketed group before the first "@", colons
// stripped. Without a usable Message-Id a fresh random identifier is used.
func ExtractReference(headers []HeaderField) string {
	for _, h := range headers {
		if !strings.EqualFold(h.Name, "Message-Id") {
			continue
		}
		m := msgidRe.FindStringSubmatch(h.Value)
		if m == nil {
			continue
		}
		slug := m[1]
		if at := strings.Index(slug, "@"); at >= 0 {
			slug = slug[:at]
		}
		slug = strings.ReplaceAll(slug, ":", "")
		if slug != "" {
			return slug
		}
	}
	return RandomReference()
}

// RandomReference returns a 10-character identifier over [A-Za-z0-9-].
func RandomReference() string {
	buf := make([]byte, 10)
	if _, err := rand.Read(buf); err != nil {
		logging.ErrorLog("milter: random reference: %v", err)
	}
	out := make([]byte, len(buf))
	for i, b := range buf {
		out[i] = referenceAlphabet[int(b)%len(referenceAlphabet)]
	}
	return string(out)
}
