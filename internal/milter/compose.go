package milter

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cbroglie/mustache"
	"github.com/google/uuid"
)

// Composer renders challenge emails from the configured template.
type Composer struct {
	template     string
	adminAddress string
}

// NewComposer loads the mail template. A missing template is a startup
// failure.
func NewComposer(templatePath, adminAddress string) (*Composer, error) {
	text, err := os.ReadFile(templatePath)
	if err != nil {
		return nil, fmt.Errorf("milter: reading mail template: %w", err)
	}
	return &Composer{template: string(text), adminAddress: adminAddress}, nil
}

// ChallengeInput carries everything the template and headers need.
type ChallengeInput struct {
	Subject          string // subject of the original message
	SenderAddress    string // the address being challenged
	RecipientAddress string // first original envelope recipient
	ChallengeAddress string // first protected recipient; becomes the envelope/header From
	Reference        string
	Token            string
}

// Challenge builds the full challenge message. The confirmation token rides
// in the Subject; the body comes from the template.
func (c *Composer) Challenge(in ChallengeInput) ([]byte, error) {
	body, err := mustache.Render(c.template, map[string]string{
		"subject":           in.Subject,
		"sender_address":    in.SenderAddress,
		"recipient_address": in.RecipientAddress,
		"challenge_address": in.ChallengeAddress,
		"admin_address":     c.adminAddress,
		"id":                in.Reference,
		"full_ref":          in.Token,
	})
	if err != nil {
		return nil, fmt.Errorf("milter: rendering challenge template: %w", err)
	}

	var msg strings.Builder
	fmt.Fprintf(&msg, "From: <%s>\r\n", in.ChallengeAddress)
	fmt.Fprintf(&msg, "To: <%s>\r\n", in.SenderAddress)
	fmt.Fprintf(&msg, "Subject: Confirm: %s\r\n", in.Token)
	fmt.Fprintf(&msg, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	fmt.Fprintf(&msg, "Message-ID: <%s@%s>\r\n", uuid.NewString(), domainOf(in.ChallengeAddress))
	msg.WriteString("Auto-Submitted: auto-replied\r\n")
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(body)

	return []byte(msg.String()), nil
}

func domainOf(addr string) string {
	if at := strings.LastIndex(addr, "@"); at >= 0 {
		return addr[at+1:]
	}
	return "localhost"
}
