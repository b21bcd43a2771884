// Package remailer submits mail to the configured external relay. It wraps
// the SMTP client so that a connection is reused across successive sends
// within a scope, and defaults the envelope sender.
package remailer

import (
	"fmt"
	"sync"

	"github.com/emersion/go-smtp"

	"github.com/ietf-tools/postconfirm/internal/logging"
)

// Remailer is the long-lived handle shared by all sessions. Acquire a Scope
// to send.
type Remailer struct {
	addr          string
	defaultSender string

	mu sync.Mutex
}

// New builds a Remailer against relay addr ("host:port"). defaultSender is
// the envelope sender used when a send does not name one; empty means the
// null reverse-path.
func New(addr, defaultSender string) *Remailer {
	return &Remailer{addr: addr, defaultSender: defaultSender}
}

// Scope acquires the relay connection for a sequence of sends. Callers must
// Close the scope; Close issues a graceful QUIT and ignores an already
// disconnected state.
func (r *Remailer) Scope() *Scope {
	r.mu.Lock()
	return &Scope{r: r}
}

// Scope is a single acquisition of the relay connection.
type Scope struct {
	r      *Remailer
	client *smtp.Client
}

// connection returns a live client, probing an existing one with NOOP and
// reconnecting once if the probe shows the relay has gone away.
func (s *Scope) connection() (*smtp.Client, error) {
	if s.client != nil {
		if err := s.client.Noop(); err == nil {
			return s.client, nil
		}
		logging.DebugLog("remailer: relay connection stale, reconnecting")
		s.client.Close()
		s.client = nil
	}

	client, err := smtp.Dial(s.r.addr)
	if err != nil {
		return nil, fmt.Errorf("remailer: dial %s: %w", s.r.addr, err)
	}
	s.client = client
	return s.client, nil
}

// Send submits the message to the recipients. When from is empty the default
// envelope sender is used. Failures are logged and returned; callers on the
// verdict path treat them as best-effort.
func (s *Scope) Send(recipients []string, message []byte, from string) error {
	if from == "" {
		from = s.r.defaultSender
	}

	client, err := s.connection()
	if err != nil {
		logging.WarnLog("remailer: %v", err)
		return err
	}

	if err := s.submit(client, from, recipients, message); err != nil {
		logging.WarnLog("remailer: send from <%s> failed: %v", from, err)
		return err
	}
	return nil
}

func (s *Scope) submit(client *smtp.Client, from string, recipients []string, message []byte) error {
	if err := client.Mail(from, nil); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt, nil); err != nil {
			return fmt.Errorf("RCPT TO <%s>: %w", rcpt, err)
		}
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := w.Write(message); err != nil {
		w.Close()
		return fmt.Errorf("writing message: %w", err)
	}
	return w.Close()
}

// Close releases the scope, quitting the relay connection gracefully.
func (s *Scope) Close() {
	if s.client != nil {
		if err := s.client.Quit(); err != nil {
			// Already disconnected is fine.
			logging.DebugLog("remailer: quit: %v", err)
		}
		s.client = nil
	}
	s.r.mu.Unlock()
}
