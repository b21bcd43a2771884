package milter

import (
	"fmt"

	"github.com/d--j/go-milter/mailfilter"

	"github.com/ietf-tools/postconfirm/internal/logging"
)

// Server owns the milter listener. Sessions run concurrently, one lightweight
// task per MTA connection; the transport calls Handle once per message after
// end-of-message.
type Server struct {
	filter *Filter
	mf     *mailfilter.MailFilter
}

// NewServer starts listening on addr and begins accepting MTA connections.
func NewServer(addr string, filter *Filter) (*Server, error) {
	mf, err := mailfilter.New("tcp", addr, filter.Handle,
		mailfilter.WithDecisionAt(mailfilter.DecisionAtEndOfMessage),
	)
	if err != nil {
		return nil, fmt.Errorf("milter: listen on %s: %w", addr, err)
	}
	logging.InfoLog("milter: listening on %s", addr)
	return &Server{filter: filter, mf: mf}, nil
}

// Wait blocks until the listener stops.
func (s *Server) Wait() {
	s.mf.Wait()
}

// Close stops accepting connections and tears down in-flight sessions.
func (s *Server) Close() {
	s.mf.Close()
}
