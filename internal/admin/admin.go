// Package admin exposes a small loopback HTTP surface for operators: a
// health probe and running counters.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ietf-tools/postconfirm/internal/logging"
	"github.com/ietf-tools/postconfirm/internal/milter"
)

// Pinger is the slice of the store the health probe needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server serves the admin endpoints on the loopback interface.
type Server struct {
	http    *http.Server
	started time.Time
}

// New builds the admin server on the given port.
func New(port int, db Pinger, filter *milter.Filter) *Server {
	s := &Server{started: time.Now()}

	router := chi.NewRouter()
	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := db.Ping(ctx); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"status": "degraded", "db": err.Error()})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	router.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"uptime_seconds": int64(time.Since(s.started).Seconds()),
			"accepted":       filter.Stats.Accepted.Load(),
			"rejected":       filter.Stats.Rejected.Load(),
			"discarded":      filter.Stats.Discarded.Load(),
			"challenged":     filter.Stats.Challenged.Load(),
			"released":       filter.Stats.Released.Load(),
		})
	})

	s.http = &http.Server{
		Addr:         fmt.Sprintf("127.0.0.1:%d", port),
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start begins serving in a separate goroutine.
func (s *Server) Start() {
	go func() {
		logging.InfoLog("admin: listening on %s", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.ErrorLog("admin: server stopped: %v", err)
		}
	}()
}

// Stop shuts the admin server down.
func (s *Server) Stop() {
	if s == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.http.Shutdown(ctx)
}
