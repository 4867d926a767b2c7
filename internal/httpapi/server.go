// Package httpapi is the plain net/http ingress for conductor.
// Grounded on example/cmd/assistant/http.go's server-lifecycle shape (mux,
// graceful shutdown, request-scoped logging), hand-written instead of
// Goa-generated since the API surface here is fixed directly rather than
// derived from a design DSL.
package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/flowmesh/conductor/internal/delivery"
	"github.com/flowmesh/conductor/internal/events"
	"github.com/flowmesh/conductor/internal/intake"
	"github.com/flowmesh/conductor/internal/router"
	"github.com/flowmesh/conductor/internal/telemetry"
)

// Pinger is satisfied by every store/client backing conductor; /health
// aggregates their results rather than reporting bare process liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wires the HTTP ingress to conductor's components.
type Server struct {
	intake   *intake.Service
	router   *router.Router
	delivery *delivery.Service
	tracker  *events.Tracker
	events   events.Store
	pingers  map[string]Pinger
	logger   telemetry.Logger
}

// New constructs a Server. Call Handler to obtain the mux to mount. pingers
// names each backing store/client health-checked by GET /health.
func New(in *intake.Service, rt *router.Router, del *delivery.Service, tracker *events.Tracker, eventStore events.Store, logger telemetry.Logger, pingers map[string]Pinger) *Server {
	return &Server{intake: in, router: rt, delivery: del, tracker: tracker, events: eventStore, pingers: pingers, logger: logger}
}

// Handler returns the configured http.Handler for the ingress API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /intake", s.handleIntake)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /cancel", s.handleCancel)
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /deliver", s.handleDeliver)
	mux.HandleFunc("POST /webhook", s.handleWebhook)
	mux.HandleFunc("GET /deliverable", s.handleGetDeliverable)
	mux.HandleFunc("POST /approve", s.handleApprove)
	mux.HandleFunc("POST /reject", s.handleReject)

	mux.HandleFunc("POST /events", s.handleRecordEvent)
	mux.HandleFunc("GET /feed", s.handleFeed)
	mux.HandleFunc("POST /feed/read", s.handleFeedRead)

	mux.HandleFunc("POST /subscriptions", s.handleCreateSubscription)
	mux.HandleFunc("GET /subscriptions", s.handleGetSubscription)
	mux.HandleFunc("PUT /subscriptions", s.handleUpdateSubscription)
	mux.HandleFunc("DELETE /subscriptions", s.handleDeleteSubscription)

	var handler http.Handler = mux
	handler = s.withRequestID(handler)
	return handler
}

// requestIDKey is the context key carrying the correlated request id used
// for both logging and the error envelope.
type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey{}).(string); ok {
		return v
	}
	return ""
}

func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = newRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ListenAndServe runs the HTTP server until ctx is cancelled, then shuts it
// down gracefully, mirroring the teacher's waitgroup + 30s shutdown timeout.
func (s *Server) ListenAndServe(ctx context.Context, addr string, wg *sync.WaitGroup, errc chan<- error) {
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 60 * time.Second}

	wg.Add(1)
	go func() {
		defer wg.Done()

		go func() {
			errc <- srv.ListenAndServe()
		}()

		<-ctx.Done()
		s.logger.Info(context.Background(), "shutting down http server", "addr", addr)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error(context.Background(), "http server shutdown failed", "err", err)
		}
	}()
}
