package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server exposes the REST API plus health, readiness and metrics endpoints.
type Server struct {
	httpServer *http.Server
	api        API
	logger     *slog.Logger

	// streams is cancelled when Shutdown begins so long-lived alert streams
	// end instead of holding the drain open.
	streams     context.Context
	stopStreams context.CancelFunc
}

// NewServer creates an HTTP server with the /v1 API and the /healthz, /readyz
// and /metrics routes.
func NewServer(addr string, api API, ready sharedobs.ReadinessChecker, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		api:    api,
		logger: logger,
	}
	s.streams, s.stopStreams = context.WithCancel(context.Background())
	s.httpServer.RegisterOnShutdown(s.stopStreams)

	mux.HandleFunc("GET /healthz", sharedobs.LivenessHandler())
	mux.HandleFunc("GET /readyz", sharedobs.ReadinessHandler(ready))
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /v1/reports", s.handleSubmitReport)
	mux.HandleFunc("GET /v1/reports/{id}", s.handleGetReport)
	mux.HandleFunc("GET /v1/events", s.handleQueryEvents)
	mux.HandleFunc("GET /v1/events/{id}", s.handleGetEvent)
	mux.HandleFunc("GET /v1/places", s.handleQueryPlaces)
	mux.HandleFunc("GET /v1/places/{id}", s.handleGetPlace)
	mux.HandleFunc("GET /v1/users/{id}/credibility", s.handleCredibility)
	mux.HandleFunc("POST /v1/subscriptions", s.handleSubscribe)
	mux.HandleFunc("GET /v1/subscriptions/{id}", s.handleGetSubscription)
	mux.HandleFunc("DELETE /v1/subscriptions/{id}", s.handleUnsubscribe)
	mux.HandleFunc("POST /v1/subscriptions/{id}/alerts/{alertID}/ack", s.handleAcknowledge)
	mux.HandleFunc("GET /v1/alerts", s.handleAlerts)
	mux.HandleFunc("GET /v1/alerts/stream", s.handleAlertStream)

	return s
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}
