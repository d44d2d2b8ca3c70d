// Package api serves the read-only query surface over the tracker and
// the sink. Mutating endpoints do not exist; the service is observed,
// not driven, over HTTP.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/mintwatch/mintwatch/internal/config"
	"github.com/mintwatch/mintwatch/internal/processor"
	"github.com/mintwatch/mintwatch/internal/sink"
	"github.com/mintwatch/mintwatch/internal/token"
	"github.com/mintwatch/mintwatch/internal/tracker"
)

type requestIDKey struct{}

// Tracked is the tracker surface the API reads.
type Tracked interface {
	GetAll() []token.Snapshot
	GetSnapshot(mint string) (token.Snapshot, bool)
	GetHealth(mint string) (token.Health, bool)
	GetHistory(mint string, limit int) []token.PricePoint
	GetTrend(mint string, window token.TrendWindow) (token.Trend, bool)
	GetAllTrends() []token.Trend
	Stats() tracker.Stats
	EmergencyStatus() tracker.EmergencyStatus
}

// IngestStats is the processor surface the API reads.
type IngestStats interface {
	Stats() processor.Stats
}

// Feed is the feed-client surface the API reads.
type Feed interface {
	IsConnected() bool
	SubscribedMints() []string
}

// Server is the read-only HTTP front.
type Server struct {
	router *mux.Router
	server *http.Server

	tracked  Tracked
	ingest   IngestStats
	feed     Feed
	sink     sink.Sink
	gatherer prometheus.Gatherer
}

// New builds a server; it fails fast when the port is taken.
func New(cfg config.HTTPConfig, t Tracked, p IngestStats, f Feed, s sink.Sink, g prometheus.Gatherer) (*Server, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	probe, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("port %d is busy or unavailable: %w", cfg.Port, err)
	}
	probe.Close()

	srv := &Server{
		router:   mux.NewRouter(),
		tracked:  t,
		ingest:   p,
		feed:     f,
		sink:     s,
		gatherer: g,
	}
	srv.routes()

	srv.server = &http.Server{
		Addr:         addr,
		Handler:      srv.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return srv, nil
}

func (s *Server) routes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", s.metricsHandler()).Methods("GET")

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(jsonContentType)
	api.HandleFunc("/tokens", s.handleTokens).Methods("GET")
	api.HandleFunc("/tokens/{mint}", s.handleToken).Methods("GET")
	api.HandleFunc("/tokens/{mint}/history", s.handleHistory).Methods("GET")
	api.HandleFunc("/tokens/{mint}/prices", s.handlePrices).Methods("GET")
	api.HandleFunc("/trends", s.handleTrends).Methods("GET")
	api.HandleFunc("/cleanup/events", s.handleCleanupEvents).Methods("GET")
	api.HandleFunc("/stats", s.handleStats).Methods("GET")

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		writeError(w, http.StatusNotFound, "not_found", "endpoint does not exist")
	})
}

func (s *Server) metricsHandler() http.Handler {
	if s.gatherer != nil {
		return promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}

// Start serves until Shutdown. http.ErrServerClosed is swallowed.
func (s *Server) Start() error {
	log.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()[:8]
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapper, r)
		log.Debug().
			Str("request_id", requestID(r)).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.status).
			Dur("elapsed", time.Since(start)).
			Msg("HTTP request")
	})
}

func jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func requestID(r *http.Request) string {
	if id, ok := r.Context().Value(requestIDKey{}).(string); ok {
		return id
	}
	return "unknown"
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
