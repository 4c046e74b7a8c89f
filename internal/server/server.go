// Package server provides conductor's ops HTTP surface: health and
// system status, read access to symphonies and the execution paper
// trail, tree validation, backtest recording, and the SSE event stream.
// It is an operator surface, not a user API; there is no auth and no
// mutation of strategies over HTTP.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/origamihq/conductor/internal/audit"
	"github.com/origamihq/conductor/internal/database"
	"github.com/origamihq/conductor/internal/events"
	"github.com/origamihq/conductor/internal/portfolio"
	"github.com/origamihq/conductor/internal/symphony"
)

// Config wires the ops server's collaborators.
type Config struct {
	Log         zerolog.Logger
	Port        int
	DataDir     string
	Data        DataStatus
	Bus         *events.Bus
	Databases   []*database.DB
	Symphonies  *symphony.Repository
	Positions   *portfolio.PositionRepository
	Executions  *audit.ExecutionRepository
	Performance *audit.PerformanceRepository
	Backtests   *audit.BacktestRepository
}

// Server is the ops HTTP server.
type Server struct {
	router *chi.Mux
	server *http.Server
	log    zerolog.Logger
}

// New builds the server with its routes and middleware in place.
func New(cfg Config) *Server {
	s := &Server{
		router: chi.NewRouter(),
		log:    cfg.Log.With().Str("component", "server").Logger(),
	}

	s.setupMiddleware()

	ops := NewOpsHandlers(OpsDeps{
		Symphonies:  cfg.Symphonies,
		Positions:   cfg.Positions,
		Executions:  cfg.Executions,
		Performance: cfg.Performance,
		Backtests:   cfg.Backtests,
	}, cfg.Log)
	system := NewSystemHandlers(cfg.Data, cfg.Databases, cfg.Symphonies, cfg.Positions, cfg.DataDir, cfg.Log)
	stream := NewEventsStreamHandler(cfg.Bus, cfg.Log)

	s.setupRoutes(ops, system, stream)

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           s.router,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		// WriteTimeout stays zero so the event stream can outlive it;
		// the API routes carry their own timeout middleware.
		IdleTimeout: 60 * time.Second,
	}
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s.router.Use(middleware.Compress(5))
}

func (s *Server) setupRoutes(ops *OpsHandlers, system *SystemHandlers, stream *EventsStreamHandler) {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		// The stream sits outside the timeout group; it lives until the
		// client disconnects.
		r.Get("/events/stream", stream.ServeHTTP)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))
			system.RegisterRoutes(r)
			ops.RegisterRoutes(r)
		})
	})
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start blocks serving HTTP until the listener closes.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "conductor",
	})
}

// loggingMiddleware logs one line per request.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

// respond writes a JSON body with the given status.
func respond(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// respondError writes the standard error envelope.
func respondError(w http.ResponseWriter, status int, msg string) {
	respond(w, status, map[string]string{"error": msg})
}
