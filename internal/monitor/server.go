// Package monitor serves the engine's observability surface: liveness,
// prometheus metrics, and read-only JSON views of positions and statistics.
package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/eddiefleurent/schrute_scalper/internal/storage"
)

// Status is the engine's self-reported state for the health endpoint.
type Status struct {
	State       string    `json:"state"`
	SessionDate string    `json:"session_date,omitempty"`
	KillSwitch  bool      `json:"kill_switch"`
	StartedAt   time.Time `json:"started_at"`
	LastCycleAt time.Time `json:"last_cycle_at,omitempty"`
}

// StatusFunc reports the engine's current status; it must be safe to call
// from any goroutine.
type StatusFunc func() Status

// Server hosts the monitor endpoints.
type Server struct {
	router *chi.Mux
	server *http.Server
	store  storage.Interface
	status StatusFunc
	logger zerolog.Logger
	listen string
}

// NewServer creates a monitor listening on addr. status may be nil.
func NewServer(addr string, store storage.Interface, status StatusFunc, logger zerolog.Logger) *Server {
	s := &Server{
		router: chi.NewRouter(),
		store:  store,
		status: status,
		logger: logger.With().Str("component", "monitor").Logger(),
		listen: addr,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))
	s.router.Use(s.logRequests)

	s.router.Get("/healthz", s.handleHealth)
	s.router.Handle("/metrics", promhttp.Handler())
	s.router.Get("/api/positions", s.handlePositions)
	s.router.Get("/api/stats", s.handleStats)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("elapsed", time.Since(start)).
			Msg("http request")
	})
}

// Start serves until Shutdown or a listener error. Callers run it in its own
// goroutine and treat http.ErrServerClosed as a clean exit.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.listen,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Info().Str("addr", s.listen).Msg("monitor listening")
	return s.server.ListenAndServe()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	}
	if s.status != nil {
		resp["engine"] = s.status()
	}
	s.writeJSON(w, resp)
}

func (s *Server) handlePositions(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.store.GetOpenPositions())
}

type statsResponse struct {
	storage.Statistics
	OpenPositions int `json:"open_positions"`
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, statsResponse{
		Statistics:    s.store.GetStatistics(),
		OpenPositions: len(s.store.GetOpenPositions()),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("encoding response")
	}
}
