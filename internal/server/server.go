// Package server exposes the worker's health and metrics over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dharsanguruparan/ChannelDrop/internal/logging"
	"github.com/dharsanguruparan/ChannelDrop/internal/stats"
)

// StatsSource is satisfied by *stats.Stats.
type StatsSource interface {
	Snapshot() stats.Snapshot
}

// Status is the body of /, /health and /status.
type Status struct {
	OK      bool           `json:"ok"`
	Stats   stats.Snapshot `json:"stats"`
	Channel string         `json:"channel"`
}

// Server hosts the health endpoints.
type Server struct {
	addr    string
	stats   StatsSource
	channel string
}

// New creates a health server listening on addr.
func New(addr string, st StatsSource, channel string) *Server {
	return &Server{addr: addr, stats: st, channel: channel}
}

// Serve launches the HTTP server until the context is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()
	logging.Info().Str("addr", s.addr).Msg("health server listening")
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}

// Routes builds the router. Unknown paths get 404.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/", s.handleStatus)
	r.Get("/health", s.handleStatus)
	r.Get("/status", s.handleStatus)
	r.Get("/favicon.ico", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	})
	return r
}

// handleStatus always answers 200; liveness of the session is reported in ok.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	snap := s.stats.Snapshot()
	respondJSON(w, http.StatusOK, Status{OK: snap.Connected, Stats: snap, Channel: s.channel})
}

func (s *Server) String() string { return "health-server" }

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logging.Warn().Err(err).Msg("encode json failed")
	}
}
