// Package httpserver exposes the engine's admin REST surface: health,
// engine-wide metrics, per-session status and cancellation, and ledger
// queries.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tokligence/streamflow/internal/coordinator"
	"github.com/tokligence/streamflow/internal/ledger"
	"github.com/tokligence/streamflow/internal/metrics"
	"github.com/tokligence/streamflow/internal/stream"
)

// Config configures the admin server.
type Config struct {
	Addr        string
	Coordinator *coordinator.Coordinator
	Collector   *metrics.Collector
	Ledger      ledger.Store // nil disables the outcome endpoints
	Logger      *log.Logger
	Version     string
}

// Server serves the admin API over HTTP.
type Server struct {
	cfg    Config
	logger *log.Logger
	srv    *http.Server
}

// New builds the server; call Start to begin listening.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[httpserver] ", log.LstdFlags|log.Lmicroseconds)
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8084"
	}
	s := &Server{cfg: cfg, logger: logger}
	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router builds the chi router for the admin surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/version", s.handleVersion)

	r.Route("/api/v1", func(api chi.Router) {
		api.Get("/metrics", s.handleEngineMetrics)
		api.Get("/streams", s.handleListStreams)
		api.Get("/streams/{id}/status", s.handleStreamStatus)
		api.Get("/streams/{id}/metrics", s.handleStreamMetrics)
		api.Post("/streams/{id}/cancel", s.handleStreamCancel)
		if s.cfg.Ledger != nil {
			api.Get("/outcomes", s.handleOutcomes)
			api.Get("/outcomes/summary", s.handleOutcomeSummary)
		}
	})
	return r
}

// Start listens until the server is shut down. http.ErrServerClosed is
// swallowed so a clean shutdown returns nil.
func (s *Server) Start() error {
	s.logger.Printf("admin API listening on %s", s.cfg.Addr)
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"version": s.cfg.Version})
}

func (s *Server) handleEngineMetrics(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Collector == nil {
		s.respondError(w, http.StatusNotFound, errors.New("collector disabled"))
		return
	}
	s.respondJSON(w, http.StatusOK, s.cfg.Collector.Snapshot())
}

func (s *Server) handleListStreams(w http.ResponseWriter, r *http.Request) {
	states := s.cfg.Coordinator.Sessions()
	out := make(map[string]string, len(states))
	for id, st := range states {
		out[id] = string(st)
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"streams": out})
}

func (s *Server) handleStreamStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.cfg.Coordinator.Session(id)
	if err != nil {
		s.respondStreamError(w, err)
		return
	}
	resp := map[string]any{
		"session_id":        sess.ID,
		"state":             string(sess.State()),
		"recovery_attempts": sess.RecoveryAttempts(),
		"started_at":        sess.StartedAt().UTC().Format(time.RFC3339Nano),
	}
	if last := sess.LastChunkAt(); !last.IsZero() {
		resp["last_chunk_at"] = last.UTC().Format(time.RFC3339Nano)
	}
	if err := sess.Err(); err != nil {
		resp["error"] = err.Error()
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStreamMetrics(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.cfg.Coordinator.Session(id)
	if err != nil {
		s.respondStreamError(w, err)
		return
	}
	m := sess.Metrics()
	s.respondJSON(w, http.StatusOK, map[string]any{
		"session_id":            sess.ID,
		"chunks_received":       m.ChunksReceived,
		"bytes_received":        m.BytesReceived,
		"chunks_per_second":     m.ChunksPerSecond,
		"bytes_per_second":      m.BytesPerSecond,
		"duration_ms":           m.Duration.Milliseconds(),
		"backpressure_events":   m.BackpressureEvents,
		"buffer_peak_occupancy": m.BufferPeakOccupancy,
		"dropped_chunks":        m.DroppedChunks,
		"parse_errors":          m.ParseErrors,
		"validation_rejects":    m.ValidationRejects,
	})
}

func (s *Server) handleStreamCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.cfg.Coordinator.CancelStream(id); err != nil {
		s.respondStreamError(w, err)
		return
	}
	st, _ := s.cfg.Coordinator.StreamStatus(id)
	s.respondJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"state":      string(st),
	})
}

func (s *Server) handleOutcomes(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.respondError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = n
	}
	rows, err := s.cfg.Ledger.ListRecent(r.Context(), limit)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"outcomes": rows})
}

func (s *Server) handleOutcomeSummary(w http.ResponseWriter, r *http.Request) {
	family := r.URL.Query().Get("model_family")
	sum, err := s.cfg.Ledger.Summary(r.Context(), family)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, sum)
}

func (s *Server) respondStreamError(w http.ResponseWriter, err error) {
	if errors.Is(err, stream.ErrSessionNotFound) {
		s.respondError(w, http.StatusNotFound, err)
		return
	}
	s.respondError(w, http.StatusInternalServerError, err)
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Printf("encode response: %v", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, err error) {
	s.respondJSON(w, status, map[string]string{"error": err.Error()})
}
