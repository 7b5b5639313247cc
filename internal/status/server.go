package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/aceteam-ai/streamworker/internal/usage"
	"github.com/aceteam-ai/streamworker/internal/worker"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// OutcomeSource lists recent processing outcomes. usage.Store implements it.
type OutcomeSource interface {
	Recent(ctx context.Context, limit int) ([]usage.Record, error)
	CountByStatus(ctx context.Context) (map[string]int64, error)
}

// Server provides the probe, metrics and admin HTTP surface of a worker.
type Server struct {
	cfg        ServerConfig
	health     *Health
	httpServer *http.Server
	log        *slog.Logger
}

// ServerConfig holds configuration for the status server. Optional
// components leave their routes unregistered when nil.
type ServerConfig struct {
	Port    int    // HTTP server port (default: 8081)
	Version string // build version reported by the probes

	Gatherer  prometheus.Gatherer // default: prometheus.DefaultGatherer
	Collector *Collector
	Info      worker.InfoProvider
	DLQ       worker.DeadLetterStore
	Outcomes  OutcomeSource

	Logger *slog.Logger
}

// NewServer creates a new status HTTP server.
func NewServer(cfg ServerConfig, health *Health) *Server {
	if cfg.Port == 0 {
		cfg.Port = 8081
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if health == nil {
		health = NewHealth(nil)
	}
	return &Server{cfg: cfg, health: health, log: cfg.Logger}
}

// Handler returns the router with every configured route.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleLive)
	r.Get("/healthz", s.handleLive)
	r.Get("/ready", s.handleReady)
	r.Get("/readyz", s.handleReady)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))

	if s.cfg.Info != nil {
		r.Get("/stream/info", s.handleStreamInfo)
	}
	if s.cfg.Collector != nil {
		r.Get("/status", s.handleStatus)
	}

	r.Route("/admin", func(r chi.Router) {
		if s.cfg.DLQ != nil {
			r.Get("/dlq/list", s.handleDLQList)
			r.Post("/dlq/replay", s.handleDLQReplay)
			r.Post("/dlq/delete", s.handleDLQDelete)
			r.Get("/dlq/{id}", s.handleDLQPeek)
		}
		if s.cfg.Outcomes != nil {
			r.Get("/jobs/recent", s.handleRecentJobs)
			r.Get("/jobs/summary", s.handleJobSummary)
		}
	})
	return r
}

// Start begins listening for HTTP requests.
// This method blocks until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Port),
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()
	s.log.Info("status server listening", "port", s.cfg.Port)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errChan:
		return fmt.Errorf("status server: %w", err)
	}
}

// Port returns the port the server is configured to listen on.
func (s *Server) Port() int {
	return s.cfg.Port
}

// handleLive reports liveness.
// GET /health, /healthz
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	connected, healthy := s.health.Snapshot()
	resp := HealthResponse{
		Status:           HealthStatusOK,
		Version:          s.cfg.Version,
		StreamConnected:  connected,
		ProcessorHealthy: healthy,
	}
	code := http.StatusOK
	if !healthy {
		resp.Status = HealthStatusUnhealthy
		resp.Reason = "processor unhealthy"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

// handleReady reports readiness.
// GET /ready, /readyz
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ready, reason := s.health.Ready(r.Context())
	connected, healthy := s.health.Snapshot()
	resp := HealthResponse{
		Status:           HealthStatusOK,
		Version:          s.cfg.Version,
		StreamConnected:  connected,
		ProcessorHealthy: healthy,
	}
	code := http.StatusOK
	if !ready {
		resp.Status = HealthStatusUnhealthy
		resp.Reason = reason
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

// GET /stream/info
func (s *Server) handleStreamInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.cfg.Info.Info(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Sprintf("Failed to read stream info: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// GET /status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.cfg.Collector.Collect(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to collect status: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// GET /admin/dlq/list?limit=N
func (s *Server) handleDLQList(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := s.cfg.DLQ.List(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []*worker.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(entries),
		"entries": entries,
	})
}

// GET /admin/dlq/{id}
func (s *Server) handleDLQPeek(w http.ResponseWriter, r *http.Request) {
	entry, err := s.cfg.DLQ.Peek(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// POST /admin/dlq/replay {"ids": [...]}
func (s *Server) handleDLQReplay(w http.ResponseWriter, r *http.Request) {
	s.batch(w, r, "replay", func(ctx context.Context, id string) (string, error) {
		return s.cfg.DLQ.Replay(ctx, id)
	})
}

// POST /admin/dlq/delete {"ids": [...]}
func (s *Server) handleDLQDelete(w http.ResponseWriter, r *http.Request) {
	s.batch(w, r, "delete", func(ctx context.Context, id string) (string, error) {
		return "", s.cfg.DLQ.Delete(ctx, id)
	})
}

func (s *Server) batch(w http.ResponseWriter, r *http.Request, op string, fn func(context.Context, string) (string, error)) {
	var req IDsRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if len(req.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "ids must not be empty")
		return
	}

	resp := BatchResponse{Results: make([]ItemResult, 0, len(req.IDs))}
	for _, id := range req.IDs {
		newID, err := fn(r.Context(), id)
		res := ItemResult{ID: id, NewID: newID}
		if err != nil {
			res.Error = err.Error()
			resp.Failed++
			s.log.Warn("DLQ admin operation failed", "op", op, "id", id, "error", err)
		} else {
			resp.Succeeded++
		}
		resp.Results = append(resp.Results, res)
	}
	s.log.Info("DLQ admin operation", "op", op, "succeeded", resp.Succeeded, "failed", resp.Failed)
	writeJSON(w, http.StatusOK, resp)
}

// GET /admin/jobs/recent?limit=N
func (s *Server) handleRecentJobs(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	records, err := s.cfg.Outcomes.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if records == nil {
		records = []usage.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count": len(records),
		"jobs":  records,
	})
}

func (s *Server) handleJobSummary(w http.ResponseWriter, r *http.Request) {
	counts, err := s.cfg.Outcomes.CountByStatus(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	var total int64
	for _, n := range counts {
		total += n
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":     total,
		"by_status": counts,
	})
}

func queryLimit(r *http.Request, def int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > 10000 {
		return 0, fmt.Errorf("limit must be an integer between 1 and 10000")
	}
	return n, nil
}

func statusFor(err error) int {
	if errors.Is(err, worker.ErrEntryNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
