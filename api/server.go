package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/runbox/execution"
	"github.com/isdmx/runbox/health"
	"github.com/isdmx/runbox/orchestrator"
	"github.com/isdmx/runbox/ratelimit"
)

// Service is the execution surface the handlers call; the orchestrator
// implements it.
type Service interface {
	Submit(ctx context.Context, req orchestrator.SubmitRequest) (*execution.Record, error)
	Cancel(ctx context.Context, id string) (*execution.Record, error)
	Retry(ctx context.Context, id string) (*execution.Record, error)
	Get(ctx context.Context, id string) (*execution.Record, error)
	ListByAgent(ctx context.Context, agentID string, limit int) ([]*execution.Record, error)
}

// Server is the REST transport.
type Server struct {
	service    Service
	aggregator *health.Aggregator
	limiter    *ratelimit.Limiter
	logger     *zap.Logger
	trustProxy bool
	histogram  *DurationHistogram

	http *http.Server
}

// NewServer builds the REST server on addr. The returned server is started
// with Start and stopped with Shutdown.
func NewServer(addr string, service Service, aggregator *health.Aggregator, limiter *ratelimit.Limiter, histogram *DurationHistogram, trustProxy bool, logger *zap.Logger) *Server {
	s := &Server{
		service:    service,
		aggregator: aggregator,
		limiter:    limiter,
		logger:     logger,
		trustProxy: trustProxy,
		histogram:  histogram,
	}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler assembles the route table
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/executions", s.rateLimited(ratelimit.CategoryExecution, s.handleSubmit))
	mux.HandleFunc("GET /api/executions/{id}", s.rateLimited(ratelimit.CategoryGeneral, s.handleGet))
	mux.HandleFunc("POST /api/executions/{id}/cancel", s.rateLimited(ratelimit.CategoryGeneral, s.handleCancel))
	mux.HandleFunc("POST /api/executions/{id}/retry", s.rateLimited(ratelimit.CategoryExecution, s.handleRetry))
	mux.HandleFunc("GET /api/agents/{agentId}/executions", s.rateLimited(ratelimit.CategoryGeneral, s.handleListByAgent))

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/ready", s.handleReady)
	mux.HandleFunc("GET /metrics", s.handleMetrics)

	return s.instrument(mux)
}

// Start begins serving in the background
func (s *Server) Start() {
	go func() {
		s.logger.Info("http server listening", zap.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server stopped", zap.Error(err))
		}
	}()
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": fmt.Sprintf("malformed request body: %v", err),
		})
		return
	}

	rec, err := s.service.Submit(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, rec)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.service.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	rec, err := s.service.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	rec, err := s.service.Retry(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, rec)
}

func (s *Server) handleListByAgent(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "limit must be a non-negative integer"})
			return
		}
		limit = parsed
	}

	records, err := s.service.ListByAgent(r.Context(), r.PathValue("agentId"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if records == nil {
		records = []*execution.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.aggregator.Liveness(r.Context())
	status := http.StatusOK
	if report.Degraded() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.aggregator.Ready(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", health.ContentType)
	_, _ = w.Write([]byte(s.aggregator.Metrics(r.Context())))
}

// writeError maps the domain error taxonomy onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var terr *execution.TransitionError

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, execution.ErrNotFound), errors.Is(err, execution.ErrAgentNotFound):
		status = http.StatusNotFound
	case errors.Is(err, execution.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, execution.ErrCapacityExceeded):
		status = http.StatusTooManyRequests
	case errors.Is(err, execution.ErrRetryExhausted), errors.As(err, &terr):
		status = http.StatusConflict
	}

	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]any{"error": err.Error()})
}
