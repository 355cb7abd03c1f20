// Package admin exposes the worker's HTTP surface: health probes, Prometheus
// metrics, and a small job management API.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/selextract/scrape-engine/internal/engine"
	"github.com/selextract/scrape-engine/internal/metrics"
	"github.com/selextract/scrape-engine/internal/taskconfig"
)

// JobDirectory is the slice of job persistence the admin API needs.
type JobDirectory interface {
	CreateJob(ctx context.Context, job engine.Job) error
	GetJob(ctx context.Context, jobID string) (engine.Job, error)
	ListAttempts(ctx context.Context, jobID string) ([]engine.ExecutionAttempt, error)
	Cancel(ctx context.Context, jobID string) error
}

// Server wires HTTP handlers to the queue and job store.
type Server struct {
	router chi.Router
	jobs   JobDirectory
	queue  engine.Queue
	idGen  engine.IDGenerator
	clock  engine.Clock
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	jobs JobDirectory,
	queue engine.Queue,
	idGen engine.IDGenerator,
	clock engine.Clock,
	logger *zap.Logger,
) *Server {
	s := &Server{
		jobs:   jobs,
		queue:  queue,
		idGen:  idGen,
		clock:  clock,
		logger: logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(metrics.Middleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.submitJob)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/status", s.getJobStatus)
				r.Get("/attempts", s.getJobAttempts)
				r.Post("/cancel", s.cancelJob)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type submitJobRequest struct {
	OwnerID string          `json:"owner_id"`
	Type    engine.JobType  `json:"type"`
	Config  json.RawMessage `json:"config"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.OwnerID == "" {
		s.writeError(w, http.StatusBadRequest, "owner_id required")
		return
	}
	// Reject invalid configurations at the door; the runner re-validates on
	// dequeue so a stale message can never bypass the rules.
	if _, err := taskconfig.Validate(req.Type, req.Config); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	jobID, err := s.enqueueJob(r.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusRequestTimeout
		}
		s.writeError(w, status, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (s *Server) getJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.jobs.GetJob(r.Context(), jobID)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) getJobAttempts(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if _, err := s.jobs.GetJob(r.Context(), jobID); err != nil {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	attempts, err := s.jobs.ListAttempts(r.Context(), jobID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to fetch job attempts")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"job_id": jobID, "attempts": attempts})
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if err := s.jobs.Cancel(r.Context(), jobID); err != nil {
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID, "status": "cancellation requested"})
}

func (s *Server) enqueueJob(ctx context.Context, req submitJobRequest) (string, error) {
	jobID, err := s.idGen.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	job := engine.Job{
		ID:        jobID,
		OwnerID:   req.OwnerID,
		Type:      req.Type,
		Status:    engine.JobStatusPending,
		RawConfig: req.Config,
		CreatedAt: s.clock.Now(),
	}
	if err := s.jobs.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	queueCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	msg := engine.TaskMessage{
		JobID:   jobID,
		JobType: req.Type,
		Config:  req.Config,
	}
	if err := s.queue.Enqueue(queueCtx, msg); err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	return jobID, nil
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

type requestIDKey struct{}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
