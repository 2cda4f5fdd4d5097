// Package api exposes the coordination core over HTTP: job submission,
// status reads, listing, cancel and the health probe.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/karimbenali/billetcore/internal/apperrors"
	"github.com/karimbenali/billetcore/internal/circuitbreaker"
	"github.com/karimbenali/billetcore/internal/db"
	"github.com/karimbenali/billetcore/internal/generation"
)

// JobService is the generation surface the handlers call.
type JobService interface {
	Submit(ctx context.Context, req *generation.SubmitRequest) (*generation.SubmitResult, error)
	GetStatus(ctx context.Context, jobID uuid.UUID) (*generation.JobStatus, error)
	ListByEvent(ctx context.Context, eventID int64, state string, page, limit int) (*generation.JobPage, error)
	Cancel(ctx context.Context, jobID uuid.UUID) (*db.GenerationJob, error)
}

// HealthChecker probes database liveness for the health endpoint.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// BreakerStats exposes circuit breaker counters on the health surface.
type BreakerStats interface {
	Stats() circuitbreaker.Stats
}

// Handler holds the HTTP handler dependencies.
type Handler struct {
	jobs     JobService
	db       HealthChecker
	breakers []BreakerStats
	logger   *zap.Logger
}

// NewHandler creates the API handler.
func NewHandler(jobs JobService, db HealthChecker, breakers []BreakerStats, logger *zap.Logger) *Handler {
	return &Handler{jobs: jobs, db: db, breakers: breakers, logger: logger}
}

// Routes mounts the handler on a chi router.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/tickets/jobs", h.SubmitJob)
	r.Get("/tickets/generation/{job_id}", h.GetJobStatus)
	r.Delete("/tickets/generation/{job_id}", h.CancelJob)
	r.Get("/events/{event_id}/tickets/generation", h.ListEventJobs)
	r.Get("/health", h.Health)
}

// SubmitJob handles POST /tickets/jobs.
func (h *Handler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req generation.SubmitRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	result, err := h.jobs.Submit(r.Context(), &req)
	if err != nil {
		h.logError(r, "submit generation job", err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, result)
}

// GetJobStatus handles GET /tickets/generation/{job_id}.
func (h *Handler) GetJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "job_id"))
	if err != nil {
		writeError(w, apperrors.New(apperrors.CodeValidation,
			"job_id doit être un UUID valide"))
		return
	}

	status, err := h.jobs.GetStatus(r.Context(), jobID)
	if err != nil {
		h.logError(r, "read generation job status", err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, status)
}

// CancelJob handles DELETE /tickets/generation/{job_id}.
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "job_id"))
	if err != nil {
		writeError(w, apperrors.New(apperrors.CodeValidation,
			"job_id doit être un UUID valide"))
		return
	}

	job, err := h.jobs.Cancel(r.Context(), jobID)
	if err != nil {
		h.logError(r, "cancel generation job", err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, job)
}

// ListEventJobs handles GET /events/{event_id}/tickets/generation.
func (h *Handler) ListEventJobs(w http.ResponseWriter, r *http.Request) {
	eventID, err := strconv.ParseInt(chi.URLParam(r, "event_id"), 10, 64)
	if err != nil {
		writeError(w, apperrors.New(apperrors.CodeValidation,
			"event_id doit être un entier"))
		return
	}

	page := queryInt(r, "page", 1)
	limit := queryInt(r, "limit", 20)
	status := r.URL.Query().Get("status")

	result, err := h.jobs.ListByEvent(r.Context(), eventID, status, page, limit)
	if err != nil {
		h.logError(r, "list generation jobs", err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// Health handles GET /health: database liveness plus breaker states.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	body := map[string]any{"status": "ok"}

	var breakers []circuitbreaker.Stats
	for _, b := range h.breakers {
		breakers = append(breakers, b.Stats())
	}
	if len(breakers) > 0 {
		body["breakers"] = breakers
	}

	if err := h.db.Health(ctx); err != nil {
		h.logger.Error("health probe failed", zap.Error(err))
		body["status"] = "unavailable"
		body["database"] = "down"
		w.Header().Set("Retry-After", "5")
		writeJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	body["database"] = "up"

	writeJSON(w, http.StatusOK, body)
}

// logError keeps internal causes out of responses but in the log, keyed by
// the error id echoed to the caller.
func (h *Handler) logError(r *http.Request, op string, err error) {
	typed := apperrors.As(err)
	fields := []zap.Field{
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Error(err),
	}
	if typed != nil && typed.ErrorID() != "" {
		fields = append(fields, zap.String("error_id", typed.ErrorID()))
	}

	if typed != nil && typed.Code() != apperrors.CodeInternal {
		h.logger.Warn(op+" rejected", fields...)
		return
	}
	h.logger.Error(op+" failed", fields...)
}
