package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/remindr/internal/db"
	"github.com/lalithlochan/remindr/internal/metrics"
	"github.com/lalithlochan/remindr/internal/redis"
	"github.com/lalithlochan/remindr/internal/scheduler"
)

// Scheduler applies registration changes to the job store
type Scheduler interface {
	Generate(ctx context.Context, reg scheduler.Registration) (*scheduler.Result, error)
	AwardCPD(ctx context.Context, reg scheduler.Registration, points float64) (*db.Job, error)
	Cancel(ctx context.Context, registrationID string) (int, error)
}

// JobReader is the read side of the job store
type JobReader interface {
	GetJob(ctx context.Context, id uuid.UUID) (*db.Job, error)
	ListByEvent(ctx context.Context, eventID string, limit, offset int) ([]*db.Job, error)
	ListByRegistration(ctx context.Context, registrationID string, limit, offset int) ([]*db.Job, error)
}

// Idempotency replays responses for repeated Idempotency-Key headers
type Idempotency interface {
	Begin(ctx context.Context, scope, key string) (*redis.StoredResponse, error)
	Complete(ctx context.Context, scope, key string, resp *redis.StoredResponse) error
	Release(ctx context.Context, scope, key string) error
}

// RegistrationResponse is returned after scheduling a registration
type RegistrationResponse struct {
	RegistrationID   string    `json:"registration_id"`
	Created          []*db.Job `json:"created"`
	Existing         []db.Kind `json:"existing,omitempty"`
	Discarded        []db.Kind `json:"discarded,omitempty"`
	Incomplete       []db.Kind `json:"incomplete,omitempty"`
	ConfirmationOnly bool      `json:"confirmation_only"`
}

// CPDAwardRequest is the body of POST /v1/registrations/{id}/cpd-awards
type CPDAwardRequest struct {
	Registration scheduler.Registration `json:"registration"`
	CPDPoints    float64                `json:"cpd_points"`
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger      *zap.Logger
	scheduler   Scheduler
	jobs        JobReader
	idempotency Idempotency // nil if Redis not configured
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, sched Scheduler, jobs JobReader) *Handler {
	return &Handler{
		logger:    logger,
		scheduler: sched,
		jobs:      jobs,
	}
}

// NewHandlerWithIdempotency creates a handler that honours Idempotency-Key
func NewHandlerWithIdempotency(logger *zap.Logger, sched Scheduler, jobs JobReader, idempotency Idempotency) *Handler {
	h := NewHandler(logger, sched, jobs)
	h.idempotency = idempotency
	return h
}

// CreateRegistration handles POST /v1/registrations
// Supports idempotency via the Idempotency-Key header.
func (h *Handler) CreateRegistration(w http.ResponseWriter, r *http.Request) {
	var reg scheduler.Registration
	if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	h.idempotent(w, r, "registrations", func(ctx context.Context) (int, any, error) {
		result, err := h.scheduler.Generate(ctx, reg)
		if err != nil {
			return 0, nil, err
		}

		status := http.StatusCreated
		if len(result.Created) == 0 {
			status = http.StatusOK
		}
		return status, RegistrationResponse{
			RegistrationID:   reg.RegistrationID,
			Created:          result.Created,
			Existing:         result.Existing,
			Discarded:        result.Discarded,
			Incomplete:       result.Incomplete,
			ConfirmationOnly: result.ConfirmationOnly,
		}, nil
	})
}

// CancelRegistration handles POST /v1/registrations/{id}/cancel
func (h *Handler) CancelRegistration(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	n, err := h.scheduler.Cancel(r.Context(), id)
	if err != nil {
		h.writeSchedulerError(w, err, "Failed to cancel registration")
		return
	}

	h.logger.Info("registration cancelled",
		zap.String("registration_id", id),
		zap.Int("cancelled", n),
	)

	h.writeJSON(w, http.StatusOK, map[string]any{
		"registration_id": id,
		"cancelled":       n,
	})
}

// AwardCPD handles POST /v1/registrations/{id}/cpd-awards
func (h *Handler) AwardCPD(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req CPDAwardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.Registration.RegistrationID == "" {
		req.Registration.RegistrationID = id
	}
	if req.Registration.RegistrationID != id {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Registration mismatch",
			"registration.registration_id must match the path")
		return
	}

	h.idempotent(w, r, "cpd-awards", func(ctx context.Context) (int, any, error) {
		job, err := h.scheduler.AwardCPD(ctx, req.Registration, req.CPDPoints)
		if err != nil {
			return 0, nil, err
		}
		if job == nil {
			return http.StatusOK, map[string]any{"registration_id": id, "existing": true}, nil
		}
		return http.StatusCreated, job, nil
	})
}

// GetJob handles GET /v1/jobs/{id}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	idStr := chi.URLParam(r, "id")

	jobID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid job ID", "ID must be a valid UUID")
		return
	}

	job, err := h.jobs.GetJob(r.Context(), jobID)
	if errors.Is(err, db.ErrJobNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Job not found", "")
		return
	}
	if err != nil {
		h.logger.Error("failed to get job", zap.Error(err), zap.String("id", idStr))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get job", "")
		return
	}

	h.writeJSON(w, http.StatusOK, job)
}

// ListJobs handles GET /v1/jobs?event_id=xxx or ?registration_id=xxx
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	eventID := q.Get("event_id")
	registrationID := q.Get("registration_id")
	if (eventID == "") == (registrationID == "") {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing filter",
			"exactly one of event_id or registration_id is required")
		return
	}

	limit, offset := pagination(r)

	var (
		jobs []*db.Job
		err  error
	)
	if eventID != "" {
		jobs, err = h.jobs.ListByEvent(ctx, eventID, limit, offset)
	} else {
		jobs, err = h.jobs.ListByRegistration(ctx, registrationID, limit, offset)
	}
	if err != nil {
		h.logger.Error("failed to list jobs",
			zap.Error(err),
			zap.String("event_id", eventID),
			zap.String("registration_id", registrationID),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list jobs", "")
		return
	}
	if jobs == nil {
		jobs = []*db.Job{}
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"data":   jobs,
		"limit":  limit,
		"offset": offset,
		"count":  len(jobs),
	})
}

// idempotent runs fn once per Idempotency-Key within scope and writes its
// response. Without a key, or without Redis, fn simply runs.
func (h *Handler) idempotent(w http.ResponseWriter, r *http.Request, scope string, fn func(ctx context.Context) (int, any, error)) {
	ctx := r.Context()
	key := r.Header.Get("Idempotency-Key")
	guarded := key != "" && h.idempotency != nil

	if guarded {
		stored, err := h.idempotency.Begin(ctx, scope, key)
		switch {
		case errors.Is(err, redis.ErrRequestInFlight):
			h.writeError(w, http.StatusConflict, "duplicate_request",
				"Request is already being processed",
				"Another request with this idempotency key is in progress")
			return
		case err != nil:
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", key),
			)
			guarded = false
		case stored != nil:
			metrics.RecordIdempotencyHit()
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotency-Replayed", "true")
			w.WriteHeader(stored.StatusCode)
			_, _ = w.Write(stored.Body)
			return
		}
	}

	status, body, err := fn(ctx)
	if err != nil {
		if guarded {
			if rerr := h.idempotency.Release(ctx, scope, key); rerr != nil {
				h.logger.Warn("failed to release idempotency key", zap.Error(rerr))
			}
		}
		h.writeSchedulerError(w, err, "Failed to schedule notifications")
		return
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to encode response", "")
		return
	}

	if guarded {
		if err := h.idempotency.Complete(ctx, scope, key, &redis.StoredResponse{
			StatusCode: status,
			Body:       bytes.TrimSpace(buf.Bytes()),
		}); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", key),
			)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

func (h *Handler) writeSchedulerError(w http.ResponseWriter, err error, title string) {
	if errors.Is(err, scheduler.ErrInvalidRegistration) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid registration", err.Error())
		return
	}
	h.logger.Error(title, zap.Error(err))
	h.writeError(w, http.StatusInternalServerError, "database_error", title, "")
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Warn("failed to write response", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

func pagination(r *http.Request) (limit, offset int) {
	limit = 50
	if s := r.URL.Query().Get("limit"); s != "" {
		if l, err := strconv.Atoi(s); err == nil && l > 0 && l <= 200 {
			limit = l
		}
	}
	if s := r.URL.Query().Get("offset"); s != "" {
		if o, err := strconv.Atoi(s); err == nil && o >= 0 {
			offset = o
		}
	}
	return limit, offset
}
