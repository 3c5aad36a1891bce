// Package api exposes the orchestrator over HTTP: trigger, status,
// cursor-paginated progress, and cancellation.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/videoforge/stitchd/pkg/logging"
	"github.com/videoforge/stitchd/pkg/models"
	"github.com/videoforge/stitchd/pkg/orchestrator"
	"github.com/videoforge/stitchd/pkg/store"
)

const defaultProgressLimit = 50

// Handler handles job API requests
type Handler struct {
	orch   *orchestrator.Orchestrator
	logger *logging.Logger
}

// NewHandler creates a new API handler
func NewHandler(orch *orchestrator.Orchestrator, logger *logging.Logger) *Handler {
	return &Handler{orch: orch, logger: logger}
}

// RegisterRoutes registers all API routes
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/jobs", h.TriggerJob).Methods("POST")
	r.HandleFunc("/jobs", h.ListJobs).Methods("GET")
	r.HandleFunc("/jobs/{id}", h.GetJob).Methods("GET")
	r.HandleFunc("/jobs/{id}/progress", h.GetProgress).Methods("GET")
	r.HandleFunc("/jobs/{id}/cancel", h.CancelJob).Methods("POST")
	r.HandleFunc("/health", h.Health).Methods("GET")
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	JobID   string `json:"job_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// TriggerJob creates a job and dispatches it. Duplicate triggers for an
// already-active fingerprint return 409 with the existing job's id.
func (h *Handler) TriggerJob(w http.ResponseWriter, r *http.Request) {
	var req models.TriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:   string(models.ErrCodeInvalidInput),
			Message: "invalid request body",
		})
		return
	}

	handle, err := h.orch.Trigger(r.Context(), &req)
	if err != nil {
		var dup *store.DuplicateJobError
		if errors.As(err, &dup) {
			writeJSON(w, http.StatusConflict, errorResponse{
				Error:   "duplicate_job",
				Message: "an active job already exists for this target",
				JobID:   dup.ExistingJobID,
			})
			return
		}

		var jobErr *models.JobError
		if errors.As(err, &jobErr) {
			status := http.StatusBadRequest
			if jobErr.Code == models.ErrCodeDispatchError {
				status = http.StatusServiceUnavailable
			}
			writeJSON(w, status, errorResponse{
				Error:   string(jobErr.Code),
				Message: jobErr.Message,
			})
			return
		}

		h.logger.Error("Trigger failed", map[string]interface{}{"error": err.Error()})
		writeJSON(w, http.StatusInternalServerError, errorResponse{
			Error:   string(models.ErrCodeInternal),
			Message: "failed to create job",
		})
		return
	}

	writeJSON(w, http.StatusCreated, handle)
}

// ListJobs returns all job records
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.orch.ListJobs()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{
			Error:   string(models.ErrCodeInternal),
			Message: "failed to list jobs",
		})
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

// GetJob returns the job record
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	job, err := h.orch.GetStatus(id)
	if err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "not_found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, errorResponse{
			Error:   string(models.ErrCodeInternal),
			Message: "failed to read job",
		})
		return
	}

	writeJSON(w, http.StatusOK, job)
}

// progressResponse is the polling payload: new entries past the cursor,
// the current job record, and whether more entries remain
type progressResponse struct {
	Logs      []*models.ProgressLogEntry `json:"logs"`
	JobStatus *models.Job                `json:"job_status"`
	HasMore   bool                       `json:"has_more"`
}

// GetProgress returns progress entries with log_number greater than the
// `since` cursor, capped at `limit`
func (h *Handler) GetProgress(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	since := int64(0)
	if v := r.URL.Query().Get("since"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil || parsed < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{
				Error:   string(models.ErrCodeInvalidInput),
				Message: "since must be a non-negative integer",
			})
			return
		}
		since = parsed
	}

	limit := defaultProgressLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{
				Error:   string(models.ErrCodeInvalidInput),
				Message: "limit must be a positive integer",
			})
			return
		}
		if parsed > defaultProgressLimit {
			parsed = defaultProgressLimit
		}
		limit = parsed
	}

	entries, job, hasMore, err := h.orch.ListProgress(id, since, limit)
	if err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "not_found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, errorResponse{
			Error:   string(models.ErrCodeInternal),
			Message: "failed to read progress",
		})
		return
	}

	if entries == nil {
		entries = []*models.ProgressLogEntry{}
	}
	writeJSON(w, http.StatusOK, progressResponse{
		Logs:      entries,
		JobStatus: job,
		HasMore:   hasMore,
	})
}

type cancelResponse struct {
	Accepted bool `json:"accepted"`
}

// CancelJob requests cooperative cancellation. Accepted is false when the
// job already reached a terminal state.
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	accepted, err := h.orch.Cancel(id)
	if err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "not_found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, errorResponse{
			Error:   string(models.ErrCodeInternal),
			Message: "failed to cancel job",
		})
		return
	}

	writeJSON(w, http.StatusOK, cancelResponse{Accepted: accepted})
}

// Health reports service liveness
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
