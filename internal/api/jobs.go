package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"polyvox/pkg/model"
)

// JobService defines the engine operations the API exposes.
type JobService interface {
	Submit(ctx context.Context, owner string, jobType model.JobType, backend string, input model.JobInput) (*model.Job, error)
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context, owner string, limit int) ([]*model.Job, error)
	Cancel(ctx context.Context, id string) error
}

// JobHandler handles the job lifecycle endpoints.
type JobHandler struct {
	jobs JobService
}

// NewJobHandler creates a new JobHandler.
func NewJobHandler(jobs JobService) *JobHandler {
	return &JobHandler{jobs: jobs}
}

// SubmitRequest is the body of POST /api/jobs.
type SubmitRequest struct {
	Owner   string         `json:"owner"`
	Type    model.JobType  `json:"type"`
	Backend string         `json:"backend"`
	Input   model.JobInput `json:"input"`
}

// JobResponse is the external view of a job.
type JobResponse struct {
	ID           string              `json:"id"`
	Owner        string              `json:"owner"`
	Type         model.JobType       `json:"type"`
	Status       model.JobStatus     `json:"status"`
	Backend      string              `json:"backend"`
	Input        model.JobInput      `json:"input"`
	ResultURL    string              `json:"result_url,omitempty"`
	ResultType   string              `json:"result_type,omitempty"`
	Mode         model.SynthesisMode `json:"mode,omitempty"`
	DurationMs   int64               `json:"duration_ms,omitempty"`
	ErrorMessage string              `json:"error_message,omitempty"`
	RetryCount   int                 `json:"retry_count"`
	CreatedAt    time.Time           `json:"created_at"`
	StartedAt    time.Time           `json:"started_at,omitzero"`
	CompletedAt  time.Time           `json:"completed_at,omitzero"`
}

func jobResponse(job *model.Job) JobResponse {
	return JobResponse{
		ID:           job.ID,
		Owner:        job.Owner,
		Type:         job.Type,
		Status:       job.Status,
		Backend:      job.Backend,
		Input:        job.Input,
		ResultURL:    job.ResultURL,
		ResultType:   job.ResultType,
		Mode:         job.Mode,
		DurationMs:   job.DurationMs,
		ErrorMessage: job.ErrorMessage,
		RetryCount:   job.RetryCount,
		CreatedAt:    job.CreatedAt,
		StartedAt:    job.StartedAt,
		CompletedAt:  job.CompletedAt,
	}
}

// HandleSubmit handles POST /api/jobs
func (h *JobHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Error("API: HandleSubmit decode error", "error", err)
		writeError(w, model.NewValidationError("invalid request body: %v", err))
		return
	}

	job, err := h.jobs.Submit(r.Context(), req.Owner, req.Type, req.Backend, req.Input)
	if err != nil {
		writeError(w, err)
		return
	}

	slog.Info("API: job submitted", "job", job.ID, "type", job.Type, "backend", job.Backend)
	writeJSON(w, http.StatusCreated, jobResponse(job))
}

// HandleGet handles GET /api/jobs/{id}
func (h *JobHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, err := h.jobs.GetJob(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if job == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "job not found"})
		return
	}
	writeJSON(w, http.StatusOK, jobResponse(job))
}

// HandleList handles GET /api/jobs?owner=...&limit=...
func (h *JobHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		writeError(w, model.NewValidationError("owner query parameter is required"))
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, model.NewValidationError("limit must be a positive integer"))
			return
		}
		limit = n
	}

	jobs, err := h.jobs.ListJobs(r.Context(), owner, limit)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := make([]JobResponse, 0, len(jobs))
	for _, job := range jobs {
		resp = append(resp, jobResponse(job))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": resp})
}

// HandleCancel handles POST /api/jobs/{id}/cancel
func (h *JobHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, err := h.jobs.GetJob(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if job == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "job not found"})
		return
	}

	if err := h.jobs.Cancel(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}

	slog.Info("API: job cancelled", "job", id)
	if job, err = h.jobs.GetJob(r.Context(), id); err != nil || job == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": string(model.StatusCancelled)})
		return
	}
	writeJSON(w, http.StatusOK, jobResponse(job))
}
