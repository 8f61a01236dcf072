package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	jobid "github.com/JakeFAU/repo-scanner/internal/id/uuid"
	"github.com/JakeFAU/repo-scanner/internal/store"
)

const (
	defaultJobLimit = 50
	maxJobLimit     = 500
	historyTimeout  = 3 * time.Second
)

// ProgressHandler serves the archived job history under /api/jobs. It reads
// the job-run archive, so it keeps answering after the in-memory registry has
// dropped a job.
type ProgressHandler struct {
	repo    store.ProgressRepository
	timeout time.Duration
	logger  *zap.Logger
}

// NewProgressHandler returns a handler over repo. A nil repo answers 503.
func NewProgressHandler(repo store.ProgressRepository, logger *zap.Logger) *ProgressHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProgressHandler{repo: repo, timeout: historyTimeout, logger: logger.Named("history")}
}

// historyQuery is the parsed filter of a list request.
type historyQuery struct {
	status *store.JobRunStatus
	limit  int
	offset int
}

// ListJobs handles GET /api/jobs?status=&limit=&offset=.
func (h *ProgressHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	ctx, cancel, ok := h.begin(w, r)
	if !ok {
		return
	}
	defer cancel()

	q, err := parseHistoryQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	runs, err := h.repo.ListJobs(ctx, q.status, q.limit, q.offset)
	if err != nil {
		h.logger.Error("list job runs", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	jobs := make([]jobDTO, 0, len(runs))
	for _, run := range runs {
		jobs = append(jobs, newJobDTO(run))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// GetJob handles GET /api/jobs/{job_id}.
func (h *ProgressHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	ctx, cancel, ok := h.begin(w, r)
	if !ok {
		return
	}
	defer cancel()

	id, err := jobid.Parse(chi.URLParam(r, "job_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job_id")
		return
	}
	run, err := h.repo.GetJob(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case err != nil:
		h.logger.Error("get job run", zap.Stringer("job_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load job")
	default:
		writeJSON(w, http.StatusOK, map[string]any{"job": newJobDTO(run)})
	}
}

// ListJobRepos handles GET /api/jobs/{job_id}/repos, ordered by repository
// index.
func (h *ProgressHandler) ListJobRepos(w http.ResponseWriter, r *http.Request) {
	ctx, cancel, ok := h.begin(w, r)
	if !ok {
		return
	}
	defer cancel()

	id, err := jobid.Parse(chi.URLParam(r, "job_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job_id")
		return
	}
	runs, err := h.repo.ListJobRepos(ctx, id)
	if err != nil {
		h.logger.Error("list repo runs", zap.Stringer("job_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list job repositories")
		return
	}
	repos := make([]repoDTO, 0, len(runs))
	for _, run := range runs {
		repos = append(repos, newRepoDTO(run))
	}
	writeJSON(w, http.StatusOK, map[string]any{"repos": repos})
}

// begin rejects requests when no archive is configured and bounds the rest
// by the handler timeout.
func (h *ProgressHandler) begin(w http.ResponseWriter, r *http.Request) (context.Context, context.CancelFunc, bool) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "job history unavailable")
		return nil, nil, false
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	return ctx, cancel, true
}

func parseHistoryQuery(r *http.Request) (historyQuery, error) {
	values := r.URL.Query()
	q := historyQuery{limit: defaultJobLimit}

	if raw := values.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return q, errors.New("invalid limit")
		}
		q.limit = min(n, maxJobLimit)
	}
	if raw := values.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return q, errors.New("invalid offset")
		}
		q.offset = n
	}
	if raw := strings.TrimSpace(values.Get("status")); raw != "" {
		status, err := parseStatus(raw)
		if err != nil {
			return q, err
		}
		q.status = &status
	}
	return q, nil
}

// parseStatus accepts the archive's own names and the registry's.
func parseStatus(input string) (store.JobRunStatus, error) {
	switch strings.ToLower(input) {
	case "running", "pending":
		return store.RunRunning, nil
	case "success", "completed":
		return store.RunSuccess, nil
	case "error", "failed", "failure":
		return store.RunError, nil
	}
	return "", errors.New("invalid status")
}

type jobDTO struct {
	JobID      string     `json:"job_id"`
	Target     string     `json:"target_url"`
	Status     string     `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      *string    `json:"error,omitempty"`
}

func newJobDTO(run store.JobRun) jobDTO {
	return jobDTO{
		JobID:      run.JobID.String(),
		Target:     run.Target,
		Status:     string(run.Status),
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		Error:      run.ErrorMessage,
	}
}

type repoDTO struct {
	Index      int        `json:"index"`
	Repo       string     `json:"repo"`
	URL        string     `json:"url,omitempty"`
	Status     string     `json:"status"`
	Files      int64      `json:"files"`
	Bytes      int64      `json:"bytes"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      *string    `json:"error,omitempty"`
}

func newRepoDTO(run store.RepoRun) repoDTO {
	return repoDTO{
		Index:      run.RepoIndex,
		Repo:       run.Repo,
		URL:        run.URL,
		Status:     run.Status,
		Files:      run.Files,
		Bytes:      run.Bytes,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		Error:      run.Error,
	}
}
