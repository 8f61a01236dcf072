package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/repo-scanner/internal/config"
	"github.com/JakeFAU/repo-scanner/internal/store"
)

func TestProgressHandlerListJobs(t *testing.T) {
	t.Parallel()

	jobID := uuid.New()
	repo := &mockProgressRepo{
		jobs: []store.JobRun{
			{
				JobID:     jobID,
				Target:    "https://github.com/acme/widgets",
				Status:    store.RunSuccess,
				StartedAt: time.Now().Add(-time.Hour),
			},
		},
	}
	handler := NewProgressHandler(repo, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/api/jobs?status=success&limit=10", nil)
	rec := httptest.NewRecorder()

	handler.ListJobs(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Jobs []map[string]any `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Jobs, 1)
	require.Equal(t, jobID.String(), body.Jobs[0]["job_id"])
	require.NotNil(t, repo.lastStatus)
	require.Equal(t, store.RunSuccess, *repo.lastStatus)
	require.Equal(t, 10, repo.lastLimit)
}

func TestProgressHandlerListJobsInvalidStatus(t *testing.T) {
	t.Parallel()

	handler := NewProgressHandler(&mockProgressRepo{}, zap.NewNop())
	rec := httptest.NewRecorder()
	handler.ListJobs(rec, httptest.NewRequest(http.MethodGet, "/api/jobs?status=bogus", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProgressHandlerListJobsClampsLimit(t *testing.T) {
	t.Parallel()

	repo := &mockProgressRepo{}
	handler := NewProgressHandler(repo, zap.NewNop())
	rec := httptest.NewRecorder()
	handler.ListJobs(rec, httptest.NewRequest(http.MethodGet, "/api/jobs?limit=100000&offset=5", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, maxJobLimit, repo.lastLimit)
	require.Equal(t, 5, repo.lastOffset)
}

func TestProgressHandlerGetJobNotFound(t *testing.T) {
	t.Parallel()

	repo := &mockProgressRepo{err: store.ErrNotFound}
	handler := NewProgressHandler(repo, zap.NewNop())

	jobID := uuid.New()
	req := httptest.NewRequest(http.MethodGet, "/api/jobs/"+jobID.String(), nil)
	req = withJobIDParam(req, jobID.String())
	rec := httptest.NewRecorder()

	handler.GetJob(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProgressHandlerGetJobInvalidID(t *testing.T) {
	t.Parallel()

	handler := NewProgressHandler(&mockProgressRepo{}, zap.NewNop())
	req := withJobIDParam(httptest.NewRequest(http.MethodGet, "/api/jobs/nope", nil), "nope")
	rec := httptest.NewRecorder()

	handler.GetJob(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProgressHandlerListJobRepos(t *testing.T) {
	t.Parallel()

	errText := "archive download failed: status 404"
	repo := &mockProgressRepo{
		repos: []store.RepoRun{
			{RepoIndex: 0, Repo: "acme/one", Status: "completed", Files: 12},
			{RepoIndex: 1, Repo: "acme/two", Status: "failed", Error: &errText},
		},
	}
	handler := NewProgressHandler(repo, zap.NewNop())
	jobID := uuid.New()
	req := withJobIDParam(httptest.NewRequest(http.MethodGet, "/api/jobs/"+jobID.String()+"/repos", nil), jobID.String())
	rec := httptest.NewRecorder()

	handler.ListJobRepos(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Repos []repoDTO `json:"repos"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Repos, 2)
	require.Equal(t, int64(12), body.Repos[0].Files)
	require.Equal(t, errText, *body.Repos[1].Error)
}

func TestProgressHandlerListJobReposError(t *testing.T) {
	t.Parallel()

	handler := NewProgressHandler(&mockProgressRepo{err: errors.New("boom")}, zap.NewNop())
	jobID := uuid.New()
	req := withJobIDParam(httptest.NewRequest(http.MethodGet, "/api/jobs/"+jobID.String()+"/repos", nil), jobID.String())
	rec := httptest.NewRecorder()

	handler.ListJobRepos(rec, req)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestProgressHandlerUnavailable(t *testing.T) {
	t.Parallel()

	handler := NewProgressHandler(nil, nil)
	rec := httptest.NewRecorder()
	handler.ListJobs(rec, httptest.NewRequest(http.MethodGet, "/api/jobs", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestProgressRoutesMounted(t *testing.T) {
	t.Parallel()

	jobID := uuid.New()
	repo := &mockProgressRepo{jobs: []store.JobRun{{JobID: jobID, Status: store.RunRunning}}}
	server := NewServer(Deps{Scans: newFakeScans(), History: repo}, config.Config{}, zap.NewNop())

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/jobs/"+jobID.String(), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"running"`)
}

type mockProgressRepo struct {
	jobs  []store.JobRun
	repos []store.RepoRun
	err   error

	lastStatus *store.JobRunStatus
	lastLimit  int
	lastOffset int
}

func (m *mockProgressRepo) UpsertJobStart(context.Context, uuid.UUID, string, time.Time) error {
	return m.err
}

func (m *mockProgressRepo) CompleteJob(context.Context, uuid.UUID, time.Time, store.JobRunStatus, *string) error {
	return m.err
}

func (m *mockProgressRepo) UpsertRepoRun(context.Context, store.RepoRun) error {
	return m.err
}

func (m *mockProgressRepo) GetJob(context.Context, uuid.UUID) (store.JobRun, error) {
	if len(m.jobs) > 0 {
		return m.jobs[0], nil
	}
	return store.JobRun{}, m.err
}

func (m *mockProgressRepo) ListJobs(_ context.Context, status *store.JobRunStatus, limit, offset int) ([]store.JobRun, error) {
	m.lastStatus = status
	m.lastLimit = limit
	m.lastOffset = offset
	return m.jobs, m.err
}

func (m *mockProgressRepo) ListJobRepos(context.Context, uuid.UUID) ([]store.RepoRun, error) {
	return m.repos, m.err
}

func withJobIDParam(r *http.Request, jobID string) *http.Request {
	ctx := chi.NewRouteContext()
	ctx.URLParams.Add("job_id", jobID)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, ctx))
}
