package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/repo-scanner/internal/store"
)

func newMockProgressStore(t *testing.T) (*ProgressStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	ps, err := NewProgressStoreWithPool(mock)
	require.NoError(t, err)
	return ps, mock
}

func TestUpsertJobStart(t *testing.T) {
	t.Parallel()

	ps, mock := newMockProgressStore(t)
	jobID := uuid.New()
	now := time.Unix(1700000000, 0).UTC()

	mock.ExpectExec("INSERT INTO job_runs").
		WithArgs(jobID, "https://github.com/acme", now, store.RunRunning).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, ps.UpsertJobStart(context.Background(), jobID, "https://github.com/acme", now))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteJobNotFound(t *testing.T) {
	t.Parallel()

	ps, mock := newMockProgressStore(t)
	jobID := uuid.New()
	now := time.Unix(1700000000, 0).UTC()
	msg := "service shutdown"

	mock.ExpectExec("UPDATE job_runs").
		WithArgs(now, store.RunError, &msg, jobID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := ps.CompleteJob(context.Background(), jobID, now, store.RunError, &msg)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertRepoRun(t *testing.T) {
	t.Parallel()

	ps, mock := newMockProgressStore(t)
	jobID := uuid.New()
	started := time.Unix(1700000000, 0).UTC()
	finished := started.Add(time.Minute)
	run := store.RepoRun{
		JobID:      jobID,
		RepoIndex:  1,
		Repo:       "acme/web",
		URL:        "https://github.com/acme/web",
		Status:     "completed",
		StartedAt:  started,
		FinishedAt: &finished,
		Files:      10,
		Bytes:      4096,
	}

	mock.ExpectExec("INSERT INTO repo_runs").
		WithArgs(jobID, 1, "acme/web", "https://github.com/acme/web", "completed", started, &finished, int64(10), int64(4096), (*string)(nil)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, ps.UpsertRepoRun(context.Background(), run))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJob(t *testing.T) {
	t.Parallel()

	ps, mock := newMockProgressStore(t)
	jobID := uuid.New()
	started := time.Unix(1700000000, 0).UTC()
	finished := started.Add(time.Minute)

	rows := pgxmock.NewRows([]string{"job_id", "target", "started_at", "finished_at", "status", "error_message"}).
		AddRow(jobID, "https://github.com/acme", started, &finished, "success", (*string)(nil))
	mock.ExpectQuery("SELECT (.+) FROM job_runs WHERE job_id").WithArgs(jobID).WillReturnRows(rows)

	run, err := ps.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, jobID, run.JobID)
	require.Equal(t, store.RunSuccess, run.Status)
	require.Equal(t, "https://github.com/acme", run.Target)
	require.NotNil(t, run.FinishedAt)
	require.True(t, finished.Equal(*run.FinishedAt))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJobNotFound(t *testing.T) {
	t.Parallel()

	ps, mock := newMockProgressStore(t)
	jobID := uuid.New()
	mock.ExpectQuery("SELECT (.+) FROM job_runs WHERE job_id").WithArgs(jobID).WillReturnError(pgx.ErrNoRows)

	_, err := ps.GetJob(context.Background(), jobID)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListJobsFiltersByStatus(t *testing.T) {
	t.Parallel()

	ps, mock := newMockProgressStore(t)
	started := time.Unix(1700000000, 0).UTC()
	running := store.RunRunning
	filter := "running"

	rows := pgxmock.NewRows([]string{"job_id", "target", "started_at", "finished_at", "status", "error_message"}).
		AddRow(uuid.New(), "https://github.com/a/b", started, (*time.Time)(nil), "running", (*string)(nil)).
		AddRow(uuid.New(), "https://gitlab.com/c", started.Add(-time.Hour), (*time.Time)(nil), "running", (*string)(nil))
	mock.ExpectQuery("SELECT (.+) FROM job_runs").WithArgs(&filter, 20, 0).WillReturnRows(rows)

	runs, err := ps.ListJobs(context.Background(), &running, 20, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Nil(t, runs[0].FinishedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListJobRepos(t *testing.T) {
	t.Parallel()

	ps, mock := newMockProgressStore(t)
	jobID := uuid.New()
	started := time.Unix(1700000000, 0).UTC()
	errText := "Network error"

	rows := pgxmock.NewRows([]string{"job_id", "repo_index", "repo", "url", "status", "started_at", "finished_at", "files", "bytes", "error"}).
		AddRow(jobID, 0, "acme/api", "https://github.com/acme/api", "scanning", started, (*time.Time)(nil), int64(0), int64(0), (*string)(nil)).
		AddRow(jobID, 1, "acme/web", "https://github.com/acme/web", "failed", started, &started, int64(3), int64(100), &errText)
	mock.ExpectQuery("SELECT (.+) FROM repo_runs").WithArgs(jobID).WillReturnRows(rows)

	runs, err := ps.ListJobRepos(context.Background(), jobID)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, "acme/api", runs[0].Repo)
	require.Equal(t, 1, runs[1].RepoIndex)
	require.NotNil(t, runs[1].Error)
	require.Equal(t, "Network error", *runs[1].Error)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS job_runs").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, EnsureSchema(context.Background(), mock))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	ps, mock := newMockProgressStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS job_runs").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, ps.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
