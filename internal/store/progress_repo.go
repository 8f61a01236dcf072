package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("progress record not found")

// JobRunStatus mirrors the job_runs status column.
type JobRunStatus string

// Job run statuses persisted in job_runs.status.
const (
	RunRunning JobRunStatus = "running"
	RunSuccess JobRunStatus = "success"
	RunError   JobRunStatus = "error"
)

// JobRun models one row of job_runs.
type JobRun struct {
	JobID     uuid.UUID
	Target    string
	StartedAt time.Time
	// FinishedAt is nil until the run is marked success or error.
	FinishedAt   *time.Time
	Status       JobRunStatus
	ErrorMessage *string
}

// RepoRun models one row of repo_runs, keyed by (job, repo index).
type RepoRun struct {
	JobID      uuid.UUID
	RepoIndex  int
	Repo       string
	URL        string
	Status     string
	StartedAt  time.Time
	FinishedAt *time.Time
	Files      int64
	Bytes      int64
	Error      *string
}

// ProgressRepository persists job and repository milestones.
type ProgressRepository interface {
	// UpsertJobStart inserts the run or idempotently refreshes started_at.
	UpsertJobStart(ctx context.Context, jobID uuid.UUID, target string, startedAt time.Time) error
	// CompleteJob marks the run finished with the provided status and error.
	CompleteJob(ctx context.Context, jobID uuid.UUID, finishedAt time.Time, status JobRunStatus, errMsg *string) error
	// UpsertRepoRun records a repository's latest milestone. Non-empty fields
	// of run overwrite stored ones.
	UpsertRepoRun(ctx context.Context, run RepoRun) error

	// GetJob loads a single job run or returns ErrNotFound.
	GetJob(ctx context.Context, jobID uuid.UUID) (JobRun, error)
	// ListJobs returns job runs filtered by optional status plus limit/offset.
	ListJobs(ctx context.Context, status *JobRunStatus, limit, offset int) ([]JobRun, error)
	// ListJobRepos returns repository rows for a job ordered by index.
	ListJobRepos(ctx context.Context, jobID uuid.UUID) ([]RepoRun, error)
}
