package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/repo-scanner/internal/store"
)

// ProgressStore implements store.ProgressRepository over job_runs and repo_runs.
type ProgressStore struct {
	pool querier
}

var _ store.ProgressRepository = (*ProgressStore)(nil)

// NewProgressStore opens a pool for cfg.
func NewProgressStore(ctx context.Context, cfg PoolConfig) (*ProgressStore, error) {
	pool, err := NewPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &ProgressStore{pool: pool}, nil
}

// NewProgressStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewProgressStoreWithPool(pool querier) (*ProgressStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &ProgressStore{pool: pool}, nil
}

// Close closes the underlying connection pool.
func (s *ProgressStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema applies Schema on the store's pool.
func (s *ProgressStore) EnsureSchema(ctx context.Context) error {
	return EnsureSchema(ctx, s.pool)
}

// UpsertJobStart inserts a running row or refreshes the start of an existing one.
func (s *ProgressStore) UpsertJobStart(ctx context.Context, jobID uuid.UUID, target string, startedAt time.Time) error {
	const query = `
		INSERT INTO job_runs (job_id, target, started_at, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (job_id) DO UPDATE
		SET started_at = LEAST(job_runs.started_at, EXCLUDED.started_at)`
	if _, err := s.pool.Exec(ctx, query, jobID, target, startedAt, store.RunRunning); err != nil {
		return fmt.Errorf("upsert job start: %w", err)
	}
	return nil
}

// CompleteJob marks a job finished. Unknown jobs yield store.ErrNotFound.
func (s *ProgressStore) CompleteJob(
	ctx context.Context,
	jobID uuid.UUID,
	finishedAt time.Time,
	status store.JobRunStatus,
	errMsg *string,
) error {
	const query = `
		UPDATE job_runs
		SET finished_at = $1, status = $2, error_message = $3
		WHERE job_id = $4`
	tag, err := s.pool.Exec(ctx, query, finishedAt, status, errMsg, jobID)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// UpsertRepoRun writes a repository row. A terminal status, once stored, is
// never replaced by a later non-terminal one.
func (s *ProgressStore) UpsertRepoRun(ctx context.Context, run store.RepoRun) error {
	const query = `
		INSERT INTO repo_runs (job_id, repo_index, repo, url, status, started_at, finished_at, files, bytes, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (job_id, repo_index) DO UPDATE
		SET repo = COALESCE(NULLIF(EXCLUDED.repo, ''), repo_runs.repo),
			url = COALESCE(NULLIF(EXCLUDED.url, ''), repo_runs.url),
			status = CASE WHEN repo_runs.finished_at IS NULL THEN EXCLUDED.status ELSE repo_runs.status END,
			finished_at = COALESCE(repo_runs.finished_at, EXCLUDED.finished_at),
			files = GREATEST(repo_runs.files, EXCLUDED.files),
			bytes = GREATEST(repo_runs.bytes, EXCLUDED.bytes),
			error = COALESCE(repo_runs.error, EXCLUDED.error)`
	_, err := s.pool.Exec(ctx, query,
		run.JobID,
		run.RepoIndex,
		run.Repo,
		run.URL,
		run.Status,
		run.StartedAt,
		run.FinishedAt,
		run.Files,
		run.Bytes,
		run.Error,
	)
	if err != nil {
		return fmt.Errorf("upsert repo run: %w", err)
	}
	return nil
}

const jobColumns = `job_id, target, started_at, finished_at, status, error_message`

// GetJob retrieves a single job run by id.
func (s *ProgressStore) GetJob(ctx context.Context, jobID uuid.UUID) (store.JobRun, error) {
	query := `SELECT ` + jobColumns + ` FROM job_runs WHERE job_id = $1`
	run, err := scanJobRun(s.pool.QueryRow(ctx, query, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.JobRun{}, store.ErrNotFound
		}
		return store.JobRun{}, fmt.Errorf("get job: %w", err)
	}
	return run, nil
}

// ListJobs returns job runs newest first, optionally filtered by status.
func (s *ProgressStore) ListJobs(
	ctx context.Context,
	status *store.JobRunStatus,
	limit,
	offset int,
) ([]store.JobRun, error) {
	query := `SELECT ` + jobColumns + ` FROM job_runs
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3`
	var filter *string
	if status != nil {
		v := string(*status)
		filter = &v
	}
	rows, err := s.pool.Query(ctx, query, filter, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var runs []store.JobRun
	for rows.Next() {
		run, err := scanJobRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return runs, nil
}

// ListJobRepos returns a job's repository rows ordered by index.
func (s *ProgressStore) ListJobRepos(ctx context.Context, jobID uuid.UUID) ([]store.RepoRun, error) {
	const query = `
		SELECT job_id, repo_index, repo, url, status, started_at, finished_at, files, bytes, error
		FROM repo_runs
		WHERE job_id = $1
		ORDER BY repo_index`
	rows, err := s.pool.Query(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("list job repos: %w", err)
	}
	defer rows.Close()

	var runs []store.RepoRun
	for rows.Next() {
		var run store.RepoRun
		if err := rows.Scan(
			&run.JobID,
			&run.RepoIndex,
			&run.Repo,
			&run.URL,
			&run.Status,
			&run.StartedAt,
			&run.FinishedAt,
			&run.Files,
			&run.Bytes,
			&run.Error,
		); err != nil {
			return nil, fmt.Errorf("scan repo row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list job repos: %w", err)
	}
	return runs, nil
}

func scanJobRun(row pgx.Row) (store.JobRun, error) {
	var (
		run    store.JobRun
		status string
	)
	err := row.Scan(
		&run.JobID,
		&run.Target,
		&run.StartedAt,
		&run.FinishedAt,
		&status,
		&run.ErrorMessage,
	)
	run.Status = store.JobRunStatus(status)
	return run, err
}
