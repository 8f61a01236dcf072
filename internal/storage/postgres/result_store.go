package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/JakeFAU/repo-scanner/internal/scan"
)

// ResultStore archives final status views so results outlive the in-memory
// registry's retention window.
type ResultStore struct {
	pool  execCloser
	table string
	now   func() time.Time
}

// NewResultStore opens a pool for cfg and writes into table (default job_results).
func NewResultStore(ctx context.Context, cfg PoolConfig, table string) (*ResultStore, error) {
	if table == "" {
		table = "job_results"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	pool, err := NewPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &ResultStore{pool: pool, table: table, now: time.Now}, nil
}

// NewResultStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewResultStoreWithPool(pool execCloser, table string) (*ResultStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "job_results"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &ResultStore{pool: pool, table: table, now: time.Now}, nil
}

// Close releases the underlying pool resources.
func (s *ResultStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// ArchiveResult upserts the final view of a job. blobURI points at the copy
// written to the blob store, if any.
func (s *ResultStore) ArchiveResult(ctx context.Context, view scan.StatusView, blobURI string) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("result store is not configured")
	}
	if view.JobID == "" {
		return fmt.Errorf("job id is required")
	}
	doc, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("marshal status view: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	job_id,
	status,
	completed,
	failed,
	total,
	blob_uri,
	document,
	archived_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8
)
ON CONFLICT (job_id) DO UPDATE
SET status = EXCLUDED.status,
	completed = EXCLUDED.completed,
	failed = EXCLUDED.failed,
	total = EXCLUDED.total,
	blob_uri = EXCLUDED.blob_uri,
	document = EXCLUDED.document,
	archived_at = EXCLUDED.archived_at`, s.table)

	args := []any{
		view.JobID,
		string(view.Status),
		view.Completed,
		view.Failed,
		view.TotalRepos,
		blobURI,
		doc,
		s.now().UTC(),
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert job result: %w", err)
	}
	return nil
}
