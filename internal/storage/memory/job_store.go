package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/repo-scanner/internal/clock/system"
	"github.com/JakeFAU/repo-scanner/internal/scan"
)

// JobStore is the in-memory job registry. It is the source of truth for what
// callers asked for; every mutation happens under one lock.
type JobStore struct {
	mu    sync.RWMutex
	jobs  map[string]scan.Job
	clock scan.Clock
}

// NewJobStore constructs a JobStore. A nil clock uses the system clock.
func NewJobStore(clock scan.Clock) *JobStore {
	if clock == nil {
		clock = system.New()
	}
	return &JobStore{
		jobs:  make(map[string]scan.Job),
		clock: clock,
	}
}

// CreateJob stores a new job in pending status.
func (s *JobStore) CreateJob(_ context.Context, job scan.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return scan.ErrJobExists
	}
	if job.Status == "" {
		job.Status = scan.JobStatusPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = s.clock.Now()
	}
	s.jobs[job.ID] = job
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (scan.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return scan.Job{}, scan.ErrJobNotFound
	}
	return job, nil
}

// ListJobs returns every job, newest first.
func (s *JobStore) ListJobs(_ context.Context) ([]scan.Job, error) {
	s.mu.RLock()
	out := make([]scan.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// MarkRunning moves a pending job to running.
func (s *JobStore) MarkRunning(_ context.Context, jobID string) error {
	return s.mutate(jobID, func(job *scan.Job, now time.Time) {
		job.Status = scan.JobStatusRunning
		if job.StartedAt == nil {
			job.StartedAt = pointerTime(now)
		}
	})
}

// UpdateProgress records progress; it never moves backwards.
func (s *JobStore) UpdateProgress(_ context.Context, jobID string, progress int) error {
	return s.mutate(jobID, func(job *scan.Job, _ time.Time) {
		progress = min(max(progress, 0), 100)
		if progress > job.Progress {
			job.Progress = progress
		}
	})
}

// CompleteJob marks a job completed with its final status view.
func (s *JobStore) CompleteJob(_ context.Context, jobID string, result *scan.StatusView) error {
	return s.mutate(jobID, func(job *scan.Job, now time.Time) {
		job.Status = scan.JobStatusCompleted
		job.Progress = 100
		job.Result = result
		job.CompletedAt = pointerTime(now)
	})
}

// FailJob marks a job failed with a human-readable error.
func (s *JobStore) FailJob(_ context.Context, jobID string, errText string) error {
	if errText == "" {
		errText = "job failed"
	}
	return s.mutate(jobID, func(job *scan.Job, now time.Time) {
		job.Status = scan.JobStatusFailed
		job.Error = errText
		job.CompletedAt = pointerTime(now)
	})
}

// DeleteJob removes a job record.
func (s *JobStore) DeleteJob(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobID]; !ok {
		return scan.ErrJobNotFound
	}
	delete(s.jobs, jobID)
	return nil
}

// ListExpired returns finished jobs whose completion is older than maxAge.
func (s *JobStore) ListExpired(_ context.Context, maxAge time.Duration, now time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for id, job := range s.jobs {
		if !job.Status.Terminal() || job.CompletedAt == nil {
			continue
		}
		if now.Sub(*job.CompletedAt) > maxAge {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *JobStore) mutate(jobID string, fn func(job *scan.Job, now time.Time)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return scan.ErrJobNotFound
	}
	if job.Status.Terminal() {
		return scan.ErrJobTerminal
	}
	fn(&job, s.clock.Now())
	s.jobs[jobID] = job
	return nil
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
