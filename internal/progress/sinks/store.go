package sinks

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/repo-scanner/internal/progress"
	"github.com/JakeFAU/repo-scanner/internal/store"
)

// StoreSink persists milestones via a store.ProgressRepository. Repository
// events for the same (job, index) within one batch collapse into one write.
type StoreSink struct {
	repo   store.ProgressRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.ProgressRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

type repoKey struct {
	jobID uuid.UUID
	index int
}

// Consume writes job rows in order and flushes collapsed repository rows
// afterwards. Repository errors are returned wrapped.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	repos := make(map[repoKey]*store.RepoRun)
	var order []repoKey

	for _, evt := range batch {
		jobID := evt.JobUUID()
		switch evt.Stage {
		case progress.StageJobStart, progress.StageJobDone, progress.StageJobError:
			if err := s.handleJobEvent(ctx, jobID, evt); err != nil {
				return err
			}
		case progress.StageRepoStart, progress.StageRepoDone:
			key := repoKey{jobID: jobID, index: evt.RepoIndex}
			run, ok := repos[key]
			if !ok {
				run = &store.RepoRun{JobID: jobID, RepoIndex: evt.RepoIndex}
				repos[key] = run
				order = append(order, key)
			}
			mergeRepoEvent(run, evt)
		}
	}

	for _, key := range order {
		if err := s.repo.UpsertRepoRun(ctx, *repos[key]); err != nil {
			return fmt.Errorf("upsert repo run: %w", err)
		}
	}
	return nil
}

func (s *StoreSink) handleJobEvent(ctx context.Context, jobID uuid.UUID, evt progress.Event) error {
	switch evt.Stage {
	case progress.StageJobStart:
		if err := s.repo.UpsertJobStart(ctx, jobID, evt.Target, evt.TS); err != nil {
			return fmt.Errorf("upsert job start: %w", err)
		}
	case progress.StageJobDone:
		if err := s.repo.CompleteJob(ctx, jobID, evt.TS, store.RunSuccess, nil); err != nil {
			return fmt.Errorf("complete job: %w", err)
		}
	case progress.StageJobError:
		var note *string
		if evt.Note != "" {
			note = &evt.Note
		}
		if err := s.repo.CompleteJob(ctx, jobID, evt.TS, store.RunError, note); err != nil {
			return fmt.Errorf("complete job: %w", err)
		}
	}
	return nil
}

func mergeRepoEvent(run *store.RepoRun, evt progress.Event) {
	if evt.Repo != "" {
		run.Repo = evt.Repo
	}
	if evt.URL != "" {
		run.URL = evt.URL
	}
	switch evt.Stage {
	case progress.StageRepoStart:
		if run.StartedAt.IsZero() || evt.TS.Before(run.StartedAt) {
			run.StartedAt = evt.TS
		}
		if run.Status == "" {
			run.Status = "scanning"
		}
	case progress.StageRepoDone:
		finished := evt.TS
		run.FinishedAt = &finished
		if run.StartedAt.IsZero() {
			run.StartedAt = evt.TS.Add(-evt.Dur)
		}
		run.Status = evt.RepoStatus
		run.Files = evt.Files
		run.Bytes = evt.Bytes
		if evt.Note != "" {
			note := evt.Note
			run.Error = &note
		}
	}
}

// Close implements progress.Sink.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
