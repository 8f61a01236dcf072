package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/repo-scanner/internal/metrics"
	"github.com/JakeFAU/repo-scanner/internal/progress"
	"github.com/JakeFAU/repo-scanner/internal/scan"
)

// GetStatus returns the client view of a job. A terminal registry status
// overrides the aggregate, a job whose master record is not written yet reads
// as pending, and progress never drops below what the registry last recorded.
func (o *Orchestrator) GetStatus(ctx context.Context, jobID string) (scan.StatusView, error) {
	job, err := o.cfg.Jobs.GetJob(ctx, jobID)
	if err != nil {
		return scan.StatusView{}, err
	}
	view, err := o.cfg.Aggregator.GetStatus(ctx, jobID)
	switch {
	case err == nil:
	case errors.Is(err, scan.ErrRecordUnavailable):
		if job.Result != nil {
			view = *job.Result
		} else {
			view = pendingView(job)
		}
	default:
		return scan.StatusView{}, fmt.Errorf("aggregate status: %w", err)
	}
	view = overlay(view, job)
	if view.Progress < job.Progress {
		view.Progress = job.Progress
	}
	if view.Status == scan.OverallPending && job.Progress > 0 {
		view.Status = scan.OverallInProgress
	}
	if job.Status == scan.JobStatusRunning && view.Progress != job.Progress {
		if err := o.cfg.Jobs.UpdateProgress(ctx, jobID, view.Progress); err != nil && !errors.Is(err, scan.ErrJobTerminal) {
			o.logger.Debug("update job progress", zap.String("job_id", jobID), zap.Error(err))
		}
	}
	return view, nil
}

// ListJobs returns every job in the registry.
func (o *Orchestrator) ListJobs(ctx context.Context) ([]scan.Job, error) {
	jobs, err := o.cfg.Jobs.ListJobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// CompleteJob moves a job to COMPLETED (jobErr nil) or FAILED, frees its
// admission slot, reclaims its resources, and publishes the outcome. Calling
// it for a job that already finished is a no-op.
func (o *Orchestrator) CompleteJob(ctx context.Context, jobID string, result *scan.StatusView, jobErr error) error {
	job, err := o.cfg.Jobs.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		o.cfg.Lifecycle.RegisterCompletion(ctx, jobID)
		return nil
	}

	status := scan.JobStatusCompleted
	if jobErr != nil {
		status = scan.JobStatusFailed
		err = o.cfg.Jobs.FailJob(ctx, jobID, jobErr.Error())
	} else {
		err = o.cfg.Jobs.CompleteJob(ctx, jobID, result)
	}
	o.cfg.Lifecycle.RegisterCompletion(ctx, jobID)
	if errors.Is(err, scan.ErrJobTerminal) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("record job outcome: %w", err)
	}
	metrics.ObserveJob(string(status))
	o.logger.Info("job finished", zap.String("job_id", jobID), zap.String("status", string(status)))
	o.finalize(ctx, jobID, result)
	return nil
}

// CancelJob fails a running job with CanceledError. It returns
// scan.ErrJobTerminal if the job already finished.
func (o *Orchestrator) CancelJob(ctx context.Context, jobID string) error {
	job, err := o.cfg.Jobs.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return scan.ErrJobTerminal
	}
	return o.CompleteJob(ctx, jobID, nil, errors.New(CanceledError))
}

// OnReclaim finalizes a job the lifecycle manager failed on its own, after a
// timeout or at shutdown.
func (o *Orchestrator) OnReclaim(jobID, errText string) {
	o.logger.Info("job reclaimed", zap.String("job_id", jobID), zap.String("error", errText))
	o.finalize(context.Background(), jobID, nil)
}

// finalize runs once per job, by whichever caller won the registry transition.
func (o *Orchestrator) finalize(ctx context.Context, jobID string, result *scan.StatusView) {
	job, err := o.cfg.Jobs.GetJob(ctx, jobID)
	if err != nil {
		o.logger.Warn("load finished job", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	view := o.finalView(ctx, job, result)
	o.cfg.Aggregator.Forget(jobID)

	evt := progress.Event{
		JobID:  progress.JobIDBytes(jobID),
		TS:     o.cfg.Clock.Now(),
		Stage:  progress.StageJobDone,
		Target: job.Target,
	}
	if job.CompletedAt != nil {
		evt.TS = *job.CompletedAt
	}
	if job.StartedAt != nil && evt.TS.After(*job.StartedAt) {
		evt.Dur = evt.TS.Sub(*job.StartedAt)
	}
	if job.Status == scan.JobStatusFailed {
		evt.Stage = progress.StageJobError
		evt.Note = job.Error
	}
	o.cfg.Events.Emit(evt)

	uri := o.archive(ctx, view)
	o.publish(ctx, job, view, uri)
}

func (o *Orchestrator) finalView(ctx context.Context, job scan.Job, result *scan.StatusView) scan.StatusView {
	if result != nil {
		return overlay(*result, job)
	}
	if job.Result != nil {
		return overlay(*job.Result, job)
	}
	view, err := o.cfg.Aggregator.GetStatus(ctx, job.ID)
	if err != nil {
		view = pendingView(job)
	}
	return overlay(view, job)
}

func (o *Orchestrator) archive(ctx context.Context, view scan.StatusView) string {
	var uri string
	if o.cfg.Blobs != nil {
		data, err := json.MarshalIndent(view, "", "  ")
		if err == nil {
			uri, err = o.cfg.Blobs.PutObject(ctx, "results/"+view.JobID+".json", "application/json", bytes.NewReader(data))
		}
		if err != nil {
			o.logger.Warn("write result blob", zap.String("job_id", view.JobID), zap.Error(err))
		}
	}
	if o.cfg.Results != nil {
		if err := o.cfg.Results.ArchiveResult(ctx, view, uri); err != nil {
			o.logger.Warn("archive result", zap.String("job_id", view.JobID), zap.Error(err))
		}
	}
	return uri
}

func (o *Orchestrator) publish(ctx context.Context, job scan.Job, view scan.StatusView, uri string) {
	if o.cfg.Publisher == nil {
		return
	}
	msg := scan.Completion{
		JobID:       job.ID,
		TargetURL:   job.Target,
		Status:      view.Status,
		TotalRepos:  view.TotalRepos,
		Completed:   view.Completed,
		Failed:      view.Failed,
		ResultURI:   uri,
		Error:       job.Error,
		CompletedAt: o.cfg.Clock.Now(),
	}
	if job.CompletedAt != nil {
		msg.CompletedAt = *job.CompletedAt
	}
	id, err := o.cfg.Publisher.Publish(ctx, o.cfg.Topic, msg)
	if err != nil {
		o.logger.Warn("publish completion", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	o.logger.Debug("completion published", zap.String("job_id", job.ID), zap.String("message_id", id))
}

func pendingView(job scan.Job) scan.StatusView {
	return scan.StatusView{
		JobID:          job.ID,
		TargetURL:      job.Target,
		Status:         scan.OverallPending,
		Scanning:       []scan.RepoProgress{},
		CompletedRepos: []string{},
		FailedRepos:    []scan.FailedRepo{},
		CreatedAt:      scan.NewTimestamp(job.CreatedAt),
		UpdatedAt:      scan.NewTimestamp(job.CreatedAt),
	}
}

// overlay applies registry facts to an aggregate view.
func overlay(view scan.StatusView, job scan.Job) scan.StatusView {
	view.JobID = job.ID
	if view.TargetURL == "" {
		view.TargetURL = job.Target
	}
	view.CreatedAt = scan.NewTimestamp(job.CreatedAt)
	switch job.Status {
	case scan.JobStatusFailed:
		view.Status = scan.OverallFailed
		view.Error = job.Error
	case scan.JobStatusCompleted:
		view.Status = scan.OverallCompleted
		view.Progress = 100
	}
	if job.CompletedAt != nil && job.CompletedAt.After(view.UpdatedAt.Time) {
		view.UpdatedAt = scan.NewTimestamp(*job.CompletedAt)
	}
	return view
}
