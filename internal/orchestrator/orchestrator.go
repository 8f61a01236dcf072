// Package orchestrator is the submission surface of the scanner. It admits
// jobs, resolves their repositories, fetches each one, runs a worker process
// per repository, and finalizes the job once every worker has exited.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/repo-scanner/internal/clock/system"
	"github.com/JakeFAU/repo-scanner/internal/metrics"
	"github.com/JakeFAU/repo-scanner/internal/progress"
	"github.com/JakeFAU/repo-scanner/internal/scan"
)

// CanceledError is the error recorded on jobs canceled through CancelJob.
const CanceledError = "canceled by request"

const defaultMaxWorkers = 4

// Lifecycle is the admission and resource tracker, normally *lifecycle.Manager.
type Lifecycle interface {
	RegisterStart(jobID string, cancel context.CancelFunc) error
	RegisterResource(jobID, path string) error
	RegisterCompletion(ctx context.Context, jobID string) bool
}

// Aggregator derives status views and reconciles repository outcomes.
type Aggregator interface {
	GetStatus(ctx context.Context, jobID string) (scan.StatusView, error)
	Reconcile(ctx context.Context, jobID string, index int, state scan.RepoState) error
	Forget(jobID string)
}

// ResultArchiver persists final status views, normally *postgres.ResultStore.
type ResultArchiver interface {
	ArchiveResult(ctx context.Context, view scan.StatusView, blobURI string) error
}

// Config wires the orchestrator's collaborators. Blobs, Results, Publisher,
// and Events are optional.
type Config struct {
	Validator  scan.URLValidator
	Jobs       scan.JobStore
	Lifecycle  Lifecycle
	Resolver   scan.GroupResolver
	Fetcher    scan.Fetcher
	Launcher   scan.Launcher
	Master     scan.MasterStore
	Records    scan.StatusReader
	Aggregator Aggregator
	IDs        scan.IDGenerator
	Clock      scan.Clock

	Events    progress.Emitter
	Blobs     scan.BlobStore
	Results   ResultArchiver
	Publisher scan.Publisher
	// Topic is passed to Publisher with every completion.
	Topic string

	// MaxWorkersPerJob bounds concurrent repositories per job (default 4).
	MaxWorkersPerJob int
	WorkerTimeout    time.Duration
	FetchTimeout     time.Duration
	Branch           string
	// BaseContext parents every job run (default context.Background()).
	BaseContext context.Context
	Logger      *zap.Logger
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	cfg    Config
	logger *zap.Logger
	wg     sync.WaitGroup
}

// New validates cfg and constructs an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	switch {
	case cfg.Validator == nil:
		return nil, fmt.Errorf("validator is required")
	case cfg.Jobs == nil:
		return nil, fmt.Errorf("job store is required")
	case cfg.Lifecycle == nil:
		return nil, fmt.Errorf("lifecycle manager is required")
	case cfg.Resolver == nil:
		return nil, fmt.Errorf("group resolver is required")
	case cfg.Fetcher == nil:
		return nil, fmt.Errorf("fetcher is required")
	case cfg.Launcher == nil:
		return nil, fmt.Errorf("launcher is required")
	case cfg.Master == nil || cfg.Records == nil || cfg.Aggregator == nil:
		return nil, fmt.Errorf("status store and aggregator are required")
	case cfg.IDs == nil:
		return nil, fmt.Errorf("id generator is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = system.New()
	}
	if cfg.Events == nil {
		cfg.Events = progress.NopEmitter{}
	}
	if cfg.MaxWorkersPerJob <= 0 {
		cfg.MaxWorkersPerJob = defaultMaxWorkers
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{cfg: cfg, logger: logger.Named("orchestrator")}, nil
}

// CreateJob validates rawURL, admits the job, records it as pending, and
// starts it in the background. Validation and admission failures are returned
// before any side effect.
func (o *Orchestrator) CreateJob(ctx context.Context, rawURL string) (string, error) {
	target, err := o.cfg.Validator.Validate(ctx, rawURL)
	if err != nil {
		return "", err
	}
	jobID, err := o.cfg.IDs.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}

	runCtx, cancel := context.WithCancel(o.cfg.BaseContext)
	if err := o.cfg.Lifecycle.RegisterStart(jobID, cancel); err != nil {
		cancel()
		return "", err
	}
	job := scan.Job{
		ID:        jobID,
		Target:    target.URL,
		Kind:      target.Kind,
		Status:    scan.JobStatusPending,
		CreatedAt: o.cfg.Clock.Now(),
	}
	if err := o.cfg.Jobs.CreateJob(ctx, job); err != nil {
		o.cfg.Lifecycle.RegisterCompletion(ctx, jobID)
		return "", fmt.Errorf("create job: %w", err)
	}
	metrics.ObserveJob(string(scan.JobStatusPending))
	o.logger.Info("job admitted",
		zap.String("job_id", jobID),
		zap.String("target", target.URL),
		zap.String("kind", string(target.Kind)),
	)

	o.wg.Add(1)
	go o.run(runCtx, jobID, target)
	return jobID, nil
}

// Wait blocks until every background job run has returned or ctx ends.
func (o *Orchestrator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for job runs: %w", ctx.Err())
	}
}

func (o *Orchestrator) run(ctx context.Context, jobID string, target scan.Target) {
	defer o.wg.Done()
	finishCtx := context.WithoutCancel(ctx)
	defer func() {
		if rec := recover(); rec != nil {
			o.logger.Error("job run panicked", zap.String("job_id", jobID), zap.Any("panic", rec))
			_ = o.CompleteJob(finishCtx, jobID, nil, fmt.Errorf("internal error: %v", rec))
		}
	}()

	ctx, span := otel.Tracer("github.com/JakeFAU/repo-scanner/internal/orchestrator").Start(ctx, "orchestrator.run")
	span.SetAttributes(attribute.String("job.id", jobID), attribute.String("job.target", target.URL))
	defer span.End()

	if err := o.cfg.Jobs.MarkRunning(ctx, jobID); err != nil {
		o.logger.Warn("mark job running", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	metrics.ObserveJob(string(scan.JobStatusRunning))
	o.cfg.Events.Emit(progress.Event{
		JobID:  progress.JobIDBytes(jobID),
		TS:     o.cfg.Clock.Now(),
		Stage:  progress.StageJobStart,
		Target: target.URL,
	})

	view, err := o.scan(ctx, jobID, target)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if ctx.Err() != nil && err == nil {
		err = fmt.Errorf("job stopped: %w", context.Cause(ctx))
	}
	if cerr := o.CompleteJob(finishCtx, jobID, view, err); cerr != nil {
		o.logger.Warn("complete job", zap.String("job_id", jobID), zap.Error(cerr))
	}
}

// scan resolves, fetches, and scans every repository of a job. A non-nil error
// fails the whole job; per-repository failures only show up in the view.
func (o *Orchestrator) scan(ctx context.Context, jobID string, target scan.Target) (*scan.StatusView, error) {
	repos, err := o.cfg.Resolver.Resolve(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("resolve repositories: %w", err)
	}
	master := scan.NewMasterRecord(jobID, target.URL, repos)
	master.UpdatedAt = scan.NewTimestamp(o.cfg.Clock.Now())
	if err := o.cfg.Master.InitMaster(ctx, master); err != nil {
		return nil, fmt.Errorf("write master record: %w", err)
	}
	o.logger.Info("repositories resolved", zap.String("job_id", jobID), zap.Int("repos", len(repos)))

	var g errgroup.Group
	g.SetLimit(o.cfg.MaxWorkersPerJob)
	for _, repo := range repos {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			o.scanRepo(ctx, jobID, repo)
			return nil
		})
	}
	_ = g.Wait()
	if ctx.Err() != nil {
		return nil, nil
	}

	view, err := o.cfg.Aggregator.GetStatus(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("aggregate final status: %w", err)
	}
	if view.Status != scan.OverallCompleted {
		return &view, fmt.Errorf("all %d repositories failed", view.TotalRepos)
	}
	return &view, nil
}

func (o *Orchestrator) scanRepo(ctx context.Context, jobID string, repo scan.Repository) {
	logger := o.logger.With(zap.String("job_id", jobID), zap.Int("repo_index", repo.Index), zap.String("repo", repo.Name))
	started := o.cfg.Clock.Now()
	o.cfg.Events.Emit(progress.Event{
		JobID:     progress.JobIDBytes(jobID),
		TS:        started,
		Stage:     progress.StageRepoStart,
		RepoIndex: repo.Index,
		Repo:      repo.Name,
		URL:       repo.URL,
	})

	state, rec := o.fetchAndLaunch(ctx, jobID, repo, logger)
	if ctx.Err() != nil {
		return
	}
	if err := o.cfg.Aggregator.Reconcile(ctx, jobID, repo.Index, state); err != nil {
		logger.Warn("reconcile repository", zap.Error(err))
	}

	evt := progress.Event{
		JobID:     progress.JobIDBytes(jobID),
		TS:        o.cfg.Clock.Now(),
		Stage:     progress.StageRepoDone,
		RepoIndex: repo.Index,
		Repo:      repo.Name,
		URL:       repo.URL,
	}
	evt.Dur = evt.TS.Sub(started)
	switch s := state.(type) {
	case scan.Completed:
		evt.RepoStatus = string(scan.RepoCompleted)
		if s.Summary != nil {
			evt.Files = int64(s.Summary.Files)
			evt.Bytes = s.Summary.Bytes
		}
	case scan.TimedOut:
		evt.RepoStatus = string(scan.RepoTimeout)
		evt.Note = s.Error
	case scan.Failed:
		evt.RepoStatus = string(scan.RepoFailed)
		evt.Note = s.Error
	default:
		evt.RepoStatus = string(scan.RepoFailed)
		if rec != nil {
			evt.Note = rec.Error
		}
	}
	o.cfg.Events.Emit(evt)
}

// fetchAndLaunch returns the terminal state of one repository. Fetch failures
// never reach a worker; they are reported as Failed directly.
func (o *Orchestrator) fetchAndLaunch(
	ctx context.Context,
	jobID string,
	repo scan.Repository,
	logger *zap.Logger,
) (scan.RepoState, *scan.RepoRecord) {
	path, err := o.cfg.Fetcher.Fetch(ctx, repo.URL, scan.FetchOptions{
		Timeout: o.cfg.FetchTimeout,
		Branch:  o.cfg.Branch,
	})
	if err != nil {
		logger.Warn("fetch repository failed", zap.Error(err))
		return scan.Failed{Error: fetchErrorText(err)}, nil
	}
	if err := o.cfg.Lifecycle.RegisterResource(jobID, path); err != nil {
		// The job ended while this repository was fetching.
		if cerr := o.cfg.Fetcher.Cleanup(path); cerr != nil {
			logger.Warn("cleanup orphaned fetch", zap.String("path", path), zap.Error(cerr))
		}
		return scan.Failed{Error: "job ended before scan started"}, nil
	}

	err = o.cfg.Launcher.Launch(ctx, scan.WorkerSpec{
		JobID:   jobID,
		Index:   repo.Index,
		Name:    repo.Name,
		URL:     repo.URL,
		Path:    path,
		Timeout: o.cfg.WorkerTimeout,
	})
	if err != nil {
		logger.Warn("worker launch failed", zap.Error(err))
	}

	rec, rerr := o.cfg.Records.ReadRepo(context.WithoutCancel(ctx), jobID, repo.Index)
	if rerr != nil {
		msg := "worker exited without a status record"
		if err != nil {
			msg = err.Error()
		}
		return scan.Failed{Error: msg}, nil
	}
	state, serr := scan.StateOf(&rec)
	if serr != nil {
		return scan.Failed{Error: serr.Error()}, &rec
	}
	if _, ok := state.(scan.Scanning); ok {
		return scan.Failed{Error: "worker exited without a terminal status"}, &rec
	}
	return state, &rec
}

func fetchErrorText(err error) string {
	var verr *scan.ValidationError
	if errors.As(err, &verr) {
		return verr.Error()
	}
	var ferr *scan.FetchError
	if errors.As(err, &ferr) {
		return fmt.Sprintf("%s failed: %v", ferr.Stage, ferr.Err)
	}
	return err.Error()
}
