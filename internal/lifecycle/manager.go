// Package lifecycle implements admission control for scan jobs, tracks the
// scratch resources each running job owns, and reclaims jobs that time out,
// expire, or are still running at shutdown.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/repo-scanner/internal/clock/system"
	"github.com/JakeFAU/repo-scanner/internal/metrics"
	"github.com/JakeFAU/repo-scanner/internal/scan"
)

// ShutdownError is the error recorded on jobs still running at shutdown.
const ShutdownError = "service shutdown"

var (
	// ErrNotRunning signals that a job is not in the running set.
	ErrNotRunning = errors.New("job is not running")
	// ErrShuttingDown signals that the manager no longer admits jobs.
	ErrShuttingDown = errors.New("service is shutting down")
)

// CacheSweeper drops expired cache entries.
type CacheSweeper interface {
	CleanupExpired() int
}

// StatusRemover deletes the status files of an expired job.
type StatusRemover interface {
	RemoveJob(ctx context.Context, jobID string) error
}

// Config controls admission and sweep behavior.
type Config struct {
	MaxConcurrent   int
	JobTimeout      time.Duration
	CleanupInterval time.Duration
	MaxAge          time.Duration
	Clock           scan.Clock
	Logger          *zap.Logger
	// Cache, Status, and OnReclaim are optional.
	Cache  CacheSweeper
	Status StatusRemover
	// OnReclaim runs after the manager fails a job on its own (timeout or shutdown).
	OnReclaim func(jobID string, errText string)
}

// SweepReport summarizes one sweep pass.
type SweepReport struct {
	TimedOut     []string
	Expired      []string
	CacheExpired int
}

type runningJob struct {
	startedAt time.Time
	cancel    context.CancelFunc
	resources []string
}

// Manager is safe for concurrent use.
type Manager struct {
	mu      sync.Mutex
	running map[string]*runningJob
	closing bool
	jobs    scan.JobStore
	cleaner scan.ResourceCleaner
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Manager.
func New(jobs scan.JobStore, cleaner scan.ResourceCleaner, cfg Config) (*Manager, error) {
	if jobs == nil {
		return nil, fmt.Errorf("job store is required")
	}
	if cfg.MaxConcurrent <= 0 {
		return nil, fmt.Errorf("max concurrent jobs must be > 0")
	}
	if cfg.JobTimeout <= 0 {
		return nil, fmt.Errorf("job timeout must be > 0")
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 24 * time.Hour
	}
	if cfg.Clock == nil {
		cfg.Clock = system.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		running: make(map[string]*runningJob),
		jobs:    jobs,
		cleaner: cleaner,
		cfg:     cfg,
		logger:  logger,
	}, nil
}

// CanAdmit reports whether fewer than MaxConcurrent jobs are running.
func (m *Manager) CanAdmit() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closing && len(m.running) < m.cfg.MaxConcurrent
}

// RegisterStart atomically admits a job. cancel, if set, is invoked when the
// job is completed or reclaimed.
func (m *Manager) RegisterStart(jobID string, cancel context.CancelFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closing {
		return ErrShuttingDown
	}
	if _, ok := m.running[jobID]; ok {
		return fmt.Errorf("job %s already running", jobID)
	}
	if len(m.running) >= m.cfg.MaxConcurrent {
		metrics.ObserveAdmissionRejected()
		return scan.ErrAdmissionRejected
	}
	m.running[jobID] = &runningJob{startedAt: m.cfg.Clock.Now(), cancel: cancel}
	metrics.SetRunningJobs(len(m.running))
	return nil
}

// RegisterResource attaches a fetched path to a running job so it is cleaned
// up when the job ends. It returns ErrNotRunning if the job already ended;
// the caller then owns the path.
func (m *Manager) RegisterResource(jobID, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.running[jobID]
	if !ok {
		return ErrNotRunning
	}
	job.resources = append(job.resources, path)
	return nil
}

// RegisterCompletion frees the job's admission slot, cancels its context, and
// cleans up every registered resource. It reports whether the job was running.
func (m *Manager) RegisterCompletion(_ context.Context, jobID string) bool {
	m.mu.Lock()
	job, ok := m.running[jobID]
	if ok {
		delete(m.running, jobID)
		metrics.SetRunningJobs(len(m.running))
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	if job.cancel != nil {
		job.cancel()
	}
	m.reclaim(jobID, job.resources)
	return true
}

// IsJobTimedOut reports whether a running job exceeded the job timeout.
func (m *Manager) IsJobTimedOut(jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.running[jobID]
	if !ok {
		return false
	}
	return m.cfg.Clock.Now().Sub(job.startedAt) > m.cfg.JobTimeout
}

// Running returns the ids of running jobs in order.
func (m *Manager) Running() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.running))
	for id := range m.running {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Resources returns the paths registered for a running job.
func (m *Manager) Resources(jobID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.running[jobID]
	if !ok {
		return nil
	}
	return append([]string(nil), job.resources...)
}

// Sweep fails and reclaims timed-out jobs, deletes expired job records, and
// drops expired cache entries.
func (m *Manager) Sweep(ctx context.Context) SweepReport {
	var report SweepReport
	now := m.cfg.Clock.Now()

	m.mu.Lock()
	for id, job := range m.running {
		if now.Sub(job.startedAt) > m.cfg.JobTimeout {
			report.TimedOut = append(report.TimedOut, id)
		}
	}
	m.mu.Unlock()
	sort.Strings(report.TimedOut)

	errText := fmt.Sprintf("job timed out after %s", m.cfg.JobTimeout)
	for _, id := range report.TimedOut {
		m.logger.Warn("job timed out", zap.String("job_id", id), zap.Duration("timeout", m.cfg.JobTimeout))
		m.fail(ctx, id, errText, "timeout")
	}

	expired, err := m.jobs.ListExpired(ctx, m.cfg.MaxAge, now)
	if err != nil {
		m.logger.Warn("list expired jobs failed", zap.Error(err))
	}
	for _, id := range expired {
		m.RegisterCompletion(ctx, id)
		if err := m.jobs.DeleteJob(ctx, id); err != nil && !errors.Is(err, scan.ErrJobNotFound) {
			m.logger.Warn("delete expired job failed", zap.String("job_id", id), zap.Error(err))
			continue
		}
		if m.cfg.Status != nil {
			if err := m.cfg.Status.RemoveJob(ctx, id); err != nil {
				m.logger.Warn("remove expired status files failed", zap.String("job_id", id), zap.Error(err))
			}
		}
		metrics.ObserveSweepReclaim("expired")
		report.Expired = append(report.Expired, id)
	}

	if m.cfg.Cache != nil {
		report.CacheExpired = m.cfg.Cache.CleanupExpired()
	}
	if len(report.TimedOut) > 0 || len(report.Expired) > 0 || report.CacheExpired > 0 {
		m.logger.Info("lifecycle sweep reclaimed resources",
			zap.Int("timed_out", len(report.TimedOut)),
			zap.Int("expired", len(report.Expired)),
			zap.Int("cache_expired", report.CacheExpired),
		)
	}
	return report
}

// Run sweeps every CleanupInterval until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Shutdown stops admissions, fails every running job with ShutdownError, and
// reclaims their resources. It returns the ids it failed.
func (m *Manager) Shutdown(ctx context.Context) []string {
	m.mu.Lock()
	m.closing = true
	m.mu.Unlock()

	ids := m.Running()
	for _, id := range ids {
		m.fail(ctx, id, ShutdownError, "shutdown")
	}
	if len(ids) > 0 {
		m.logger.Info("running jobs failed at shutdown", zap.Strings("job_ids", ids))
	}
	return ids
}

// fail records errText and reclaims the job. OnReclaim runs only when this
// call made the FAILED transition; a job finished concurrently by its owner
// belongs to that owner.
func (m *Manager) fail(ctx context.Context, jobID, errText, reason string) {
	err := m.jobs.FailJob(ctx, jobID, errText)
	if err != nil && !errors.Is(err, scan.ErrJobTerminal) {
		m.logger.Warn("mark job failed", zap.String("job_id", jobID), zap.Error(err))
	}
	if m.RegisterCompletion(ctx, jobID) {
		metrics.ObserveSweepReclaim(reason)
	}
	if err == nil {
		metrics.ObserveJob(string(scan.JobStatusFailed))
		if m.cfg.OnReclaim != nil {
			m.cfg.OnReclaim(jobID, errText)
		}
	}
}

func (m *Manager) reclaim(jobID string, resources []string) {
	if m.cleaner == nil {
		return
	}
	for _, path := range resources {
		if err := m.cleaner.Cleanup(path); err != nil {
			m.logger.Warn("resource cleanup failed",
				zap.String("job_id", jobID),
				zap.String("path", path),
				zap.Error(err),
			)
		}
	}
}
