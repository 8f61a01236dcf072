package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/repo-scanner/internal/progress"
)

// PrometheusSink derives run-level metrics from progress events. Its
// collectors live on the supplied registry rather than the package-level ones
// in internal/metrics.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runsActive    prometheus.Gauge
	runDuration   *prometheus.HistogramVec

	reposCompleted *prometheus.CounterVec
	repoFiles      prometheus.Counter
	repoDuration   *prometheus.HistogramVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scan_runs_started_total",
			Help: "Scan jobs that have started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scan_runs_completed_total",
			Help: "Scan jobs finished, partitioned by result.",
		}, []string{"result"}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scan_runs_active",
			Help: "Scan jobs started but not yet finished.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scan_run_duration_seconds",
			Help:    "Wall time per finished scan job.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"result"}),
		reposCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scan_repos_completed_total",
			Help: "Repositories reaching a terminal state, partitioned by status.",
		}, []string{"status"}),
		repoFiles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scan_repo_files_total",
			Help: "Files scanned across all repositories.",
		}),
		repoDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scan_repo_duration_seconds",
			Help:    "Per-repository scan time, partitioned by status.",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"status"}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsActive,
		s.runDuration,
		s.reposCompleted,
		s.repoFiles,
		s.repoDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors for every event in batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageJobStart:
			s.runsStarted.Inc()
			if s.tracker.start(evt.JobID) {
				s.runsActive.Inc()
			}
		case progress.StageJobDone:
			s.finishRun(evt, "success")
		case progress.StageJobError:
			s.finishRun(evt, "error")
		case progress.StageRepoDone:
			status := evt.RepoStatus
			s.reposCompleted.WithLabelValues(status).Inc()
			if evt.Files > 0 {
				s.repoFiles.Add(float64(evt.Files))
			}
			if evt.Dur > 0 {
				s.repoDuration.WithLabelValues(status).Observe(evt.Dur.Seconds())
			}
		}
	}
	return nil
}

func (s *PrometheusSink) finishRun(evt progress.Event, result string) {
	s.runsCompleted.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.runDuration.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if s.tracker.finish(evt.JobID) {
		s.runsActive.Dec()
	}
}

// Close implements progress.Sink.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu     sync.Mutex
	active map[[16]byte]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{active: make(map[[16]byte]struct{})}
}

func (t *runTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.active[id]; ok {
		return false
	}
	t.active[id] = struct{}{}
	return true
}

func (t *runTracker) finish(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.active[id]; !ok {
		return false
	}
	delete(t.active, id)
	return true
}
