// Package worker scans one repository per OS process and reports progress
// through status records. ProcessLauncher supervises those processes from the
// orchestrator side.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime/debug"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/repo-scanner/internal/clock/system"
	"github.com/JakeFAU/repo-scanner/internal/scan"
)

const (
	defaultProgressInterval = 2 * time.Second
	maxAnalyzedBytes        = 512 << 10
)

// Config controls a Runner.
type Config struct {
	ProgressInterval time.Duration
	Clock            scan.Clock
	Logger           *zap.Logger
}

// Runner performs the scan of one repository.
type Runner struct {
	status   scan.StatusWriter
	analyzer scan.Analyzer
	fetcher  scan.Fetcher
	cfg      Config
	logger   *zap.Logger
}

// NewRunner constructs a Runner. fetcher is only used when a spec carries no
// pre-fetched path; analyzer defaults to DefaultAnalyzer.
func NewRunner(status scan.StatusWriter, analyzer scan.Analyzer, fetcher scan.Fetcher, cfg Config) *Runner {
	if analyzer == nil {
		analyzer = DefaultAnalyzer{}
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = defaultProgressInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = system.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Runner{status: status, analyzer: analyzer, fetcher: fetcher, cfg: cfg, logger: cfg.Logger}
}

// scanRun is the state of one Run call.
type scanRun struct {
	r          *Runner
	spec       scan.WorkerSpec
	rec        scan.RepoRecord
	summary    scan.Summary
	lastWrite  time.Time
	lastDecile int
	logger     *zap.Logger
}

// Run scans the repository described by spec and always attempts to leave a
// terminal record behind: completed, failed (including recovered panics), or
// timeout when spec.Timeout elapses.
func (r *Runner) Run(ctx context.Context, spec scan.WorkerSpec) (err error) {
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}
	run := &scanRun{
		r:    r,
		spec: spec,
		rec: scan.RepoRecord{
			RepoIndex: spec.Index,
			RepoName:  spec.Name,
			Status:    scan.RepoScanning,
		},
		summary: scan.Summary{Languages: map[string]int{}},
		logger: r.logger.With(
			zap.String("job_id", spec.JobID),
			zap.Int("repo_index", spec.Index),
			zap.String("repo_name", spec.Name),
		),
	}

	defer func() {
		if p := recover(); p != nil {
			run.logger.Error("worker panic", zap.Any("panic", p), zap.ByteString("stack", debug.Stack()))
			msg := fmt.Sprintf("worker panic: %v", p)
			if werr := run.finish(ctx, scan.RepoFailed, msg); werr != nil {
				run.logger.Error("write failed record", zap.Error(werr))
			}
			err = errors.New(msg)
		}
	}()

	if err := run.write(ctx); err != nil {
		return fmt.Errorf("write initial record: %w", err)
	}

	scanErr := run.scan(ctx)
	switch {
	case scanErr == nil:
		run.rec.Percentage = 100
		run.rec.CurrentFile = ""
		run.rec.Summary = &run.summary
		if err := run.finish(ctx, scan.RepoCompleted, ""); err != nil {
			return fmt.Errorf("write completed record: %w", err)
		}
		run.logger.Info("repository scanned",
			zap.Int("files", run.summary.Files),
			zap.Int64("bytes", run.summary.Bytes),
		)
		return nil
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		msg := fmt.Sprintf("scan timed out after %s", spec.Timeout)
		if err := run.finish(ctx, scan.RepoTimeout, msg); err != nil {
			return fmt.Errorf("write timeout record: %w", err)
		}
		return fmt.Errorf("scan %s: %w", spec.Name, scanErr)
	default:
		if err := run.finish(ctx, scan.RepoFailed, scanErr.Error()); err != nil {
			return fmt.Errorf("write failed record: %w", err)
		}
		return fmt.Errorf("scan %s: %w", spec.Name, scanErr)
	}
}

func (s *scanRun) scan(ctx context.Context) error {
	root := s.spec.Path
	if root == "" {
		if s.r.fetcher == nil {
			return errors.New("no repository path and no fetcher configured")
		}
		fetched, err := s.r.fetcher.Fetch(ctx, s.spec.URL, scan.FetchOptions{})
		if err != nil {
			return err
		}
		defer func() {
			if err := s.r.fetcher.Cleanup(fetched); err != nil {
				s.logger.Warn("cleanup fetched repository", zap.Error(err))
			}
		}()
		root = fetched
	}

	files, err := listFiles(root)
	if err != nil {
		return err
	}
	s.rec.TotalFiles = len(files)
	if err := s.write(ctx); err != nil {
		return err
	}

	for i, rel := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.analyze(ctx, root, rel); err != nil {
			return err
		}
		s.rec.CurrentFileCount = i + 1
		s.rec.CurrentFile = rel
		s.rec.Percentage = float64(i+1) * 100 / float64(len(files))
		if err := s.tick(ctx); err != nil {
			return err
		}
	}
	sortFindings(s.summary.Dependencies)
	sortFindings(s.summary.Infrastructure)
	return nil
}

func (s *scanRun) analyze(ctx context.Context, root, rel string) error {
	f, err := os.Open(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		return fmt.Errorf("open %s: %w", rel, err)
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", rel, err)
	}
	content, err := io.ReadAll(io.LimitReader(f, maxAnalyzedBytes))
	if err != nil {
		return fmt.Errorf("read %s: %w", rel, err)
	}

	s.summary.Files++
	s.summary.Bytes += info.Size()
	report, err := s.r.analyzer.Analyze(ctx, rel, content)
	if err != nil {
		s.logger.Debug("analyzer skipped file", zap.String("path", rel), zap.Error(err))
		return nil
	}
	if report.Language != "" {
		s.summary.Languages[report.Language]++
	}
	for _, finding := range report.Findings {
		switch finding.Category {
		case scan.CategoryDependency:
			s.summary.Dependencies = append(s.summary.Dependencies, finding)
		case scan.CategoryInfrastructure:
			s.summary.Infrastructure = append(s.summary.Infrastructure, finding)
		}
	}
	return nil
}

// tick writes a progress record when the interval has elapsed or a new 10%
// step was crossed.
func (s *scanRun) tick(ctx context.Context) error {
	decile := int(s.rec.Percentage / 10)
	now := s.r.cfg.Clock.Now()
	if decile <= s.lastDecile && now.Sub(s.lastWrite) < s.r.cfg.ProgressInterval {
		return nil
	}
	s.lastDecile = decile
	return s.write(ctx)
}

func (s *scanRun) write(ctx context.Context) error {
	now := s.r.cfg.Clock.Now()
	s.rec.LastUpdate = scan.NewTimestamp(now)
	s.lastWrite = now
	if err := s.r.status.WriteRepo(ctx, s.spec.JobID, s.rec); err != nil {
		return fmt.Errorf("write status record: %w", err)
	}
	return nil
}

// finish writes a terminal record even when ctx is already done.
func (s *scanRun) finish(ctx context.Context, status scan.RepoStatus, errText string) error {
	s.rec.Status = status
	s.rec.Error = errText
	return s.write(context.WithoutCancel(ctx))
}

func sortFindings(findings []scan.Finding) {
	sort.Slice(findings, func(i, j int) bool {
		if findings[i].Path == findings[j].Path {
			return findings[i].Kind < findings[j].Kind
		}
		return findings[i].Path < findings[j].Path
	})
}
