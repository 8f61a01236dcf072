package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapio"

	"github.com/JakeFAU/repo-scanner/internal/clock/system"
	"github.com/JakeFAU/repo-scanner/internal/metrics"
	"github.com/JakeFAU/repo-scanner/internal/scan"
)

const defaultKillGrace = 10 * time.Second

// StatusStore is what the supervisor needs to inspect and complete a
// worker's record.
type StatusStore interface {
	scan.StatusWriter
	ReadRepo(ctx context.Context, jobID string, index int) (scan.RepoRecord, error)
}

// LauncherConfig controls how worker processes are started.
type LauncherConfig struct {
	// Binary defaults to the running executable.
	Binary string
	// Args are placed before the worker subcommand's own flags.
	Args      []string
	StatusDir string
	Timeout   time.Duration
	KillGrace time.Duration
	// Env is appended to the parent's environment.
	Env    []string
	Clock  scan.Clock
	Logger *zap.Logger
}

// ProcessLauncher implements scan.Launcher with one OS process per
// repository.
type ProcessLauncher struct {
	status StatusStore
	cfg    LauncherConfig
	logger *zap.Logger
}

// NewProcessLauncher constructs a ProcessLauncher.
func NewProcessLauncher(status StatusStore, cfg LauncherConfig) (*ProcessLauncher, error) {
	if status == nil {
		return nil, errors.New("launcher requires a status store")
	}
	if cfg.Binary == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve worker binary: %w", err)
		}
		cfg.Binary = exe
	}
	if len(cfg.Args) == 0 {
		cfg.Args = []string{"worker"}
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = defaultKillGrace
	}
	if cfg.Clock == nil {
		cfg.Clock = system.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProcessLauncher{status: status, cfg: cfg, logger: logger.Named("launcher")}, nil
}

// Launch runs the worker for spec and waits for it to exit. If the worker did
// not leave a terminal record, the supervisor writes timeout (budget exceeded)
// or failed on its behalf.
func (l *ProcessLauncher) Launch(ctx context.Context, spec scan.WorkerSpec) error {
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = l.cfg.Timeout
	}
	spec.Timeout = timeout
	budget := timeout + l.cfg.KillGrace
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}

	logger := l.logger.With(zap.String("job_id", spec.JobID), zap.Int("repo_index", spec.Index), zap.String("repo_name", spec.Name))
	cmd := exec.CommandContext(runCtx, l.cfg.Binary, l.args(spec)...) //nolint:gosec // binary and arguments are built by the orchestrator
	cmd.Env = append(os.Environ(), l.cfg.Env...)
	out := &zapio.Writer{Log: logger.Named("worker"), Level: zap.DebugLevel}
	defer func() { _ = out.Close() }()
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = l.cfg.KillGrace

	metrics.IncActiveWorkers()
	start := time.Now()
	runErr := cmd.Run()
	metrics.DecActiveWorkers()
	logger.Debug("worker exited", zap.Duration("duration", time.Since(start)), zap.Error(runErr))

	rec, readErr := l.status.ReadRepo(context.WithoutCancel(ctx), spec.JobID, spec.Index)
	if readErr == nil && rec.Status.Terminal() {
		metrics.ObserveWorkerExit(string(rec.Status))
		return nil
	}

	status, msg := scan.RepoFailed, "worker exited without a terminal status"
	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		status, msg = scan.RepoTimeout, fmt.Sprintf("worker exceeded its budget of %s", budget)
	case ctx.Err() != nil:
		msg = "worker canceled"
	case runErr != nil:
		msg = fmt.Sprintf("worker exited: %v", runErr)
	}
	logger.Warn("supervisor recording worker outcome", zap.String("status", string(status)), zap.String("error", msg))
	metrics.ObserveWorkerExit(string(status))

	final := scan.RepoRecord{
		RepoIndex: spec.Index,
		RepoName:  spec.Name,
		Status:    status,
		Error:     msg,
	}
	if readErr == nil {
		final.TotalFiles = rec.TotalFiles
		final.CurrentFileCount = rec.CurrentFileCount
		final.CurrentFile = rec.CurrentFile
		final.Percentage = rec.Percentage
	}
	final.LastUpdate = scan.NewTimestamp(l.cfg.Clock.Now())
	if err := l.status.WriteRepo(context.WithoutCancel(ctx), spec.JobID, final); err != nil {
		return fmt.Errorf("write supervisor record: %w", err)
	}
	return nil
}

func (l *ProcessLauncher) args(spec scan.WorkerSpec) []string {
	args := append([]string(nil), l.cfg.Args...)
	args = append(args,
		"--job-id", spec.JobID,
		"--index", strconv.Itoa(spec.Index),
		"--name", spec.Name,
		"--url", spec.URL,
	)
	if spec.Path != "" {
		args = append(args, "--path", spec.Path)
	}
	if spec.Timeout > 0 {
		args = append(args, "--timeout", spec.Timeout.String())
	}
	if l.cfg.StatusDir != "" {
		args = append(args, "--status-dir", l.cfg.StatusDir)
	}
	return args
}
