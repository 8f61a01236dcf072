package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/repo-scanner/internal/clock/system"
	"github.com/JakeFAU/repo-scanner/internal/fetcher"
	"github.com/JakeFAU/repo-scanner/internal/policy/ratelimit"
	"github.com/JakeFAU/repo-scanner/internal/scan"
	"github.com/JakeFAU/repo-scanner/internal/statusfs"
	"github.com/JakeFAU/repo-scanner/internal/validator"
	"github.com/JakeFAU/repo-scanner/internal/worker"
)

type workerFlags struct {
	jobID     string
	index     int
	name      string
	url       string
	path      string
	timeout   time.Duration
	statusDir string
}

// newWorkerCmd creates the 'worker' subcommand. The server launches one
// worker process per repository; it is not meant to be run by hand.
func newWorkerCmd() *cobra.Command {
	var f workerFlags
	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Scans a single repository and records progress to its status file",
		Hidden: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			return runWorker(cmd, rt, f)
		},
	}
	cmd.Flags().StringVar(&f.jobID, "job-id", "", "job id")
	cmd.Flags().IntVar(&f.index, "index", -1, "repository index within the job")
	cmd.Flags().StringVar(&f.name, "name", "", "repository name (owner/repo)")
	cmd.Flags().StringVar(&f.url, "url", "", "repository URL")
	cmd.Flags().StringVar(&f.path, "path", "", "already-fetched repository root")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 0, "scan budget")
	cmd.Flags().StringVar(&f.statusDir, "status-dir", "", "status directory (defaults to worker.status_dir)")
	return cmd
}

func (f workerFlags) validate() error {
	switch {
	case f.jobID == "":
		return errors.New("--job-id is required")
	case f.index < 0:
		return errors.New("--index must be >= 0")
	case f.name == "":
		return errors.New("--name is required")
	case f.path == "" && f.url == "":
		return errors.New("one of --path or --url is required")
	}
	return nil
}

func runWorker(cmd *cobra.Command, rt *runtime, f workerFlags) error {
	if err := f.validate(); err != nil {
		return err
	}
	cfg := rt.cfg
	logger := rt.logger.Named("worker").With(zap.String("job_id", f.jobID), zap.Int("repo_index", f.index))

	statusDir := f.statusDir
	if statusDir == "" {
		statusDir = cfg.Worker.StatusDir
	}
	status, err := statusfs.New(statusDir, logger)
	if err != nil {
		return fmt.Errorf("open status store: %w", err)
	}

	var fetch scan.Fetcher
	if f.path == "" {
		urlValidator := validator.New(validator.Config{
			TrustedDomains: cfg.Security.TrustedDomains,
			AllowedSchemes: cfg.Security.AllowedSchemes,
			AllowedPorts:   cfg.Security.AllowedPorts,
			ResolveHosts:   cfg.Security.ResolveHosts,
		})
		svc, err := fetcher.New(fetcher.Config{
			ScratchDir:      cfg.Fetch.ScratchDir,
			DownloadTimeout: cfg.Fetch.DownloadTimeout,
			MaxBytes:        cfg.Fetch.MaxRepoSizeBytes,
			DefaultBranch:   cfg.Fetch.DefaultBranch,
			Validator:       urlValidator,
			Limiter: ratelimit.New(ratelimit.Config{
				DefaultRPS:   cfg.Fetch.RateLimitRPS,
				DefaultBurst: cfg.Fetch.RateLimitBurst,
			}),
			Logger: logger,
		})
		if err != nil {
			return fmt.Errorf("init fetcher: %w", err)
		}
		fetch = svc
	}

	runner := worker.NewRunner(status, worker.DefaultAnalyzer{}, fetch, worker.Config{
		ProgressInterval: cfg.Worker.ProgressInterval,
		Clock:            system.New(),
		Logger:           logger,
	})
	spec := scan.WorkerSpec{
		JobID:   f.jobID,
		Index:   f.index,
		Name:    f.name,
		URL:     f.url,
		Path:    f.path,
		Timeout: f.timeout,
	}
	if err := runner.Run(cmd.Context(), spec); err != nil {
		return fmt.Errorf("scan %s: %w", f.name, err)
	}
	return nil
}
