// Package server provides the core application server and dependency injection.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/repo-scanner/internal/aggregator"
	"github.com/JakeFAU/repo-scanner/internal/api"
	"github.com/JakeFAU/repo-scanner/internal/cache"
	"github.com/JakeFAU/repo-scanner/internal/clock/system"
	"github.com/JakeFAU/repo-scanner/internal/config"
	"github.com/JakeFAU/repo-scanner/internal/fetcher"
	"github.com/JakeFAU/repo-scanner/internal/hash/sha256"
	"github.com/JakeFAU/repo-scanner/internal/id/uuid"
	"github.com/JakeFAU/repo-scanner/internal/lifecycle"
	"github.com/JakeFAU/repo-scanner/internal/orchestrator"
	"github.com/JakeFAU/repo-scanner/internal/policy/ratelimit"
	"github.com/JakeFAU/repo-scanner/internal/progress"
	progresssinks "github.com/JakeFAU/repo-scanner/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/repo-scanner/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/repo-scanner/internal/publisher/pubsub"
	"github.com/JakeFAU/repo-scanner/internal/scan"
	"github.com/JakeFAU/repo-scanner/internal/statusfs"
	gcsstorage "github.com/JakeFAU/repo-scanner/internal/storage/gcs"
	localstorage "github.com/JakeFAU/repo-scanner/internal/storage/local"
	memorystorage "github.com/JakeFAU/repo-scanner/internal/storage/memory"
	pgstore "github.com/JakeFAU/repo-scanner/internal/storage/postgres"
	"github.com/JakeFAU/repo-scanner/internal/store"
	"github.com/JakeFAU/repo-scanner/internal/telemetry"
	"github.com/JakeFAU/repo-scanner/internal/validator"
	"github.com/JakeFAU/repo-scanner/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	apiServer   *api.Server
	orch        *orchestrator.Orchestrator
	lifecycle   *lifecycle.Manager
	repoCache   *cache.Cache
	progressHub *progress.Hub

	pubsubClient    *pubsub.Client
	pubsubPublisher *pubsub.Publisher
	storage         *storage.Client
	progressStore   *pgstore.ProgressStore
	resultStore     *pgstore.ResultStore

	tracerShutdown func(context.Context) error
	cancelJobs     context.CancelFunc
	shuttingDown   atomic.Bool
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	// Define a struct for logging only non-sensitive config fields
	type SanitizedConfig struct {
		ServerPort    int    `json:"server_port"`
		MaxConcurrent int    `json:"max_concurrent"`
		StatusDir     string `json:"status_dir"`
		ScratchDir    string `json:"scratch_dir"`
		Storage       string `json:"storage"`
	}
	safeCfg := SanitizedConfig{
		ServerPort:    cfg.Server.Port,
		MaxConcurrent: cfg.Jobs.MaxConcurrent,
		StatusDir:     cfg.Worker.StatusDir,
		ScratchDir:    cfg.Fetch.ScratchDir,
		Storage:       cfg.Storage.Provider,
	}
	logger.Info("Creating application", zap.Any("config", safeCfg))
	return &App{
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Handler exposes the HTTP handler, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go func() {
		a.logger.Info("lifecycle sweeper started", zap.Duration("interval", a.cfg.Jobs.CleanupInterval))
		a.lifecycle.Run(sweepCtx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")
	a.shuttingDown.Store(true)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	return a.Close(shutdownCtx)
}

// Close fails running jobs, waits for their goroutines, and releases clients.
func (a *App) Close(ctx context.Context) error {
	a.shuttingDown.Store(true)
	if a.lifecycle != nil {
		a.lifecycle.Shutdown(ctx)
	}
	if a.cancelJobs != nil {
		a.cancelJobs()
	}
	if a.orch != nil {
		if err := a.orch.Wait(ctx); err != nil {
			a.logger.Warn("job runs did not drain", zap.Error(err))
		}
	}
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) ready(context.Context) error {
	if a.shuttingDown.Load() {
		return lifecycle.ErrShuttingDown
	}
	return nil
}

//nolint:gocognit // Shutdown logic is linear but extensive, ignoring complexity check
func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.resultStore != nil {
		a.resultStore.Close()
	}
	if a.progressStore != nil {
		a.progressStore.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	return build(ctx, cfg, logger, prometheus.DefaultRegisterer)
}

//nolint:funlen // wiring is linear
func build(ctx context.Context, cfg *config.Config, logger *zap.Logger, reg prometheus.Registerer) (*App, error) {
	app, err := NewApp(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("app init failed: %w", err)
	}

	if cfg.Tracing.Enabled {
		tp, err := telemetry.InitTracerProvider(ctx, cfg.Tracing.ServiceName)
		if err != nil {
			return nil, fmt.Errorf("tracer init failed: %w", err)
		}
		app.tracerShutdown = tp.Shutdown
	}

	app.logger.Info("building application dependencies")
	clock := system.New()
	urlValidator := validator.New(validator.Config{
		TrustedDomains: cfg.Security.TrustedDomains,
		AllowedSchemes: cfg.Security.AllowedSchemes,
		AllowedPorts:   cfg.Security.AllowedPorts,
		ResolveHosts:   cfg.Security.ResolveHosts,
	})
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.Fetch.RateLimitRPS,
		DefaultBurst: cfg.Fetch.RateLimitBurst,
	})

	statusStore, err := statusfs.New(cfg.Worker.StatusDir, app.logger.Named("statusfs"))
	if err != nil {
		return nil, fmt.Errorf("status store init failed: %w", err)
	}

	fetch, err := setupFetch(app, clock, urlValidator, limiter)
	if err != nil {
		return nil, err
	}

	jobs := memorystorage.NewJobStore(clock)
	agg := aggregator.New(statusStore, statusStore, clock, app.logger)
	resolver := fetcher.NewGroupResolver(fetcher.GroupConfig{
		GitHubAPI: cfg.Fetch.GitHubAPIURL,
		GitLabAPI: cfg.Fetch.GitLabAPIURL,
		MaxRepos:  cfg.Fetch.MaxGroupRepos,
		Validator: urlValidator,
		Limiter:   limiter,
		Logger:    app.logger,
	})

	launcher, err := worker.NewProcessLauncher(statusStore, worker.LauncherConfig{
		Binary:    cfg.Worker.Binary,
		Args:      workerArgs(cfg),
		StatusDir: statusStore.Root(),
		Timeout:   cfg.Worker.Timeout,
		KillGrace: cfg.Worker.KillGrace,
		Clock:     clock,
		Logger:    app.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("launcher init failed: %w", err)
	}

	// The lifecycle manager and orchestrator reference each other through
	// OnReclaim; the closure reads app.orch once both exist.
	app.lifecycle, err = lifecycle.New(jobs, fetch, lifecycle.Config{
		MaxConcurrent:   cfg.Jobs.MaxConcurrent,
		JobTimeout:      cfg.Jobs.Timeout,
		CleanupInterval: cfg.Jobs.CleanupInterval,
		MaxAge:          cfg.Jobs.MaxAge,
		Clock:           clock,
		Logger:          app.logger,
		Cache:           app.repoCache,
		Status:          statusStore,
		OnReclaim: func(jobID, errText string) {
			if app.orch != nil {
				app.orch.OnReclaim(jobID, errText)
			}
		},
	})
	if err != nil {
		return nil, fmt.Errorf("lifecycle manager init failed: %w", err)
	}

	blobStore, err := setupStorage(ctx, app)
	if err != nil {
		return nil, err
	}
	if err := setupDatabase(ctx, app); err != nil {
		return nil, err
	}
	publisher, err := setupPublisher(ctx, app)
	if err != nil {
		return nil, err
	}
	emitter, err := setupProgress(ctx, app, reg)
	if err != nil {
		return nil, err
	}

	jobsCtx, cancelJobs := context.WithCancel(context.WithoutCancel(ctx))
	app.cancelJobs = cancelJobs
	orchCfg := orchestrator.Config{
		Validator:        urlValidator,
		Jobs:             jobs,
		Lifecycle:        app.lifecycle,
		Resolver:         resolver,
		Fetcher:          fetch,
		Launcher:         launcher,
		Master:           statusStore,
		Records:          statusStore,
		Aggregator:       agg,
		IDs:              uuid.New(),
		Clock:            clock,
		Events:           emitter,
		Blobs:            blobStore,
		Publisher:        publisher,
		Topic:            cfg.PubSub.TopicName,
		MaxWorkersPerJob: cfg.Jobs.MaxWorkersPerJob,
		WorkerTimeout:    cfg.Worker.Timeout,
		FetchTimeout:     cfg.Fetch.DownloadTimeout,
		Branch:           cfg.Fetch.DefaultBranch,
		BaseContext:      jobsCtx,
		Logger:           app.logger,
	}
	if app.resultStore != nil {
		orchCfg.Results = app.resultStore
	}
	app.orch, err = orchestrator.New(orchCfg)
	if err != nil {
		cancelJobs()
		return nil, fmt.Errorf("orchestrator init failed: %w", err)
	}

	var history store.ProgressRepository
	if app.progressStore != nil {
		history = app.progressStore
	}
	app.apiServer = api.NewServer(api.Deps{
		Scans:   app.orch,
		Cache:   app.repoCache,
		History: history,
		Ready:   app.ready,
	}, *cfg, app.logger)

	return app, nil
}

// setupFetch builds the repository cache and fetch service. Cache evictions
// are routed to the fetcher, which defers removal of leased directories.
func setupFetch(app *App, clock scan.Clock, v scan.URLValidator, limiter fetcher.Waiter) (*fetcher.Service, error) {
	scratch, err := filepath.Abs(app.cfg.Fetch.ScratchDir)
	if err != nil {
		return nil, fmt.Errorf("resolve scratch dir: %w", err)
	}
	var fetch *fetcher.Service
	app.repoCache = cache.New(cache.Config{
		Capacity: app.cfg.Cache.Capacity,
		TTL:      app.cfg.Cache.TTL,
		Clock:    clock,
		Hasher:   sha256.New(),
		OnEvict: func(path string) {
			if fetch != nil {
				fetch.Evict(path)
			}
		},
		Logger: app.logger,
	})
	fetch, err = fetcher.New(fetcher.Config{
		ScratchDir:      scratch,
		DownloadTimeout: app.cfg.Fetch.DownloadTimeout,
		MaxBytes:        app.cfg.Fetch.MaxRepoSizeBytes,
		DefaultBranch:   app.cfg.Fetch.DefaultBranch,
		Validator:       v,
		Cache:           app.repoCache,
		Limiter:         limiter,
		Logger:          app.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("fetcher init failed: %w", err)
	}
	app.logger.Info("repository cache initialized",
		zap.Int("capacity", app.cfg.Cache.Capacity),
		zap.Duration("ttl", app.cfg.Cache.TTL),
		zap.String("scratch_dir", scratch),
	)
	return fetch, nil
}

func workerArgs(cfg *config.Config) []string {
	args := []string{"worker"}
	if cfg.Path != "" {
		args = append(args, "--config", cfg.Path)
	}
	return args
}

func setupStorage(ctx context.Context, app *App) (scan.BlobStore, error) {
	switch app.cfg.Storage.Provider {
	case config.StorageGCS:
		app.logger.Info("using GCS storage backend")
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		app.storage = client
		blobStore, err := gcsstorage.New(client, gcsstorage.Config{
			Bucket: app.cfg.Storage.GCSBucket,
			Prefix: app.cfg.Storage.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.logger.Debug("GCS storage backend", zap.String("bucket", app.cfg.Storage.GCSBucket))
		return blobStore, nil
	case config.StorageLocal:
		app.logger.Info("using local storage backend")
		blobStore, err := localstorage.New(localstorage.Config{BaseDir: app.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Debug("local storage backend", zap.String("path", app.cfg.Storage.LocalDir))
		return blobStore, nil
	default:
		app.logger.Info("using in-memory storage backend")
		return memorystorage.NewBlobStore(), nil
	}
}

func setupDatabase(ctx context.Context, app *App) error {
	if app.cfg.DB.DSN == "" {
		app.logger.Warn("No DSN specified for database, skipping result archive and progress repository initialization")
		return nil
	}
	poolCfg := pgstore.PoolConfig{
		DSN:             app.cfg.DB.DSN,
		MaxConns:        app.cfg.DB.MaxConns,
		MinConns:        app.cfg.DB.MinConns,
		MaxConnLifetime: app.cfg.DB.MaxConnLifetime,
	}
	var err error
	app.progressStore, err = pgstore.NewProgressStore(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("progress store init failed: %w", err)
	}
	if app.cfg.DB.ApplySchema {
		if err := app.progressStore.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("apply schema failed: %w", err)
		}
	}
	app.resultStore, err = pgstore.NewResultStore(ctx, poolCfg, "")
	if err != nil {
		return fmt.Errorf("result store init failed: %w", err)
	}
	app.logger.Info("postgres stores initialized")
	return nil
}

func setupPublisher(ctx context.Context, app *App) (scan.Publisher, error) {
	if app.cfg.PubSub.TopicName == "" || app.cfg.PubSub.ProjectID == "" {
		app.logger.Warn("No Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	var err error
	app.pubsubClient, err = pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubPublisher = app.pubsubClient.Publisher(app.cfg.PubSub.TopicName)
	app.logger.Info(
		"Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return gcppublisher.New(app.pubsubPublisher), nil
}

func setupProgress(ctx context.Context, app *App, reg prometheus.Registerer) (progress.Emitter, error) {
	var sinkList []progress.Sink
	if app.progressStore != nil {
		sinkList = append(sinkList, progresssinks.NewStoreSink(app.progressStore, app.logger.Named("progress_store")))
		app.logger.Debug("Added progress store sink")
	}
	if app.cfg.Progress.LogEvents {
		sinkList = append(sinkList, progresssinks.NewLogSink(app.logger.Named("progress_log")))
		app.logger.Debug("Added progress log sink")
	}
	if reg != nil {
		promSink, err := progresssinks.NewPrometheusSink(reg)
		if err != nil {
			return nil, fmt.Errorf("progress metrics sink init failed: %w", err)
		}
		sinkList = append(sinkList, promSink)
	}
	if len(sinkList) == 0 {
		app.logger.Info("no progress sinks configured")
		return progress.NopEmitter{}, nil
	}
	hubCfg := progress.Config{
		BufferSize:     app.cfg.Progress.BufferSize,
		MaxBatchEvents: app.cfg.Progress.BatchSize,
		MaxBatchWait:   app.cfg.Progress.BatchWait,
		SinkTimeout:    app.cfg.Progress.SinkTimeout,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         app.logger.Named("progress_hub"),
	}
	app.progressHub = progress.NewHub(hubCfg, sinkList...)
	app.logger.Info("progress hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
		zap.Duration("sink_timeout", hubCfg.SinkTimeout),
		zap.Int("sinks", len(sinkList)),
	)
	return app.progressHub, nil
}
