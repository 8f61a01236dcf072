// Package config loads and validates scanner configuration via Viper.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Storage providers accepted by storage.provider.
const (
	StorageNone  = "none"
	StorageLocal = "local"
	StorageGCS   = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Jobs     JobsConfig     `mapstructure:"jobs"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Fetch    FetchConfig    `mapstructure:"fetch"`
	Security SecurityConfig `mapstructure:"security"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Storage  StorageConfig  `mapstructure:"storage"`
	DB       DBConfig       `mapstructure:"db"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Progress ProgressConfig `mapstructure:"progress"`
	Tracing  TracingConfig  `mapstructure:"tracing"`

	// Path is the config file Load read, if any. Worker processes reuse it.
	Path string `mapstructure:"-"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// JobsConfig bounds admission and job lifetimes.
type JobsConfig struct {
	MaxConcurrent    int           `mapstructure:"max_concurrent"`
	Timeout          time.Duration `mapstructure:"timeout"`
	CleanupInterval  time.Duration `mapstructure:"cleanup_interval"`
	MaxAge           time.Duration `mapstructure:"max_age"`
	MaxWorkersPerJob int           `mapstructure:"max_workers_per_job"`
}

// CacheConfig sizes the repository cache.
type CacheConfig struct {
	Capacity int           `mapstructure:"capacity"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// FetchConfig governs downloads and group expansion.
type FetchConfig struct {
	DownloadTimeout  time.Duration `mapstructure:"download_timeout"`
	MaxRepoSizeBytes int64         `mapstructure:"max_repo_size_bytes"`
	ScratchDir       string        `mapstructure:"scratch_dir"`
	DefaultBranch    string        `mapstructure:"default_branch"`
	RateLimitRPS     float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst   int           `mapstructure:"rate_limit_burst"`
	GitHubAPIURL     string        `mapstructure:"github_api_url"`
	GitLabAPIURL     string        `mapstructure:"gitlab_api_url"`
	MaxGroupRepos    int           `mapstructure:"max_group_repos"`
}

// SecurityConfig feeds the URL validator.
type SecurityConfig struct {
	TrustedDomains []string `mapstructure:"trusted_domains"`
	AllowedSchemes []string `mapstructure:"allowed_schemes"`
	AllowedPorts   []string `mapstructure:"allowed_ports"`
	ResolveHosts   bool     `mapstructure:"resolve_hosts"`
}

// WorkerConfig configures scan subprocesses.
type WorkerConfig struct {
	StatusDir        string        `mapstructure:"status_dir"`
	Timeout          time.Duration `mapstructure:"timeout"`
	KillGrace        time.Duration `mapstructure:"kill_grace"`
	ProgressInterval time.Duration `mapstructure:"progress_interval"`
	// Binary defaults to the running executable when empty.
	Binary string `mapstructure:"binary"`
}

// StorageConfig selects where final job results are archived.
type StorageConfig struct {
	Provider  string `mapstructure:"provider"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	ApplySchema     bool          `mapstructure:"apply_schema"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ProgressConfig tunes the progress event hub.
type ProgressConfig struct {
	BufferSize  int           `mapstructure:"buffer_size"`
	BatchSize   int           `mapstructure:"batch_size"`
	BatchWait   time.Duration `mapstructure:"batch_wait"`
	SinkTimeout time.Duration `mapstructure:"sink_timeout"`
	LogEvents   bool          `mapstructure:"log_events"`
}

// TracingConfig toggles the OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// Load builds a Config from an optional .env file, disk, and environment.
func Load(path string) (Config, error) {
	return LoadWithEnv(path, ".env")
}

// LoadWithEnv is Load with an explicit .env location. A missing env file is ignored.
func LoadWithEnv(path, envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("load env file: %w", err)
		}
	}

	v := viper.New()
	v.SetEnvPrefix("SCANNER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Path = path
	cfg.Storage.Provider = strings.ToLower(strings.TrimSpace(cfg.Storage.Provider))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "")

	v.SetDefault("jobs.max_concurrent", 10)
	v.SetDefault("jobs.timeout", time.Hour)
	v.SetDefault("jobs.cleanup_interval", 5*time.Minute)
	v.SetDefault("jobs.max_age", 24*time.Hour)
	v.SetDefault("jobs.max_workers_per_job", 4)

	v.SetDefault("cache.capacity", 100)
	v.SetDefault("cache.ttl", time.Hour)

	v.SetDefault("fetch.download_timeout", 5*time.Minute)
	v.SetDefault("fetch.max_repo_size_bytes", int64(500<<20))
	v.SetDefault("fetch.scratch_dir", os.TempDir()+"/repo-scanner/repos")
	v.SetDefault("fetch.default_branch", "main")
	v.SetDefault("fetch.rate_limit_rps", 2.0)
	v.SetDefault("fetch.rate_limit_burst", 4)
	v.SetDefault("fetch.github_api_url", "https://api.github.com")
	v.SetDefault("fetch.gitlab_api_url", "https://gitlab.com/api/v4")
	v.SetDefault("fetch.max_group_repos", 100)

	v.SetDefault("security.trusted_domains", []string{"github.com", "gitlab.com", "bitbucket.org"})
	v.SetDefault("security.allowed_schemes", []string{"https"})
	v.SetDefault("security.allowed_ports", []string{"443"})
	v.SetDefault("security.resolve_hosts", true)

	v.SetDefault("worker.status_dir", os.TempDir()+"/repo-scanner/status")
	v.SetDefault("worker.timeout", 30*time.Minute)
	v.SetDefault("worker.kill_grace", 5*time.Second)
	v.SetDefault("worker.progress_interval", 2*time.Second)
	v.SetDefault("worker.binary", "")

	v.SetDefault("storage.provider", StorageNone)
	v.SetDefault("storage.local_dir", "")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.prefix", "results")

	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime", time.Hour)
	v.SetDefault("db.apply_schema", true)

	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")

	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.batch_size", 256)
	v.SetDefault("progress.batch_wait", 250*time.Millisecond)
	v.SetDefault("progress.sink_timeout", 10*time.Second)
	v.SetDefault("progress.log_events", true)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "repo-scanner")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Jobs.MaxConcurrent <= 0 {
		return fmt.Errorf("jobs.max_concurrent must be > 0")
	}
	if c.Jobs.Timeout <= 0 {
		return fmt.Errorf("jobs.timeout must be > 0")
	}
	if c.Jobs.CleanupInterval <= 0 {
		return fmt.Errorf("jobs.cleanup_interval must be > 0")
	}
	if c.Jobs.MaxAge <= 0 {
		return fmt.Errorf("jobs.max_age must be > 0")
	}
	if c.Jobs.MaxWorkersPerJob <= 0 {
		return fmt.Errorf("jobs.max_workers_per_job must be > 0")
	}
	if c.Cache.Capacity <= 0 {
		return fmt.Errorf("cache.capacity must be > 0")
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be > 0")
	}
	if c.Fetch.DownloadTimeout <= 0 {
		return fmt.Errorf("fetch.download_timeout must be > 0")
	}
	if c.Fetch.MaxRepoSizeBytes <= 0 {
		return fmt.Errorf("fetch.max_repo_size_bytes must be > 0")
	}
	if strings.TrimSpace(c.Fetch.ScratchDir) == "" {
		return fmt.Errorf("fetch.scratch_dir must be set")
	}
	if c.Fetch.RateLimitRPS < 0 {
		return fmt.Errorf("fetch.rate_limit_rps must be >= 0")
	}
	if len(c.Security.AllowedSchemes) == 0 {
		return fmt.Errorf("security.allowed_schemes must not be empty")
	}
	if strings.TrimSpace(c.Worker.StatusDir) == "" {
		return fmt.Errorf("worker.status_dir must be set")
	}
	if c.Worker.Timeout <= 0 {
		return fmt.Errorf("worker.timeout must be > 0")
	}
	if c.Worker.ProgressInterval <= 0 {
		return fmt.Errorf("worker.progress_interval must be > 0")
	}
	switch c.Storage.Provider {
	case StorageNone, "":
	case StorageLocal:
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir must be set for the local provider")
		}
	case StorageGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs provider")
		}
	default:
		return fmt.Errorf("storage.provider %q is not supported", c.Storage.Provider)
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	if c.Progress.BufferSize <= 0 {
		return fmt.Errorf("progress.buffer_size must be > 0")
	}
	if c.Progress.BatchSize <= 0 {
		return fmt.Errorf("progress.batch_size must be > 0")
	}
	return nil
}
