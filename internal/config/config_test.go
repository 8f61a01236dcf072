package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
jobs:
  max_concurrent: 3
  timeout: 90s
  max_workers_per_job: 2
cache:
  capacity: 7
  ttl: 10m
fetch:
  scratch_dir: /var/tmp/repos
  default_branch: trunk
  max_repo_size_bytes: 1048576
security:
  trusted_domains: ["github.com", "git.example.com"]
  allowed_ports: ["443", "8443"]
  resolve_hosts: false
worker:
  status_dir: /var/tmp/status
  kill_grace: 2s
storage:
  provider: GCS
  gcs_bucket: bucket
  prefix: archive
pubsub:
  project_id: proj
  topic_name: scans
logging:
  development: true
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadWithEnv(path, "")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Jobs.MaxConcurrent != 3 || cfg.Jobs.Timeout != 90*time.Second || cfg.Jobs.MaxWorkersPerJob != 2 {
		t.Fatalf("expected job overrides to apply: %+v", cfg.Jobs)
	}
	if cfg.Cache.Capacity != 7 || cfg.Cache.TTL != 10*time.Minute {
		t.Fatalf("expected cache overrides to apply: %+v", cfg.Cache)
	}
	if cfg.Fetch.DefaultBranch != "trunk" || cfg.Fetch.MaxRepoSizeBytes != 1<<20 {
		t.Fatalf("expected fetch overrides to apply: %+v", cfg.Fetch)
	}
	if len(cfg.Security.TrustedDomains) != 2 || cfg.Security.TrustedDomains[1] != "git.example.com" {
		t.Fatalf("expected trusted domains to load, got %v", cfg.Security.TrustedDomains)
	}
	if cfg.Security.ResolveHosts {
		t.Fatalf("expected resolve_hosts false")
	}
	if cfg.Worker.KillGrace != 2*time.Second {
		t.Fatalf("expected kill grace 2s, got %v", cfg.Worker.KillGrace)
	}
	if cfg.Storage.Provider != StorageGCS {
		t.Fatalf("expected provider to normalize to gcs, got %q", cfg.Storage.Provider)
	}
	if !cfg.Logging.Development {
		t.Fatalf("expected logging development true")
	}
	// untouched keys keep defaults
	if cfg.Worker.Timeout != 30*time.Minute || cfg.Jobs.CleanupInterval != 5*time.Minute {
		t.Fatalf("expected defaults for unset keys, got %v / %v", cfg.Worker.Timeout, cfg.Jobs.CleanupInterval)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := LoadWithEnv("", "")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Jobs.MaxConcurrent != 10 || cfg.Cache.Capacity != 100 {
		t.Fatalf("unexpected defaults: jobs=%+v cache=%+v", cfg.Jobs, cfg.Cache)
	}
	if cfg.Fetch.DefaultBranch != "main" {
		t.Fatalf("expected default branch main, got %q", cfg.Fetch.DefaultBranch)
	}
	if len(cfg.Security.AllowedSchemes) != 1 || cfg.Security.AllowedSchemes[0] != "https" {
		t.Fatalf("expected https-only default, got %v", cfg.Security.AllowedSchemes)
	}
	if cfg.Storage.Provider != StorageNone {
		t.Fatalf("expected storage provider none, got %q", cfg.Storage.Provider)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SCANNER_JOBS_MAX_CONCURRENT", "2")
	t.Setenv("SCANNER_CACHE_TTL", "45s")

	cfg, err := LoadWithEnv("", "")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Jobs.MaxConcurrent != 2 {
		t.Fatalf("expected env max_concurrent 2, got %d", cfg.Jobs.MaxConcurrent)
	}
	if cfg.Cache.TTL != 45*time.Second {
		t.Fatalf("expected env ttl 45s, got %v", cfg.Cache.TTL)
	}
}

func TestLoadDotEnvFile(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	if err := os.WriteFile(envPath, []byte("SCANNER_SERVER_PORT=7070\n"), 0o600); err != nil {
		t.Fatalf("failed to write env file: %v", err)
	}
	t.Cleanup(func() { _ = os.Unsetenv("SCANNER_SERVER_PORT") })

	cfg, err := LoadWithEnv("", envPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Fatalf("expected port from .env, got %d", cfg.Server.Port)
	}
}

func TestLoadMissingDotEnvIgnored(t *testing.T) {
	t.Parallel()

	if _, err := LoadWithEnv("", filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Fatalf("expected missing env file to be ignored, got %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := LoadWithEnv(filepath.Join(t.TempDir(), "missing.yaml"), ""); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	base, err := LoadWithEnv("", "")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "port", mutate: func(c *Config) { c.Server.Port = 0 }, want: "server.port"},
		{name: "auth key", mutate: func(c *Config) { c.Auth.Enabled = true }, want: "auth.api_key"},
		{name: "max concurrent", mutate: func(c *Config) { c.Jobs.MaxConcurrent = 0 }, want: "jobs.max_concurrent"},
		{name: "cache capacity", mutate: func(c *Config) { c.Cache.Capacity = -1 }, want: "cache.capacity"},
		{name: "schemes", mutate: func(c *Config) { c.Security.AllowedSchemes = nil }, want: "security.allowed_schemes"},
		{name: "local dir", mutate: func(c *Config) { c.Storage.Provider = StorageLocal }, want: "storage.local_dir"},
		{name: "gcs bucket", mutate: func(c *Config) { c.Storage.Provider = StorageGCS }, want: "storage.gcs_bucket"},
		{name: "unknown provider", mutate: func(c *Config) { c.Storage.Provider = "s3" }, want: "not supported"},
		{name: "pubsub project", mutate: func(c *Config) { c.PubSub.TopicName = "t" }, want: "pubsub.project_id"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			cfg.Security.AllowedSchemes = append([]string(nil), base.Security.AllowedSchemes...)
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tc.want)
			}
		})
	}

	if err := base.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}
