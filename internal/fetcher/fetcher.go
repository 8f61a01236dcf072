// Package fetcher turns validated repository URLs into local directories. It
// downloads provider archives (falling back to a shallow git clone), extracts
// them safely into a scratch area, and shares results through the repository
// cache.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/repo-scanner/internal/metrics"
	"github.com/JakeFAU/repo-scanner/internal/scan"
	"github.com/JakeFAU/repo-scanner/internal/validator"
)

const (
	defaultDownloadTimeout = 5 * time.Minute
	defaultMaxBytes        = 500 << 20
	defaultBranch          = "main"
	maxRedirects           = 5
	userAgent              = "repo-scanner/1.0"
)

// Cache is the subset of the repository cache the fetcher relies on.
type Cache interface {
	Get(url string) (string, bool)
	Put(url, path string)
	Remove(url string) bool
	Owns(path string) bool
}

// Waiter throttles outbound requests per host.
type Waiter interface {
	Wait(ctx context.Context, url string) error
}

// Config controls fetch behavior.
type Config struct {
	ScratchDir      string
	DownloadTimeout time.Duration
	// MaxBytes caps both the downloaded archive and its extracted contents.
	MaxBytes      int64
	DefaultBranch string
	// AllowPrivateNetworks disables the dial-time address check.
	AllowPrivateNetworks bool
	Validator            scan.URLValidator
	Cache                Cache
	Limiter              Waiter
	HTTPClient           *http.Client
	Logger               *zap.Logger
}

// Service implements scan.Fetcher.
type Service struct {
	cfg     Config
	scratch string
	client  *http.Client
	logger  *zap.Logger

	mu       sync.Mutex
	leases   map[string]int
	orphaned map[string]bool
}

// New constructs a Service and creates its scratch directory.
func New(cfg Config) (*Service, error) {
	if cfg.Validator == nil {
		return nil, errors.New("fetcher requires a url validator")
	}
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = filepath.Join(os.TempDir(), "repo-scanner")
	}
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = defaultDownloadTimeout
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultMaxBytes
	}
	if cfg.DefaultBranch == "" {
		cfg.DefaultBranch = defaultBranch
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	scratch, err := filepath.Abs(cfg.ScratchDir)
	if err != nil {
		return nil, fmt.Errorf("resolve scratch dir: %w", err)
	}
	if err := os.MkdirAll(scratch, 0o750); err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	client := cfg.HTTPClient
	if client == nil {
		client = newHTTPClient(cfg.AllowPrivateNetworks)
	}
	return &Service{
		cfg:      cfg,
		scratch:  scratch,
		client:   client,
		logger:   cfg.Logger.Named("fetcher"),
		leases:   make(map[string]int),
		orphaned: make(map[string]bool),
	}, nil
}

// ScratchDir returns the absolute scratch root.
func (s *Service) ScratchDir() string {
	return s.scratch
}

// Fetch returns a local directory holding the repository at rawURL. Each
// successful call takes a lease on the directory that Cleanup releases.
func (s *Service) Fetch(ctx context.Context, rawURL string, opts scan.FetchOptions) (string, error) {
	target, err := s.cfg.Validator.Validate(ctx, rawURL)
	if err != nil {
		return "", err
	}
	if target.Kind == scan.TargetGroup {
		return "", &scan.FetchError{Stage: scan.StageResolve, URL: target.URL, Err: errors.New("group targets must be resolved before fetching")}
	}

	if s.cfg.Cache != nil {
		if path, ok := s.cfg.Cache.Get(target.URL); ok {
			if _, statErr := os.Stat(path); statErr == nil {
				s.acquire(path)
				s.logger.Debug("fetch served from cache", zap.String("url", target.URL), zap.String("path", path))
				return path, nil
			}
			s.logger.Warn("cached repository vanished, fetching again", zap.String("url", target.URL), zap.String("path", path))
			s.cfg.Cache.Remove(target.URL)
		}
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DownloadTimeout
	}
	branch := opts.Branch
	if branch == "" {
		branch = s.cfg.DefaultBranch
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ctx, span := otel.Tracer("repo-scanner/fetcher").Start(ctx, "fetcher.Fetch")
	defer span.End()
	span.SetAttributes(
		attribute.String("repo.url", target.URL),
		attribute.String("repo.provider", string(target.Provider)),
		attribute.String("repo.branch", branch),
	)

	start := time.Now()
	path, size, err := s.fetchFresh(ctx, target, branch)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.ObserveFetch(target.URL, "error", 0, time.Since(start))
		s.logger.Warn("fetch failed", zap.String("url", target.URL), zap.Error(err))
		return "", err
	}
	metrics.ObserveFetch(target.URL, "success", size, time.Since(start))
	s.logger.Info("repository fetched",
		zap.String("url", target.URL),
		zap.String("path", path),
		zap.Int64("bytes", size),
		zap.Duration("duration", time.Since(start)),
	)

	s.acquire(path)
	if s.cfg.Cache != nil {
		s.cfg.Cache.Put(target.URL, path)
	}
	return path, nil
}

func (s *Service) fetchFresh(ctx context.Context, target scan.Target, branch string) (string, int64, error) {
	dir, err := os.MkdirTemp(s.scratch, "fetch-")
	if err != nil {
		return "", 0, &scan.FetchError{Stage: scan.StageDownload, URL: target.URL, Err: fmt.Errorf("create scratch dir: %w", err)}
	}
	src := filepath.Join(dir, "src")

	var size int64
	switch target.Provider {
	case scan.ProviderGitHub, scan.ProviderGitLab, scan.ProviderBitbucket:
		size, err = s.fetchArchive(ctx, target, branch, dir, src)
	default:
		size, err = s.clone(ctx, target, branch, src)
	}
	if err != nil {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			s.logger.Warn("remove scratch dir failed", zap.String("dir", dir), zap.Error(rmErr))
		}
		return "", 0, err
	}
	root, err := flatten(src)
	if err != nil {
		_ = os.RemoveAll(dir)
		return "", 0, &scan.FetchError{Stage: scan.StageExtract, URL: target.URL, Err: err}
	}
	return root, size, nil
}

func (s *Service) fetchArchive(ctx context.Context, target scan.Target, branch, dir, src string) (int64, error) {
	archiveURL, err := ArchiveURL(target, branch)
	if err != nil {
		return 0, &scan.FetchError{Stage: scan.StageResolve, URL: target.URL, Err: err}
	}
	archive := filepath.Join(dir, "archive.zip")
	size, err := s.download(ctx, archiveURL, archive)
	if err != nil {
		return 0, &scan.FetchError{Stage: scan.StageDownload, URL: target.URL, Err: err}
	}
	if err := verifyArchive(archive); err != nil {
		return 0, &scan.FetchError{Stage: scan.StageVerify, URL: target.URL, Err: err}
	}
	if _, err := extractArchive(archive, src, s.cfg.MaxBytes); err != nil {
		return 0, &scan.FetchError{Stage: scan.StageExtract, URL: target.URL, Err: err}
	}
	if err := os.Remove(archive); err != nil {
		s.logger.Debug("remove archive failed", zap.String("path", archive), zap.Error(err))
	}
	return size, nil
}

// Cleanup releases one lease on path. The fetch directory is removed once no
// job holds it and the cache no longer owns it.
func (s *Service) Cleanup(path string) error {
	dir, err := s.fetchDir(path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.leases[path] > 0 {
		s.leases[path]--
	}
	inUse := s.leases[path] > 0
	if !inUse {
		delete(s.leases, path)
	}
	orphaned := s.orphaned[path]
	if !inUse {
		delete(s.orphaned, path)
	}
	s.mu.Unlock()

	if inUse {
		return nil
	}
	if !orphaned && s.cfg.Cache != nil && s.cfg.Cache.Owns(path) {
		return nil
	}
	return removeDir(dir)
}

// Evict removes a directory the cache dropped. A directory still leased by a
// running job is removed by its final Cleanup instead.
func (s *Service) Evict(path string) {
	dir, err := s.fetchDir(path)
	if err != nil {
		s.logger.Warn("refusing to evict path outside scratch dir", zap.String("path", path))
		return
	}
	s.mu.Lock()
	if s.leases[path] > 0 {
		s.orphaned[path] = true
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	if err := removeDir(dir); err != nil {
		s.logger.Warn("remove evicted repository failed", zap.String("path", path), zap.Error(err))
	}
}

func (s *Service) acquire(path string) {
	s.mu.Lock()
	s.leases[path]++
	s.mu.Unlock()
}

// fetchDir maps a repository root to the fetch directory directly under the
// scratch root that contains it.
func (s *Service) fetchDir(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	rel, err := filepath.Rel(s.scratch, abs)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s is outside the scratch dir", path)
	}
	first := strings.SplitN(rel, string(filepath.Separator), 2)[0]
	return filepath.Join(s.scratch, first), nil
}

func removeDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove %s: %w", dir, err)
	}
	return nil
}

func newHTTPClient(allowPrivate bool) *http.Client {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	if !allowPrivate {
		dialer.Control = func(_, address string, _ syscall.RawConn) error {
			host, _, err := net.SplitHostPort(address)
			if err != nil {
				return fmt.Errorf("parse dial address: %w", err)
			}
			addr, err := netip.ParseAddr(host)
			if err != nil {
				return fmt.Errorf("parse dial address: %w", err)
			}
			return validator.CheckAddr(addr)
		}
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
	return &http.Client{Transport: transport, CheckRedirect: checkRedirect}
}

func checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("stopped after %d redirects", maxRedirects)
	}
	if via[0].URL.Scheme == "https" && req.URL.Scheme != "https" {
		return fmt.Errorf("refusing redirect from https to %s", req.URL.Scheme)
	}
	return nil
}
