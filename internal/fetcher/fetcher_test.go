package fetcher

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/repo-scanner/internal/cache"
	"github.com/JakeFAU/repo-scanner/internal/scan"
)

type stubValidator struct {
	provider scan.Provider
	kind     scan.TargetKind
	err      error
}

func (v stubValidator) Validate(_ context.Context, raw string) (scan.Target, error) {
	if v.err != nil {
		return scan.Target{}, v.err
	}
	u, err := url.Parse(raw)
	if err != nil {
		return scan.Target{}, &scan.ValidationError{Reason: scan.ReasonMalformed}
	}
	kind := v.kind
	if kind == "" {
		kind = scan.TargetSingle
	}
	return scan.Target{
		URL:      raw,
		Host:     u.Host,
		Kind:     kind,
		Provider: v.provider,
		Path:     strings.TrimSuffix(strings.TrimPrefix(u.Path, "/"), ".git"),
	}, nil
}

type zipEntry struct {
	name    string
	body    string
	symlink bool
	dir     bool
}

func buildZip(t *testing.T, entries ...zipEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		hdr := &zip.FileHeader{Name: e.name, Method: zip.Deflate, Modified: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
		switch {
		case e.symlink:
			hdr.SetMode(fs.ModeSymlink | 0o777)
		case e.dir:
			hdr.SetMode(fs.ModeDir | 0o755)
		default:
			hdr.SetMode(0o644)
		}
		w, err := zw.CreateHeader(hdr)
		require.NoError(t, err)
		if !e.dir {
			_, err = w.Write([]byte(e.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func repoZip(t *testing.T) []byte {
	return buildZip(t,
		zipEntry{name: "app-main/", dir: true},
		zipEntry{name: "app-main/go.mod", body: "module example.com/app\n"},
		zipEntry{name: "app-main/main.go", body: "package main\n\nfunc main() {}\n"},
		zipEntry{name: "app-main/link", body: "/etc/passwd", symlink: true},
	)
}

func archiveServer(t *testing.T, body []byte, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		if r.URL.Path != "/acme/app/archive/refs/heads/main.zip" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/zip")
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newService(t *testing.T, mutate func(*Config)) *Service {
	t.Helper()
	cfg := Config{
		ScratchDir:           t.TempDir(),
		AllowPrivateNetworks: true,
		Validator:            stubValidator{provider: scan.ProviderGitHub},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	svc, err := New(cfg)
	require.NoError(t, err)
	return svc
}

func assertScratchEmpty(t *testing.T, svc *Service) {
	t.Helper()
	entries, err := os.ReadDir(svc.ScratchDir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestArchiveURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		target scan.Target
		branch string
		want   string
	}{
		{
			name:   "github",
			target: scan.Target{URL: "https://github.com/acme/app.git", Provider: scan.ProviderGitHub, Path: "acme/app"},
			branch: "main",
			want:   "https://github.com/acme/app/archive/refs/heads/main.zip",
		},
		{
			name:   "gitlab subgroup",
			target: scan.Target{URL: "https://gitlab.com/team/sub/app.git", Provider: scan.ProviderGitLab, Path: "team/sub/app"},
			branch: "develop",
			want:   "https://gitlab.com/team/sub/app/-/archive/develop/app-develop.zip",
		},
		{
			name:   "bitbucket",
			target: scan.Target{URL: "https://bitbucket.org/acme/app.git", Provider: scan.ProviderBitbucket, Path: "acme/app"},
			branch: "master",
			want:   "https://bitbucket.org/acme/app/get/master.zip",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ArchiveURL(tt.target, tt.branch)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ArchiveURL(scan.Target{URL: "https://github.com/a/b.git", Provider: scan.ProviderGitHub, Path: "a/b"}, "../../etc")
	assert.Error(t, err)
	_, err = ArchiveURL(scan.Target{URL: "https://git.example.com/a/b.git", Provider: scan.ProviderGeneric, Path: "a/b"}, "main")
	assert.Error(t, err)
}

func TestFetchExtractsFlattensAndCaches(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := archiveServer(t, repoZip(t), &hits)

	var svc *Service
	c := cache.New(cache.Config{Capacity: 4, OnEvict: func(p string) { svc.Evict(p) }})
	svc = newService(t, func(cfg *Config) { cfg.Cache = c })

	ctx := context.Background()
	repoURL := srv.URL + "/acme/app.git"
	path, err := svc.Fetch(ctx, repoURL, scan.FetchOptions{})
	require.NoError(t, err)
	assert.Equal(t, "app-main", filepath.Base(path))

	data, err := os.ReadFile(filepath.Join(path, "go.mod"))
	require.NoError(t, err)
	assert.Equal(t, "module example.com/app\n", string(data))
	_, err = os.Lstat(filepath.Join(path, "link"))
	assert.True(t, os.IsNotExist(err), "symlinks must be skipped")
	_, err = os.Stat(filepath.Join(filepath.Dir(filepath.Dir(path)), "archive.zip"))
	assert.True(t, os.IsNotExist(err), "archive removed after extraction")

	again, err := svc.Fetch(ctx, repoURL, scan.FetchOptions{})
	require.NoError(t, err)
	assert.Equal(t, path, again)
	assert.Equal(t, int32(1), hits.Load())
	assert.True(t, c.Owns(path))

	// Both leases released; the cache still owns the directory.
	require.NoError(t, svc.Cleanup(path))
	require.NoError(t, svc.Cleanup(path))
	assert.DirExists(t, path)

	// Dropping it from the cache removes it.
	require.True(t, c.Remove(repoURL))
	assert.NoDirExists(t, path)
	assertScratchEmpty(t, svc)
}

func TestFetchRefetchesVanishedCachedRepository(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := archiveServer(t, repoZip(t), &hits)

	// The cache trusts everything under the scratch root, so only the fetcher
	// can notice that the directory is gone.
	scratch := t.TempDir()
	var svc *Service
	c := cache.New(cache.Config{Capacity: 4, ScratchRoot: scratch, OnEvict: func(p string) { svc.Evict(p) }})
	svc = newService(t, func(cfg *Config) {
		cfg.ScratchDir = scratch
		cfg.Cache = c
	})

	ctx := context.Background()
	repoURL := srv.URL + "/acme/app.git"
	first, err := svc.Fetch(ctx, repoURL, scan.FetchOptions{})
	require.NoError(t, err)
	require.NoError(t, svc.Cleanup(first))
	dir, err := svc.fetchDir(first)
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(dir))

	second, err := svc.Fetch(ctx, repoURL, scan.FetchOptions{})
	require.NoError(t, err)
	assert.DirExists(t, second)
	assert.FileExists(t, filepath.Join(second, "go.mod"))
	assert.Equal(t, int32(2), hits.Load())
	assert.True(t, c.Owns(second))
	assert.False(t, c.Owns(first))
}

func TestFetchWithoutCacheCleansUp(t *testing.T) {
	t.Parallel()

	srv := archiveServer(t, repoZip(t), nil)
	svc := newService(t, nil)

	path, err := svc.Fetch(context.Background(), srv.URL+"/acme/app.git", scan.FetchOptions{})
	require.NoError(t, err)
	assert.DirExists(t, path)

	require.NoError(t, svc.Cleanup(path))
	assertScratchEmpty(t, svc)
}

func TestEvictWhileLeasedDefersRemoval(t *testing.T) {
	t.Parallel()

	srv := archiveServer(t, repoZip(t), nil)
	svc := newService(t, nil)
	path, err := svc.Fetch(context.Background(), srv.URL+"/acme/app.git", scan.FetchOptions{})
	require.NoError(t, err)

	svc.Evict(path)
	assert.DirExists(t, path)
	require.NoError(t, svc.Cleanup(path))
	assertScratchEmpty(t, svc)
}

func TestFetchFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		body     func(t *testing.T) []byte
		status   int
		maxBytes int64
		stages   []scan.FetchStage
		tooLarge bool
	}{
		{name: "not found", status: http.StatusNotFound, stages: []scan.FetchStage{scan.StageDownload}},
		{name: "oversized download", body: repoZip, maxBytes: 64, stages: []scan.FetchStage{scan.StageDownload}, tooLarge: true},
		{name: "corrupt archive", body: func(*testing.T) []byte { return []byte("not a zip") }, stages: []scan.FetchStage{scan.StageVerify}},
		{name: "empty archive", body: func(t *testing.T) []byte { return buildZip(t, zipEntry{name: "app-main/", dir: true}) }, stages: []scan.FetchStage{scan.StageVerify}},
		{
			name: "zip slip",
			body: func(t *testing.T) []byte {
				return buildZip(t, zipEntry{name: "app-main/ok.txt", body: "ok"}, zipEntry{name: "../escape.txt", body: "owned"})
			},
			// Readers that flag insecure names fail at verification instead.
			stages: []scan.FetchStage{scan.StageVerify, scan.StageExtract},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				if tt.status != 0 {
					w.WriteHeader(tt.status)
					return
				}
				_, _ = w.Write(tt.body(t))
			}))
			defer srv.Close()

			svc := newService(t, func(cfg *Config) { cfg.MaxBytes = tt.maxBytes })
			_, err := svc.Fetch(context.Background(), srv.URL+"/acme/app.git", scan.FetchOptions{})
			require.Error(t, err)

			var ferr *scan.FetchError
			require.ErrorAs(t, err, &ferr)
			assert.Contains(t, tt.stages, ferr.Stage)
			if tt.tooLarge {
				assert.ErrorIs(t, err, ErrTooLarge)
			}
			assertScratchEmpty(t, svc)
			_, statErr := os.Stat(filepath.Join(filepath.Dir(svc.ScratchDir()), "escape.txt"))
			assert.True(t, os.IsNotExist(statErr))
		})
	}
}

func TestExtractCapsUncompressedSize(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	archive := filepath.Join(dir, "a.zip")
	big := strings.Repeat("a", 4096)
	require.NoError(t, os.WriteFile(archive, buildZip(t, zipEntry{name: "r/one", body: big}, zipEntry{name: "r/two", body: big}), 0o600))

	_, err := extractArchive(archive, filepath.Join(dir, "out"), 6000)
	assert.ErrorIs(t, err, ErrTooLarge)

	n, err := extractArchive(archive, filepath.Join(dir, "out2"), 9000)
	require.NoError(t, err)
	assert.Equal(t, int64(8192), n)
}

func TestFetchPropagatesValidationError(t *testing.T) {
	t.Parallel()

	verr := &scan.ValidationError{Reason: scan.ReasonPrivateHost}
	svc := newService(t, func(cfg *Config) { cfg.Validator = stubValidator{err: verr} })
	_, err := svc.Fetch(context.Background(), "https://10.0.0.1/a/b.git", scan.FetchOptions{})
	assert.True(t, scan.IsValidation(err))

	svc = newService(t, func(cfg *Config) {
		cfg.Validator = stubValidator{provider: scan.ProviderGitHub, kind: scan.TargetGroup}
	})
	_, err = svc.Fetch(context.Background(), "https://github.com/orgs/acme", scan.FetchOptions{})
	var ferr *scan.FetchError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, scan.StageResolve, ferr.Stage)
}

func TestCloneFailureIsReported(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	svc := newService(t, func(cfg *Config) { cfg.Validator = stubValidator{provider: scan.ProviderGeneric} })
	_, err := svc.Fetch(context.Background(), srv.URL+"/acme/app.git", scan.FetchOptions{Timeout: 5 * time.Second})
	var ferr *scan.FetchError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, scan.StageClone, ferr.Stage)
	assertScratchEmpty(t, svc)
}

func TestCloneUsesDialGuard(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	svc := newService(t, func(cfg *Config) {
		cfg.AllowPrivateNetworks = false
		cfg.Validator = stubValidator{provider: scan.ProviderGeneric}
	})
	_, err := svc.Fetch(context.Background(), srv.URL+"/acme/app.git", scan.FetchOptions{Timeout: 5 * time.Second})
	var ferr *scan.FetchError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, scan.StageClone, ferr.Stage)
	assert.Zero(t, hits.Load(), "loopback must be refused at dial time")
	assertScratchEmpty(t, svc)
}

func pktLine(s string) string {
	return fmt.Sprintf("%04x%s", len(s)+4, s)
}

func TestCloneStopsAtSizeLimit(t *testing.T) {
	t.Parallel()

	hash := strings.Repeat("a", 40)
	var adv strings.Builder
	adv.WriteString(pktLine("# service=git-upload-pack\n"))
	adv.WriteString("0000")
	adv.WriteString(pktLine(hash + " HEAD\x00multi_ack side-band-64k ofs-delta shallow\n"))
	for i := range 200 {
		adv.WriteString(pktLine(fmt.Sprintf("%s refs/heads/branch-%03d\n", hash, i)))
	}
	adv.WriteString("0000")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/x-git-upload-pack-advertisement")
		_, _ = io.WriteString(w, adv.String())
	}))
	defer srv.Close()

	svc := newService(t, func(cfg *Config) {
		cfg.MaxBytes = 1024
		cfg.Validator = stubValidator{provider: scan.ProviderGeneric}
	})
	_, err := svc.Fetch(context.Background(), srv.URL+"/acme/app.git", scan.FetchOptions{Timeout: 5 * time.Second})
	var ferr *scan.FetchError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, scan.StageClone, ferr.Stage)
	assert.ErrorIs(t, err, ErrTooLarge)
	assertScratchEmpty(t, svc)
}

func TestGitTransportRequiresSession(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "https://git.example.com/a/b.git/info/refs", nil)
	_, err := sessionTransport{}.RoundTrip(req)
	require.Error(t, err)
}

func TestCleanupRejectsPathsOutsideScratch(t *testing.T) {
	t.Parallel()

	svc := newService(t, nil)
	outside := t.TempDir()
	require.Error(t, svc.Cleanup(outside))
	require.Error(t, svc.Cleanup(svc.ScratchDir()))
	assert.DirExists(t, outside)
}

func TestDialGuardRefusesLoopback(t *testing.T) {
	t.Parallel()

	srv := archiveServer(t, repoZip(t), nil)
	svc := newService(t, func(cfg *Config) { cfg.AllowPrivateNetworks = false })
	_, err := svc.Fetch(context.Background(), srv.URL+"/acme/app.git", scan.FetchOptions{})
	var ferr *scan.FetchError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, scan.StageDownload, ferr.Stage)
	assert.False(t, errors.Is(err, ErrTooLarge))
}

func TestMetadata(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "pkg", ".git"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("12345"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(root, "pkg", "b.txt"), []byte("123"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(root, "pkg", ".git", "HEAD"), []byte("ref"), 0o600))
	old := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, os.Chtimes(filepath.Join(root, "a.txt"), old, old))
	require.NoError(t, os.Chtimes(filepath.Join(root, "pkg", "b.txt"), recent, recent))

	meta, err := Metadata(root)
	require.NoError(t, err)
	assert.Equal(t, 2, meta.Files)
	assert.Equal(t, int64(8), meta.Bytes)
	assert.True(t, meta.OldestFile.Equal(old))
	assert.True(t, meta.NewestFile.Equal(recent))
}
