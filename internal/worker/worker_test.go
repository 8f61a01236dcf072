package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/repo-scanner/internal/scan"
)

type recordingWriter struct {
	mu   sync.Mutex
	recs []scan.RepoRecord
}

func (w *recordingWriter) WriteRepo(_ context.Context, _ string, rec scan.RepoRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.recs = append(w.recs, rec)
	return nil
}

func (w *recordingWriter) records() []scan.RepoRecord {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]scan.RepoRecord(nil), w.recs...)
}

func (w *recordingWriter) last(t *testing.T) scan.RepoRecord {
	t.Helper()
	recs := w.records()
	require.NotEmpty(t, recs)
	return recs[len(recs)-1]
}

type analyzerFunc func(ctx context.Context, rel string, content []byte) (scan.FileReport, error)

func (f analyzerFunc) Analyze(ctx context.Context, rel string, content []byte) (scan.FileReport, error) {
	return f(ctx, rel, content)
}

type stubFetcher struct {
	path     string
	err      error
	cleaned  []string
	fetchURL string
}

func (f *stubFetcher) Fetch(_ context.Context, url string, _ scan.FetchOptions) (string, error) {
	f.fetchURL = url
	return f.path, f.err
}

func (f *stubFetcher) Cleanup(path string) error {
	f.cleaned = append(f.cleaned, path)
	return nil
}

func writeRepo(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, body := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o750))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	}
	return root
}

func sampleRepo(t *testing.T) string {
	return writeRepo(t, map[string]string{
		".gitignore":          "secret.txt\n# comment\n",
		"secret.txt":          "hunter2",
		"go.mod":              "module example.com/app\n\ngo 1.22\n",
		"main.go":             "package main\n\nfunc main() {}\n",
		"Dockerfile":          "FROM golang:1.22\n",
		"deploy/k8s.yaml":     "apiVersion: apps/v1\nkind: Deployment\n",
		"node_modules/x/a.js": "module.exports = {}\n",
	})
}

func TestRunnerCompletesWithSummary(t *testing.T) {
	t.Parallel()

	w := &recordingWriter{}
	r := NewRunner(w, nil, nil, Config{ProgressInterval: time.Hour})
	err := r.Run(context.Background(), scan.WorkerSpec{JobID: "job", Index: 2, Name: "acme/app", Path: sampleRepo(t)})
	require.NoError(t, err)

	recs := w.records()
	require.GreaterOrEqual(t, len(recs), 3)
	assert.Equal(t, scan.RepoScanning, recs[0].Status)
	assert.Zero(t, recs[0].Percentage)

	prev := -1.0
	for _, rec := range recs {
		assert.Equal(t, 2, rec.RepoIndex)
		assert.Equal(t, "acme/app", rec.RepoName)
		assert.GreaterOrEqual(t, rec.Percentage, prev)
		assert.False(t, rec.LastUpdate.IsZero())
		prev = rec.Percentage
	}

	final := w.last(t)
	assert.Equal(t, scan.RepoCompleted, final.Status)
	assert.Equal(t, 100.0, final.Percentage)
	assert.Equal(t, 5, final.TotalFiles)
	require.NotNil(t, final.Summary)
	assert.Equal(t, 5, final.Summary.Files)
	assert.Equal(t, 1, final.Summary.Languages["Go"])
	assert.Equal(t, []scan.Finding{{Path: "go.mod", Kind: "go", Category: scan.CategoryDependency}}, final.Summary.Dependencies)
	assert.Equal(t, []scan.Finding{
		{Path: "Dockerfile", Kind: "docker", Category: scan.CategoryInfrastructure},
		{Path: "deploy/k8s.yaml", Kind: "kubernetes", Category: scan.CategoryInfrastructure},
	}, final.Summary.Infrastructure)
}

func TestRunnerWritesEveryTenPercent(t *testing.T) {
	t.Parallel()

	files := map[string]string{}
	for i := range 20 {
		files[filepath.Join("src", string(rune('a'+i))+".txt")] = "x"
	}
	w := &recordingWriter{}
	r := NewRunner(w, nil, nil, Config{ProgressInterval: time.Hour})
	require.NoError(t, r.Run(context.Background(), scan.WorkerSpec{JobID: "job", Name: "n", Path: writeRepo(t, files)}))

	var scanning int
	for _, rec := range w.records() {
		if rec.Status == scan.RepoScanning {
			scanning++
		}
	}
	// initial, total-files, and one per 10% step.
	assert.Equal(t, 12, scanning)
}

func TestRunnerRecoversPanics(t *testing.T) {
	t.Parallel()

	w := &recordingWriter{}
	boom := analyzerFunc(func(context.Context, string, []byte) (scan.FileReport, error) { panic("analyzer exploded") })
	r := NewRunner(w, boom, nil, Config{})
	err := r.Run(context.Background(), scan.WorkerSpec{JobID: "job", Name: "n", Path: sampleRepo(t)})
	require.Error(t, err)

	final := w.last(t)
	assert.Equal(t, scan.RepoFailed, final.Status)
	assert.Equal(t, "worker panic: analyzer exploded", final.Error)
}

func TestRunnerTimesOut(t *testing.T) {
	t.Parallel()

	w := &recordingWriter{}
	slow := analyzerFunc(func(ctx context.Context, _ string, _ []byte) (scan.FileReport, error) {
		<-ctx.Done()
		return scan.FileReport{}, ctx.Err()
	})
	r := NewRunner(w, slow, nil, Config{})
	err := r.Run(context.Background(), scan.WorkerSpec{JobID: "job", Name: "n", Path: sampleRepo(t), Timeout: 50 * time.Millisecond})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	final := w.last(t)
	assert.Equal(t, scan.RepoTimeout, final.Status)
	assert.Equal(t, "scan timed out after 50ms", final.Error)
}

func TestRunnerFetchesWhenNoPath(t *testing.T) {
	t.Parallel()

	root := sampleRepo(t)
	f := &stubFetcher{path: root}
	w := &recordingWriter{}
	r := NewRunner(w, nil, f, Config{})
	require.NoError(t, r.Run(context.Background(), scan.WorkerSpec{JobID: "job", Name: "n", URL: "https://github.com/acme/app.git"}))
	assert.Equal(t, "https://github.com/acme/app.git", f.fetchURL)
	assert.Equal(t, []string{root}, f.cleaned)
	assert.Equal(t, scan.RepoCompleted, w.last(t).Status)
}

func TestRunnerReportsFetchFailure(t *testing.T) {
	t.Parallel()

	f := &stubFetcher{err: &scan.FetchError{Stage: scan.StageDownload, URL: "u", Err: errors.New("Network error")}}
	w := &recordingWriter{}
	r := NewRunner(w, nil, f, Config{})
	err := r.Run(context.Background(), scan.WorkerSpec{JobID: "job", Name: "n", URL: "u"})
	require.Error(t, err)

	final := w.last(t)
	assert.Equal(t, scan.RepoFailed, final.Status)
	assert.True(t, strings.Contains(final.Error, "Network error"))
	assert.Empty(t, f.cleaned)
}

func TestListFilesHonorsIgnoreRules(t *testing.T) {
	t.Parallel()

	files, err := listFiles(sampleRepo(t))
	require.NoError(t, err)
	assert.Equal(t, []string{".gitignore", "Dockerfile", "deploy/k8s.yaml", "go.mod", "main.go"}, files)
}

func TestDefaultAnalyzerFindings(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path     string
		content  string
		kind     string
		category scan.FindingCategory
	}{
		{path: "package.json", content: "{}", kind: "npm", category: scan.CategoryDependency},
		{path: "svc/requirements.txt", content: "flask\n", kind: "pip", category: scan.CategoryDependency},
		{path: "api/App.csproj", content: "<Project/>", kind: "nuget", category: scan.CategoryDependency},
		{path: "infra/main.tf", content: "resource {}", kind: "terraform", category: scan.CategoryInfrastructure},
		{path: ".github/workflows/ci.yml", content: "on: push\n", kind: "github-actions", category: scan.CategoryInfrastructure},
		{path: "docker-compose.yml", content: "services: {}\n", kind: "compose", category: scan.CategoryInfrastructure},
		{path: "Dockerfile.dev", content: "FROM scratch\n", kind: "docker", category: scan.CategoryInfrastructure},
		{path: "stack.yaml", content: "AWSTemplateFormatVersion: 2010-09-09\n", kind: "cloudformation", category: scan.CategoryInfrastructure},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			t.Parallel()
			report, err := DefaultAnalyzer{}.Analyze(context.Background(), tt.path, []byte(tt.content))
			require.NoError(t, err)
			require.Len(t, report.Findings, 1)
			assert.Equal(t, tt.kind, report.Findings[0].Kind)
			assert.Equal(t, tt.category, report.Findings[0].Category)
			assert.Equal(t, tt.path, report.Findings[0].Path)
		})
	}

	report, err := DefaultAnalyzer{}.Analyze(context.Background(), "README.md", []byte("# hi"))
	require.NoError(t, err)
	assert.Empty(t, report.Findings)
}
