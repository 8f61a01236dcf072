// Package api exposes the HTTP interface for the scanner service.
package api

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/repo-scanner/internal/cache"
	"github.com/JakeFAU/repo-scanner/internal/config"
	"github.com/JakeFAU/repo-scanner/internal/fetcher"
	"github.com/JakeFAU/repo-scanner/internal/lifecycle"
	"github.com/JakeFAU/repo-scanner/internal/metrics"
	"github.com/JakeFAU/repo-scanner/internal/scan"
	"github.com/JakeFAU/repo-scanner/internal/store"
)

const (
	requestTimeout = 60 * time.Second
	maxBodyBytes   = 1 << 20
)

// ScanService is the job surface the HTTP layer drives.
type ScanService interface {
	CreateJob(ctx context.Context, rawURL string) (string, error)
	GetStatus(ctx context.Context, jobID string) (scan.StatusView, error)
	ListJobs(ctx context.Context) ([]scan.Job, error)
	CancelJob(ctx context.Context, jobID string) error
}

// CacheReporter exposes repository cache counters and entries.
type CacheReporter interface {
	Stats() cache.Stats
	Entries() []cache.Entry
}

// Deps bundles the collaborators served over HTTP. History and Ready are optional.
type Deps struct {
	Scans   ScanService
	Cache   CacheReporter
	History store.ProgressRepository
	Ready   func(ctx context.Context) error
}

// Server wires HTTP handlers to the orchestrator and stores.
type Server struct {
	router chi.Router
	deps   Deps
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		deps:   deps,
		logger: logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	history := NewProgressHandler(deps.History, s.logger)
	r.Group(func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Route("/v1", func(r chi.Router) {
			r.Route("/scans", func(r chi.Router) {
				r.Post("/", s.submitScan)
				r.Get("/", s.listScans)
				r.Route("/{job_id}", func(r chi.Router) {
					r.Get("/", s.getScan)
					r.Post("/cancel", s.cancelScan)
				})
			})
			r.Get("/cache/stats", s.cacheStats)
			r.Get("/cache/entries", s.cacheEntries)
		})
		r.Route("/api/jobs", func(r chi.Router) {
			r.Get("/", history.ListJobs)
			r.Get("/{job_id}", history.GetJob)
			r.Get("/{job_id}/repos", history.ListJobRepos)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		if err := s.deps.Ready(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type scanRequest struct {
	URL string `json:"url"`
}

func (s *Server) submitScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	jobID, err := s.deps.Scans.CreateJob(r.Context(), strings.TrimSpace(req.URL))
	if err != nil {
		s.fail(w, "create scan", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (s *Server) listScans(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.deps.Scans.ListJobs(r.Context())
	if err != nil {
		s.fail(w, "list scans", err)
		return
	}
	if jobs == nil {
		jobs = []scan.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) getScan(w http.ResponseWriter, r *http.Request) {
	view, err := s.deps.Scans.GetStatus(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.fail(w, "get scan", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) cancelScan(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if err := s.deps.Scans.CancelJob(r.Context(), jobID); err != nil {
		s.fail(w, "cancel scan", err)
		return
	}
	view, err := s.deps.Scans.GetStatus(r.Context(), jobID)
	if err != nil {
		s.fail(w, "get scan", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) cacheStats(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Cache == nil {
		writeError(w, http.StatusServiceUnavailable, "cache unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Cache.Stats())
}

type cacheEntryDTO struct {
	cache.Entry
	Metadata      *scan.RepoMetadata `json:"metadata,omitempty"`
	MetadataError string             `json:"metadata_error,omitempty"`
}

// cacheEntries lists cached repositories, most recently used first. With
// ?metadata=true each entry also carries its size, file count and
// modification times.
func (s *Server) cacheEntries(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cache == nil {
		writeError(w, http.StatusServiceUnavailable, "cache unavailable")
		return
	}
	withMeta := r.URL.Query().Get("metadata")
	inspect := withMeta == "true" || withMeta == "1"

	entries := s.deps.Cache.Entries()
	out := make([]cacheEntryDTO, 0, len(entries))
	for _, entry := range entries {
		dto := cacheEntryDTO{Entry: entry}
		if inspect {
			if meta, err := fetcher.Metadata(entry.Path); err != nil {
				dto.MetadataError = "metadata unavailable"
				s.logger.Debug("inspect cached repository", zap.String("path", entry.Path), zap.Error(err))
			} else {
				dto.Metadata = &meta
			}
		}
		out = append(out, dto)
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}

// fail maps domain errors to HTTP statuses. Only unexpected errors are logged
// at error level.
func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error(op+" failed", zap.Error(err))
		writeError(w, status, "internal server error")
		return
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case scan.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, scan.ErrAdmissionRejected):
		return http.StatusTooManyRequests
	case errors.Is(err, lifecycle.ErrShuttingDown):
		return http.StatusServiceUnavailable
	case errors.Is(err, scan.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, scan.ErrJobTerminal):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestID returns the request id stored by the middleware, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
				zap.String("request_id", RequestID(r.Context())),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.Any("error", rec),
						zap.String("path", r.URL.Path),
					)
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(key), []byte(expected)) != 1 {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
