// Package metrics exposes Prometheus collectors for the scan orchestrator.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	jobsTotal                  *prometheus.CounterVec
	runningJobs                prometheus.Gauge
	admissionRejectionsTotal   prometheus.Counter
	cacheRequestsTotal         *prometheus.CounterVec
	cacheEvictionsTotal        *prometheus.CounterVec
	fetchTotal                 *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	fetchDurationSeconds       *prometheus.HistogramVec
	activeWorkers              prometheus.Gauge
	workerExitsTotal           *prometheus.CounterVec
	sweepReclaimedTotal        *prometheus.CounterVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scanner_jobs_total",
				Help: "Total number of scan jobs that reached a terminal state, labeled by status.",
			},
			[]string{"status"},
		)

		runningJobs = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scanner_running_jobs",
				Help: "Number of admitted jobs currently running.",
			},
		)

		admissionRejectionsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "scanner_admission_rejections_total",
				Help: "Total number of job submissions rejected by admission control.",
			},
		)

		cacheRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scanner_cache_requests_total",
				Help: "Repository cache lookups, labeled by result (hit or miss).",
			},
			[]string{"result"},
		)

		cacheEvictionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scanner_cache_evictions_total",
				Help: "Repository cache evictions, labeled by reason.",
			},
			[]string{"reason"},
		)

		fetchTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scanner_fetch_total",
				Help: "Repository fetches, labeled by host and result.",
			},
			[]string{"host", "result"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scanner_fetch_bytes_total",
				Help: "Total archive bytes downloaded, labeled by host.",
			},
			[]string{"host"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scanner_fetch_duration_seconds",
				Help:    "Histogram of repository fetch latencies, labeled by host.",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"host"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scanner_active_workers",
				Help: "Number of worker processes currently running.",
			},
		)

		workerExitsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scanner_worker_exits_total",
				Help: "Worker process exits, labeled by final repository status.",
			},
			[]string{"status"},
		)

		sweepReclaimedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scanner_sweep_reclaimed_total",
				Help: "Jobs reclaimed by the lifecycle manager, labeled by reason.",
			},
			[]string{"reason"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scanner_rate_limit_delays_seconds",
				Help:    "Histogram of download rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeHost extracts a lowercase hostname for use as a label.
// It returns "unknown" if the URL is invalid.
func SanitizeHost(rawURL string) string {
	if !strings.Contains(rawURL, "://") {
		rawURL = "https://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveJob counts a job reaching a terminal status.
func ObserveJob(status string) {
	Init()
	jobsTotal.WithLabelValues(status).Inc()
}

// SetRunningJobs records the size of the running set.
func SetRunningJobs(n int) {
	Init()
	runningJobs.Set(float64(n))
}

// ObserveAdmissionRejected counts a rejected submission.
func ObserveAdmissionRejected() {
	Init()
	admissionRejectionsTotal.Inc()
}

// ObserveCacheRequest counts a cache lookup result.
func ObserveCacheRequest(result string) {
	Init()
	cacheRequestsTotal.WithLabelValues(result).Inc()
}

// ObserveCacheEviction counts an entry leaving the cache.
func ObserveCacheEviction(reason string) {
	Init()
	cacheEvictionsTotal.WithLabelValues(reason).Inc()
}

// ObserveFetch records a completed fetch attempt.
func ObserveFetch(rawURL string, result string, bytes int64, duration time.Duration) {
	Init()
	host := SanitizeHost(rawURL)
	fetchTotal.WithLabelValues(host, result).Inc()
	if bytes > 0 {
		fetchBytesTotal.WithLabelValues(host).Add(float64(bytes))
	}
	fetchDurationSeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveWorkerExit counts a worker exit by final status.
func ObserveWorkerExit(status string) {
	Init()
	workerExitsTotal.WithLabelValues(status).Inc()
}

// ObserveSweepReclaim counts a job reclaimed by the lifecycle manager.
func ObserveSweepReclaim(reason string) {
	Init()
	sweepReclaimedTotal.WithLabelValues(reason).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
