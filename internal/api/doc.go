// Package api hosts the HTTP server, middleware, and REST handlers for the
// scanner. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/scans to submit a repository or group URL, GET /v1/scans and
//     /v1/scans/{job_id} for status, POST /v1/scans/{job_id}/cancel.
//   - GET /v1/cache/stats for repository cache counters and
//     /v1/cache/entries[?metadata=true] for cached repositories.
//   - GET /api/jobs, /api/jobs/{id} and /api/jobs/{id}/repos for persisted scan
//     history via the ProgressRepository interface.
package api
