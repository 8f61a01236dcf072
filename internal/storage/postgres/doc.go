// Package postgres provides Postgres-backed persistence for scan job runs,
// per-repository runs, and archived final results.
package postgres
