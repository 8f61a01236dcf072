// Package store declares the job-run archive that survives the in-memory
// registry: one row per job and one per repository. Postgres implements it in
// storage/postgres; the HTTP history endpoints and the progress store sink
// consume it.
package store
