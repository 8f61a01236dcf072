// Package progress carries scan lifecycle events (job start and finish,
// per-repository start and finish) from the orchestrator to pluggable sinks.
// Emit never blocks; a background goroutine batches events and fans them out.
package progress
