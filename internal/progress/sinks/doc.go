// Package sinks holds the consumers attached to the progress hub: a zap
// logger, the job-run archive, and Prometheus counters keyed by event stage.
package sinks
