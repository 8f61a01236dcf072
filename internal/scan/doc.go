// Package scan defines the domain model shared by the scan orchestrator and
// its worker processes: jobs, per-repository status records, the master job
// record, the client-facing status view, and the ports that adapters
// implement.
package scan
