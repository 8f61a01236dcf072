package scan

import "time"

// JobStatus tracks the registry-level lifecycle of a job.
type JobStatus string

// Supported job statuses.
const (
	JobStatusPending   JobStatus = "PENDING"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusFailed    JobStatus = "FAILED"
)

// Terminal reports whether no further transitions are allowed.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// TargetKind distinguishes a single repository from a provider group.
type TargetKind string

// Supported target kinds.
const (
	TargetSingle TargetKind = "single"
	TargetGroup  TargetKind = "group"
)

// Provider identifies the hosting provider of a repository.
type Provider string

// Known providers. ProviderGeneric covers any other allowlisted git host.
const (
	ProviderGitHub    Provider = "github"
	ProviderGitLab    Provider = "gitlab"
	ProviderBitbucket Provider = "bitbucket"
	ProviderGeneric   Provider = "generic"
)

// Target is a validated repository reference.
type Target struct {
	// URL is the canonical form: lower-case host, no default port, no query or fragment.
	URL  string     `json:"url"`
	Host string     `json:"host"`
	Kind TargetKind `json:"kind"`
	// Provider is inferred from the host.
	Provider Provider `json:"provider"`
	// Path is the URL path without the leading slash or a trailing .git suffix.
	Path string `json:"path"`
}

// Job is one caller-visible scan request, owned by the job registry.
type Job struct {
	ID          string      `json:"job_id"`
	Target      string      `json:"target_url"`
	Kind        TargetKind  `json:"kind"`
	Status      JobStatus   `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	Progress    int         `json:"progress"`
	Result      *StatusView `json:"result,omitempty"`
	Error       string      `json:"error,omitempty"`
}

// Repository is one repository resolved from a job target.
type Repository struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
	URL   string `json:"url"`
}

// WorkerSpec carries the arguments for one worker process.
type WorkerSpec struct {
	JobID string
	Index int
	Name  string
	URL   string
	// Path is the already-fetched repository root. Empty means the worker fetches it.
	Path    string
	Timeout time.Duration
}

// RepoMetadata describes a fetched repository directory.
type RepoMetadata struct {
	Bytes      int64     `json:"bytes"`
	Files      int       `json:"files"`
	OldestFile time.Time `json:"oldest_file"`
	NewestFile time.Time `json:"newest_file"`
}

// FetchOptions overrides fetch defaults per call.
type FetchOptions struct {
	Timeout time.Duration
	Branch  string
}
