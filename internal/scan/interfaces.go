package scan

import (
	"context"
	"io"
	"time"
)

// JobStore is the job registry. Transitions on a terminal job return
// ErrJobTerminal and leave it unchanged.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	ListJobs(ctx context.Context) ([]Job, error)
	MarkRunning(ctx context.Context, jobID string) error
	UpdateProgress(ctx context.Context, jobID string, progress int) error
	CompleteJob(ctx context.Context, jobID string, result *StatusView) error
	FailJob(ctx context.Context, jobID string, errText string) error
	DeleteJob(ctx context.Context, jobID string) error
	// ListExpired returns terminal jobs that completed more than maxAge before now.
	ListExpired(ctx context.Context, maxAge time.Duration, now time.Time) ([]string, error)
}

// StatusWriter is owned by a worker and writes only its own repository record.
type StatusWriter interface {
	WriteRepo(ctx context.Context, jobID string, rec RepoRecord) error
}

// StatusReader is owned by the aggregator.
type StatusReader interface {
	ReadRepo(ctx context.Context, jobID string, index int) (RepoRecord, error)
	ReadMaster(ctx context.Context, jobID string) (MasterRecord, error)
}

// MasterStore persists the master record with read-modify-write safety.
type MasterStore interface {
	InitMaster(ctx context.Context, rec MasterRecord) error
	// UpdateMaster applies fn under the master lock; the record is written only if fn reports a change.
	UpdateMaster(ctx context.Context, jobID string, fn func(*MasterRecord) (bool, error)) error
	RemoveJob(ctx context.Context, jobID string) error
}

// Fetcher turns validated URLs into local directories.
type Fetcher interface {
	Fetch(ctx context.Context, url string, opts FetchOptions) (string, error)
	Cleanup(path string) error
}

// ResourceCleaner releases a fetched directory once its job no longer needs it.
type ResourceCleaner interface {
	Cleanup(path string) error
}

// URLValidator validates candidate repository references.
type URLValidator interface {
	Validate(ctx context.Context, raw string) (Target, error)
}

// GroupResolver expands a group target into its repositories.
type GroupResolver interface {
	Resolve(ctx context.Context, target Target) ([]Repository, error)
}

// Launcher runs one worker for one repository and returns once it has exited.
type Launcher interface {
	Launch(ctx context.Context, spec WorkerSpec) error
}

// Analyzer inspects one file of a repository.
type Analyzer interface {
	Analyze(ctx context.Context, relPath string, content []byte) (FileReport, error)
}

// BlobStore writes artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for cache keys.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}
