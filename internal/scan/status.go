package scan

// RepoStatus is the state a worker reports for its repository.
type RepoStatus string

// Worker-reported repository states.
const (
	RepoScanning  RepoStatus = "scanning"
	RepoCompleted RepoStatus = "completed"
	RepoFailed    RepoStatus = "failed"
	RepoTimeout   RepoStatus = "timeout"
)

// Terminal reports whether the worker will write no further updates.
func (s RepoStatus) Terminal() bool {
	return s == RepoCompleted || s == RepoFailed || s == RepoTimeout
}

// RepoRecord is the per-repository status file written by exactly one worker.
type RepoRecord struct {
	RepoIndex        int        `json:"repo_index"`
	RepoName         string     `json:"repo_name"`
	Status           RepoStatus `json:"status"`
	TotalFiles       int        `json:"total_files"`
	CurrentFileCount int        `json:"current_file_count"`
	CurrentFile      string     `json:"current_file,omitempty"`
	Percentage       float64    `json:"percentage"`
	LastUpdate       Timestamp  `json:"last_update"`
	Error            string     `json:"error,omitempty"`
	Summary          *Summary   `json:"summary,omitempty"`
}

// Summary is the scan result a worker attaches to its completed record.
type Summary struct {
	Files          int            `json:"files"`
	Bytes          int64          `json:"bytes"`
	Languages      map[string]int `json:"languages,omitempty"`
	Dependencies   []Finding      `json:"dependencies,omitempty"`
	Infrastructure []Finding      `json:"infrastructure,omitempty"`
}

// FindingCategory separates dependency manifests from infrastructure descriptors.
type FindingCategory string

// Finding categories.
const (
	CategoryDependency     FindingCategory = "dependency"
	CategoryInfrastructure FindingCategory = "infrastructure"
)

// Finding is one detected manifest or infrastructure descriptor.
type Finding struct {
	Path     string          `json:"path"`
	Kind     string          `json:"kind"`
	Category FindingCategory `json:"category"`
}

// FileReport is what an Analyzer learns from one file.
type FileReport struct {
	Language string
	Findings []Finding
}

// FailedRepo describes a repository that ended in failed or timeout.
type FailedRepo struct {
	Name   string     `json:"name"`
	Status RepoStatus `json:"status"`
	Error  string     `json:"error"`
}

// MasterRecord is the per-job record shared by all workers of a job. Pending,
// completed, and failed names always partition Repositories.
type MasterRecord struct {
	JobID          string        `json:"job_id"`
	TargetURL      string        `json:"target_url"`
	TotalRepos     int           `json:"total_repos"`
	Status         OverallStatus `json:"status"`
	Repositories   []string      `json:"repositories"`
	PendingRepos   []string      `json:"pending_repos"`
	CompletedRepos []string      `json:"completed_repos"`
	FailedRepos    []FailedRepo  `json:"failed_repos"`
	UpdatedAt      Timestamp     `json:"updated_at"`
}

// NewMasterRecord builds a master record with every repository pending.
func NewMasterRecord(jobID, target string, repos []Repository) MasterRecord {
	names := make([]string, 0, len(repos))
	for _, repo := range repos {
		names = append(names, repo.Name)
	}
	return MasterRecord{
		JobID:          jobID,
		TargetURL:      target,
		TotalRepos:     len(repos),
		Status:         OverallPending,
		Repositories:   names,
		PendingRepos:   append([]string(nil), names...),
		CompletedRepos: []string{},
		FailedRepos:    []FailedRepo{},
	}
}

// OverallStatus is the client-facing status of a job.
type OverallStatus string

// Client-facing statuses.
const (
	OverallPending    OverallStatus = "pending"
	OverallInProgress OverallStatus = "in_progress"
	OverallCompleted  OverallStatus = "completed"
	OverallFailed     OverallStatus = "failed"
)

// RepoProgress is the live progress of a repository that is still scanning.
type RepoProgress struct {
	Index            int       `json:"index"`
	Name             string    `json:"name"`
	Percentage       float64   `json:"percentage"`
	CurrentFile      string    `json:"current_file,omitempty"`
	CurrentFileCount int       `json:"current_file_count"`
	TotalFiles       int       `json:"total_files"`
	LastUpdate       Timestamp `json:"last_update"`
}

// RepoResult pairs a completed repository with its summary.
type RepoResult struct {
	Name    string   `json:"name"`
	Summary *Summary `json:"summary,omitempty"`
}

// StatusView is the coherent status document returned to callers.
type StatusView struct {
	JobID          string         `json:"job_id"`
	TargetURL      string         `json:"target_url"`
	Status         OverallStatus  `json:"status"`
	Progress       int            `json:"progress"`
	TotalRepos     int            `json:"total_repos"`
	Pending        int            `json:"pending"`
	InProgress     int            `json:"in_progress"`
	Completed      int            `json:"completed"`
	Failed         int            `json:"failed"`
	Scanning       []RepoProgress `json:"scanning"`
	CompletedRepos []string       `json:"completed_repos"`
	FailedRepos    []FailedRepo   `json:"failed_repos"`
	Results        []RepoResult   `json:"results,omitempty"`
	Error          string         `json:"error,omitempty"`
	CreatedAt      Timestamp      `json:"created_at"`
	UpdatedAt      Timestamp      `json:"updated_at"`
}
