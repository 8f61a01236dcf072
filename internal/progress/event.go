package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the milestone an Event represents.
type Stage string

// Supported progress stages.
const (
	StageJobStart  Stage = "JOB_START"
	StageJobDone   Stage = "JOB_DONE"
	StageJobError  Stage = "JOB_ERROR"
	StageRepoStart Stage = "REPO_START"
	StageRepoDone  Stage = "REPO_DONE"
)

// Event is one scan milestone.
type Event struct {
	// JobID is the 16-byte form of the job's UUID.
	JobID [16]byte
	TS    time.Time
	Stage Stage
	// Target is the submitted URL; set on job events.
	Target string
	// RepoIndex, Repo, and URL scope repository events.
	RepoIndex int
	Repo      string
	URL       string
	// RepoStatus is the terminal repository status on REPO_DONE.
	RepoStatus string
	Bytes      int64
	Files      int64
	Dur        time.Duration
	// Note carries the error text of failed jobs and repositories.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == [16]byte{} {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobStart, StageJobDone, StageJobError:
	case StageRepoStart:
		if e.Repo == "" {
			return errors.New("repo start requires repo")
		}
	case StageRepoDone:
		if e.Repo == "" {
			return errors.New("repo done requires repo")
		}
		if e.RepoStatus == "" {
			return errors.New("repo done requires repo status")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.RepoIndex < 0 {
		return errors.New("repo index must be >= 0")
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// JobUUID converts the binary job ID to uuid.UUID for repositories.
func (e Event) JobUUID() uuid.UUID {
	return uuid.UUID(e.JobID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// JobIDBytes parses a textual job id. Ids that are not UUIDs yield the zero
// value, which Validate rejects.
func JobIDBytes(jobID string) [16]byte {
	id, err := uuid.Parse(jobID)
	if err != nil {
		return [16]byte{}
	}
	return UUIDToBytes(id)
}
