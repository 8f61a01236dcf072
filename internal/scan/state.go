package scan

import "fmt"

// RepoState is the tagged view of a repository's status record. The variants
// are Pending, Scanning, Completed, Failed, and TimedOut; no other type can
// implement it.
type RepoState interface {
	isRepoState()
}

// Pending means no record has been written yet.
type Pending struct{}

// Scanning carries live progress.
type Scanning struct {
	Progress RepoProgress
}

// Completed carries the scan summary.
type Completed struct {
	Summary *Summary
}

// Failed carries the worker's error.
type Failed struct {
	Error string
}

// TimedOut carries the timeout reason.
type TimedOut struct {
	Error string
}

func (Pending) isRepoState()   {}
func (Scanning) isRepoState()  {}
func (Completed) isRepoState() {}
func (Failed) isRepoState()    {}
func (TimedOut) isRepoState()  {}

// StateOf maps a record to its variant. A nil record is Pending.
func StateOf(rec *RepoRecord) (RepoState, error) {
	if rec == nil {
		return Pending{}, nil
	}
	switch rec.Status {
	case RepoScanning:
		return Scanning{Progress: RepoProgress{
			Index:            rec.RepoIndex,
			Name:             rec.RepoName,
			Percentage:       clampPercent(rec.Percentage),
			CurrentFile:      rec.CurrentFile,
			CurrentFileCount: rec.CurrentFileCount,
			TotalFiles:       rec.TotalFiles,
			LastUpdate:       rec.LastUpdate,
		}}, nil
	case RepoCompleted:
		return Completed{Summary: rec.Summary}, nil
	case RepoFailed:
		return Failed{Error: errorOrDefault(rec.Error, "scan failed")}, nil
	case RepoTimeout:
		return TimedOut{Error: errorOrDefault(rec.Error, "scan timed out")}, nil
	default:
		return nil, fmt.Errorf("unknown repository status %q", rec.Status)
	}
}

// Percent returns the contribution of a state to overall job progress.
func Percent(state RepoState) (float64, error) {
	switch s := state.(type) {
	case Pending:
		return 0, nil
	case Scanning:
		return s.Progress.Percentage, nil
	case Completed, Failed, TimedOut:
		return 100, nil
	default:
		return 0, fmt.Errorf("unhandled repository state %T", state)
	}
}

func clampPercent(p float64) float64 {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}

func errorOrDefault(msg, def string) string {
	if msg == "" {
		return def
	}
	return msg
}
