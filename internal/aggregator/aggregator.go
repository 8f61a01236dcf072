// Package aggregator turns the status files written by scan workers into one
// coherent status view and reconciles terminal repositories into the master
// record.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/repo-scanner/internal/clock/system"
	"github.com/JakeFAU/repo-scanner/internal/scan"
)

// Aggregator reads worker status and maintains the master record partition.
type Aggregator struct {
	reader scan.StatusReader
	master scan.MasterStore
	clock  scan.Clock
	logger *zap.Logger

	// lastSeen holds the most recent readable scanning state per job and
	// repository index. It stands in for records that are mid-rewrite.
	mu       sync.Mutex
	lastSeen map[string]map[int]scan.Scanning
}

// New constructs an Aggregator. A nil clock uses the system clock.
func New(reader scan.StatusReader, master scan.MasterStore, clock scan.Clock, logger *zap.Logger) *Aggregator {
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		reader:   reader,
		master:   master,
		clock:    clock,
		logger:   logger,
		lastSeen: make(map[string]map[int]scan.Scanning),
	}
}

type observed struct {
	index int
	name  string
	state scan.RepoState
}

// GetStatus builds the status view for jobID. A repository record that is
// missing or partially written keeps the last state read for that repository,
// or counts as pending if there is none, so polls never move backwards. Terminal records seen for
// the first time are moved out of the master's pending list.
func (a *Aggregator) GetStatus(ctx context.Context, jobID string) (scan.StatusView, error) {
	master, err := a.reader.ReadMaster(ctx, jobID)
	if err != nil {
		return scan.StatusView{}, fmt.Errorf("read master record: %w", err)
	}

	repos := make([]observed, 0, len(master.Repositories))
	latest := master.UpdatedAt
	for index, name := range master.Repositories {
		state, updated, ok := a.observe(ctx, jobID, index)
		state = a.remember(jobID, index, state, ok)
		if updated.After(latest.Time) {
			latest = updated
		}
		repos = append(repos, observed{index: index, name: name, state: state})
	}

	if needsReconcile(&master, repos) {
		err := a.master.UpdateMaster(ctx, jobID, func(rec *scan.MasterRecord) (bool, error) {
			changed := false
			for _, repo := range repos {
				if apply(rec, repo.name, repo.state) {
					changed = true
				}
			}
			if syncStatus(rec, repos) {
				changed = true
			}
			if changed {
				rec.UpdatedAt = scan.NewTimestamp(a.clock.Now())
			}
			master = cloneMaster(*rec)
			return changed, nil
		})
		if err != nil {
			// The view is still derivable from what was read; the next poll retries.
			a.logger.Warn("reconcile master record failed", zap.String("job_id", jobID), zap.Error(err))
			for _, repo := range repos {
				apply(&master, repo.name, repo.state)
			}
		}
	}

	view := buildView(master, repos)
	if master.UpdatedAt.After(latest.Time) {
		latest = master.UpdatedAt
	}
	view.UpdatedAt = latest
	if rank(view.Status) == 2 {
		a.Forget(jobID)
	}
	return view, nil
}

// Forget drops the remembered repository states of jobID.
func (a *Aggregator) Forget(jobID string) {
	a.mu.Lock()
	delete(a.lastSeen, jobID)
	a.mu.Unlock()
}

// remember records readable scanning states and substitutes the last one for
// a record that could not be read. Other states clear the memory.
func (a *Aggregator) remember(jobID string, index int, state scan.RepoState, readable bool) scan.RepoState {
	a.mu.Lock()
	defer a.mu.Unlock()
	seen := a.lastSeen[jobID]
	if !readable {
		if prev, ok := seen[index]; ok {
			return prev
		}
		return state
	}
	s, ok := state.(scan.Scanning)
	if !ok {
		delete(seen, index)
		return state
	}
	if prev, had := seen[index]; had && prev.Progress.Percentage > s.Progress.Percentage {
		s.Progress.Percentage = prev.Progress.Percentage
	}
	if seen == nil {
		seen = make(map[int]scan.Scanning)
		a.lastSeen[jobID] = seen
	}
	seen[index] = s
	return s
}

// Reconcile merges one repository's state into the master record. Applying the
// same terminal state twice leaves exactly one entry.
func (a *Aggregator) Reconcile(ctx context.Context, jobID string, index int, state scan.RepoState) error {
	err := a.master.UpdateMaster(ctx, jobID, func(rec *scan.MasterRecord) (bool, error) {
		if index < 0 || index >= len(rec.Repositories) {
			return false, fmt.Errorf("repository index %d out of range [0,%d)", index, len(rec.Repositories))
		}
		changed := apply(rec, rec.Repositories[index], state)
		next := deriveMasterStatus(rec, isActive(state))
		if next != rec.Status {
			rec.Status = next
			changed = true
		}
		if changed {
			rec.UpdatedAt = scan.NewTimestamp(a.clock.Now())
		}
		return changed, nil
	})
	if err != nil {
		return fmt.Errorf("reconcile repository %d: %w", index, err)
	}
	return nil
}

// observe reads one repository record. ok is false when the record is absent
// or cannot be used yet.
func (a *Aggregator) observe(ctx context.Context, jobID string, index int) (state scan.RepoState, updated scan.Timestamp, ok bool) {
	rec, err := a.reader.ReadRepo(ctx, jobID, index)
	if err != nil {
		if !errors.Is(err, scan.ErrRecordUnavailable) {
			a.logger.Warn("read repository record failed",
				zap.String("job_id", jobID),
				zap.Int("repo_index", index),
				zap.Error(err),
			)
		}
		return scan.Pending{}, scan.Timestamp{}, false
	}
	state, err = scan.StateOf(&rec)
	if err != nil {
		a.logger.Warn("unrecognized repository record",
			zap.String("job_id", jobID),
			zap.Int("repo_index", index),
			zap.Error(err),
		)
		return scan.Pending{}, rec.LastUpdate, false
	}
	if s, isScanning := state.(scan.Scanning); isScanning && s.Progress.Name == "" {
		s.Progress.Name = rec.RepoName
		state = s
	}
	return state, rec.LastUpdate, true
}

// apply moves name out of pending when state is terminal. The first terminal
// state observed for a name wins.
func apply(rec *scan.MasterRecord, name string, state scan.RepoState) bool {
	if isSettled(rec, name) {
		return false
	}
	switch s := state.(type) {
	case scan.Completed:
		rec.CompletedRepos = append(rec.CompletedRepos, name)
	case scan.Failed:
		rec.FailedRepos = append(rec.FailedRepos, scan.FailedRepo{Name: name, Status: scan.RepoFailed, Error: s.Error})
	case scan.TimedOut:
		rec.FailedRepos = append(rec.FailedRepos, scan.FailedRepo{Name: name, Status: scan.RepoTimeout, Error: s.Error})
	case scan.Pending, scan.Scanning:
		return false
	default:
		return false
	}
	rec.PendingRepos = slices.DeleteFunc(rec.PendingRepos, func(n string) bool { return n == name })
	return true
}

func isSettled(rec *scan.MasterRecord, name string) bool {
	if slices.Contains(rec.CompletedRepos, name) {
		return true
	}
	return slices.ContainsFunc(rec.FailedRepos, func(f scan.FailedRepo) bool { return f.Name == name })
}

func isActive(state scan.RepoState) bool {
	switch state.(type) {
	case scan.Pending:
		return false
	default:
		return true
	}
}

func needsReconcile(master *scan.MasterRecord, repos []observed) bool {
	for _, repo := range repos {
		switch repo.state.(type) {
		case scan.Completed, scan.Failed, scan.TimedOut:
			if !isSettled(master, repo.name) {
				return true
			}
		}
	}
	return syncStatusValue(master, repos) != master.Status
}

func syncStatus(rec *scan.MasterRecord, repos []observed) bool {
	next := syncStatusValue(rec, repos)
	if next == rec.Status {
		return false
	}
	rec.Status = next
	return true
}

func syncStatusValue(rec *scan.MasterRecord, repos []observed) scan.OverallStatus {
	active := false
	for _, repo := range repos {
		if isActive(repo.state) {
			active = true
			break
		}
	}
	return deriveMasterStatus(rec, active)
}

// deriveMasterStatus computes the overall status from the partition. active
// reports whether any repository has been observed past pending.
func deriveMasterStatus(rec *scan.MasterRecord, active bool) scan.OverallStatus {
	settled := len(rec.CompletedRepos) + len(rec.FailedRepos)
	return overall(len(rec.Repositories), settled, len(rec.CompletedRepos), active || settled > 0 || rec.Status == scan.OverallInProgress)
}

func overall(total, settled, completed int, active bool) scan.OverallStatus {
	switch {
	case total == 0 || !active:
		return scan.OverallPending
	case settled >= total && completed > 0:
		return scan.OverallCompleted
	case settled >= total:
		return scan.OverallFailed
	default:
		return scan.OverallInProgress
	}
}

func buildView(master scan.MasterRecord, repos []observed) scan.StatusView {
	view := scan.StatusView{
		JobID:          master.JobID,
		TargetURL:      master.TargetURL,
		TotalRepos:     len(master.Repositories),
		Scanning:       []scan.RepoProgress{},
		CompletedRepos: append([]string{}, master.CompletedRepos...),
		FailedRepos:    append([]scan.FailedRepo{}, master.FailedRepos...),
	}

	var sum float64
	for _, repo := range repos {
		state := repo.state
		switch {
		case slices.Contains(master.CompletedRepos, repo.name):
			view.Completed++
			result := scan.RepoResult{Name: repo.name}
			if c, ok := state.(scan.Completed); ok {
				result.Summary = c.Summary
			}
			view.Results = append(view.Results, result)
			sum += 100
			continue
		case isSettled(&master, repo.name):
			view.Failed++
			sum += 100
			continue
		}
		switch s := state.(type) {
		case scan.Scanning:
			view.InProgress++
			progress := s.Progress
			progress.Index = repo.index
			if progress.Name == "" {
				progress.Name = repo.name
			}
			view.Scanning = append(view.Scanning, progress)
			sum += progress.Percentage
		case scan.Completed:
			view.Completed++
			view.CompletedRepos = append(view.CompletedRepos, repo.name)
			view.Results = append(view.Results, scan.RepoResult{Name: repo.name, Summary: s.Summary})
			sum += 100
		case scan.Failed:
			view.Failed++
			view.FailedRepos = append(view.FailedRepos, scan.FailedRepo{Name: repo.name, Status: scan.RepoFailed, Error: s.Error})
			sum += 100
		case scan.TimedOut:
			view.Failed++
			view.FailedRepos = append(view.FailedRepos, scan.FailedRepo{Name: repo.name, Status: scan.RepoTimeout, Error: s.Error})
			sum += 100
		default:
			view.Pending++
		}
	}

	if view.TotalRepos > 0 {
		view.Progress = int(math.Floor(sum / float64(view.TotalRepos)))
	}
	active := view.InProgress > 0 || view.Completed > 0 || view.Failed > 0
	view.Status = overall(view.TotalRepos, view.Completed+view.Failed, view.Completed, active)
	if rank(master.Status) > rank(view.Status) {
		view.Status = master.Status
	}
	return view
}

// rank orders overall statuses along pending, in_progress, terminal.
func rank(status scan.OverallStatus) int {
	switch status {
	case scan.OverallInProgress:
		return 1
	case scan.OverallCompleted, scan.OverallFailed:
		return 2
	default:
		return 0
	}
}

func cloneMaster(rec scan.MasterRecord) scan.MasterRecord {
	rec.Repositories = slices.Clone(rec.Repositories)
	rec.PendingRepos = slices.Clone(rec.PendingRepos)
	rec.CompletedRepos = slices.Clone(rec.CompletedRepos)
	rec.FailedRepos = slices.Clone(rec.FailedRepos)
	return rec
}
