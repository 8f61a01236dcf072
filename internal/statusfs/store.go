// Package statusfs implements the status channel between the orchestrator
// and its worker processes as JSON files under one directory per job:
// master.json for the master record and repo_<index>.json per repository.
// Every write replaces the file atomically with a rename, so a reader never
// observes a partial record.
package statusfs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/repo-scanner/internal/scan"
)

const (
	masterFile = "master.json"
	lockFile   = "master.lock"
	repoPrefix = "repo_"
	dirPerm    = 0o750
	filePerm   = 0o640
)

// Store reads and writes status files under a root directory.
type Store struct {
	root   string
	logger *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates the root directory if needed and checks that it is writable.
func New(root string, logger *zap.Logger) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("status directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	info, err := os.Stat(root)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if mkErr := os.MkdirAll(root, dirPerm); mkErr != nil {
			return nil, fmt.Errorf("create status directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("stat status directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("status directory path is not a directory")
	}
	probe, err := os.CreateTemp(root, ".writable-*")
	if err != nil {
		return nil, fmt.Errorf("status directory is not writable: %w", err)
	}
	name := probe.Name()
	if err := probe.Close(); err != nil {
		return nil, fmt.Errorf("close probe file: %w", err)
	}
	if err := os.Remove(name); err != nil {
		return nil, fmt.Errorf("remove probe file: %w", err)
	}
	return &Store{
		root:   filepath.Clean(root),
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

// Root returns the status directory.
func (s *Store) Root() string {
	return s.root
}

// JobDir returns the directory holding a job's status files.
func (s *Store) JobDir(jobID string) (string, error) {
	if jobID == "" || jobID == "." || strings.ContainsAny(jobID, `/\`) || strings.Contains(jobID, "..") {
		return "", fmt.Errorf("invalid job id %q", jobID)
	}
	dir := filepath.Join(s.root, jobID)
	if !strings.HasPrefix(dir, s.root+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected")
	}
	return dir, nil
}

// RepoPath returns the path of a repository record.
func (s *Store) RepoPath(jobID string, index int) (string, error) {
	if index < 0 {
		return "", fmt.Errorf("invalid repository index %d", index)
	}
	dir, err := s.JobDir(jobID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, repoPrefix+strconv.Itoa(index)+".json"), nil
}

// WriteRepo atomically replaces the record for rec.RepoIndex.
func (s *Store) WriteRepo(ctx context.Context, jobID string, rec scan.RepoRecord) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("write repo record: %w", err)
	}
	path, err := s.RepoPath(jobID, rec.RepoIndex)
	if err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal repo record: %w", err)
	}
	return writeAtomic(path, data)
}

// ReadRepo loads one repository record. A missing or partially readable file
// yields an error wrapping scan.ErrRecordUnavailable.
func (s *Store) ReadRepo(ctx context.Context, jobID string, index int) (scan.RepoRecord, error) {
	if err := ctx.Err(); err != nil {
		return scan.RepoRecord{}, fmt.Errorf("read repo record: %w", err)
	}
	path, err := s.RepoPath(jobID, index)
	if err != nil {
		return scan.RepoRecord{}, err
	}
	var rec scan.RepoRecord
	if err := readJSON(path, &rec); err != nil {
		return scan.RepoRecord{}, err
	}
	return rec, nil
}

// ReadMaster loads the master record.
func (s *Store) ReadMaster(ctx context.Context, jobID string) (scan.MasterRecord, error) {
	if err := ctx.Err(); err != nil {
		return scan.MasterRecord{}, fmt.Errorf("read master record: %w", err)
	}
	dir, err := s.JobDir(jobID)
	if err != nil {
		return scan.MasterRecord{}, err
	}
	var rec scan.MasterRecord
	if err := readJSON(filepath.Join(dir, masterFile), &rec); err != nil {
		return scan.MasterRecord{}, err
	}
	return rec, nil
}

// InitMaster creates the job directory and writes the initial master record.
func (s *Store) InitMaster(ctx context.Context, rec scan.MasterRecord) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("init master record: %w", err)
	}
	dir, err := s.JobDir(rec.JobID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("create job directory: %w", err)
	}
	return s.withMasterLock(dir, rec.JobID, func() error {
		return writeMaster(dir, rec)
	})
}

// UpdateMaster runs fn on the current master record while holding both the
// in-process job mutex and an advisory lock on master.lock, then writes the
// result if fn reports a change.
func (s *Store) UpdateMaster(ctx context.Context, jobID string, fn func(*scan.MasterRecord) (bool, error)) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("update master record: %w", err)
	}
	dir, err := s.JobDir(jobID)
	if err != nil {
		return err
	}
	return s.withMasterLock(dir, jobID, func() error {
		var rec scan.MasterRecord
		if err := readJSON(filepath.Join(dir, masterFile), &rec); err != nil {
			return err
		}
		changed, err := fn(&rec)
		if err != nil {
			return err
		}
		if !changed {
			return nil
		}
		return writeMaster(dir, rec)
	})
}

// RemoveJob deletes every status file of a job.
func (s *Store) RemoveJob(_ context.Context, jobID string) error {
	dir, err := s.JobDir(jobID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove job directory: %w", err)
	}
	s.mu.Lock()
	delete(s.locks, jobID)
	s.mu.Unlock()
	return nil
}

func (s *Store) jobMutex(jobID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.locks[jobID]
	if !ok {
		m = &sync.Mutex{}
		s.locks[jobID] = m
	}
	return m
}

func (s *Store) withMasterLock(dir, jobID string, fn func() error) error {
	m := s.jobMutex(jobID)
	m.Lock()
	defer m.Unlock()

	unlock, err := lockPath(filepath.Join(dir, lockFile))
	if err != nil {
		return fmt.Errorf("lock master record: %w", err)
	}
	defer func() {
		if err := unlock(); err != nil {
			s.logger.Warn("unlock master record failed", zap.String("job_id", jobID), zap.Error(err))
		}
	}()
	return fn()
}

func writeMaster(dir string, rec scan.MasterRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal master record: %w", err)
	}
	return writeAtomic(filepath.Join(dir, masterFile), data)
}

func readJSON(path string, dest any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w: %w", filepath.Base(path), scan.ErrRecordUnavailable, err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("decode %s: %w: %w", filepath.Base(path), scan.ErrRecordUnavailable, err)
	}
	return nil
}

// writeAtomic writes data to a temp file in the target directory, syncs it,
// and renames it over path.
func writeAtomic(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("create parent directories: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()
	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err = os.Chmod(tmp.Name(), filePerm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
