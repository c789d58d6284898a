// Package store implements the durable, lock-coordinated task
// collection. Every mutation is a read-modify-write of a single JSON
// file under an OS advisory lock; there is no in-memory cache, so a
// restart never loses or duplicates a record. This trades throughput
// for simplicity and crash-safety, the same tradeoff the daemon makes
// everywhere else it touches durable state.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/aios/gpu-grabd/pkg/models"
)

// Store is the persistent task collection at <data_dir>/tasks.json.
type Store struct {
	path   string
	logger *logrus.Logger
}

// New returns a Store backed by path. The file and its parent
// directory are created lazily on first write; a missing or
// malformed file reads back as an empty collection.
func New(path string, logger *logrus.Logger) *Store {
	return &Store{path: path, logger: logger}
}

// Add appends task and returns its id. The id must already be set by
// the caller (the router mints it at submission time).
func (s *Store) Add(task *models.Task) (string, error) {
	err := s.mutate(func(tasks []*models.Task) []*models.Task {
		return append(tasks, task.Clone())
	})
	if err != nil {
		return "", err
	}
	return task.ID, nil
}

// Get returns a point-in-time copy of the task with the given id, or
// nil if no such record exists.
func (s *Store) Get(id string) (*models.Task, error) {
	tasks, err := s.readAll()
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		if t.ID == id {
			return t, nil
		}
	}
	return nil, nil
}

// Update replaces the record matching task.ID. It is a no-op if no
// such record exists.
func (s *Store) Update(task *models.Task) error {
	return s.mutate(func(tasks []*models.Task) []*models.Task {
		for i, t := range tasks {
			if t.ID == task.ID {
				tasks[i] = task.Clone()
				break
			}
		}
		return tasks
	})
}

// Remove deletes the record with the given id and reports whether a
// record was actually removed.
func (s *Store) Remove(id string) (bool, error) {
	removed := false
	err := s.mutate(func(tasks []*models.Task) []*models.Task {
		for i, t := range tasks {
			if t.ID == id {
				tasks = append(tasks[:i], tasks[i+1:]...)
				removed = true
				break
			}
		}
		return tasks
	})
	return removed, err
}

// All returns a full snapshot of the collection.
func (s *Store) All() ([]*models.Task, error) {
	return s.readAll()
}

// ByStatus returns every task with the given status.
func (s *Store) ByStatus(status models.TaskStatus) ([]*models.Task, error) {
	tasks, err := s.readAll()
	if err != nil {
		return nil, err
	}
	var out []*models.Task
	for _, t := range tasks {
		if t.Status == status {
			out = append(out, t)
		}
	}
	return out, nil
}

// Pending returns pending tasks sorted by (-priority, created_at):
// higher priority first, ties broken oldest-first. This is the exact
// admission order the scheduler iterates in Phase 2.
func (s *Store) Pending() ([]*models.Task, error) {
	tasks, err := s.ByStatus(models.StatusPending)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].Priority != tasks[j].Priority {
			return tasks[i].Priority > tasks[j].Priority
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks, nil
}

// Running returns every task currently marked running.
func (s *Store) Running() ([]*models.Task, error) {
	return s.ByStatus(models.StatusRunning)
}

// CancelPending sets a pending task to cancelled and reports whether
// it did so. It never touches a running task — terminating a live
// child is the scheduler/runner's job, not the store's.
func (s *Store) CancelPending(id string) (bool, error) {
	cancelled := false
	err := s.mutate(func(tasks []*models.Task) []*models.Task {
		for _, t := range tasks {
			if t.ID == id && t.Status == models.StatusPending {
				now := time.Now()
				t.Status = models.StatusCancelled
				t.FinishedAt = &now
				cancelled = true
				break
			}
		}
		return tasks
	})
	return cancelled, err
}

// Statistics summarizes the collection by status.
func (s *Store) Statistics() (models.Statistics, error) {
	tasks, err := s.readAll()
	if err != nil {
		return models.Statistics{}, err
	}
	var stats models.Statistics
	stats.Total = len(tasks)
	for _, t := range tasks {
		switch t.Status {
		case models.StatusPending:
			stats.Pending++
		case models.StatusRunning:
			stats.Running++
		case models.StatusCompleted:
			stats.Completed++
		case models.StatusFailed:
			stats.Failed++
		case models.StatusCancelled:
			stats.Cancelled++
		}
	}
	return stats, nil
}

// Cleanup drops terminal records whose FinishedAt predates the cutoff
// implied by maxAgeDays, returning the number removed.
func (s *Store) Cleanup(maxAgeDays int) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -maxAgeDays)
	removed := 0
	err := s.mutate(func(tasks []*models.Task) []*models.Task {
		kept := tasks[:0]
		for _, t := range tasks {
			if t.Status.Terminal() && t.FinishedAt != nil && t.FinishedAt.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, t)
		}
		return kept
	})
	return removed, err
}

// mutate performs one exclusive-locked read-modify-write cycle.
func (s *Store) mutate(fn func([]*models.Task) []*models.Task) error {
	unlock, err := s.lock(unix.LOCK_EX)
	if err != nil {
		return err
	}
	defer unlock()

	tasks, err := s.readLocked()
	if err != nil {
		return err
	}

	tasks = fn(tasks)
	return s.writeLocked(tasks)
}

// readAll performs one shared-locked read of the full collection.
func (s *Store) readAll() ([]*models.Task, error) {
	unlock, err := s.lock(unix.LOCK_SH)
	if err != nil {
		return nil, err
	}
	defer unlock()

	return s.readLocked()
}

// readLocked reads and decodes the task file. A missing file or
// malformed JSON is treated as an empty collection (malformed JSON is
// also logged); the next write recreates a valid file.
func (s *Store) readLocked() ([]*models.Task, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read tasks file: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var tasks []*models.Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		if s.logger != nil {
			s.logger.WithError(err).Warn("tasks file is malformed; treating as empty")
		}
		return nil, nil
	}
	return tasks, nil
}

// writeLocked serializes tasks to a temp file and renames it over the
// target path. Rename is atomic on the same filesystem, so a reader
// never observes a partially written file even if the process is
// killed mid-write.
func (s *Store) writeLocked(tasks []*models.Task) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	if tasks == nil {
		tasks = []*models.Task{}
	}

	data, err := json.MarshalIndent(tasks, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal tasks: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".tasks-*.json.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file into place: %w", err)
	}
	return nil
}

// lock takes an advisory lock of the given mode (unix.LOCK_SH or
// unix.LOCK_EX) on a sidecar ".lock" file and returns a function that
// releases it. Locking a sidecar file rather than the data file
// itself means a concurrent writer's temp-file-plus-rename never
// invalidates a reader's held lock.
func (s *Store) lock(mode int) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	lockPath := s.path + ".lock"
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), mode); err != nil {
		f.Close()
		return nil, fmt.Errorf("flock: %w", err)
	}

	return func() {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
	}, nil
}
