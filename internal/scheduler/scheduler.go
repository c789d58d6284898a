// Package scheduler implements the periodic reconciliation loop: reap
// finished children, then admit pending tasks under the concurrency
// ceiling and the GPU inventory's current shape. It is the only
// writer of task status transitions in the daemon.
package scheduler

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aios/gpu-grabd/internal/gpu"
	"github.com/aios/gpu-grabd/internal/metrics"
	"github.com/aios/gpu-grabd/pkg/models"
)

// TaskStore is the subset of internal/store.Store the scheduler
// depends on, narrowed to an interface so tests can substitute a
// fake.
type TaskStore interface {
	Get(id string) (*models.Task, error)
	Running() ([]*models.Task, error)
	Pending() ([]*models.Task, error)
	Update(task *models.Task) error
}

// Runner is the subset of internal/runner.Runner the scheduler
// depends on.
type Runner interface {
	Start(task *models.Task, gpuIDs []int) bool
	Check(task *models.Task) *int
	Kill(task *models.Task) bool
}

// Scheduler runs the tick loop on its own goroutine. Every tick is
// guarded by mu so that Cancel (called from the IPC router) observes
// and participates in the same atomic reap/admit boundary the tick
// itself uses.
type Scheduler struct {
	store   TaskStore
	runner  Runner
	probe   gpu.Probe
	logger  *logrus.Logger
	metrics *metrics.Metrics

	checkInterval      time.Duration
	maxConcurrentTasks int

	mu        sync.Mutex
	running   bool
	startedAt time.Time
	lastCheck time.Time
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// New returns a Scheduler. checkInterval is the tick period;
// maxConcurrentTasks bounds how many tasks may be running
// simultaneously. m may be nil, in which case metrics are not
// recorded.
func New(store TaskStore, runner Runner, probe gpu.Probe, checkInterval time.Duration, maxConcurrentTasks int, m *metrics.Metrics, logger *logrus.Logger) *Scheduler {
	return &Scheduler{
		store:              store,
		runner:             runner,
		probe:              probe,
		logger:             logger,
		metrics:            m,
		checkInterval:      checkInterval,
		maxConcurrentTasks: maxConcurrentTasks,
	}
}

// Start launches the tick loop on a background goroutine.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.startedAt = time.Now()
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	go s.loop()
}

// Stop signals the tick loop to exit and waits for it to do so.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	done := s.doneCh
	s.mu.Unlock()

	<-done
}

// Uptime reports how long the scheduler has been running.
func (s *Scheduler) Uptime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startedAt.IsZero() {
		return 0
	}
	return time.Since(s.startedAt)
}

// LastCheck reports the timestamp of the most recently completed
// tick.
func (s *Scheduler) LastCheck() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCheck
}

func (s *Scheduler) loop() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick()
		case <-s.stopCh:
			return
		}
	}
}

// tick runs one reap-then-admit reconciliation pass. Any panic inside
// is recovered and logged so a single bad tick never kills the loop;
// the next tick runs at the next interval regardless.
func (s *Scheduler) tick() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithField("panic", r).Error("scheduler tick panicked; continuing at next interval")
		}
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.reap()
	s.admit()

	s.lastCheck = time.Now()
}

// reap observes the exit status of every running task and transitions
// terminal ones. Guarded the same way as admit, under s.mu, so a
// concurrent Cancel for the same task can never race it.
func (s *Scheduler) reap() {
	running, err := s.store.Running()
	if err != nil {
		s.logger.WithError(err).Error("scheduler: failed to list running tasks")
		return
	}

	for _, task := range running {
		code := s.runner.Check(task)
		if code == nil {
			continue
		}

		now := time.Now()
		task.FinishedAt = &now
		task.ExitCode = code
		if *code == 0 {
			task.Status = models.StatusCompleted
			if s.metrics != nil {
				s.metrics.TasksCompleted.Inc()
			}
		} else {
			task.Status = models.StatusFailed
			task.ErrorMessage = fmt.Sprintf("Process exited with code %d", *code)
			if s.metrics != nil {
				s.metrics.TasksFailed.Inc()
			}
		}
		if s.metrics != nil {
			s.metrics.GPUsInUse.Sub(float64(len(task.AssignedGPUs)))
		}

		if err := s.store.Update(task); err != nil {
			s.logger.WithError(err).WithField("task_id", task.ID).Error("scheduler: failed to persist reaped task")
		}
	}
}

// admit spawns as many pending tasks, in priority order, as fit under
// the concurrency ceiling and the current GPU inventory. A probe
// failure degrades to "no GPUs available right now" — admission is
// skipped for this tick, but reaping above is unaffected.
func (s *Scheduler) admit() {
	running, err := s.store.Running()
	if err != nil {
		s.logger.WithError(err).Error("scheduler: failed to list running tasks")
		return
	}
	runningCount := len(running)
	if runningCount >= s.maxConcurrentTasks {
		return
	}

	pending, err := s.store.Pending()
	if err != nil {
		s.logger.WithError(err).Error("scheduler: failed to list pending tasks")
		return
	}

	for _, task := range pending {
		if runningCount >= s.maxConcurrentTasks {
			break
		}

		avail := Match(s.probe, task.Requirements)
		if len(avail) == 0 {
			continue
		}

		started := s.runner.Start(task, avail)
		if err := s.store.Update(task); err != nil {
			s.logger.WithError(err).WithField("task_id", task.ID).Error("scheduler: failed to persist admitted task")
		}
		if started {
			runningCount++
			if s.metrics != nil {
				s.metrics.TasksAdmitted.Inc()
				s.metrics.GPUsInUse.Add(float64(len(avail)))
			}
			s.logger.WithFields(logrus.Fields{
				"task_id": task.ID,
				"gpus":    avail,
			}).Info("task admitted")
		} else if s.metrics != nil {
			s.metrics.TasksFailed.Inc()
		}
	}
}

// Cancel cancels the task with the given id and reports whether it
// did so. The record is re-read from the store under s.mu — the same
// mutex a tick holds across its whole reap-then-admit pass — so
// whichever side acquires the mutex first observes and decides on the
// authoritative status. A stale caller-held snapshot is never
// consulted: reading a terminal status here means a concurrent reap
// already won, and Cancel reports false without touching the record.
func (s *Scheduler) Cancel(taskID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.store.Get(taskID)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	switch task.Status {
	case models.StatusPending:
		now := time.Now()
		task.Status = models.StatusCancelled
		task.FinishedAt = &now
		if s.metrics != nil {
			s.metrics.TasksCancelled.Inc()
		}
		return true, s.store.Update(task)
	case models.StatusRunning:
		s.runner.Kill(task)
		now := time.Now()
		task.Status = models.StatusCancelled
		task.FinishedAt = &now
		if s.metrics != nil {
			s.metrics.TasksCancelled.Inc()
			s.metrics.GPUsInUse.Sub(float64(len(task.AssignedGPUs)))
		}
		return true, s.store.Update(task)
	default:
		return false, nil
	}
}

// Match implements the spec's requirement-matching algorithm: among
// devices admissible by req.GPUIDs (or all devices, if unset), filter
// out any whose free memory or utilization violate the bounds, and if
// at least req.GPUCount survive, return the first GPUCount of them in
// device-index order. No reservation is taken — the caller must spawn
// promptly, and a racing admission in the same tick may double-book a
// device; this is accepted (see design notes) because admissions
// within one tick are serial.
func Match(probe gpu.Probe, req models.Requirements) []int {
	devices := probe.All()
	if len(devices) == 0 {
		return nil
	}

	allowed := make(map[int]bool)
	restrictToIDs := len(req.GPUIDs) > 0
	if restrictToIDs {
		for _, id := range req.GPUIDs {
			allowed[id] = true
		}
	}

	var candidates []models.GPUStatus
	for _, d := range devices {
		if restrictToIDs && !allowed[d.Index] {
			continue
		}
		freeGB := float64(d.FreeMB) / 1024.0
		if freeGB < req.MinFreeMemoryGB {
			continue
		}
		if d.UtilPercent > req.MaxUtilPercent {
			continue
		}
		candidates = append(candidates, d)
	}

	count := req.GPUCount
	if count <= 0 {
		count = 1
	}
	if len(candidates) < count {
		return nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Index < candidates[j].Index
	})

	result := make([]int, count)
	for i := 0; i < count; i++ {
		result[i] = candidates[i].Index
	}
	return result
}
