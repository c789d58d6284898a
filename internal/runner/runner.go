// Package runner owns child-process lifecycles: spawning a task's
// command pinned to its assigned GPUs, polling liveness, and
// terminating whole process groups on cancel or shutdown. It is the
// only package in the daemon that holds live process handles.
package runner

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aios/gpu-grabd/pkg/models"
)

const logHeaderRuleLen = 50

// handle is what the runner keeps in its process table for a task it
// itself spawned during this process's lifetime. exitCode is nil
// while the child is alive and is set exactly once, by
// waitInBackground, when it exits.
type handle struct {
	cmd      *exec.Cmd
	pgid     int
	exitCode *int
}

// Runner spawns, tracks, signals, and reaps the shell commands backing
// tasks. Its process table only covers children spawned by this
// daemon instance; after a restart, liveness for a previously-running
// task is probed by signal 0 against its persisted pid instead.
type Runner struct {
	logsDir string
	logger  *logrus.Logger

	mu      sync.Mutex
	handles map[string]*handle
}

// New returns a Runner that writes per-task logs under logsDir.
func New(logsDir string, logger *logrus.Logger) *Runner {
	return &Runner{
		logsDir: logsDir,
		logger:  logger,
		handles: make(map[string]*handle),
	}
}

// Start spawns task's command under a shell, pinned to gpuIDs via
// CUDA_VISIBLE_DEVICES, and mutates task in place to reflect the
// outcome. The caller is responsible for persisting task afterward in
// both the success and failure cases, since both mutate the record.
func (r *Runner) Start(task *models.Task, gpuIDs []int) bool {
	logPath := filepath.Join(r.logsDir, fmt.Sprintf("task_%s.log", task.ID))

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		r.fail(task, fmt.Sprintf("failed to create log file: %v", err))
		return false
	}
	defer func() {
		if task.Status != models.StatusRunning {
			logFile.Close()
		}
	}()

	writeLogHeader(logFile, task, gpuIDs)

	cmd := exec.Command("sh", "-c", task.Command)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if task.WorkingDir != "" {
		cmd.Dir = task.WorkingDir
	}
	cmd.Env = buildEnv(task.Env, gpuIDs)

	// New process group/session so a SIGTERM to the group reaches the
	// whole descendant tree without also reaching the daemon.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		r.fail(task, fmt.Sprintf("failed to start command: %v", err))
		return false
	}

	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		pgid = cmd.Process.Pid
	}

	r.mu.Lock()
	r.handles[task.ID] = &handle{cmd: cmd, pgid: pgid}
	r.mu.Unlock()

	pid := cmd.Process.Pid
	now := time.Now()
	task.PID = &pid
	task.AssignedGPUs = append([]int(nil), gpuIDs...)
	task.Status = models.StatusRunning
	task.StartedAt = &now
	task.LogFile = logPath

	r.logger.WithFields(logrus.Fields{
		"task_id": task.ID,
		"pid":     pid,
		"gpus":    gpuIDs,
	}).Info("task started")

	// Reap the child in the background so its exit status is
	// available for the next Check call without leaving a zombie.
	go r.waitInBackground(task.ID, cmd)

	return true
}

func (r *Runner) fail(task *models.Task, reason string) {
	now := time.Now()
	task.Status = models.StatusFailed
	task.ErrorMessage = reason
	task.FinishedAt = &now
	r.logger.WithFields(logrus.Fields{
		"task_id": task.ID,
		"reason":  reason,
	}).Error("task failed to start")
}

func (r *Runner) waitInBackground(taskID string, cmd *exec.Cmd) {
	err := cmd.Wait()

	code := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
				code = status.ExitStatus()
			} else {
				code = -1
			}
		} else {
			code = -1
		}
	}

	r.mu.Lock()
	if h, ok := r.handles[taskID]; ok {
		h.exitCode = &code
	}
	r.mu.Unlock()
}

// Check reports a task's exit code, or nil if it is still alive. If
// the runner holds no handle for task.ID (most commonly after a
// daemon restart), liveness is probed by sending signal 0 to the
// persisted pid: success means still alive, failure means the
// process is gone and the exit code is unknowable (-1).
func (r *Runner) Check(task *models.Task) *int {
	r.mu.Lock()
	h, tracked := r.handles[task.ID]
	if tracked && h.exitCode != nil {
		delete(r.handles, task.ID)
	}
	r.mu.Unlock()

	if tracked {
		if h.exitCode != nil {
			code := *h.exitCode
			return &code
		}
		return nil
	}

	if task.PID == nil {
		code := -1
		return &code
	}

	if err := syscall.Kill(*task.PID, 0); err == nil {
		return nil
	}

	code := -1
	return &code
}

// Kill sends SIGTERM to the process group of task's child, tracked or
// not. It does not wait for the child to exit — the next Check tick
// observes that. ESRCH (already gone) is tolerated silently; EPERM is
// logged since it usually means a stale/reused pid.
func (r *Runner) Kill(task *models.Task) bool {
	r.mu.Lock()
	h, tracked := r.handles[task.ID]
	if tracked {
		delete(r.handles, task.ID)
	}
	r.mu.Unlock()

	var pgid int
	if tracked {
		pgid = h.pgid
	} else if task.PID != nil {
		gid, err := syscall.Getpgid(*task.PID)
		if err != nil {
			pgid = *task.PID
		} else {
			pgid = gid
		}
	} else {
		return false
	}

	if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil {
		if err == syscall.ESRCH {
			return true
		}
		if err == syscall.EPERM {
			r.logger.WithFields(logrus.Fields{
				"task_id": task.ID,
				"pgid":    pgid,
			}).Error("permission denied sending SIGTERM to process group")
			return false
		}
		r.logger.WithError(err).WithField("task_id", task.ID).Warn("failed to signal process group")
		return false
	}
	return true
}

// LogContent returns the per-task log's full contents, or just its
// last tail lines when tail > 0. follow is accepted but not honored:
// each call simply re-reads the current file state, which is
// sufficient for the spec's minimum "log retrieval" contract.
func (r *Runner) LogContent(task *models.Task, tail int, follow bool) (string, error) {
	if task.LogFile == "" {
		return "", nil
	}
	data, err := os.ReadFile(task.LogFile)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read log file: %w", err)
	}

	if tail <= 0 {
		return string(data), nil
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) <= tail {
		return string(data), nil
	}
	return strings.Join(lines[len(lines)-tail:], "\n") + "\n", nil
}

// Cleanup sends SIGTERM to every tracked process group on daemon
// shutdown and clears the table. Exit statuses are not observed —
// shutdown does not wait for children.
func (r *Runner) Cleanup() {
	r.mu.Lock()
	handles := r.handles
	r.handles = make(map[string]*handle)
	r.mu.Unlock()

	for taskID, h := range handles {
		if err := syscall.Kill(-h.pgid, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
			r.logger.WithError(err).WithField("task_id", taskID).Warn("failed to signal process group during shutdown")
		}
	}
}

// buildEnv layers the daemon's own environment, then the task's
// overrides, then the GPU pin, in that precedence order.
func buildEnv(taskEnv map[string]string, gpuIDs []int) []string {
	env := os.Environ()
	for k, v := range taskEnv {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	ids := make([]string, len(gpuIDs))
	for i, id := range gpuIDs {
		ids[i] = strconv.Itoa(id)
	}
	env = append(env, fmt.Sprintf("CUDA_VISIBLE_DEVICES=%s", strings.Join(ids, ",")))

	return env
}

func writeLogHeader(f *os.File, task *models.Task, gpuIDs []int) {
	fmt.Fprintf(f, "Task: %s (%s)\n", task.Name, task.ID)
	fmt.Fprintf(f, "Command: %s\n", task.Command)
	fmt.Fprintf(f, "Working dir: %s\n", task.WorkingDir)
	fmt.Fprintf(f, "GPUs: %v\n", gpuIDs)
	fmt.Fprintf(f, "Started: %s\n", time.Now().Format(time.RFC3339))
	fmt.Fprintln(f, strings.Repeat("=", logHeaderRuleLen))
	f.Sync()
}
