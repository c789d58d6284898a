// Package models holds the data shapes shared between the scheduler,
// the task store, and the IPC request router. Apart from two small
// helpers (TaskStatus.Terminal and Task.Clone) it has no behavior: it
// is serialized to disk as-is and decoded off the wire as-is.
package models

import "time"

// TaskStatus is one of the states in a task's lifecycle. Transitions
// are monotone: once a task reaches a terminal status it never leaves
// it.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether status s can never transition further.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Requirements describes the GPU resources a task needs before it can
// be admitted. GPUIDs, when non-empty, restricts the set of
// admissible device indices; an empty slice means "any device".
type Requirements struct {
	GPUIDs          []int   `json:"gpu_ids,omitempty"`
	MinFreeMemoryGB float64 `json:"min_free_memory_gb"`
	MaxUtilPercent  float64 `json:"max_util_percent"`
	GPUCount        int     `json:"gpu_count"`
}

// Task is the central persisted record: a user-submitted command,
// its resource requirements, and the outcome of running it.
type Task struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Command    string            `json:"command"`
	WorkingDir string            `json:"working_dir"`
	Env        map[string]string `json:"env"`

	Requirements Requirements `json:"requirements"`
	Priority     int          `json:"priority"`

	Status TaskStatus `json:"status"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	AssignedGPUs []int  `json:"assigned_gpus"`
	PID          *int   `json:"pid,omitempty"`
	ExitCode     *int   `json:"exit_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	LogFile      string `json:"log_file,omitempty"`
}

// Clone returns a deep-enough copy of t so that a caller holding a
// store snapshot cannot mutate the store's bookkeeping through
// shared slices/maps.
func (t *Task) Clone() *Task {
	c := *t
	if t.Env != nil {
		c.Env = make(map[string]string, len(t.Env))
		for k, v := range t.Env {
			c.Env[k] = v
		}
	}
	if t.Requirements.GPUIDs != nil {
		c.Requirements.GPUIDs = append([]int(nil), t.Requirements.GPUIDs...)
	}
	if t.AssignedGPUs != nil {
		c.AssignedGPUs = append([]int(nil), t.AssignedGPUs...)
	}
	if t.StartedAt != nil {
		started := *t.StartedAt
		c.StartedAt = &started
	}
	if t.FinishedAt != nil {
		finished := *t.FinishedAt
		c.FinishedAt = &finished
	}
	if t.PID != nil {
		pid := *t.PID
		c.PID = &pid
	}
	if t.ExitCode != nil {
		code := *t.ExitCode
		c.ExitCode = &code
	}
	return &c
}

// GPUStatus is a transient per-device telemetry snapshot. It is never
// persisted.
type GPUStatus struct {
	Index       int     `json:"index"`
	Name        string  `json:"name"`
	TotalMB     uint64  `json:"total_mb"`
	UsedMB      uint64  `json:"used_mb"`
	FreeMB      uint64  `json:"free_mb"`
	UtilPercent float64 `json:"util_percent"`
	Temperature float64 `json:"temperature"`
}

// Statistics summarizes a task collection by status.
type Statistics struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}
