package ipc

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/aios/gpu-grabd/internal/metrics"
	"github.com/aios/gpu-grabd/pkg/models"
)

// Store is the subset of internal/store.Store the router depends on.
type Store interface {
	Add(task *models.Task) (string, error)
	Get(id string) (*models.Task, error)
	All() ([]*models.Task, error)
	ByStatus(status models.TaskStatus) ([]*models.Task, error)
	Statistics() (models.Statistics, error)
}

// Scheduler is the subset of internal/scheduler.Scheduler the router
// depends on.
type Scheduler interface {
	Cancel(taskID string) (bool, error)
	Uptime() time.Duration
	LastCheck() time.Time
}

// Runner is the subset of internal/runner.Runner the router depends
// on.
type Runner interface {
	LogContent(task *models.Task, tail int, follow bool) (string, error)
}

// Prober is the subset of internal/gpu.Probe the router depends on.
type Prober interface {
	All() []models.GPUStatus
}

// Defaults supplies the requirement fields a submit request may omit.
type Defaults struct {
	GPUCount       int
	MinMemoryGB    float64
	MaxUtilPercent float64
}

// SchedulerInfo reports the static scheduling parameters echoed back
// by the status action.
type SchedulerInfo struct {
	CheckIntervalSeconds float64
	MaxConcurrentTasks   int
}

// submitParams mirrors the submit action's params object.
type submitParams struct {
	Command         string            `json:"command"`
	Name            string            `json:"name"`
	WorkingDir      string            `json:"working_dir"`
	Env             map[string]string `json:"env"`
	GPUIDs          []int             `json:"gpu_ids"`
	MinFreeMemoryGB *float64          `json:"min_free_memory_gb"`
	MaxUtilPercent  *float64          `json:"max_util_percent"`
	GPUCount        *int              `json:"gpu_count"`
	Priority        int               `json:"priority"`
}

type listParams struct {
	StatusFilter string `json:"status_filter"`
}

type cancelParams struct {
	TaskID string `json:"task_id"`
}

type logsParams struct {
	TaskID string `json:"task_id"`
	Tail   int    `json:"tail"`
	Follow bool   `json:"follow"`
}

// Router decodes each action's params and dispatches to the matching
// core operation through one handler method per action, modelled on
// the teacher's pkg/api/routes.go per-action handlers, generalized from
// HTTP handlers to socket-connection handlers.
type Router struct {
	store     Store
	scheduler Scheduler
	runner    Runner
	probe     Prober
	defaults  Defaults
	info      SchedulerInfo
	tracer    trace.Tracer
	metrics   *metrics.Metrics

	startedAt time.Time
}

// NewRouter builds a Router wired to the daemon's core components. m
// may be nil, in which case the submitted-tasks counter is not
// recorded.
func NewRouter(store Store, sched Scheduler, runner Runner, probe Prober, defaults Defaults, info SchedulerInfo, tracer trace.Tracer, m *metrics.Metrics) *Router {
	return &Router{
		store:     store,
		scheduler: sched,
		runner:    runner,
		probe:     probe,
		defaults:  defaults,
		info:      info,
		tracer:    tracer,
		metrics:   m,
		startedAt: time.Now(),
	}
}

// Dispatch decodes req.Params according to req.Action and runs the
// matching handler, returning the response to frame back to the
// client. An unrecognized action produces {success:false, error:
// "Unknown action"} rather than an error return, matching spec §4.5.
func (r *Router) Dispatch(ctx context.Context, req Request) Response {
	ctx, span := r.tracer.Start(ctx, "ipc.dispatch."+req.Action)
	defer span.End()

	switch req.Action {
	case "submit":
		return r.handleSubmit(ctx, req.Params)
	case "status":
		return r.handleStatus(ctx)
	case "list":
		return r.handleList(ctx, req.Params)
	case "cancel":
		return r.handleCancel(ctx, req.Params)
	case "logs":
		return r.handleLogs(ctx, req.Params)
	default:
		return errorResponse("Unknown action")
	}
}

func (r *Router) handleSubmit(_ context.Context, raw []byte) Response {
	var p submitParams
	if err := unmarshalParams(raw, &p); err != nil {
		return errorResponse("Invalid JSON")
	}
	if p.Command == "" {
		return errorResponse("command is required")
	}

	req := models.Requirements{
		GPUIDs:          p.GPUIDs,
		MinFreeMemoryGB: r.defaults.MinMemoryGB,
		MaxUtilPercent:  r.defaults.MaxUtilPercent,
		GPUCount:        r.defaults.GPUCount,
	}
	if p.MinFreeMemoryGB != nil {
		req.MinFreeMemoryGB = *p.MinFreeMemoryGB
	}
	if p.MaxUtilPercent != nil {
		req.MaxUtilPercent = *p.MaxUtilPercent
	}
	if p.GPUCount != nil {
		req.GPUCount = *p.GPUCount
	}

	task := &models.Task{
		ID:           newTaskID(),
		Name:         p.Name,
		Command:      p.Command,
		WorkingDir:   p.WorkingDir,
		Env:          p.Env,
		Requirements: req,
		Priority:     p.Priority,
		Status:       models.StatusPending,
		CreatedAt:    time.Now(),
		AssignedGPUs: []int{},
	}

	id, err := r.store.Add(task)
	if err != nil {
		return errorResponse(fmt.Sprintf("failed to queue task: %v", err))
	}
	if r.metrics != nil {
		r.metrics.TasksSubmitted.Inc()
	}
	return dataResponse(map[string]any{"task_id": id})
}

func (r *Router) handleStatus(_ context.Context) Response {
	stats, err := r.store.Statistics()
	if err != nil {
		return errorResponse(fmt.Sprintf("failed to read statistics: %v", err))
	}

	return dataResponse(map[string]any{
		"running":        true,
		"uptime_seconds": time.Since(r.startedAt).Seconds(),
		"tasks":          stats,
		"gpus":           r.probe.All(),
		"last_check":     r.scheduler.LastCheck(),
		"config": map[string]any{
			"check_interval":       r.info.CheckIntervalSeconds,
			"max_concurrent_tasks": r.info.MaxConcurrentTasks,
		},
	})
}

func (r *Router) handleList(_ context.Context, raw []byte) Response {
	var p listParams
	if len(raw) > 0 {
		if err := unmarshalParams(raw, &p); err != nil {
			return errorResponse("Invalid JSON")
		}
	}
	if p.StatusFilter == "" {
		p.StatusFilter = "all"
	}

	var tasks []*models.Task
	var err error
	if p.StatusFilter == "all" {
		tasks, err = r.store.All()
	} else {
		tasks, err = r.store.ByStatus(models.TaskStatus(p.StatusFilter))
	}
	if err != nil {
		return errorResponse(fmt.Sprintf("failed to list tasks: %v", err))
	}

	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})

	return dataResponse(map[string]any{"tasks": tasks})
}

func (r *Router) handleCancel(_ context.Context, raw []byte) Response {
	var p cancelParams
	if err := unmarshalParams(raw, &p); err != nil {
		return errorResponse("Invalid JSON")
	}

	cancelled, err := r.scheduler.Cancel(p.TaskID)
	if err != nil {
		return errorResponse(fmt.Sprintf("failed to cancel task: %v", err))
	}
	if !cancelled {
		return dataResponse(map[string]any{"cancelled": false, "error": "task not found or already finished"})
	}
	return dataResponse(map[string]any{"cancelled": true})
}

func (r *Router) handleLogs(_ context.Context, raw []byte) Response {
	var p logsParams
	if err := unmarshalParams(raw, &p); err != nil {
		return errorResponse("Invalid JSON")
	}

	task, err := r.store.Get(p.TaskID)
	if err != nil {
		return errorResponse(fmt.Sprintf("failed to look up task: %v", err))
	}
	if task == nil {
		return errorResponse("task not found")
	}

	content, err := r.runner.LogContent(task, p.Tail, p.Follow)
	if err != nil {
		return errorResponse(fmt.Sprintf("failed to read logs: %v", err))
	}
	return dataResponse(map[string]any{"logs": content})
}

// newTaskID mints a short opaque id: the first 8 hex characters of a
// UUIDv4, the same truncate-for-brevity convention the teacher's
// crawler job IDs use.
func newTaskID() string {
	return uuid.New().String()[:8]
}
