// Package metrics exposes the daemon's Prometheus instrumentation:
// task-lifecycle counters and a GPU-in-use gauge, registered against
// a private registry so multiple daemons (or tests) in one process
// never collide on the global default registry.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds every collector the daemon updates. Grouped as a
// struct the way the teacher's domain-metric packages do, rather than
// package-level globals, so a Metrics value's lifetime matches its
// owning daemon instance.
type Metrics struct {
	registry *prometheus.Registry

	TasksSubmitted prometheus.Counter
	TasksAdmitted  prometheus.Counter
	TasksCompleted prometheus.Counter
	TasksFailed    prometheus.Counter
	TasksCancelled prometheus.Counter
	GPUsInUse      prometheus.Gauge
}

// New builds and registers the daemon's metric collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		TasksSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gpu_grab_tasks_submitted_total",
			Help: "Total number of tasks submitted to the queue.",
		}),
		TasksAdmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gpu_grab_tasks_admitted_total",
			Help: "Total number of tasks admitted to run.",
		}),
		TasksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gpu_grab_tasks_completed_total",
			Help: "Total number of tasks that exited zero.",
		}),
		TasksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gpu_grab_tasks_failed_total",
			Help: "Total number of tasks that exited non-zero or failed to spawn.",
		}),
		TasksCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gpu_grab_tasks_cancelled_total",
			Help: "Total number of tasks cancelled by a client.",
		}),
		GPUsInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gpu_grab_gpus_in_use",
			Help: "Number of GPU devices currently assigned to a running task.",
		}),
	}

	reg.MustRegister(
		m.TasksSubmitted,
		m.TasksAdmitted,
		m.TasksCompleted,
		m.TasksFailed,
		m.TasksCancelled,
		m.GPUsInUse,
	)
	return m
}

// Registry returns the private registry backing these collectors, for
// mounting promhttp.HandlerFor at the daemon's loopback debug mux.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
