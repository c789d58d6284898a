package ipc_test

import (
	"bufio"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/aios/gpu-grabd/internal/gpu"
	"github.com/aios/gpu-grabd/internal/ipc"
	"github.com/aios/gpu-grabd/internal/metrics"
	"github.com/aios/gpu-grabd/internal/runner"
	"github.com/aios/gpu-grabd/internal/scheduler"
	"github.com/aios/gpu-grabd/internal/store"
)

type harness struct {
	conn    net.Conn
	srv     *ipc.Server
	metrics *metrics.Metrics
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)

	s := store.New(filepath.Join(dir, "tasks.json"), logger)
	r := runner.New(dir, logger)
	probe := gpu.NewFakeProbe()
	sched := scheduler.New(s, r, probe, time.Hour, 4, nil, logger)
	m := metrics.New()

	router := ipc.NewRouter(
		s, sched, r, probe,
		ipc.Defaults{GPUCount: 1, MinMemoryGB: 0, MaxUtilPercent: 100},
		ipc.SchedulerInfo{CheckIntervalSeconds: 10, MaxConcurrentTasks: 4},
		otel.Tracer("test"),
		m,
	)

	sockPath := filepath.Join(dir, "gpu-grab.sock")
	srv := ipc.NewServer(sockPath, router, logger)

	go srv.Serve()
	waitForSocket(t, sockPath)

	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)

	h := &harness{conn: conn, srv: srv, metrics: m}
	t.Cleanup(func() {
		conn.Close()
		srv.Stop()
	})
	return h
}

func waitForSocket(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c, err := net.Dial("unix", path); err == nil {
			c.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("socket never came up")
}

func (h *harness) roundTrip(t *testing.T, action string, params any) map[string]any {
	t.Helper()
	req := map[string]any{"action": action}
	if params != nil {
		req["params"] = params
	}
	line, err := json.Marshal(req)
	require.NoError(t, err)

	_, err = h.conn.Write(append(line, '\n'))
	require.NoError(t, err)

	h.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(h.conn)
	respLine, err := reader.ReadBytes('\n')
	require.NoError(t, err)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(respLine, &resp))
	return resp
}

func TestSubmitThenList(t *testing.T) {
	h := newHarness(t)

	resp := h.roundTrip(t, "submit", map[string]any{"command": "true", "name": "job1"})
	assert.Equal(t, true, resp["success"])
	data := resp["data"].(map[string]any)
	assert.NotEmpty(t, data["task_id"])

	resp = h.roundTrip(t, "list", map[string]any{"status_filter": "pending"})
	assert.Equal(t, true, resp["success"])
	tasks := resp["data"].(map[string]any)["tasks"].([]any)
	assert.Len(t, tasks, 1)

	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.TasksSubmitted))
}

func TestSubmitMissingCommandErrors(t *testing.T) {
	h := newHarness(t)
	resp := h.roundTrip(t, "submit", map[string]any{"name": "no-command"})
	assert.Equal(t, false, resp["success"])
	assert.NotEmpty(t, resp["error"])
}

func TestUnknownActionErrors(t *testing.T) {
	h := newHarness(t)
	resp := h.roundTrip(t, "explode", nil)
	assert.Equal(t, false, resp["success"])
	assert.Equal(t, "Unknown action", resp["error"])
}

func TestInvalidJSONErrors(t *testing.T) {
	h := newHarness(t)
	_, err := h.conn.Write([]byte("{not json\n"))
	require.NoError(t, err)

	h.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(h.conn)
	line, err := reader.ReadBytes('\n')
	require.NoError(t, err)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(line, &resp))
	assert.Equal(t, false, resp["success"])
	assert.Equal(t, "Invalid JSON", resp["error"])
}

func TestStatusReportsStatistics(t *testing.T) {
	h := newHarness(t)
	h.roundTrip(t, "submit", map[string]any{"command": "true"})

	resp := h.roundTrip(t, "status", nil)
	require.Equal(t, true, resp["success"])
	data := resp["data"].(map[string]any)
	assert.Equal(t, true, data["running"])
	tasks := data["tasks"].(map[string]any)
	assert.Equal(t, float64(1), tasks["total"])
	assert.Equal(t, float64(1), tasks["pending"])
}

func TestCancelUnknownTaskReportsNotFound(t *testing.T) {
	h := newHarness(t)
	resp := h.roundTrip(t, "cancel", map[string]any{"task_id": "nope"})
	assert.Equal(t, true, resp["success"])
	data := resp["data"].(map[string]any)
	assert.Equal(t, false, data["cancelled"])
	assert.Equal(t, "task not found or already finished", data["error"])
}

func TestCancelPendingTaskSucceeds(t *testing.T) {
	h := newHarness(t)
	submitResp := h.roundTrip(t, "submit", map[string]any{"command": "sleep 5"})
	taskID := submitResp["data"].(map[string]any)["task_id"].(string)

	resp := h.roundTrip(t, "cancel", map[string]any{"task_id": taskID})
	data := resp["data"].(map[string]any)
	assert.Equal(t, true, data["cancelled"])

	listResp := h.roundTrip(t, "list", map[string]any{"status_filter": "cancelled"})
	tasks := listResp["data"].(map[string]any)["tasks"].([]any)
	assert.Len(t, tasks, 1)
}

func TestLogsForUnknownTaskErrors(t *testing.T) {
	h := newHarness(t)
	resp := h.roundTrip(t, "logs", map[string]any{"task_id": "nope"})
	assert.Equal(t, false, resp["success"])
	assert.Equal(t, "task not found", resp["error"])
}
