package runner_test

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aios/gpu-grabd/internal/runner"
	"github.com/aios/gpu-grabd/pkg/models"
)

func newRunner(t *testing.T) *runner.Runner {
	t.Helper()
	dir := t.TempDir()
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	return runner.New(dir, logger)
}

func waitForExit(t *testing.T, r *runner.Runner, task *models.Task) int {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if code := r.Check(task); code != nil {
			return *code
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("task did not exit in time")
	return -1
}

func TestStartSuccessfulCommandCompletes(t *testing.T) {
	r := newRunner(t)
	task := &models.Task{ID: "t1", Name: "true-cmd", Command: "true"}

	ok := r.Start(task, []int{0})
	require.True(t, ok)
	assert.Equal(t, models.StatusRunning, task.Status)
	require.NotNil(t, task.PID)
	assert.Equal(t, []int{0}, task.AssignedGPUs)

	code := waitForExit(t, r, task)
	assert.Equal(t, 0, code)
}

func TestStartFailingCommandReportsNonZero(t *testing.T) {
	r := newRunner(t)
	task := &models.Task{ID: "t2", Name: "false-cmd", Command: "exit 7"}

	ok := r.Start(task, []int{0})
	require.True(t, ok)

	code := waitForExit(t, r, task)
	assert.Equal(t, 7, code)
}

func TestStartBadWorkingDirFails(t *testing.T) {
	r := newRunner(t)
	task := &models.Task{ID: "t3", Command: "true", WorkingDir: "/no/such/dir/at/all"}

	ok := r.Start(task, []int{0})
	assert.False(t, ok)
	assert.Equal(t, models.StatusFailed, task.Status)
	assert.NotEmpty(t, task.ErrorMessage)
}

func TestCudaVisibleDevicesIsSet(t *testing.T) {
	r := newRunner(t)
	task := &models.Task{ID: "t4", Command: "echo $CUDA_VISIBLE_DEVICES"}

	ok := r.Start(task, []int{2, 3})
	require.True(t, ok)

	waitForExit(t, r, task)

	data, err := os.ReadFile(task.LogFile)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "2,3"))
}

func TestKillTerminatesRunningTask(t *testing.T) {
	r := newRunner(t)
	task := &models.Task{ID: "t5", Command: "sleep 30"}

	ok := r.Start(task, []int{0})
	require.True(t, ok)

	assert.True(t, r.Kill(task))

	code := waitForExit(t, r, task)
	assert.NotEqual(t, 0, code)
}

func TestCheckAfterRestartProbesSignalZero(t *testing.T) {
	r := newRunner(t)
	pid := os.Getpid() // our own process is definitely alive
	task := &models.Task{ID: "restart-live", PID: &pid, Status: models.StatusRunning}

	code := r.Check(task)
	assert.Nil(t, code)
}

func TestCheckAfterRestartDeadPidYieldsMinusOne(t *testing.T) {
	r := newRunner(t)
	deadPID := 999999
	task := &models.Task{ID: "restart-dead", PID: &deadPID, Status: models.StatusRunning}

	code := r.Check(task)
	require.NotNil(t, code)
	assert.Equal(t, -1, *code)
}

func TestLogContentTail(t *testing.T) {
	r := newRunner(t)
	task := &models.Task{ID: "t6", Command: "printf 'a\\nb\\nc\\nd\\n'"}

	ok := r.Start(task, []int{0})
	require.True(t, ok)
	waitForExit(t, r, task)

	full, err := r.LogContent(task, 0, false)
	require.NoError(t, err)
	assert.True(t, strings.Contains(full, "a\nb\nc\nd"))

	tail, err := r.LogContent(task, 2, false)
	require.NoError(t, err)
	assert.False(t, strings.Contains(tail, "a\n"))
	assert.True(t, strings.Contains(tail, "c\nd"))
}

func TestCleanupSignalsTrackedChildren(t *testing.T) {
	r := newRunner(t)
	task := &models.Task{ID: "t7", Command: "sleep 30"}

	ok := r.Start(task, []int{0})
	require.True(t, ok)

	r.Cleanup()

	code := waitForExit(t, r, task)
	assert.NotEqual(t, 0, code)
}
