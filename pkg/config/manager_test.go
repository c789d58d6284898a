package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/aios/gpu-grabd/pkg/config"
)

func TestLoadAppliesDefaultsWhenFileMissing(t *testing.T) {
	mgr := config.NewManager(t.TempDir())
	cfg, err := mgr.Load()
	require.NoError(t, err)

	assert.Equal(t, 10.0, cfg.Scheduler.CheckIntervalSeconds)
	assert.Equal(t, 4, cfg.Scheduler.MaxConcurrentTasks)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 1, cfg.Defaults.GPUCount)
	assert.Equal(t, filepath.Join(cfg.BaseDir, "data"), cfg.DataDir)
	assert.Equal(t, filepath.Join(cfg.BaseDir, "gpu-grab.sock"), cfg.SocketPath)
}

func TestLoadReadsYAMLOverrides(t *testing.T) {
	dir := t.TempDir()

	raw := map[string]any{
		"base_dir": dir,
		"scheduler": map[string]any{
			"check_interval":       2.5,
			"max_concurrent_tasks": 8,
		},
		"logging": map[string]any{
			"log_level": "debug",
		},
	}
	data, err := yaml.Marshal(raw)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), data, 0o644))

	mgr := config.NewManager(dir)
	cfg, err := mgr.Load()
	require.NoError(t, err)

	assert.Equal(t, 2.5, cfg.Scheduler.CheckIntervalSeconds)
	assert.Equal(t, 8, cfg.Scheduler.MaxConcurrentTasks)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, dir, cfg.BaseDir)
}

func TestFileHelpersJoinDirs(t *testing.T) {
	cfg := &config.Config{DataDir: "/data", LogsDir: "/logs"}

	assert.Equal(t, "/data/tasks.json", cfg.TasksFile())
	assert.Equal(t, "/logs/gpu-grab.log", cfg.DaemonLogFile())
	assert.Equal(t, "/logs/task_abc123.log", cfg.TaskLogFile("abc123"))
}
