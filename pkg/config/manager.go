package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Manager owns loading and (optionally) hot-reloading of gpu-grabd's
// on-disk configuration.
type Manager struct {
	viper      *viper.Viper
	configPath string
}

// Config is the complete daemon configuration. All fields are
// optional; zero values are replaced by Load with the documented
// defaults.
type Config struct {
	BaseDir    string `mapstructure:"base_dir"`
	DataDir    string `mapstructure:"data_dir"`
	LogsDir    string `mapstructure:"logs_dir"`
	SocketPath string `mapstructure:"socket_path"`

	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Defaults  DefaultsConfig  `mapstructure:"defaults"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// SchedulerConfig controls the reconciliation loop's pacing and
// concurrency ceiling.
type SchedulerConfig struct {
	CheckIntervalSeconds float64 `mapstructure:"check_interval"`
	MaxConcurrentTasks   int     `mapstructure:"max_concurrent_tasks"`
}

// LoggingConfig controls the daemon's own log output (not per-task
// logs, which the runner owns directly).
type LoggingConfig struct {
	Level       string `mapstructure:"log_level"`
	MaxSizeMB   int    `mapstructure:"log_max_size_mb"`
	BackupCount int    `mapstructure:"log_backup_count"`
}

// DefaultsConfig supplies the requirement fields a submit request may
// omit.
type DefaultsConfig struct {
	GPUCount       int     `mapstructure:"default_gpu_count"`
	MinMemoryGB    float64 `mapstructure:"default_min_memory_gb"`
	MaxUtilPercent float64 `mapstructure:"default_max_util_percent"`
}

// MetricsConfig controls the optional loopback Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// NewManager creates a configuration manager rooted at configPath. An
// empty configPath defers to the current directory and the daemon's
// base directory, matching viper's usual search-path idiom.
func NewManager(configPath string) *Manager {
	return &Manager{
		viper:      viper.New(),
		configPath: configPath,
	}
}

// Load reads config.yaml (if present), layers in GPUGRAB_-prefixed
// environment variables, fills in defaults, and returns the resolved
// configuration. A missing config file is not an error: every field
// here is optional per the daemon's external contract.
func (m *Manager) Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	defaultBaseDir := filepath.Join(home, ".gpu-grab")

	m.viper.SetDefault("base_dir", defaultBaseDir)
	m.viper.SetDefault("scheduler.check_interval", 10.0)
	m.viper.SetDefault("scheduler.max_concurrent_tasks", 4)
	m.viper.SetDefault("logging.log_level", "info")
	m.viper.SetDefault("logging.log_max_size_mb", 10)
	m.viper.SetDefault("logging.log_backup_count", 5)
	m.viper.SetDefault("defaults.default_gpu_count", 1)
	m.viper.SetDefault("defaults.default_min_memory_gb", 0.0)
	m.viper.SetDefault("defaults.default_max_util_percent", 100.0)
	m.viper.SetDefault("metrics.enabled", false)
	m.viper.SetDefault("metrics.addr", "127.0.0.1:9090")

	m.viper.SetConfigName("config")
	m.viper.SetConfigType("yaml")
	if m.configPath != "" {
		m.viper.AddConfigPath(m.configPath)
	}
	m.viper.AddConfigPath(defaultBaseDir)
	m.viper.AddConfigPath(".")

	m.viper.AutomaticEnv()
	m.viper.SetEnvPrefix("GPUGRAB")
	m.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	if err := m.viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := m.viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	resolveLayout(&cfg)
	return &cfg, nil
}

// resolveLayout fills in data/logs/socket paths derived from BaseDir
// when the caller left them unset, per the filesystem layout in the
// daemon's external interface contract.
func resolveLayout(cfg *Config) {
	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Join(cfg.BaseDir, "data")
	}
	if cfg.LogsDir == "" {
		cfg.LogsDir = filepath.Join(cfg.BaseDir, "logs")
	}
	if cfg.SocketPath == "" {
		cfg.SocketPath = filepath.Join(cfg.BaseDir, "gpu-grab.sock")
	}
}

// WatchConfig invokes callback whenever the loaded config file
// changes on disk.
func (m *Manager) WatchConfig(callback func()) {
	m.viper.WatchConfig()
	m.viper.OnConfigChange(func(e fsnotify.Event) {
		if callback != nil {
			callback()
		}
	})
}

// TasksFile returns the path to the persisted task collection.
func (c *Config) TasksFile() string {
	return filepath.Join(c.DataDir, "tasks.json")
}

// DaemonLogFile returns the path to the daemon's own rotated log.
func (c *Config) DaemonLogFile() string {
	return filepath.Join(c.LogsDir, "gpu-grab.log")
}

// TaskLogFile returns the path to a task's stdout/stderr capture.
func (c *Config) TaskLogFile(taskID string) string {
	return filepath.Join(c.LogsDir, fmt.Sprintf("task_%s.log", taskID))
}
