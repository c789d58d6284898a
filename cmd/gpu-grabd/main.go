package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	"github.com/aios/gpu-grabd/internal/gpu"
	"github.com/aios/gpu-grabd/internal/ipc"
	"github.com/aios/gpu-grabd/internal/metrics"
	"github.com/aios/gpu-grabd/internal/runner"
	"github.com/aios/gpu-grabd/internal/scheduler"
	"github.com/aios/gpu-grabd/internal/store"
	"github.com/aios/gpu-grabd/pkg/config"
	"github.com/aios/gpu-grabd/pkg/utils"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// daemon owns every long-lived component and their shutdown order.
type daemon struct {
	logger *logrus.Logger
	tracer trace.Tracer

	cfg       *config.Config
	probe     gpu.Probe
	store     *store.Store
	runner    *runner.Runner
	scheduler *scheduler.Scheduler
	metrics   *metrics.Metrics
	ipcServer *ipc.Server

	debugServer *http.Server
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "gpu-grabd",
		Short: "gpu-grab daemon",
		Long:  "Single-host GPU job scheduler: queues shell commands, admits them against live GPU telemetry, and supervises their lifecycle.",
		Run:   runDaemon,
	}

	rootCmd.Flags().String("config", "", "config directory (default search: $base_dir, current directory)")
	rootCmd.Flags().String("log-level", "", "log level override (debug, info, warn, error)")
	rootCmd.Flags().String("metrics-addr", "", "debug/metrics HTTP bind address override")

	viper.BindPFlags(rootCmd.Flags())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) {
	mgr := config.NewManager(viper.GetString("config"))
	cfg, err := mgr.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if lvl := viper.GetString("log-level"); lvl != "" {
		cfg.Logging.Level = lvl
	}
	if addr := viper.GetString("metrics-addr"); addr != "" {
		cfg.Metrics.Addr = addr
	}

	logger := initLogger(cfg)
	shutdownTracing := initTracing()
	defer shutdownTracing()

	d := &daemon{
		logger: logger,
		tracer: otel.Tracer("gpu-grabd"),
		cfg:    cfg,
	}

	if err := d.start(); err != nil {
		logger.WithError(err).Fatal("failed to start daemon")
	}

	d.waitForShutdown()
}

// start wires every component bottom-up (probe → store → runner →
// scheduler → ipc) and brings the accept loop and scheduler tick
// online. Only a failure binding the IPC socket is fatal, per the
// daemon's exit-code contract; everything else degrades and logs.
func (d *daemon) start() error {
	for _, dir := range []string{d.cfg.DataDir, d.cfg.LogsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			d.logger.WithError(err).WithField("dir", dir).Warn("failed to create directory")
		}
	}

	d.probe = gpu.NewNVMLProbe(d.logger)
	d.store = store.New(d.cfg.TasksFile(), d.logger)
	d.runner = runner.New(d.cfg.LogsDir, d.logger)
	d.metrics = metrics.New()

	checkInterval := time.Duration(d.cfg.Scheduler.CheckIntervalSeconds * float64(time.Second))
	d.scheduler = scheduler.New(d.store, d.runner, d.probe, checkInterval, d.cfg.Scheduler.MaxConcurrentTasks, d.metrics, d.logger)

	router := ipc.NewRouter(
		d.store, d.scheduler, d.runner, d.probe,
		ipc.Defaults{
			GPUCount:       d.cfg.Defaults.GPUCount,
			MinMemoryGB:    d.cfg.Defaults.MinMemoryGB,
			MaxUtilPercent: d.cfg.Defaults.MaxUtilPercent,
		},
		ipc.SchedulerInfo{
			CheckIntervalSeconds: d.cfg.Scheduler.CheckIntervalSeconds,
			MaxConcurrentTasks:   d.cfg.Scheduler.MaxConcurrentTasks,
		},
		d.tracer,
		d.metrics,
	)
	d.ipcServer = ipc.NewServer(d.cfg.SocketPath, router, d.logger)

	d.scheduler.Start()

	errCh := make(chan error, 1)
	go func() {
		d.logger.WithField("socket", d.cfg.SocketPath).Info("starting IPC server")
		errCh <- d.ipcServer.Serve()
	}()

	// Surface a bind failure synchronously at startup, as the spec's
	// exit-code contract requires, without waiting the full lifetime of
	// the daemon.
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ipc server: %w", err)
		}
	case <-time.After(200 * time.Millisecond):
	}

	if d.cfg.Metrics.Enabled {
		d.startDebugServer()
	}

	d.logger.Info("gpu-grab daemon started")
	return nil
}

// startDebugServer mounts an optional loopback mux serving /metrics
// and /healthz, the same side-channel HTTP surface the teacher's
// main.go runs alongside its primary API server.
func (d *daemon) startDebugServer() {
	router := mux.NewRouter()
	router.Use(utils.LoggingMiddleware(d.logger))
	router.Use(utils.RecoveryMiddleware(d.logger))
	router.Handle("/metrics", promhttp.HandlerFor(d.metrics.Registry(), promhttp.HandlerOpts{}))
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	d.debugServer = &http.Server{
		Addr:    d.cfg.Metrics.Addr,
		Handler: router,
	}

	go func() {
		d.logger.WithField("addr", d.debugServer.Addr).Info("starting debug/metrics server")
		if err := d.debugServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			d.logger.WithError(err).Error("debug/metrics server failed")
		}
	}()
}

func (d *daemon) waitForShutdown() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	d.logger.Info("shutting down gpu-grab daemon")

	if d.debugServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.debugServer.Shutdown(ctx); err != nil {
			d.logger.WithError(err).Error("failed to shut down debug server")
		}
	}

	d.ipcServer.Stop()
	d.scheduler.Stop()
	d.runner.Cleanup()

	d.logger.Info("gpu-grab daemon shutdown complete")
}

func initLogger(cfg *config.Config) *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})

	logger.SetOutput(&lumberjack.Logger{
		Filename:   cfg.DaemonLogFile(),
		MaxSize:    cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.BackupCount,
		Compress:   true,
	})

	return logger
}

// initTracing wires a stdouttrace exporter so every component's spans
// land somewhere without requiring a collector, the same default the
// teacher's dev profile uses. The returned func flushes and shuts the
// provider down.
func initTracing() func() {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return func() {}
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tp.Shutdown(ctx)
	}
}
