// Command worker renders queued videos. It consumes the video topic,
// registers with the scaling control plane, and drains gracefully on
// SIGTERM so the controller can retire it without losing jobs.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	kvredis "github.com/rabbitreels/rabbitreels/internal/adapter/kv/redis"
	"github.com/rabbitreels/rabbitreels/internal/adapter/observability"
	"github.com/rabbitreels/rabbitreels/internal/adapter/queue/redpanda"
	"github.com/rabbitreels/rabbitreels/internal/adapter/repo/postgres"
	"github.com/rabbitreels/rabbitreels/internal/capacity"
	"github.com/rabbitreels/rabbitreels/internal/config"
	"github.com/rabbitreels/rabbitreels/internal/jobmanager"
	"github.com/rabbitreels/rabbitreels/internal/themes"
	"github.com/rabbitreels/rabbitreels/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	workerID := cfg.WorkerID
	if workerID == "" {
		workerID = worker.GenerateWorkerID()
	}
	slog.Info("starting worker", slog.String("worker_id", workerID), slog.String("env", cfg.AppEnv))

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	rdb, err := kvredis.NewClient(ctx, cfg.RedisURL)
	if err != nil {
		slog.Error("redis connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = rdb.Close() }()

	producer, err := redpanda.NewProducer(ctx, cfg.KafkaBrokers)
	if err != nil {
		slog.Error("redpanda producer connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = producer.Close() }()

	reg, err := themes.LoadFile(cfg.ThemesFile)
	if err != nil {
		slog.Error("theme table load failed", slog.Any("error", err))
		os.Exit(1)
	}

	jobRepo := postgres.NewJobRepo(pool)
	ledger := postgres.NewLedgerRepo(pool)
	stats := postgres.NewStatsRepo(pool)
	statusCache := kvredis.NewStatusCache(rdb)
	registry := kvredis.NewRegistry(rdb)
	capStore := kvredis.NewCapacity(rdb, cfg.PerformanceSamples, cfg.CapacityTrackingWindow)

	mgr := jobmanager.New(jobRepo, ledger, producer, statusCache, jobmanager.Config{
		JobTimeout:       cfg.JobTimeout,
		HeartbeatTimeout: cfg.JobHeartbeatTimeout,
		MaxRetries:       cfg.JobMaxRetries,
		RecoveryInterval: cfg.RecoveryInterval,
	})

	tracker := capacity.New(capStore, capacity.Config{
		BaseConcurrentLimit: cfg.BaseConcurrentLimit,
		MaxCPUPercent:       cfg.MaxCPUPercent,
		MaxMemPercent:       cfg.MaxMemPercent,
		TrackingWindow:      cfg.CapacityTrackingWindow,
	})

	monitor := worker.NewHealthMonitor(registry, tracker, worker.HostSampler{DiskPath: cfg.VideoOutDir}, worker.MonitorConfig{
		WorkerID:          workerID,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HealthPort:        cfg.HealthCheckPort,
	})
	if err := monitor.Register(ctx); err != nil {
		slog.Error("worker registration failed", slog.Any("error", err))
		os.Exit(1)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go monitor.Run(runCtx)

	healthSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HealthCheckPort),
		Handler:           monitor.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("worker health server error", slog.Any("error", err))
		}
	}()

	loop := worker.NewRenderLoop(monitor, mgr,
		worker.StubRenderer{OutDir: cfg.VideoOutDir, Themes: reg},
		producer, stats, statusCache,
		worker.RenderLoopConfig{HeartbeatInterval: cfg.HeartbeatInterval})

	consumer, err := redpanda.NewConsumer(ctx, cfg.KafkaBrokers, redpanda.TopicVideo, redpanda.GroupRenderWorkers, loop.Handle)
	if err != nil {
		slog.Error("redpanda consumer init failed", slog.Any("error", err))
		os.Exit(1)
	}
	go func() {
		if err := consumer.Run(runCtx); err != nil {
			slog.Error("consumer stopped", slog.Any("error", err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("signal received, draining", slog.String("signal", sig.String()))

	// Stop taking work, let in-flight renders finish, then deregister.
	monitor.BeginShutdown(ctx)
	deadline := time.Now().Add(cfg.GracefulShutdownTimeout)
	for len(monitor.InFlight()) > 0 && time.Now().Before(deadline) {
		time.Sleep(time.Second)
	}
	if n := len(monitor.InFlight()); n > 0 {
		slog.Warn("drain timeout; abandoning in-flight jobs to recovery", slog.Int("jobs", n))
	}
	cancel()
	_ = consumer.Close()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = healthSrv.Shutdown(shutdownCtx)
	monitor.Deregister(ctx)
	slog.Info("worker stopped", slog.String("worker_id", workerID))
}
