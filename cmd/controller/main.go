// Command controller runs the scaling controller and the job recovery
// sweeper. It is the only process that mutates the worker fleet.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	kvredis "github.com/rabbitreels/rabbitreels/internal/adapter/kv/redis"
	"github.com/rabbitreels/rabbitreels/internal/adapter/observability"
	"github.com/rabbitreels/rabbitreels/internal/adapter/queue/redpanda"
	"github.com/rabbitreels/rabbitreels/internal/adapter/repo/postgres"
	"github.com/rabbitreels/rabbitreels/internal/capacity"
	"github.com/rabbitreels/rabbitreels/internal/config"
	"github.com/rabbitreels/rabbitreels/internal/jobmanager"
	"github.com/rabbitreels/rabbitreels/internal/scaling"
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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

	depth, err := redpanda.NewDepthProbe(cfg.KafkaBrokers, redpanda.GroupRenderWorkers)
	if err != nil {
		slog.Error("depth probe init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = depth.Close() }()

	fleet, err := scaling.NewDockerDriver(cfg.WorkerImage, cfg.WorkerNetwork)
	if err != nil {
		slog.Error("docker fleet driver init failed", slog.Any("error", err))
		os.Exit(1)
	}

	jobRepo := postgres.NewJobRepo(pool)
	ledger := postgres.NewLedgerRepo(pool)
	statusCache := kvredis.NewStatusCache(rdb)
	registry := kvredis.NewRegistry(rdb)
	metricsStore := kvredis.NewMetrics(rdb)
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

	policy := scaling.Policy{
		MinWorkers:         cfg.MinWorkers,
		MaxWorkers:         cfg.MaxWorkers,
		ScaleDownThreshold: cfg.ScaleDownThreshold,
	}
	// The controller samples through the same monitor logic the queue
	// monitor publishes from, so both loops see identical inputs.
	sampler := scaling.NewMonitor(depth, registry, mgr, metricsStore, scaling.MonitorConfig{
		Interval:             cfg.MetricsCollectionInterval,
		StaleWorkerThreshold: cfg.StaleWorkerThreshold,
		CooldownPeriod:       cfg.CooldownPeriod,
		RenderTopic:          redpanda.TopicVideo,
		Policy:               policy,
	})

	controller := scaling.NewController(sampler, metricsStore, registry, tracker, mgr, fleet, kvredis.NewLock(rdb), scaling.ControllerConfig{
		Interval:               cfg.ScalingCheckInterval,
		CooldownPeriod:         cfg.CooldownPeriod,
		JobDrainTimeout:        cfg.JobDrainTimeout,
		TerminateGrace:         time.Minute,
		UnhealthyWorkerTimeout: cfg.UnhealthyWorkerTimeout,
		HealthCheckPort:        cfg.HealthCheckPort,
		WorkerEnv:              workerEnv(cfg),
		Policy:                 policy,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("controller metrics server error", slog.Any("error", err))
		}
	}()

	// Orphaned-job recovery shares the process: both loops react to worker
	// failure, and co-locating them keeps the blast radius of a crashed
	// control plane in one place.
	go mgr.RunRecovery(ctx)

	slog.Info("scaling controller starting",
		slog.Duration("interval", cfg.ScalingCheckInterval),
		slog.Int("min_workers", cfg.MinWorkers),
		slog.Int("max_workers", cfg.MaxWorkers))
	controller.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	slog.Info("scaling controller stopped")
}

// workerEnv is the environment handed to fleet-launched workers.
func workerEnv(cfg config.Config) map[string]string {
	return map[string]string{
		"APP_ENV":               cfg.AppEnv,
		"DB_URL":                cfg.DBURL,
		"REDIS_URL":             cfg.RedisURL,
		"KAFKA_BROKERS":         strings.Join(cfg.KafkaBrokers, ","),
		"THEMES_FILE":           cfg.ThemesFile,
		"VIDEO_OUT_DIR":         cfg.VideoOutDir,
		"HEARTBEAT_INTERVAL":    cfg.HeartbeatInterval.String(),
		"BASE_CONCURRENT_LIMIT": fmt.Sprintf("%d", cfg.BaseConcurrentLimit),
	}
}
