// Command monitor runs the queue monitor: it samples backlog and fleet
// health on a fixed interval, publishes scaling recommendations, and keeps
// the ops-facing gauges fresh.
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

	"github.com/prometheus/client_golang/prometheus/promhttp"

	kvredis "github.com/rabbitreels/rabbitreels/internal/adapter/kv/redis"
	"github.com/rabbitreels/rabbitreels/internal/adapter/observability"
	"github.com/rabbitreels/rabbitreels/internal/adapter/queue/redpanda"
	"github.com/rabbitreels/rabbitreels/internal/adapter/repo/postgres"
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

	depth, err := redpanda.NewDepthProbe(cfg.KafkaBrokers, redpanda.GroupRenderWorkers)
	if err != nil {
		slog.Error("depth probe init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = depth.Close() }()

	// Statistics reads only the jobs table; the queue monitor makes no
	// lifecycle writes.
	mgr := jobmanager.New(postgres.NewJobRepo(pool), postgres.NewLedgerRepo(pool), nil,
		kvredis.NewStatusCache(rdb), jobmanager.Config{
			JobTimeout:       cfg.JobTimeout,
			HeartbeatTimeout: cfg.JobHeartbeatTimeout,
			MaxRetries:       cfg.JobMaxRetries,
			RecoveryInterval: cfg.RecoveryInterval,
		})

	monitor := scaling.NewMonitor(depth, kvredis.NewRegistry(rdb), mgr, kvredis.NewMetrics(rdb), scaling.MonitorConfig{
		Interval:             cfg.MetricsCollectionInterval,
		StaleWorkerThreshold: cfg.StaleWorkerThreshold,
		CooldownPeriod:       cfg.CooldownPeriod,
		RenderTopic:          redpanda.TopicVideo,
		Policy: scaling.Policy{
			MinWorkers:         cfg.MinWorkers,
			MaxWorkers:         cfg.MaxWorkers,
			ScaleDownThreshold: cfg.ScaleDownThreshold,
		},
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
			slog.Error("monitor metrics server error", slog.Any("error", err))
		}
	}()

	slog.Info("queue monitor starting", slog.Duration("interval", cfg.MetricsCollectionInterval))
	monitor.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	slog.Info("queue monitor stopped")
}
