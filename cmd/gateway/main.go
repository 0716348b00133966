// Command gateway starts the RabbitReels submission and query API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	httpserver "github.com/rabbitreels/rabbitreels/internal/adapter/httpserver"
	kvredis "github.com/rabbitreels/rabbitreels/internal/adapter/kv/redis"
	"github.com/rabbitreels/rabbitreels/internal/adapter/observability"
	"github.com/rabbitreels/rabbitreels/internal/adapter/payments"
	"github.com/rabbitreels/rabbitreels/internal/adapter/queue/redpanda"
	"github.com/rabbitreels/rabbitreels/internal/adapter/repo/postgres"
	"github.com/rabbitreels/rabbitreels/internal/app"
	"github.com/rabbitreels/rabbitreels/internal/config"
	"github.com/rabbitreels/rabbitreels/internal/jobmanager"
	"github.com/rabbitreels/rabbitreels/internal/themes"
	"github.com/rabbitreels/rabbitreels/internal/usecase"
)

// redisPinger adapts *goredis.Client to the readiness interface.
type redisPinger struct{ c *goredis.Client }

func (p redisPinger) Ping(ctx context.Context) app.RedisPingResult { return p.c.Ping(ctx) }

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

	if cfg.JWTSecret == "" {
		slog.Error("JWT_SECRET is required")
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		slog.Error("schema bootstrap failed", slog.Any("error", err))
		os.Exit(1)
	}

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
	defer func() {
		if err := producer.Close(); err != nil {
			slog.Error("failed to close queue client", slog.Any("error", err))
		}
	}()

	reg, err := themes.LoadFile(cfg.ThemesFile)
	if err != nil {
		slog.Error("theme table load failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Repositories and KV adapters
	jobRepo := postgres.NewJobRepo(pool)
	userRepo := postgres.NewUserRepo(pool)
	ledger := postgres.NewLedgerRepo(pool)
	stats := postgres.NewStatsRepo(pool)
	statusCache := kvredis.NewStatusCache(rdb)
	idem := kvredis.NewIdempotency(rdb)

	webhookSecret := cfg.PaymentWebhookSecret
	if webhookSecret == "" {
		if cfg.IsProd() {
			slog.Error("PAYMENT_WEBHOOK_SECRET is required in prod")
			os.Exit(1)
		}
		webhookSecret = "dev-webhook-secret"
		slog.Warn("payment webhook secret not set; using dev default")
	}
	provider, err := payments.New(payments.Config{WebhookSecret: webhookSecret, CheckoutURL: cfg.PaymentCheckoutURL})
	if err != nil {
		slog.Error("payment provider init failed", slog.Any("error", err))
		os.Exit(1)
	}

	mgr := jobmanager.New(jobRepo, ledger, producer, statusCache, jobmanager.Config{
		JobTimeout:       cfg.JobTimeout,
		HeartbeatTimeout: cfg.JobHeartbeatTimeout,
		MaxRetries:       cfg.JobMaxRetries,
		RecoveryInterval: cfg.RecoveryInterval,
	})

	// Usecases
	submitSvc := usecase.NewSubmitService(mgr, ledger, producer, reg)
	querySvc := usecase.NewQueryService(mgr, statusCache, stats, statusCache, cfg.VideoOutDir)
	billingSvc := usecase.NewBillingService(ledger, provider, idem)

	auth := httpserver.NewAuthenticator(cfg.JWTSecret, userRepo, cfg.WelcomeCredits)
	srv := httpserver.NewServer(cfg, auth, submitSvc, querySvc, billingSvc, userRepo, reg)
	srv.DBCheck, srv.RedisCheck, srv.BrokerCheck = app.BuildReadinessChecks(pool, redisPinger{rdb}, producer)

	handler := otelhttp.NewHandler(app.BuildRouter(cfg, srv), "gateway")

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
