package scaling

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/rabbitreels/rabbitreels/internal/adapter/observability"
	"github.com/rabbitreels/rabbitreels/internal/domain"
)

// JobStats is the slice of the job manager the monitor needs.
type JobStats interface {
	Statistics(ctx domain.Context) (domain.JobStatistics, error)
}

// MonitorConfig tunes the collection loop.
type MonitorConfig struct {
	Interval             time.Duration
	StaleWorkerThreshold time.Duration
	CooldownPeriod       time.Duration
	RenderTopic          string
	Policy               Policy
}

// Monitor samples queue depth and fleet health on a fixed interval and
// publishes a non-binding scaling recommendation.
type Monitor struct {
	depther  domain.QueueDepther
	registry domain.WorkerRegistry
	stats    JobStats
	metrics  domain.MetricsStore
	cfg      MonitorConfig
}

// NewMonitor constructs a Monitor with defaults filled in.
func NewMonitor(depther domain.QueueDepther, registry domain.WorkerRegistry, stats JobStats, metrics domain.MetricsStore, cfg MonitorConfig) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.StaleWorkerThreshold <= 0 {
		cfg.StaleWorkerThreshold = 2 * time.Minute
	}
	return &Monitor{depther: depther, registry: registry, stats: stats, metrics: metrics, cfg: cfg}
}

// Run collects until ctx is cancelled.
func (m *Monitor) Run(ctx domain.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	if err := m.collectOnce(ctx); err != nil {
		slog.Error("metrics collection failed", slog.Any("error", err))
	}
	for {
		select {
		case <-ctx.Done():
			slog.Info("queue monitor stopping")
			return
		case <-ticker.C:
			if err := m.collectOnce(ctx); err != nil {
				slog.Error("metrics collection failed", slog.Any("error", err))
			}
		}
	}
}

func (m *Monitor) collectOnce(ctx domain.Context) error {
	sample, _, err := m.Sample(ctx)
	if err != nil {
		return err
	}

	if err := m.metrics.PutCurrent(ctx, sample); err != nil {
		return fmt.Errorf("op=monitor.collect: store current: %w", err)
	}
	if err := m.metrics.AppendHistory(ctx, sample); err != nil {
		slog.Warn("metrics history append failed", slog.Any("error", err))
	}
	if err := m.metrics.PublishRecommendation(ctx, sample); err != nil {
		slog.Warn("recommendation publish failed", slog.Any("error", err))
	}

	slog.Debug("metrics collected",
		slog.Int64("queue_depth", sample.QueueDepth),
		slog.Int("active_workers", sample.ActiveWorkers),
		slog.String("recommendation", string(sample.Recommendation)),
		slog.Int("target_workers", sample.TargetWorkers))
	return nil
}

// Sample takes one observation and computes the recommendation. The raw
// inputs come back too so the controller can re-run the formula with its own
// cooldown decision; both sides always agree on the arithmetic.
func (m *Monitor) Sample(ctx domain.Context) (domain.QueueMetrics, Inputs, error) {
	depth, err := m.depther.Depth(ctx, m.cfg.RenderTopic)
	if err != nil {
		return domain.QueueMetrics{}, Inputs{}, fmt.Errorf("op=monitor.sample: queue depth: %w", err)
	}

	workers, err := m.registry.List(ctx)
	if err != nil {
		return domain.QueueMetrics{}, Inputs{}, fmt.Errorf("op=monitor.sample: registry: %w", err)
	}
	now := time.Now().UTC()
	active, healthy := 0, 0
	for _, w := range workers {
		if w.Stale(now, m.cfg.StaleWorkerThreshold) {
			continue
		}
		active++
		if w.Health == domain.WorkerHealthy && !w.IsShuttingDown {
			healthy++
		}
	}

	stats, err := m.stats.Statistics(ctx)
	if err != nil {
		return domain.QueueMetrics{}, Inputs{}, fmt.Errorf("op=monitor.sample: job statistics: %w", err)
	}

	last, err := m.metrics.LastScalingAction(ctx)
	if err != nil {
		slog.Warn("last scaling action read failed", slog.Any("error", err))
	}
	inCooldown := !last.IsZero() && now.Sub(last) < m.cfg.CooldownPeriod

	in := Inputs{
		QueueDepth:      depth,
		ActiveWorkers:   active,
		HealthyWorkers:  healthy,
		ProcessingJobs:  stats.Processing,
		WorkersWithJobs: stats.WorkersWithJobs,
		InCooldown:      inCooldown,
	}
	action, target := Recommend(in, m.cfg.Policy)

	sample := domain.QueueMetrics{
		QueueDepth:        depth,
		ActiveWorkers:     active,
		HealthyWorkers:    healthy,
		AvgProcessingTime: stats.AvgProcessingTime.Seconds(),
		Throughput:        throughput(stats),
		Timestamp:         now,
		Recommendation:    action,
		TargetWorkers:     target,
	}

	observability.QueueDepth.WithLabelValues(m.cfg.RenderTopic).Set(float64(depth))
	observability.ActiveWorkers.Set(float64(active))
	observability.HealthyWorkers.Set(float64(healthy))
	return sample, in, nil
}

// throughput estimates completions per minute from the busy workers' average
// job time. It is an estimate for the dashboard and the cooldown override,
// not a billing-grade number.
func throughput(stats domain.JobStatistics) float64 {
	if stats.AvgProcessingTime <= 0 || stats.WorkersWithJobs == 0 {
		return 0
	}
	perWorker := float64(time.Minute) / float64(stats.AvgProcessingTime)
	return perWorker * float64(stats.WorkersWithJobs)
}
