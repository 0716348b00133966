// Package capacity scores worker efficiency and derives per-worker
// concurrency limits from it. Scores feed the scaling controller's
// scale-down candidate selection and the cluster capacity gauges.
package capacity

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rabbitreels/rabbitreels/internal/adapter/observability"
	"github.com/rabbitreels/rabbitreels/internal/domain"
)

// Config tunes scoring and limit policy.
type Config struct {
	BaseConcurrentLimit int
	MaxCPUPercent       float64
	MaxMemPercent       float64
	// TrackingWindow bounds the jobs-per-hour estimate and the sample TTL.
	TrackingWindow time.Duration
	// StaleAfter drops capacity rows whose last update is older than this.
	StaleAfter time.Duration
}

const (
	durationAlpha    = 0.3
	successAlpha     = 0.2
	defaultStaleness = 10 * time.Minute
)

// Tracker maintains one WorkerCapacity row per worker.
type Tracker struct {
	store domain.CapacityStore
	cfg   Config
}

// New constructs a Tracker with defaults filled in.
func New(store domain.CapacityStore, cfg Config) *Tracker {
	if cfg.BaseConcurrentLimit <= 0 {
		cfg.BaseConcurrentLimit = 2
	}
	if cfg.MaxCPUPercent <= 0 {
		cfg.MaxCPUPercent = 85
	}
	if cfg.MaxMemPercent <= 0 {
		cfg.MaxMemPercent = 85
	}
	if cfg.TrackingWindow <= 0 {
		cfg.TrackingWindow = time.Hour
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultStaleness
	}
	return &Tracker{store: store, cfg: cfg}
}

// row loads the worker's capacity row, creating a fresh one on first sight.
func (t *Tracker) row(ctx domain.Context, workerID string) (domain.WorkerCapacity, error) {
	c, err := t.store.Get(ctx, workerID)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.WorkerCapacity{}, err
	}
	return domain.WorkerCapacity{
		WorkerID:           workerID,
		ConcurrentJobLimit: t.cfg.BaseConcurrentLimit,
		SuccessRate:        100,
		PerformanceTier:    domain.TierAverage,
	}, nil
}

// JobStarted bumps the worker's in-flight count.
func (t *Tracker) JobStarted(ctx domain.Context, workerID string) error {
	c, err := t.row(ctx, workerID)
	if err != nil {
		return fmt.Errorf("op=capacity.job_started: %w", err)
	}
	c.CurrentJobs++
	t.recalc(&c)
	if err := t.store.Put(ctx, c); err != nil {
		return fmt.Errorf("op=capacity.job_started: %w", err)
	}
	return nil
}

// JobCompleted folds one finished job into the worker's running averages and
// recomputes its score, tier, and concurrency limit.
func (t *Tracker) JobCompleted(ctx domain.Context, workerID string, duration time.Duration, success bool, usage domain.ResourceUsage) (domain.WorkerCapacity, error) {
	c, err := t.row(ctx, workerID)
	if err != nil {
		return domain.WorkerCapacity{}, fmt.Errorf("op=capacity.job_completed: %w", err)
	}

	sample := domain.PerformanceSample{
		WorkerID:  workerID,
		Duration:  duration,
		Success:   success,
		Timestamp: time.Now().UTC(),
	}
	if err := t.store.AppendSample(ctx, sample); err != nil {
		slog.Warn("capacity sample append failed", slog.String("worker_id", workerID), slog.Any("error", err))
	}

	secs := duration.Seconds()
	if c.AvgJobDuration == 0 {
		c.AvgJobDuration = secs
	} else {
		c.AvgJobDuration = durationAlpha*secs + (1-durationAlpha)*c.AvgJobDuration
	}
	outcome := 0.0
	if success {
		outcome = 100
	}
	c.SuccessRate = successAlpha*outcome + (1-successAlpha)*c.SuccessRate

	if c.CurrentJobs > 0 {
		c.CurrentJobs--
	}
	c.CPUPercent = usage.CPUPercent
	c.MemPercent = usage.MemPercent
	c.DiskPercent = usage.DiskPercent

	jph, err := t.jobsPerHour(ctx, workerID)
	if err != nil {
		slog.Warn("jobs-per-hour estimate failed", slog.String("worker_id", workerID), slog.Any("error", err))
	} else {
		c.JobsPerHour = jph
	}

	t.recalc(&c)
	if err := t.store.Put(ctx, c); err != nil {
		return domain.WorkerCapacity{}, fmt.Errorf("op=capacity.job_completed: %w", err)
	}
	return c, nil
}

// UpdateResources refreshes the host readings between job completions so an
// idle worker's score still tracks resource pressure.
func (t *Tracker) UpdateResources(ctx domain.Context, workerID string, usage domain.ResourceUsage) error {
	c, err := t.row(ctx, workerID)
	if err != nil {
		return fmt.Errorf("op=capacity.update_resources: %w", err)
	}
	c.CPUPercent = usage.CPUPercent
	c.MemPercent = usage.MemPercent
	c.DiskPercent = usage.DiskPercent
	t.recalc(&c)
	if err := t.store.Put(ctx, c); err != nil {
		return fmt.Errorf("op=capacity.update_resources: %w", err)
	}
	return nil
}

// ConcurrentLimit returns the worker's current limit; unknown workers get the
// base limit so a fresh worker can accept work before its first completion.
func (t *Tracker) ConcurrentLimit(ctx domain.Context, workerID string) int {
	c, err := t.store.Get(ctx, workerID)
	if err != nil {
		return t.cfg.BaseConcurrentLimit
	}
	return c.ConcurrentJobLimit
}

// Get returns a worker's capacity row.
func (t *Tracker) Get(ctx domain.Context, workerID string) (domain.WorkerCapacity, error) {
	return t.store.Get(ctx, workerID)
}

// Remove drops a worker's row and samples, used when a worker deregisters.
func (t *Tracker) Remove(ctx domain.Context, workerID string) error {
	return t.store.Remove(ctx, workerID)
}

// Cluster aggregates live capacity rows, dropping stale ones on the way.
func (t *Tracker) Cluster(ctx domain.Context) (domain.ClusterCapacity, error) {
	rows, err := t.store.List(ctx)
	if err != nil {
		return domain.ClusterCapacity{}, fmt.Errorf("op=capacity.cluster: %w", err)
	}

	now := time.Now().UTC()
	var agg domain.ClusterCapacity
	for _, c := range rows {
		if now.Sub(c.LastUpdated) > t.cfg.StaleAfter {
			if err := t.store.Remove(ctx, c.WorkerID); err != nil {
				slog.Warn("stale capacity row removal failed", slog.String("worker_id", c.WorkerID), slog.Any("error", err))
			}
			continue
		}
		agg.Workers++
		agg.TotalJobLimit += c.ConcurrentJobLimit
		agg.TotalCurrentJobs += c.CurrentJobs
		agg.EffectiveCapacity += float64(c.ConcurrentJobLimit) * c.EfficiencyScore / 100
		if c.CPUPercent > t.cfg.MaxCPUPercent || c.MemPercent > t.cfg.MaxMemPercent {
			agg.ResourceConstrained++
		}
		if c.PerformanceTier == domain.TierExcellent {
			agg.HighPerformers++
		}
	}
	if agg.TotalJobLimit > 0 {
		agg.CapacityUtilization = float64(agg.TotalCurrentJobs) / float64(agg.TotalJobLimit)
	}

	observability.EffectiveCapacity.Set(agg.EffectiveCapacity)
	observability.CapacityUtilization.Set(agg.CapacityUtilization)
	return agg, nil
}

// jobsPerHour estimates throughput from samples inside the tracking window.
func (t *Tracker) jobsPerHour(ctx domain.Context, workerID string) (float64, error) {
	samples, err := t.store.Samples(ctx, workerID, 0)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().UTC().Add(-t.cfg.TrackingWindow)
	n := 0
	for _, s := range samples {
		if s.Timestamp.After(cutoff) {
			n++
		}
	}
	return float64(n) / t.cfg.TrackingWindow.Hours(), nil
}

// recalc recomputes score, tier, and the concurrency limit from the row's
// current averages and resource readings.
func (t *Tracker) recalc(c *domain.WorkerCapacity) {
	c.EfficiencyScore = score(*c)
	c.PerformanceTier = tierFor(c.EfficiencyScore)
	c.ConcurrentJobLimit = t.limitFor(*c)
	c.LastUpdated = time.Now().UTC()
}

// score computes the efficiency score, clamped to [0, 100]. Success rate and
// throughput earn points; resource pressure above comfort thresholds costs
// them. Consistently fast, reliable workers get a flat bonus.
func score(c domain.WorkerCapacity) float64 {
	s := 0.4 * c.SuccessRate
	s += 30 * min(c.JobsPerHour/2, 1)
	s -= 0.3 * max(0, c.CPUPercent-70)
	s -= 0.3 * max(0, c.MemPercent-70)
	s -= 0.2 * max(0, c.DiskPercent-80)
	if c.SuccessRate > 95 && c.JobsPerHour > 1 {
		s += 10
	}
	return min(max(s, 0), 100)
}

func tierFor(score float64) domain.PerformanceTier {
	switch {
	case score >= 80:
		return domain.TierExcellent
	case score >= 60:
		return domain.TierGood
	case score >= 40:
		return domain.TierAverage
	default:
		return domain.TierPoor
	}
}

// limitFor applies the concurrency policy: resource pressure pins the worker
// to one job regardless of score; top performers earn one extra slot.
func (t *Tracker) limitFor(c domain.WorkerCapacity) int {
	if c.CPUPercent > t.cfg.MaxCPUPercent || c.MemPercent > t.cfg.MaxMemPercent {
		return 1
	}
	switch c.PerformanceTier {
	case domain.TierExcellent:
		return min(t.cfg.BaseConcurrentLimit+1, 3)
	case domain.TierPoor:
		return 1
	default:
		return t.cfg.BaseConcurrentLimit
	}
}
