package scaling

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/rabbitreels/rabbitreels/internal/adapter/observability"
	"github.com/rabbitreels/rabbitreels/internal/domain"
)

const scalingLockKey = "scaling_lock"

// Sampler is the monitor slice the controller consumes.
type Sampler interface {
	Sample(ctx domain.Context) (domain.QueueMetrics, Inputs, error)
}

// CapacityReader is the capacity-tracker slice the controller consumes.
type CapacityReader interface {
	Cluster(ctx domain.Context) (domain.ClusterCapacity, error)
	Get(ctx domain.Context, workerID string) (domain.WorkerCapacity, error)
	Remove(ctx domain.Context, workerID string) error
}

// JobLister checks whether a worker still owns live jobs before it is reaped.
type JobLister interface {
	ListByWorker(ctx domain.Context, workerID string) ([]domain.Job, error)
}

// ControllerConfig tunes the reconcile loop.
type ControllerConfig struct {
	Interval               time.Duration
	CooldownPeriod         time.Duration
	JobDrainTimeout        time.Duration
	DrainPollInterval      time.Duration
	TerminateGrace         time.Duration
	UnhealthyWorkerTimeout time.Duration
	HealthCheckPort        int
	WorkerEnv              map[string]string
	Policy                 Policy
}

// Controller reconciles the worker fleet toward the recommended size. Fleet
// mutations run under the shared scaling lock so controller replicas never
// fight over the same instances.
type Controller struct {
	sampler  Sampler
	metrics  domain.MetricsStore
	registry domain.WorkerRegistry
	capacity CapacityReader
	jobs     JobLister
	fleet    FleetDriver
	locker   domain.Locker
	cfg      ControllerConfig
}

// NewController constructs a Controller with defaults filled in.
func NewController(sampler Sampler, metrics domain.MetricsStore, registry domain.WorkerRegistry, capacity CapacityReader, jobs JobLister, fleet FleetDriver, locker domain.Locker, cfg ControllerConfig) *Controller {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.DrainPollInterval <= 0 {
		cfg.DrainPollInterval = 10 * time.Second
	}
	if cfg.TerminateGrace <= 0 {
		cfg.TerminateGrace = time.Minute
	}
	if cfg.JobDrainTimeout <= 0 {
		cfg.JobDrainTimeout = 20 * time.Minute
	}
	return &Controller{
		sampler: sampler, metrics: metrics, registry: registry,
		capacity: capacity, jobs: jobs, fleet: fleet, locker: locker, cfg: cfg,
	}
}

// Run reconciles until ctx is cancelled.
func (c *Controller) Run(ctx domain.Context) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	c.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("scaling controller stopping")
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

func (c *Controller) tick(ctx domain.Context) {
	defer c.reapUnhealthy(ctx)

	sample, in, err := c.sampler.Sample(ctx)
	if err != nil {
		slog.Error("fleet sample failed", slog.Any("error", err))
		return
	}

	if in.InCooldown && !c.cooldownOverride(ctx, sample) {
		return
	}

	// Recompute rather than trust the stored recommendation; the monitor's
	// sample may predate the cooldown override that got us here.
	in.InCooldown = false
	action, target := Recommend(in, c.cfg.Policy)
	if action == domain.Maintain || target == in.ActiveWorkers {
		return
	}

	release, ok, err := c.locker.Acquire(ctx, scalingLockKey, c.cfg.JobDrainTimeout+2*time.Minute)
	if err != nil {
		slog.Error("scaling lock acquire failed", slog.Any("error", err))
		return
	}
	if !ok {
		slog.Debug("scaling lock held elsewhere, skipping tick")
		return
	}
	defer func() {
		if err := release(ctx); err != nil {
			slog.Warn("scaling lock release failed", slog.Any("error", err))
		}
	}()

	var changed int
	var reason string
	switch action {
	case domain.ScaleUp:
		changed = c.scaleUp(ctx, target-in.ActiveWorkers)
		reason = fmt.Sprintf("queue depth %d exceeds capacity of %d workers", sample.QueueDepth, in.ActiveWorkers)
	case domain.ScaleDown:
		changed = c.scaleDown(ctx, in.ActiveWorkers-target)
		reason = fmt.Sprintf("queue depth %d below threshold for %d workers", sample.QueueDepth, in.ActiveWorkers)
	}
	if changed == 0 {
		return
	}

	now := time.Now().UTC()
	if err := c.metrics.SetLastScalingAction(ctx, now); err != nil {
		slog.Warn("cooldown stamp write failed", slog.Any("error", err))
	}
	event := domain.ScalingEvent{
		Action:         action,
		TargetWorkers:  target,
		CurrentWorkers: in.ActiveWorkers,
		QueueDepth:     sample.QueueDepth,
		Timestamp:      now,
		Reason:         reason,
	}
	if err := c.metrics.AppendEvent(ctx, event); err != nil {
		slog.Warn("scaling event append failed", slog.Any("error", err))
	}
	observability.ScalingActionsTotal.WithLabelValues(string(action)).Inc()
	slog.Info("fleet scaled",
		slog.String("action", string(action)),
		slog.Int("current_workers", in.ActiveWorkers),
		slog.Int("target_workers", target),
		slog.Int64("queue_depth", sample.QueueDepth))
}

// cooldownOverride lets urgent pressure break the cooldown: a deep backlog, a
// burst of completions, or near-saturated capacity.
func (c *Controller) cooldownOverride(ctx domain.Context, sample domain.QueueMetrics) bool {
	active := float64(sample.ActiveWorkers)
	if float64(sample.QueueDepth) > 3*active {
		slog.Info("cooldown override: deep backlog", slog.Int64("queue_depth", sample.QueueDepth))
		return true
	}
	recentCompletions := sample.Throughput * c.cfg.Interval.Minutes()
	if recentCompletions > 0.5*active {
		slog.Info("cooldown override: completion burst", slog.Float64("recent_completions", recentCompletions))
		return true
	}
	cluster, err := c.capacity.Cluster(ctx)
	if err != nil {
		slog.Warn("cluster capacity read failed", slog.Any("error", err))
		return false
	}
	if cluster.CapacityUtilization > 0.9 {
		slog.Info("cooldown override: capacity saturated", slog.Float64("utilization", cluster.CapacityUtilization))
		return true
	}
	return false
}

// scaleUp launches n workers and returns how many actually started.
func (c *Controller) scaleUp(ctx domain.Context, n int) int {
	launched := 0
	for i := 0; i < n; i++ {
		spec := LaunchSpec{
			WorkerID:   fmt.Sprintf("worker-fleet-%s", uuid.NewString()[:8]),
			HealthPort: c.cfg.HealthCheckPort,
			Env:        c.cfg.WorkerEnv,
		}
		if err := c.fleet.Launch(ctx, spec); err != nil {
			slog.Error("worker launch failed", slog.String("worker_id", spec.WorkerID), slog.Any("error", err))
			continue
		}
		slog.Info("worker launched", slog.String("worker_id", spec.WorkerID))
		launched++
	}
	return launched
}

// scaleDown drains and stops n workers, preferring idle ones on the lowest
// efficiency tier. Returns how many were removed.
func (c *Controller) scaleDown(ctx domain.Context, n int) int {
	workers, err := c.registry.List(ctx)
	if err != nil {
		slog.Error("registry list failed", slog.Any("error", err))
		return 0
	}
	candidates := c.rankForRemoval(ctx, workers)
	if len(candidates) > n {
		candidates = candidates[:n]
	}

	removed := 0
	for _, w := range candidates {
		if err := c.drainAndStop(ctx, w); err != nil {
			slog.Error("worker drain failed", slog.String("worker_id", w.WorkerID), slog.Any("error", err))
			continue
		}
		removed++
	}
	return removed
}

// rankForRemoval orders removal candidates: idle before busy, then worse
// tier before better. Workers already shutting down are skipped.
func (c *Controller) rankForRemoval(ctx domain.Context, workers []domain.WorkerInfo) []domain.WorkerInfo {
	type ranked struct {
		w    domain.WorkerInfo
		busy int
		tier int
	}
	out := make([]ranked, 0, len(workers))
	for _, w := range workers {
		if w.IsShuttingDown {
			continue
		}
		r := ranked{w: w, tier: tierRank(domain.TierAverage)}
		if len(w.CurrentJobs) > 0 {
			r.busy = 1
		}
		if row, err := c.capacity.Get(ctx, w.WorkerID); err == nil {
			r.tier = tierRank(row.PerformanceTier)
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].busy != out[j].busy {
			return out[i].busy < out[j].busy
		}
		return out[i].tier < out[j].tier
	})
	result := make([]domain.WorkerInfo, len(out))
	for i, r := range out {
		result[i] = r.w
	}
	return result
}

func tierRank(t domain.PerformanceTier) int {
	switch t {
	case domain.TierPoor:
		return 0
	case domain.TierAverage:
		return 1
	case domain.TierGood:
		return 2
	default:
		return 3
	}
}

// drainAndStop performs the graceful removal sequence: flag the worker so it
// refuses new jobs, wait for its in-flight jobs to finish, then stop the
// instance with a bounded grace period.
func (c *Controller) drainAndStop(ctx domain.Context, w domain.WorkerInfo) error {
	if err := c.registry.MarkShuttingDown(ctx, w.WorkerID); err != nil {
		return fmt.Errorf("op=controller.drain: mark shutting down: %w", err)
	}

	deadline := time.Now().Add(c.cfg.JobDrainTimeout)
	for time.Now().Before(deadline) {
		if c.drained(ctx, w.WorkerID) {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.DrainPollInterval):
		}
	}

	if err := c.fleet.Stop(ctx, w.WorkerID, c.cfg.TerminateGrace); err != nil {
		return fmt.Errorf("op=controller.drain: stop instance: %w", err)
	}
	if err := c.registry.Remove(ctx, w.WorkerID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		slog.Warn("registry cleanup failed", slog.String("worker_id", w.WorkerID), slog.Any("error", err))
	}
	if err := c.capacity.Remove(ctx, w.WorkerID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		slog.Warn("capacity cleanup failed", slog.String("worker_id", w.WorkerID), slog.Any("error", err))
	}
	slog.Info("worker drained and stopped", slog.String("worker_id", w.WorkerID))
	return nil
}

// drained reports whether a worker has no jobs left, checking both its own
// registry row and the authoritative job store.
func (c *Controller) drained(ctx domain.Context, workerID string) bool {
	w, err := c.registry.Get(ctx, workerID)
	if err == nil && len(w.CurrentJobs) > 0 {
		return false
	}
	owned, err := c.jobs.ListByWorker(ctx, workerID)
	if err != nil {
		slog.Warn("drain job check failed", slog.String("worker_id", workerID), slog.Any("error", err))
		return false
	}
	return len(owned) == 0
}

// reapUnhealthy removes workers that stopped heartbeating and own no jobs.
// A silent worker that still owns a job is left for the job recovery sweep,
// which requeues or abandons its work first.
func (c *Controller) reapUnhealthy(ctx domain.Context) {
	workers, err := c.registry.List(ctx)
	if err != nil {
		slog.Error("registry list failed", slog.Any("error", err))
		return
	}
	now := time.Now().UTC()
	for _, w := range workers {
		if !w.Stale(now, c.cfg.UnhealthyWorkerTimeout) {
			continue
		}
		if len(w.CurrentJobs) > 0 {
			continue
		}
		owned, err := c.jobs.ListByWorker(ctx, w.WorkerID)
		if err != nil || len(owned) > 0 {
			continue
		}
		if err := c.fleet.Kill(ctx, w.WorkerID); err != nil {
			slog.Warn("instance kill failed", slog.String("worker_id", w.WorkerID), slog.Any("error", err))
		}
		if err := c.registry.Remove(ctx, w.WorkerID); err != nil {
			slog.Warn("registry cleanup failed", slog.String("worker_id", w.WorkerID), slog.Any("error", err))
			continue
		}
		if err := c.capacity.Remove(ctx, w.WorkerID); err != nil && !errors.Is(err, domain.ErrNotFound) {
			slog.Warn("capacity cleanup failed", slog.String("worker_id", w.WorkerID), slog.Any("error", err))
		}
		observability.WorkersReapedTotal.Inc()
		slog.Info("stale worker reaped",
			slog.String("worker_id", w.WorkerID),
			slog.Time("last_seen", w.LastSeen))
	}
}
