package capacity

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rabbitreels/rabbitreels/internal/domain"
)

type memStore struct {
	mu      sync.Mutex
	rows    map[string]domain.WorkerCapacity
	samples map[string][]domain.PerformanceSample
}

func newMemStore() *memStore {
	return &memStore{
		rows:    map[string]domain.WorkerCapacity{},
		samples: map[string][]domain.PerformanceSample{},
	}
}

func (s *memStore) Put(_ domain.Context, c domain.WorkerCapacity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[c.WorkerID] = c
	return nil
}

func (s *memStore) Get(_ domain.Context, workerID string) (domain.WorkerCapacity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.rows[workerID]
	if !ok {
		return domain.WorkerCapacity{}, domain.ErrNotFound
	}
	return c, nil
}

func (s *memStore) List(domain.Context) ([]domain.WorkerCapacity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.WorkerCapacity, 0, len(s.rows))
	for _, c := range s.rows {
		out = append(out, c)
	}
	return out, nil
}

func (s *memStore) Remove(_ domain.Context, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, workerID)
	delete(s.samples, workerID)
	return nil
}

func (s *memStore) AppendSample(_ domain.Context, sm domain.PerformanceSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples[sm.WorkerID] = append([]domain.PerformanceSample{sm}, s.samples[sm.WorkerID]...)
	return nil
}

func (s *memStore) Samples(_ domain.Context, workerID string, limit int) ([]domain.PerformanceSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.samples[workerID]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func newTestTracker() (*Tracker, *memStore) {
	store := newMemStore()
	return New(store, Config{
		BaseConcurrentLimit: 2,
		MaxCPUPercent:       85,
		MaxMemPercent:       85,
		TrackingWindow:      time.Hour,
		StaleAfter:          10 * time.Minute,
	}), store
}

func TestScoreIdleHealthyWorker(t *testing.T) {
	// Fresh worker: 100% success, no throughput yet, no resource pressure.
	s := score(domain.WorkerCapacity{SuccessRate: 100})
	assert.InDelta(t, 40.0, s, 1e-9)
}

func TestScoreBusyReliableWorkerEarnsBonus(t *testing.T) {
	s := score(domain.WorkerCapacity{SuccessRate: 100, JobsPerHour: 2})
	// 0.4*100 + 30*1 + 10 bonus.
	assert.InDelta(t, 80.0, s, 1e-9)
}

func TestScoreResourcePressureCosts(t *testing.T) {
	s := score(domain.WorkerCapacity{
		SuccessRate: 100,
		JobsPerHour: 2,
		CPUPercent:  90,
		MemPercent:  80,
		DiskPercent: 90,
	})
	// 80 − 0.3*20 − 0.3*10 − 0.2*10 = 69.
	assert.InDelta(t, 69.0, s, 1e-9)
}

func TestScoreClamped(t *testing.T) {
	assert.InDelta(t, 0.0, score(domain.WorkerCapacity{CPUPercent: 100, MemPercent: 100, DiskPercent: 100}), 1e-9)
}

func TestTierCuts(t *testing.T) {
	assert.Equal(t, domain.TierExcellent, tierFor(80))
	assert.Equal(t, domain.TierGood, tierFor(79.9))
	assert.Equal(t, domain.TierGood, tierFor(60))
	assert.Equal(t, domain.TierAverage, tierFor(59.9))
	assert.Equal(t, domain.TierAverage, tierFor(40))
	assert.Equal(t, domain.TierPoor, tierFor(39.9))
}

func TestLimitPolicy(t *testing.T) {
	tr, _ := newTestTracker()

	assert.Equal(t, 1, tr.limitFor(domain.WorkerCapacity{CPUPercent: 90, PerformanceTier: domain.TierExcellent}),
		"resource pressure overrides tier")
	assert.Equal(t, 1, tr.limitFor(domain.WorkerCapacity{MemPercent: 90, PerformanceTier: domain.TierGood}))
	assert.Equal(t, 3, tr.limitFor(domain.WorkerCapacity{PerformanceTier: domain.TierExcellent}))
	assert.Equal(t, 1, tr.limitFor(domain.WorkerCapacity{PerformanceTier: domain.TierPoor}))
	assert.Equal(t, 2, tr.limitFor(domain.WorkerCapacity{PerformanceTier: domain.TierGood}))
	assert.Equal(t, 2, tr.limitFor(domain.WorkerCapacity{PerformanceTier: domain.TierAverage}))
}

func TestJobCompletedAveragesAndCounts(t *testing.T) {
	tr, store := newTestTracker()
	ctx := context.Background()

	require.NoError(t, tr.JobStarted(ctx, "w1"))
	c, err := store.Get(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 1, c.CurrentJobs)

	c, err = tr.JobCompleted(ctx, "w1", 100*time.Second, true, domain.ResourceUsage{CPUPercent: 50, MemPercent: 40, DiskPercent: 30})
	require.NoError(t, err)
	assert.Equal(t, 0, c.CurrentJobs)
	assert.InDelta(t, 100.0, c.AvgJobDuration, 1e-9, "first completion seeds the average directly")
	assert.InDelta(t, 100.0, c.SuccessRate, 1e-9)

	c, err = tr.JobCompleted(ctx, "w1", 200*time.Second, false, domain.ResourceUsage{})
	require.NoError(t, err)
	// 0.3*200 + 0.7*100 and 0.2*0 + 0.8*100.
	assert.InDelta(t, 130.0, c.AvgJobDuration, 1e-9)
	assert.InDelta(t, 80.0, c.SuccessRate, 1e-9)

	samples, err := store.Samples(ctx, "w1", 0)
	require.NoError(t, err)
	assert.Len(t, samples, 2)
	assert.False(t, samples[0].Success, "samples are newest first")
}

func TestClusterAggregatesAndDropsStale(t *testing.T) {
	tr, store := newTestTracker()
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, store.Put(ctx, domain.WorkerCapacity{
		WorkerID:           "w1",
		ConcurrentJobLimit: 3,
		CurrentJobs:        2,
		EfficiencyScore:    90,
		PerformanceTier:    domain.TierExcellent,
		LastUpdated:        now,
	}))
	require.NoError(t, store.Put(ctx, domain.WorkerCapacity{
		WorkerID:           "w2",
		ConcurrentJobLimit: 1,
		CurrentJobs:        1,
		EfficiencyScore:    30,
		PerformanceTier:    domain.TierPoor,
		CPUPercent:         95,
		LastUpdated:        now,
	}))
	require.NoError(t, store.Put(ctx, domain.WorkerCapacity{
		WorkerID:    "w3-stale",
		LastUpdated: now.Add(-time.Hour),
	}))

	agg, err := tr.Cluster(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, agg.Workers)
	assert.Equal(t, 4, agg.TotalJobLimit)
	assert.Equal(t, 3, agg.TotalCurrentJobs)
	assert.InDelta(t, 3*0.9+1*0.3, agg.EffectiveCapacity, 1e-9)
	assert.InDelta(t, 0.75, agg.CapacityUtilization, 1e-9)
	assert.Equal(t, 1, agg.ResourceConstrained)
	assert.Equal(t, 1, agg.HighPerformers)

	_, err = store.Get(ctx, "w3-stale")
	assert.ErrorIs(t, err, domain.ErrNotFound, "stale rows are reaped during aggregation")
}

func TestConcurrentLimitUnknownWorkerGetsBase(t *testing.T) {
	tr, _ := newTestTracker()
	assert.Equal(t, 2, tr.ConcurrentLimit(context.Background(), "never-seen"))
}
