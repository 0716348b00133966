package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kv "github.com/rabbitreels/rabbitreels/internal/adapter/kv/redis"
	"github.com/rabbitreels/rabbitreels/internal/domain"
)

func newTestClient(t *testing.T) (*goredis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb, mr
}

func TestRegistry_PutGetListRemove(t *testing.T) {
	rdb, _ := newTestClient(t)
	ctx := context.Background()
	reg := kv.NewRegistry(rdb)

	w := domain.WorkerInfo{
		WorkerID:    "worker-h1-1-100",
		StartedAt:   time.Now().UTC().Truncate(time.Second),
		LastSeen:    time.Now().UTC().Truncate(time.Second),
		Health:      domain.WorkerHealthy,
		CurrentJobs: []string{"j1"},
		HealthPort:  8081,
	}
	require.NoError(t, reg.Put(ctx, w))

	got, err := reg.Get(ctx, w.WorkerID)
	require.NoError(t, err)
	assert.Equal(t, w.WorkerID, got.WorkerID)
	assert.Equal(t, []string{"j1"}, got.CurrentJobs)

	all, err := reg.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, reg.Remove(ctx, w.WorkerID))
	_, err = reg.Get(ctx, w.WorkerID)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRegistry_MarkShuttingDown(t *testing.T) {
	rdb, _ := newTestClient(t)
	ctx := context.Background()
	reg := kv.NewRegistry(rdb)

	require.NoError(t, reg.Put(ctx, domain.WorkerInfo{WorkerID: "w1", Health: domain.WorkerHealthy}))
	require.NoError(t, reg.MarkShuttingDown(ctx, "w1"))

	got, err := reg.Get(ctx, "w1")
	require.NoError(t, err)
	assert.True(t, got.IsShuttingDown)
	assert.Equal(t, domain.WorkerUnhealthy, got.Health)

	require.ErrorIs(t, reg.MarkShuttingDown(ctx, "missing"), domain.ErrNotFound)
}

func TestCapacity_SamplesAreBounded(t *testing.T) {
	rdb, _ := newTestClient(t)
	ctx := context.Background()
	store := kv.NewCapacity(rdb, 5, time.Hour)

	for i := 0; i < 9; i++ {
		require.NoError(t, store.AppendSample(ctx, domain.PerformanceSample{
			WorkerID:  "w1",
			Duration:  time.Duration(i) * time.Second,
			Success:   true,
			Timestamp: time.Now().UTC(),
		}))
	}
	samples, err := store.Samples(ctx, "w1", 0)
	require.NoError(t, err)
	assert.Len(t, samples, 5)
	// Newest first.
	assert.Equal(t, 8*time.Second, samples[0].Duration)
}

func TestCapacity_RemoveDropsRowAndSamples(t *testing.T) {
	rdb, _ := newTestClient(t)
	ctx := context.Background()
	store := kv.NewCapacity(rdb, 10, 0)

	require.NoError(t, store.Put(ctx, domain.WorkerCapacity{WorkerID: "w1", ConcurrentJobLimit: 2}))
	require.NoError(t, store.AppendSample(ctx, domain.PerformanceSample{WorkerID: "w1", Success: true}))
	require.NoError(t, store.Remove(ctx, "w1"))

	_, err := store.Get(ctx, "w1")
	require.ErrorIs(t, err, domain.ErrNotFound)
	samples, err := store.Samples(ctx, "w1", 0)
	require.NoError(t, err)
	assert.Empty(t, samples)
}

func TestMetrics_HistoryRingBuffer(t *testing.T) {
	rdb, _ := newTestClient(t)
	ctx := context.Background()
	m := kv.NewMetrics(rdb)

	for i := 0; i < 120; i++ {
		require.NoError(t, m.AppendHistory(ctx, domain.QueueMetrics{QueueDepth: int64(i)}))
	}
	hist, err := m.History(ctx, 0)
	require.NoError(t, err)
	require.Len(t, hist, 100)
	assert.Equal(t, int64(119), hist[0].QueueDepth)
}

func TestMetrics_CurrentAndLastAction(t *testing.T) {
	rdb, _ := newTestClient(t)
	ctx := context.Background()
	m := kv.NewMetrics(rdb)

	_, err := m.Current(ctx)
	require.ErrorIs(t, err, domain.ErrNotFound)

	sample := domain.QueueMetrics{QueueDepth: 7, ActiveWorkers: 3, Recommendation: domain.ScaleUp, TargetWorkers: 5}
	require.NoError(t, m.PutCurrent(ctx, sample))
	got, err := m.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, sample.QueueDepth, got.QueueDepth)
	assert.Equal(t, domain.ScaleUp, got.Recommendation)

	last, err := m.LastScalingAction(ctx)
	require.NoError(t, err)
	assert.True(t, last.IsZero())

	now := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, m.SetLastScalingAction(ctx, now))
	last, err = m.LastScalingAction(ctx)
	require.NoError(t, err)
	assert.True(t, last.Equal(now))
}

func TestMetrics_EventsBounded(t *testing.T) {
	rdb, _ := newTestClient(t)
	ctx := context.Background()
	m := kv.NewMetrics(rdb)

	for i := 0; i < 105; i++ {
		require.NoError(t, m.AppendEvent(ctx, domain.ScalingEvent{Action: domain.ScaleUp, TargetWorkers: i}))
	}
	events, err := m.Events(ctx, 0)
	require.NoError(t, err)
	require.Len(t, events, 100)
	assert.Equal(t, 104, events[0].TargetWorkers)
}

func TestStatusCache_RoundTripAndTTL(t *testing.T) {
	rdb, mr := newTestClient(t)
	ctx := context.Background()
	sc := kv.NewStatusCache(rdb)

	require.NoError(t, sc.Put(ctx, domain.VideoStatus{JobID: "j1", Status: "rendering", Progress: 0.5}))
	got, err := sc.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, "rendering", got.Status)

	mr.FastForward(25 * time.Hour)
	_, err = sc.Get(ctx, "j1")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStatusCache_VideoCountMirror(t *testing.T) {
	rdb, _ := newTestClient(t)
	ctx := context.Background()
	sc := kv.NewStatusCache(rdb)

	n, err := sc.VideoCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	require.NoError(t, sc.SetVideoCount(ctx, 42))
	n, err = sc.VideoCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)
}

func TestIdempotency_MarkOnce(t *testing.T) {
	rdb, mr := newTestClient(t)
	ctx := context.Background()
	idem := kv.NewIdempotency(rdb)

	first, err := idem.MarkOnce(ctx, "sess-1", 24*time.Hour)
	require.NoError(t, err)
	assert.True(t, first)

	second, err := idem.MarkOnce(ctx, "sess-1", 24*time.Hour)
	require.NoError(t, err)
	assert.False(t, second)

	// Requested TTLs below a day are raised to a day.
	ok, err := idem.MarkOnce(ctx, "sess-2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	mr.FastForward(2 * time.Minute)
	ok, err = idem.MarkOnce(ctx, "sess-2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLock_MutualExclusionAndTokenCheckedRelease(t *testing.T) {
	rdb, mr := newTestClient(t)
	ctx := context.Background()
	lock := kv.NewLock(rdb)

	release, ok, err := lock.Acquire(ctx, "scaling_lock", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok2, err := lock.Acquire(ctx, "scaling_lock", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok2)

	require.NoError(t, release(ctx))
	_, ok3, err := lock.Acquire(ctx, "scaling_lock", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok3)

	// A holder whose TTL lapsed must not release the successor's lock.
	mr.FastForward(2 * time.Minute)
	releaseB, ok4, err := lock.Acquire(ctx, "scaling_lock", time.Minute)
	require.NoError(t, err)
	require.True(t, ok4)
	require.NoError(t, release(ctx)) // stale holder, no-op
	_, okHeld, err := lock.Acquire(ctx, "scaling_lock", time.Minute)
	require.NoError(t, err)
	assert.False(t, okHeld)
	require.NoError(t, releaseB(ctx))
}
