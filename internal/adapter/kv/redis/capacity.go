package redis

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/rabbitreels/rabbitreels/internal/domain"
)

const (
	capacityKey      = "worker_capacity"
	samplePrefix     = "worker_performance:"
	defaultSampleCap = 50
)

// Capacity stores per-worker capacity rows in the worker_capacity hash plus a
// bounded per-worker performance-sample list.
type Capacity struct {
	rdb       *goredis.Client
	sampleCap int
	sampleTTL time.Duration
}

// NewCapacity constructs a Capacity store. sampleCap bounds the per-worker
// sample list; sampleTTL expires samples of workers that stopped reporting.
func NewCapacity(rdb *goredis.Client, sampleCap int, sampleTTL time.Duration) *Capacity {
	if sampleCap <= 0 {
		sampleCap = defaultSampleCap
	}
	return &Capacity{rdb: rdb, sampleCap: sampleCap, sampleTTL: sampleTTL}
}

// Put writes a worker's capacity row.
func (c *Capacity) Put(ctx domain.Context, row domain.WorkerCapacity) error {
	if row.WorkerID == "" {
		return fmt.Errorf("op=capacity.put: worker id empty: %w", domain.ErrInvalidArgument)
	}
	raw, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("op=capacity.put: %w", err)
	}
	if err := c.rdb.HSet(ctx, capacityKey, row.WorkerID, raw).Err(); err != nil {
		return fmt.Errorf("op=capacity.put: %w", err)
	}
	return nil
}

// Get loads one worker's capacity row.
func (c *Capacity) Get(ctx domain.Context, workerID string) (domain.WorkerCapacity, error) {
	raw, err := c.rdb.HGet(ctx, capacityKey, workerID).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return domain.WorkerCapacity{}, fmt.Errorf("op=capacity.get: %w", domain.ErrNotFound)
		}
		return domain.WorkerCapacity{}, fmt.Errorf("op=capacity.get: %w", err)
	}
	var row domain.WorkerCapacity
	if err := json.Unmarshal(raw, &row); err != nil {
		return domain.WorkerCapacity{}, fmt.Errorf("op=capacity.get: decode: %w", err)
	}
	return row, nil
}

// List returns every capacity row.
func (c *Capacity) List(ctx domain.Context) ([]domain.WorkerCapacity, error) {
	rows, err := c.rdb.HGetAll(ctx, capacityKey).Result()
	if err != nil {
		return nil, fmt.Errorf("op=capacity.list: %w", err)
	}
	out := make([]domain.WorkerCapacity, 0, len(rows))
	for id, raw := range rows {
		var row domain.WorkerCapacity
		if err := json.Unmarshal([]byte(raw), &row); err != nil {
			return nil, fmt.Errorf("op=capacity.list: decode %s: %w", id, err)
		}
		out = append(out, row)
	}
	return out, nil
}

// Remove deletes a worker's capacity row and its sample list.
func (c *Capacity) Remove(ctx domain.Context, workerID string) error {
	if err := c.rdb.HDel(ctx, capacityKey, workerID).Err(); err != nil {
		return fmt.Errorf("op=capacity.remove: %w", err)
	}
	if err := c.rdb.Del(ctx, samplePrefix+workerID).Err(); err != nil {
		return fmt.Errorf("op=capacity.remove: samples: %w", err)
	}
	return nil
}

// AppendSample pushes a completed-job observation, newest first.
func (c *Capacity) AppendSample(ctx domain.Context, s domain.PerformanceSample) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("op=capacity.append_sample: %w", err)
	}
	key := samplePrefix + s.WorkerID
	pipe := c.rdb.TxPipeline()
	pipe.LPush(ctx, key, raw)
	pipe.LTrim(ctx, key, 0, int64(c.sampleCap-1))
	if c.sampleTTL > 0 {
		pipe.Expire(ctx, key, c.sampleTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=capacity.append_sample: %w", err)
	}
	return nil
}

// Samples returns the newest samples for a worker, up to limit.
func (c *Capacity) Samples(ctx domain.Context, workerID string, limit int) ([]domain.PerformanceSample, error) {
	if limit <= 0 || limit > c.sampleCap {
		limit = c.sampleCap
	}
	raws, err := c.rdb.LRange(ctx, samplePrefix+workerID, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("op=capacity.samples: %w", err)
	}
	out := make([]domain.PerformanceSample, 0, len(raws))
	for _, raw := range raws {
		var s domain.PerformanceSample
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return nil, fmt.Errorf("op=capacity.samples: decode: %w", err)
		}
		out = append(out, s)
	}
	return out, nil
}
