package redis

import (
	"encoding/json"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/rabbitreels/rabbitreels/internal/domain"
)

const workersKey = "scaling_workers"

// Registry stores worker registration rows in the scaling_workers hash.
// Only the owning worker writes its row; the controller may remove stale ones.
type Registry struct{ rdb *goredis.Client }

// NewRegistry constructs a Registry on the given client.
func NewRegistry(rdb *goredis.Client) *Registry { return &Registry{rdb: rdb} }

// Put writes a worker's row, replacing any previous value.
func (r *Registry) Put(ctx domain.Context, w domain.WorkerInfo) error {
	if w.WorkerID == "" {
		return fmt.Errorf("op=registry.put: worker id empty: %w", domain.ErrInvalidArgument)
	}
	raw, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("op=registry.put: %w", err)
	}
	if err := r.rdb.HSet(ctx, workersKey, w.WorkerID, raw).Err(); err != nil {
		return fmt.Errorf("op=registry.put: %w", err)
	}
	return nil
}

// Get loads one worker's row.
func (r *Registry) Get(ctx domain.Context, workerID string) (domain.WorkerInfo, error) {
	raw, err := r.rdb.HGet(ctx, workersKey, workerID).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return domain.WorkerInfo{}, fmt.Errorf("op=registry.get: %w", domain.ErrNotFound)
		}
		return domain.WorkerInfo{}, fmt.Errorf("op=registry.get: %w", err)
	}
	var w domain.WorkerInfo
	if err := json.Unmarshal(raw, &w); err != nil {
		return domain.WorkerInfo{}, fmt.Errorf("op=registry.get: decode: %w", err)
	}
	return w, nil
}

// List returns every registered worker.
func (r *Registry) List(ctx domain.Context) ([]domain.WorkerInfo, error) {
	rows, err := r.rdb.HGetAll(ctx, workersKey).Result()
	if err != nil {
		return nil, fmt.Errorf("op=registry.list: %w", err)
	}
	out := make([]domain.WorkerInfo, 0, len(rows))
	for id, raw := range rows {
		var w domain.WorkerInfo
		if err := json.Unmarshal([]byte(raw), &w); err != nil {
			return nil, fmt.Errorf("op=registry.list: decode %s: %w", id, err)
		}
		out = append(out, w)
	}
	return out, nil
}

// Remove deletes a worker's row.
func (r *Registry) Remove(ctx domain.Context, workerID string) error {
	if err := r.rdb.HDel(ctx, workersKey, workerID).Err(); err != nil {
		return fmt.Errorf("op=registry.remove: %w", err)
	}
	return nil
}

// MarkShuttingDown flags a worker so it stops accepting jobs. The worker's
// heartbeat re-reads the row and adopts the flag before its next write.
func (r *Registry) MarkShuttingDown(ctx domain.Context, workerID string) error {
	w, err := r.Get(ctx, workerID)
	if err != nil {
		return fmt.Errorf("op=registry.mark_shutting_down: %w", err)
	}
	w.IsShuttingDown = true
	w.Health = domain.WorkerUnhealthy
	if err := r.Put(ctx, w); err != nil {
		return fmt.Errorf("op=registry.mark_shutting_down: %w", err)
	}
	return nil
}
