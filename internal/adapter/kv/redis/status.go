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
	statusPrefix  = "job:"
	statusTTL     = 24 * time.Hour
	videoCountKey = "video_generation_count"
)

// StatusCache mirrors UI-facing job snapshots under job:{id}. The durable
// store stays authoritative; this exists so status polls never touch it.
type StatusCache struct{ rdb *goredis.Client }

// NewStatusCache constructs a StatusCache on the given client.
func NewStatusCache(rdb *goredis.Client) *StatusCache { return &StatusCache{rdb: rdb} }

// Put writes a snapshot with a day's TTL.
func (s *StatusCache) Put(ctx domain.Context, v domain.VideoStatus) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("op=status.put: %w", err)
	}
	if err := s.rdb.Set(ctx, statusPrefix+v.JobID, raw, statusTTL).Err(); err != nil {
		return fmt.Errorf("op=status.put: %w", err)
	}
	return nil
}

// Get loads a snapshot.
func (s *StatusCache) Get(ctx domain.Context, jobID string) (domain.VideoStatus, error) {
	raw, err := s.rdb.Get(ctx, statusPrefix+jobID).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return domain.VideoStatus{}, fmt.Errorf("op=status.get: %w", domain.ErrNotFound)
		}
		return domain.VideoStatus{}, fmt.Errorf("op=status.get: %w", err)
	}
	var v domain.VideoStatus
	if err := json.Unmarshal(raw, &v); err != nil {
		return domain.VideoStatus{}, fmt.Errorf("op=status.get: decode: %w", err)
	}
	return v, nil
}

// SetVideoCount mirrors the durable counter for cheap public reads.
func (s *StatusCache) SetVideoCount(ctx domain.Context, n int64) error {
	if err := s.rdb.Set(ctx, videoCountKey, n, 0).Err(); err != nil {
		return fmt.Errorf("op=status.set_video_count: %w", err)
	}
	return nil
}

// VideoCount reads the mirrored counter; missing key reads as zero.
func (s *StatusCache) VideoCount(ctx domain.Context) (int64, error) {
	n, err := s.rdb.Get(ctx, videoCountKey).Int64()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("op=status.video_count: %w", err)
	}
	return n, nil
}
