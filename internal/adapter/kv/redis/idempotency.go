package redis

import (
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/rabbitreels/rabbitreels/internal/domain"
)

const sessionPrefix = "processed_session:"

// minMarkerTTL keeps markers alive at least as long as providers replay
// webhooks.
const minMarkerTTL = 24 * time.Hour

// Idempotency collapses duplicate external callbacks with SET NX EX markers.
type Idempotency struct{ rdb *goredis.Client }

// NewIdempotency constructs an Idempotency store on the given client.
func NewIdempotency(rdb *goredis.Client) *Idempotency { return &Idempotency{rdb: rdb} }

// MarkOnce returns true only for the first caller of key within the TTL.
func (i *Idempotency) MarkOnce(ctx domain.Context, key string, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, fmt.Errorf("op=idempotency.mark_once: key empty: %w", domain.ErrInvalidArgument)
	}
	if ttl < minMarkerTTL {
		ttl = minMarkerTTL
	}
	ok, err := i.rdb.SetNX(ctx, sessionPrefix+key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("op=idempotency.mark_once: %w", err)
	}
	return ok, nil
}
