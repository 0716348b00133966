package redis

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/rabbitreels/rabbitreels/internal/domain"
)

// releaseScript deletes the lock only if the caller still holds it, so an
// expired holder cannot drop a successor's lock.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lock is a single-key distributed lock (SET NX PX with a holder token).
type Lock struct{ rdb *goredis.Client }

// NewLock constructs a Lock on the given client.
func NewLock(rdb *goredis.Client) *Lock { return &Lock{rdb: rdb} }

// Acquire attempts to take the lock for ttl. ok=false means another holder
// owns it; no error is returned for that case.
func (l *Lock) Acquire(ctx domain.Context, key string, ttl time.Duration) (func(ctx domain.Context) error, bool, error) {
	token := uuid.New().String()
	ok, err := l.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("op=lock.acquire: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func(ctx domain.Context) error {
		if err := releaseScript.Run(ctx, l.rdb, []string{key}, token).Err(); err != nil {
			return fmt.Errorf("op=lock.release: %w", err)
		}
		return nil
	}
	return release, true, nil
}
