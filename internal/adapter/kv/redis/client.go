// Package redis implements the KV-store adapters: the worker registry,
// capacity store, metrics store, status cache, idempotency markers, and the
// distributed scaling lock.
package redis

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
)

// NewClient dials Redis from a URL and verifies the connection.
func NewClient(ctx context.Context, url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("op=redis.new_client: %w", err)
	}
	rdb := goredis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("op=redis.new_client: ping: %w", err)
	}
	return rdb, nil
}
