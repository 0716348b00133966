// Package retryx provides a small retry combinator so retry policy is data,
// not code scattered through request handlers.
package retryx

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy describes a bounded exponential retry schedule.
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// Publish retries a queue publish 3 times with a fixed 1s gap.
var Publish = Policy{MaxAttempts: 3, InitialInterval: time.Second, MaxInterval: time.Second, Multiplier: 1.0}

// Dial covers dependency connection attempts: 1s, 2s, 4s, up to 5 attempts.
var Dial = Policy{MaxAttempts: 5, InitialInterval: time.Second, MaxInterval: 4 * time.Second, Multiplier: 2.0}

// Do runs op under the policy, honoring ctx cancellation between attempts.
// Wrap an error with Permanent to stop retrying early.
func Do(ctx context.Context, p Policy, op func() error) error {
	if p.MaxAttempts <= 0 {
		return fmt.Errorf("op=retryx.Do: max attempts %d: invalid", p.MaxAttempts)
	}
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = p.InitialInterval
	expo.MaxInterval = p.MaxInterval
	expo.Multiplier = p.Multiplier
	expo.RandomizationFactor = 0
	expo.MaxElapsedTime = 0
	bo := backoff.WithMaxRetries(backoff.WithContext(expo, ctx), uint64(p.MaxAttempts-1))
	return backoff.Retry(op, bo)
}

// Permanent marks err as non-retriable for Do.
func Permanent(err error) error { return backoff.Permanent(err) }
