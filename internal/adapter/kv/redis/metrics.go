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
	currentMetricsKey    = "current_metrics"
	metricsHistoryKey    = "scaling_metrics_history"
	scalingHistoryKey    = "scaling_history"
	lastScalingActionKey = "last_scaling_action"
	recommendationChan   = "scaling_events"
	historyLimit         = 100
)

// Metrics stores queue-monitor samples and the scaling-event log, both
// ring-buffered newest first with a cap of 100.
type Metrics struct{ rdb *goredis.Client }

// NewMetrics constructs a Metrics store on the given client.
func NewMetrics(rdb *goredis.Client) *Metrics { return &Metrics{rdb: rdb} }

// PutCurrent replaces the latest sample.
func (m *Metrics) PutCurrent(ctx domain.Context, s domain.QueueMetrics) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("op=metrics.put_current: %w", err)
	}
	if err := m.rdb.Set(ctx, currentMetricsKey, raw, 0).Err(); err != nil {
		return fmt.Errorf("op=metrics.put_current: %w", err)
	}
	return nil
}

// Current returns the latest sample.
func (m *Metrics) Current(ctx domain.Context) (domain.QueueMetrics, error) {
	raw, err := m.rdb.Get(ctx, currentMetricsKey).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return domain.QueueMetrics{}, fmt.Errorf("op=metrics.current: %w", domain.ErrNotFound)
		}
		return domain.QueueMetrics{}, fmt.Errorf("op=metrics.current: %w", err)
	}
	var s domain.QueueMetrics
	if err := json.Unmarshal(raw, &s); err != nil {
		return domain.QueueMetrics{}, fmt.Errorf("op=metrics.current: decode: %w", err)
	}
	return s, nil
}

// AppendHistory pushes a sample onto the bounded history.
func (m *Metrics) AppendHistory(ctx domain.Context, s domain.QueueMetrics) error {
	return m.appendBounded(ctx, "metrics.append_history", metricsHistoryKey, s)
}

// History returns the newest samples, up to limit.
func (m *Metrics) History(ctx domain.Context, limit int) ([]domain.QueueMetrics, error) {
	raws, err := m.boundedRange(ctx, metricsHistoryKey, limit)
	if err != nil {
		return nil, fmt.Errorf("op=metrics.history: %w", err)
	}
	out := make([]domain.QueueMetrics, 0, len(raws))
	for _, raw := range raws {
		var s domain.QueueMetrics
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return nil, fmt.Errorf("op=metrics.history: decode: %w", err)
		}
		out = append(out, s)
	}
	return out, nil
}

// AppendEvent records an executed fleet change.
func (m *Metrics) AppendEvent(ctx domain.Context, e domain.ScalingEvent) error {
	return m.appendBounded(ctx, "metrics.append_event", scalingHistoryKey, e)
}

// Events returns the newest scaling events, up to limit.
func (m *Metrics) Events(ctx domain.Context, limit int) ([]domain.ScalingEvent, error) {
	raws, err := m.boundedRange(ctx, scalingHistoryKey, limit)
	if err != nil {
		return nil, fmt.Errorf("op=metrics.events: %w", err)
	}
	out := make([]domain.ScalingEvent, 0, len(raws))
	for _, raw := range raws {
		var e domain.ScalingEvent
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("op=metrics.events: decode: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}

// LastScalingAction returns when the fleet last changed; the zero time when
// it never has.
func (m *Metrics) LastScalingAction(ctx domain.Context) (time.Time, error) {
	raw, err := m.rdb.Get(ctx, lastScalingActionKey).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("op=metrics.last_action: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("op=metrics.last_action: parse: %w", err)
	}
	return t, nil
}

// SetLastScalingAction stamps the cooldown clock.
func (m *Metrics) SetLastScalingAction(ctx domain.Context, t time.Time) error {
	if err := m.rdb.Set(ctx, lastScalingActionKey, t.UTC().Format(time.RFC3339Nano), 0).Err(); err != nil {
		return fmt.Errorf("op=metrics.set_last_action: %w", err)
	}
	return nil
}

// PublishRecommendation broadcasts a sample on the scaling_events channel.
func (m *Metrics) PublishRecommendation(ctx domain.Context, s domain.QueueMetrics) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("op=metrics.publish: %w", err)
	}
	if err := m.rdb.Publish(ctx, recommendationChan, raw).Err(); err != nil {
		return fmt.Errorf("op=metrics.publish: %w", err)
	}
	return nil
}

func (m *Metrics) appendBounded(ctx domain.Context, op, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("op=%s: %w", op, err)
	}
	pipe := m.rdb.TxPipeline()
	pipe.LPush(ctx, key, raw)
	pipe.LTrim(ctx, key, 0, historyLimit-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=%s: %w", op, err)
	}
	return nil
}

func (m *Metrics) boundedRange(ctx domain.Context, key string, limit int) ([]string, error) {
	if limit <= 0 || limit > historyLimit {
		limit = historyLimit
	}
	return m.rdb.LRange(ctx, key, 0, int64(limit-1)).Result()
}
