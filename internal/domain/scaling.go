package domain

import "time"

// ScalingAction is a queue-monitor recommendation.
type ScalingAction string

const (
	ScaleUp   ScalingAction = "scale_up"
	ScaleDown ScalingAction = "scale_down"
	Maintain  ScalingAction = "maintain"
)

// QueueMetrics is one monitor sample, ring-buffered newest first (cap 100).
type QueueMetrics struct {
	QueueDepth        int64         `json:"queue_depth"`
	ActiveWorkers     int           `json:"active_workers"`
	HealthyWorkers    int           `json:"healthy_workers"`
	AvgProcessingTime float64       `json:"avg_processing_time_seconds"`
	Throughput        float64       `json:"throughput_per_min"`
	Timestamp         time.Time     `json:"timestamp"`
	Recommendation    ScalingAction `json:"recommendation"`
	TargetWorkers     int           `json:"target_workers"`
}

// ScalingEvent records an executed fleet change (ring buffer, cap 100).
type ScalingEvent struct {
	Action         ScalingAction `json:"action"`
	TargetWorkers  int           `json:"target_workers"`
	CurrentWorkers int           `json:"current_workers"`
	QueueDepth     int64         `json:"queue_depth"`
	Timestamp      time.Time     `json:"timestamp"`
	Reason         string        `json:"reason"`
}

// MetricsStore holds the monitor's current sample, the bounded history, and
// the bounded scaling-event log.
type MetricsStore interface {
	PutCurrent(ctx Context, m QueueMetrics) error
	Current(ctx Context) (QueueMetrics, error)
	AppendHistory(ctx Context, m QueueMetrics) error
	History(ctx Context, limit int) ([]QueueMetrics, error)
	AppendEvent(ctx Context, e ScalingEvent) error
	Events(ctx Context, limit int) ([]ScalingEvent, error)
	LastScalingAction(ctx Context) (time.Time, error)
	SetLastScalingAction(ctx Context, t time.Time) error
	PublishRecommendation(ctx Context, m QueueMetrics) error
}

// Locker serializes fleet mutations across controller replicas.
type Locker interface {
	// Acquire returns ok=false when another holder owns the lock. On success
	// the release func must be called to drop it; release is token-checked so
	// an expired holder cannot drop a successor's lock.
	Acquire(ctx Context, key string, ttl time.Duration) (release func(ctx Context) error, ok bool, err error)
}
