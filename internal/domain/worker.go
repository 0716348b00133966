package domain

import "time"

// WorkerHealth tags a worker registration row.
type WorkerHealth string

const (
	WorkerHealthy   WorkerHealth = "healthy"
	WorkerUnhealthy WorkerHealth = "unhealthy"
)

// WorkerInfo is a worker's registry row. Only the owning worker writes it;
// the scaling controller may remove a stale row.
type WorkerInfo struct {
	WorkerID       string       `json:"worker_id"`
	StartedAt      time.Time    `json:"started_at"`
	LastSeen       time.Time    `json:"last_seen"`
	Health         WorkerHealth `json:"health"`
	CurrentJobs    []string     `json:"current_jobs"`
	JobsProcessed  int          `json:"jobs_processed"`
	JobsFailed     int          `json:"jobs_failed"`
	IsShuttingDown bool         `json:"is_shutting_down"`
	HealthPort     int          `json:"health_port"`
}

// Stale reports whether the row has not been refreshed within threshold.
func (w WorkerInfo) Stale(now time.Time, threshold time.Duration) bool {
	return now.Sub(w.LastSeen) > threshold
}

// PerformanceTier buckets workers by efficiency score.
type PerformanceTier string

const (
	TierExcellent PerformanceTier = "excellent"
	TierGood      PerformanceTier = "good"
	TierAverage   PerformanceTier = "average"
	TierPoor      PerformanceTier = "poor"
)

// WorkerCapacity is the capacity tracker's per-worker row.
type WorkerCapacity struct {
	WorkerID           string          `json:"worker_id"`
	ConcurrentJobLimit int             `json:"concurrent_job_limit"`
	CurrentJobs        int             `json:"current_jobs"`
	JobsPerHour        float64         `json:"jobs_per_hour"`
	AvgJobDuration     float64         `json:"avg_job_duration_seconds"`
	SuccessRate        float64         `json:"success_rate"`
	CPUPercent         float64         `json:"cpu_percent"`
	MemPercent         float64         `json:"mem_percent"`
	DiskPercent        float64         `json:"disk_percent"`
	PerformanceTier    PerformanceTier `json:"performance_tier"`
	EfficiencyScore    float64         `json:"efficiency_score"`
	LastUpdated        time.Time       `json:"last_updated"`
}

// PerformanceSample is one completed-job observation fed to the tracker.
type PerformanceSample struct {
	WorkerID  string        `json:"worker_id"`
	Duration  time.Duration `json:"duration"`
	Success   bool          `json:"success"`
	Timestamp time.Time     `json:"timestamp"`
}

// ClusterCapacity aggregates the live capacity rows for the controller.
type ClusterCapacity struct {
	EffectiveCapacity   float64
	CapacityUtilization float64
	TotalJobLimit       int
	TotalCurrentJobs    int
	ResourceConstrained int
	HighPerformers      int
	Workers             int
}

// ResourceUsage is a point-in-time host reading from a ResourceSampler.
type ResourceUsage struct {
	CPUPercent  float64
	MemPercent  float64
	DiskPercent float64
}

// WorkerRegistry stores worker registration rows in the KV store.
type WorkerRegistry interface {
	Put(ctx Context, w WorkerInfo) error
	Get(ctx Context, workerID string) (WorkerInfo, error)
	List(ctx Context) ([]WorkerInfo, error)
	Remove(ctx Context, workerID string) error
	MarkShuttingDown(ctx Context, workerID string) error
}

// CapacityStore stores per-worker capacity rows and rolling samples.
type CapacityStore interface {
	Put(ctx Context, c WorkerCapacity) error
	Get(ctx Context, workerID string) (WorkerCapacity, error)
	List(ctx Context) ([]WorkerCapacity, error)
	Remove(ctx Context, workerID string) error
	AppendSample(ctx Context, s PerformanceSample) error
	Samples(ctx Context, workerID string, limit int) ([]PerformanceSample, error)
}
