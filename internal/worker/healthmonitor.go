// Package worker is the render-worker runtime: registration heartbeats, the
// health endpoints the controller probes, and the render consume loop.
package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rabbitreels/rabbitreels/internal/capacity"
	"github.com/rabbitreels/rabbitreels/internal/domain"
)

// ResourceSampler reads host resource pressure for the capacity tracker.
type ResourceSampler interface {
	Sample(ctx domain.Context) (domain.ResourceUsage, error)
}

// MonitorConfig tunes the health monitor.
type MonitorConfig struct {
	WorkerID          string
	HeartbeatInterval time.Duration
	HealthPort        int
}

// HealthMonitor owns this worker's registry row and job bookkeeping. Only the
// owning worker writes its row; everything here funnels through one mutex so
// the heartbeat loop and the render loop never interleave partial updates.
type HealthMonitor struct {
	registry  domain.WorkerRegistry
	tracker   *capacity.Tracker
	resources ResourceSampler
	cfg       MonitorConfig

	mu        sync.Mutex
	info      domain.WorkerInfo
	jobStarts map[string]time.Time
}

// GenerateWorkerID derives a stable id from host, pid, and start time.
func GenerateWorkerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("worker-%s-%d-%d", host, os.Getpid(), time.Now().Unix())
}

// NewHealthMonitor constructs the monitor; an empty WorkerID gets generated.
func NewHealthMonitor(registry domain.WorkerRegistry, tracker *capacity.Tracker, resources ResourceSampler, cfg MonitorConfig) *HealthMonitor {
	if cfg.WorkerID == "" {
		cfg.WorkerID = GenerateWorkerID()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	now := time.Now().UTC()
	return &HealthMonitor{
		registry:  registry,
		tracker:   tracker,
		resources: resources,
		cfg:       cfg,
		info: domain.WorkerInfo{
			WorkerID:   cfg.WorkerID,
			StartedAt:  now,
			LastSeen:   now,
			Health:     domain.WorkerHealthy,
			HealthPort: cfg.HealthPort,
		},
		jobStarts: map[string]time.Time{},
	}
}

// WorkerID returns this worker's id.
func (h *HealthMonitor) WorkerID() string { return h.cfg.WorkerID }

// Register writes the initial registry row.
func (h *HealthMonitor) Register(ctx domain.Context) error {
	if err := h.heartbeat(ctx); err != nil {
		return fmt.Errorf("op=worker.register: %w", err)
	}
	slog.Info("worker registered", slog.String("worker_id", h.cfg.WorkerID))
	return nil
}

// Run refreshes the registry row until ctx is cancelled, then deregisters.
func (h *HealthMonitor) Run(ctx domain.Context) {
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.heartbeat(ctx); err != nil {
				slog.Error("worker heartbeat failed", slog.String("worker_id", h.cfg.WorkerID), slog.Any("error", err))
			}
			if h.resources != nil {
				if usage, err := h.resources.Sample(ctx); err == nil {
					if err := h.tracker.UpdateResources(ctx, h.cfg.WorkerID, usage); err != nil {
						slog.Warn("resource update failed", slog.Any("error", err))
					}
				}
			}
		}
	}
}

// heartbeat refreshes the registry row. The controller flips is_shutting_down
// from its side, so the write is a merge: the remote flag is adopted before
// the local row replaces it, never clobbered.
func (h *HealthMonitor) heartbeat(ctx domain.Context) error {
	remote, err := h.registry.Get(ctx, h.cfg.WorkerID)
	drainRequested := err == nil && remote.IsShuttingDown

	h.mu.Lock()
	adopted := drainRequested && !h.info.IsShuttingDown
	if adopted {
		h.info.IsShuttingDown = true
		h.info.Health = domain.WorkerUnhealthy
	}
	h.info.LastSeen = time.Now().UTC()
	row := h.info
	h.mu.Unlock()

	if adopted {
		slog.Info("controller requested drain", slog.String("worker_id", h.cfg.WorkerID))
	}
	return h.registry.Put(ctx, row)
}

// JobStarted records a new in-flight job.
func (h *HealthMonitor) JobStarted(ctx domain.Context, jobID string) {
	h.mu.Lock()
	h.jobStarts[jobID] = time.Now().UTC()
	h.info.CurrentJobs = append(h.info.CurrentJobs, jobID)
	h.mu.Unlock()

	if err := h.tracker.JobStarted(ctx, h.cfg.WorkerID); err != nil {
		slog.Warn("capacity start bookkeeping failed", slog.String("job_id", jobID), slog.Any("error", err))
	}
	if err := h.heartbeat(ctx); err != nil {
		slog.Warn("worker heartbeat failed", slog.Any("error", err))
	}
}

// JobCompleted clears the job, computes its duration, and feeds the capacity
// tracker one performance sample.
func (h *HealthMonitor) JobCompleted(ctx domain.Context, jobID string, success bool) {
	h.mu.Lock()
	started, known := h.jobStarts[jobID]
	delete(h.jobStarts, jobID)
	jobs := h.info.CurrentJobs[:0]
	for _, id := range h.info.CurrentJobs {
		if id != jobID {
			jobs = append(jobs, id)
		}
	}
	h.info.CurrentJobs = jobs
	if success {
		h.info.JobsProcessed++
	} else {
		h.info.JobsFailed++
	}
	h.mu.Unlock()

	var duration time.Duration
	if known {
		duration = time.Since(started)
	}
	var usage domain.ResourceUsage
	if h.resources != nil {
		if u, err := h.resources.Sample(ctx); err == nil {
			usage = u
		}
	}
	if _, err := h.tracker.JobCompleted(ctx, h.cfg.WorkerID, duration, success, usage); err != nil {
		slog.Warn("capacity completion bookkeeping failed", slog.String("job_id", jobID), slog.Any("error", err))
	}
	if err := h.heartbeat(ctx); err != nil {
		slog.Warn("worker heartbeat failed", slog.Any("error", err))
	}
}

// AcceptNewJobs reports whether this worker may take on another job.
func (h *HealthMonitor) AcceptNewJobs(ctx domain.Context) bool {
	h.mu.Lock()
	shuttingDown := h.info.IsShuttingDown
	unhealthy := h.info.Health != domain.WorkerHealthy
	inFlight := len(h.info.CurrentJobs)
	h.mu.Unlock()

	if shuttingDown || unhealthy {
		return false
	}
	return inFlight < h.tracker.ConcurrentLimit(ctx, h.cfg.WorkerID)
}

// InFlight returns the jobs this worker currently owns.
func (h *HealthMonitor) InFlight() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.info.CurrentJobs))
	copy(out, h.info.CurrentJobs)
	return out
}

// BeginShutdown flags the worker so it refuses new jobs; in-flight jobs keep
// running. The flag also reaches the registry so the controller sees it.
func (h *HealthMonitor) BeginShutdown(ctx domain.Context) {
	h.mu.Lock()
	h.info.IsShuttingDown = true
	h.info.Health = domain.WorkerUnhealthy
	h.mu.Unlock()

	if err := h.heartbeat(ctx); err != nil {
		slog.Warn("shutdown heartbeat failed", slog.Any("error", err))
	}
	slog.Info("worker draining", slog.String("worker_id", h.cfg.WorkerID))
}

// Deregister removes the registry row and the capacity row.
func (h *HealthMonitor) Deregister(ctx domain.Context) {
	if err := h.registry.Remove(ctx, h.cfg.WorkerID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		slog.Warn("worker deregistration failed", slog.Any("error", err))
	}
	if err := h.tracker.Remove(ctx, h.cfg.WorkerID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		slog.Warn("capacity row removal failed", slog.Any("error", err))
	}
	slog.Info("worker deregistered", slog.String("worker_id", h.cfg.WorkerID))
}

// Router serves the controller-facing health endpoints.
func (h *HealthMonitor) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", h.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/status", h.handleStatus)
	return r
}

func (h *HealthMonitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	healthy := h.info.Health == domain.WorkerHealthy && !h.info.IsShuttingDown
	h.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "draining"})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (h *HealthMonitor) handleStatus(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	info := h.info
	h.mu.Unlock()

	resp := struct {
		domain.WorkerInfo
		Capacity *domain.WorkerCapacity `json:"capacity,omitempty"`
	}{WorkerInfo: info}
	if row, err := h.tracker.Get(r.Context(), h.cfg.WorkerID); err == nil {
		resp.Capacity = &row
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
