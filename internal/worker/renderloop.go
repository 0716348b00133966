package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rabbitreels/rabbitreels/internal/adapter/observability"
	"github.com/rabbitreels/rabbitreels/internal/domain"
)

// JobLifecycle is the job-manager slice the render loop drives.
type JobLifecycle interface {
	Assign(ctx domain.Context, id, workerID string) (domain.Job, error)
	Start(ctx domain.Context, id, workerID string) (domain.Job, error)
	Heartbeat(ctx domain.Context, id, workerID string) error
	Complete(ctx domain.Context, id, workerID string, success bool, errMsg string) (domain.Job, error)
}

// VideoCounter increments the durable completed-video counter.
type VideoCounter interface {
	IncrementVideoCount(ctx domain.Context) (int64, error)
}

// CountMirror mirrors the counter into the KV store for cheap reads.
type CountMirror interface {
	SetVideoCount(ctx domain.Context, n int64) error
}

// RenderLoopConfig tunes the render consume loop.
type RenderLoopConfig struct {
	HeartbeatInterval time.Duration
}

// RenderLoop handles one video-queue message at a time. Its Handle method
// plugs straight into the queue consumer; returning an error that wraps
// ErrInvalidArgument drops the message, any other error leaves it
// uncommitted for redelivery.
type RenderLoop struct {
	monitor  *HealthMonitor
	jobs     JobLifecycle
	renderer Renderer
	queue    domain.Queue
	counter  VideoCounter
	mirror   CountMirror
	cfg      RenderLoopConfig
}

// NewRenderLoop constructs a RenderLoop.
func NewRenderLoop(monitor *HealthMonitor, jobs JobLifecycle, renderer Renderer, queue domain.Queue, counter VideoCounter, mirror CountMirror, cfg RenderLoopConfig) *RenderLoop {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	return &RenderLoop{
		monitor: monitor, jobs: jobs, renderer: renderer,
		queue: queue, counter: counter, mirror: mirror, cfg: cfg,
	}
}

// Handle processes one dialog message end to end.
func (l *RenderLoop) Handle(ctx domain.Context, key string, value []byte) error {
	var job domain.DialogJob
	if err := json.Unmarshal(value, &job); err != nil {
		return fmt.Errorf("op=render.handle: decode %s: %v: %w", key, err, domain.ErrInvalidArgument)
	}
	if job.JobID == "" {
		return fmt.Errorf("op=render.handle: missing job id: %w", domain.ErrInvalidArgument)
	}
	lg := slog.With(slog.String("job_id", job.JobID), slog.String("worker_id", l.monitor.WorkerID()))

	if !l.monitor.AcceptNewJobs(ctx) {
		// Leave the message uncommitted; another worker or a later poll
		// picks it up once a slot frees.
		return fmt.Errorf("op=render.handle: worker at capacity")
	}

	workerID := l.monitor.WorkerID()
	if _, err := l.jobs.Assign(ctx, job.JobID, workerID); err != nil {
		if errors.Is(err, domain.ErrForbidden) || errors.Is(err, domain.ErrNotFound) {
			// Duplicate delivery, or another worker won the assignment.
			lg.Info("skipping already-claimed job", slog.Any("error", err))
			return nil
		}
		return fmt.Errorf("op=render.handle: assign: %w", err)
	}
	if _, err := l.jobs.Start(ctx, job.JobID, workerID); err != nil {
		return fmt.Errorf("op=render.handle: start: %w", err)
	}

	l.monitor.JobStarted(ctx, job.JobID)
	started := time.Now()

	renderCtx, cancel := context.WithCancel(ctx)
	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		ticker := time.NewTicker(l.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-renderCtx.Done():
				return
			case <-ticker.C:
				if err := l.jobs.Heartbeat(renderCtx, job.JobID, workerID); err != nil {
					lg.Warn("job heartbeat failed", slog.Any("error", err))
				}
			}
		}
	}()

	path, renderErr := l.renderer.Render(renderCtx, job)
	cancel()
	<-heartbeatDone

	if renderErr != nil {
		l.monitor.JobCompleted(ctx, job.JobID, false)
		if ctx.Err() != nil {
			// Shutdown mid-render; recovery requeues the job.
			return fmt.Errorf("op=render.handle: %w", ctx.Err())
		}
		if _, err := l.jobs.Complete(ctx, job.JobID, workerID, false, renderErr.Error()); err != nil {
			lg.Error("failure report lost", slog.Any("error", err))
		}
		lg.Error("render failed", slog.Any("error", renderErr))
		if errors.Is(renderErr, domain.ErrInvalidArgument) {
			return fmt.Errorf("op=render.handle: %w", renderErr)
		}
		return nil
	}

	if _, err := l.jobs.Complete(ctx, job.JobID, workerID, true, ""); err != nil {
		l.monitor.JobCompleted(ctx, job.JobID, false)
		return fmt.Errorf("op=render.handle: complete: %w", err)
	}
	l.monitor.JobCompleted(ctx, job.JobID, true)
	observability.RenderDuration.Observe(time.Since(started).Seconds())

	if err := l.queue.PublishRender(ctx, domain.PublishJob{
		JobID:       job.JobID,
		Title:       job.Title,
		StoragePath: path,
	}); err != nil {
		// The video is done and billed; publishing is best-effort.
		lg.Error("publish-queue handoff failed", slog.Any("error", err))
	}

	if n, err := l.counter.IncrementVideoCount(ctx); err != nil {
		lg.Warn("video counter increment failed", slog.Any("error", err))
	} else if l.mirror != nil {
		if err := l.mirror.SetVideoCount(ctx, n); err != nil {
			lg.Warn("video counter mirror failed", slog.Any("error", err))
		}
	}

	lg.Info("video rendered",
		slog.String("storage_path", path),
		slog.Duration("render_time", time.Since(started)))
	return nil
}
