package jobmanager

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/rabbitreels/rabbitreels/internal/adapter/observability"
	"github.com/rabbitreels/rabbitreels/internal/domain"
)

// RunRecovery sweeps for orphaned jobs until ctx is cancelled. A job is
// orphaned when its render exceeded JobTimeout or its worker stopped
// heartbeating. Orphans with retries left go back to RETRYING and are
// republished; the rest are abandoned and refunded.
func (m *Manager) RunRecovery(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.RecoveryInterval)
	defer ticker.Stop()

	m.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("job recovery sweeper stopping")
			return
		case <-ticker.C:
			m.sweepOnce(ctx)
		}
	}
}

func (m *Manager) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("jobs.recovery")
	ctx, span := tracer.Start(ctx, "Recovery.sweepOnce")
	defer span.End()

	active, err := m.jobs.ListActive(ctx)
	if err != nil {
		span.RecordError(err)
		slog.Error("recovery sweep failed to list jobs", slog.Any("error", err))
		return
	}

	now := time.Now().UTC()
	recovered := 0
	for _, j := range active {
		reason, orphaned := m.orphanReason(j, now)
		if !orphaned {
			continue
		}
		m.recover(ctx, j, reason)
		recovered++
	}
	span.SetAttributes(
		attribute.Int("jobs.total_checked", len(active)),
		attribute.Int("jobs.recovered", recovered),
	)
}

// orphanReason applies the two liveness rules to ASSIGNED/PROCESSING jobs.
func (m *Manager) orphanReason(j domain.Job, now time.Time) (string, bool) {
	if j.Status != domain.JobAssigned && j.Status != domain.JobProcessing {
		// A RETRYING job nobody has picked up for a full heartbeat window
		// probably lost its republish; send it again. Duplicate deliveries
		// are absorbed by the assignment guard.
		if j.Status == domain.JobRetrying && now.Sub(j.UpdatedAt) > m.cfg.HeartbeatTimeout {
			return "republish retry", true
		}
		return "", false
	}
	if j.StartedAt != nil && now.Sub(*j.StartedAt) > m.cfg.JobTimeout {
		return fmt.Sprintf("job timeout after %s", m.cfg.JobTimeout), true
	}
	if j.HeartbeatAt != nil && now.Sub(*j.HeartbeatAt) > m.cfg.HeartbeatTimeout {
		return fmt.Sprintf("worker heartbeat lost after %s", m.cfg.HeartbeatTimeout), true
	}
	if j.HeartbeatAt == nil && j.AssignedAt != nil && now.Sub(*j.AssignedAt) > m.cfg.HeartbeatTimeout {
		return "worker never started after assignment", true
	}
	return "", false
}

// recover transitions one orphan. State write precedes republish; if the
// republish fails the job stays in RETRYING and the next sweep retries it.
func (m *Manager) recover(ctx context.Context, j domain.Job, reason string) {
	lg := slog.With(slog.String("job_id", j.ID), slog.String("worker_id", j.WorkerID), slog.String("reason", reason))

	if j.Status == domain.JobRetrying {
		if err := m.queue.PublishPrompt(ctx, j.Payload); err != nil {
			lg.Error("republish failed, will retry next sweep", slog.Any("error", err))
		}
		return
	}

	if j.RetryCount < j.MaxRetries {
		requeued, err := m.jobs.Requeue(ctx, j.ID)
		if err != nil {
			// Another sweep or the worker itself won the race.
			lg.Warn("requeue lost transition race", slog.Any("error", err))
			return
		}
		observability.JobsRetriedTotal.Inc()
		m.mirror(ctx, requeued)
		lg.Info("orphaned job requeued", slog.Int("retry_count", requeued.RetryCount))
		if err := m.queue.PublishPrompt(ctx, requeued.Payload); err != nil {
			lg.Error("republish failed, will retry next sweep", slog.Any("error", err))
		}
		return
	}

	abandoned, err := m.jobs.Abandon(ctx, j.ID, reason)
	if err != nil {
		lg.Warn("abandon lost transition race", slog.Any("error", err))
		return
	}
	observability.JobsAbandonedTotal.Inc()
	m.refund(ctx, abandoned, fmt.Sprintf("Refund for abandoned job %s", abandoned.ID))
	m.mirror(ctx, abandoned)
	lg.Info("orphaned job abandoned", slog.Int("retry_count", abandoned.RetryCount))
}
