// Package jobmanager is the authoritative job lifecycle state machine.
//
// Every status write in the system goes through this package. Transition
// guards live in the repository's conditional updates; the manager layers
// credit compensation, the UI status cache, and orphan recovery on top.
package jobmanager

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/rabbitreels/rabbitreels/internal/adapter/observability"
	"github.com/rabbitreels/rabbitreels/internal/domain"
)

// Config tunes the recovery policy.
type Config struct {
	JobTimeout       time.Duration
	HeartbeatTimeout time.Duration
	MaxRetries       int
	RecoveryInterval time.Duration
}

// Manager coordinates job state, the credit ledger, the work queue, and the
// UI status cache.
type Manager struct {
	jobs   domain.JobRepository
	ledger domain.Ledger
	queue  domain.Queue
	cache  domain.StatusCache
	cfg    Config
}

// New constructs a Manager.
func New(jobs domain.JobRepository, ledger domain.Ledger, queue domain.Queue, cache domain.StatusCache, cfg Config) *Manager {
	if cfg.RecoveryInterval <= 0 || cfg.RecoveryInterval > time.Minute {
		cfg.RecoveryInterval = 30 * time.Second
	}
	return &Manager{jobs: jobs, ledger: ledger, queue: queue, cache: cache, cfg: cfg}
}

// Create inserts a new PENDING job.
func (m *Manager) Create(ctx domain.Context, j domain.Job) error {
	if j.MaxRetries == 0 {
		j.MaxRetries = m.cfg.MaxRetries
	}
	if err := m.jobs.Create(ctx, j); err != nil {
		return err
	}
	j.Status = domain.JobPending
	m.mirror(ctx, j)
	return nil
}

// Assign hands a PENDING or RETRYING job to a worker.
func (m *Manager) Assign(ctx domain.Context, id, workerID string) (domain.Job, error) {
	j, err := m.jobs.Assign(ctx, id, workerID)
	if err != nil {
		return domain.Job{}, err
	}
	m.mirror(ctx, j)
	return j, nil
}

// Start marks an assigned job as PROCESSING.
func (m *Manager) Start(ctx domain.Context, id, workerID string) (domain.Job, error) {
	j, err := m.jobs.Start(ctx, id, workerID)
	if err != nil {
		return domain.Job{}, err
	}
	m.mirror(ctx, j)
	return j, nil
}

// Heartbeat refreshes a job's liveness stamp.
func (m *Manager) Heartbeat(ctx domain.Context, id, workerID string) error {
	return m.jobs.Heartbeat(ctx, id, workerID)
}

// Complete finishes a PROCESSING job. On failure the spent credit is
// refunded; the guarded transition has exactly one winner, so the refund
// cannot double even under duplicate deliveries.
func (m *Manager) Complete(ctx domain.Context, id, workerID string, success bool, errMsg string) (domain.Job, error) {
	status := domain.JobCompleted
	if !success {
		status = domain.JobFailed
	}
	j, won, err := m.jobs.Finish(ctx, id, workerID, status, errMsg)
	if err != nil {
		return domain.Job{}, err
	}
	if !won {
		// Duplicate delivery resolved against the archive; nothing to do.
		return j, nil
	}
	if success {
		observability.JobsCompletedTotal.Inc()
	} else {
		observability.JobsFailedTotal.Inc()
		m.refund(ctx, j, fmt.Sprintf("Refund for failed job %s", j.ID))
	}
	m.mirror(ctx, j)
	return j, nil
}

// Delete removes a PENDING job that never entered the pipeline (the spend
// failed, so there is nothing to compensate).
func (m *Manager) Delete(ctx domain.Context, id string) error {
	return m.jobs.Delete(ctx, id)
}

// FailEnqueue terminally fails a PENDING job whose queue publish could not be
// completed. The caller refunds the credit; this only records the outcome.
func (m *Manager) FailEnqueue(ctx domain.Context, id, reason string) (domain.Job, error) {
	j, err := m.jobs.FailPending(ctx, id, reason)
	if err != nil {
		return domain.Job{}, err
	}
	observability.JobsFailedTotal.Inc()
	m.mirror(ctx, j)
	return j, nil
}

// Get loads a job, active or archived.
func (m *Manager) Get(ctx domain.Context, id string) (domain.Job, error) {
	return m.jobs.Get(ctx, id)
}

// ListActive returns every non-terminal job.
func (m *Manager) ListActive(ctx domain.Context) ([]domain.Job, error) {
	return m.jobs.ListActive(ctx)
}

// ListByWorker returns the active jobs owned by a worker.
func (m *Manager) ListByWorker(ctx domain.Context, workerID string) ([]domain.Job, error) {
	return m.jobs.ListByWorker(ctx, workerID)
}

// ListByUser returns a user's jobs, newest first.
func (m *Manager) ListByUser(ctx domain.Context, userID string, limit int) ([]domain.Job, error) {
	return m.jobs.ListByUser(ctx, userID, limit)
}

// Statistics aggregates the active set for the queue monitor.
func (m *Manager) Statistics(ctx domain.Context) (domain.JobStatistics, error) {
	active, err := m.jobs.ListActive(ctx)
	if err != nil {
		return domain.JobStatistics{}, err
	}
	var stats domain.JobStatistics
	workers := map[string]struct{}{}
	var processingElapsed time.Duration
	now := time.Now().UTC()
	for _, j := range active {
		switch j.Status {
		case domain.JobPending:
			stats.Pending++
		case domain.JobAssigned:
			stats.Assigned++
		case domain.JobProcessing:
			stats.Processing++
			if j.StartedAt != nil {
				processingElapsed += now.Sub(*j.StartedAt)
			}
		case domain.JobRetrying:
			stats.Retrying++
		}
		if j.WorkerID != "" && (j.Status == domain.JobAssigned || j.Status == domain.JobProcessing) {
			workers[j.WorkerID] = struct{}{}
		}
	}
	stats.WorkersWithJobs = len(workers)
	if stats.Processing > 0 {
		stats.AvgProcessingTime = processingElapsed / time.Duration(stats.Processing)
	}
	return stats, nil
}

// refund compensates a spent credit; errors are logged, never swallowed into
// the job result.
func (m *Manager) refund(ctx domain.Context, j domain.Job, description string) {
	if _, err := m.ledger.Refund(ctx, j.UserID, description); err != nil {
		slog.Error("refund failed",
			slog.String("job_id", j.ID),
			slog.String("user_id", j.UserID),
			slog.Any("error", err))
		return
	}
	observability.CreditsRefundedTotal.Inc()
}

// mirror pushes the UI snapshot; the cache is best-effort.
func (m *Manager) mirror(ctx domain.Context, j domain.Job) {
	snap := domain.VideoStatus{
		JobID:  j.ID,
		Status: j.Status.UIStatus(),
	}
	switch j.Status {
	case domain.JobCompleted:
		snap.Progress = 1
		snap.DownloadURL = fmt.Sprintf("/videos/%s/file", j.ID)
	case domain.JobFailed, domain.JobAbandoned:
		snap.ErrorMsg = j.Error
	case domain.JobProcessing:
		snap.Progress = 0.5
	}
	if err := m.cache.Put(ctx, snap); err != nil {
		slog.Warn("status cache update failed", slog.String("job_id", j.ID), slog.Any("error", err))
	}
}
