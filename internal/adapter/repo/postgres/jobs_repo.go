package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/rabbitreels/rabbitreels/internal/domain"
)

// historyCap bounds the terminal-job archive.
const historyCap = 1000

// JobRepo persists the active job set and the bounded terminal archive.
//
// All transition methods are conditional UPDATEs guarded on the current
// status (and worker id where the lifecycle demands it), so concurrent
// callers racing the same transition see exactly one winner; the losers get
// domain.ErrForbidden and no state change. Duplicate completions of an
// already-archived job are absorbed by consulting the archive.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

const jobColumns = `id, user_id, status, worker_id, assigned_at, started_at, completed_at, heartbeat_at,
	retry_count, max_retries, error, payload, estimated_duration_seconds, created_at, updated_at`

type rowScanner interface{ Scan(dest ...any) error }

func scanJob(row rowScanner) (domain.Job, error) {
	var (
		j       domain.Job
		payload []byte
		estSecs float64
	)
	err := row.Scan(&j.ID, &j.UserID, &j.Status, &j.WorkerID, &j.AssignedAt, &j.StartedAt,
		&j.CompletedAt, &j.HeartbeatAt, &j.RetryCount, &j.MaxRetries, &j.Error,
		&payload, &estSecs, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return domain.Job{}, err
	}
	if err := json.Unmarshal(payload, &j.Payload); err != nil {
		return domain.Job{}, fmt.Errorf("payload decode: %w", err)
	}
	j.EstimatedDuration = time.Duration(estSecs * float64(time.Second))
	return j, nil
}

// Create inserts a new job in PENDING.
func (r *JobRepo) Create(ctx domain.Context, j domain.Job) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Create")
	defer span.End()
	if j.ID == "" || j.UserID == "" {
		return fmt.Errorf("op=job.create: id or user empty: %w", domain.ErrInvalidArgument)
	}
	payload, err := json.Marshal(j.Payload)
	if err != nil {
		return fmt.Errorf("op=job.create: %w", err)
	}
	now := time.Now().UTC()
	_, err = r.Pool.Exec(ctx,
		`INSERT INTO jobs (id, user_id, status, worker_id, retry_count, max_retries, error, payload,
			estimated_duration_seconds, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		j.ID, j.UserID, domain.JobPending, "", 0, j.MaxRetries, "", payload,
		j.EstimatedDuration.Seconds(), now, now)
	if err != nil {
		return fmt.Errorf("op=job.create: %w", err)
	}
	return nil
}

// Get loads a job by id, falling back to the archive for terminal jobs.
func (r *JobRepo) Get(ctx domain.Context, id string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	j, err := scanJob(r.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1`, id))
	if err == nil {
		return j, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	j, err = scanJob(r.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM job_history WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

// Delete removes an active job without archiving (submission rollback path).
func (r *JobRepo) Delete(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Delete")
	defer span.End()
	if _, err := r.Pool.Exec(ctx, `DELETE FROM jobs WHERE id=$1`, id); err != nil {
		return fmt.Errorf("op=job.delete: %w", err)
	}
	return nil
}

// ListActive returns every non-terminal job.
func (r *JobRepo) ListActive(ctx domain.Context) ([]domain.Job, error) {
	return r.list(ctx, "jobs.ListActive", `SELECT `+jobColumns+` FROM jobs ORDER BY created_at`)
}

// ListByWorker returns the active jobs owned by a worker.
func (r *JobRepo) ListByWorker(ctx domain.Context, workerID string) ([]domain.Job, error) {
	return r.list(ctx, "jobs.ListByWorker",
		`SELECT `+jobColumns+` FROM jobs WHERE worker_id=$1 ORDER BY created_at`, workerID)
}

// ListByUser returns a user's jobs, newest first, active and archived.
func (r *JobRepo) ListByUser(ctx domain.Context, userID string, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	return r.list(ctx, "jobs.ListByUser",
		`SELECT * FROM (
			SELECT `+jobColumns+` FROM jobs WHERE user_id=$1
			UNION ALL
			SELECT `+jobColumns+` FROM job_history WHERE user_id=$1
		 ) u ORDER BY created_at DESC LIMIT $2`, userID, limit)
}

func (r *JobRepo) list(ctx domain.Context, spanName, q string, args ...any) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, spanName)
	defer span.End()
	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=job.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.list: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.list: %w", err)
	}
	return out, nil
}

// Assign moves PENDING or RETRYING to ASSIGNED under the given worker.
func (r *JobRepo) Assign(ctx domain.Context, id, workerID string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Assign")
	defer span.End()
	if workerID == "" {
		return domain.Job{}, fmt.Errorf("op=job.assign: worker empty: %w", domain.ErrInvalidArgument)
	}
	now := time.Now().UTC()
	j, err := scanJob(r.Pool.QueryRow(ctx,
		`UPDATE jobs SET status=$3, worker_id=$2, assigned_at=$4, updated_at=$4
		 WHERE id=$1 AND status = ANY($5)
		 RETURNING `+jobColumns,
		id, workerID, domain.JobAssigned, now,
		[]string{string(domain.JobPending), string(domain.JobRetrying)}))
	if err != nil {
		return domain.Job{}, r.transitionErr(ctx, "job.assign", id, err)
	}
	return j, nil
}

// Start moves ASSIGNED to PROCESSING for the owning worker.
func (r *JobRepo) Start(ctx domain.Context, id, workerID string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Start")
	defer span.End()
	now := time.Now().UTC()
	j, err := scanJob(r.Pool.QueryRow(ctx,
		`UPDATE jobs SET status=$3, started_at=$4, heartbeat_at=$4, updated_at=$4
		 WHERE id=$1 AND worker_id=$2 AND status=$5
		 RETURNING `+jobColumns,
		id, workerID, domain.JobProcessing, now, domain.JobAssigned))
	if err != nil {
		return domain.Job{}, r.transitionErr(ctx, "job.start", id, err)
	}
	return j, nil
}

// Heartbeat refreshes the liveness stamp for an in-flight job.
func (r *JobRepo) Heartbeat(ctx domain.Context, id, workerID string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Heartbeat")
	defer span.End()
	now := time.Now().UTC()
	ct, err := r.Pool.Exec(ctx,
		`UPDATE jobs SET heartbeat_at=$3, updated_at=$3
		 WHERE id=$1 AND worker_id=$2 AND status = ANY($4)`,
		id, workerID, now,
		[]string{string(domain.JobAssigned), string(domain.JobProcessing)})
	if err != nil {
		return fmt.Errorf("op=job.heartbeat: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("op=job.heartbeat: %w", domain.ErrForbidden)
	}
	return nil
}

// Finish moves PROCESSING to COMPLETED or FAILED for the owning worker and
// archives the record. A repeat call for an already-archived job returns the
// archived record with won=false so callers skip completion side effects.
func (r *JobRepo) Finish(ctx domain.Context, id, workerID string, status domain.JobStatus, errMsg string) (domain.Job, bool, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Finish")
	defer span.End()
	if status != domain.JobCompleted && status != domain.JobFailed {
		return domain.Job{}, false, fmt.Errorf("op=job.finish: status %s: %w", status, domain.ErrInvalidArgument)
	}

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("op=job.finish: %w", domain.ErrDependencyUnavailable)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	j, err := scanJob(tx.QueryRow(ctx,
		`UPDATE jobs SET status=$3, error=$4, completed_at=$5, updated_at=$5
		 WHERE id=$1 AND worker_id=$2 AND status=$6
		 RETURNING `+jobColumns,
		id, workerID, status, errMsg, now, domain.JobProcessing))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Duplicate delivery after archival is a no-op.
			if archived, aerr := scanJob(r.Pool.QueryRow(ctx,
				`SELECT `+jobColumns+` FROM job_history WHERE id=$1`, id)); aerr == nil {
				return archived, false, nil
			}
			return domain.Job{}, false, fmt.Errorf("op=job.finish: %w", domain.ErrForbidden)
		}
		return domain.Job{}, false, fmt.Errorf("op=job.finish: %w", err)
	}
	if err := archiveTx(ctx, tx, j, now); err != nil {
		return domain.Job{}, false, fmt.Errorf("op=job.finish: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Job{}, false, fmt.Errorf("op=job.finish: %w", err)
	}
	return j, true, nil
}

// FailPending terminally fails a job that never left PENDING (the enqueue
// rollback path) and archives it.
func (r *JobRepo) FailPending(ctx domain.Context, id, reason string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.FailPending")
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=job.fail_pending: %w", domain.ErrDependencyUnavailable)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	j, err := scanJob(tx.QueryRow(ctx,
		`UPDATE jobs SET status=$2, error=$3, completed_at=$4, updated_at=$4
		 WHERE id=$1 AND status=$5
		 RETURNING `+jobColumns,
		id, domain.JobFailed, reason, now, domain.JobPending))
	if err != nil {
		return domain.Job{}, r.transitionErr(ctx, "job.fail_pending", id, err)
	}
	if err := archiveTx(ctx, tx, j, now); err != nil {
		return domain.Job{}, fmt.Errorf("op=job.fail_pending: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Job{}, fmt.Errorf("op=job.fail_pending: %w", err)
	}
	return j, nil
}

// Requeue moves ASSIGNED or PROCESSING back to RETRYING, clearing the worker
// and bumping the retry count. It refuses once retries are exhausted.
func (r *JobRepo) Requeue(ctx domain.Context, id string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Requeue")
	defer span.End()
	now := time.Now().UTC()
	j, err := scanJob(r.Pool.QueryRow(ctx,
		`UPDATE jobs SET status=$2, worker_id='', retry_count=retry_count+1,
			assigned_at=NULL, started_at=NULL, heartbeat_at=NULL, updated_at=$3
		 WHERE id=$1 AND status = ANY($4) AND retry_count < max_retries
		 RETURNING `+jobColumns,
		id, domain.JobRetrying, now,
		[]string{string(domain.JobAssigned), string(domain.JobProcessing)}))
	if err != nil {
		return domain.Job{}, r.transitionErr(ctx, "job.requeue", id, err)
	}
	return j, nil
}

// Abandon terminally fails a job whose retries are exhausted and archives it.
func (r *JobRepo) Abandon(ctx domain.Context, id, reason string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Abandon")
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=job.abandon: %w", domain.ErrDependencyUnavailable)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	j, err := scanJob(tx.QueryRow(ctx,
		`UPDATE jobs SET status=$2, error=$3, completed_at=$4, updated_at=$4
		 WHERE id=$1 AND status = ANY($5) AND retry_count >= max_retries
		 RETURNING `+jobColumns,
		id, domain.JobAbandoned, reason, now,
		[]string{string(domain.JobAssigned), string(domain.JobProcessing)}))
	if err != nil {
		return domain.Job{}, r.transitionErr(ctx, "job.abandon", id, err)
	}
	if err := archiveTx(ctx, tx, j, now); err != nil {
		return domain.Job{}, fmt.Errorf("op=job.abandon: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Job{}, fmt.Errorf("op=job.abandon: %w", err)
	}
	return j, nil
}

// archiveTx copies a terminal row into job_history, trims the archive to its
// cap, and removes the active row, all inside the caller's transaction.
func archiveTx(ctx domain.Context, tx pgx.Tx, j domain.Job, now time.Time) error {
	payload, err := json.Marshal(j.Payload)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO job_history (id, user_id, status, worker_id, assigned_at, started_at, completed_at,
			heartbeat_at, retry_count, max_retries, error, payload, estimated_duration_seconds,
			created_at, updated_at, archived_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		 ON CONFLICT (id) DO NOTHING`,
		j.ID, j.UserID, j.Status, j.WorkerID, j.AssignedAt, j.StartedAt, j.CompletedAt,
		j.HeartbeatAt, j.RetryCount, j.MaxRetries, j.Error, payload,
		j.EstimatedDuration.Seconds(), j.CreatedAt, j.UpdatedAt, now); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM job_history WHERE id IN (
			SELECT id FROM job_history ORDER BY archived_at DESC OFFSET $1)`, historyCap); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM jobs WHERE id=$1`, j.ID); err != nil {
		return err
	}
	return nil
}

// transitionErr distinguishes a lost guard race from a missing job.
func (r *JobRepo) transitionErr(ctx domain.Context, op, id string, err error) error {
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("op=%s: %w", op, err)
	}
	var one int
	if scanErr := r.Pool.QueryRow(ctx, `SELECT 1 FROM jobs WHERE id=$1`, id).Scan(&one); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return fmt.Errorf("op=%s: %w", op, domain.ErrNotFound)
		}
		return fmt.Errorf("op=%s: %w", op, scanErr)
	}
	return fmt.Errorf("op=%s: %w", op, domain.ErrForbidden)
}
