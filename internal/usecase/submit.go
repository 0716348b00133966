// Package usecase holds the gateway's application services: submission,
// status queries, and billing. Services are thin orchestrators over the job
// manager, the ledger, and the queue; all state lives behind those ports.
package usecase

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/rabbitreels/rabbitreels/internal/adapter/observability"
	"github.com/rabbitreels/rabbitreels/internal/domain"
	"github.com/rabbitreels/rabbitreels/internal/jobmanager"
	"github.com/rabbitreels/rabbitreels/internal/themes"
	"github.com/rabbitreels/rabbitreels/pkg/retryx"
)

// SubmitRequest is a validated video submission.
type SubmitRequest struct {
	UserID         string
	JobID          string // optional; generated when empty
	Prompt         string
	Title          string // optional; the script generator derives one when empty
	CharacterTheme string
}

// SubmitService turns a prompt into a PENDING job on the scripts queue.
// The ordering is deliberate: record first, then spend, then publish, with
// compensation on each failure so a user is never charged for a job that
// never entered the pipeline.
type SubmitService struct {
	jobs   *jobmanager.Manager
	ledger domain.Ledger
	queue  domain.Queue
	themes *themes.Registry
}

// NewSubmitService constructs a SubmitService.
func NewSubmitService(jobs *jobmanager.Manager, ledger domain.Ledger, queue domain.Queue, reg *themes.Registry) SubmitService {
	return SubmitService{jobs: jobs, ledger: ledger, queue: queue, themes: reg}
}

// Submit validates, records, charges, and enqueues one video job.
func (s SubmitService) Submit(ctx domain.Context, req SubmitRequest) (domain.Job, error) {
	tracer := otel.Tracer("usecase.submit")
	ctx, span := tracer.Start(ctx, "Submit")
	defer span.End()

	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return domain.Job{}, fmt.Errorf("op=submit: empty prompt: %w", domain.ErrInvalidArgument)
	}
	if !s.themes.Valid(req.CharacterTheme) {
		return domain.Job{}, fmt.Errorf("op=submit: unknown theme %q: %w", req.CharacterTheme, domain.ErrInvalidArgument)
	}

	jobID := req.JobID
	if jobID == "" {
		jobID = uuid.NewString()
	}
	job := domain.Job{
		ID:     jobID,
		UserID: req.UserID,
		Status: domain.JobPending,
		Payload: domain.PromptJob{
			JobID:          jobID,
			Prompt:         prompt,
			Title:          strings.TrimSpace(req.Title),
			CharacterTheme: req.CharacterTheme,
		},
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		return domain.Job{}, fmt.Errorf("op=submit: create: %w", err)
	}

	if _, err := s.ledger.Spend(ctx, req.UserID, fmt.Sprintf("Video generation job %s", jobID)); err != nil {
		// Nothing downstream has seen the job yet; remove the record.
		if delErr := s.jobs.Delete(ctx, jobID); delErr != nil {
			slog.Error("orphaned pending job after spend failure",
				slog.String("job_id", jobID), slog.Any("error", delErr))
		}
		return domain.Job{}, fmt.Errorf("op=submit: spend: %w", err)
	}
	observability.CreditsSpentTotal.Inc()

	publishErr := retryx.Do(ctx, retryx.Publish, func() error {
		return s.queue.PublishPrompt(ctx, job.Payload)
	})
	if publishErr != nil {
		slog.Error("scripts-queue publish exhausted retries",
			slog.String("job_id", jobID), slog.Any("error", publishErr))
		if _, err := s.ledger.Refund(ctx, req.UserID, fmt.Sprintf("Refund for failed enqueue of job %s", jobID)); err != nil {
			slog.Error("refund failed", slog.String("job_id", jobID), slog.Any("error", err))
		} else {
			observability.CreditsRefundedTotal.Inc()
		}
		if _, err := s.jobs.FailEnqueue(ctx, jobID, "enqueue_failed"); err != nil {
			slog.Error("enqueue-failure record lost", slog.String("job_id", jobID), slog.Any("error", err))
		}
		return domain.Job{}, fmt.Errorf("op=submit: publish: %v: %w", publishErr, domain.ErrEnqueueFailed)
	}
	observability.JobsEnqueuedTotal.Inc()

	slog.Info("job submitted",
		slog.String("job_id", jobID),
		slog.String("user_id", req.UserID),
		slog.String("theme", req.CharacterTheme))
	return job, nil
}
