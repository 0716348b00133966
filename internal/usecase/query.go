package usecase

import (
	"fmt"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel"

	"github.com/rabbitreels/rabbitreels/internal/domain"
	"github.com/rabbitreels/rabbitreels/internal/jobmanager"
)

// CountReader reads the completed-video counter. The cache mirror answers
// first; the durable counter is the fallback.
type CountReader interface {
	VideoCount(ctx domain.Context) (int64, error)
}

// QueryService serves status lookups, listings, and video file access.
type QueryService struct {
	jobs         *jobmanager.Manager
	cache        domain.StatusCache
	counter      CountReader
	counterCache CountReader
	videoDir     string
}

// NewQueryService constructs a QueryService. counterCache may be nil.
func NewQueryService(jobs *jobmanager.Manager, cache domain.StatusCache, counter, counterCache CountReader, videoDir string) QueryService {
	return QueryService{jobs: jobs, cache: cache, counter: counter, counterCache: counterCache, videoDir: videoDir}
}

// Status returns the UI-facing snapshot for a job the user owns. A job owned
// by someone else is reported as not found, not forbidden, so job ids cannot
// be probed.
func (s QueryService) Status(ctx domain.Context, userID, jobID string) (domain.VideoStatus, error) {
	tracer := otel.Tracer("usecase.query")
	ctx, span := tracer.Start(ctx, "Status")
	defer span.End()

	j, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return domain.VideoStatus{}, fmt.Errorf("op=query.status: %w", err)
	}
	if j.UserID != userID {
		return domain.VideoStatus{}, fmt.Errorf("op=query.status: %w", domain.ErrNotFound)
	}
	if snap, err := s.cache.Get(ctx, jobID); err == nil {
		return snap, nil
	}
	// Cache miss; rebuild the snapshot from the durable record.
	snap := domain.VideoStatus{JobID: j.ID, Status: j.Status.UIStatus()}
	switch j.Status {
	case domain.JobCompleted:
		snap.Progress = 1
		snap.DownloadURL = fmt.Sprintf("/videos/%s/file", j.ID)
	case domain.JobFailed, domain.JobAbandoned:
		snap.ErrorMsg = j.Error
	case domain.JobProcessing:
		snap.Progress = 0.5
	}
	return snap, nil
}

// ListByUser returns the user's jobs, newest first.
func (s QueryService) ListByUser(ctx domain.Context, userID string, limit int) ([]domain.Job, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	jobs, err := s.jobs.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("op=query.list: %w", err)
	}
	return jobs, nil
}

// VideoFile resolves the rendered artifact path for a completed job the user
// owns. Anything short of COMPLETED is not found.
func (s QueryService) VideoFile(ctx domain.Context, userID, jobID string) (string, error) {
	j, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return "", fmt.Errorf("op=query.file: %w", err)
	}
	if j.UserID != userID {
		return "", fmt.Errorf("op=query.file: %w", domain.ErrNotFound)
	}
	if j.Status != domain.JobCompleted {
		return "", fmt.Errorf("op=query.file: job %s not completed: %w", jobID, domain.ErrNotFound)
	}
	path := filepath.Join(s.videoDir, jobID+".mp4")
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("op=query.file: artifact missing: %w", domain.ErrNotFound)
	}
	return path, nil
}

// VideoCount returns the public completed-video counter.
func (s QueryService) VideoCount(ctx domain.Context) (int64, error) {
	if s.counterCache != nil {
		if n, err := s.counterCache.VideoCount(ctx); err == nil && n > 0 {
			return n, nil
		}
	}
	n, err := s.counter.VideoCount(ctx)
	if err != nil {
		return 0, fmt.Errorf("op=query.count: %w", err)
	}
	return n, nil
}
