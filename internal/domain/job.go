package domain

import (
	"context"
	"time"
)

// JobStatus is the authoritative lifecycle state of a job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobAssigned   JobStatus = "assigned"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobRetrying   JobStatus = "retrying"
	JobAbandoned  JobStatus = "abandoned"
)

// ParseJobStatus rejects unknown tags instead of coercing them.
func ParseJobStatus(s string) (JobStatus, error) {
	switch JobStatus(s) {
	case JobPending, JobAssigned, JobProcessing, JobCompleted, JobFailed, JobRetrying, JobAbandoned:
		return JobStatus(s), nil
	}
	return "", ErrInvalidArgument
}

// Terminal reports whether the status ends the lifecycle (record is archived).
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobAbandoned
}

// UIStatus maps the internal lifecycle onto the four states the status
// endpoint exposes: queued, rendering, done, error.
func (s JobStatus) UIStatus() string {
	switch s {
	case JobProcessing:
		return "rendering"
	case JobCompleted:
		return "done"
	case JobFailed, JobAbandoned:
		return "error"
	default:
		return "queued"
	}
}

// Job is the authoritative job record. Lifecycle rules:
// PENDING -> ASSIGNED (worker set, AssignedAt stamped);
// ASSIGNED -> PROCESSING (same worker, StartedAt + HeartbeatAt stamped);
// PROCESSING -> COMPLETED|FAILED (same worker);
// ASSIGNED|PROCESSING -> RETRYING (worker cleared, retry bumped, retries left);
// ASSIGNED|PROCESSING -> ABANDONED (retries exhausted).
type Job struct {
	ID                string
	UserID            string
	Status            JobStatus
	WorkerID          string
	AssignedAt        *time.Time
	StartedAt         *time.Time
	CompletedAt       *time.Time
	HeartbeatAt       *time.Time
	RetryCount        int
	MaxRetries        int
	Error             string
	Payload           PromptJob
	EstimatedDuration time.Duration
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// PromptJob is the scripts-queue message: a user prompt awaiting dialog generation.
type PromptJob struct {
	JobID          string `json:"job_id"`
	Prompt         string `json:"prompt"`
	CharacterTheme string `json:"character_theme"`
	Title          string `json:"title,omitempty"`
}

// Turn is one line of generated dialog.
type Turn struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

// DialogJob is the video-queue message: a generated script awaiting render.
type DialogJob struct {
	JobID          string `json:"job_id"`
	Title          string `json:"title"`
	CharacterTheme string `json:"character_theme"`
	Turns          []Turn `json:"turns"`
}

// PublishJob is the publish-queue message: a rendered artifact awaiting upload.
type PublishJob struct {
	JobID       string `json:"job_id"`
	Title       string `json:"title"`
	StoragePath string `json:"storage_path"`
}

// VideoStatus is the UI-facing status snapshot cached in the KV store.
type VideoStatus struct {
	JobID       string  `json:"job_id"`
	Status      string  `json:"status"`
	Progress    float64 `json:"progress,omitempty"`
	ErrorMsg    string  `json:"error_msg,omitempty"`
	DownloadURL string  `json:"download_url,omitempty"`
}

// JobStatistics aggregates the active set for the queue monitor.
type JobStatistics struct {
	Pending           int
	Assigned          int
	Processing        int
	Retrying          int
	WorkersWithJobs   int
	AvgProcessingTime time.Duration
}

// JobRepository persists the active job set and its bounded terminal history.
// Transition methods are guarded: the update applies only when the current
// status permits it and the caller's worker id matches; a lost race returns
// ErrForbidden without mutating state.
type JobRepository interface {
	Create(ctx Context, j Job) error
	Get(ctx Context, id string) (Job, error)
	Delete(ctx Context, id string) error
	ListActive(ctx Context) ([]Job, error)
	ListByWorker(ctx Context, workerID string) ([]Job, error)
	ListByUser(ctx Context, userID string, limit int) ([]Job, error)
	Assign(ctx Context, id, workerID string) (Job, error)
	Start(ctx Context, id, workerID string) (Job, error)
	Heartbeat(ctx Context, id, workerID string) error
	// Finish reports won=false when the job was already archived by an
	// earlier delivery; callers must not re-run completion side effects.
	Finish(ctx Context, id, workerID string, status JobStatus, errMsg string) (j Job, won bool, err error)
	// FailPending terminally fails a job stuck in PENDING (enqueue rollback).
	FailPending(ctx Context, id, reason string) (Job, error)
	Requeue(ctx Context, id string) (Job, error)
	Abandon(ctx Context, id, reason string) (Job, error)
}

// Queue publishes pipeline messages; delivery is at-least-once so every
// consumer must be idempotent keyed on job_id.
type Queue interface {
	PublishPrompt(ctx Context, p PromptJob) error
	PublishRender(ctx Context, p PublishJob) error
}

// QueueDepther reports the backlog of a pipeline queue.
type QueueDepther interface {
	Depth(ctx Context, topic string) (int64, error)
}

// StatusCache mirrors UI-facing snapshots into the KV store. It is a cache:
// readers that need correctness read the durable store.
type StatusCache interface {
	Put(ctx Context, s VideoStatus) error
	Get(ctx Context, jobID string) (VideoStatus, error)
}

// Context is an alias so domain signatures stay decoupled from the stdlib
// package name; adapters pass context.Context straight through.
type Context = context.Context
