package store

import (
	"context"
	"time"

	"polyvox/pkg/model"
)

// JobStore handles durable job persistence and the lifecycle transitions
// workers drive. Implementations must make AcquirePendingJob atomic: two
// concurrent claimers never receive the same job.
type JobStore interface {
	// CreateJob inserts a new PENDING job.
	CreateJob(ctx context.Context, job *model.Job) error
	// GetJob returns the job, or (nil, nil) when no such job exists.
	GetJob(ctx context.Context, id string) (*model.Job, error)
	// ListJobs returns the owner's jobs, newest first.
	ListJobs(ctx context.Context, owner string, limit int) ([]*model.Job, error)
	// AcquirePendingJob atomically claims the oldest PENDING job, moving it
	// to PROCESSING. Returns (nil, nil) when the queue is empty.
	AcquirePendingJob(ctx context.Context) (*model.Job, error)
	// CompleteJob moves a PROCESSING job to COMPLETED with its artifact and
	// the synthesis mode that produced it. Returns a ConflictError if the
	// job is not PROCESSING, so a cancel that raced the worker is never
	// overwritten.
	CompleteJob(ctx context.Context, id, resultURL, resultType string, mode model.SynthesisMode, durationMs int64) error
	// FailJob moves a PROCESSING job to FAILED with the error message.
	// Returns a ConflictError if the job is not PROCESSING.
	FailJob(ctx context.Context, id, message string) error
	// RetryJob moves a FAILED job back to PENDING, incrementing its retry
	// count. Returns a ConflictError if the job is not FAILED or the
	// retry count has reached maxRetry.
	RetryJob(ctx context.Context, id string, maxRetry int) error
	// CancelJob moves a PENDING or PROCESSING job to CANCELLED. Returns a
	// ConflictError for any other state.
	CancelJob(ctx context.Context, id string) error
	// StaleProcessingJobs returns PROCESSING jobs claimed before the
	// deadline, for the reaper to fail and requeue.
	StaleProcessingJobs(ctx context.Context, olderThan time.Duration) ([]*model.Job, error)
}
