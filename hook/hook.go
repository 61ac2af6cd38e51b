// Package hook defines the extension system for the ingest scheduler.
// Extensions are notified of lifecycle events (job enqueued, completed,
// circuit-rejected, pressure changes, etc.) and can react to them.
// The telemetry collector, stream broker, and metrics extension are all
// ordinary extensions.
//
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
package hook

import (
	"context"
	"time"

	"github.com/feedmill/ingest"
	"github.com/feedmill/ingest/job"
	"github.com/feedmill/ingest/pressure"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Job lifecycle hooks
// ──────────────────────────────────────────────────

// JobEnqueued is called after a job is admitted to the pending set.
type JobEnqueued interface {
	OnJobEnqueued(ctx context.Context, j *job.Job) error
}

// JobStarted is called when a job's parse operation launches.
type JobStarted interface {
	OnJobStarted(ctx context.Context, j *job.Job) error
}

// JobCompleted is called after a job finishes successfully.
type JobCompleted interface {
	OnJobCompleted(ctx context.Context, j *job.Job, res ingest.Result) error
}

// JobFailed is called when a job fails terminally (retries exhausted).
type JobFailed interface {
	OnJobFailed(ctx context.Context, j *job.Job, res ingest.Result) error
}

// JobRetrying is called when a job fails but returns to pending with a
// backoff deadline.
type JobRetrying interface {
	OnJobRetrying(ctx context.Context, j *job.Job, attempt int, nextAttempt time.Time) error
}

// JobCancelled is called when a pending job is cancelled.
type JobCancelled interface {
	OnJobCancelled(ctx context.Context, j *job.Job) error
}

// JobCircuitRejected is called when a job is rejected at enqueue because
// its source's breaker is open.
type JobCircuitRejected interface {
	OnJobCircuitRejected(ctx context.Context, j *job.Job) error
}

// ──────────────────────────────────────────────────
// Batch and environment hooks
// ──────────────────────────────────────────────────

// BatchCompleted is called when the last member of an enqueue batch
// reaches a terminal state, or when the batch timeout fires.
type BatchCompleted interface {
	OnBatchCompleted(ctx context.Context, summary ingest.BatchSummary) error
}

// PressureChanged is called when the effective memory pressure level moves.
type PressureChanged interface {
	OnPressureChanged(ctx context.Context, level pressure.Level) error
}

// Shutdown is called during graceful scheduler shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
