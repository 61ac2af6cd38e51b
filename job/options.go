package job

import (
	"github.com/feedmill/ingest/id"
	"github.com/feedmill/ingest/retry"
)

// Options configures per-job behavior.
type Options struct {
	userInitiated bool
	batchID       id.BatchID
	retryPolicy   retry.Policy
}

func defaultOptions() Options {
	return Options{retryPolicy: retry.Default()}
}

// Option is a functional option for configuring a job.
type Option func(*Options)

// WithUserInitiated flags the job as work the user is waiting on.
// Within a priority tier, user-initiated jobs win createdAt ties.
func WithUserInitiated(v bool) Option {
	return func(o *Options) { o.userInitiated = v }
}

// WithBatch stamps the job as a member of an enqueue batch.
func WithBatch(batchID id.BatchID) Option {
	return func(o *Options) { o.batchID = batchID }
}

// WithRetryPolicy overrides the default backoff policy for this job.
func WithRetryPolicy(p retry.Policy) Option {
	return func(o *Options) { o.retryPolicy = p }
}
