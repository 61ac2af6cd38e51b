package ingest

import (
	"time"

	"github.com/feedmill/ingest/breaker"
	"github.com/feedmill/ingest/retry"
)

// Config holds configuration for the Scheduler.
type Config struct {
	// MaxConcurrentOperations is the total number of parse operations that
	// may run at once, before memory pressure shrinks it.
	MaxConcurrentOperations int

	// HighPriorityLimit caps concurrent high-priority jobs.
	HighPriorityLimit int

	// NormalPriorityLimit caps concurrent normal-priority jobs.
	NormalPriorityLimit int

	// LowPriorityLimit caps concurrent low-priority jobs. A non-zero cap
	// keeps low-priority work flowing instead of being starved outright.
	LowPriorityLimit int

	// RetryPolicy is the default backoff for jobs that don't carry their own.
	RetryPolicy retry.Policy

	// Breaker configures the per-source circuit breakers.
	Breaker breaker.Config

	// BatchSize splits a large EnqueueBatch into separately tracked
	// batches. Zero means one batch regardless of size.
	BatchSize int

	// BatchTimeout force-finalizes a batch summary even if some members
	// are still in flight. Zero disables the timeout.
	BatchTimeout time.Duration

	// PollInterval is how long the processing loop sleeps when it has
	// nothing eligible to launch.
	PollInterval time.Duration

	// HistorySize bounds the completed-job history ring.
	HistorySize int

	// ShutdownTimeout is the maximum time Stop waits for in-flight jobs.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentOperations: 8,
		HighPriorityLimit:       4,
		NormalPriorityLimit:     3,
		LowPriorityLimit:        2,
		RetryPolicy:             retry.Default(),
		Breaker:                 breaker.DefaultConfig(),
		BatchSize:               0,
		BatchTimeout:            5 * time.Minute,
		PollInterval:            100 * time.Millisecond,
		HistorySize:             256,
		ShutdownTimeout:         30 * time.Second,
	}
}

// TierLimit returns the concurrency cap for a priority tier.
func (c Config) TierLimit(p Priority) int {
	switch p {
	case PriorityHigh:
		return c.HighPriorityLimit
	case PriorityNormal:
		return c.NormalPriorityLimit
	case PriorityLow:
		return c.LowPriorityLimit
	default:
		return 0
	}
}
