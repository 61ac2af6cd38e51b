// Package job defines the parsing job entity: one fetch+decode request
// bound to a source key, carrying priority and retry state.
package job

import (
	"sync"
	"time"

	"github.com/feedmill/ingest"
	"github.com/feedmill/ingest/id"
	"github.com/feedmill/ingest/retry"
)

// State represents the lifecycle state of a job.
type State string

const (
	// StatePending means the job is waiting for a concurrency slot.
	StatePending State = "pending"
	// StateRunning means the parse operation is in flight.
	StateRunning State = "running"
	// StateCompleted means the job finished successfully. Terminal.
	StateCompleted State = "completed"
	// StateFailed means the job exhausted its retries. Terminal.
	StateFailed State = "failed"
	// StateCancelled means the job was removed before running. Terminal.
	StateCancelled State = "cancelled"
	// StateCircuitOpen means the job was rejected because its source's
	// breaker was open. Terminal.
	StateCircuitOpen State = "circuit_open"
)

// Terminal reports whether s is a terminal state. Terminal states are
// sticky: once entered, no further transition is accepted.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateCircuitOpen:
		return true
	default:
		return false
	}
}

// Job is one parsing request. Identity fields are set at creation and
// never change; the mutable block (state plus retry bookkeeping) always
// changes together and sits under one mutex.
type Job struct {
	ID            id.JobID
	SourceKey     string
	Priority      ingest.Priority
	CreatedAt     time.Time
	UserInitiated bool
	BatchID       id.BatchID
	RetryPolicy   retry.Policy

	mu          sync.Mutex
	state       State
	retryCount  int
	lastAttempt time.Time
	nextAttempt time.Time // backoff deadline for retry-pending jobs
	lastErr     error
}

// New creates a pending job for sourceKey.
func New(sourceKey string, priority ingest.Priority, opts ...Option) *Job {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Job{
		ID:            id.NewJobID(),
		SourceKey:     sourceKey,
		Priority:      priority,
		CreatedAt:     time.Now(),
		UserInitiated: o.userInitiated,
		BatchID:       o.batchID,
		RetryPolicy:   o.retryPolicy,
		state:         StatePending,
	}
}

// State returns the current lifecycle state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// RetryCount returns the number of failed attempts so far.
func (j *Job) RetryCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.retryCount
}

// LastError returns the error from the most recent failed attempt.
func (j *Job) LastError() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastErr
}

// IsRetryPending reports whether the job is pending because an earlier
// attempt failed.
func (j *Job) IsRetryPending() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state == StatePending && j.retryCount > 0
}

// IsReadyForRetry reports whether the backoff deadline for the next
// attempt has elapsed. Jobs that have never failed are always ready.
func (j *Job) IsReadyForRetry(now time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.retryCount == 0 {
		return true
	}
	return !now.Before(j.nextAttempt)
}

// MarkRunning transitions pending → running, recording the attempt time.
// Returns false if the job is not pending (already running, or terminal).
func (j *Job) MarkRunning(now time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != StatePending {
		return false
	}
	j.state = StateRunning
	j.lastAttempt = now
	return true
}

// MarkRetryPending returns a running job to pending after a retryable
// failure, incrementing the retry count and stamping the backoff deadline.
// Returns false if the job is not running (a late callback that raced a
// terminal transition; first terminal write wins).
func (j *Job) MarkRetryPending(now time.Time, err error) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != StateRunning {
		return false
	}
	delay := j.RetryPolicy.Delay(j.retryCount)
	j.state = StatePending
	j.retryCount++
	j.lastErr = err
	j.nextAttempt = now.Add(delay)
	return true
}

// Complete transitions to the terminal completed state.
func (j *Job) Complete() bool {
	return j.transitionTerminal(StateCompleted, nil)
}

// Fail transitions to the terminal failed state with the final error.
func (j *Job) Fail(err error) bool {
	return j.transitionTerminal(StateFailed, err)
}

// Cancel transitions a pending job to the terminal cancelled state.
// Running jobs are not preemptible; Cancel returns false for them.
func (j *Job) Cancel() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != StatePending {
		return false
	}
	j.state = StateCancelled
	return true
}

// RejectCircuitOpen transitions a pending job to the terminal
// circuit-open state.
func (j *Job) RejectCircuitOpen() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != StatePending {
		return false
	}
	j.state = StateCircuitOpen
	return true
}

func (j *Job) transitionTerminal(to State, err error) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Terminal() {
		return false
	}
	j.state = to
	if err != nil {
		j.lastErr = err
	}
	return true
}

// Snapshot is a consistent read of the mutable block, used for stats and
// selection decisions.
type Snapshot struct {
	State       State
	RetryCount  int
	LastAttempt time.Time
	NextAttempt time.Time
}

// Snap returns a consistent snapshot of the job's mutable state.
func (j *Job) Snap() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	return Snapshot{
		State:       j.state,
		RetryCount:  j.retryCount,
		LastAttempt: j.lastAttempt,
		NextAttempt: j.nextAttempt,
	}
}
