package job_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/feedmill/ingest"
	"github.com/feedmill/ingest/job"
	"github.com/feedmill/ingest/retry"
)

func newTestJob(t *testing.T) *job.Job {
	t.Helper()
	return job.New("https://example.com/feed.xml", ingest.PriorityNormal,
		job.WithRetryPolicy(retry.Policy{MaxRetries: 3, BaseDelay: 10 * time.Millisecond, MaxDelay: time.Second}),
	)
}

func TestNew_StartsPending(t *testing.T) {
	j := newTestJob(t)

	if j.State() != job.StatePending {
		t.Errorf("state = %v, want pending", j.State())
	}
	if j.ID.IsNil() {
		t.Error("job has nil ID")
	}
	if j.RetryCount() != 0 {
		t.Errorf("retry count = %d, want 0", j.RetryCount())
	}
}

func TestJob_RunCompleteLifecycle(t *testing.T) {
	j := newTestJob(t)

	if !j.MarkRunning(time.Now()) {
		t.Fatal("MarkRunning failed on pending job")
	}
	if j.State() != job.StateRunning {
		t.Fatalf("state = %v, want running", j.State())
	}
	if !j.Complete() {
		t.Fatal("Complete failed on running job")
	}
	if j.State() != job.StateCompleted {
		t.Errorf("state = %v, want completed", j.State())
	}
}

func TestJob_TerminalStatesAreSticky(t *testing.T) {
	tests := []struct {
		name  string
		enter func(j *job.Job)
		want  job.State
	}{
		{"completed", func(j *job.Job) { j.MarkRunning(time.Now()); j.Complete() }, job.StateCompleted},
		{"failed", func(j *job.Job) { j.MarkRunning(time.Now()); j.Fail(errors.New("boom")) }, job.StateFailed},
		{"cancelled", func(j *job.Job) { j.Cancel() }, job.StateCancelled},
		{"circuit_open", func(j *job.Job) { j.RejectCircuitOpen() }, job.StateCircuitOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := newTestJob(t)
			tt.enter(j)

			if j.State() != tt.want {
				t.Fatalf("state = %v, want %v", j.State(), tt.want)
			}

			// Every further transition must be rejected.
			if j.MarkRunning(time.Now()) {
				t.Error("MarkRunning accepted after terminal state")
			}
			if j.Complete() {
				t.Error("Complete accepted after terminal state")
			}
			if j.Fail(errors.New("late")) {
				t.Error("Fail accepted after terminal state")
			}
			if j.Cancel() {
				t.Error("Cancel accepted after terminal state")
			}
			if j.RejectCircuitOpen() {
				t.Error("RejectCircuitOpen accepted after terminal state")
			}
			if j.MarkRetryPending(time.Now(), errors.New("late")) {
				t.Error("MarkRetryPending accepted after terminal state")
			}
			if j.State() != tt.want {
				t.Errorf("state mutated to %v after terminal %v", j.State(), tt.want)
			}
		})
	}
}

func TestJob_CancelOnlyWhenPending(t *testing.T) {
	j := newTestJob(t)
	j.MarkRunning(time.Now())

	if j.Cancel() {
		t.Error("Cancel accepted on a running job")
	}
	if j.State() != job.StateRunning {
		t.Errorf("state = %v, want running", j.State())
	}
}

func TestJob_RetryPendingGatesOnBackoffDeadline(t *testing.T) {
	j := newTestJob(t)
	now := time.Now()

	j.MarkRunning(now)
	if !j.MarkRetryPending(now, errors.New("network")) {
		t.Fatal("MarkRetryPending failed on running job")
	}

	if j.State() != job.StatePending {
		t.Fatalf("state = %v, want pending", j.State())
	}
	if !j.IsRetryPending() {
		t.Error("IsRetryPending = false after a retryable failure")
	}
	if j.RetryCount() != 1 {
		t.Errorf("retry count = %d, want 1", j.RetryCount())
	}
	if j.IsReadyForRetry(now) {
		t.Error("ready for retry immediately; backoff deadline should gate it")
	}
	if !j.IsReadyForRetry(now.Add(time.Minute)) {
		t.Error("not ready for retry after the deadline elapsed")
	}
}

func TestJob_FirstTerminalWriteWins(t *testing.T) {
	// A cancel racing the completion callback: whichever lands first
	// sticks, and the loser is rejected.
	j := newTestJob(t)
	j.MarkRunning(time.Now())

	var wg sync.WaitGroup
	results := make([]bool, 2)
	wg.Add(2)
	go func() { defer wg.Done(); results[0] = j.Complete() }()
	go func() { defer wg.Done(); results[1] = j.Fail(errors.New("late")) }()
	wg.Wait()

	if results[0] == results[1] {
		t.Fatalf("exactly one terminal write should win, got %v and %v", results[0], results[1])
	}
	if !j.State().Terminal() {
		t.Errorf("state = %v, want a terminal state", j.State())
	}
}

func TestJob_SnapshotIsConsistent(t *testing.T) {
	j := newTestJob(t)
	now := time.Now()
	j.MarkRunning(now)
	j.MarkRetryPending(now, errors.New("x"))

	snap := j.Snap()
	if snap.State != job.StatePending {
		t.Errorf("snapshot state = %v, want pending", snap.State)
	}
	if snap.RetryCount != 1 {
		t.Errorf("snapshot retry count = %d, want 1", snap.RetryCount)
	}
	if !snap.NextAttempt.After(now) {
		t.Error("snapshot next attempt not after the failure time")
	}
}

func TestState_Terminal(t *testing.T) {
	terminal := []job.State{job.StateCompleted, job.StateFailed, job.StateCancelled, job.StateCircuitOpen}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%v.Terminal() = false, want true", s)
		}
	}
	for _, s := range []job.State{job.StatePending, job.StateRunning} {
		if s.Terminal() {
			t.Errorf("%v.Terminal() = true, want false", s)
		}
	}
}
