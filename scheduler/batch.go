package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/feedmill/ingest"
	"github.com/feedmill/ingest/id"
	"github.com/feedmill/ingest/job"
)

// memberOutcome is how one batch member reached a terminal state.
type memberOutcome int

const (
	memberSucceeded memberOutcome = iota
	memberFailed
	memberCancelled
	memberRejected
)

// batchTracker follows one EnqueueBatch chunk until every member settles.
// A tracker starts unsealed while the chunk is being admitted; members
// that settle before sealing (circuit rejections) are counted but cannot
// finalize the batch until the total is known.
type batchTracker struct {
	id        id.BatchID
	startedAt time.Time
	timer     *time.Timer

	sealed bool
	done   bool
	total  int

	succeeded int
	failed    int
	cancelled int
	rejected  int
}

// settled returns how many members have reached a terminal state.
func (bt *batchTracker) settled() int {
	return bt.succeeded + bt.failed + bt.cancelled + bt.rejected
}

// summary builds the batch summary for emission.
func (bt *batchTracker) summary(timedOut bool) ingest.BatchSummary {
	return ingest.BatchSummary{
		BatchID:   bt.id,
		Total:     bt.total,
		Succeeded: bt.succeeded,
		Failed:    bt.failed,
		Cancelled: bt.cancelled,
		Rejected:  bt.rejected,
		TimedOut:  timedOut,
		Duration:  time.Since(bt.startedAt),
		StartedAt: bt.startedAt,
	}
}

// openBatch registers an unsealed tracker and arms the batch timeout.
func (s *Scheduler) openBatch() id.BatchID {
	batchID := id.NewBatchID()
	bt := &batchTracker{
		id:        batchID,
		startedAt: time.Now(),
	}
	if s.cfg.BatchTimeout > 0 {
		key := batchID.String()
		bt.timer = time.AfterFunc(s.cfg.BatchTimeout, func() {
			s.batchTimedOut(key)
		})
	}

	s.mu.Lock()
	s.batches[batchID.String()] = bt
	s.mu.Unlock()
	return batchID
}

// countBatchMember records an early-terminal member (a circuit rejection
// during admission) against its still-unsealed tracker.
func (s *Scheduler) countBatchMember(batchID id.BatchID, outcome memberOutcome) {
	s.mu.Lock()
	if bt, ok := s.batches[batchID.String()]; ok && !bt.done {
		bt.apply(outcome)
	}
	s.mu.Unlock()
}

// sealBatch fixes the member count once the whole chunk has been
// admitted. A batch whose members all deduped away is dropped without a
// summary; a batch whose members all settled during admission is
// finalized here.
func (s *Scheduler) sealBatch(ctx context.Context, batchID id.BatchID, members int) {
	s.mu.Lock()
	bt, ok := s.batches[batchID.String()]
	if !ok {
		s.mu.Unlock()
		return
	}
	if members == 0 {
		bt.done = true
		if bt.timer != nil {
			bt.timer.Stop()
		}
		delete(s.batches, batchID.String())
		s.mu.Unlock()
		return
	}
	bt.total = members
	bt.sealed = true
	var summary *ingest.BatchSummary
	if bt.settled() >= bt.total {
		summary = s.finalizeBatchLocked(bt, false)
	}
	s.mu.Unlock()

	if summary != nil {
		s.hooks.EmitBatchCompleted(ctx, *summary)
	}
}

// batchMemberDone records a terminal member and finalizes the batch when
// the last one settles. Caller holds s.mu and emits the returned summary
// after unlocking.
func (s *Scheduler) batchMemberDone(j *job.Job, outcome memberOutcome) *ingest.BatchSummary {
	if j.BatchID.IsNil() {
		return nil
	}
	bt, ok := s.batches[j.BatchID.String()]
	if !ok || bt.done {
		return nil
	}
	bt.apply(outcome)
	if bt.sealed && bt.settled() >= bt.total {
		return s.finalizeBatchLocked(bt, false)
	}
	return nil
}

// apply increments the counter for one member outcome.
func (bt *batchTracker) apply(outcome memberOutcome) {
	switch outcome {
	case memberSucceeded:
		bt.succeeded++
	case memberFailed:
		bt.failed++
	case memberCancelled:
		bt.cancelled++
	case memberRejected:
		bt.rejected++
	}
}

// finalizeBatchLocked closes the tracker and builds its summary. Caller
// holds s.mu.
func (s *Scheduler) finalizeBatchLocked(bt *batchTracker, timedOut bool) *ingest.BatchSummary {
	bt.done = true
	if bt.timer != nil {
		bt.timer.Stop()
	}
	delete(s.batches, bt.id.String())
	summary := bt.summary(timedOut)
	return &summary
}

// batchTimedOut force-finalizes a batch whose members are still in
// flight when the batch timeout fires.
func (s *Scheduler) batchTimedOut(key string) {
	s.mu.Lock()
	bt, ok := s.batches[key]
	if !ok || bt.done {
		s.mu.Unlock()
		return
	}
	summary := s.finalizeBatchLocked(bt, true)
	s.mu.Unlock()

	s.logger.Warn("batch timed out",
		slog.String("batch_id", key),
		slog.Int("settled", summary.Succeeded+summary.Failed+summary.Cancelled+summary.Rejected),
		slog.Int("total", summary.Total),
	)
	s.hooks.EmitBatchCompleted(context.Background(), *summary)
}
