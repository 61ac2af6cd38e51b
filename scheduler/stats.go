package scheduler

import (
	"sort"

	"github.com/feedmill/ingest"
	"github.com/feedmill/ingest/pressure"
)

// Stats is a point-in-time snapshot of the scheduler's queues and
// counters. It is derived on demand and never independently mutated.
type Stats struct {
	// Pending is the number of jobs waiting for a slot, including
	// retry-pending jobs inside their backoff window.
	Pending int `json:"pending"`

	// PendingByPriority breaks the pending count down per tier.
	PendingByPriority map[ingest.Priority]int `json:"pending_by_priority"`

	// RetryPending counts pending jobs that already failed at least once.
	RetryPending int `json:"retry_pending"`

	// Running is the number of parses currently in flight.
	Running int `json:"running"`

	// Terminal outcome totals since construction.
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Cancelled int64 `json:"cancelled"`
	Rejected  int64 `json:"rejected"`

	// Paused reports whether admissions are stopped.
	Paused bool `json:"paused"`

	// PressureLevel is the effective memory pressure level.
	PressureLevel pressure.Level `json:"pressure_level"`

	// BlockedSources lists source keys whose breakers currently reject
	// requests, sorted for stable output.
	BlockedSources []string `json:"blocked_sources"`
}

// Stats returns a consistent snapshot of queue statistics.
func (s *Scheduler) Stats() Stats {
	// Breaker and pressure state live behind their own locks; read them
	// outside s.mu to keep lock ordering trivial.
	blockedSet := s.breakers.BlockedKeys()
	blocked := make([]string, 0, len(blockedSet))
	for key := range blockedSet {
		blocked = append(blocked, key)
	}
	sort.Strings(blocked)
	level := s.monitor.Level()

	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		Pending:           len(s.pending),
		PendingByPriority: make(map[ingest.Priority]int, len(ingest.Priorities)),
		Running:           len(s.active),
		Completed:         s.completedCount,
		Failed:            s.failedCount,
		Cancelled:         s.cancelledCount,
		Rejected:          s.rejectedCount,
		Paused:            s.paused,
		PressureLevel:     level,
		BlockedSources:    blocked,
	}
	for _, j := range s.pending {
		st.PendingByPriority[j.Priority]++
		if j.IsRetryPending() {
			st.RetryPending++
		}
	}
	return st
}

// History returns a copy of the completed-job result ring, oldest first.
func (s *Scheduler) History() []ingest.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ingest.Result, len(s.history))
	copy(out, s.history)
	return out
}

// pushHistory appends a terminal result, evicting the oldest entry when
// the ring is full. Caller holds s.mu.
func (s *Scheduler) pushHistory(res ingest.Result) {
	if s.cfg.HistorySize <= 0 {
		return
	}
	if len(s.history) >= s.cfg.HistorySize {
		copy(s.history, s.history[1:])
		s.history = s.history[:len(s.history)-1]
	}
	s.history = append(s.history, res)
}
