package ingest

import (
	"time"

	"github.com/feedmill/ingest/id"
)

// Result is the terminal outcome of one job, delivered on the result
// stream and kept in the completed-history ring.
type Result struct {
	JobID     id.JobID   `json:"job_id"`
	BatchID   id.BatchID `json:"batch_id"`
	SourceKey string     `json:"source_key"`
	Priority  Priority   `json:"priority"`

	// Attempts is the total number of parse attempts made (0 when the job
	// never ran, e.g. cancelled or circuit-rejected).
	Attempts int `json:"attempts"`

	// Duration is the wall time of the final attempt.
	Duration time.Duration `json:"duration"`

	// ItemCount and ByteSize come from the parsed content on success.
	ItemCount int   `json:"item_count"`
	ByteSize  int64 `json:"byte_size"`

	// Fault is set when the job did not complete successfully.
	Fault FaultKind `json:"fault,omitempty"`

	// Err is the final error, nil on success. Not serialized; the fault
	// kind and message travel through telemetry instead.
	Err error `json:"-"`

	FinishedAt time.Time `json:"finished_at"`
}

// OK reports whether the job completed successfully.
func (r Result) OK() bool { return r.Err == nil && r.Fault == "" }

// BatchSummary aggregates the outcomes of one EnqueueBatch call. It is
// emitted when the last member job reaches a terminal state, or earlier
// with TimedOut set when the batch timeout fires first.
type BatchSummary struct {
	BatchID   id.BatchID    `json:"batch_id"`
	Total     int           `json:"total"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Cancelled int           `json:"cancelled"`
	Rejected  int           `json:"rejected"` // circuit-open rejections
	TimedOut  bool          `json:"timed_out,omitempty"`
	Duration  time.Duration `json:"duration"`
	StartedAt time.Time     `json:"started_at"`
}
