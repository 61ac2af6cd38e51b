// Package stream fans scheduler lifecycle events out to subscribers via
// topic-based pub/sub. It bridges the hook system to three consumer-facing
// streams: progress events, per-job terminal results, and batch summaries.
//
// Each subscriber owns a lazy, possibly-infinite channel. Streams are not
// restartable: events published before a subscription are gone.
package stream

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of lifecycle event.
type EventType string

const (
	// Progress events.
	EventJobEnqueued EventType = "job.enqueued"
	EventJobStarted  EventType = "job.started"
	EventJobRetrying EventType = "job.retrying"

	// Terminal per-job results.
	EventJobCompleted       EventType = "job.completed"
	EventJobFailed          EventType = "job.failed"
	EventJobCancelled       EventType = "job.cancelled"
	EventJobCircuitRejected EventType = "job.circuit_rejected"

	// Batch summaries.
	EventBatchCompleted EventType = "batch.completed"

	// Environment.
	EventPressureChanged EventType = "pressure.changed"
)

// terminal reports whether the event type is a terminal job result.
func (t EventType) terminal() bool {
	switch t {
	case EventJobCompleted, EventJobFailed, EventJobCancelled, EventJobCircuitRejected:
		return true
	default:
		return false
	}
}

// Event is the envelope sent to subscribers on a topic channel.
type Event struct {
	// Type identifies the lifecycle event.
	Type EventType `json:"type"`

	// Timestamp is when the event was emitted.
	Timestamp time.Time `json:"ts"`

	// Topic is the entity channel this event was published on.
	Topic string `json:"topic"`

	// Data is the event-specific payload.
	Data json.RawMessage `json:"data"`
}

// JobEventData is the payload for job lifecycle events.
type JobEventData struct {
	JobID         string `json:"job_id"`
	SourceKey     string `json:"source_key"`
	Priority      string `json:"priority"`
	UserInitiated bool   `json:"user_initiated,omitempty"`
	Attempt       int    `json:"attempt,omitempty"`
	NextAttemptAt string `json:"next_attempt_at,omitempty"`
	ElapsedMs     int64  `json:"elapsed_ms,omitempty"`
	ItemCount     int    `json:"item_count,omitempty"`
	ByteSize      int64  `json:"byte_size,omitempty"`
	Fault         string `json:"fault,omitempty"`
	Error         string `json:"error,omitempty"`
}

// BatchEventData is the payload for batch summary events.
type BatchEventData struct {
	BatchID   string `json:"batch_id"`
	Total     int    `json:"total"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	Cancelled int    `json:"cancelled"`
	Rejected  int    `json:"rejected"`
	TimedOut  bool   `json:"timed_out,omitempty"`
	ElapsedMs int64  `json:"elapsed_ms"`
}

// PressureEventData is the payload for pressure change events.
type PressureEventData struct {
	Level string `json:"level"`
}
