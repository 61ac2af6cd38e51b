// Package telemetry records scheduler occurrences in a bounded in-memory
// event log and derives windowed performance metrics from it.
package telemetry

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of telemetry event.
type EventType string

const (
	// EventTaskCompleted records a successful parse.
	EventTaskCompleted EventType = "task.completed"
	// EventTaskFailed records a terminal failure.
	EventTaskFailed EventType = "task.failed"
	// EventTaskRetried records a failed attempt that will retry.
	EventTaskRetried EventType = "task.retried"
	// EventTaskCancelled records a cancellation.
	EventTaskCancelled EventType = "task.cancelled"
	// EventCircuitRejected records an enqueue rejected by an open breaker.
	EventCircuitRejected EventType = "task.circuit_rejected"
	// EventBatchCompleted records a finished enqueue batch.
	EventBatchCompleted EventType = "batch.completed"
	// EventPressureChanged records a memory pressure transition.
	EventPressureChanged EventType = "pressure.changed"
)

// Event is one structured record of a scheduler occurrence.
type Event struct {
	Type       EventType          `json:"type"`
	Timestamp  time.Time          `json:"ts"`
	Properties map[string]string  `json:"properties,omitempty"`
	Metrics    map[string]float64 `json:"metrics,omitempty"`
}

// MarshalJSON emits the timestamp in ISO-8601 (RFC 3339) form.
func (e Event) MarshalJSON() ([]byte, error) {
	type alias struct {
		Type       EventType          `json:"type"`
		Timestamp  string             `json:"ts"`
		Properties map[string]string  `json:"properties,omitempty"`
		Metrics    map[string]float64 `json:"metrics,omitempty"`
	}
	return json.Marshal(alias{
		Type:       e.Type,
		Timestamp:  e.Timestamp.UTC().Format(time.RFC3339Nano),
		Properties: e.Properties,
		Metrics:    e.Metrics,
	})
}

// PerformanceMetrics is an always-fresh aggregation over the trailing
// window of events. It is recomputed on demand rather than incremented,
// so ring-buffer eviction can never leave counters out of sync.
type PerformanceMetrics struct {
	Window          time.Duration `json:"-"`
	TotalTasks      int           `json:"total_tasks"`
	Succeeded       int           `json:"succeeded"`
	Failed          int           `json:"failed"`
	Retried         int           `json:"retried"`
	Cancelled       int           `json:"cancelled"`
	CircuitRejected int           `json:"circuit_rejected"`
	SuccessRate     float64       `json:"success_rate"`
	AvgDuration     time.Duration `json:"avg_duration_ns"`
	TotalItems      int64         `json:"total_items"`
	TotalBytes      int64         `json:"total_bytes"`
}
