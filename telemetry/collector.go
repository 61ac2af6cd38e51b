package telemetry

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/feedmill/ingest"
	"github.com/feedmill/ingest/hook"
	"github.com/feedmill/ingest/job"
	"github.com/feedmill/ingest/pressure"
)

// Compile-time interface checks.
var (
	_ hook.Extension          = (*Collector)(nil)
	_ hook.JobCompleted       = (*Collector)(nil)
	_ hook.JobFailed          = (*Collector)(nil)
	_ hook.JobRetrying        = (*Collector)(nil)
	_ hook.JobCancelled       = (*Collector)(nil)
	_ hook.JobCircuitRejected = (*Collector)(nil)
	_ hook.BatchCompleted     = (*Collector)(nil)
	_ hook.PressureChanged    = (*Collector)(nil)
)

// DefaultMaxEvents bounds the event buffer.
const DefaultMaxEvents = 1000

// DefaultWindow is the trailing window metrics are computed over.
const DefaultWindow = 24 * time.Hour

// Collector is the append-only telemetry log. When the buffer exceeds
// MaxEvents the oldest 25% are evicted in one step, keeping appends cheap.
// Safe for concurrent use.
type Collector struct {
	maxEvents int
	window    time.Duration

	mu     sync.Mutex
	events []Event
}

// CollectorOption configures a Collector.
type CollectorOption func(*Collector)

// WithMaxEvents bounds the buffer.
func WithMaxEvents(n int) CollectorOption {
	return func(c *Collector) { c.maxEvents = n }
}

// WithWindow sets the trailing aggregation window.
func WithWindow(d time.Duration) CollectorOption {
	return func(c *Collector) { c.window = d }
}

// NewCollector creates an empty collector.
func NewCollector(opts ...CollectorOption) *Collector {
	c := &Collector{
		maxEvents: DefaultMaxEvents,
		window:    DefaultWindow,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name implements hook.Extension.
func (c *Collector) Name() string { return "telemetry" }

// RecordEvent appends an event, evicting the oldest quarter of the buffer
// if the append pushed it past the bound.
func (c *Collector) RecordEvent(t EventType, properties map[string]string, metrics map[string]float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.events = append(c.events, Event{
		Type:       t,
		Timestamp:  time.Now(),
		Properties: properties,
		Metrics:    metrics,
	})

	if len(c.events) > c.maxEvents {
		drop := c.maxEvents / 4
		if drop < 1 {
			drop = 1
		}
		c.events = append(c.events[:0:0], c.events[drop:]...)
	}
}

// Len returns the number of buffered events.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

// Events returns a copy of the buffered events, oldest first.
func (c *Collector) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

// RecordTaskCompletion translates a terminal job outcome into an event.
func (c *Collector) RecordTaskCompletion(j *job.Job, res ingest.Result) {
	props := map[string]string{
		"source_key": j.SourceKey,
		"priority":   j.Priority.String(),
	}
	metrics := map[string]float64{
		"duration_ms": float64(res.Duration.Milliseconds()),
		"attempts":    float64(res.Attempts),
	}

	if res.OK() {
		metrics["items"] = float64(res.ItemCount)
		metrics["bytes"] = float64(res.ByteSize)
		c.RecordEvent(EventTaskCompleted, props, metrics)
		return
	}

	props["fault"] = string(res.Fault)
	if res.Err != nil {
		props["error"] = res.Err.Error()
	}
	c.RecordEvent(EventTaskFailed, props, metrics)
}

// RecordBatchCompletion translates a batch summary into an event.
func (c *Collector) RecordBatchCompletion(summary ingest.BatchSummary) {
	c.RecordEvent(EventBatchCompleted,
		map[string]string{
			"batch_id":  summary.BatchID.String(),
			"timed_out": strconv.FormatBool(summary.TimedOut),
		},
		map[string]float64{
			"total":       float64(summary.Total),
			"succeeded":   float64(summary.Succeeded),
			"failed":      float64(summary.Failed),
			"cancelled":   float64(summary.Cancelled),
			"rejected":    float64(summary.Rejected),
			"duration_ms": float64(summary.Duration.Milliseconds()),
		},
	)
}

// PerformanceMetrics recomputes the aggregate view from events inside the
// trailing window.
func (c *Collector) PerformanceMetrics() PerformanceMetrics {
	cutoff := time.Now().Add(-c.window)

	c.mu.Lock()
	events := make([]Event, len(c.events))
	copy(events, c.events)
	c.mu.Unlock()

	pm := PerformanceMetrics{Window: c.window}
	var durationSum float64
	var durationCount int

	for _, e := range events {
		if e.Timestamp.Before(cutoff) {
			continue
		}
		switch e.Type {
		case EventTaskCompleted:
			pm.Succeeded++
			pm.TotalItems += int64(e.Metrics["items"])
			pm.TotalBytes += int64(e.Metrics["bytes"])
			durationSum += e.Metrics["duration_ms"]
			durationCount++
		case EventTaskFailed:
			pm.Failed++
			durationSum += e.Metrics["duration_ms"]
			durationCount++
		case EventTaskRetried:
			pm.Retried++
		case EventTaskCancelled:
			pm.Cancelled++
		case EventCircuitRejected:
			pm.CircuitRejected++
		}
	}

	pm.TotalTasks = pm.Succeeded + pm.Failed + pm.Cancelled + pm.CircuitRejected
	if pm.Succeeded+pm.Failed > 0 {
		pm.SuccessRate = float64(pm.Succeeded) / float64(pm.Succeeded+pm.Failed)
	}
	if durationCount > 0 {
		pm.AvgDuration = time.Duration(durationSum/float64(durationCount)) * time.Millisecond
	}
	return pm
}

// export is the JSON document shape for ExportJSON.
type export struct {
	Events     []Event            `json:"events"`
	Aggregated PerformanceMetrics `json:"aggregated"`
}

// ExportJSON dumps the buffered events plus the aggregated metrics
// section as indented JSON. Timestamps are ISO-8601.
func (c *Collector) ExportJSON() ([]byte, error) {
	doc := export{
		Events:     c.Events(),
		Aggregated: c.PerformanceMetrics(),
	}
	return json.MarshalIndent(doc, "", "  ")
}

// ──────────────────────────────────────────────────
// Hook implementations
// ──────────────────────────────────────────────────

// OnJobCompleted implements hook.JobCompleted.
func (c *Collector) OnJobCompleted(_ context.Context, j *job.Job, res ingest.Result) error {
	c.RecordTaskCompletion(j, res)
	return nil
}

// OnJobFailed implements hook.JobFailed.
func (c *Collector) OnJobFailed(_ context.Context, j *job.Job, res ingest.Result) error {
	c.RecordTaskCompletion(j, res)
	return nil
}

// OnJobRetrying implements hook.JobRetrying.
func (c *Collector) OnJobRetrying(_ context.Context, j *job.Job, attempt int, nextAttempt time.Time) error {
	c.RecordEvent(EventTaskRetried,
		map[string]string{"source_key": j.SourceKey},
		map[string]float64{
			"attempt":       float64(attempt),
			"next_delay_ms": float64(time.Until(nextAttempt).Milliseconds()),
		},
	)
	return nil
}

// OnJobCancelled implements hook.JobCancelled.
func (c *Collector) OnJobCancelled(_ context.Context, j *job.Job) error {
	c.RecordEvent(EventTaskCancelled,
		map[string]string{"source_key": j.SourceKey}, nil)
	return nil
}

// OnJobCircuitRejected implements hook.JobCircuitRejected.
func (c *Collector) OnJobCircuitRejected(_ context.Context, j *job.Job) error {
	c.RecordEvent(EventCircuitRejected,
		map[string]string{"source_key": j.SourceKey}, nil)
	return nil
}

// OnBatchCompleted implements hook.BatchCompleted.
func (c *Collector) OnBatchCompleted(_ context.Context, summary ingest.BatchSummary) error {
	c.RecordBatchCompletion(summary)
	return nil
}

// OnPressureChanged implements hook.PressureChanged.
func (c *Collector) OnPressureChanged(_ context.Context, level pressure.Level) error {
	c.RecordEvent(EventPressureChanged,
		map[string]string{"level": level.String()}, nil)
	return nil
}
