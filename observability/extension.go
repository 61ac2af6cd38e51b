package observability

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/feedmill/ingest"
	"github.com/feedmill/ingest/hook"
	"github.com/feedmill/ingest/job"
	"github.com/feedmill/ingest/pressure"
)

// Compile-time interface checks.
var (
	_ hook.Extension          = (*MetricsExtension)(nil)
	_ hook.JobEnqueued        = (*MetricsExtension)(nil)
	_ hook.JobCompleted       = (*MetricsExtension)(nil)
	_ hook.JobFailed          = (*MetricsExtension)(nil)
	_ hook.JobRetrying        = (*MetricsExtension)(nil)
	_ hook.JobCancelled       = (*MetricsExtension)(nil)
	_ hook.JobCircuitRejected = (*MetricsExtension)(nil)
	_ hook.BatchCompleted     = (*MetricsExtension)(nil)
	_ hook.PressureChanged    = (*MetricsExtension)(nil)
)

// scopeName identifies this instrumentation scope to the meter provider.
const scopeName = "github.com/feedmill/ingest/observability"

// MetricsExtension records system-wide lifecycle metrics via OpenTelemetry.
// Register it as a scheduler extension to automatically track enqueue rates,
// completion counts, failure rates, retries, circuit rejections, batch
// completions, parse durations, and the current memory pressure level.
type MetricsExtension struct {
	jobEnqueued     metric.Int64Counter
	jobCompleted    metric.Int64Counter
	jobFailed       metric.Int64Counter
	jobRetried      metric.Int64Counter
	jobCancelled    metric.Int64Counter
	circuitRejected metric.Int64Counter
	batchCompleted  metric.Int64Counter
	itemsIngested   metric.Int64Counter
	parseDuration   metric.Float64Histogram

	// pressureLevel feeds the observable gauge registered at construction.
	pressureLevel atomic.Int64
}

// NewMetricsExtension creates a MetricsExtension using the global meter
// provider.
func NewMetricsExtension() (*MetricsExtension, error) {
	return NewMetricsExtensionWithMeter(otel.Meter(scopeName))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension with the provided
// meter. Pass a meter backed by a manual reader for testing.
func NewMetricsExtensionWithMeter(meter metric.Meter) (*MetricsExtension, error) {
	m := &MetricsExtension{}

	var err error
	if m.jobEnqueued, err = meter.Int64Counter("ingest.job.enqueued",
		metric.WithDescription("Jobs admitted to the pending set")); err != nil {
		return nil, fmt.Errorf("observability: create counter: %w", err)
	}
	if m.jobCompleted, err = meter.Int64Counter("ingest.job.completed",
		metric.WithDescription("Jobs that finished successfully")); err != nil {
		return nil, fmt.Errorf("observability: create counter: %w", err)
	}
	if m.jobFailed, err = meter.Int64Counter("ingest.job.failed",
		metric.WithDescription("Jobs that failed terminally")); err != nil {
		return nil, fmt.Errorf("observability: create counter: %w", err)
	}
	if m.jobRetried, err = meter.Int64Counter("ingest.job.retried",
		metric.WithDescription("Retry attempts scheduled")); err != nil {
		return nil, fmt.Errorf("observability: create counter: %w", err)
	}
	if m.jobCancelled, err = meter.Int64Counter("ingest.job.cancelled",
		metric.WithDescription("Pending jobs cancelled")); err != nil {
		return nil, fmt.Errorf("observability: create counter: %w", err)
	}
	if m.circuitRejected, err = meter.Int64Counter("ingest.job.circuit_rejected",
		metric.WithDescription("Jobs rejected because the source breaker was open")); err != nil {
		return nil, fmt.Errorf("observability: create counter: %w", err)
	}
	if m.batchCompleted, err = meter.Int64Counter("ingest.batch.completed",
		metric.WithDescription("Batches that reached completion")); err != nil {
		return nil, fmt.Errorf("observability: create counter: %w", err)
	}
	if m.itemsIngested, err = meter.Int64Counter("ingest.items",
		metric.WithDescription("Feed items produced by successful parses")); err != nil {
		return nil, fmt.Errorf("observability: create counter: %w", err)
	}
	if m.parseDuration, err = meter.Float64Histogram("ingest.parse.duration",
		metric.WithDescription("Wall time of successful parse operations"),
		metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("observability: create histogram: %w", err)
	}

	_, err = meter.Int64ObservableGauge("ingest.pressure.level",
		metric.WithDescription("Effective memory pressure level (0=normal, 1=warning, 2=critical)"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(m.pressureLevel.Load())
			return nil
		}))
	if err != nil {
		return nil, fmt.Errorf("observability: create gauge: %w", err)
	}
	return m, nil
}

// Name implements hook.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// priorityAttr tags a measurement with the job's priority tier.
func priorityAttr(j *job.Job) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("priority", j.Priority.String()))
}

// ── Job lifecycle hooks ─────────────────────────────

// OnJobEnqueued implements hook.JobEnqueued.
func (m *MetricsExtension) OnJobEnqueued(ctx context.Context, j *job.Job) error {
	m.jobEnqueued.Add(ctx, 1, priorityAttr(j))
	return nil
}

// OnJobCompleted implements hook.JobCompleted.
func (m *MetricsExtension) OnJobCompleted(ctx context.Context, j *job.Job, res ingest.Result) error {
	m.jobCompleted.Add(ctx, 1, priorityAttr(j))
	m.itemsIngested.Add(ctx, int64(res.ItemCount), priorityAttr(j))
	m.parseDuration.Record(ctx, res.Duration.Seconds(), priorityAttr(j))
	return nil
}

// OnJobFailed implements hook.JobFailed.
func (m *MetricsExtension) OnJobFailed(ctx context.Context, j *job.Job, res ingest.Result) error {
	m.jobFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("priority", j.Priority.String()),
		attribute.String("fault", string(res.Fault)),
	))
	return nil
}

// OnJobRetrying implements hook.JobRetrying.
func (m *MetricsExtension) OnJobRetrying(ctx context.Context, j *job.Job, _ int, _ time.Time) error {
	m.jobRetried.Add(ctx, 1, priorityAttr(j))
	return nil
}

// OnJobCancelled implements hook.JobCancelled.
func (m *MetricsExtension) OnJobCancelled(ctx context.Context, j *job.Job) error {
	m.jobCancelled.Add(ctx, 1, priorityAttr(j))
	return nil
}

// OnJobCircuitRejected implements hook.JobCircuitRejected.
func (m *MetricsExtension) OnJobCircuitRejected(ctx context.Context, j *job.Job) error {
	m.circuitRejected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("priority", j.Priority.String()),
		attribute.String("source", j.SourceKey),
	))
	return nil
}

// ── Batch and environment hooks ─────────────────────

// OnBatchCompleted implements hook.BatchCompleted.
func (m *MetricsExtension) OnBatchCompleted(ctx context.Context, summary ingest.BatchSummary) error {
	m.batchCompleted.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("timed_out", summary.TimedOut),
	))
	return nil
}

// OnPressureChanged implements hook.PressureChanged.
func (m *MetricsExtension) OnPressureChanged(_ context.Context, level pressure.Level) error {
	m.pressureLevel.Store(int64(level))
	return nil
}
