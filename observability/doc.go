// Package observability provides an OpenTelemetry metrics extension for
// the ingest scheduler. The MetricsExtension implements lifecycle hooks
// to record system-wide counters for job enqueue, completion, failure,
// retry, cancellation, and circuit rejection, plus a parse-duration
// histogram and a gauge for the effective memory pressure level.
package observability
