// Package ingest is the concurrent scheduling core of a feed-ingestion
// client. It accepts parsing jobs (fetch and decode a remote document,
// keyed by source) and runs them under bounded concurrency, priority
// ordering, per-source circuit breaking, retry with backoff, and
// memory-pressure-adaptive throttling.
//
// Ingest is a library, not a service. The fetch+decode operation itself is
// supplied by the host through the Parser interface; everything else
// (admission, ordering, retries, failure isolation, observability streams)
// is handled here.
//
// # Quick Start
//
//	s, err := scheduler.New(parser,
//	    scheduler.WithConfig(ingest.DefaultConfig()),
//	)
//	if err != nil {
//	    return err
//	}
//	s.Start(ctx)
//	defer s.Stop(ctx)
//
//	s.Enqueue(ctx, "example.com/feed.xml", ingest.PriorityHigh,
//	    job.WithUserInitiated(true))
//
// # Architecture
//
// The scheduler serializes all bookkeeping through one coarse lock; job
// execution runs on independent goroutines that rejoin at completion.
// Subsystems communicate through lifecycle hooks (package hook): the
// telemetry collector, the stream broker, and the OTel metrics extension
// are all ordinary hook extensions.
package ingest
