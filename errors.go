package ingest

import "errors"

var (
	// ErrNoParser is returned by the scheduler constructor when no Parser
	// is supplied.
	ErrNoParser = errors.New("ingest: no parser configured")

	// ErrStopped is returned when an operation is attempted on a stopped
	// scheduler.
	ErrStopped = errors.New("ingest: scheduler stopped")

	// ErrJobNotFound is returned when a job lookup misses.
	ErrJobNotFound = errors.New("ingest: job not found")

	// ErrInvalidTransition is returned when a job state change is rejected,
	// typically because the job already reached a terminal state.
	ErrInvalidTransition = errors.New("ingest: invalid state transition")
)
