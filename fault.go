package ingest

import (
	"errors"
	"fmt"
)

// FaultKind classifies why a parse operation failed.
type FaultKind string

const (
	// FaultNetwork is a transient retrieval failure (timeouts included).
	FaultNetwork FaultKind = "network"
	// FaultDecode means the document was retrieved but could not be
	// decoded. Retried the same as network faults.
	FaultDecode FaultKind = "decode"
	// FaultCircuitOpen means the job was rejected without an attempt
	// because its source's breaker is open.
	FaultCircuitOpen FaultKind = "circuit_open"
	// FaultCancelled means the job was cancelled before it started.
	FaultCancelled FaultKind = "cancelled"
	// FaultPanic means the parser panicked; treated as transient.
	FaultPanic FaultKind = "panic"
)

// Fault is an error from the parse boundary, classified for telemetry and
// retry accounting. Faults never escape the scheduler; they surface only
// through results and events.
type Fault struct {
	Kind FaultKind
	Key  string
	Err  error
}

// NewNetworkFault wraps a retrieval error.
func NewNetworkFault(key string, err error) *Fault {
	return &Fault{Kind: FaultNetwork, Key: key, Err: err}
}

// NewDecodeFault wraps a decode error.
func NewDecodeFault(key string, err error) *Fault {
	return &Fault{Kind: FaultDecode, Key: key, Err: err}
}

// Error implements error.
func (f *Fault) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("ingest: %s fault for %s", f.Kind, f.Key)
	}
	return fmt.Sprintf("ingest: %s fault for %s: %v", f.Kind, f.Key, f.Err)
}

// Unwrap returns the underlying cause.
func (f *Fault) Unwrap() error { return f.Err }

// Retryable reports whether a retry attempt may fix this fault.
// Network and decode faults are retried identically; rejections are not.
func (f *Fault) Retryable() bool {
	switch f.Kind {
	case FaultNetwork, FaultDecode, FaultPanic:
		return true
	default:
		return false
	}
}

// ClassifyFault normalizes an arbitrary parser error into a Fault.
// Errors that are not already Faults are treated as network faults, the
// conservative retryable default.
func ClassifyFault(key string, err error) *Fault {
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	return NewNetworkFault(key, err)
}
