// Package breaker provides per-source failure isolation for parsing jobs.
// A persistently failing source trips its breaker open, which blocks new
// attempts until a recovery timeout elapses and a limited number of probe
// calls succeed.
package breaker

import (
	"sync"
	"time"
)

// State is the circuit breaker state.
type State string

const (
	// StateClosed means requests flow normally.
	StateClosed State = "closed"
	// StateOpen means requests are rejected until the recovery timeout
	// elapses.
	StateOpen State = "open"
	// StateHalfOpen means a limited number of probe requests are admitted
	// to test whether the source has recovered.
	StateHalfOpen State = "half_open"
)

// Config defines breaker thresholds and timing.
type Config struct {
	// FailureThreshold is the number of consecutive failures that trips
	// the breaker from closed to open.
	FailureThreshold int

	// RecoveryTimeout is how long the breaker stays open after the last
	// failure before a probe is eligible.
	RecoveryTimeout time.Duration

	// HalfOpenMaxCalls caps concurrent probe calls while half-open.
	HalfOpenMaxCalls int

	// HalfOpenSuccessThreshold is the number of probe successes required
	// to close the breaker.
	HalfOpenSuccessThreshold int
}

// DefaultConfig returns the breaker thresholds used when none are supplied:
// 5 consecutive failures, 60s recovery, 1 probe at a time, 2 successes to
// close.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:         5,
		RecoveryTimeout:          60 * time.Second,
		HalfOpenMaxCalls:         1,
		HalfOpenSuccessThreshold: 2,
	}
}

// Breaker is the failure-isolation state machine for one source key.
//
// Related fields (state, failure count, timestamps, probe counters) always
// change together, so the whole block sits under one mutex. Safe for
// concurrent use.
type Breaker struct {
	cfg Config

	mu                sync.Mutex
	state             State
	failureCount      int
	lastFailure       time.Time
	lastTouch         time.Time
	halfOpenInFlight  int
	halfOpenSuccesses int
}

// New creates a closed breaker with the given config.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = 1
	}
	if cfg.HalfOpenSuccessThreshold <= 0 {
		cfg.HalfOpenSuccessThreshold = 1
	}
	return &Breaker{cfg: cfg, state: StateClosed, lastTouch: time.Now()}
}

// State returns the current state, accounting for an elapsed recovery
// timeout (an open breaker past its timeout reports half-open).
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && time.Since(b.lastFailure) >= b.cfg.RecoveryTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Allow reports whether a request may proceed now. While half-open it also
// reserves a probe slot, so callers MUST follow up with RecordSuccess or
// RecordFailure for every true return.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastTouch = time.Now()

	switch b.state {
	case StateClosed:
		return true

	case StateOpen:
		if time.Since(b.lastFailure) < b.cfg.RecoveryTimeout {
			return false
		}
		// Recovery elapsed: move to half-open and admit this call as the
		// first probe.
		b.state = StateHalfOpen
		b.halfOpenInFlight = 1
		b.halfOpenSuccesses = 0
		return true

	case StateHalfOpen:
		if b.halfOpenInFlight >= b.cfg.HalfOpenMaxCalls {
			return false
		}
		b.halfOpenInFlight++
		return true
	}

	return false
}

// RecordSuccess notes a successful call. Enough half-open successes close
// the breaker and reset the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastTouch = time.Now()

	switch b.state {
	case StateClosed:
		b.failureCount = 0

	case StateHalfOpen:
		if b.halfOpenInFlight > 0 {
			b.halfOpenInFlight--
		}
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.cfg.HalfOpenSuccessThreshold {
			b.state = StateClosed
			b.failureCount = 0
			b.halfOpenInFlight = 0
			b.halfOpenSuccesses = 0
		}

	case StateOpen:
		// Late callback from before the trip. Ignore.
	}
}

// RecordFailure notes a failed call. Reaching the failure threshold while
// closed, or any failure while half-open, opens the breaker.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	b.lastTouch = now

	switch b.state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.state = StateOpen
			b.lastFailure = now
		}

	case StateHalfOpen:
		b.state = StateOpen
		b.lastFailure = now
		b.halfOpenInFlight = 0
		b.halfOpenSuccesses = 0

	case StateOpen:
		b.lastFailure = now
	}
}

// TimeUntilRetry returns how long until an open breaker becomes eligible
// for a probe. The second return is false when the breaker is not open.
func (b *Breaker) TimeUntilRetry() (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return 0, false
	}
	remaining := b.cfg.RecoveryTimeout - time.Since(b.lastFailure)
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true
}

// blocked reports whether the breaker currently rejects requests outright:
// open and still inside the recovery window. Half-open counts as not
// blocked even when all probe slots are busy, since the source is under
// active evaluation rather than rejected.
func (b *Breaker) blocked() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == StateOpen && time.Since(b.lastFailure) < b.cfg.RecoveryTimeout
}

// idleSince returns the last time any caller touched this breaker, plus
// whether it is safe to evict (closed with no failure history).
func (b *Breaker) idleSince() (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastTouch, b.state == StateClosed && b.failureCount == 0
}

// reset returns the breaker to closed with all counters cleared.
func (b *Breaker) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failureCount = 0
	b.halfOpenInFlight = 0
	b.halfOpenSuccesses = 0
	b.lastTouch = time.Now()
}
