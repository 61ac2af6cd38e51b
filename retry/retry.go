// Package retry provides the backoff policy used when a parsing job fails
// with a transient fault. Policies are stateless and safe for concurrent use.
package retry

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before a retry attempt.
type Strategy interface {
	// Delay returns how long to wait before retry attempt n (0-indexed).
	// Attempt 0 is the first retry after the initial failure.
	Delay(attempt int) time.Duration
}

// Policy is an exponential backoff with a hard cap and symmetric jitter.
// Delay(n) = clamp(BaseDelay * 2^n, 0, MaxDelay) randomized by
// +/- JitterFactor, floored at zero.
type Policy struct {
	// MaxRetries is the number of retry attempts before a job fails
	// terminally.
	MaxRetries int

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps the exponential growth. Zero means no cap.
	MaxDelay time.Duration

	// JitterFactor randomizes each delay by +/- this fraction.
	// 0.2 means the delay varies within [0.8d, 1.2d].
	JitterFactor float64
}

// Default returns the policy used when a job does not carry its own:
// 5 retries, 1s base, 16s cap, 20% jitter.
func Default() Policy {
	return Policy{
		MaxRetries:   5,
		BaseDelay:    time.Second,
		MaxDelay:     16 * time.Second,
		JitterFactor: 0.2,
	}
}

// Delay returns the backoff before retry attempt n. Total for n >= 0;
// negative attempts are treated as 0.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	base := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	if p.MaxDelay > 0 && base > float64(p.MaxDelay) {
		base = float64(p.MaxDelay)
	}

	if p.JitterFactor > 0 {
		// Uniform in [-JitterFactor, +JitterFactor].
		base *= 1 + p.JitterFactor*(2*rand.Float64()-1) //nolint:gosec // jitter intentionally uses non-crypto rand
	}

	if base < 0 {
		return 0
	}
	return time.Duration(base)
}

// Exhausted reports whether retryCount has used up the retry budget.
func (p Policy) Exhausted(retryCount int) bool {
	return retryCount >= p.MaxRetries
}

// ──────────────────────────────────────────────────
// Constant
// ──────────────────────────────────────────────────

// Constant always returns the same delay regardless of attempt number.
// Useful in tests where deterministic timing matters.
type Constant struct {
	Interval time.Duration
}

// NewConstant creates a constant backoff strategy.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

// Delay returns the fixed interval.
func (c *Constant) Delay(_ int) time.Duration {
	return c.Interval
}
