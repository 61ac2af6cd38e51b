// Package admission controls per-priority-tier concurrency and pacing.
// The scheduler calls Acquire before launching a selected job and Release
// after the job completes, so a busy high tier can never consume the slots
// reserved for lower tiers.
package admission

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/feedmill/ingest"
)

// TierConfig defines per-tier behaviour.
type TierConfig struct {
	// Priority is the tier this config applies to.
	Priority ingest.Priority

	// MaxConcurrency limits how many jobs from this tier may run
	// simultaneously. Zero means no tier-specific limit (the scheduler's
	// total limit still applies).
	MaxConcurrency int

	// RateLimit is the maximum sustained launches per second for this
	// tier. Zero disables rate limiting.
	RateLimit float64

	// RateBurst is the burst size for the token-bucket limiter.
	// Defaults to 1 if RateLimit is set but RateBurst is zero.
	RateBurst int
}

// tierState tracks runtime state for a single tier.
type tierState struct {
	config  TierConfig
	limiter *rate.Limiter
	active  int
}

// Manager controls per-tier concurrency and pacing. Safe for concurrent
// use.
type Manager struct {
	mu    sync.Mutex
	tiers map[ingest.Priority]*tierState
}

// NewManager creates a Manager with the given tier configurations.
// Tiers not listed have no limits.
func NewManager(configs ...TierConfig) *Manager {
	m := &Manager{
		tiers: make(map[ingest.Priority]*tierState, len(configs)),
	}
	for _, cfg := range configs {
		m.tiers[cfg.Priority] = newTierState(cfg)
	}
	return m
}

// FromConfig builds a Manager from the scheduler config's per-tier caps.
func FromConfig(cfg ingest.Config) *Manager {
	return NewManager(
		TierConfig{Priority: ingest.PriorityHigh, MaxConcurrency: cfg.HighPriorityLimit},
		TierConfig{Priority: ingest.PriorityNormal, MaxConcurrency: cfg.NormalPriorityLimit},
		TierConfig{Priority: ingest.PriorityLow, MaxConcurrency: cfg.LowPriorityLimit},
	)
}

func newTierState(cfg TierConfig) *tierState {
	ts := &tierState{config: cfg}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		ts.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return ts
}

// Acquire checks the tier's cap and rate limit. If the job may proceed it
// increments the active counter and returns true. The caller MUST call
// Release when the job completes.
func (m *Manager) Acquire(p ingest.Priority) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts := m.tiers[p]
	if ts == nil {
		return true
	}
	if ts.limiter != nil && !ts.limiter.Allow() {
		return false
	}
	if ts.config.MaxConcurrency > 0 && ts.active >= ts.config.MaxConcurrency {
		return false
	}
	ts.active++
	return true
}

// Release decrements the active count for the tier.
func (m *Manager) Release(p ingest.Priority) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ts := m.tiers[p]; ts != nil && ts.active > 0 {
		ts.active--
	}
}

// Active returns the running count for one tier.
func (m *Manager) Active(p ingest.Priority) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ts := m.tiers[p]; ts != nil {
		return ts.active
	}
	return 0
}

// TotalActive returns the running count across all tiers.
func (m *Manager) TotalActive() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := 0
	for _, ts := range m.tiers {
		total += ts.active
	}
	return total
}
