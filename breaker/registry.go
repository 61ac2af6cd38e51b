package breaker

import (
	"sync"
	"time"
)

// DefaultEvictAfter is how long an untouched, clean breaker survives
// before the registry sweeps it.
const DefaultEvictAfter = time.Hour

// Registry holds one breaker per source key, created lazily on first
// reference. Safe for concurrent use.
//
// Idle breakers are evicted by a TTL sweep: a breaker that has been
// closed, failure-free, and untouched for EvictAfter is removed the next
// time the registry is accessed after a sweep interval passes. Tripped or
// half-open breakers are never swept.
type Registry struct {
	cfg        Config
	evictAfter time.Duration

	mu        sync.Mutex
	breakers  map[string]*Breaker
	lastSweep time.Time
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithEvictAfter sets the idle TTL for clean breakers.
func WithEvictAfter(d time.Duration) RegistryOption {
	return func(r *Registry) { r.evictAfter = d }
}

// NewRegistry creates a registry whose breakers share cfg.
func NewRegistry(cfg Config, opts ...RegistryOption) *Registry {
	r := &Registry{
		cfg:        cfg,
		evictAfter: DefaultEvictAfter,
		breakers:   make(map[string]*Breaker),
		lastSweep:  time.Now(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns the breaker for key, creating it if absent.
func (r *Registry) Get(key string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sweepLocked()

	b, ok := r.breakers[key]
	if !ok {
		b = New(r.cfg)
		r.breakers[key] = b
	}
	return b
}

// IsBlocked reports whether the key's breaker currently rejects requests.
// A key with no breaker yet is never blocked.
func (r *Registry) IsBlocked(key string) bool {
	r.mu.Lock()
	b, ok := r.breakers[key]
	r.mu.Unlock()

	return ok && b.blocked()
}

// BlockedKeys returns the set of keys whose breakers currently reject
// requests.
func (r *Registry) BlockedKeys() map[string]struct{} {
	r.mu.Lock()
	snapshot := make([]struct {
		key string
		b   *Breaker
	}, 0, len(r.breakers))
	for key, b := range r.breakers {
		snapshot = append(snapshot, struct {
			key string
			b   *Breaker
		}{key, b})
	}
	r.mu.Unlock()

	blocked := make(map[string]struct{})
	for _, entry := range snapshot {
		if entry.b.blocked() {
			blocked[entry.key] = struct{}{}
		}
	}
	return blocked
}

// Reset returns every breaker to closed.
func (r *Registry) Reset() {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	for _, b := range breakers {
		b.reset()
	}
}

// ResetKey returns the breaker for key to closed. No-op for unknown keys.
func (r *Registry) ResetKey(key string) {
	r.mu.Lock()
	b, ok := r.breakers[key]
	r.mu.Unlock()

	if ok {
		b.reset()
	}
}

// Len returns the number of live breakers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.breakers)
}

// sweepLocked evicts idle clean breakers. Runs at most once per evictAfter
// interval. Caller must hold r.mu.
func (r *Registry) sweepLocked() {
	if r.evictAfter <= 0 {
		return
	}
	now := time.Now()
	if now.Sub(r.lastSweep) < r.evictAfter {
		return
	}
	r.lastSweep = now

	for key, b := range r.breakers {
		touched, clean := b.idleSince()
		if clean && now.Sub(touched) >= r.evictAfter {
			delete(r.breakers, key)
		}
	}
}
