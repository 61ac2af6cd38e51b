// Package pressure classifies how close the process is to exhausting
// memory and translates that into a recommended concurrency limit for the
// scheduler.
//
// Two inputs drive the level: periodic sampling of heap usage against a
// configured budget, and an event-driven signal forwarded from the OS
// (Report). Whichever source reports the higher level wins.
package pressure

import (
	"log/slog"
	"runtime"
	"sync"
	"time"
)

// Level is the memory pressure classification, ordered
// Normal < Warning < Critical.
type Level int

const (
	// LevelNormal means memory headroom is fine.
	LevelNormal Level = iota
	// LevelWarning means usage crossed the warning threshold; concurrency
	// should shrink.
	LevelWarning
	// LevelCritical means usage crossed the critical threshold; new work
	// should pause.
	LevelCritical
)

// String returns the level name.
func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Config tunes sampling and thresholds.
type Config struct {
	// SampleInterval is how often heap usage is sampled.
	SampleInterval time.Duration

	// WarningThreshold and CriticalThreshold are usage fractions of
	// HeapBudget at which the sampled level rises.
	WarningThreshold  float64
	CriticalThreshold float64

	// HeapBudget is the heap size, in bytes, treated as 100% usage.
	HeapBudget uint64

	// LowLimit is the concurrency recommended at critical pressure.
	LowLimit int
}

// DefaultConfig returns the monitor defaults: 5s sampling, warning at 70%,
// critical at 90% of a 512 MiB heap budget, one slot at critical.
func DefaultConfig() Config {
	return Config{
		SampleInterval:    5 * time.Second,
		WarningThreshold:  0.70,
		CriticalThreshold: 0.90,
		HeapBudget:        512 << 20,
		LowLimit:          1,
	}
}

// SampleFunc returns current heap usage as a fraction of the budget.
type SampleFunc func() float64

// Monitor tracks the current pressure level. One monitor serves one
// scheduler instance. Safe for concurrent use.
type Monitor struct {
	cfg      Config
	logger   *slog.Logger
	sample   SampleFunc
	onChange []func(Level)

	mu        sync.Mutex
	sampled   Level
	signaled  Level
	published Level
	running   bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithConfig replaces the default config.
func WithConfig(cfg Config) Option {
	return func(m *Monitor) { m.cfg = cfg }
}

// WithOnChange adds a callback invoked whenever the effective level
// changes. Callbacks accumulate: each registered one fires, in
// registration order, outside the monitor's lock.
func WithOnChange(fn func(Level)) Option {
	return func(m *Monitor) { m.onChange = append(m.onChange, fn) }
}

// WithSampleFunc replaces the heap sampler. Used in tests to drive the
// sampled level deterministically.
func WithSampleFunc(fn SampleFunc) Option {
	return func(m *Monitor) { m.sample = fn }
}

// NewMonitor creates a stopped monitor.
func NewMonitor(logger *slog.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		cfg:    DefaultConfig(),
		logger: logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.sample == nil {
		budget := m.cfg.HeapBudget
		m.sample = func() float64 {
			var ms runtime.MemStats
			runtime.ReadMemStats(&ms)
			if budget == 0 {
				return 0
			}
			return float64(ms.HeapAlloc) / float64(budget)
		}
	}
	return m
}

// Start launches the sampling loop. Idempotent.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	stopCh := m.stopCh
	m.mu.Unlock()

	m.wg.Add(1)
	go m.sampleLoop(stopCh)
}

// Stop cancels the sampling loop and waits for it. Idempotent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()

	m.wg.Wait()
}

func (m *Monitor) sampleLoop(stopCh chan struct{}) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			m.Sample()
		}
	}
}

// Sample reads heap usage once and updates the sampled level. The loop
// calls this on every tick; tests may call it directly.
func (m *Monitor) Sample() {
	usage := m.sample()

	var level Level
	switch {
	case usage >= m.cfg.CriticalThreshold:
		level = LevelCritical
	case usage >= m.cfg.WarningThreshold:
		level = LevelWarning
	default:
		level = LevelNormal
	}

	m.mu.Lock()
	m.sampled = level
	m.publishLocked()
}

// Report feeds an event-driven OS pressure signal into the monitor.
// Signals publish immediately; a later Normal signal lowers the signaled
// level again.
func (m *Monitor) Report(level Level) {
	m.mu.Lock()
	m.signaled = level
	m.publishLocked()
}

// publishLocked recomputes the effective level and fires the change
// callbacks if it moved. Releases m.mu before invoking them.
func (m *Monitor) publishLocked() {
	effective := max(m.sampled, m.signaled)
	changed := effective != m.published
	m.published = effective
	onChange := m.onChange
	m.mu.Unlock()

	if !changed {
		return
	}
	m.logger.Info("memory pressure level changed",
		slog.String("level", effective.String()),
	)
	for _, fn := range onChange {
		fn(effective)
	}
}

// Level returns the effective pressure level: the max of the sampled and
// signaled levels.
func (m *Monitor) Level() Level {
	m.mu.Lock()
	defer m.mu.Unlock()
	return max(m.sampled, m.signaled)
}

// RecommendedLimit maps the current level to a concurrency limit given
// the configured default: Normal keeps it, Warning halves it (floor 1),
// Critical drops to the configured low limit.
func (m *Monitor) RecommendedLimit(defaultLimit int) int {
	switch m.Level() {
	case LevelWarning:
		return max(1, defaultLimit/2)
	case LevelCritical:
		return min(m.cfg.LowLimit, 1)
	default:
		return defaultLimit
	}
}

// ShouldPauseOperations reports whether new work should be deferred
// entirely. True only at critical pressure.
func (m *Monitor) ShouldPauseOperations() bool {
	return m.Level() == LevelCritical
}
