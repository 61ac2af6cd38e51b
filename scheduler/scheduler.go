// Package scheduler drives the ingestion core: it admits parsing jobs,
// orders them by priority, bounds their concurrency, and executes them
// against the Parser collaborator under per-source circuit breaking,
// retry with backoff, and memory-pressure-adaptive limits.
//
// All bookkeeping (the pending set, the running set, batch trackers, and
// the history ring) sits behind one mutex, and a single owner goroutine
// runs scheduling passes. Parse operations run on spawned goroutines that
// rejoin through a completion channel drained by the owner, so selection
// always sees a consistent snapshot while the I/O-bound work stays off
// the scheduling path.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/feedmill/ingest"
	"github.com/feedmill/ingest/admission"
	"github.com/feedmill/ingest/breaker"
	"github.com/feedmill/ingest/hook"
	"github.com/feedmill/ingest/job"
	"github.com/feedmill/ingest/pressure"
)

// completion carries the outcome of one parse attempt back to the owner
// goroutine.
type completion struct {
	j       *job.Job
	content *ingest.ParsedContent
	err     error
	dur     time.Duration
}

// Scheduler admits, orders, bounds, and drives execution of parsing jobs.
type Scheduler struct {
	cfg          ingest.Config
	parser       ingest.Parser
	logger       *slog.Logger
	pressureOpts []pressure.Option
	extensions   []hook.Extension

	hooks     *hook.Registry
	breakers  *breaker.Registry
	monitor   *pressure.Monitor
	admission *admission.Manager

	mu      sync.Mutex
	running bool
	stopped bool
	paused  bool
	pending map[string]*job.Job // sourceKey → pending job
	active  map[string]*job.Job // sourceKey → running job
	batches map[string]*batchTracker

	history        []ingest.Result
	completedCount int64
	failedCount    int64
	cancelledCount int64
	rejectedCount  int64

	stopCh chan struct{}
	wakeCh chan struct{}
	doneCh chan completion
	loopWG sync.WaitGroup
	execWG sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithConfig replaces the default configuration.
func WithConfig(cfg ingest.Config) Option {
	return func(s *Scheduler) { s.cfg = cfg }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// WithExtension registers a lifecycle extension (telemetry collector,
// stream broker, metrics, ...) with the scheduler.
func WithExtension(e hook.Extension) Option {
	return func(s *Scheduler) { s.extensions = append(s.extensions, e) }
}

// WithPressureOptions forwards options to the scheduler's memory pressure
// monitor. Used in tests to inject a deterministic sampler.
func WithPressureOptions(opts ...pressure.Option) Option {
	return func(s *Scheduler) { s.pressureOpts = append(s.pressureOpts, opts...) }
}

// New creates a stopped Scheduler around the given parser.
func New(parser ingest.Parser, opts ...Option) (*Scheduler, error) {
	if parser == nil {
		return nil, ingest.ErrNoParser
	}

	s := &Scheduler{
		cfg:     ingest.DefaultConfig(),
		parser:  parser,
		logger:  slog.Default(),
		pending: make(map[string]*job.Job),
		active:  make(map[string]*job.Job),
		batches: make(map[string]*batchTracker),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.hooks = hook.NewRegistry(s.logger)
	for _, e := range s.extensions {
		s.hooks.Register(e)
	}
	s.breakers = breaker.NewRegistry(s.cfg.Breaker)
	s.admission = admission.FromConfig(s.cfg)
	s.monitor = pressure.NewMonitor(s.logger, append(s.pressureOpts,
		pressure.WithOnChange(func(level pressure.Level) {
			s.hooks.EmitPressureChanged(context.Background(), level)
			s.wake()
		}))...)
	s.wakeCh = make(chan struct{}, 1)
	s.doneCh = make(chan completion, s.cfg.MaxConcurrentOperations)
	return s, nil
}

// Register adds a lifecycle extension after construction.
func (s *Scheduler) Register(e hook.Extension) { s.hooks.Register(e) }

// Hooks returns the extension registry.
func (s *Scheduler) Hooks() *hook.Registry { return s.hooks }

// Breakers returns the per-source circuit breaker registry.
func (s *Scheduler) Breakers() *breaker.Registry { return s.breakers }

// Pressure returns the memory pressure monitor.
func (s *Scheduler) Pressure() *pressure.Monitor { return s.monitor }

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Start launches the owner goroutine and the pressure monitor.
// Idempotent; returns immediately.
func (s *Scheduler) Start(_ context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.stopped = false
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.mu.Unlock()

	s.logger.Info("scheduler starting",
		slog.Int("max_concurrent", s.cfg.MaxConcurrentOperations),
		slog.Duration("poll_interval", s.cfg.PollInterval),
	)

	s.monitor.Start()
	s.loopWG.Add(1)
	go s.run(stopCh)
	return nil
}

// Stop halts scheduling and waits for in-flight parses up to the
// shutdown timeout (or the context deadline, whichever fires first).
// Completions that arrive during the wait are still processed, so jobs
// reach terminal states and hooks fire. Idempotent.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.stopped = true
	close(s.stopCh)
	s.mu.Unlock()

	s.logger.Info("scheduler stopping")

	done := make(chan struct{})
	go func() {
		s.loopWG.Wait()
		s.execWG.Wait()
		close(done)
	}()

	timeout := time.NewTimer(s.cfg.ShutdownTimeout)
	defer timeout.Stop()
	drained := true
	for waiting := true; waiting; {
		select {
		case <-done:
			waiting = false
		case c := <-s.doneCh:
			s.finish(c)
		case <-ctx.Done():
			waiting, drained = false, false
		case <-timeout.C:
			waiting, drained = false, false
		}
	}
	if !drained {
		s.logger.Warn("scheduler shutdown timed out with parses still in flight")
	}
	s.drainCompletions()

	s.monitor.Stop()
	s.hooks.EmitShutdown(ctx)
	s.logger.Info("scheduler stopped")
	return nil
}

// run is the owner goroutine. It wakes on enqueues, completions, pressure
// changes, and a poll tick for elapsed backoff deadlines.
func (s *Scheduler) run(stopCh chan struct{}) {
	defer s.loopWG.Done()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-s.wakeCh:
		case <-ticker.C:
		case c := <-s.doneCh:
			s.finish(c)
			s.drainCompletions()
		}
		s.pass()
	}
}

// wake nudges the owner goroutine without blocking.
func (s *Scheduler) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// drainCompletions processes any completions already queued, without
// blocking.
func (s *Scheduler) drainCompletions() {
	for {
		select {
		case c := <-s.doneCh:
			s.finish(c)
		default:
			return
		}
	}
}

// ──────────────────────────────────────────────────
// Admission operations
// ──────────────────────────────────────────────────

// Enqueue admits a parsing job for sourceKey. If the source's breaker is
// open the job is silently rejected: it is returned already in the
// circuit-open terminal state and never attempted. If an equivalent job
// is already pending or running for the key, that job is returned and
// nothing changes.
func (s *Scheduler) Enqueue(ctx context.Context, sourceKey string, priority ingest.Priority, opts ...job.Option) (*job.Job, error) {
	j, outcome, err := s.admit(sourceKey, priority, opts)
	if err != nil {
		return nil, err
	}
	switch outcome {
	case admitted:
		s.hooks.EmitJobEnqueued(ctx, j)
		s.wake()
	case rejected:
		s.hooks.EmitJobCircuitRejected(ctx, j)
	}
	return j, nil
}

// admitOutcome says what admit did with a key.
type admitOutcome int

const (
	admitted admitOutcome = iota
	rejected              // breaker open, job terminal circuit-open
	duplicate             // equivalent job already in flight
)

// admit performs the locked portion of Enqueue.
func (s *Scheduler) admit(sourceKey string, priority ingest.Priority, opts []job.Option) (*job.Job, admitOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil, duplicate, ingest.ErrStopped
	}

	if existing, ok := s.pending[sourceKey]; ok {
		return existing, duplicate, nil
	}
	if existing, ok := s.active[sourceKey]; ok {
		return existing, duplicate, nil
	}

	// The scheduler's retry policy is the default; caller options win.
	jobOpts := append([]job.Option{job.WithRetryPolicy(s.cfg.RetryPolicy)}, opts...)
	j := job.New(sourceKey, priority, jobOpts...)

	if s.breakers.IsBlocked(sourceKey) {
		j.RejectCircuitOpen()
		s.rejectedCount++
		s.pushHistory(s.terminalResult(j, ingest.FaultCircuitOpen, 0, nil))
		return j, rejected, nil
	}

	s.pending[sourceKey] = j
	return j, admitted, nil
}

// EnqueueBatch admits one job per source key under a shared batch ID and
// tracks the batch until every member reaches a terminal state (or the
// batch timeout fires). Keys that dedup against jobs already in flight do
// not join the batch. When BatchSize is set, larger inputs are split into
// separately tracked batches.
func (s *Scheduler) EnqueueBatch(ctx context.Context, sourceKeys []string, priority ingest.Priority, opts ...job.Option) ([]*job.Job, error) {
	chunk := s.cfg.BatchSize
	if chunk <= 0 {
		chunk = len(sourceKeys)
	}

	jobs := make([]*job.Job, 0, len(sourceKeys))
	for start := 0; start < len(sourceKeys); start += chunk {
		end := min(start+chunk, len(sourceKeys))
		batchJobs, err := s.enqueueChunk(ctx, sourceKeys[start:end], priority, opts)
		if err != nil {
			return jobs, err
		}
		jobs = append(jobs, batchJobs...)
	}
	return jobs, nil
}

// enqueueChunk admits one tracked batch.
func (s *Scheduler) enqueueChunk(ctx context.Context, sourceKeys []string, priority ingest.Priority, opts []job.Option) ([]*job.Job, error) {
	batchID := s.openBatch()

	jobs := make([]*job.Job, 0, len(sourceKeys))
	members := 0
	memberOpts := append([]job.Option{job.WithBatch(batchID)}, opts...)
	for _, key := range sourceKeys {
		j, outcome, err := s.admit(key, priority, memberOpts)
		if err != nil {
			s.sealBatch(ctx, batchID, members)
			return jobs, fmt.Errorf("enqueue batch member %q: %w", key, err)
		}
		jobs = append(jobs, j)
		switch outcome {
		case admitted:
			members++
			s.hooks.EmitJobEnqueued(ctx, j)
		case rejected:
			members++
			s.countBatchMember(batchID, memberRejected)
			s.hooks.EmitJobCircuitRejected(ctx, j)
		case duplicate:
			// Already in flight outside this batch; not a member.
		}
	}

	s.sealBatch(ctx, batchID, members)
	s.wake()
	return jobs, nil
}

// Cancel removes a pending job for sourceKey, transitioning it to the
// terminal cancelled state. Returns ErrJobNotFound if no job exists for
// the key, or ErrInvalidTransition if the job is already running
// (running parses are not preemptible).
func (s *Scheduler) Cancel(ctx context.Context, sourceKey string) error {
	s.mu.Lock()
	j, ok := s.pending[sourceKey]
	if !ok {
		if _, isActive := s.active[sourceKey]; isActive {
			s.mu.Unlock()
			return ingest.ErrInvalidTransition
		}
		s.mu.Unlock()
		return ingest.ErrJobNotFound
	}
	summary := s.cancelPendingLocked(j)
	s.mu.Unlock()

	s.hooks.EmitJobCancelled(ctx, j)
	if summary != nil {
		s.hooks.EmitBatchCompleted(ctx, *summary)
	}
	return nil
}

// ClearQueue cancels every pending job and returns how many were
// cancelled. Running jobs are unaffected.
func (s *Scheduler) ClearQueue(ctx context.Context) int {
	s.mu.Lock()
	cancelled := make([]*job.Job, 0, len(s.pending))
	summaries := make([]ingest.BatchSummary, 0)
	for _, j := range s.pending {
		if summary := s.cancelPendingLocked(j); summary != nil {
			summaries = append(summaries, *summary)
		}
		cancelled = append(cancelled, j)
	}
	s.mu.Unlock()

	for _, j := range cancelled {
		s.hooks.EmitJobCancelled(ctx, j)
	}
	for _, summary := range summaries {
		s.hooks.EmitBatchCompleted(ctx, summary)
	}
	return len(cancelled)
}

// cancelPendingLocked cancels one pending job. Caller holds s.mu and
// emits the returned batch summary, if any, after unlocking.
func (s *Scheduler) cancelPendingLocked(j *job.Job) *ingest.BatchSummary {
	j.Cancel()
	delete(s.pending, j.SourceKey)
	s.cancelledCount++
	s.pushHistory(s.terminalResult(j, ingest.FaultCancelled, 0, nil))
	return s.batchMemberDone(j, memberCancelled)
}

// Job returns the pending or running job for sourceKey.
func (s *Scheduler) Job(sourceKey string) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.pending[sourceKey]; ok {
		return j, nil
	}
	if j, ok := s.active[sourceKey]; ok {
		return j, nil
	}
	return nil, ingest.ErrJobNotFound
}

// Pause stops new admissions to execution. In-flight parses run to
// completion; the queue still accepts enqueues.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
	s.logger.Info("scheduler paused")
}

// Resume re-enables admissions and re-triggers the loop if pending work
// exists.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	s.logger.Info("scheduler resumed")
	s.wake()
}

// EnterForeground maps the app-foreground lifecycle signal to Resume.
func (s *Scheduler) EnterForeground() { s.Resume() }

// EnterBackground maps the app-background lifecycle signal to Pause.
func (s *Scheduler) EnterBackground() { s.Pause() }

// ReportPressure feeds an OS memory-pressure notification into the
// monitor. Level changes publish to extensions and wake the loop.
func (s *Scheduler) ReportPressure(level pressure.Level) {
	s.monitor.Report(level)
}

// ──────────────────────────────────────────────────
// Scheduling pass
// ──────────────────────────────────────────────────

// pass runs one scheduling pass: compute available slots, select eligible
// pending jobs in priority order, and launch them.
func (s *Scheduler) pass() {
	now := time.Now()

	s.mu.Lock()
	if s.paused || s.monitor.ShouldPauseOperations() || len(s.pending) == 0 {
		s.mu.Unlock()
		return
	}

	// The pressure-shrunk total is a hard ceiling, spent on tiers in
	// priority order.
	total := min(s.cfg.MaxConcurrentOperations, s.monitor.RecommendedLimit(s.cfg.MaxConcurrentOperations))
	slots := total - len(s.active)
	if slots <= 0 {
		s.mu.Unlock()
		return
	}

	var launch []*job.Job
	for _, tier := range ingest.Priorities {
		if slots == 0 {
			break
		}
		for _, j := range s.tierCandidates(tier) {
			if slots == 0 {
				break
			}
			if !s.admission.Acquire(tier) {
				break // tier cap reached; move to the next tier
			}
			if !s.eligible(j, now) {
				s.admission.Release(tier)
				continue // stays pending
			}
			j.MarkRunning(now)
			delete(s.pending, j.SourceKey)
			s.active[j.SourceKey] = j
			launch = append(launch, j)
			slots--
		}
	}
	s.mu.Unlock()

	for _, j := range launch {
		s.hooks.EmitJobStarted(context.Background(), j)
		s.execWG.Add(1)
		go s.execute(j)
	}
}

// tierCandidates returns the pending jobs of one tier, earliest created
// first, user-initiated winning ties. Caller holds s.mu.
func (s *Scheduler) tierCandidates(tier ingest.Priority) []*job.Job {
	var cands []*job.Job
	for _, j := range s.pending {
		if j.Priority == tier {
			cands = append(cands, j)
		}
	}
	sort.SliceStable(cands, func(i, k int) bool {
		a, b := cands[i], cands[k]
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.UserInitiated && !b.UserInitiated
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	return cands
}

// eligible decides whether a pending job may launch now: fresh jobs need
// their source's breaker to allow the request; retry-pending jobs need
// their backoff deadline to have elapsed. A job whose breaker opened
// since it was enqueued is skipped, not failed.
func (s *Scheduler) eligible(j *job.Job, now time.Time) bool {
	if j.IsRetryPending() {
		return j.IsReadyForRetry(now)
	}
	return s.breakers.Get(j.SourceKey).Allow()
}

// ──────────────────────────────────────────────────
// Execution and completion
// ──────────────────────────────────────────────────

// execute runs one parse attempt on its own goroutine and reports the
// outcome to the owner.
func (s *Scheduler) execute(j *job.Job) {
	defer s.execWG.Done()

	start := time.Now()
	content, err := s.safeParse(context.Background(), j.SourceKey)
	s.doneCh <- completion{
		j:       j,
		content: content,
		err:     err,
		dur:     time.Since(start),
	}
}

// safeParse invokes the parser, converting a panic into a fault so a
// misbehaving collaborator cannot take the scheduler down.
func (s *Scheduler) safeParse(ctx context.Context, sourceKey string) (content *ingest.ParsedContent, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("parser panicked",
				slog.String("source", sourceKey),
				slog.Any("panic", r),
			)
			content = nil
			err = &ingest.Fault{
				Kind: ingest.FaultPanic,
				Key:  sourceKey,
				Err:  fmt.Errorf("parser panic: %v", r),
			}
		}
	}()
	return s.parser.Parse(ctx, sourceKey)
}

// finish applies one completion: update the breaker, decide
// retry-or-terminal, record history, and notify extensions.
func (s *Scheduler) finish(c completion) {
	ctx := context.Background()
	j := c.j
	now := time.Now()

	s.mu.Lock()
	delete(s.active, j.SourceKey)
	s.admission.Release(j.Priority)

	if c.err == nil {
		s.breakers.Get(j.SourceKey).RecordSuccess()
		j.Complete()
		res := s.successResult(j, c, now)
		s.completedCount++
		s.pushHistory(res)
		summary := s.batchMemberDone(j, memberSucceeded)
		s.mu.Unlock()

		s.hooks.EmitJobCompleted(ctx, j, res)
		if summary != nil {
			s.hooks.EmitBatchCompleted(ctx, *summary)
		}
		s.wake()
		return
	}

	fault := ingest.ClassifyFault(j.SourceKey, c.err)
	s.breakers.Get(j.SourceKey).RecordFailure()

	if fault.Retryable() && !j.RetryPolicy.Exhausted(j.RetryCount()) {
		j.MarkRetryPending(now, fault)
		s.pending[j.SourceKey] = j
		snap := j.Snap()
		s.mu.Unlock()

		s.logger.Debug("job retry scheduled",
			slog.String("source", j.SourceKey),
			slog.Int("attempt", snap.RetryCount),
			slog.Time("next_attempt", snap.NextAttempt),
		)
		s.hooks.EmitJobRetrying(ctx, j, snap.RetryCount, snap.NextAttempt)
		s.wake()
		return
	}

	j.Fail(fault)
	res := s.terminalResult(j, fault.Kind, c.dur, fault)
	s.failedCount++
	s.pushHistory(res)
	summary := s.batchMemberDone(j, memberFailed)
	s.mu.Unlock()

	s.logger.Warn("job failed terminally",
		slog.String("source", j.SourceKey),
		slog.String("fault", string(fault.Kind)),
		slog.Int("attempts", res.Attempts),
	)
	s.hooks.EmitJobFailed(ctx, j, res)
	if summary != nil {
		s.hooks.EmitBatchCompleted(ctx, *summary)
	}
	s.wake()
}

// successResult builds the terminal result for a completed job. Caller
// holds s.mu.
func (s *Scheduler) successResult(j *job.Job, c completion, now time.Time) ingest.Result {
	res := ingest.Result{
		JobID:      j.ID,
		BatchID:    j.BatchID,
		SourceKey:  j.SourceKey,
		Priority:   j.Priority,
		Attempts:   j.RetryCount() + 1,
		Duration:   c.dur,
		FinishedAt: now,
	}
	if c.content != nil {
		res.ItemCount = c.content.ItemCount
		res.ByteSize = c.content.ByteSize
	}
	return res
}

// terminalResult builds the result for a job that ended without parsed
// content: failed, cancelled, or circuit-rejected.
func (s *Scheduler) terminalResult(j *job.Job, kind ingest.FaultKind, dur time.Duration, err error) ingest.Result {
	attempts := j.RetryCount()
	if kind == ingest.FaultNetwork || kind == ingest.FaultDecode || kind == ingest.FaultPanic {
		attempts++ // the final attempt that produced the fault
	}
	return ingest.Result{
		JobID:      j.ID,
		BatchID:    j.BatchID,
		SourceKey:  j.SourceKey,
		Priority:   j.Priority,
		Attempts:   attempts,
		Duration:   dur,
		Fault:      kind,
		Err:        err,
		FinishedAt: time.Now(),
	}
}
