package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/feedmill/ingest"
	"github.com/feedmill/ingest/hook"
	"github.com/feedmill/ingest/id"
	"github.com/feedmill/ingest/job"
	"github.com/feedmill/ingest/pressure"
)

// Compile-time interface checks.
var (
	_ hook.Extension          = (*Broker)(nil)
	_ hook.JobEnqueued        = (*Broker)(nil)
	_ hook.JobStarted         = (*Broker)(nil)
	_ hook.JobCompleted       = (*Broker)(nil)
	_ hook.JobFailed          = (*Broker)(nil)
	_ hook.JobRetrying        = (*Broker)(nil)
	_ hook.JobCancelled       = (*Broker)(nil)
	_ hook.JobCircuitRejected = (*Broker)(nil)
	_ hook.BatchCompleted     = (*Broker)(nil)
	_ hook.PressureChanged    = (*Broker)(nil)
	_ hook.Shutdown           = (*Broker)(nil)
)

// DefaultBufferSize is the default per-subscriber event buffer.
const DefaultBufferSize = 256

// DefaultCredits is the default initial credits for new subscribers.
const DefaultCredits int64 = 1000

// Broker is the real-time stream broker. It implements the scheduler's
// lifecycle hooks and fans the resulting events out to subscribers via
// topic-based pub/sub.
type Broker struct {
	topics *TopicRegistry
	logger *slog.Logger

	// Subscriber management.
	subscribers sync.Map // subscriberID string → *Subscriber

	// Metrics.
	totalPublished atomic.Int64

	// Config.
	bufferSize     int
	defaultCredits int64
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithBufferSize sets the per-subscriber event buffer size.
func WithBufferSize(size int) BrokerOption {
	return func(b *Broker) { b.bufferSize = size }
}

// WithDefaultCredits sets the initial credits for new subscribers.
func WithDefaultCredits(credits int64) BrokerOption {
	return func(b *Broker) { b.defaultCredits = credits }
}

// NewBroker creates a new stream broker.
func NewBroker(logger *slog.Logger, opts ...BrokerOption) *Broker {
	b := &Broker{
		topics:         NewTopicRegistry(),
		logger:         logger,
		bufferSize:     DefaultBufferSize,
		defaultCredits: DefaultCredits,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name implements hook.Extension.
func (b *Broker) Name() string { return "stream-broker" }

// Topics returns the topic registry for external use.
func (b *Broker) Topics() *TopicRegistry { return b.topics }

// Subscribe creates a new subscriber on the given topics and returns it.
func (b *Broker) Subscribe(topics ...string) (*Subscriber, error) {
	for _, topic := range topics {
		if err := ValidateTopic(topic); err != nil {
			return nil, err
		}
	}
	sub := NewSubscriber(id.NewSubscriberID(), b.bufferSize, b.defaultCredits)
	b.subscribers.Store(sub.ID().String(), sub)
	for _, topic := range topics {
		b.topics.Subscribe(topic, sub)
	}
	return sub, nil
}

// SubscribeTo adds an existing subscriber to additional topics.
func (b *Broker) SubscribeTo(subscriberID id.SubscriberID, topics ...string) error {
	val, ok := b.subscribers.Load(subscriberID.String())
	if !ok {
		return nil
	}
	for _, topic := range topics {
		if err := ValidateTopic(topic); err != nil {
			return err
		}
	}
	sub := val.(*Subscriber) //nolint:errcheck // sync.Map always stores *Subscriber
	for _, topic := range topics {
		b.topics.Subscribe(topic, sub)
	}
	return nil
}

// Unsubscribe removes a subscriber from specific topics.
func (b *Broker) Unsubscribe(subscriberID id.SubscriberID, topics ...string) {
	for _, topic := range topics {
		b.topics.Unsubscribe(topic, subscriberID.String())
	}
}

// RemoveSubscriber removes a subscriber from all topics and closes it.
func (b *Broker) RemoveSubscriber(subscriberID id.SubscriberID) {
	b.topics.UnsubscribeAll(subscriberID.String())
	if val, ok := b.subscribers.LoadAndDelete(subscriberID.String()); ok {
		val.(*Subscriber).Close() //nolint:errcheck // sync.Map always stores *Subscriber
	}
}

// GetSubscriber returns a subscriber by ID.
func (b *Broker) GetSubscriber(subscriberID id.SubscriberID) (*Subscriber, bool) {
	val, ok := b.subscribers.Load(subscriberID.String())
	if !ok {
		return nil, false
	}
	return val.(*Subscriber), true //nolint:errcheck // sync.Map always stores *Subscriber
}

// Stats returns broker statistics.
func (b *Broker) Stats() BrokerStats {
	count := 0
	b.subscribers.Range(func(_, _ any) bool {
		count++
		return true
	})
	return BrokerStats{
		TopicCount:      b.topics.TopicCount(),
		SubscriberCount: count,
		TotalPublished:  b.totalPublished.Load(),
	}
}

// BrokerStats contains broker metrics.
type BrokerStats struct {
	TopicCount      int   `json:"topic_count"`
	SubscriberCount int   `json:"subscriber_count"`
	TotalPublished  int64 `json:"total_published"`
}

// publish broadcasts an event to all matching topics plus any extras
// (the per-source topic for job events).
func (b *Broker) publish(evt *Event, extra ...string) {
	topics := append(resolveTopics(evt), extra...)
	delivered := b.topics.Broadcast(topics, evt)
	b.totalPublished.Add(int64(delivered))
}

// mustMarshal marshals data to JSON, panicking on error (programming error).
func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic("stream: marshal event data: " + err.Error())
	}
	return data
}

// jobData builds the common payload fields for a job event.
func jobData(j *job.Job) JobEventData {
	return JobEventData{
		JobID:         j.ID.String(),
		SourceKey:     j.SourceKey,
		Priority:      j.Priority.String(),
		UserInitiated: j.UserInitiated,
	}
}

// resultData builds the payload for a terminal job outcome.
func resultData(j *job.Job, res ingest.Result) JobEventData {
	d := jobData(j)
	d.Attempt = res.Attempts
	d.ElapsedMs = res.Duration.Milliseconds()
	d.ItemCount = res.ItemCount
	d.ByteSize = res.ByteSize
	d.Fault = string(res.Fault)
	if res.Err != nil {
		d.Error = res.Err.Error()
	}
	return d
}

// ── Job lifecycle hooks ─────────────────────────────

func (b *Broker) OnJobEnqueued(_ context.Context, j *job.Job) error {
	b.publish(&Event{
		Type:      EventJobEnqueued,
		Timestamp: time.Now().UTC(),
		Topic:     JobTopic(j.ID.String()),
		Data:      mustMarshal(jobData(j)),
	}, SourceTopic(j.SourceKey))
	return nil
}

func (b *Broker) OnJobStarted(_ context.Context, j *job.Job) error {
	b.publish(&Event{
		Type:      EventJobStarted,
		Timestamp: time.Now().UTC(),
		Topic:     JobTopic(j.ID.String()),
		Data:      mustMarshal(jobData(j)),
	}, SourceTopic(j.SourceKey))
	return nil
}

func (b *Broker) OnJobCompleted(_ context.Context, j *job.Job, res ingest.Result) error {
	b.publish(&Event{
		Type:      EventJobCompleted,
		Timestamp: time.Now().UTC(),
		Topic:     JobTopic(j.ID.String()),
		Data:      mustMarshal(resultData(j, res)),
	}, SourceTopic(j.SourceKey))
	return nil
}

func (b *Broker) OnJobFailed(_ context.Context, j *job.Job, res ingest.Result) error {
	b.publish(&Event{
		Type:      EventJobFailed,
		Timestamp: time.Now().UTC(),
		Topic:     JobTopic(j.ID.String()),
		Data:      mustMarshal(resultData(j, res)),
	}, SourceTopic(j.SourceKey))
	return nil
}

func (b *Broker) OnJobRetrying(_ context.Context, j *job.Job, attempt int, nextAttempt time.Time) error {
	d := jobData(j)
	d.Attempt = attempt
	d.NextAttemptAt = nextAttempt.UTC().Format(time.RFC3339)
	b.publish(&Event{
		Type:      EventJobRetrying,
		Timestamp: time.Now().UTC(),
		Topic:     JobTopic(j.ID.String()),
		Data:      mustMarshal(d),
	}, SourceTopic(j.SourceKey))
	return nil
}

func (b *Broker) OnJobCancelled(_ context.Context, j *job.Job) error {
	b.publish(&Event{
		Type:      EventJobCancelled,
		Timestamp: time.Now().UTC(),
		Topic:     JobTopic(j.ID.String()),
		Data:      mustMarshal(jobData(j)),
	}, SourceTopic(j.SourceKey))
	return nil
}

func (b *Broker) OnJobCircuitRejected(_ context.Context, j *job.Job) error {
	b.publish(&Event{
		Type:      EventJobCircuitRejected,
		Timestamp: time.Now().UTC(),
		Topic:     JobTopic(j.ID.String()),
		Data:      mustMarshal(jobData(j)),
	}, SourceTopic(j.SourceKey))
	return nil
}

// ── Batch and environment hooks ─────────────────────

func (b *Broker) OnBatchCompleted(_ context.Context, summary ingest.BatchSummary) error {
	b.publish(&Event{
		Type:      EventBatchCompleted,
		Timestamp: time.Now().UTC(),
		Data: mustMarshal(BatchEventData{
			BatchID:   summary.BatchID.String(),
			Total:     summary.Total,
			Succeeded: summary.Succeeded,
			Failed:    summary.Failed,
			Cancelled: summary.Cancelled,
			Rejected:  summary.Rejected,
			TimedOut:  summary.TimedOut,
			ElapsedMs: summary.Duration.Milliseconds(),
		}),
	})
	return nil
}

func (b *Broker) OnPressureChanged(_ context.Context, level pressure.Level) error {
	b.publish(&Event{
		Type:      EventPressureChanged,
		Timestamp: time.Now().UTC(),
		Data:      mustMarshal(PressureEventData{Level: level.String()}),
	})
	return nil
}

// ── Shutdown ────────────────────────────────────────

func (b *Broker) OnShutdown(_ context.Context) error {
	b.subscribers.Range(func(key, value any) bool {
		sub := value.(*Subscriber) //nolint:errcheck // sync.Map always stores *Subscriber
		sub.Close()
		b.subscribers.Delete(key)
		return true
	})
	b.logger.Info("stream broker shut down")
	return nil
}
