package stream

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/feedmill/ingest"
	"github.com/feedmill/ingest/id"
	"github.com/feedmill/ingest/job"
	"github.com/feedmill/ingest/pressure"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func mustSubscribe(t *testing.T, b *Broker, topics ...string) *Subscriber {
	t.Helper()
	sub, err := b.Subscribe(topics...)
	if err != nil {
		t.Fatalf("Subscribe(%v): %v", topics, err)
	}
	return sub
}

func recvEvent(t *testing.T, sub *Subscriber) *Event {
	t.Helper()
	select {
	case evt := <-sub.C():
		return evt
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestBrokerSubscribeAndPublish(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())
	sub := mustSubscribe(t, b, TopicProgress)

	j := job.New("example.org/feed", ingest.PriorityNormal)
	if err := b.OnJobEnqueued(context.Background(), j); err != nil {
		t.Fatalf("OnJobEnqueued: %v", err)
	}

	evt := recvEvent(t, sub)
	if evt.Type != EventJobEnqueued {
		t.Errorf("Type = %q, want %q", evt.Type, EventJobEnqueued)
	}
	var data JobEventData
	if err := json.Unmarshal(evt.Data, &data); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if data.SourceKey != "example.org/feed" {
		t.Errorf("SourceKey = %q, want %q", data.SourceKey, "example.org/feed")
	}
	if data.JobID != j.ID.String() {
		t.Errorf("JobID = %q, want %q", data.JobID, j.ID)
	}
}

func TestBrokerTerminalEventsReachResults(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())
	results := mustSubscribe(t, b, TopicResults)
	firehose := mustSubscribe(t, b, TopicFirehose)

	j := job.New("example.org/feed", ingest.PriorityHigh)
	res := ingest.Result{
		JobID:     j.ID,
		SourceKey: j.SourceKey,
		Priority:  j.Priority,
		Attempts:  1,
		Duration:  42 * time.Millisecond,
		ItemCount: 12,
	}
	if err := b.OnJobCompleted(context.Background(), j, res); err != nil {
		t.Fatalf("OnJobCompleted: %v", err)
	}

	for _, sub := range []*Subscriber{results, firehose} {
		evt := recvEvent(t, sub)
		if evt.Type != EventJobCompleted {
			t.Errorf("Type = %q, want %q", evt.Type, EventJobCompleted)
		}
	}

	// A non-terminal event must not reach the results stream.
	if err := b.OnJobStarted(context.Background(), j); err != nil {
		t.Fatalf("OnJobStarted: %v", err)
	}
	select {
	case evt := <-results.C():
		t.Fatalf("results stream received non-terminal event %q", evt.Type)
	case <-time.After(50 * time.Millisecond):
		// ok — no event
	}
}

func TestBrokerSourceTopic(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())
	sub := mustSubscribe(t, b, SourceTopic("example.org/a"))

	jA := job.New("example.org/a", ingest.PriorityNormal)
	jB := job.New("example.org/b", ingest.PriorityNormal)

	if err := b.OnJobEnqueued(context.Background(), jA); err != nil {
		t.Fatalf("OnJobEnqueued: %v", err)
	}
	evt := recvEvent(t, sub)
	if evt.Type != EventJobEnqueued {
		t.Errorf("Type = %q, want %q", evt.Type, EventJobEnqueued)
	}

	// Events for a different source should NOT arrive.
	if err := b.OnJobEnqueued(context.Background(), jB); err != nil {
		t.Fatalf("OnJobEnqueued: %v", err)
	}
	select {
	case <-sub.C():
		t.Fatal("should not receive event for different source")
	case <-time.After(50 * time.Millisecond):
		// ok — no event
	}
}

func TestBrokerFailedRetryPayloads(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())
	sub := mustSubscribe(t, b, TopicFirehose)

	j := job.New("example.org/feed", ingest.PriorityLow)

	next := time.Now().Add(2 * time.Second)
	if err := b.OnJobRetrying(context.Background(), j, 3, next); err != nil {
		t.Fatalf("OnJobRetrying: %v", err)
	}
	evt := recvEvent(t, sub)
	var data JobEventData
	if err := json.Unmarshal(evt.Data, &data); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if data.Attempt != 3 {
		t.Errorf("Attempt = %d, want 3", data.Attempt)
	}
	if data.NextAttemptAt == "" {
		t.Error("NextAttemptAt should be set for retry events")
	}

	res := ingest.Result{
		JobID:     j.ID,
		SourceKey: j.SourceKey,
		Priority:  j.Priority,
		Attempts:  6,
		Fault:     ingest.FaultNetwork,
		Err:       errors.New("connection refused"),
	}
	if err := b.OnJobFailed(context.Background(), j, res); err != nil {
		t.Fatalf("OnJobFailed: %v", err)
	}
	evt = recvEvent(t, sub)
	if err := json.Unmarshal(evt.Data, &data); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if data.Fault != string(ingest.FaultNetwork) {
		t.Errorf("Fault = %q, want %q", data.Fault, ingest.FaultNetwork)
	}
	if data.Error != "connection refused" {
		t.Errorf("Error = %q, want %q", data.Error, "connection refused")
	}
}

func TestBrokerBatchAndPressureEvents(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())
	batches := mustSubscribe(t, b, TopicBatches)
	progress := mustSubscribe(t, b, TopicProgress)

	summary := ingest.BatchSummary{
		BatchID:   id.NewBatchID(),
		Total:     10,
		Succeeded: 8,
		Failed:    1,
		Cancelled: 1,
		Duration:  time.Second,
	}
	if err := b.OnBatchCompleted(context.Background(), summary); err != nil {
		t.Fatalf("OnBatchCompleted: %v", err)
	}
	evt := recvEvent(t, batches)
	var bd BatchEventData
	if err := json.Unmarshal(evt.Data, &bd); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if bd.Succeeded != 8 || bd.Total != 10 {
		t.Errorf("payload = %+v, want 8/10", bd)
	}

	if err := b.OnPressureChanged(context.Background(), pressure.LevelCritical); err != nil {
		t.Fatalf("OnPressureChanged: %v", err)
	}
	evt = recvEvent(t, progress)
	if evt.Type != EventPressureChanged {
		t.Errorf("Type = %q, want %q", evt.Type, EventPressureChanged)
	}
}

func TestBrokerRemoveSubscriber(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())
	sub := mustSubscribe(t, b, TopicFirehose)

	b.RemoveSubscriber(sub.ID())

	j := job.New("example.org/feed", ingest.PriorityNormal)
	if err := b.OnJobEnqueued(context.Background(), j); err != nil {
		t.Fatalf("OnJobEnqueued: %v", err)
	}

	// Channel should be closed.
	select {
	case _, ok := <-sub.C():
		if ok {
			t.Fatal("channel should be closed after RemoveSubscriber")
		}
	case <-time.After(100 * time.Millisecond):
		// ok
	}
}

func TestBrokerShutdownClosesAll(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())
	s1 := mustSubscribe(t, b, TopicProgress)
	s2 := mustSubscribe(t, b, TopicResults)

	if err := b.OnShutdown(context.Background()); err != nil {
		t.Fatalf("OnShutdown: %v", err)
	}

	for _, sub := range []*Subscriber{s1, s2} {
		if _, ok := <-sub.C(); ok {
			t.Fatal("subscriber channel should be closed after shutdown")
		}
	}
	if got := b.Stats().SubscriberCount; got != 0 {
		t.Errorf("SubscriberCount after shutdown = %d, want 0", got)
	}
}

func TestBrokerSubscribeInvalidTopic(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())
	if _, err := b.Subscribe("bogus"); err == nil {
		t.Fatal("Subscribe with invalid topic should fail")
	}
	if got := b.Stats().SubscriberCount; got != 0 {
		t.Errorf("SubscriberCount = %d, want 0", got)
	}
}

func TestBrokerStats(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())

	mustSubscribe(t, b, TopicProgress)
	mustSubscribe(t, b, TopicBatches, TopicFirehose)

	stats := b.Stats()
	if stats.SubscriberCount != 2 {
		t.Errorf("SubscriberCount = %d, want 2", stats.SubscriberCount)
	}
	if stats.TopicCount < 2 {
		t.Errorf("TopicCount = %d, want >= 2", stats.TopicCount)
	}
}

func TestSubscriberCredits(t *testing.T) {
	t.Parallel()

	sub := NewSubscriber(id.NewSubscriberID(), 10, 2)

	evt := &Event{Type: EventJobEnqueued, Timestamp: time.Now().UTC(), Data: json.RawMessage(`{}`)}

	// Should accept 2 events (initial credits).
	if !sub.send(evt) {
		t.Fatal("first send should succeed")
	}
	if !sub.send(evt) {
		t.Fatal("second send should succeed")
	}

	// Third should fail — no credits.
	if sub.send(evt) {
		t.Fatal("third send should fail (no credits)")
	}

	// Replenish credits.
	sub.AddCredits(5)
	if sub.Credits() != 5 {
		t.Errorf("Credits = %d, want 5", sub.Credits())
	}

	if !sub.send(evt) {
		t.Fatal("send after credit replenishment should succeed")
	}
}

func TestSubscriberFilter(t *testing.T) {
	t.Parallel()

	sub := NewSubscriber(id.NewSubscriberID(), 10, 100)
	sub.SetFilter(func(e *Event) bool {
		return e.Type == EventJobFailed
	})

	// Should be rejected by filter.
	if sub.send(&Event{Type: EventJobCompleted, Timestamp: time.Now().UTC(), Data: json.RawMessage(`{}`)}) {
		t.Fatal("completed event should be filtered out")
	}

	// Should pass filter.
	if !sub.send(&Event{Type: EventJobFailed, Timestamp: time.Now().UTC(), Data: json.RawMessage(`{}`)}) {
		t.Fatal("failed event should pass filter")
	}
}

func TestSubscriberFilterInstalledMidStream(t *testing.T) {
	t.Parallel()

	sub := NewSubscriber(id.NewSubscriberID(), 1024, 10000)

	// Deliver continuously while the filter is swapped in; the race
	// detector flags an unguarded filter field here.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			sub.send(&Event{Type: EventJobCompleted, Timestamp: time.Now().UTC(), Data: json.RawMessage(`{}`)})
		}
	}()
	sub.SetFilter(func(e *Event) bool { return e.Type == EventJobFailed })
	<-done

	// Once installed, the filter applies to every later delivery.
	if sub.send(&Event{Type: EventJobCompleted, Timestamp: time.Now().UTC(), Data: json.RawMessage(`{}`)}) {
		t.Fatal("completed event should be filtered out after install")
	}
	if !sub.send(&Event{Type: EventJobFailed, Timestamp: time.Now().UTC(), Data: json.RawMessage(`{}`)}) {
		t.Fatal("failed event should pass filter")
	}
}

func TestTopicValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		topic string
		valid bool
	}{
		{TopicProgress, true},
		{TopicResults, true},
		{TopicBatches, true},
		{TopicFirehose, true},
		{"job:job_01h2xcejqtf2nbrexx3vqjhp41", true},
		{"source:example.org/feed", true},
		{"invalid", false},
		{"unknown:entity", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			err := ValidateTopic(tt.topic)
			if tt.valid && err != nil {
				t.Errorf("ValidateTopic(%q) returned error: %v", tt.topic, err)
			}
			if !tt.valid && err == nil {
				t.Errorf("ValidateTopic(%q) should return error", tt.topic)
			}
		})
	}
}

func TestTopicRegistry(t *testing.T) {
	t.Parallel()

	tr := NewTopicRegistry()

	sub1 := NewSubscriber(id.NewSubscriberID(), 10, 100)
	sub2 := NewSubscriber(id.NewSubscriberID(), 10, 100)

	tr.Subscribe("topic-a", sub1)
	tr.Subscribe("topic-a", sub2)
	tr.Subscribe("topic-b", sub1)

	if tr.TopicCount() != 2 {
		t.Errorf("TopicCount = %d, want 2", tr.TopicCount())
	}
	if tr.SubscriberCount("topic-a") != 2 {
		t.Errorf("SubscriberCount(topic-a) = %d, want 2", tr.SubscriberCount("topic-a"))
	}

	// Unsubscribe sub2 from topic-a.
	tr.Unsubscribe("topic-a", sub2.ID().String())
	if tr.SubscriberCount("topic-a") != 1 {
		t.Errorf("SubscriberCount(topic-a) = %d, want 1", tr.SubscriberCount("topic-a"))
	}

	// UnsubscribeAll for sub1.
	tr.UnsubscribeAll(sub1.ID().String())
	if tr.TopicCount() != 0 {
		t.Errorf("TopicCount after UnsubscribeAll = %d, want 0", tr.TopicCount())
	}
}

func TestBroadcastDeduplication(t *testing.T) {
	t.Parallel()

	tr := NewTopicRegistry()
	sub := NewSubscriber(id.NewSubscriberID(), 10, 100)

	// Subscribe to multiple topics.
	tr.Subscribe("topic-x", sub)
	tr.Subscribe("topic-y", sub)

	evt := &Event{Type: EventJobEnqueued, Timestamp: time.Now().UTC(), Data: json.RawMessage(`{}`)}

	delivered := tr.Broadcast([]string{"topic-x", "topic-y"}, evt)
	if delivered != 1 {
		t.Errorf("Broadcast delivered to %d subscribers, want 1 (deduplicated)", delivered)
	}
}

func TestResolveTopics(t *testing.T) {
	t.Parallel()

	tests := []struct {
		evt      *Event
		expected []string
	}{
		{
			evt:      &Event{Type: EventJobEnqueued, Topic: "job:j1"},
			expected: []string{TopicFirehose, TopicProgress, "job:j1"},
		},
		{
			evt:      &Event{Type: EventJobCompleted, Topic: "job:j1"},
			expected: []string{TopicFirehose, TopicProgress, TopicResults, "job:j1"},
		},
		{
			evt:      &Event{Type: EventBatchCompleted},
			expected: []string{TopicFirehose, TopicBatches},
		},
		{
			evt:      &Event{Type: EventPressureChanged},
			expected: []string{TopicFirehose, TopicProgress},
		},
	}

	for _, tt := range tests {
		t.Run(string(tt.evt.Type), func(t *testing.T) {
			topics := resolveTopics(tt.evt)
			if len(topics) != len(tt.expected) {
				t.Errorf("got %d topics, want %d: %v", len(topics), len(tt.expected), topics)
				return
			}
			for i, topic := range topics {
				if topic != tt.expected[i] {
					t.Errorf("topic[%d] = %q, want %q", i, topic, tt.expected[i])
				}
			}
		})
	}
}
