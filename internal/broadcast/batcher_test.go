// Sentinel - Home Security Monitoring Backend
// Copyright 2026 Sentinel Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sentinel-sec/sentinel

package broadcast

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/sentinel-sec/sentinel/internal/eventbus"
)

// sendRecorder captures events delivered through a SendFunc.
type sendRecorder struct {
	mu     sync.Mutex
	events []*eventbus.Event
}

func (r *sendRecorder) send(_ context.Context, event *eventbus.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *sendRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *sendRecorder) get(i int) *eventbus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[i]
}

func detectionEvent(n int) *eventbus.Event {
	ev := eventbus.NewEvent("detection.person", map[string]interface{}{"index": n})
	ev.Channel = "detections"
	return ev
}

func TestBatcherSizeTrigger(t *testing.T) {
	rec := &sendRecorder{}
	b := NewBatcher(BatcherConfig{
		Channels:      []string{"detections"},
		FlushInterval: time.Hour, // timer must not fire during the test
		MaxBatchSize:  5,
	}, rec.send)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		batched, err := b.QueueMessage(ctx, detectionEvent(i))
		if err != nil {
			t.Fatalf("QueueMessage: %v", err)
		}
		if !batched {
			t.Fatal("QueueMessage reported pass-through for a batched channel")
		}
	}

	if rec.count() != 1 {
		t.Fatalf("sends = %d, want exactly 1 batch", rec.count())
	}
	if b.PendingCount("detections") != 0 {
		t.Fatalf("PendingCount = %d after flush, want 0", b.PendingCount("detections"))
	}

	batch := rec.get(0)
	if batch.Type != "batch" {
		t.Fatalf("batch type = %q, want %q", batch.Type, "batch")
	}
	if batch.Channel != "detections" {
		t.Fatalf("batch channel = %q, want %q", batch.Channel, "detections")
	}
	if batch.Count != 5 {
		t.Fatalf("batch count = %d, want 5", batch.Count)
	}
	if batch.BatchedAt == "" {
		t.Fatal("batch missing batched_at")
	}
	if len(batch.Messages) != 5 {
		t.Fatalf("batch holds %d messages, want 5", len(batch.Messages))
	}
	for i, msg := range batch.Messages {
		if msg.Payload["index"] != i {
			t.Fatalf("message %d has index %v, batch order not preserved", i, msg.Payload["index"])
		}
	}
}

func TestBatchEnvelopeWireShape(t *testing.T) {
	rec := &sendRecorder{}
	b := NewBatcher(BatcherConfig{
		Channels:      []string{"detections"},
		FlushInterval: time.Hour,
		MaxBatchSize:  2,
	}, rec.send)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := b.QueueMessage(ctx, detectionEvent(i)); err != nil {
			t.Fatalf("QueueMessage: %v", err)
		}
	}

	data, err := eventbus.Serialize(rec.get(0))
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	// count, messages, and batched_at sit next to channel at the top
	// level, not nested under a payload object.
	var wire map[string]interface{}
	if err := json.Unmarshal(data, &wire); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if wire["type"] != "batch" || wire["channel"] != "detections" {
		t.Fatalf("wire envelope = %v", wire)
	}
	if wire["count"] != float64(2) {
		t.Fatalf("top-level count = %v, want 2", wire["count"])
	}
	if _, ok := wire["messages"].([]interface{}); !ok {
		t.Fatalf("top-level messages has type %T", wire["messages"])
	}
	if _, ok := wire["batched_at"].(string); !ok {
		t.Fatal("top-level batched_at missing")
	}
	if _, ok := wire["payload"]; ok {
		t.Fatal("batch envelope carries a nested payload object")
	}
}

func TestBatcherPassThrough(t *testing.T) {
	rec := &sendRecorder{}
	b := NewBatcher(BatcherConfig{
		Channels:      []string{"detections"},
		FlushInterval: time.Hour,
		MaxBatchSize:  10,
	}, rec.send)

	ev := eventbus.NewEvent("alert.created", map[string]interface{}{"risk_score": 90})
	ev.Channel = "alerts"

	batched, err := b.QueueMessage(context.Background(), ev)
	if err != nil {
		t.Fatalf("QueueMessage: %v", err)
	}
	if batched {
		t.Fatal("QueueMessage batched an event on an unbatched channel")
	}
	if rec.count() != 1 {
		t.Fatalf("sends = %d, want 1 immediate delivery", rec.count())
	}
	if rec.get(0).Type != "alert.created" {
		t.Fatalf("delivered type = %q, want original event untouched", rec.get(0).Type)
	}
}

func TestBatcherTimerFlush(t *testing.T) {
	rec := &sendRecorder{}
	b := NewBatcher(BatcherConfig{
		Channels:      []string{"detections"},
		FlushInterval: 10 * time.Millisecond,
		MaxBatchSize:  100,
	}, rec.send)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Serve(ctx)
	}()

	if _, err := b.QueueMessage(ctx, detectionEvent(0)); err != nil {
		t.Fatalf("QueueMessage: %v", err)
	}
	if _, err := b.QueueMessage(ctx, detectionEvent(1)); err != nil {
		t.Fatalf("QueueMessage: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for rec.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("timer flush never delivered the pending batch")
		case <-time.After(5 * time.Millisecond):
		}
	}

	batch := rec.get(0)
	if batch.Count != 2 {
		t.Fatalf("batch count = %d, want 2", batch.Count)
	}

	cancel()
	<-done
}

func TestBatcherShutdownDrains(t *testing.T) {
	rec := &sendRecorder{}
	b := NewBatcher(BatcherConfig{
		Channels:      []string{"detections"},
		FlushInterval: time.Hour,
		MaxBatchSize:  100,
	}, rec.send)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Serve(ctx)
	}()

	if _, err := b.QueueMessage(context.Background(), detectionEvent(0)); err != nil {
		t.Fatalf("QueueMessage: %v", err)
	}

	cancel()
	<-done

	if rec.count() != 1 {
		t.Fatalf("sends = %d after shutdown, want pending batch drained", rec.count())
	}
}

func TestBatcherEmptyFlushIsNoop(t *testing.T) {
	rec := &sendRecorder{}
	b := NewBatcher(BatcherConfig{
		Channels:      []string{"detections"},
		FlushInterval: time.Hour,
		MaxBatchSize:  10,
	}, rec.send)

	b.FlushChannel(context.Background(), "detections")
	b.FlushAll(context.Background())

	if rec.count() != 0 {
		t.Fatalf("sends = %d for empty flush, want 0", rec.count())
	}
}
