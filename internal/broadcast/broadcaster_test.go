// Sentinel - Home Security Monitoring Backend
// Copyright 2026 Sentinel Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sentinel-sec/sentinel

package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sentinel-sec/sentinel/internal/eventbus"
)

// fakeConn is an in-memory Conn recording everything sent to it.
type fakeConn struct {
	id string

	mu     sync.Mutex
	msgs   [][]byte
	fail   bool
	closed bool
}

func newFakeConn(id string) *fakeConn { return &fakeConn{id: id} }

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(_ context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("send refused")
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	c.msgs = append(c.msgs, buf)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) received() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) decoded(t *testing.T) []*eventbus.Event {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*eventbus.Event, 0, len(c.msgs))
	for _, data := range c.msgs {
		ev, err := eventbus.Deserialize(data)
		if err != nil {
			t.Fatalf("Deserialize delivered message: %v", err)
		}
		out = append(out, ev)
	}
	return out
}

func testBroadcaster(t *testing.T) (*Broadcaster, *eventbus.Bus) {
	t.Helper()
	bus := eventbus.NewGoChannelBus()
	t.Cleanup(func() { _ = bus.Close() })

	cfg := DefaultConfig()
	cfg.Topic = "test.events"
	batcherCfg := BatcherConfig{FlushInterval: time.Hour, MaxBatchSize: 10}
	return NewBroadcaster(cfg, batcherCfg, bus, DefaultHealthConfig()), bus
}

// startServing runs the consume loop and blocks until it is subscribed.
func startServing(t *testing.T, b *Broadcaster) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	waitFor(t, func() bool { return b.GetStats().Running }, "consume loop never started")
	// Give the bus subscription a moment to register before publishing.
	time.Sleep(50 * time.Millisecond)
	return cancel
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal(msg)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestBroadcasterReplayEviction(t *testing.T) {
	b, _ := testBroadcaster(t)
	ctx := context.Background()

	for i := 0; i < 150; i++ {
		ev := eventbus.NewEvent("alert.created", map[string]interface{}{"n": i})
		if err := b.Publish(ctx, ev); err != nil {
			t.Fatalf("Publish %d: %v", i, err)
		}
	}

	got := b.GetMessagesSince(0, false)
	if len(got) != 100 {
		t.Fatalf("replay holds %d events, want 100", len(got))
	}
	if got[0].Sequence != 51 {
		t.Fatalf("oldest buffered sequence = %d, want 51", got[0].Sequence)
	}
	if got[len(got)-1].Sequence != 150 {
		t.Fatalf("newest buffered sequence = %d, want 150", got[len(got)-1].Sequence)
	}
	for i := 1; i < len(got); i++ {
		if got[i].Sequence != got[i-1].Sequence+1 {
			t.Fatalf("replay not in ascending sequence order at index %d", i)
		}
	}
}

func TestBroadcasterGetMessagesSince(t *testing.T) {
	b, _ := testBroadcaster(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if err := b.Publish(ctx, eventbus.NewEvent("camera.status_changed", nil)); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	got := b.GetMessagesSince(5, true)
	if len(got) != 5 {
		t.Fatalf("GetMessagesSince(5) returned %d events, want 5", len(got))
	}
	for i, ev := range got {
		if want := uint64(6 + i); ev.Sequence != want {
			t.Fatalf("event %d has sequence %d, want %d", i, ev.Sequence, want)
		}
		if !ev.Replay {
			t.Fatalf("event %d not marked as replay", i)
		}
	}

	// Replay marking must not leak into the buffer itself.
	for _, ev := range b.GetMessagesSince(0, false) {
		if ev.Replay {
			t.Fatal("buffered event mutated by replay marking")
		}
	}
}

func TestBroadcasterAckWatermarkMonotonic(t *testing.T) {
	b, _ := testBroadcaster(t)
	b.Connect(newFakeConn("conn-1"))

	for _, seq := range []uint64{10, 20, 10} {
		if err := b.RecordAck("conn-1", seq); err != nil {
			t.Fatalf("RecordAck(%d): %v", seq, err)
		}
	}

	got, err := b.LastAck("conn-1")
	if err != nil {
		t.Fatalf("LastAck: %v", err)
	}
	if got != 20 {
		t.Fatalf("LastAck = %d, want 20 (stale ack must not regress the watermark)", got)
	}

	if err := b.RecordAck("ghost", 1); !errors.Is(err, ErrUnknownConnection) {
		t.Fatalf("RecordAck unknown: err = %v, want ErrUnknownConnection", err)
	}
	if _, err := b.LastAck("ghost"); !errors.Is(err, ErrUnknownConnection) {
		t.Fatalf("LastAck unknown: err = %v, want ErrUnknownConnection", err)
	}
}

func TestBroadcasterAckPolicy(t *testing.T) {
	policy := AckPolicy{RiskScore: 80, RiskLevels: []string{"critical"}}

	tests := []struct {
		name    string
		payload map[string]interface{}
		want    bool
	}{
		{"high score", map[string]interface{}{"risk_score": 95.0}, true},
		{"boundary score", map[string]interface{}{"risk_score": 80.0}, true},
		{"low score", map[string]interface{}{"risk_score": 40.0}, false},
		{"critical level", map[string]interface{}{"risk_level": "critical"}, true},
		{"info level", map[string]interface{}{"risk_level": "info"}, false},
		{"no risk fields", map[string]interface{}{"camera": "front-door"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := eventbus.NewEvent("alert.created", tt.payload)
			if got := policy.RequiresAck(ev); got != tt.want {
				t.Fatalf("RequiresAck = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBroadcasterPublishStampsRequiresAck(t *testing.T) {
	b, _ := testBroadcaster(t)

	ev := eventbus.NewEvent("alert.created", map[string]interface{}{"risk_score": 92.0})
	if err := b.Publish(context.Background(), ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if !ev.RequiresAck {
		t.Fatal("high-risk event not stamped requires_ack")
	}
	if ev.Sequence == 0 {
		t.Fatal("published event has no sequence number")
	}
}

func TestBroadcasterPublishRejectsInvalidEvent(t *testing.T) {
	b, _ := testBroadcaster(t)

	err := b.Publish(context.Background(), &eventbus.Event{Type: "   "})
	if !errors.Is(err, eventbus.ErrInvalidEventType) {
		t.Fatalf("Publish blank type: err = %v, want ErrInvalidEventType", err)
	}
	if b.GetStats().BufferSize != 0 {
		t.Fatal("invalid event reached the replay buffer")
	}
}

func TestBroadcasterFanoutRespectsSubscriptions(t *testing.T) {
	b, _ := testBroadcaster(t)
	startServing(t, b)

	all := newFakeConn("all")
	filtered := newFakeConn("filtered")
	b.Connect(all)
	b.Connect(filtered)
	if err := b.Subscriptions().Subscribe("filtered", []string{"alert.*"}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	ctx := context.Background()
	if err := b.Publish(ctx, eventbus.NewEvent("alert.created", nil)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := b.Publish(ctx, eventbus.NewEvent("camera.added", nil)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	waitFor(t, func() bool { return all.received() == 2 }, "unfiltered connection did not receive both events")
	waitFor(t, func() bool { return filtered.received() == 1 }, "filtered connection did not receive its event")

	events := filtered.decoded(t)
	if events[0].Type != "alert.created" {
		t.Fatalf("filtered connection received %q, want alert.created", events[0].Type)
	}

	// Delivery counters advance only for actual deliveries.
	if seq, err := b.sequences.Current("all"); err != nil || seq != 2 {
		t.Fatalf("delivery sequence for all = %d (%v), want 2", seq, err)
	}
	if seq, err := b.sequences.Current("filtered"); err != nil || seq != 1 {
		t.Fatalf("delivery sequence for filtered = %d (%v), want 1", seq, err)
	}
}

func TestBroadcasterSendFailureDropsConnection(t *testing.T) {
	b, _ := testBroadcaster(t)
	startServing(t, b)

	good := newFakeConn("good")
	bad := newFakeConn("bad")
	bad.fail = true
	b.Connect(good)
	b.Connect(bad)

	if err := b.Publish(context.Background(), eventbus.NewEvent("alert.created", nil)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	waitFor(t, func() bool { return b.ConnectionCount() == 1 }, "failing connection never dropped")
	waitFor(t, func() bool { return good.received() == 1 }, "healthy connection starved by failing peer")

	if !bad.isClosed() {
		t.Fatal("dropped connection not closed")
	}
	if _, err := b.LastAck("bad"); !errors.Is(err, ErrUnknownConnection) {
		t.Fatal("ack state leaked after forced disconnect")
	}
}

func TestBroadcasterServeAlreadyStarted(t *testing.T) {
	b, _ := testBroadcaster(t)
	startServing(t, b)

	if err := b.Serve(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second Serve: err = %v, want ErrAlreadyStarted", err)
	}
	if err := b.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("Start while running: err = %v, want ErrAlreadyStarted", err)
	}
}

func TestBroadcasterConnectDisconnect(t *testing.T) {
	b, _ := testBroadcaster(t)

	conn := newFakeConn("conn-1")
	b.Connect(conn)
	b.Connect(conn) // idempotent
	if b.ConnectionCount() != 1 {
		t.Fatalf("ConnectionCount = %d after duplicate connect, want 1", b.ConnectionCount())
	}

	if err := b.Disconnect("conn-1"); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if !conn.isClosed() {
		t.Fatal("Disconnect did not close the connection")
	}
	if b.ConnectionCount() != 0 {
		t.Fatalf("ConnectionCount = %d after disconnect, want 0", b.ConnectionCount())
	}
	if b.sequences.Len() != 0 {
		t.Fatal("sequence tracker entry leaked after disconnect")
	}

	if err := b.Disconnect("conn-1"); !errors.Is(err, ErrUnknownConnection) {
		t.Fatalf("second Disconnect: err = %v, want ErrUnknownConnection", err)
	}
}

func TestBroadcasterStats(t *testing.T) {
	b, _ := testBroadcaster(t)
	b.Connect(newFakeConn("conn-1"))

	for i := 0; i < 3; i++ {
		if err := b.Publish(context.Background(), eventbus.NewEvent(fmt.Sprintf("alert.type%d", i), nil)); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	stats := b.GetStats()
	if stats.Connections != 1 {
		t.Errorf("Connections = %d, want 1", stats.Connections)
	}
	if stats.TotalPublished != 3 {
		t.Errorf("TotalPublished = %d, want 3", stats.TotalPublished)
	}
	if stats.BufferSize != 3 {
		t.Errorf("BufferSize = %d, want 3", stats.BufferSize)
	}
	if stats.Running {
		t.Error("Running = true without a consume loop")
	}
}

func TestBroadcasterConcurrentPublishOrdering(t *testing.T) {
	b, _ := testBroadcaster(t)
	ctx := context.Background()

	const publishers = 16
	const perPublisher = 25

	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perPublisher; i++ {
				ev := eventbus.NewEvent("detection.person", map[string]interface{}{"p": p, "i": i})
				if err := b.Publish(ctx, ev); err != nil {
					t.Errorf("Publish: %v", err)
					return
				}
			}
		}(p)
	}
	wg.Wait()

	total := uint64(publishers * perPublisher)
	if got := b.GetStats().TotalPublished; got != total {
		t.Fatalf("TotalPublished = %d, want %d", got, total)
	}

	// The buffer must be strictly ascending with no gaps in its window
	// even when publishers race.
	got := b.GetMessagesSince(0, false)
	if len(got) != 100 {
		t.Fatalf("replay holds %d events, want 100", len(got))
	}
	wantFirst := total - 99
	for i, ev := range got {
		if ev.Sequence != wantFirst+uint64(i) {
			t.Fatalf("buffer[%d].Sequence = %d, want %d (out of order under concurrent publish)",
				i, ev.Sequence, wantFirst+uint64(i))
		}
	}
}

func TestBroadcasterDeliveredCounter(t *testing.T) {
	b, _ := testBroadcaster(t)
	startServing(t, b)

	conn := newFakeConn("conn-1")
	b.Connect(conn)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := b.Publish(ctx, eventbus.NewEvent("alert.created", nil)); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	waitFor(t, func() bool { return conn.received() == 3 }, "events never delivered")

	delivered, err := b.Delivered("conn-1")
	if err != nil {
		t.Fatalf("Delivered: %v", err)
	}
	if delivered != 3 {
		t.Fatalf("Delivered = %d, want 3", delivered)
	}

	if _, err := b.Delivered("ghost"); !errors.Is(err, ErrUnknownConnection) {
		t.Fatalf("Delivered(ghost): err = %v, want ErrUnknownConnection", err)
	}
}

func TestBackoffDelay(t *testing.T) {
	base := time.Second
	max := 30 * time.Second

	want := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	for i, w := range want {
		if got := backoffDelay(base, max, i+1); got != w {
			t.Errorf("backoffDelay(attempt=%d) = %v, want %v", i+1, got, w)
		}
	}
}
