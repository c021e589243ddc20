// Sentinel - Home Security Monitoring Backend
// Copyright 2026 Sentinel Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sentinel-sec/sentinel

package broadcast

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/thejerf/suture/v4"

	"github.com/sentinel-sec/sentinel/internal/eventbus"
	"github.com/sentinel-sec/sentinel/internal/logging"
	"github.com/sentinel-sec/sentinel/internal/metrics"
)

// AckPolicy decides which published events require client acknowledgment.
// The thresholds are business rules injected from configuration, not
// constants of the transport.
type AckPolicy struct {
	// RiskScore marks events whose payload risk score is at or above this
	// value.
	RiskScore float64
	// RiskLevels marks events whose payload risk level matches any listed
	// value, regardless of score.
	RiskLevels []string
}

// RequiresAck applies the policy to one event.
func (p AckPolicy) RequiresAck(event *eventbus.Event) bool {
	if score, ok := event.RiskScore(); ok && score >= p.RiskScore {
		return true
	}
	level := event.RiskLevel()
	for _, l := range p.RiskLevels {
		if l == level {
			return true
		}
	}
	return false
}

// Config tunes the broadcaster.
type Config struct {
	// Topic is the bus topic the consume loop subscribes to and Publish
	// writes to.
	Topic string
	// ReplayCapacity bounds the replay ring buffer.
	ReplayCapacity int
	// AckPolicy tags high-priority events with requires_ack.
	AckPolicy AckPolicy

	// Listener reconnect policy: exponential backoff from ReconnectBase
	// capped at ReconnectMax, giving up after ReconnectAttempts.
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
	ReconnectAttempts int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Topic:             "sentinel.events",
		ReplayCapacity:    100,
		AckPolicy:         AckPolicy{RiskScore: 80, RiskLevels: []string{"critical"}},
		ReconnectBase:     time.Second,
		ReconnectMax:      30 * time.Second,
		ReconnectAttempts: 5,
	}
}

// connState holds per-connection acknowledgment state under its own lock.
type connState struct {
	mu      sync.Mutex
	lastAck uint64
}

// Broadcaster is the fan-out hub. It owns the live connection set, consumes
// events from the shared bus, assigns sequence numbers, maintains the
// replay buffer, tracks acknowledgments, and pushes to every subscribed
// connection through the batcher.
type Broadcaster struct {
	cfg       Config
	bus       *eventbus.Bus
	sequences *SequenceTracker
	subs      *SubscriptionManager
	health    *HealthTracker
	batcher   *Batcher
	replay    *replayBuffer

	// pubMu orders sequence assignment with replay-buffer insertion so
	// the buffer stays strictly ascending under concurrent Publish calls.
	pubMu   sync.Mutex
	seq     atomic.Uint64
	running atomic.Bool

	mu    sync.RWMutex
	conns map[string]Conn
	acks  map[string]*connState
}

// Stats is a point-in-time snapshot for health surfaces.
type Stats struct {
	Connections    int    `json:"connections"`
	TotalPublished uint64 `json:"total_published"`
	BufferSize     int    `json:"buffer_size"`
	Running        bool   `json:"running"`
}

// NewBroadcaster wires the hub with its trackers. The internal batcher's
// delivery callback is fixed here: flushed batches and pass-through
// messages alike fan out to all matching live connections.
func NewBroadcaster(cfg Config, batcherCfg BatcherConfig, bus *eventbus.Bus, healthCfg HealthConfig) *Broadcaster {
	b := &Broadcaster{
		cfg:       cfg,
		bus:       bus,
		sequences: NewSequenceTracker(),
		subs:      NewSubscriptionManager(),
		health:    NewHealthTracker(healthCfg),
		replay:    newReplayBuffer(cfg.ReplayCapacity),
		conns:     make(map[string]Conn),
		acks:      make(map[string]*connState),
	}
	b.batcher = NewBatcher(batcherCfg, b.fanout)
	return b
}

// Subscriptions exposes the subscription manager to the transport layer.
func (b *Broadcaster) Subscriptions() *SubscriptionManager { return b.subs }

// Health exposes the connection health tracker.
func (b *Broadcaster) Health() *HealthTracker { return b.health }

// Batcher exposes the internal batcher so its flush timer can be supervised
// alongside the broadcaster.
func (b *Broadcaster) Batcher() *Batcher { return b.batcher }

// Publish validates the envelope, assigns the next global sequence number,
// records the event in the replay buffer, applies the acknowledgment
// policy, and pushes the event onto the shared bus for fan-out to all
// broadcaster instances.
func (b *Broadcaster) Publish(ctx context.Context, event *eventbus.Event) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}

	event.RequiresAck = b.cfg.AckPolicy.RequiresAck(event)
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	// Sequence assignment and buffer insertion must not interleave across
	// publishers. The event is immutable once buffered.
	b.pubMu.Lock()
	event.Sequence = b.seq.Add(1)
	b.replay.add(event)
	b.pubMu.Unlock()

	metrics.EventsPublished.WithLabelValues(event.Type).Inc()

	return b.bus.Publish(ctx, b.cfg.Topic, event)
}

// Connect registers a connection with every tracker. Idempotent for an
// already-registered ID.
func (b *Broadcaster) Connect(conn Conn) {
	id := conn.ID()

	b.mu.Lock()
	if _, ok := b.conns[id]; ok {
		b.mu.Unlock()
		return
	}
	b.conns[id] = conn
	b.acks[id] = &connState{}
	b.mu.Unlock()

	b.sequences.Register(id)
	b.subs.Register(id)
	b.health.Register(id)

	metrics.ConnectedClients.Inc()
	logging.Info().Str("conn_id", id).Int("total_clients", b.ConnectionCount()).Msg("client connected")
}

// Disconnect removes the connection from every tracker and closes it.
// Deregistration runs even when triggered from an error path so no tracker
// entry leaks.
func (b *Broadcaster) Disconnect(connID string) error {
	b.mu.Lock()
	conn, ok := b.conns[connID]
	if !ok {
		b.mu.Unlock()
		return ErrUnknownConnection
	}
	delete(b.conns, connID)
	delete(b.acks, connID)
	b.mu.Unlock()

	b.sequences.Unregister(connID)
	b.subs.Unregister(connID)
	b.health.Unregister(connID)

	if err := conn.Close(); err != nil {
		logging.Debug().Err(err).Str("conn_id", connID).Msg("close on disconnect")
	}

	metrics.ConnectedClients.Dec()
	logging.Info().Str("conn_id", connID).Int("total_clients", b.ConnectionCount()).Msg("client disconnected")
	return nil
}

// RecordAck updates the connection's acknowledgment watermark. Monotonic:
// a sequence number at or below the stored watermark is silently ignored.
func (b *Broadcaster) RecordAck(connID string, seq uint64) error {
	b.mu.RLock()
	cs, ok := b.acks[connID]
	b.mu.RUnlock()
	if !ok {
		return ErrUnknownConnection
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	if seq > cs.lastAck {
		cs.lastAck = seq
	}
	return nil
}

// LastAck returns the connection's acknowledgment watermark.
func (b *Broadcaster) LastAck(connID string) (uint64, error) {
	b.mu.RLock()
	cs, ok := b.acks[connID]
	b.mu.RUnlock()
	if !ok {
		return 0, ErrUnknownConnection
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.lastAck, nil
}

// GetMessagesSince returns buffered events with sequence strictly greater
// than seq, in ascending order. With markReplay set, each returned event is
// a copy tagged so clients can distinguish replay from live delivery.
func (b *Broadcaster) GetMessagesSince(seq uint64, markReplay bool) []*eventbus.Event {
	metrics.ReplayRequests.Inc()

	events := b.replay.since(seq)
	if !markReplay {
		return events
	}

	out := make([]*eventbus.Event, len(events))
	for i, ev := range events {
		out[i] = ev.WithReplay()
	}
	return out
}

// Delivered returns the connection's delivery counter: the number of
// events fanned out to it so far. Compared against the acknowledgment
// watermark it exposes gaps and lag per connection.
func (b *Broadcaster) Delivered(connID string) (uint64, error) {
	return b.sequences.Current(connID)
}

// ConnectionIDs returns the live connection IDs in sorted order.
func (b *Broadcaster) ConnectionIDs() []string {
	b.mu.RLock()
	ids := make([]string, 0, len(b.conns))
	for id := range b.conns {
		ids = append(ids, id)
	}
	b.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// ConnectionCount returns the number of live connections.
func (b *Broadcaster) ConnectionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.conns)
}

// GetStats returns a snapshot for health surfaces.
func (b *Broadcaster) GetStats() Stats {
	return Stats{
		Connections:    b.ConnectionCount(),
		TotalPublished: b.seq.Load(),
		BufferSize:     b.replay.len(),
		Running:        b.running.Load(),
	}
}

// Start launches the consume loop in the background. Fails when the loop
// is already running. Prefer Serve under a supervisor; Start exists for
// embedding without one.
func (b *Broadcaster) Start(ctx context.Context) error {
	if b.running.Load() {
		return ErrAlreadyStarted
	}
	go func() {
		if err := b.Serve(ctx); err != nil && ctx.Err() == nil {
			logging.Error().Err(err).Msg("broadcaster consume loop exited")
		}
	}()
	return nil
}

// Serve subscribes to the bus and consumes events until the context is
// canceled. Listener drops trigger a bounded exponential-backoff
// resubscribe; once attempts are exhausted Serve gives up and reports a
// terminal error so the supervisor does not loop on a permanently broken
// backend. Implements suture.Service.
func (b *Broadcaster) Serve(ctx context.Context) error {
	if !b.running.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	defer b.running.Store(false)

	attempts := 0
	for {
		msgs, err := b.bus.Subscribe(ctx, b.cfg.Topic)
		if err == nil {
			attempts = 0
			logging.Info().Str("topic", b.cfg.Topic).Msg("broadcaster listening")
			b.consume(ctx, msgs)
			if ctx.Err() != nil {
				logging.Info().Int("clients", b.ConnectionCount()).Msg("broadcaster stopped")
				return ctx.Err()
			}
			logging.Warn().Str("topic", b.cfg.Topic).Msg("bus subscription closed")
		} else {
			logging.Error().Err(err).Str("topic", b.cfg.Topic).Msg("bus subscribe failed")
		}

		attempts++
		if attempts >= b.cfg.ReconnectAttempts {
			return fmt.Errorf("listener gave up after %d reconnect attempts: %w",
				attempts, suture.ErrDoNotRestart)
		}

		delay := backoffDelay(b.cfg.ReconnectBase, b.cfg.ReconnectMax, attempts)
		metrics.ListenerReconnects.Inc()
		logging.Warn().
			Int("attempt", attempts).
			Dur("backoff", delay).
			Msg("reconnecting bus listener")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// consume drains the subscription until it closes or the context ends.
// Malformed payloads are acked and skipped so one bad producer cannot wedge
// the loop.
func (b *Broadcaster) consume(ctx context.Context, msgs <-chan *message.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}

			event, err := eventbus.Deserialize(msg.Payload)
			if err != nil {
				logging.Warn().Err(err).Str("msg_uuid", msg.UUID).Msg("dropping undecodable bus message")
				msg.Ack()
				continue
			}
			msg.Ack()

			if _, err := b.batcher.QueueMessage(ctx, event); err != nil {
				logging.Warn().Err(err).Str("event_type", event.Type).Msg("dispatch failed")
			}
		}
	}
}

// fanout delivers one event to every live, subscribed connection. A send
// failure increments the connection's failure count and drops it from the
// live set; delivery to the remaining connections continues.
func (b *Broadcaster) fanout(ctx context.Context, event *eventbus.Event) error {
	data, err := eventbus.Serialize(event)
	if err != nil {
		return fmt.Errorf("serialize outbound event: %w", err)
	}

	for _, conn := range b.connsSnapshot() {
		id := conn.ID()
		if !b.subs.ShouldSend(id, event.Type) {
			continue
		}

		start := time.Now()
		if err := conn.Send(ctx, data); err != nil {
			b.health.RecordFailure(id)
			metrics.DeliveryFailures.Inc()
			logging.Warn().Err(err).Str("conn_id", id).Str("event_type", event.Type).Msg("send failed, dropping connection")
			_ = b.Disconnect(id)
			continue
		}

		b.health.RecordSuccess(id, time.Since(start))
		metrics.RecordDelivery(time.Since(start))
		if _, err := b.sequences.Next(id); err != nil {
			// Connection disappeared between snapshot and delivery.
			continue
		}
	}
	return nil
}

// connsSnapshot returns the live connections sorted by ID so fan-out order
// is deterministic.
func (b *Broadcaster) connsSnapshot() []Conn {
	b.mu.RLock()
	conns := make([]Conn, 0, len(b.conns))
	for _, c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.RUnlock()

	sort.Slice(conns, func(i, j int) bool { return conns[i].ID() < conns[j].ID() })
	return conns
}

// backoffDelay computes min(base x 2^(attempt-1), max).
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}
