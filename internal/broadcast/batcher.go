// Sentinel - Home Security Monitoring Backend
// Copyright 2026 Sentinel Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sentinel-sec/sentinel

package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/sentinel-sec/sentinel/internal/eventbus"
	"github.com/sentinel-sec/sentinel/internal/logging"
	"github.com/sentinel-sec/sentinel/internal/metrics"
)

// SendFunc delivers one outbound event. The batcher calls it with the
// wrapped batch envelope; the broadcaster calls it directly for unbatched
// channels. Fixed at construction.
type SendFunc func(ctx context.Context, event *eventbus.Event) error

// BatcherConfig tunes message coalescing.
type BatcherConfig struct {
	// Channels lists the channels subject to batching. Messages on any
	// other channel pass through untouched.
	Channels []string
	// FlushInterval is the background timer period.
	FlushInterval time.Duration
	// MaxBatchSize triggers an immediate flush when a channel's pending
	// count reaches it.
	MaxBatchSize int
}

// Batcher coalesces high-frequency messages per channel. Pending messages
// are ephemeral: once flushed they become a single batch envelope and are
// discarded from internal state, even when delivery fails. That trades
// redelivery of one failed batch for bounded memory.
type Batcher struct {
	cfg      BatcherConfig
	send     SendFunc
	channels map[string]struct{}

	mu      sync.Mutex
	pending map[string][]*eventbus.Event
}

// NewBatcher creates a batcher delivering flushed batches through send.
func NewBatcher(cfg BatcherConfig, send SendFunc) *Batcher {
	channels := make(map[string]struct{}, len(cfg.Channels))
	for _, ch := range cfg.Channels {
		channels[ch] = struct{}{}
	}
	return &Batcher{
		cfg:      cfg,
		send:     send,
		channels: channels,
		pending:  make(map[string][]*eventbus.Event),
	}
}

// QueueMessage queues the event for batching. If the event's channel is not
// configured for batching it is sent immediately and QueueMessage reports
// false. Reaching MaxBatchSize flushes the channel inline.
func (b *Batcher) QueueMessage(ctx context.Context, event *eventbus.Event) (bool, error) {
	if _, ok := b.channels[event.Channel]; !ok {
		return false, b.send(ctx, event)
	}

	b.mu.Lock()
	b.pending[event.Channel] = append(b.pending[event.Channel], event)
	full := len(b.pending[event.Channel]) >= b.cfg.MaxBatchSize
	b.mu.Unlock()

	if full {
		b.flush(ctx, event.Channel, "size")
	}
	return true, nil
}

// FlushChannel synchronously flushes one channel's pending messages.
func (b *Batcher) FlushChannel(ctx context.Context, channel string) {
	b.flush(ctx, channel, "manual")
}

// FlushAll synchronously flushes every channel with pending messages.
// Used on shutdown so no buffered message is silently dropped.
func (b *Batcher) FlushAll(ctx context.Context) {
	for _, ch := range b.pendingChannels() {
		b.flush(ctx, ch, "shutdown")
	}
}

// PendingCount returns the number of queued messages on a channel.
func (b *Batcher) PendingCount(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending[channel])
}

// Serve runs the background flush timer until the context is canceled.
// Pending messages are flushed before Serve returns.
func (b *Batcher) Serve(ctx context.Context) error {
	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Graceful shutdown: drain whatever is buffered. Use a
			// background context since ctx is already canceled.
			b.FlushAll(context.Background())
			return ctx.Err()
		case <-ticker.C:
			for _, ch := range b.pendingChannels() {
				b.flush(ctx, ch, "timer")
			}
		}
	}
}

// flush pops the channel's pending list and sends it as one batch envelope.
// The list is cleared before delivery; a failed send is logged, not retried.
func (b *Batcher) flush(ctx context.Context, channel, trigger string) {
	b.mu.Lock()
	msgs := b.pending[channel]
	delete(b.pending, channel)
	b.mu.Unlock()

	if len(msgs) == 0 {
		return
	}

	now := time.Now().UTC()
	batch := &eventbus.Event{
		Type:      "batch",
		Channel:   channel,
		Timestamp: now,
		Count:     len(msgs),
		Messages:  msgs,
		BatchedAt: now.Format(time.RFC3339),
	}

	metrics.RecordBatchFlush(channel, trigger, len(msgs))

	if err := b.send(ctx, batch); err != nil {
		logging.Warn().
			Err(err).
			Str("channel", channel).
			Int("count", len(msgs)).
			Msg("batch delivery failed, batch dropped")
	}
}

func (b *Batcher) pendingChannels() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.pending))
	for ch, msgs := range b.pending {
		if len(msgs) > 0 {
			out = append(out, ch)
		}
	}
	return out
}
