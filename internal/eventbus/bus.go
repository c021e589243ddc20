// Sentinel - Home Security Monitoring Backend
// Copyright 2026 Sentinel Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sentinel-sec/sentinel

package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/sentinel-sec/sentinel/internal/logging"
	"github.com/sentinel-sec/sentinel/internal/metrics"
)

// Bus couples a Watermill publisher and subscriber into the shared pub/sub
// backend the broadcaster consumes from. The publish path is optionally
// guarded by a circuit breaker.
type Bus struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	breaker    *gobreaker.CircuitBreaker[interface{}]

	mu     sync.RWMutex
	closed bool
}

// BreakerConfig tunes the publish-path circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive publish failures
	// before the breaker opens.
	FailureThreshold uint32
	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration
}

// NewGoChannelBus creates an in-process bus. Publisher and subscriber share
// one gochannel instance, so every broadcaster in the process sees every
// published event.
func NewGoChannelBus() *Bus {
	ch := gochannel.NewGoChannel(
		gochannel.Config{OutputChannelBuffer: 256},
		NewWatermillLogger(),
	)
	return &Bus{publisher: ch, subscriber: ch}
}

// NewBus wraps an existing publisher/subscriber pair.
func NewBus(pub message.Publisher, sub message.Subscriber) *Bus {
	return &Bus{publisher: pub, subscriber: sub}
}

// SetCircuitBreaker installs a circuit breaker on the publish path.
func (b *Bus) SetCircuitBreaker(cfg BreakerConfig) {
	settings := gobreaker.Settings{
		Name:    "eventbus-publish",
		Timeout: cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.BusCircuitBreakerState.Set(float64(to))
		},
	}
	b.breaker = gobreaker.NewCircuitBreaker[interface{}](settings)
}

// Publish serializes the event and publishes it on the given topic.
func (b *Bus) Publish(ctx context.Context, topic string, event *Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	b.mu.RUnlock()

	data, err := Serialize(event)
	if err != nil {
		return fmt.Errorf("serialize event: %w", err)
	}

	msg := message.NewMessage(uuid.New().String(), data)
	msg.Metadata.Set("event_type", event.Type)
	// JetStream dedup key; harmless on the gochannel backend.
	msg.Metadata.Set("Nats-Msg-Id", msg.UUID)
	if event.CorrelationID != "" {
		msg.Metadata.Set("correlation_id", event.CorrelationID)
	}
	msg.SetContext(ctx)

	if b.breaker != nil {
		_, err = b.breaker.Execute(func() (interface{}, error) {
			return nil, b.publisher.Publish(topic, msg)
		})
	} else {
		err = b.publisher.Publish(topic, msg)
	}

	metrics.RecordBusPublish(err)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe returns a channel of raw messages for the given topic.
// The channel closes when the context is canceled or the bus is closed.
func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	return b.subscriber.Subscribe(ctx, topic)
}

// BreakerState reports the publish breaker state for health surfaces.
// Returns "disabled" when no breaker is configured.
func (b *Bus) BreakerState() string {
	if b.breaker == nil {
		return "disabled"
	}
	return b.breaker.State().String()
}

// Close shuts down both sides of the bus. Safe to call more than once.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	pubErr := b.publisher.Close()
	// A shared gochannel backend is the same object on both sides; avoid
	// double-closing it.
	if any(b.subscriber) != any(b.publisher) {
		if err := b.subscriber.Close(); err != nil && pubErr == nil {
			pubErr = err
		}
	}
	return pubErr
}

// watermillLogger adapts the zerolog facade to watermill.LoggerAdapter.
type watermillLogger struct {
	fields watermill.LogFields
}

type logLevel int

const (
	logDebug logLevel = iota
	logInfo
	logError
)

// event starts a zerolog event at the given level with the adapter's
// accumulated fields attached.
func (l *watermillLogger) event(level logLevel, fields watermill.LogFields) *zerolog.Event {
	var ev *zerolog.Event
	switch level {
	case logError:
		ev = logging.Error()
	case logInfo:
		ev = logging.Info()
	default:
		ev = logging.Debug()
	}
	for k, v := range l.fields {
		ev = ev.Interface(k, v)
	}
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	return ev
}

// NewWatermillLogger returns a watermill.LoggerAdapter writing through the
// global zerolog logger.
func NewWatermillLogger() watermill.LoggerAdapter {
	return &watermillLogger{}
}

func (l *watermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	l.event(logError, fields).Err(err).Msg(msg)
}

func (l *watermillLogger) Info(msg string, fields watermill.LogFields) {
	l.event(logInfo, fields).Msg(msg)
}

func (l *watermillLogger) Debug(msg string, fields watermill.LogFields) {
	l.event(logDebug, fields).Msg(msg)
}

func (l *watermillLogger) Trace(msg string, fields watermill.LogFields) {
	l.event(logDebug, fields).Msg(msg)
}

func (l *watermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	merged := make(watermill.LogFields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &watermillLogger{fields: merged}
}
