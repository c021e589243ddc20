// Sentinel - Home Security Monitoring Backend
// Copyright 2026 Sentinel Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sentinel-sec/sentinel

package pglistener

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/thejerf/suture/v4"

	"github.com/sentinel-sec/sentinel/internal/eventbus"
	"github.com/sentinel-sec/sentinel/internal/logging"
	"github.com/sentinel-sec/sentinel/internal/metrics"
)

// Errors for the listener.
var (
	ErrNoChannels        = errors.New("no notification channels configured")
	ErrUnknownChannel    = errors.New("notification on unrouted channel")
	ErrEmptyOperation    = errors.New("notification missing operation")
	ErrAttemptsExhausted = errors.New("listener reconnect attempts exhausted")
)

// Publisher is where decoded change events go. The broadcaster satisfies
// it, so database changes enter the same sequenced stream as everything
// else.
type Publisher interface {
	Publish(ctx context.Context, event *eventbus.Event) error
}

// Config tunes the listener.
type Config struct {
	// DSN is the PostgreSQL connection string. The listener holds its own
	// dedicated connection; LISTEN does not work through a pool.
	DSN string
	// Channels are the NOTIFY channels to subscribe to.
	Channels []string
	// Routes maps a notification channel to the entity name used in
	// emitted event types ("alerts_changes" -> "alert"). Channels absent
	// from the map fall back to built-in routes.
	Routes map[string]string

	// Reconnect policy: exponential backoff from ReconnectBase capped at
	// ReconnectMax, giving up after MaxAttempts consecutive failures.
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	MaxAttempts   int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Channels:      []string{"alerts_changes", "cameras_changes", "scene_changes"},
		ReconnectBase: time.Second,
		ReconnectMax:  60 * time.Second,
		MaxAttempts:   10,
	}
}

// defaultRoutes maps trigger channels to event type entities.
var defaultRoutes = map[string]string{
	"alerts_changes":  "alert",
	"cameras_changes": "camera",
	"scene_changes":   "scene",
}

// change is the JSON payload our database triggers attach to NOTIFY.
type change struct {
	Operation string                 `json:"operation"`
	Table     string                 `json:"table"`
	Data      map[string]interface{} `json:"data"`
}

// Listener consumes NOTIFY messages on a dedicated connection and
// republishes them as typed events.
type Listener struct {
	cfg       Config
	publisher Publisher

	// connect is swappable for tests.
	connect func(ctx context.Context, dsn string) (conn, error)
}

// conn is the slice of pgx.Conn the listener uses, narrowed so tests can
// substitute a fake backend.
type conn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	Close(ctx context.Context) error
}

// New creates a listener publishing through pub.
func New(cfg Config, pub Publisher) (*Listener, error) {
	if len(cfg.Channels) == 0 {
		return nil, ErrNoChannels
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 60 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	return &Listener{
		cfg:       cfg,
		publisher: pub,
		connect: func(ctx context.Context, dsn string) (conn, error) {
			return pgx.Connect(ctx, dsn)
		},
	}, nil
}

// Serve connects, listens, and consumes notifications until the context is
// canceled. Connection loss triggers a bounded backoff reconnect; each
// successful connection resets the attempt counter. Implements
// suture.Service.
func (l *Listener) Serve(ctx context.Context) error {
	attempts := 0
	for {
		processed, err := l.listenOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if processed {
			// The connection worked before it broke; the backend is not
			// persistently down, so the budget starts over.
			attempts = 0
		}

		attempts++
		if attempts >= l.cfg.MaxAttempts {
			logging.Error().
				Err(err).
				Int("attempts", attempts).
				Msg("database listener giving up")
			return fmt.Errorf("%w after %d attempts: %w", ErrAttemptsExhausted, attempts, suture.ErrDoNotRestart)
		}

		delay := backoffDelay(l.cfg.ReconnectBase, l.cfg.ReconnectMax, attempts)
		metrics.PgReconnects.Inc()
		logging.Warn().
			Err(err).
			Int("attempt", attempts).
			Dur("backoff", delay).
			Msg("database listener reconnecting")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// listenOnce runs one connection's full lifecycle: connect, LISTEN on
// every channel, consume until error or cancellation. processed reports
// whether at least one notification made it through before the connection
// broke.
func (l *Listener) listenOnce(ctx context.Context) (processed bool, _ error) {
	c, err := l.connect(ctx, l.cfg.DSN)
	if err != nil {
		return false, fmt.Errorf("connect: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Close(closeCtx)
	}()

	for _, ch := range l.cfg.Channels {
		if _, err := c.Exec(ctx, "LISTEN "+pgx.Identifier{ch}.Sanitize()); err != nil {
			return false, fmt.Errorf("listen on %s: %w", ch, err)
		}
	}
	logging.Info().Strs("channels", l.cfg.Channels).Msg("database listener attached")

	for {
		notification, err := c.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return processed, ctx.Err()
			}
			return processed, fmt.Errorf("wait for notification: %w", err)
		}
		l.handle(ctx, notification.Channel, []byte(notification.Payload))
		processed = true
	}
}

// handle decodes one notification and publishes the resulting event.
// Malformed payloads are counted and dropped; they must not kill the
// connection.
func (l *Listener) handle(ctx context.Context, channel string, payload []byte) {
	event, err := l.eventFor(channel, payload)
	if err != nil {
		metrics.PgNotifyErrors.Inc()
		logging.Warn().
			Err(err).
			Str("channel", channel).
			Msg("dropping malformed database notification")
		return
	}

	metrics.PgNotifications.WithLabelValues(channel).Inc()
	if err := l.publisher.Publish(ctx, event); err != nil {
		metrics.PgNotifyErrors.Inc()
		logging.Warn().Err(err).Str("event_type", event.Type).Msg("change event publish failed")
	}
}

// eventFor translates a raw notification into a typed event.
func (l *Listener) eventFor(channel string, payload []byte) (*eventbus.Event, error) {
	entity, ok := l.cfg.Routes[channel]
	if !ok {
		entity, ok = defaultRoutes[channel]
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, channel)
	}

	ch, err := parseChange(payload)
	if err != nil {
		return nil, err
	}

	event := eventbus.NewEvent(entity+"."+actionFor(ch.Operation), ch.Data)
	event.Payload["table"] = ch.Table
	event.Payload["operation"] = ch.Operation
	return event, nil
}

// parseChange decodes the trigger payload.
func parseChange(payload []byte) (*change, error) {
	var ch change
	if err := json.Unmarshal(payload, &ch); err != nil {
		return nil, fmt.Errorf("decode notification payload: %w", err)
	}
	if strings.TrimSpace(ch.Operation) == "" {
		return nil, ErrEmptyOperation
	}
	if ch.Data == nil {
		ch.Data = make(map[string]interface{})
	}
	return &ch, nil
}

// actionFor maps a SQL operation onto the event type suffix.
func actionFor(operation string) string {
	switch strings.ToUpper(operation) {
	case "INSERT":
		return "created"
	case "UPDATE":
		return "updated"
	case "DELETE":
		return "deleted"
	case "TRUNCATE":
		return "truncated"
	default:
		return strings.ToLower(operation)
	}
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
