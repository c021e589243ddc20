// Sentinel - Home Security Monitoring Backend
// Copyright 2026 Sentinel Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sentinel-sec/sentinel

package ws

import (
	"context"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/sentinel-sec/sentinel/internal/broadcast"
	"github.com/sentinel-sec/sentinel/internal/eventbus"
	"github.com/sentinel-sec/sentinel/internal/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024 // 512 KB
	sendBufferSize = 256
)

// Client is the middleman between one websocket connection and the
// broadcaster. It implements broadcast.Conn.
type Client struct {
	id      string
	conn    *websocket.Conn
	hub     *broadcast.Broadcaster
	limiter *rate.Limiter

	send chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

// NewClient wraps an upgraded websocket connection.
func NewClient(conn *websocket.Conn, hub *broadcast.Broadcaster, limiter *rate.Limiter) *Client {
	return &Client{
		id:      uuid.New().String(),
		conn:    conn,
		hub:     hub,
		limiter: limiter,
		send:    make(chan []byte, sendBufferSize),
		done:    make(chan struct{}),
	}
}

// ID returns the stable connection identifier.
func (c *Client) ID() string { return c.id }

// Send queues one outbound frame. A full buffer means the client cannot
// keep up; report it rather than block the broadcaster's fan-out loop.
func (c *Client) Send(_ context.Context, data []byte) error {
	select {
	case <-c.done:
		return broadcast.ErrConnClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	default:
		return broadcast.ErrSendBufferFull
	}
}

// Close releases the connection. Safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
	return nil
}

// Run drives both pumps and blocks until the connection ends or the
// context is canceled. The caller must have registered the client with the
// broadcaster first; Run deregisters on the way out.
func (c *Client) Run(ctx context.Context) {
	go c.writePump()
	go func() {
		select {
		case <-ctx.Done():
			_ = c.Close()
		case <-c.done:
		}
	}()

	c.readPump(ctx)
	_ = c.hub.Disconnect(c.id)
	_ = c.Close()
}

// readPump consumes inbound frames until the connection errors or closes.
func (c *Client) readPump(ctx context.Context) {
	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logging.Error().Err(err).Str("conn_id", c.id).Msg("failed to set read deadline")
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logging.Warn().Err(err).Str("conn_id", c.id).Msg("unexpected websocket close")
			}
			return
		}

		if c.limiter != nil && !c.limiter.Allow() {
			c.reply(serverReply{Type: "error", Error: "rate limit exceeded"})
			continue
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.reply(serverReply{Type: "error", Error: "malformed message"})
			continue
		}
		c.dispatch(ctx, msg)
	}
}

// dispatch routes one client action.
func (c *Client) dispatch(_ context.Context, msg clientMessage) {
	switch msg.Action {
	case ActionSubscribe:
		if err := c.hub.Subscriptions().Subscribe(c.id, msg.patternList()); err != nil {
			c.reply(serverReply{Type: "error", Error: err.Error()})
			return
		}
		c.reply(serverReply{Type: "subscribed", Patterns: c.hub.Subscriptions().Patterns(c.id)})

	case ActionUnsubscribe:
		if err := c.hub.Subscriptions().Unsubscribe(c.id, msg.patternList()); err != nil {
			c.reply(serverReply{Type: "error", Error: err.Error()})
			return
		}
		c.reply(serverReply{Type: "unsubscribed", Patterns: c.hub.Subscriptions().Patterns(c.id)})

	case ActionAck:
		if err := c.hub.RecordAck(c.id, msg.Sequence); err != nil {
			c.reply(serverReply{Type: "error", Error: err.Error()})
			return
		}

	case ActionPing:
		c.reply(serverReply{Type: "pong"})

	case ActionReplay:
		events := c.hub.GetMessagesSince(msg.Sequence, true)
		for _, ev := range events {
			c.queueEvent(ev)
		}
		c.reply(serverReply{Type: "replay_complete", Sequence: msg.Sequence, Count: len(events)})

	default:
		c.reply(serverReply{Type: "error", Error: "unknown action: " + msg.Action})
	}
}

// queueEvent serializes and queues one event frame.
func (c *Client) queueEvent(ev *eventbus.Event) {
	data, err := eventbus.Serialize(ev)
	if err != nil {
		logging.Error().Err(err).Str("conn_id", c.id).Msg("replay event serialize failed")
		return
	}
	if err := c.Send(context.Background(), data); err != nil {
		logging.Warn().Err(err).Str("conn_id", c.id).Msg("replay frame dropped")
	}
}

// reply queues a control response. Best effort: a client too backlogged
// for control frames will be dropped by event delivery soon enough.
func (c *Client) reply(r serverReply) {
	data, err := json.Marshal(r)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// writePump drains the send buffer to the socket and keeps the connection
// alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case data := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
