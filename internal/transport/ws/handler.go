// Sentinel - Home Security Monitoring Backend
// Copyright 2026 Sentinel Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sentinel-sec/sentinel

package ws

import (
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/sentinel-sec/sentinel/internal/broadcast"
	"github.com/sentinel-sec/sentinel/internal/logging"
)

// HandlerConfig tunes the websocket endpoint.
type HandlerConfig struct {
	// ReadBufferSize and WriteBufferSize are passed to the upgrader.
	ReadBufferSize  int
	WriteBufferSize int
	// MessagesPerSecond and Burst bound inbound client actions per
	// connection. Zero MessagesPerSecond disables rate limiting.
	MessagesPerSecond float64
	Burst             int
	// CheckOrigin overrides the upgrader's origin check. Nil allows all
	// origins; the deployment sits behind its own reverse proxy.
	CheckOrigin func(r *http.Request) bool
}

// DefaultHandlerConfig returns production defaults.
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		ReadBufferSize:    4096,
		WriteBufferSize:   4096,
		MessagesPerSecond: 20,
		Burst:             40,
	}
}

// Handler upgrades HTTP requests into broadcaster-registered websocket
// clients.
type Handler struct {
	cfg      HandlerConfig
	hub      *broadcast.Broadcaster
	upgrader websocket.Upgrader
}

// NewHandler creates the websocket endpoint handler.
func NewHandler(hub *broadcast.Broadcaster, cfg HandlerConfig) *Handler {
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Handler{
		cfg: cfg,
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     checkOrigin,
		},
	}
}

// ServeHTTP upgrades the connection, registers the client, and blocks
// pumping frames until the client disconnects or the server shuts down.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		logging.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	var limiter *rate.Limiter
	if h.cfg.MessagesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(h.cfg.MessagesPerSecond), h.cfg.Burst)
	}

	client := NewClient(conn, h.hub, limiter)
	h.hub.Connect(client)

	h.welcome(client)
	client.Run(r.Context())
}

// welcome sends the initial frame so the client learns its connection ID
// and the newest buffered sequence for replay decisions.
func (h *Handler) welcome(client *Client) {
	stats := h.hub.GetStats()
	frame := map[string]interface{}{
		"type":          "connected",
		"connection_id": client.ID(),
		"last_sequence": stats.TotalPublished,
		"server_time":   time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	select {
	case client.send <- data:
	default:
	}
}
