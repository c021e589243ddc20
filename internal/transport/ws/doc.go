// Sentinel - Home Security Monitoring Backend
// Copyright 2026 Sentinel Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sentinel-sec/sentinel

// Package ws is the WebSocket transport in front of the broadcaster.
//
// Each accepted connection becomes a Client implementing broadcast.Conn:
// the broadcaster fans serialized events into the client's bounded send
// buffer, a write pump drains the buffer to the socket, and a read pump
// decodes client actions (subscribe, unsubscribe, ack, ping, replay) and
// dispatches them to the broadcaster's trackers. Inbound actions are rate
// limited per connection; a client that cannot drain its send buffer is
// dropped rather than allowed to stall fan-out.
package ws
