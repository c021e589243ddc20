// Sentinel - Home Security Monitoring Backend
// Copyright 2026 Sentinel Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sentinel-sec/sentinel

package broadcast

import "context"

// Conn is the narrow handle the core holds for one live client session.
// The transport layer (WebSocket) implements it; the core never sees the
// underlying socket.
//
// Send must be safe for concurrent use and return promptly: transports are
// expected to queue into a bounded buffer and report ErrSendBufferFull
// rather than block the fan-out loop.
type Conn interface {
	// ID returns the stable connection identifier.
	ID() string

	// Send queues one serialized outbound message.
	Send(ctx context.Context, data []byte) error

	// Close releases the underlying transport. Safe to call more than once.
	Close() error
}
