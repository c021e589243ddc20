// Sentinel - Home Security Monitoring Backend
// Copyright 2026 Sentinel Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sentinel-sec/sentinel

/*
Package main is the entry point for the Sentinel event server.

Sentinel distributes home-security events (detections, alerts, camera
status, scene changes) to connected clients in real time over WebSocket,
with sequence-numbered replay recovery, acknowledgment tracking for
high-risk events, per-channel message batching, and supervised
background workers.

# Application Architecture

The server implements a layered architecture with Suture v4 process
supervision:

	RootSupervisor ("sentinel")
	├── IngestSupervisor ("ingest-layer")
	│   └── PostgreSQL LISTEN/NOTIFY bridge (optional)
	├── MessagingSupervisor ("messaging-layer")
	│   ├── Broadcaster (bus consume loop + fan-out)
	│   ├── Batcher (per-channel coalescing)
	│   └── Worker Supervisor (restart budgets, breakers, heartbeats)
	└── APISupervisor ("api-layer")
	    └── HTTP Server (WebSocket upgrade, operator API, metrics)

Component initialization order:

 1. Configuration: Koanf v2 with environment variables and config files
 2. Logging: zerolog with JSON/console output modes
 3. Event bus: Watermill gochannel, or NATS (optionally embedded)
 4. Broadcaster: sequencing, replay buffer, ack policy, health scoring
 5. Worker Supervisor: health-monitor and connection-sweeper workers
 6. Database Listener: change notifications bridged onto the bus
 7. Supervisor Tree: Suture v4 process supervision
 8. HTTP Server: Chi router with WebSocket and worker control endpoints

# Configuration

Configuration is loaded via Koanf v2 with layered sources (highest
priority wins):

	Priority: Environment variables > Config file > Defaults

Environment variables use the SENTINEL_ prefix with "__" separating
nesting levels:

	SENTINEL_SERVER__PORT=8480
	SENTINEL_PUBSUB__BACKEND=nats
	SENTINEL_PUBSUB__EMBEDDED_SERVER=true
	SENTINEL_PGLISTENER__ENABLED=true
	SENTINEL_PGLISTENER__DSN=postgres://sentinel@db/sentinel

# Signal Handling

SIGINT and SIGTERM trigger graceful shutdown: the batcher drains
pending batches, the HTTP server finishes in-flight requests within
the shutdown timeout, and the supervisor tree stops its services in
reverse start order.
*/
package main
