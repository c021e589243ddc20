// Sentinel - Home Security Monitoring Backend
// Copyright 2026 Sentinel Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sentinel-sec/sentinel

// Package broadcast implements the real-time event fan-out core: the
// broadcaster hub with its replay buffer and acknowledgment tracking, plus
// the per-connection trackers it coordinates (sequencing, wildcard
// subscriptions, health scoring, message batching).
//
// Control flow: producers publish events onto the shared event bus; the
// broadcaster's consume loop receives them, assigns sequence numbers,
// records them in a bounded replay buffer, filters recipients through the
// subscription manager, optionally coalesces high-frequency channels
// through the batcher, and delivers to every live connection. A delivery
// failure to one connection never aborts delivery to others.
//
// All components are constructor-injected service objects with explicit
// lifetimes; long-running loops take a context and honor cancellation.
package broadcast
