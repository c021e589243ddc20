// Sentinel - Home Security Monitoring Backend
// Copyright 2026 Sentinel Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sentinel-sec/sentinel

// Package healthevents turns component health checks into deduplicated
// client-visible events. Components report their status on every check;
// the emitter publishes a system.health_changed event only when a
// component's status actually transitions, so clients see edges rather
// than a heartbeat stream. System errors bypass deduplication entirely.
package healthevents
