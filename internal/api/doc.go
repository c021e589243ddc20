// Sentinel - Home Security Monitoring Backend
// Copyright 2026 Sentinel Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sentinel-sec/sentinel

// Package api provides the HTTP surface: the WebSocket upgrade endpoint,
// Prometheus metrics, health probes, event ingress for external producers,
// and the operator endpoints for worker supervision. Routing uses chi.
package api
