// Sentinel - Home Security Monitoring Backend
// Copyright 2026 Sentinel Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sentinel-sec/sentinel

// Package metrics provides Prometheus instrumentation for the event
// distribution core. Collectors are registered at package load via promauto
// and exposed through the /metrics endpoint in cmd/server.
package metrics
