// Sentinel - Home Security Monitoring Backend
// Copyright 2026 Sentinel Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sentinel-sec/sentinel

// Package eventbus provides the shared pub/sub backend that carries events
// between producers (application logic, the database notification bridge,
// the worker supervisor) and the broadcaster's consume loop.
//
// The bus is built on Watermill. Two backends are supported:
//
//   - memory: an in-process gochannel pub/sub, the default for
//     single-instance deployments
//   - nats: NATS for multi-instance fan-out, with an optional embedded
//     server for standalone operation
//
// The publish path is guarded by a gobreaker circuit breaker so that a
// persistently failing backend sheds load instead of queueing indefinitely.
package eventbus
