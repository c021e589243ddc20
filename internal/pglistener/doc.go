// Sentinel - Home Security Monitoring Backend
// Copyright 2026 Sentinel Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sentinel-sec/sentinel

// Package pglistener bridges PostgreSQL LISTEN/NOTIFY into the event
// pipeline. Database triggers emit JSON change notifications on a small
// set of channels; the listener holds a dedicated connection, decodes each
// notification, and republishes it as a typed event through the
// broadcaster so connected clients see database changes in real time.
//
// The listener reconnects with bounded exponential backoff. Once the
// attempt budget is exhausted it stops for good and reports a terminal
// error; the rest of the process keeps running without database change
// feeds.
package pglistener
