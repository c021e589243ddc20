// Sentinel - Home Security Monitoring Backend
// Copyright 2026 Sentinel Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sentinel-sec/sentinel

package eventbus

import "errors"

var (
	// ErrEmptyEventType is returned when publishing an event without a type.
	ErrEmptyEventType = errors.New("event type must not be empty")

	// ErrInvalidEventType is returned for event types containing whitespace.
	ErrInvalidEventType = errors.New("event type must not contain whitespace")

	// ErrBusClosed is returned when publishing on a closed bus.
	ErrBusClosed = errors.New("event bus is closed")
)
