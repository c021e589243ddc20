// Sentinel - Home Security Monitoring Backend
// Copyright 2026 Sentinel Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sentinel-sec/sentinel

package broadcast

import "errors"

var (
	// ErrAlreadyStarted is returned when starting a broadcaster whose
	// consume loop is already running.
	ErrAlreadyStarted = errors.New("broadcaster already started")

	// ErrUnknownConnection is returned when operating on a connection ID
	// that is not registered.
	ErrUnknownConnection = errors.New("unknown connection")

	// ErrSendBufferFull is returned when a connection's outbound buffer is
	// full and the message cannot be queued.
	ErrSendBufferFull = errors.New("connection send buffer full")

	// ErrConnClosed is returned when sending on a closed connection.
	ErrConnClosed = errors.New("connection closed")
)
