// Sentinel - Home Security Monitoring Backend
// Copyright 2026 Sentinel Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sentinel-sec/sentinel

package broadcast

import "sync"

// SequenceTracker assigns monotonically increasing per-connection delivery
// sequence numbers. Each tracker entry is owned by exactly one connection
// and removed atomically on disconnect.
type SequenceTracker struct {
	mu       sync.Mutex
	counters map[string]uint64
}

// NewSequenceTracker creates an empty tracker.
func NewSequenceTracker() *SequenceTracker {
	return &SequenceTracker{counters: make(map[string]uint64)}
}

// Register adds a connection with its counter at zero.
// Registering an already-known connection is a no-op.
func (t *SequenceTracker) Register(connID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.counters[connID]; !ok {
		t.counters[connID] = 0
	}
}

// Unregister removes a connection's counter.
func (t *SequenceTracker) Unregister(connID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.counters, connID)
}

// Next increments and returns the connection's delivery sequence number.
// The first call for a registered connection returns 1.
func (t *SequenceTracker) Next(connID string) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.counters[connID]; !ok {
		return 0, ErrUnknownConnection
	}
	t.counters[connID]++
	return t.counters[connID], nil
}

// Current returns the connection's last assigned sequence number.
func (t *SequenceTracker) Current(connID string) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	seq, ok := t.counters[connID]
	if !ok {
		return 0, ErrUnknownConnection
	}
	return seq, nil
}

// Len returns the number of tracked connections.
func (t *SequenceTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.counters)
}
