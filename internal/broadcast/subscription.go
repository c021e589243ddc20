// Sentinel - Home Security Monitoring Backend
// Copyright 2026 Sentinel Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sentinel-sec/sentinel

package broadcast

import (
	"path"
	"strings"
	"sync"
)

// subscription holds one connection's filter state. explicit is set on the
// first Subscribe call; until then the connection receives every event type
// (backward-compatible default). A connection that subscribed to an empty
// pattern set receives nothing.
type subscription struct {
	explicit bool
	patterns map[string]struct{}
}

// SubscriptionManager stores per-connection wildcard topic filters and
// answers whether a connection should receive a given event type.
//
// Pattern semantics are standard shell glob, not regex: "*" matches any
// character sequence, "?" exactly one character, "[...]" character classes.
// Patterns and event types are normalized to lowercase before matching.
type SubscriptionManager struct {
	mu   sync.RWMutex
	subs map[string]*subscription
}

// NewSubscriptionManager creates an empty manager.
func NewSubscriptionManager() *SubscriptionManager {
	return &SubscriptionManager{subs: make(map[string]*subscription)}
}

// Register adds a connection with the default-all filter.
func (m *SubscriptionManager) Register(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[connID]; !ok {
		m.subs[connID] = &subscription{patterns: make(map[string]struct{})}
	}
}

// Unregister removes a connection and its filter state.
func (m *SubscriptionManager) Unregister(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, connID)
}

// Subscribe adds the given patterns to the connection's filter set and
// switches it to explicit filtering. Subscribing with an empty slice is
// valid and results in a connection that matches nothing.
func (m *SubscriptionManager) Subscribe(connID string, patterns []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[connID]
	if !ok {
		return ErrUnknownConnection
	}

	sub.explicit = true
	for _, p := range patterns {
		sub.patterns[strings.ToLower(p)] = struct{}{}
	}
	return nil
}

// Unsubscribe removes the given patterns. Called with no patterns it clears
// the filter entirely and reverts the connection to the default-all state.
func (m *SubscriptionManager) Unsubscribe(connID string, patterns []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[connID]
	if !ok {
		return ErrUnknownConnection
	}

	if len(patterns) == 0 {
		sub.explicit = false
		sub.patterns = make(map[string]struct{})
		return nil
	}

	for _, p := range patterns {
		delete(sub.patterns, strings.ToLower(p))
	}
	return nil
}

// ShouldSend reports whether the connection's filter accepts the event type.
// Unknown connections match nothing.
func (m *SubscriptionManager) ShouldSend(connID, eventType string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[connID]
	if !ok {
		return false
	}
	return sub.matches(eventType)
}

// Recipients returns the IDs of all connections whose filter accepts the
// event type, for fan-out planning.
func (m *SubscriptionManager) Recipients(eventType string) map[string]struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]struct{})
	for connID, sub := range m.subs {
		if sub.matches(eventType) {
			out[connID] = struct{}{}
		}
	}
	return out
}

// Patterns returns a copy of the connection's current pattern set.
func (m *SubscriptionManager) Patterns(connID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[connID]
	if !ok {
		return nil
	}

	out := make([]string, 0, len(sub.patterns))
	for p := range sub.patterns {
		out = append(out, p)
	}
	return out
}

// matches applies the filter. Caller holds at least a read lock.
func (s *subscription) matches(eventType string) bool {
	if !s.explicit {
		return true
	}
	eventType = strings.ToLower(eventType)
	for pattern := range s.patterns {
		if ok, err := path.Match(pattern, eventType); err == nil && ok {
			return true
		}
	}
	return false
}
