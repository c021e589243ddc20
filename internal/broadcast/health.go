// Sentinel - Home Security Monitoring Backend
// Copyright 2026 Sentinel Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sentinel-sec/sentinel

package broadcast

import (
	"math"
	"sync"
	"time"

	"github.com/sentinel-sec/sentinel/internal/metrics"
)

// HealthStatus is a connection's derived health tier.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthCritical  HealthStatus = "critical"
)

// latencyWindow is the number of recent latency samples kept per connection.
const latencyWindow = 10

// HealthConfig tunes the 0-100 health score.
type HealthConfig struct {
	// FailureWeight scales the failure-rate penalty.
	FailureWeight float64
	// LatencyThreshold is the average latency above which sends are
	// penalized.
	LatencyThreshold time.Duration
	// LatencyPenaltyPer100 is the penalty per 100ms of average latency
	// above the threshold, capped at 50.
	LatencyPenaltyPer100 float64

	// Tier boundaries.
	HealthyThreshold   float64
	DegradedThreshold  float64
	UnhealthyThreshold float64
}

// DefaultHealthConfig returns production defaults.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		FailureWeight:        1.0,
		LatencyThreshold:     500 * time.Millisecond,
		LatencyPenaltyPer100: 5,
		HealthyThreshold:     80,
		DegradedThreshold:    50,
		UnhealthyThreshold:   20,
	}
}

// connHealth accumulates one connection's send outcomes. Each entry has its
// own lock so recording on one connection never contends with another.
type connHealth struct {
	mu        sync.Mutex
	successes uint64
	failures  uint64
	latencies []time.Duration
}

// HealthTracker accumulates per-connection success/failure/latency samples
// and derives health scores and status tiers.
type HealthTracker struct {
	cfg HealthConfig

	mu    sync.RWMutex
	conns map[string]*connHealth
}

// NewHealthTracker creates a tracker with the given scoring configuration.
func NewHealthTracker(cfg HealthConfig) *HealthTracker {
	return &HealthTracker{cfg: cfg, conns: make(map[string]*connHealth)}
}

// Register adds a connection with a clean record.
func (t *HealthTracker) Register(connID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.conns[connID]; !ok {
		t.conns[connID] = &connHealth{latencies: make([]time.Duration, 0, latencyWindow)}
	}
}

// Unregister removes a connection's record.
func (t *HealthTracker) Unregister(connID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.conns, connID)
}

// RecordSuccess records a successful send and its latency.
func (t *HealthTracker) RecordSuccess(connID string, latency time.Duration) {
	ch := t.get(connID)
	if ch == nil {
		return
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.successes++
	ch.latencies = append(ch.latencies, latency)
	if len(ch.latencies) > latencyWindow {
		ch.latencies = ch.latencies[len(ch.latencies)-latencyWindow:]
	}
}

// RecordFailure records a failed send.
func (t *HealthTracker) RecordFailure(connID string) {
	ch := t.get(connID)
	if ch == nil {
		return
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.failures++
}

// Score derives the connection's 0-100 health score:
//
//	100 - failure_penalty - latency_penalty
//
// failure_penalty = min(failure_rate% x weight x 5, 100)
// latency_penalty = min((avg_latency - threshold)/100ms x per_100ms, 50)
// when average latency exceeds the threshold, else 0.
func (t *HealthTracker) Score(connID string) (float64, error) {
	ch := t.get(connID)
	if ch == nil {
		return 0, ErrUnknownConnection
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()

	total := ch.successes + ch.failures
	var failurePenalty float64
	if total > 0 {
		failureRatePct := float64(ch.failures) / float64(total) * 100
		failurePenalty = math.Min(failureRatePct*t.cfg.FailureWeight*5, 100)
	}

	var latencyPenalty float64
	if len(ch.latencies) > 0 {
		var sum time.Duration
		for _, l := range ch.latencies {
			sum += l
		}
		avg := sum / time.Duration(len(ch.latencies))
		if avg > t.cfg.LatencyThreshold {
			excessMs := float64(avg-t.cfg.LatencyThreshold) / float64(100*time.Millisecond)
			latencyPenalty = math.Min(excessMs*t.cfg.LatencyPenaltyPer100, 50)
		}
	}

	score := 100 - failurePenalty - latencyPenalty
	score = math.Max(0, math.Min(100, score))

	metrics.ConnectionHealthScore.Observe(score)
	return score, nil
}

// Status maps the connection's score onto its tier.
func (t *HealthTracker) Status(connID string) (HealthStatus, error) {
	score, err := t.Score(connID)
	if err != nil {
		return "", err
	}
	return t.statusFor(score), nil
}

// GetUnhealthyConnections returns the IDs of connections scoring strictly
// below the threshold, supporting operational sweeps that proactively
// disconnect degraded clients.
func (t *HealthTracker) GetUnhealthyConnections(threshold float64) []string {
	t.mu.RLock()
	ids := make([]string, 0, len(t.conns))
	for id := range t.conns {
		ids = append(ids, id)
	}
	t.mu.RUnlock()

	var out []string
	for _, id := range ids {
		score, err := t.Score(id)
		if err != nil {
			continue
		}
		if score < threshold {
			out = append(out, id)
		}
	}
	return out
}

func (t *HealthTracker) statusFor(score float64) HealthStatus {
	switch {
	case score >= t.cfg.HealthyThreshold:
		return HealthHealthy
	case score >= t.cfg.DegradedThreshold:
		return HealthDegraded
	case score >= t.cfg.UnhealthyThreshold:
		return HealthUnhealthy
	default:
		return HealthCritical
	}
}

func (t *HealthTracker) get(connID string) *connHealth {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.conns[connID]
}
