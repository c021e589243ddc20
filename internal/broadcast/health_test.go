// Sentinel - Home Security Monitoring Backend
// Copyright 2026 Sentinel Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sentinel-sec/sentinel

package broadcast

import (
	"errors"
	"testing"
	"time"
)

func TestHealthScoreCleanConnection(t *testing.T) {
	tr := NewHealthTracker(DefaultHealthConfig())
	tr.Register("conn-1")

	for i := 0; i < 20; i++ {
		tr.RecordSuccess("conn-1", 10*time.Millisecond)
	}

	score, err := tr.Score("conn-1")
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if score != 100 {
		t.Fatalf("Score = %v, want 100 for all-success low-latency connection", score)
	}

	status, err := tr.Status("conn-1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status != HealthHealthy {
		t.Fatalf("Status = %q, want %q", status, HealthHealthy)
	}
}

func TestHealthScoreNoSamples(t *testing.T) {
	tr := NewHealthTracker(DefaultHealthConfig())
	tr.Register("conn-1")

	score, err := tr.Score("conn-1")
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if score != 100 {
		t.Fatalf("Score = %v for fresh connection, want 100", score)
	}
}

func TestHealthScoreHalfFailuresBelowDegraded(t *testing.T) {
	cfg := DefaultHealthConfig()
	tr := NewHealthTracker(cfg)
	tr.Register("conn-1")

	for i := 0; i < 10; i++ {
		tr.RecordSuccess("conn-1", 10*time.Millisecond)
		tr.RecordFailure("conn-1")
	}

	score, err := tr.Score("conn-1")
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if score >= cfg.DegradedThreshold {
		t.Fatalf("Score = %v with 50%% failures, want below degraded threshold %v",
			score, cfg.DegradedThreshold)
	}

	status, err := tr.Status("conn-1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status == HealthHealthy || status == HealthDegraded {
		t.Fatalf("Status = %q with 50%% failures, want unhealthy or critical", status)
	}
}

func TestHealthLatencyPenalty(t *testing.T) {
	tr := NewHealthTracker(DefaultHealthConfig())
	tr.Register("conn-1")

	// Average 1s against a 500ms threshold: 500ms excess at 5 points per
	// 100ms is a 25 point penalty.
	for i := 0; i < latencyWindow; i++ {
		tr.RecordSuccess("conn-1", time.Second)
	}

	score, err := tr.Score("conn-1")
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if score != 75 {
		t.Fatalf("Score = %v, want 75 (100 - 25 latency penalty)", score)
	}

	status, err := tr.Status("conn-1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status != HealthDegraded {
		t.Fatalf("Status = %q, want %q", status, HealthDegraded)
	}
}

func TestHealthLatencyPenaltyCapped(t *testing.T) {
	tr := NewHealthTracker(DefaultHealthConfig())
	tr.Register("conn-1")

	for i := 0; i < latencyWindow; i++ {
		tr.RecordSuccess("conn-1", time.Minute)
	}

	score, err := tr.Score("conn-1")
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if score != 50 {
		t.Fatalf("Score = %v, want 50 (latency penalty capped at 50)", score)
	}
}

func TestHealthLatencyWindowSlides(t *testing.T) {
	tr := NewHealthTracker(DefaultHealthConfig())
	tr.Register("conn-1")

	// Old slow samples must fall out of the window once enough fast ones
	// arrive.
	for i := 0; i < latencyWindow; i++ {
		tr.RecordSuccess("conn-1", 5*time.Second)
	}
	for i := 0; i < latencyWindow; i++ {
		tr.RecordSuccess("conn-1", time.Millisecond)
	}

	score, err := tr.Score("conn-1")
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if score != 100 {
		t.Fatalf("Score = %v after recovery, want 100", score)
	}
}

func TestHealthUnknownConnection(t *testing.T) {
	tr := NewHealthTracker(DefaultHealthConfig())

	if _, err := tr.Score("ghost"); !errors.Is(err, ErrUnknownConnection) {
		t.Fatalf("Score unknown: err = %v, want ErrUnknownConnection", err)
	}

	// Recording against an unknown connection must not panic or create
	// state.
	tr.RecordSuccess("ghost", time.Millisecond)
	tr.RecordFailure("ghost")
	if _, err := tr.Score("ghost"); !errors.Is(err, ErrUnknownConnection) {
		t.Fatalf("Score after stray records: err = %v, want ErrUnknownConnection", err)
	}
}

func TestHealthGetUnhealthyConnections(t *testing.T) {
	tr := NewHealthTracker(DefaultHealthConfig())
	tr.Register("good")
	tr.Register("bad")

	tr.RecordSuccess("good", time.Millisecond)
	for i := 0; i < 10; i++ {
		tr.RecordFailure("bad")
	}

	got := tr.GetUnhealthyConnections(50)
	if len(got) != 1 || got[0] != "bad" {
		t.Fatalf("GetUnhealthyConnections = %v, want [bad]", got)
	}
}
