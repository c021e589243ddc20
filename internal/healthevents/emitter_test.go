// Sentinel - Home Security Monitoring Backend
// Copyright 2026 Sentinel Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sentinel-sec/sentinel

package healthevents

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/sentinel-sec/sentinel/internal/eventbus"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []*eventbus.Event
	err    error
}

func (p *capturePublisher) Publish(_ context.Context, ev *eventbus.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, ev)
	return nil
}

func (p *capturePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func (p *capturePublisher) last() *eventbus.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.events[len(p.events)-1]
}

func TestCheckAndEmitFirstReportEmits(t *testing.T) {
	pub := &capturePublisher{}
	e := New(pub)

	changed, err := e.CheckAndEmit(context.Background(), "database", StatusHealthy, map[string]interface{}{"latency_ms": 3})
	if err != nil {
		t.Fatalf("CheckAndEmit: %v", err)
	}
	if !changed {
		t.Fatal("first report not treated as a transition")
	}
	if pub.count() != 1 {
		t.Fatalf("published %d events, want 1", pub.count())
	}

	ev := pub.last()
	if ev.Type != "system.health_changed" {
		t.Fatalf("event type = %q", ev.Type)
	}
	if ev.Payload["component"] != "database" || ev.Payload["new_status"] != "healthy" {
		t.Fatalf("payload = %v", ev.Payload)
	}
	if ev.Payload["old_status"] != "" {
		t.Fatalf("old_status = %v for first report, want empty", ev.Payload["old_status"])
	}
}

func TestCheckAndEmitDeduplicates(t *testing.T) {
	pub := &capturePublisher{}
	e := New(pub)
	ctx := context.Background()

	if _, err := e.CheckAndEmit(ctx, "broadcaster", StatusHealthy, nil); err != nil {
		t.Fatalf("CheckAndEmit: %v", err)
	}

	// Same status again: no event, but details refresh.
	changed, err := e.CheckAndEmit(ctx, "broadcaster", StatusHealthy, map[string]interface{}{"clients": 4})
	if err != nil {
		t.Fatalf("CheckAndEmit: %v", err)
	}
	if changed {
		t.Fatal("unchanged status reported as transition")
	}
	if pub.count() != 1 {
		t.Fatalf("published %d events, want deduplicated 1", pub.count())
	}

	_, details, ok := e.Component("broadcaster")
	if !ok {
		t.Fatal("component disappeared")
	}
	if details["clients"] != 4 {
		t.Fatalf("details not refreshed on duplicate report: %v", details)
	}

	// An actual transition emits again and carries the old status.
	changed, err = e.CheckAndEmit(ctx, "broadcaster", StatusDegraded, nil)
	if err != nil {
		t.Fatalf("CheckAndEmit: %v", err)
	}
	if !changed || pub.count() != 2 {
		t.Fatalf("transition not emitted (changed=%v, events=%d)", changed, pub.count())
	}
	ev := pub.last()
	if ev.Payload["old_status"] != "healthy" || ev.Payload["new_status"] != "degraded" {
		t.Fatalf("payload = %v", ev.Payload)
	}
}

func TestOverallRollup(t *testing.T) {
	pub := &capturePublisher{}
	e := New(pub, "database")
	ctx := context.Background()

	if got := e.Overall(); got != StatusHealthy {
		t.Fatalf("Overall with no reports = %q, want healthy", got)
	}

	_, _ = e.CheckAndEmit(ctx, "database", StatusHealthy, nil)
	_, _ = e.CheckAndEmit(ctx, "broadcaster", StatusDegraded, nil)
	if got := e.Overall(); got != StatusDegraded {
		t.Fatalf("Overall = %q, want degraded (worst component)", got)
	}

	// A non-critical component going unhealthy makes the system unhealthy
	// through the worst-of rule.
	_, _ = e.CheckAndEmit(ctx, "broadcaster", StatusUnhealthy, nil)
	if got := e.Overall(); got != StatusUnhealthy {
		t.Fatalf("Overall = %q, want unhealthy", got)
	}

	// A critical component being unhealthy dominates regardless.
	_, _ = e.CheckAndEmit(ctx, "broadcaster", StatusHealthy, nil)
	_, _ = e.CheckAndEmit(ctx, "database", StatusUnhealthy, nil)
	if got := e.Overall(); got != StatusUnhealthy {
		t.Fatalf("Overall = %q with critical component down, want unhealthy", got)
	}
}

func TestEmitSystemErrorBypassesDedup(t *testing.T) {
	pub := &capturePublisher{}
	e := New(pub)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := e.EmitSystemError(ctx, "pglistener", errors.New("connection refused")); err != nil {
			t.Fatalf("EmitSystemError: %v", err)
		}
	}
	if pub.count() != 3 {
		t.Fatalf("published %d events, want 3 (no dedup for errors)", pub.count())
	}

	ev := pub.last()
	if ev.Type != "system.error" {
		t.Fatalf("event type = %q", ev.Type)
	}
	if ev.Payload["component"] != "pglistener" || ev.Payload["error"] != "connection refused" {
		t.Fatalf("payload = %v", ev.Payload)
	}
}

func TestCheckAndEmitPublishFailureStillRecordsTransition(t *testing.T) {
	pub := &capturePublisher{err: errors.New("bus closed")}
	e := New(pub)

	changed, err := e.CheckAndEmit(context.Background(), "database", StatusUnhealthy, nil)
	if err == nil {
		t.Fatal("publish failure swallowed")
	}
	if !changed {
		t.Fatal("transition not reported despite state update")
	}

	// The state stuck, so the next identical report deduplicates instead
	// of retrying forever.
	status, _, ok := e.Component("database")
	if !ok || status != StatusUnhealthy {
		t.Fatalf("component state = %q, %v", status, ok)
	}
}

func TestSnapshot(t *testing.T) {
	pub := &capturePublisher{}
	e := New(pub)
	ctx := context.Background()

	_, _ = e.CheckAndEmit(ctx, "database", StatusHealthy, nil)
	_, _ = e.CheckAndEmit(ctx, "broadcaster", StatusDegraded, nil)

	snap := e.Snapshot()
	if len(snap) != 2 || snap["database"] != StatusHealthy || snap["broadcaster"] != StatusDegraded {
		t.Fatalf("Snapshot = %v", snap)
	}
}
