// Sentinel - Home Security Monitoring Backend
// Copyright 2026 Sentinel Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sentinel-sec/sentinel

package healthevents

import (
	"context"
	"sync"
	"time"

	"github.com/sentinel-sec/sentinel/internal/eventbus"
	"github.com/sentinel-sec/sentinel/internal/logging"
	"github.com/sentinel-sec/sentinel/internal/metrics"
)

// Status is a component health tier.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// severity orders statuses for the overall rollup.
var severity = map[Status]int{
	StatusHealthy:   0,
	StatusDegraded:  1,
	StatusUnhealthy: 2,
}

// Publisher is where health events go. The broadcaster satisfies it.
type Publisher interface {
	Publish(ctx context.Context, event *eventbus.Event) error
}

// componentState is the last reported state of one component.
type componentState struct {
	status    Status
	details   map[string]interface{}
	changedAt time.Time
}

// Emitter deduplicates component health reports and publishes transition
// events. Components marked critical drag the overall status to unhealthy
// whenever they are unhealthy themselves.
type Emitter struct {
	publisher Publisher
	critical  map[string]struct{}

	mu         sync.Mutex
	components map[string]*componentState
}

// New creates an emitter. criticalComponents names the components whose
// unhealthy status makes the whole system unhealthy regardless of the
// others.
func New(pub Publisher, criticalComponents ...string) *Emitter {
	critical := make(map[string]struct{}, len(criticalComponents))
	for _, c := range criticalComponents {
		critical[c] = struct{}{}
	}
	return &Emitter{
		publisher:  pub,
		critical:   critical,
		components: make(map[string]*componentState),
	}
}

// CheckAndEmit records a component's status. On a transition (including
// the first report) it publishes a system.health_changed event and reports
// true. An unchanged status only refreshes the stored details.
func (e *Emitter) CheckAndEmit(ctx context.Context, component string, status Status, details map[string]interface{}) (bool, error) {
	e.mu.Lock()
	prev, known := e.components[component]

	if known && prev.status == status {
		prev.details = details
		e.mu.Unlock()
		return false, nil
	}

	oldStatus := Status("")
	if known {
		oldStatus = prev.status
	}
	e.components[component] = &componentState{
		status:    status,
		details:   details,
		changedAt: time.Now().UTC(),
	}
	overall := e.overallLocked()
	e.mu.Unlock()

	metrics.HealthTransitions.WithLabelValues(component, string(status)).Inc()
	logging.Info().
		Str("component", component).
		Str("old_status", string(oldStatus)).
		Str("new_status", string(status)).
		Str("overall", string(overall)).
		Msg("component health changed")

	event := eventbus.NewEvent("system.health_changed", map[string]interface{}{
		"component":  component,
		"old_status": string(oldStatus),
		"new_status": string(status),
		"overall":    string(overall),
		"details":    details,
	})
	if err := e.publisher.Publish(ctx, event); err != nil {
		return true, err
	}
	return true, nil
}

// EmitSystemError publishes a system.error event immediately, bypassing
// deduplication. Used for faults that are noteworthy even when the
// component's health tier has not moved.
func (e *Emitter) EmitSystemError(ctx context.Context, component string, cause error) error {
	event := eventbus.NewEvent("system.error", map[string]interface{}{
		"component": component,
		"error":     cause.Error(),
	})
	return e.publisher.Publish(ctx, event)
}

// Overall returns the rolled-up system status: unhealthy when any critical
// component is unhealthy, otherwise the worst status any component
// reports. No reports at all counts as healthy.
func (e *Emitter) Overall() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.overallLocked()
}

// Component returns the last reported status and details for one
// component.
func (e *Emitter) Component(component string) (Status, map[string]interface{}, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.components[component]
	if !ok {
		return "", nil, false
	}
	return st.status, st.details, true
}

// Snapshot returns every component's current status.
func (e *Emitter) Snapshot() map[string]Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]Status, len(e.components))
	for name, st := range e.components {
		out[name] = st.status
	}
	return out
}

func (e *Emitter) overallLocked() Status {
	worst := StatusHealthy
	for name, st := range e.components {
		if _, crit := e.critical[name]; crit && st.status == StatusUnhealthy {
			return StatusUnhealthy
		}
		if severity[st.status] > severity[worst] {
			worst = st.status
		}
	}
	return worst
}
