// Sentinel - Home Security Monitoring Backend
// Copyright 2026 Sentinel Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sentinel-sec/sentinel

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus instrumentation for the event-distribution core:
// - Broadcaster publish/delivery throughput and failures
// - WebSocket connection lifecycle and health
// - Message batching efficiency
// - Worker supervision (restarts, heartbeats, circuit breakers)
// - Database notification bridge

var (
	// Broadcaster Metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broadcaster_events_published_total",
			Help: "Total number of events published to the broadcaster",
		},
		[]string{"event_type"},
	)

	EventsDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "broadcaster_events_delivered_total",
			Help: "Total number of per-connection event deliveries",
		},
	)

	DeliveryFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "broadcaster_delivery_failures_total",
			Help: "Total number of failed per-connection deliveries",
		},
	)

	DeliveryLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "broadcaster_delivery_latency_seconds",
			Help:    "Latency of single-connection sends in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
	)

	ReplayRequests = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "broadcaster_replay_requests_total",
			Help: "Total number of replay buffer reads by reconnecting clients",
		},
	)

	ListenerReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "broadcaster_listener_reconnects_total",
			Help: "Total number of pub/sub listener reconnect attempts",
		},
	)

	// Connection Metrics
	ConnectedClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "websocket_connected_clients",
			Help: "Current number of connected WebSocket clients",
		},
	)

	ConnectionHealthScore = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "connection_health_score",
			Help:    "Distribution of connection health scores (0-100)",
			Buckets: []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
		},
	)

	// Batcher Metrics
	BatchesFlushed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batcher_flushes_total",
			Help: "Total number of batch flushes",
		},
		[]string{"channel", "trigger"}, // trigger: "size", "timer", "shutdown"
	)

	BatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "batcher_batch_size",
			Help:    "Number of messages per flushed batch",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
		},
	)

	// Worker Supervision Metrics
	WorkerRestarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supervisor_worker_restarts_total",
			Help: "Total number of worker restart attempts",
		},
		[]string{"worker", "outcome"}, // outcome: "success", "failure"
	)

	WorkerStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "supervisor_worker_status",
			Help: "Worker status (0=stopped, 1=running, 2=restarting, 3=crashed, 4=failed)",
		},
		[]string{"worker"},
	)

	HeartbeatsMissed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supervisor_heartbeats_missed_total",
			Help: "Total number of missed worker heartbeats",
		},
		[]string{"worker"},
	)

	CircuitBreakersOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "supervisor_circuit_breakers_open",
			Help: "Current number of workers with an open circuit breaker",
		},
	)

	// Pub/Sub Publish Path Metrics
	BusPublishes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "eventbus_publishes_total",
			Help: "Total number of successful event bus publishes",
		},
	)

	BusPublishErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "eventbus_publish_errors_total",
			Help: "Total number of failed event bus publishes",
		},
	)

	BusCircuitBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "eventbus_circuit_breaker_state",
			Help: "Event bus circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)

	// Database Notification Metrics
	PgNotifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pglistener_notifications_total",
			Help: "Total number of database notifications received",
		},
		[]string{"channel"},
	)

	PgNotifyErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pglistener_errors_total",
			Help: "Total number of malformed or unroutable database notifications",
		},
	)

	PgReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pglistener_reconnects_total",
			Help: "Total number of database listen connection reconnect attempts",
		},
	)

	// Health Event Metrics
	HealthTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "health_status_transitions_total",
			Help: "Total number of component health status transitions",
		},
		[]string{"component", "status"},
	)
)

// RecordDelivery records a successful delivery and its latency.
func RecordDelivery(latency time.Duration) {
	EventsDelivered.Inc()
	DeliveryLatency.Observe(latency.Seconds())
}

// RecordBatchFlush records a flush of n messages on the given channel.
func RecordBatchFlush(channel, trigger string, n int) {
	BatchesFlushed.WithLabelValues(channel, trigger).Inc()
	BatchSize.Observe(float64(n))
}

// RecordBusPublish records the outcome of an event bus publish.
func RecordBusPublish(err error) {
	if err != nil {
		BusPublishErrors.Inc()
		return
	}
	BusPublishes.Inc()
}
