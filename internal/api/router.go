// Sentinel - Home Security Monitoring Backend
// Copyright 2026 Sentinel Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sentinel-sec/sentinel

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sentinel-sec/sentinel/internal/broadcast"
	"github.com/sentinel-sec/sentinel/internal/eventbus"
	"github.com/sentinel-sec/sentinel/internal/healthevents"
	"github.com/sentinel-sec/sentinel/internal/logging"
	"github.com/sentinel-sec/sentinel/internal/supervisor"
)

// Handler bundles the services the HTTP surface exposes.
type Handler struct {
	hub     *broadcast.Broadcaster
	workers *supervisor.WorkerSupervisor
	health  *healthevents.Emitter
	bus     *eventbus.Bus
	ws      http.Handler
}

// NewHandler creates the API handler. ws is the upgrade endpoint from the
// transport layer; workers and health may be nil in minimal deployments.
func NewHandler(hub *broadcast.Broadcaster, workers *supervisor.WorkerSupervisor, health *healthevents.Emitter, bus *eventbus.Bus, ws http.Handler) *Handler {
	return &Handler{hub: hub, workers: workers, health: health, bus: bus, ws: ws}
}

// Routes builds the router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(correlationID)

	r.Get("/healthz", h.healthLive)
	r.Get("/readyz", h.healthReady)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Handle("/ws", h.ws)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/stats", h.stats)
		r.Get("/health", h.healthDetail)
		r.Get("/connections", h.connections)
		r.Post("/events", h.publishEvent)

		r.Route("/workers", func(r chi.Router) {
			r.Get("/", h.listWorkers)
			r.Get("/history", h.workerHistory)
			r.Post("/{name}/start", h.workerControl(h.startWorker))
			r.Post("/{name}/stop", h.workerControl(h.stopWorker))
			r.Post("/{name}/restart", h.workerControl(h.restartWorker))
			r.Post("/{name}/reset", h.workerControl(h.resetWorker))
			r.Post("/{name}/reset-breaker", h.workerControl(h.resetBreaker))
		})
	})

	return r
}

// correlationID stamps each request context with a fresh correlation ID so
// downstream log lines tie back to the request.
func correlationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := logging.ContextWithNewCorrelationID(r.Context())
		if id := logging.CorrelationIDFromContext(ctx); id != "" {
			w.Header().Set("X-Correlation-ID", id)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
