// Sentinel - Home Security Monitoring Backend
// Copyright 2026 Sentinel Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sentinel-sec/sentinel

package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/sentinel-sec/sentinel/internal/eventbus"
	"github.com/sentinel-sec/sentinel/internal/healthevents"
	"github.com/sentinel-sec/sentinel/internal/logging"
	"github.com/sentinel-sec/sentinel/internal/supervisor"
)

const maxEventBody = 1 << 20 // 1MB

// healthLive is the liveness probe: the process is up.
func (h *Handler) healthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// healthReady is the readiness probe: the broadcaster consume loop runs.
func (h *Handler) healthReady(w http.ResponseWriter, _ *http.Request) {
	if !h.hub.GetStats().Running {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// healthDetail reports component-level health, the overall rollup, and the
// publish breaker state.
func (h *Handler) healthDetail(w http.ResponseWriter, _ *http.Request) {
	body := map[string]interface{}{
		"breaker": h.bus.BreakerState(),
		"stats":   h.hub.GetStats(),
	}
	if h.health != nil {
		body["overall"] = h.health.Overall()
		body["components"] = h.health.Snapshot()
	} else {
		body["overall"] = healthevents.StatusHealthy
	}
	writeJSON(w, http.StatusOK, body)
}

// stats returns the broadcaster snapshot.
func (h *Handler) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.hub.GetStats())
}

// connectionInfo is one live connection's operational view. Delivered
// against last_ack shows how far the client's acknowledgments lag.
type connectionInfo struct {
	ID        string   `json:"id"`
	Score     float64  `json:"score"`
	Status    string   `json:"status"`
	Patterns  []string `json:"patterns,omitempty"`
	Delivered uint64   `json:"delivered"`
	LastAck   uint64   `json:"last_ack"`
}

// connections lists live connections with health and subscription state.
func (h *Handler) connections(w http.ResponseWriter, _ *http.Request) {
	subs := h.hub.Subscriptions()
	health := h.hub.Health()

	out := make([]connectionInfo, 0)
	for _, id := range h.hub.ConnectionIDs() {
		info := connectionInfo{ID: id, Patterns: subs.Patterns(id)}
		if score, err := health.Score(id); err == nil {
			info.Score = score
		}
		if status, err := health.Status(id); err == nil {
			info.Status = string(status)
		}
		if delivered, err := h.hub.Delivered(id); err == nil {
			info.Delivered = delivered
		}
		if ack, err := h.hub.LastAck(id); err == nil {
			info.LastAck = ack
		}
		out = append(out, info)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":       len(out),
		"connections": out,
	})
}

// publishRequest is the external event ingress body.
type publishRequest struct {
	Type    string                 `json:"type"`
	Payload map[string]interface{} `json:"payload"`
	Channel string                 `json:"channel,omitempty"`
}

// publishEvent lets trusted producers (detection pipeline, automations)
// inject events into the broadcast stream over HTTP.
func (h *Handler) publishEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	var req publishRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON")
		return
	}

	event := eventbus.NewEvent(req.Type, req.Payload)
	event.Channel = req.Channel
	if err := h.hub.Publish(r.Context(), event); err != nil {
		if errors.Is(err, eventbus.ErrEmptyEventType) || errors.Is(err, eventbus.ErrInvalidEventType) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		logger := logging.Ctx(r.Context())
		logger.Error().Err(err).Str("event_type", req.Type).Msg("event ingress publish failed")
		writeError(w, http.StatusInternalServerError, "publish failed")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"sequence":     event.Sequence,
		"requires_ack": event.RequiresAck,
	})
}

// listWorkers returns every supervised worker's status.
func (h *Handler) listWorkers(w http.ResponseWriter, _ *http.Request) {
	if h.workers == nil {
		writeError(w, http.StatusNotFound, "worker supervision disabled")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"workers": h.workers.Statuses()})
}

// workerHistory returns the bounded restart log.
func (h *Handler) workerHistory(w http.ResponseWriter, _ *http.Request) {
	if h.workers == nil {
		writeError(w, http.StatusNotFound, "worker supervision disabled")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"history": h.workers.History()})
}

// workerControl wraps one worker operation with shared name resolution and
// error mapping.
func (h *Handler) workerControl(op func(r *http.Request, name string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.workers == nil {
			writeError(w, http.StatusNotFound, "worker supervision disabled")
			return
		}
		name := chi.URLParam(r, "name")

		if err := op(r, name); err != nil {
			switch {
			case errors.Is(err, supervisor.ErrWorkerNotFound):
				writeError(w, http.StatusNotFound, err.Error())
			case errors.Is(err, supervisor.ErrBreakerOpen),
				errors.Is(err, supervisor.ErrWorkerNotStopped):
				writeError(w, http.StatusConflict, err.Error())
			default:
				writeError(w, http.StatusInternalServerError, err.Error())
			}
			return
		}

		status, err := h.workers.Status(name)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, status)
	}
}

func (h *Handler) startWorker(r *http.Request, name string) error {
	return h.workers.StartWorker(r.Context(), name)
}

func (h *Handler) stopWorker(_ *http.Request, name string) error {
	return h.workers.StopWorker(name)
}

func (h *Handler) restartWorker(r *http.Request, name string) error {
	return h.workers.RestartWorker(r.Context(), name)
}

func (h *Handler) resetWorker(_ *http.Request, name string) error {
	return h.workers.ResetWorker(name)
}

func (h *Handler) resetBreaker(_ *http.Request, name string) error {
	return h.workers.ResetCircuitBreaker(name)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Error().Err(err).Msg("response encode failed")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
