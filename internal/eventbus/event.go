// Sentinel - Home Security Monitoring Backend
// Copyright 2026 Sentinel Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sentinel-sec/sentinel

package eventbus

import (
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Event is the immutable envelope carried on the bus and delivered to
// clients. Once the broadcaster assigns a sequence number and places the
// event in the replay buffer it must not be mutated; replay tagging copies
// the envelope instead.
type Event struct {
	// Type is the dot-separated domain.action event type, e.g.
	// "alert.created" or "camera.status_changed".
	Type string `json:"type"`

	// Payload is the structured event body, schema-validated upstream.
	// Batch envelopes carry their content in the batch fields instead.
	Payload map[string]interface{} `json:"payload,omitempty"`

	// Timestamp is the creation time in UTC, serialized as RFC 3339.
	Timestamp time.Time `json:"timestamp"`

	// Sequence is assigned by the broadcaster before fan-out.
	Sequence uint64 `json:"sequence,omitempty"`

	CorrelationID string `json:"correlation_id,omitempty"`
	Channel       string `json:"channel,omitempty"`

	// RequiresAck marks high-priority events that clients must acknowledge.
	RequiresAck bool `json:"requires_ack,omitempty"`

	// Replay marks events returned from the replay buffer so clients can
	// distinguish them from live delivery.
	Replay bool `json:"replay,omitempty"`

	// Batch envelope fields, set only when Type is "batch": the coalesced
	// messages ride at the top level of the envelope.
	Count     int      `json:"count,omitempty"`
	Messages  []*Event `json:"messages,omitempty"`
	BatchedAt string   `json:"batched_at,omitempty"`
}

// NewEvent creates an event with the given type and payload, stamped with
// the current UTC time and a fresh correlation ID.
func NewEvent(eventType string, payload map[string]interface{}) *Event {
	return &Event{
		Type:          eventType,
		Payload:       payload,
		Timestamp:     time.Now().UTC(),
		CorrelationID: uuid.New().String(),
	}
}

// Validate checks the envelope shape before publishing.
func (e *Event) Validate() error {
	if e.Type == "" {
		return ErrEmptyEventType
	}
	if strings.ContainsAny(e.Type, " \t\n") {
		return ErrInvalidEventType
	}
	return nil
}

// RiskScore extracts the payload's risk score when present.
func (e *Event) RiskScore() (float64, bool) {
	if e.Payload == nil {
		return 0, false
	}
	score, ok := e.Payload["risk_score"].(float64)
	return score, ok
}

// RiskLevel extracts the payload's risk level when present.
func (e *Event) RiskLevel() string {
	if e.Payload == nil {
		return ""
	}
	level, _ := e.Payload["risk_level"].(string)
	return level
}

// WithReplay returns a copy of the event tagged as a replay. The original
// buffered event stays untouched.
func (e *Event) WithReplay() *Event {
	clone := *e
	clone.Replay = true
	return &clone
}

// Serialize encodes the event for the wire.
func Serialize(e *Event) ([]byte, error) {
	return json.Marshal(e)
}

// Deserialize decodes an event from the wire.
func Deserialize(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
