// Sentinel - Home Security Monitoring Backend
// Copyright 2026 Sentinel Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sentinel-sec/sentinel

package ws

// Client action names. Every inbound frame carries exactly one action;
// dispatch is a closed switch over these values and unknown actions get an
// error reply instead of being ignored.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionAck         = "ack"
	ActionPing        = "ping"
	ActionReplay      = "replay"
)

// clientMessage is one inbound frame. Fields beyond action are
// action-specific: an event-pattern list for subscribe/unsubscribe,
// sequence for ack/replay. The pattern list is accepted under either
// key; "events" is canonical, "patterns" is kept for older clients.
type clientMessage struct {
	Action   string   `json:"action"`
	Events   []string `json:"events,omitempty"`
	Patterns []string `json:"patterns,omitempty"`
	Sequence uint64   `json:"sequence,omitempty"`
}

// patternList resolves the subscribe/unsubscribe pattern list from
// whichever key the client used.
func (m clientMessage) patternList() []string {
	if len(m.Events) > 0 {
		return m.Events
	}
	return m.Patterns
}

// serverReply is a control response to a client action. Event delivery
// does not use this envelope; events arrive as serialized eventbus.Event
// frames.
type serverReply struct {
	Type     string   `json:"type"`
	Patterns []string `json:"patterns,omitempty"`
	Sequence uint64   `json:"sequence,omitempty"`
	Count    int      `json:"count,omitempty"`
	Error    string   `json:"error,omitempty"`
}
