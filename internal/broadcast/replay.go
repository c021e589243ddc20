// Sentinel - Home Security Monitoring Backend
// Copyright 2026 Sentinel Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sentinel-sec/sentinel

package broadcast

import (
	"sync"

	"github.com/sentinel-sec/sentinel/internal/eventbus"
)

// replayBuffer is a fixed-capacity ring of the most recently sequenced
// events, oldest evicted first. A single lock guards append and read since
// the buffer must preserve strict sequence ordering.
type replayBuffer struct {
	mu       sync.Mutex
	events   []*eventbus.Event
	capacity int
}

func newReplayBuffer(capacity int) *replayBuffer {
	return &replayBuffer{
		events:   make([]*eventbus.Event, 0, capacity),
		capacity: capacity,
	}
}

// add appends a sequenced event, evicting the oldest entry at capacity.
func (r *replayBuffer) add(event *eventbus.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, event)
	if len(r.events) > r.capacity {
		r.events = r.events[1:]
	}
}

// since returns the buffered events with sequence strictly greater than
// seq, in ascending sequence order.
func (r *replayBuffer) since(seq uint64) []*eventbus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*eventbus.Event, 0, len(r.events))
	for _, ev := range r.events {
		if ev.Sequence > seq {
			out = append(out, ev)
		}
	}
	return out
}

// len returns the current number of buffered events.
func (r *replayBuffer) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}
