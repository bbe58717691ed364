package events

import (
	"github.com/gammazero/deque"

	"github.com/riftnet/riftnet/pkg/logger"
)

// Queue is a fixed-capacity FIFO of events for one connection slot, storing
// payloads in a byte arena shared across every connection's queue. On
// overflow the queue resets itself and logs a fixed warning message;
// subsequent pops return Empty until new events arrive.
type Queue struct {
	slot      int32
	capacity  int
	arena     *Arena
	ring      deque.Deque
	listening bool
}

// NewQueue creates a bounded queue for connection slot backed by arena, with
// the given maximum pending-event capacity.
func NewQueue(slot int32, capacity int, arena *Arena, listening bool) *Queue {
	return &Queue{slot: slot, capacity: capacity, arena: arena, listening: listening}
}

// Push enqueues an event. Data events carry payload (copied into the shared
// arena); Connect/Disconnect carry no payload. Returns false if the queue had
// to reset to make room (the push itself is still recorded after the reset).
func (q *Queue) Push(kind Type, payload []byte, reason DisconnectReason) bool {
	resetHappened := false
	if q.ring.Len() >= q.capacity {
		q.resetLogged()
		resetHappened = true
	}

	var offset, length int
	if len(payload) > 0 {
		offset, length = q.arena.Append(payload)
	}
	q.ring.PushBack(record{kind: kind, slot: q.slot, offset: offset, length: length, reason: reason})
	return !resetHappened
}

// Pop removes and returns the next event for this connection, or (Empty, nil,
// ReasonNone, false) if none is pending.
func (q *Queue) Pop() (Type, []byte, DisconnectReason, bool) {
	if q.ring.Len() == 0 {
		return Empty, nil, ReasonNone, false
	}
	r := q.ring.PopFront().(record)
	var payload []byte
	if r.length > 0 {
		payload = q.arena.Slice(r.offset, r.length)
	}
	return r.kind, payload, r.reason, true
}

// Len reports the number of pending events.
func (q *Queue) Len() int {
	return q.ring.Len()
}

// resetLogged discards every pending event with the fixed warning line. Both
// reset triggers share it: capacity overflow on Push, and the start-of-tick
// sweep over queues whose events the caller never popped (the payload arena is
// about to be reclaimed, so those events could no longer be delivered intact).
func (q *Queue) resetLogged() {
	listening := 0
	if q.listening {
		listening = 1
	}
	logger.Warn("Resetting event queue with pending events (Count=%d, ConnectionID=%d) Listening: %d",
		q.ring.Len(), q.slot, listening)
	for q.ring.Len() > 0 {
		q.ring.PopFront()
	}
}
