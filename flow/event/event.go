// Package event provides the typed publish/subscribe bus that coordinates
// workflow nodes waiting on external events.
//
// The bus keeps a bounded history of everything emitted so that the executor
// can answer "has this event type been observed since the node was reset"
// without racing live subscriptions.
package event

import (
	"time"

	"github.com/google/uuid"
)

// Event is a single occurrence published on the bus.
//
// Type is the routing key: subscribers and waiters register against it.
// NodeID optionally targets the event at one workflow node.
type Event struct {
	// ID uniquely identifies the event. Assigned on emit when empty.
	ID string `json:"id"`

	// Type is the event type string, e.g. "user_approved" or "file_ready".
	Type string `json:"type"`

	// Timestamp records when the event was emitted. Assigned on emit when
	// zero, using the bus clock.
	Timestamp time.Time `json:"timestamp"`

	// NodeID optionally targets a specific workflow node.
	NodeID string `json:"nodeId,omitempty"`

	// Data carries an arbitrary payload.
	Data map[string]any `json:"data,omitempty"`
}

// Predicate filters events beyond their type. A nil Predicate matches
// everything.
type Predicate func(Event) bool

// New constructs an event of the given type with a fresh ID. The timestamp
// is left zero and stamped by the bus on emit.
func New(eventType string) Event {
	return Event{
		ID:   uuid.NewString(),
		Type: eventType,
	}
}

func (e Event) matches(pred Predicate) bool {
	return pred == nil || pred(e)
}
