// Package history exports service lifecycle events to an audit store.
package history

import (
	"context"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStarted      EventType = "started"
	EventStopped      EventType = "stopped"
	EventCrashedEarly EventType = "crashed_early"
	EventPortConflict EventType = "port_conflict"
	EventStaleRecord  EventType = "stale_record"
)

// Event is one lifecycle event for one service.
type Event struct {
	Type       EventType `json:"type"`
	Name       string    `json:"name"`
	PID        int       `json:"pid"`
	OccurredAt time.Time `json:"occurred_at"`
	Detail     string    `json:"detail,omitempty"`
}

// Sink is a destination for lifecycle events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
	Close() error
}

// Nop is a Sink that discards everything.
type Nop struct{}

func (Nop) Send(context.Context, Event) error { return nil }
func (Nop) Close() error                      { return nil }
