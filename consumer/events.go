package consumer

import (
	"fmt"

	"github.com/wackfx/redis-smq/keys"
	"github.com/wackfx/redis-smq/queue"
)

type (
	// Event is a consumer event.
	Event struct {
		// Kind is the event kind.
		Kind EventKind
		// Queue is the queue of the message for message events.
		Queue keys.QueueRef
		// MessageID is the id of the message for message events.
		MessageID string
		// Outcome is the outcome of an unacknowledgment.
		Outcome queue.Outcome
		// Cause is the cause of an unacknowledgment.
		Cause queue.Cause
		// Err is the error for error events.
		Err error
	}

	// EventKind is the kind of consumer event.
	EventKind int
)

const (
	// EventUp is sent once the consumer started.
	EventUp EventKind = iota + 1
	// EventDown is sent once the consumer stopped, right before the
	// event channels are closed.
	EventDown
	// EventAcknowledged is sent when a message is acknowledged.
	EventAcknowledged
	// EventUnacknowledged is sent when a delivery failed.
	EventUnacknowledged
	// EventError is sent when an operation failed.
	EventError
)

// String implements fmt.Stringer.
func (k EventKind) String() string {
	switch k {
	case EventUp:
		return "up"
	case EventDown:
		return "down"
	case EventAcknowledged:
		return "acknowledged"
	case EventUnacknowledged:
		return "unacknowledged"
	case EventError:
		return "error"
	}
	return fmt.Sprintf("event(%d)", int(k))
}
