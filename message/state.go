package message

import (
	"fmt"
	"time"
)

type (
	// State is the system maintained state of a message.
	State struct {
		Status             Status
		Attempts           int
		ScheduledAt        time.Time
		LastScheduledAt    time.Time
		PublishedAt        time.Time
		ProcessingAt       time.Time
		AcknowledgedAt     time.Time
		DeadLetteredAt     time.Time
		ScheduledMessageID string
		// ScheduledRepeatCount is the number of repeated deliveries in
		// the current cycle.
		ScheduledRepeatCount int
		// ScheduledCronFired is set once the cron expression fired.
		ScheduledCronFired bool
		// Delayed is set once the scheduled delay was applied.
		Delayed bool
		// ConsumerID is the consumer processing the message.
		ConsumerID string
		// LastError is the cause of the last unacknowledgment.
		LastError string
	}

	// Status is the lifecycle status of a message. The values are shared
	// with the Lua scripts and must not change.
	Status int
)

const (
	StatusScheduled Status = iota
	StatusPending
	StatusProcessing
	StatusAcknowledged
	StatusUnackDelaying
	StatusUnackRequeuing
	StatusDeadLettered
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case StatusScheduled:
		return "scheduled"
	case StatusPending:
		return "pending"
	case StatusProcessing:
		return "processing"
	case StatusAcknowledged:
		return "acknowledged"
	case StatusUnackDelaying:
		return "unack-delaying"
	case StatusUnackRequeuing:
		return "unack-requeuing"
	case StatusDeadLettered:
		return "dead-lettered"
	}
	return fmt.Sprintf("status(%d)", int(s))
}
