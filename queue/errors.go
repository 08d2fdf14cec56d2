package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrQueueNotFound is returned when the queue does not exist.
	ErrQueueNotFound = errors.New("queue not found")
	// ErrQueueExists is returned when creating a queue that already
	// exists.
	ErrQueueExists = errors.New("queue already exists")
	// ErrQueueHasConsumers is returned when deleting a queue that still
	// has registered consumers.
	ErrQueueHasConsumers = errors.New("queue has consumers")
	// ErrMessageNotFound is returned when a message is not where the
	// operation expects it, usually because a concurrent operation moved
	// it.
	ErrMessageNotFound = errors.New("message not found")
	// ErrMessageRequeue is returned when a message cannot be requeued from
	// the claimed position.
	ErrMessageRequeue = errors.New("message could not be requeued")
	// ErrMessageNotScheduled is matched by NotScheduledError.
	ErrMessageNotScheduled = errors.New("message not scheduled")
	// ErrInvalidPagination is returned for negative skip or non-positive
	// take values.
	ErrInvalidPagination = errors.New("invalid pagination parameters")
	// ErrInvalidQueueType is returned for unknown queue types.
	ErrInvalidQueueType = errors.New("invalid queue type")
)

const (
	replyOK                = "OK"
	replyEmpty             = "EMPTY"
	replyQueueNotFound     = "QUEUE_NOT_FOUND"
	replyQueueHasConsumers = "QUEUE_HAS_CONSUMERS"
	replyMessageNotFound   = "MESSAGE_NOT_FOUND"
	replyInvalidTimestamp  = "INVALID_TIMESTAMP"
	replyRequeued          = "REQUEUED"
	replyDelayed           = "DELAYED"
	replyDeadLettered      = "DEAD_LETTERED"
)

type (
	// ScriptError is returned when a script replies with an unexpected
	// value. It indicates a protocol violation between the client and the
	// scripts.
	ScriptError struct {
		// Script is the name of the script.
		Script string
		// Reply is the unexpected reply.
		Reply any
	}

	// NotScheduledError is returned when a message cannot be scheduled.
	// It matches ErrMessageNotScheduled and, when the destination queue
	// does not exist, ErrQueueNotFound.
	NotScheduledError struct {
		// MessageID is the id of the message.
		MessageID string
		// Reason describes why the message was not scheduled.
		Reason string
	}
)

func (e *ScriptError) Error() string {
	return fmt.Sprintf("queue: script %s returned unexpected reply %v", e.Script, e.Reply)
}

func (e *NotScheduledError) Error() string {
	return fmt.Sprintf("queue: message %s not scheduled: %s", e.MessageID, e.Reason)
}

// Is makes errors.Is match ErrMessageNotScheduled, and ErrQueueNotFound
// when the queue does not exist.
func (e *NotScheduledError) Is(target error) bool {
	return target == ErrMessageNotScheduled || (target == ErrQueueNotFound && e.Reason == replyQueueNotFound)
}
