package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/wackfx/redis-smq/keys"
	"github.com/wackfx/redis-smq/message"
	"github.com/wackfx/redis-smq/metrics"
)

type (
	// Cause describes why a delivery failed.
	Cause string

	// Outcome is the result of a failed delivery.
	Outcome string
)

const (
	// CauseUnacknowledged is used when the handler returned an error.
	CauseUnacknowledged Cause = "unacknowledged"
	// CauseHandlerPanic is used when the handler panicked.
	CauseHandlerPanic Cause = "handler-panic"
	// CauseConsumeTimeout is used when the message exceeded its consume
	// timeout.
	CauseConsumeTimeout Cause = "consume-timeout"
	// CauseTTLExpired is used when the message expired before delivery.
	// Expired messages are never retried.
	CauseTTLExpired Cause = "ttl-expired"
)

const (
	// OutcomeRequeued means the message went back to pending.
	OutcomeRequeued Outcome = "requeued"
	// OutcomeDelayed means the message waits for a delayed retry.
	OutcomeDelayed Outcome = "delayed"
	// OutcomeDeadLettered means the message was dead-lettered.
	OutcomeDeadLettered Outcome = "dead-lettered"
)

// Enqueue writes msg and makes it pending in its queue.
func (s *Store) Enqueue(ctx context.Context, msg *message.Message) error {
	now := time.Now()
	msg.State.Status = message.StatusPending
	msg.State.PublishedAt = now
	fields, err := msg.Record()
	if err != nil {
		return err
	}
	q := keys.ForQueue(msg.Queue)
	args := append([]any{msg.ID, message.Millis(now), q.Notifications}, message.Flatten(fields)...)
	res, err := s.run(ctx, "enqueue", luaEnqueue, []string{q.Properties, q.Pending, q.Priority, keys.Message(msg.ID)}, args...)
	if err != nil {
		return err
	}
	switch res {
	case replyOK:
		metrics.MessagesProduced.WithLabelValues(msg.Queue.String(), "enqueued").Inc()
		s.logger.Debug("enqueued", "queue", msg.Queue, "id", msg.ID)
		return nil
	case replyQueueNotFound:
		return fmt.Errorf("queue: %s: %w", msg.Queue, ErrQueueNotFound)
	}
	return &ScriptError{Script: "enqueue", Reply: res}
}

// Schedule writes msg and adds it to the scheduled index with the given
// fire time. It returns a NotScheduledError if at is not in the future or
// the queue does not exist.
func (s *Store) Schedule(ctx context.Context, msg *message.Message, at time.Time) error {
	now := time.Now()
	if !at.After(now) {
		return &NotScheduledError{MessageID: msg.ID, Reason: replyInvalidTimestamp}
	}
	msg.State.Status = message.StatusScheduled
	msg.State.ScheduledAt = now
	fields, err := msg.Record()
	if err != nil {
		return err
	}
	q := keys.ForQueue(msg.Queue)
	ks := []string{q.Properties, s.global.Scheduled, q.Scheduled, keys.Message(msg.ID)}
	args := append([]any{msg.ID, message.Millis(at), message.Millis(now)}, message.Flatten(fields)...)
	res, err := s.run(ctx, "schedule", luaSchedule, ks, args...)
	if err != nil {
		return err
	}
	switch res {
	case replyOK:
		metrics.MessagesProduced.WithLabelValues(msg.Queue.String(), "scheduled").Inc()
		s.logger.Debug("scheduled", "queue", msg.Queue, "id", msg.ID, "at", at)
		return nil
	case replyQueueNotFound, replyInvalidTimestamp:
		return &NotScheduledError{MessageID: msg.ID, Reason: res.(string)}
	}
	return &NotScheduledError{MessageID: msg.ID, Reason: fmt.Sprintf("unexpected reply %v", res)}
}

// Dequeue moves the next pending message of the queue to the processing
// list of the consumer and returns it. It returns nil and no error when
// the queue has no pending message.
func (s *Store) Dequeue(ctx context.Context, ref keys.QueueRef, consumerID string) (*message.Message, error) {
	q := keys.ForQueue(ref)
	ks := []string{q.Properties, q.Pending, q.Priority, q.Processing(consumerID), s.global.Deadlines}
	res, err := s.run(ctx, "dequeue", luaDequeue, ks, consumerID, message.Millis(time.Now()), keys.MessagePrefix())
	if err != nil {
		return nil, err
	}
	reply, ok := res.([]any)
	if !ok || len(reply) == 0 {
		return nil, &ScriptError{Script: "dequeue", Reply: res}
	}
	switch reply[0] {
	case replyEmpty:
		return nil, nil
	case replyQueueNotFound:
		return nil, fmt.Errorf("queue: %s: %w", ref, ErrQueueNotFound)
	case replyOK:
	default:
		return nil, &ScriptError{Script: "dequeue", Reply: reply[0]}
	}
	fields := make(map[string]string, (len(reply)-1)/2)
	for i := 1; i+1 < len(reply); i += 2 {
		k, _ := reply[i].(string)
		v, _ := reply[i+1].(string)
		fields[k] = v
	}
	msg, err := message.FromRecord(fields)
	if err != nil {
		return nil, fmt.Errorf("queue: failed to decode message dequeued from %s: %w", ref, err)
	}
	metrics.MessagesConsumed.WithLabelValues(ref.String()).Inc()
	return msg, nil
}

// Acknowledge moves a message from the processing list of the consumer
// to the acknowledged list. It returns ErrMessageNotFound if the message
// is not in the processing list, in which case nothing is changed.
func (s *Store) Acknowledge(ctx context.Context, ref keys.QueueRef, consumerID, id string) error {
	q := keys.ForQueue(ref)
	ks := []string{q.Processing(consumerID), keys.Message(id), q.Acknowledged, s.global.Deadlines}
	args := []any{id, message.Millis(time.Now()), flag(s.acknowledged.Enabled), s.acknowledged.MaxSize, keys.MessagePrefix()}
	res, err := s.run(ctx, "acknowledge", luaAcknowledge, ks, args...)
	if err != nil {
		return err
	}
	switch res {
	case replyOK:
		metrics.MessagesAcknowledged.WithLabelValues(ref.String()).Inc()
		return nil
	case replyMessageNotFound:
		return fmt.Errorf("queue: %s in %s processing list of %s: %w", id, ref, consumerID, ErrMessageNotFound)
	}
	return &ScriptError{Script: "acknowledge", Reply: res}
}

// Unacknowledge removes a message from the processing list of the consumer
// and, in the same transaction, requeues it, holds it for a delayed retry
// or dead-letters it depending on its attempts, retry threshold and retry
// delay.
func (s *Store) Unacknowledge(ctx context.Context, ref keys.QueueRef, consumerID, id string, cause Cause) (Outcome, error) {
	q := keys.ForQueue(ref)
	ks := []string{
		q.Processing(consumerID), keys.Message(id), q.Properties, q.Pending, q.Priority,
		s.global.Delayed, q.DeadLettered, s.global.Deadlines,
	}
	args := []any{
		id, message.Millis(time.Now()), string(cause), flag(cause != CauseTTLExpired),
		flag(s.deadLettered.Enabled), s.deadLettered.MaxSize, keys.MessagePrefix(), q.Notifications,
	}
	res, err := s.run(ctx, "unacknowledge", luaUnacknowledge, ks, args...)
	if err != nil {
		return "", err
	}
	var outcome Outcome
	switch res {
	case replyRequeued:
		outcome = OutcomeRequeued
	case replyDelayed:
		outcome = OutcomeDelayed
	case replyDeadLettered:
		outcome = OutcomeDeadLettered
	case replyMessageNotFound:
		return "", fmt.Errorf("queue: %s in %s processing list of %s: %w", id, ref, consumerID, ErrMessageNotFound)
	case replyQueueNotFound:
		return "", fmt.Errorf("queue: %s: %w", ref, ErrQueueNotFound)
	default:
		return "", &ScriptError{Script: "unacknowledge", Reply: res}
	}
	metrics.MessagesUnacknowledged.WithLabelValues(ref.String(), string(outcome), string(cause)).Inc()
	s.logger.Debug("unacknowledged", "queue", ref, "id", id, "cause", cause, "outcome", outcome)
	return outcome, nil
}

// RequeueOption configures a requeue operation.
type RequeueOption func(*requeueOptions)

type requeueOptions struct {
	priority *message.Priority
}

// WithRequeuePriority overrides the message priority, it only affects
// priority queues.
func WithRequeuePriority(p message.Priority) RequeueOption {
	return func(o *requeueOptions) { o.priority = &p }
}

// RequeueFromDeadLetter requeues the dead-lettered message found at index
// as a new delivery with reset attempts. It fails with ErrMessageRequeue
// if the message is not at that index.
func (s *Store) RequeueFromDeadLetter(ctx context.Context, ref keys.QueueRef, index int64, id string, opts ...RequeueOption) error {
	return s.requeueFrom(ctx, ref, keys.ForQueue(ref).DeadLettered, index, id, opts...)
}

// RequeueFromAcknowledged requeues the acknowledged message found at index
// as a new delivery. It fails with ErrMessageRequeue if the message is not
// at that index.
func (s *Store) RequeueFromAcknowledged(ctx context.Context, ref keys.QueueRef, index int64, id string, opts ...RequeueOption) error {
	return s.requeueFrom(ctx, ref, keys.ForQueue(ref).Acknowledged, index, id, opts...)
}

func (s *Store) requeueFrom(ctx context.Context, ref keys.QueueRef, list string, index int64, id string, opts ...RequeueOption) error {
	var o requeueOptions
	for _, opt := range opts {
		opt(&o)
	}
	var priority string
	if o.priority != nil {
		if *o.priority < message.PriorityHighest || *o.priority > message.PriorityLowest {
			return fmt.Errorf("queue: %w: priority %d out of range", message.ErrInvalidMessage, *o.priority)
		}
		priority = strconv.Itoa(int(*o.priority))
	}
	q := keys.ForQueue(ref)
	ks := []string{list, keys.Message(id), q.Properties, q.Pending, q.Priority}
	res, err := s.run(ctx, "requeueFrom", luaRequeueFrom, ks, id, index, priority, message.Millis(time.Now()), q.Notifications)
	if err != nil {
		return err
	}
	switch res {
	case replyOK:
		s.logger.Info("requeued", "queue", ref, "id", id, "from", list)
		return nil
	case replyMessageNotFound:
		return fmt.Errorf("queue: %s at index %d of %s: %w", id, index, list, ErrMessageRequeue)
	case replyQueueNotFound:
		return fmt.Errorf("queue: %s: %w", ref, ErrQueueNotFound)
	}
	return &ScriptError{Script: "requeueFrom", Reply: res}
}

// Recover moves the messages held in the processing lists of the consumer
// for the given queues back to pending, without counting a failed attempt,
// and unregisters the consumer from the queues. If removeHeartbeat is true
// the consumer heartbeat is removed in the same transaction. It returns
// the number of recovered messages.
func (s *Store) Recover(ctx context.Context, consumerID string, refs []keys.QueueRef, removeHeartbeat bool) (int, error) {
	ks := []string{s.global.Heartbeats, s.global.HeartbeatTimestamps, s.global.Deadlines}
	args := []any{consumerID, keys.MessagePrefix(), flag(removeHeartbeat)}
	for _, ref := range refs {
		q := keys.ForQueue(ref)
		ks = append(ks, q.Properties, q.Pending, q.Priority, q.Processing(consumerID), q.Consumers)
		args = append(args, q.Notifications)
	}
	res, err := s.run(ctx, "recover", luaRecover, ks, args...)
	if err != nil {
		return 0, err
	}
	n, ok := res.(int64)
	if !ok {
		return 0, &ScriptError{Script: "recover", Reply: res}
	}
	if n > 0 {
		metrics.MessagesRecovered.Add(float64(n))
		s.logger.Info("recovered messages", "consumer", consumerID, "count", n)
	}
	return int(n), nil
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
