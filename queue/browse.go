package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/wackfx/redis-smq/keys"
	"github.com/wackfx/redis-smq/message"
)

type (
	// Page is a page of messages.
	Page struct {
		// Total is the number of messages in the listed structure.
		Total int64
		// Items are the messages of the page.
		Items []*Item
	}

	// Item is a listed message along with its position.
	Item struct {
		// Index is the position of the message in the listed structure.
		// Requeue and delete operations use it to make sure the message
		// did not move.
		Index int64
		// Message is the listed message.
		Message *message.Message
	}

	// Metrics are the message counts of a queue.
	Metrics struct {
		Pending      int64
		Processing   int64
		Acknowledged int64
		DeadLettered int64
		Scheduled    int64
		// Produced is the number of messages ever produced to the queue.
		Produced int64
	}
)

// GetMessage returns the message with the given id.
func (s *Store) GetMessage(ctx context.Context, id string) (*message.Message, error) {
	fields, err := s.rdb.HGetAll(ctx, keys.Message(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: failed to read message %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("queue: message %s: %w", id, ErrMessageNotFound)
	}
	return message.FromRecord(fields)
}

// ListPending lists the pending messages of a queue in delivery order for
// FIFO and priority queues and in production order for LIFO queues.
func (s *Store) ListPending(ctx context.Context, ref keys.QueueRef, skip, take int64) (*Page, error) {
	t, err := s.QueueType(ctx, ref)
	if err != nil {
		return nil, err
	}
	q := keys.ForQueue(ref)
	if t == Priority {
		return s.listSortedSet(ctx, q.Priority, skip, take)
	}
	return s.listList(ctx, q.Pending, skip, take)
}

// ListAcknowledged lists the acknowledged messages of a queue, oldest
// first.
func (s *Store) ListAcknowledged(ctx context.Context, ref keys.QueueRef, skip, take int64) (*Page, error) {
	return s.listList(ctx, keys.ForQueue(ref).Acknowledged, skip, take)
}

// ListDeadLettered lists the dead-lettered messages of a queue, oldest
// first.
func (s *Store) ListDeadLettered(ctx context.Context, ref keys.QueueRef, skip, take int64) (*Page, error) {
	return s.listList(ctx, keys.ForQueue(ref).DeadLettered, skip, take)
}

// ListScheduled lists the scheduled messages of a queue by fire time.
func (s *Store) ListScheduled(ctx context.Context, ref keys.QueueRef, skip, take int64) (*Page, error) {
	return s.listSortedSet(ctx, keys.ForQueue(ref).Scheduled, skip, take)
}

// Metrics returns the message counts of a queue.
func (s *Store) Metrics(ctx context.Context, ref keys.QueueRef) (*Metrics, error) {
	t, err := s.QueueType(ctx, ref)
	if err != nil {
		return nil, err
	}
	consumers, err := s.Consumers(ctx, ref)
	if err != nil {
		return nil, err
	}
	q := keys.ForQueue(ref)
	var (
		pending  *redis.IntCmd
		produced *redis.StringCmd
		procs    []*redis.IntCmd
	)
	pipe := s.rdb.Pipeline()
	if t == Priority {
		pending = pipe.ZCard(ctx, q.Priority)
	} else {
		pending = pipe.LLen(ctx, q.Pending)
	}
	acked := pipe.LLen(ctx, q.Acknowledged)
	dead := pipe.LLen(ctx, q.DeadLettered)
	scheduled := pipe.ZCard(ctx, q.Scheduled)
	produced = pipe.HGet(ctx, q.Properties, "messages")
	for id := range consumers {
		procs = append(procs, pipe.LLen(ctx, q.Processing(id)))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("queue: failed to read %s metrics: %w", ref, err)
	}
	m := &Metrics{
		Pending:      pending.Val(),
		Acknowledged: acked.Val(),
		DeadLettered: dead.Val(),
		Scheduled:    scheduled.Val(),
	}
	m.Produced, _ = produced.Int64()
	for _, p := range procs {
		m.Processing += p.Val()
	}
	return m, nil
}

// DeleteFromDeadLetter deletes the dead-lettered message found at index.
func (s *Store) DeleteFromDeadLetter(ctx context.Context, ref keys.QueueRef, index int64, id string) error {
	return s.deleteFrom(ctx, keys.ForQueue(ref).DeadLettered, index, id)
}

// DeleteFromAcknowledged deletes the acknowledged message found at index.
func (s *Store) DeleteFromAcknowledged(ctx context.Context, ref keys.QueueRef, index int64, id string) error {
	return s.deleteFrom(ctx, keys.ForQueue(ref).Acknowledged, index, id)
}

// PurgePending deletes the pending structure of a queue.
func (s *Store) PurgePending(ctx context.Context, ref keys.QueueRef) error {
	q := keys.ForQueue(ref)
	return s.purge(ctx, q.Pending, q.Priority)
}

// PurgeAcknowledged deletes the acknowledged list of a queue.
func (s *Store) PurgeAcknowledged(ctx context.Context, ref keys.QueueRef) error {
	return s.purge(ctx, keys.ForQueue(ref).Acknowledged)
}

// PurgeDeadLettered deletes the dead-letter list of a queue.
func (s *Store) PurgeDeadLettered(ctx context.Context, ref keys.QueueRef) error {
	return s.purge(ctx, keys.ForQueue(ref).DeadLettered)
}

// PurgeScheduled deletes the global scheduled index and the scheduled sets
// of all the queues.
func (s *Store) PurgeScheduled(ctx context.Context) error {
	refs, err := s.ListQueues(ctx)
	if err != nil {
		return err
	}
	ks := make([]string, 0, len(refs)+1)
	ks = append(ks, s.global.Scheduled)
	for _, ref := range refs {
		ks = append(ks, keys.ForQueue(ref).Scheduled)
	}
	return s.purge(ctx, ks...)
}

func (s *Store) purge(ctx context.Context, ks ...string) error {
	if err := s.rdb.Del(ctx, ks...).Err(); err != nil {
		return fmt.Errorf("queue: failed to purge %v: %w", ks, err)
	}
	s.logger.Info("purged", "keys", ks)
	return nil
}

func (s *Store) deleteFrom(ctx context.Context, list string, index int64, id string) error {
	res, err := s.run(ctx, "deleteFrom", luaDeleteFrom, []string{list, keys.Message(id)}, id, index)
	if err != nil {
		return err
	}
	switch res {
	case replyOK:
		return nil
	case replyMessageNotFound:
		return fmt.Errorf("queue: %s at index %d of %s: %w", id, index, list, ErrMessageNotFound)
	}
	return &ScriptError{Script: "deleteFrom", Reply: res}
}

func (s *Store) listList(ctx context.Context, key string, skip, take int64) (*Page, error) {
	if err := validatePagination(skip, take); err != nil {
		return nil, err
	}
	var ids *redis.StringSliceCmd
	var total *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		total = pipe.LLen(ctx, key)
		ids = pipe.LRange(ctx, key, skip, skip+take-1)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("queue: failed to list %s: %w", key, err)
	}
	return s.page(ctx, total.Val(), skip, ids.Val())
}

func (s *Store) listSortedSet(ctx context.Context, key string, skip, take int64) (*Page, error) {
	if err := validatePagination(skip, take); err != nil {
		return nil, err
	}
	var ids *redis.StringSliceCmd
	var total *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		total = pipe.ZCard(ctx, key)
		ids = pipe.ZRange(ctx, key, skip, skip+take-1)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("queue: failed to list %s: %w", key, err)
	}
	return s.page(ctx, total.Val(), skip, ids.Val())
}

func (s *Store) page(ctx context.Context, total, skip int64, ids []string) (*Page, error) {
	msgs, _, err := s.loadMessages(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*message.Message, len(msgs))
	for _, m := range msgs {
		byID[m.ID] = m
	}
	p := &Page{Total: total}
	for i, id := range ids {
		if m, ok := byID[id]; ok {
			p.Items = append(p.Items, &Item{Index: skip + int64(i), Message: m})
		}
	}
	return p, nil
}

func validatePagination(skip, take int64) error {
	if skip < 0 || take < 1 {
		return fmt.Errorf("queue: %w: skip=%d take=%d", ErrInvalidPagination, skip, take)
	}
	return nil
}
