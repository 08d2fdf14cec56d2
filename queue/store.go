// Package queue implements the queue store: queue management and the
// atomic message state transitions, each implemented as a single Lua
// script.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/wackfx/redis-smq/keys"
	"github.com/wackfx/redis-smq/smq"
)

type (
	// Store implements the queue operations on top of Redis. It is safe
	// for concurrent use.
	Store struct {
		rdb          *redis.Client
		global       keys.Global
		logger       smq.Logger
		acknowledged Storage
		deadLettered Storage
	}

	// Type is the type of a queue.
	Type string
)

const (
	// FIFO queues deliver messages in the order they were produced.
	FIFO Type = "fifo"
	// LIFO queues deliver the most recently produced message first.
	LIFO Type = "lifo"
	// Priority queues deliver messages by ascending priority value, then
	// in the order they were produced.
	Priority Type = "priority"
)

// New returns a store using the given Redis client.
func New(rdb *redis.Client, opts ...StoreOption) *Store {
	o := parseOptions(opts...)
	return &Store{
		rdb:          rdb,
		global:       keys.ForGlobal(),
		logger:       o.logger.WithPrefix("component", "queue-store"),
		acknowledged: o.acknowledged,
		deadLettered: o.deadLettered,
	}
}

// Init loads the Lua scripts so that subsequent calls only send script
// hashes.
func (s *Store) Init(ctx context.Context) error {
	for _, script := range scripts {
		if err := script.Load(ctx, s.rdb).Err(); err != nil {
			return fmt.Errorf("queue: failed to load Lua scripts: %w", err)
		}
	}
	return nil
}

// Client returns the underlying Redis client.
func (s *Store) Client() *redis.Client {
	return s.rdb
}

// ParseType validates a queue type name.
func ParseType(s string) (Type, error) {
	switch t := Type(s); t {
	case FIFO, LIFO, Priority:
		return t, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidQueueType, s)
}

// CreateQueue creates a queue of the given type. The type of a queue
// cannot change, ErrQueueExists is returned if the queue exists.
func (s *Store) CreateQueue(ctx context.Context, ref keys.QueueRef, t Type) error {
	if _, err := ParseType(string(t)); err != nil {
		return err
	}
	q := keys.ForQueue(ref)
	res, err := s.run(ctx, "createQueue", luaCreateQueue, []string{q.Properties, s.global.Queues}, string(t), ref.String())
	if err != nil {
		return err
	}
	if n, ok := res.(int64); !ok || n == 0 {
		if ok {
			return fmt.Errorf("queue: %s: %w", ref, ErrQueueExists)
		}
		return &ScriptError{Script: "createQueue", Reply: res}
	}
	s.logger.Info("queue created", "queue", ref, "type", t)
	return nil
}

// DeleteQueue deletes a queue and the messages it holds. It fails with
// ErrQueueHasConsumers if consumers are registered with the queue.
func (s *Store) DeleteQueue(ctx context.Context, ref keys.QueueRef) error {
	q := keys.ForQueue(ref)
	ks := []string{
		q.Properties, s.global.Queues, q.Pending, q.Priority, q.Acknowledged,
		q.DeadLettered, q.Scheduled, q.Consumers, s.global.Scheduled,
	}
	res, err := s.run(ctx, "deleteQueue", luaDeleteQueue, ks, ref.String(), keys.MessagePrefix())
	if err != nil {
		return err
	}
	switch res {
	case replyOK:
		s.logger.Info("queue deleted", "queue", ref)
		return nil
	case replyQueueNotFound:
		return fmt.Errorf("queue: %s: %w", ref, ErrQueueNotFound)
	case replyQueueHasConsumers:
		return fmt.Errorf("queue: %s: %w", ref, ErrQueueHasConsumers)
	}
	return &ScriptError{Script: "deleteQueue", Reply: res}
}

// QueueType returns the type of the queue.
func (s *Store) QueueType(ctx context.Context, ref keys.QueueRef) (Type, error) {
	t, err := s.rdb.HGet(ctx, keys.ForQueue(ref).Properties, "type").Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("queue: %s: %w", ref, ErrQueueNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("queue: failed to read %s type: %w", ref, err)
	}
	return Type(t), nil
}

// QueueExists returns true if the queue exists.
func (s *Store) QueueExists(ctx context.Context, ref keys.QueueRef) (bool, error) {
	n, err := s.rdb.Exists(ctx, keys.ForQueue(ref).Properties).Result()
	if err != nil {
		return false, fmt.Errorf("queue: failed to check %s: %w", ref, err)
	}
	return n == 1, nil
}

// ListQueues returns all the queues sorted by namespace and name.
func (s *Store) ListQueues(ctx context.Context) ([]keys.QueueRef, error) {
	members, err := s.rdb.SMembers(ctx, s.global.Queues).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: failed to list queues: %w", err)
	}
	refs := make([]keys.QueueRef, 0, len(members))
	for _, m := range members {
		ref, err := keys.ParseQueueRef(m, "")
		if err != nil {
			s.logger.Error(fmt.Errorf("invalid queue in registry: %w", err), "queue", m)
			continue
		}
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Namespace != refs[j].Namespace {
			return refs[i].Namespace < refs[j].Namespace
		}
		return refs[i].Name < refs[j].Name
	})
	return refs, nil
}

// RegisterConsumer records a consumer in the queue consumers hash. info
// is an opaque description of the consumer.
func (s *Store) RegisterConsumer(ctx context.Context, ref keys.QueueRef, consumerID, info string) error {
	if err := s.rdb.HSet(ctx, keys.ForQueue(ref).Consumers, consumerID, info).Err(); err != nil {
		return fmt.Errorf("queue: failed to register consumer %s with %s: %w", consumerID, ref, err)
	}
	return nil
}

// Consumers returns the consumers registered with the queue indexed by
// id.
func (s *Store) Consumers(ctx context.Context, ref keys.QueueRef) (map[string]string, error) {
	res, err := s.rdb.HGetAll(ctx, keys.ForQueue(ref).Consumers).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: failed to read %s consumers: %w", ref, err)
	}
	return res, nil
}

// run runs the given script and wraps infrastructure errors.
func (s *Store) run(ctx context.Context, name string, script *redis.Script, ks []string, args ...any) (any, error) {
	res, err := script.Run(ctx, s.rdb, ks, args...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("queue: failed to run %s: %w", name, err)
	}
	return res, nil
}
