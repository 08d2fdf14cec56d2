// Package producer implements the producer runtime. A producer validates
// messages and either enqueues them or hands them to the scheduler.
package producer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/wackfx/redis-smq/message"
	"github.com/wackfx/redis-smq/queue"
	"github.com/wackfx/redis-smq/schedule"
	"github.com/wackfx/redis-smq/smq"
)

type (
	// Producer produces messages. It is safe for concurrent use.
	Producer struct {
		// ID is the producer unique identifier for the lifetime of the
		// process.
		ID string

		store     *queue.Store
		logger    smq.Logger
		lifecycle *smq.Lifecycle
	}

	// Option is a producer creation option.
	Option func(*options)

	options struct {
		logger       smq.Logger
		storeOptions []queue.StoreOption
	}
)

// ErrNotRunning is returned when producing with a producer that is not
// started.
var ErrNotRunning = errors.New("producer is not running")

// WithLogger sets the producer logger.
func WithLogger(logger smq.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithStoreOptions sets the options of the queue store used by the
// producer.
func WithStoreOptions(opts ...queue.StoreOption) Option {
	return func(o *options) {
		o.storeOptions = append(o.storeOptions, opts...)
	}
}

// New returns a producer using the given Redis client. The client is not
// closed by the producer.
func New(rdb *redis.Client, opts ...Option) *Producer {
	o := &options{logger: smq.NoopLogger()}
	for _, opt := range opts {
		opt(o)
	}
	id := uuid.NewString()
	logger := o.logger.WithPrefix("producer", id)
	p := &Producer{
		ID:     id,
		store:  queue.New(rdb, append([]queue.StoreOption{queue.WithLogger(o.logger)}, o.storeOptions...)...),
		logger: logger,
	}
	p.lifecycle = smq.NewLifecycle("producer", logger, smq.Step{Name: "store", Up: p.store.Init})
	return p
}

// Start prepares the producer.
func (p *Producer) Start(ctx context.Context) error {
	return p.lifecycle.Start(ctx)
}

// Shutdown stops the producer. Messages produced concurrently with
// Shutdown may or may not be written.
func (p *Producer) Shutdown(ctx context.Context) error {
	return p.lifecycle.Stop(ctx)
}

// State returns the lifecycle state of the producer.
func (p *Producer) State() smq.State {
	return p.lifecycle.State()
}

// Produce writes msg. Messages with scheduling parameters are scheduled
// for their first delivery, the others are enqueued immediately. It fails
// with a *queue.NotScheduledError if a scheduled message has no delivery
// time, and with queue.ErrQueueNotFound if the queue does not exist.
func (p *Producer) Produce(ctx context.Context, msg *message.Message) error {
	if p.lifecycle.State() != smq.StateUp {
		return ErrNotRunning
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	if err := schedule.Validate(msg); err != nil {
		return err
	}
	if !msg.IsSchedulable() {
		if err := p.store.Enqueue(ctx, msg); err != nil {
			return fmt.Errorf("producer: failed to produce %s: %w", msg.ID, err)
		}
		return nil
	}
	next, err := schedule.Next(msg, time.Now())
	if err != nil {
		return err
	}
	if next.IsZero() {
		return &queue.NotScheduledError{MessageID: msg.ID, Reason: "no delivery time"}
	}
	if err := p.store.Schedule(ctx, msg, next); err != nil {
		return err
	}
	p.logger.Debug("scheduled", "id", msg.ID, "at", next)
	return nil
}
