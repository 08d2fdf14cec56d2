// Package consumer implements the consumer runtime: it registers message
// handlers for queues, runs one delivery loop per queue and hosts the
// background workers shared by all the consumers.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/wackfx/redis-smq/heartbeat"
	"github.com/wackfx/redis-smq/keys"
	"github.com/wackfx/redis-smq/lock"
	"github.com/wackfx/redis-smq/message"
	"github.com/wackfx/redis-smq/queue"
	"github.com/wackfx/redis-smq/rmap"
	"github.com/wackfx/redis-smq/smq"
	"github.com/wackfx/redis-smq/workers"
)

type (
	// Consumer consumes messages from one or more queues. Each queue has
	// at most one message in flight.
	Consumer struct {
		// ID is the consumer unique identifier for the lifetime of the
		// process.
		ID string

		rdb       *redis.Client
		store     *queue.Store
		opts      *options
		logger    smq.Logger
		lifecycle *smq.Lifecycle
		hb        *heartbeat.Heartbeat
		registry  *rmap.Map
		runners   []*workers.Runner
		baseCtx   context.Context

		mu         sync.Mutex
		handlers   map[keys.QueueRef]*handlerLoop
		handlersUp bool
		subs       []chan *Event
	}

	// Handler processes a message. Returning nil acknowledges the message,
	// returning an error or panicking unacknowledges it.
	Handler func(ctx context.Context, msg *message.Message) error

	// consumerInfo is the description of the consumer stored in the queue
	// consumers hash.
	consumerInfo struct {
		ID        string `json:"id"`
		Hostname  string `json:"hostname"`
		PID       int    `json:"pid"`
		CreatedAt int64  `json:"createdAt"`
	}
)

var (
	// ErrHandlerExists is returned when consuming a queue that already
	// has a handler.
	ErrHandlerExists = errors.New("message handler already exists")
	// ErrHandlerNotFound is returned when canceling a queue that has no
	// handler.
	ErrHandlerNotFound = errors.New("message handler not found")
)

// New returns a consumer using the given Redis client. The client is not
// closed by the consumer.
func New(rdb *redis.Client, opts ...Option) *Consumer {
	o := parseOptions(opts...)
	id := uuid.NewString()
	logger := o.logger.WithPrefix("consumer", id)
	c := &Consumer{
		ID:       id,
		rdb:      rdb,
		store:    queue.New(rdb, append([]queue.StoreOption{queue.WithLogger(o.logger)}, o.storeOptions...)...),
		opts:     o,
		logger:   logger,
		handlers: make(map[keys.QueueRef]*handlerLoop),
		baseCtx:  context.Background(),
	}
	c.lifecycle = smq.NewLifecycle("consumer", logger,
		smq.Step{Name: "store", Up: c.store.Init},
		smq.Step{Name: "heartbeat", Up: c.startHeartbeat, Down: c.stopHeartbeat},
		smq.Step{Name: "registry", Up: c.joinRegistry, Down: c.leaveRegistry},
		smq.Step{Name: "workers", Up: c.startWorkers, Down: c.stopWorkers},
		smq.Step{Name: "handlers", Up: c.startHandlers, Down: c.stopHandlers},
	)
	return c
}

// Start starts the consumer: it publishes its heartbeat, starts the
// delivery loop of each registered handler and the background workers.
// Values stored in ctx are made available to the handlers.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	c.baseCtx = context.WithoutCancel(ctx)
	c.mu.Unlock()
	if err := c.lifecycle.Start(ctx); err != nil {
		return err
	}
	c.logger.Info("started")
	c.emit(&Event{Kind: EventUp})
	return nil
}

// Shutdown stops the delivery loops, waiting for in-flight handlers,
// returns unprocessed messages to their queues, stops the workers and the
// heartbeat. Event channels are closed once Shutdown returns.
func (c *Consumer) Shutdown(ctx context.Context) error {
	err := c.lifecycle.Stop(ctx)
	if errors.Is(err, smq.ErrLifecycle) {
		return err
	}
	c.emit(&Event{Kind: EventDown})
	c.mu.Lock()
	for _, s := range c.subs {
		close(s)
	}
	c.subs = nil
	c.mu.Unlock()
	c.logger.Info("stopped")
	return err
}

// Consume registers the handler for the queue. The queue must exist. If
// the consumer is running the delivery loop starts immediately, otherwise
// it starts with the consumer.
func (c *Consumer) Consume(ctx context.Context, ref keys.QueueRef, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("consumer: nil handler for %s", ref)
	}
	ok, err := c.store.QueueExists(ctx, ref)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("consumer: %s: %w", ref, queue.ErrQueueNotFound)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.handlers[ref]; ok {
		return fmt.Errorf("consumer: %s: %w", ref, ErrHandlerExists)
	}
	h := newHandlerLoop(c, ref, handler)
	if c.handlersUp {
		if err := h.start(ctx); err != nil {
			return err
		}
	}
	c.handlers[ref] = h
	return nil
}

// Cancel removes the handler of the queue. It blocks until the in-flight
// message of the queue, if any, is handled. Other queues are not affected.
func (c *Consumer) Cancel(ctx context.Context, ref keys.QueueRef) error {
	c.mu.Lock()
	h, ok := c.handlers[ref]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("consumer: %s: %w", ref, ErrHandlerNotFound)
	}
	delete(c.handlers, ref)
	c.mu.Unlock()
	if !h.started() {
		return nil
	}
	return h.stop(ctx)
}

// Queues returns the queues the consumer has a handler for, sorted.
func (c *Consumer) Queues() []keys.QueueRef {
	c.mu.Lock()
	defer c.mu.Unlock()
	refs := make([]keys.QueueRef, 0, len(c.handlers))
	for ref := range c.handlers {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].String() < refs[j].String() })
	return refs
}

// Subscribe returns a channel that receives the consumer events. Events
// are dropped when the channel buffer is full. The channel is closed when
// the consumer shuts down.
func (c *Consumer) Subscribe() <-chan *Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan *Event, 64)
	c.subs = append(c.subs, ch)
	return ch
}

// State returns the lifecycle state of the consumer.
func (c *Consumer) State() smq.State {
	return c.lifecycle.State()
}

// Store returns the queue store used by the consumer.
func (c *Consumer) Store() *queue.Store {
	return c.store
}

func (c *Consumer) emit(ev *Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.subs {
		select {
		case s <- ev:
		default:
		}
	}
}

func (c *Consumer) handlerContext() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.baseCtx
}

func (c *Consumer) info() string {
	host, _ := os.Hostname()
	b, _ := json.Marshal(&consumerInfo{ID: c.ID, Hostname: host, PID: os.Getpid(), CreatedAt: message.Millis(time.Now())})
	return string(b)
}

func (c *Consumer) startHeartbeat(ctx context.Context) error {
	hb, err := heartbeat.Start(ctx, c.rdb, c.ID, heartbeat.WithInterval(c.opts.heartbeatInterval), heartbeat.WithLogger(c.opts.logger))
	if err != nil {
		return err
	}
	c.hb = hb
	return nil
}

func (c *Consumer) stopHeartbeat(ctx context.Context) error {
	return c.hb.Stop(ctx)
}

func (c *Consumer) joinRegistry(ctx context.Context) error {
	registry, err := rmap.Join(ctx, c.rdb, keys.ForGlobal().ConsumerQueues, rmap.WithLogger(c.opts.logger))
	if err != nil {
		return err
	}
	c.registry = registry
	return nil
}

func (c *Consumer) leaveRegistry(ctx context.Context) error {
	defer c.registry.Close()
	if _, err := c.registry.Delete(ctx, c.ID); err != nil {
		return err
	}
	return nil
}

func (c *Consumer) startHandlers(ctx context.Context) error {
	c.mu.Lock()
	c.handlersUp = true
	var err error
	for ref, h := range c.handlers {
		if err = h.start(ctx); err != nil {
			err = fmt.Errorf("consumer: failed to start handler for %s: %w", ref, err)
			break
		}
	}
	c.mu.Unlock()
	if err != nil {
		c.stopHandlers(ctx)
		return err
	}
	return nil
}

// stopHandlers stops every delivery loop. Loops are stopped concurrently
// so that a slow handler does not delay the others.
func (c *Consumer) stopHandlers(ctx context.Context) error {
	c.mu.Lock()
	c.handlersUp = false
	var started []*handlerLoop
	for _, h := range c.handlers {
		if h.started() {
			started = append(started, h)
		}
	}
	c.mu.Unlock()

	var (
		wg    sync.WaitGroup
		errMu sync.Mutex
		first error
	)
	for _, h := range started {
		wg.Add(1)
		h := h
		smq.Go(c.logger, func() {
			defer wg.Done()
			if err := h.stop(ctx); err != nil {
				errMu.Lock()
				if first == nil {
					first = err
				}
				errMu.Unlock()
			}
		})
	}
	wg.Wait()
	return first
}

func (c *Consumer) startWorkers(ctx context.Context) error {
	if !c.opts.runWorkers {
		return nil
	}
	wopts := []workers.WorkerOption{workers.WithHeartbeatTTL(c.opts.heartbeatTTL), workers.WithLogger(c.opts.logger)}
	ropts := []workers.RunnerOption{
		workers.WithInterval(c.opts.workerInterval),
		workers.WithLockTTL(max(lock.DefaultTTL, 2*c.opts.workerInterval)),
		workers.WithRunnerLogger(c.opts.logger),
	}
	for _, w := range []workers.Worker{
		workers.NewScheduleWorker(c.store, wopts...),
		workers.NewDelayWorker(c.store, wopts...),
		workers.NewRequeueWorker(c.store, wopts...),
		workers.NewHeartbeatMonitor(c.store, c.registry, wopts...),
	} {
		r := workers.NewRunner(c.rdb, w, ropts...)
		if err := r.Start(ctx); err != nil {
			c.stopWorkers(ctx)
			return err
		}
		c.runners = append(c.runners, r)
	}
	return nil
}

func (c *Consumer) stopWorkers(ctx context.Context) error {
	var first error
	for _, r := range c.runners {
		if err := r.Stop(ctx); err != nil && first == nil {
			first = err
		}
	}
	c.runners = nil
	return first
}
