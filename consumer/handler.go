package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wackfx/redis-smq/keys"
	"github.com/wackfx/redis-smq/message"
	"github.com/wackfx/redis-smq/metrics"
	"github.com/wackfx/redis-smq/queue"
	"github.com/wackfx/redis-smq/smq"
)

// handlerLoop delivers the messages of one queue to its handler, one at a
// time.
type handlerLoop struct {
	c       *Consumer
	ref     keys.QueueRef
	handler Handler
	logger  smq.Logger

	lock          sync.Mutex
	running       bool
	sub           *redis.PubSub
	notifications <-chan *redis.Message
	done          chan struct{}
	wg            sync.WaitGroup
}

func newHandlerLoop(c *Consumer, ref keys.QueueRef, handler Handler) *handlerLoop {
	return &handlerLoop{
		c:       c,
		ref:     ref,
		handler: handler,
		logger:  c.logger.WithPrefix("queue", ref.String()),
	}
}

func (h *handlerLoop) started() bool {
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.running
}

// start registers the consumer with the queue, subscribes to the queue
// notifications and starts the delivery goroutine.
func (h *handlerLoop) start(ctx context.Context) error {
	h.lock.Lock()
	defer h.lock.Unlock()
	if h.running {
		return nil
	}
	if err := h.c.store.RegisterConsumer(ctx, h.ref, h.c.ID, h.c.info()); err != nil {
		return err
	}
	if _, err := h.c.registry.AppendUniqueValues(ctx, h.c.ID, h.ref.String()); err != nil {
		return err
	}
	sub := h.c.rdb.Subscribe(ctx, keys.ForQueue(h.ref).Notifications)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return fmt.Errorf("consumer: failed to subscribe to %s notifications: %w", h.ref, err)
	}
	h.sub = sub
	h.notifications = sub.Channel()
	h.done = make(chan struct{})
	h.running = true
	h.wg.Add(1)
	smq.Go(h.logger, h.run)
	h.logger.Info("consuming")
	return nil
}

// stop waits for the in-flight message, if any, then returns the messages
// left in the processing list to the queue and unregisters the consumer.
func (h *handlerLoop) stop(ctx context.Context) error {
	h.lock.Lock()
	if !h.running {
		h.lock.Unlock()
		return nil
	}
	h.running = false
	close(h.done)
	h.lock.Unlock()
	h.wg.Wait()

	if err := h.sub.Close(); err != nil {
		h.logger.Error(fmt.Errorf("consumer: failed to close %s subscription: %w", h.ref, err))
	}
	if _, err := h.c.store.Recover(ctx, h.c.ID, []keys.QueueRef{h.ref}, false); err != nil {
		return err
	}
	if _, err := h.c.registry.RemoveValues(ctx, h.c.ID, h.ref.String()); err != nil {
		return err
	}
	h.logger.Info("canceled")
	return nil
}

func (h *handlerLoop) run() {
	defer h.wg.Done()
	ctx := h.c.handlerContext()
	for {
		select {
		case <-h.done:
			return
		default:
		}
		msg, err := h.c.store.Dequeue(ctx, h.ref, h.c.ID)
		if err != nil {
			h.fail(err)
			if !h.wait() {
				return
			}
			continue
		}
		if msg == nil {
			if !h.wait() {
				return
			}
			continue
		}
		h.handle(ctx, msg)
	}
}

// wait blocks until the queue is notified, the idle timeout elapses or
// the loop is stopped. It returns false in the latter case.
func (h *handlerLoop) wait() bool {
	timer := time.NewTimer(h.c.opts.idleTimeout)
	defer timer.Stop()
	select {
	case <-h.done:
		return false
	case <-h.notifications:
		return true
	case <-timer.C:
		return true
	}
}

func (h *handlerLoop) handle(ctx context.Context, msg *message.Message) {
	if msg.HasExpired(time.Now()) {
		h.unacknowledge(ctx, msg, queue.CauseTTLExpired)
		return
	}
	start := time.Now()
	panicked, err := h.invoke(ctx, msg)
	metrics.HandlerDuration.WithLabelValues(h.ref.String()).Observe(time.Since(start).Seconds())
	switch {
	case panicked:
		h.logger.Error(err, "id", msg.ID)
		h.unacknowledge(ctx, msg, queue.CauseHandlerPanic)
	case err != nil:
		h.logger.Debug("handler failed", "id", msg.ID, "error", err.Error())
		h.unacknowledge(ctx, msg, queue.CauseUnacknowledged)
	default:
		h.acknowledge(ctx, msg)
	}
}

// invoke calls the handler and converts a panic into an error.
func (h *handlerLoop) invoke(ctx context.Context, msg *message.Message) (panicked bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("consumer: handler panic: %v", r)
			panicked = true
		}
	}()
	return false, h.handler(ctx, msg)
}

func (h *handlerLoop) acknowledge(ctx context.Context, msg *message.Message) {
	err := h.c.store.Acknowledge(ctx, h.ref, h.c.ID, msg.ID)
	if errors.Is(err, queue.ErrMessageNotFound) {
		// The message was recovered while the handler ran.
		h.logger.Info("message reassigned", "id", msg.ID)
		return
	}
	if err != nil {
		h.fail(err)
		return
	}
	h.logger.Debug("acknowledged", "id", msg.ID)
	h.c.emit(&Event{Kind: EventAcknowledged, Queue: h.ref, MessageID: msg.ID})
}

func (h *handlerLoop) unacknowledge(ctx context.Context, msg *message.Message, cause queue.Cause) {
	outcome, err := h.c.store.Unacknowledge(ctx, h.ref, h.c.ID, msg.ID, cause)
	if errors.Is(err, queue.ErrMessageNotFound) {
		h.logger.Info("message reassigned", "id", msg.ID)
		return
	}
	if err != nil {
		h.fail(err)
		return
	}
	h.c.emit(&Event{Kind: EventUnacknowledged, Queue: h.ref, MessageID: msg.ID, Outcome: outcome, Cause: cause})
}

func (h *handlerLoop) fail(err error) {
	h.logger.Error(err)
	h.c.emit(&Event{Kind: EventError, Queue: h.ref, Err: err})
}
