// Package workers implements the background maintenance workers of the
// broker and the runner that guarantees that at most one instance of each
// worker does work at any time across all the consumers.
package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wackfx/redis-smq/keys"
	"github.com/wackfx/redis-smq/lock"
	"github.com/wackfx/redis-smq/metrics"
	"github.com/wackfx/redis-smq/smq"
)

type (
	// Worker is the periodic work run by a Runner.
	Worker interface {
		// Name identifies the worker, runners of workers with the same
		// name share the same lock.
		Name() string
		// Work does one round of work and returns the number of
		// processed items.
		Work(ctx context.Context) (int, error)
	}

	// Runner runs a worker periodically while holding the worker lock.
	Runner struct {
		worker   Worker
		lock     *lock.Lock
		interval time.Duration
		logger   smq.Logger

		mu      sync.Mutex
		subs    []chan *TickEvent
		cancel  context.CancelFunc
		running bool
		wg      sync.WaitGroup
	}

	// TickEvent describes one runner tick.
	TickEvent struct {
		// Worker is the worker name.
		Worker string
		// Time is the tick time.
		Time time.Time
		// Leader is true if the runner held the lock and did work.
		Leader bool
		// Processed is the number of items processed by the worker.
		Processed int
		// Err is the tick error if any.
		Err error
	}
)

// ErrRunning is returned when starting a runner that is already running.
var ErrRunning = errors.New("runner already running")

// NewRunner returns a runner for the given worker.
func NewRunner(rdb *redis.Client, w Worker, opts ...RunnerOption) *Runner {
	o := parseRunnerOptions(opts...)
	logger := o.logger.WithPrefix("worker", w.Name())
	if floor := 2 * o.interval; o.lockTTL < floor {
		// The lock must survive the wait between two ticks of the leader.
		logger.Debug("lock ttl raised", "ttl", o.lockTTL, "interval", o.interval, "new_ttl", floor)
		o.lockTTL = floor
	}
	return &Runner{
		worker:   w,
		lock:     lock.New(rdb, keys.Lock(w.Name()), lock.WithTTL(o.lockTTL), lock.WithLogger(logger)),
		interval: o.interval,
		logger:   logger,
	}
}

// Start starts ticking. The first tick happens immediately.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return fmt.Errorf("workers: %s: %w", r.worker.Name(), ErrRunning)
	}
	r.running = true
	ctx, r.cancel = context.WithCancel(context.WithoutCancel(ctx))
	r.wg.Add(1)
	smq.Go(r.logger, func() { r.run(ctx) })
	r.logger.Debug("started")
	return nil
}

// Stop stops ticking, waits for the current tick and releases the lock.
// Subscription channels are closed. Stop is a no-op if the runner is not
// running.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	r.cancel()
	r.mu.Unlock()
	r.wg.Wait()

	r.mu.Lock()
	for _, c := range r.subs {
		close(c)
	}
	r.subs = nil
	r.mu.Unlock()
	if err := r.lock.Release(ctx); err != nil {
		return err
	}
	r.logger.Debug("stopped")
	return nil
}

// Subscribe returns a channel that receives the tick events. Events are
// dropped when the channel buffer is full. The channel is closed when the
// runner stops.
func (r *Runner) Subscribe() <-chan *TickEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := make(chan *TickEvent, 16)
	r.subs = append(r.subs, c)
	return c
}

// IsLeader returns true if the runner held the lock on its last tick.
func (r *Runner) IsLeader() bool {
	return r.lock.Held()
}

// LockTTL returns the time to live of the worker lock.
func (r *Runner) LockTTL() time.Duration {
	return r.lock.TTL()
}

// Name returns the name of the worker.
func (r *Runner) Name() string {
	return r.worker.Name()
}

// run ticks until ctx is canceled. Ticks do not overlap: the timer is reset
// once the work is done.
func (r *Runner) run(ctx context.Context) {
	defer r.wg.Done()
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			r.publish(r.tick(ctx))
			timer.Reset(r.interval)
		}
	}
}

func (r *Runner) tick(ctx context.Context) *TickEvent {
	name := r.worker.Name()
	ev := &TickEvent{Worker: name, Time: time.Now()}
	held, err := r.lock.Acquire(ctx)
	if err != nil {
		ev.Err = err
		metrics.WorkerTicks.WithLabelValues(name, "error").Inc()
		if ctx.Err() == nil {
			r.logger.Error(err)
		}
		return ev
	}
	if !held {
		metrics.WorkerTicks.WithLabelValues(name, "standby").Inc()
		return ev
	}
	ev.Leader = true
	start := time.Now()
	ev.Processed, ev.Err = r.work(ctx)
	metrics.WorkerDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	switch {
	case ev.Err != nil:
		metrics.WorkerTicks.WithLabelValues(name, "error").Inc()
		if ctx.Err() == nil {
			r.logger.Error(ev.Err)
		}
	case ev.Processed > 0:
		metrics.WorkerTicks.WithLabelValues(name, "worked").Inc()
		r.logger.Debug("worked", "processed", ev.Processed)
	default:
		metrics.WorkerTicks.WithLabelValues(name, "idle").Inc()
	}
	if ctx.Err() != nil {
		return ev
	}
	// Work may have taken a while, make sure the lock outlives the next
	// interval.
	if err := r.lock.Extend(ctx); err != nil && ctx.Err() == nil {
		r.logger.Error(err)
	}
	return ev
}

// work calls the worker, a panic is returned as an error so that the runner
// keeps ticking.
func (r *Runner) work(ctx context.Context) (n int, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("workers: %s panicked: %v", r.worker.Name(), p)
		}
	}()
	return r.worker.Work(ctx)
}

func (r *Runner) publish(ev *TickEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.subs {
		select {
		case c <- ev:
		default:
		}
	}
}
