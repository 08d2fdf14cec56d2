package consumer

import (
	"time"

	"github.com/wackfx/redis-smq/heartbeat"
	"github.com/wackfx/redis-smq/queue"
	"github.com/wackfx/redis-smq/smq"
	"github.com/wackfx/redis-smq/workers"
)

type (
	// Option is a consumer creation option.
	Option func(*options)

	options struct {
		logger            smq.Logger
		storeOptions      []queue.StoreOption
		heartbeatInterval time.Duration
		heartbeatTTL      time.Duration
		workerInterval    time.Duration
		idleTimeout       time.Duration
		runWorkers        bool
	}
)

// DefaultIdleTimeout is the default maximum time an idle handler waits for
// a notification before polling its queue again.
const DefaultIdleTimeout = time.Second

// WithLogger sets the consumer logger.
func WithLogger(logger smq.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithStoreOptions sets the options of the queue store used by the
// consumer, for example the acknowledged and dead-lettered storage.
func WithStoreOptions(opts ...queue.StoreOption) Option {
	return func(o *options) {
		o.storeOptions = append(o.storeOptions, opts...)
	}
}

// WithHeartbeatInterval sets the heartbeat publication interval.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(o *options) {
		o.heartbeatInterval = d
	}
}

// WithHeartbeatTTL sets the age after which the heartbeat of a consumer is
// considered expired by the heartbeat monitor and the requeue worker. Values
// below three heartbeat intervals are raised to three intervals.
func WithHeartbeatTTL(d time.Duration) Option {
	return func(o *options) {
		o.heartbeatTTL = d
	}
}

// WithWorkerInterval sets the tick interval of the background workers.
func WithWorkerInterval(d time.Duration) Option {
	return func(o *options) {
		o.workerInterval = d
	}
}

// WithIdleTimeout sets the maximum time an idle handler waits for a
// notification before polling its queue again.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *options) {
		o.idleTimeout = d
	}
}

// WithoutWorkers disables the background workers. At least one process
// must run them for scheduled messages, delayed retries, consume timeouts
// and crash recovery to be handled.
func WithoutWorkers() Option {
	return func(o *options) {
		o.runWorkers = false
	}
}

// heartbeatTTLFactor is the minimum number of heartbeats that may be missed
// before a consumer is considered dead.
const heartbeatTTLFactor = 3

func parseOptions(opts ...Option) *options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	d := defaultOptions()
	if o.heartbeatInterval <= 0 {
		o.heartbeatInterval = d.heartbeatInterval
	}
	if o.heartbeatTTL <= 0 {
		o.heartbeatTTL = d.heartbeatTTL
	}
	if o.workerInterval <= 0 {
		o.workerInterval = d.workerInterval
	}
	if o.idleTimeout <= 0 {
		o.idleTimeout = d.idleTimeout
	}
	if floor := heartbeatTTLFactor * o.heartbeatInterval; o.heartbeatTTL < floor {
		o.heartbeatTTL = floor
	}
	return o
}

func defaultOptions() *options {
	return &options{
		logger:            smq.NoopLogger(),
		heartbeatInterval: heartbeat.DefaultInterval,
		heartbeatTTL:      heartbeat.DefaultTTL,
		workerInterval:    workers.DefaultInterval,
		idleTimeout:       DefaultIdleTimeout,
		runWorkers:        true,
	}
}
