package workers

import (
	"time"

	"github.com/wackfx/redis-smq/heartbeat"
	"github.com/wackfx/redis-smq/lock"
	"github.com/wackfx/redis-smq/smq"
)

type (
	// RunnerOption is a runner creation option.
	RunnerOption func(*runnerOptions)

	// WorkerOption is a worker creation option.
	WorkerOption func(*workerOptions)

	runnerOptions struct {
		interval time.Duration
		lockTTL  time.Duration
		logger   smq.Logger
	}

	workerOptions struct {
		batchSize    int64
		heartbeatTTL time.Duration
		logger       smq.Logger
	}
)

const (
	// DefaultInterval is the default time between two ticks.
	DefaultInterval = time.Second
	// DefaultBatchSize is the default number of items handled per tick.
	DefaultBatchSize = 100
)

// WithInterval sets the time between two ticks.
func WithInterval(d time.Duration) RunnerOption {
	return func(o *runnerOptions) {
		o.interval = d
	}
}

// WithLockTTL sets the time to live of the worker lock. Values below twice
// the interval are raised to twice the interval.
func WithLockTTL(d time.Duration) RunnerOption {
	return func(o *runnerOptions) {
		o.lockTTL = d
	}
}

// WithRunnerLogger sets the runner logger.
func WithRunnerLogger(logger smq.Logger) RunnerOption {
	return func(o *runnerOptions) {
		o.logger = logger
	}
}

// WithBatchSize sets the maximum number of items handled per tick.
func WithBatchSize(n int64) WorkerOption {
	return func(o *workerOptions) {
		o.batchSize = n
	}
}

// WithHeartbeatTTL sets the age after which a consumer heartbeat is
// considered expired.
func WithHeartbeatTTL(d time.Duration) WorkerOption {
	return func(o *workerOptions) {
		o.heartbeatTTL = d
	}
}

// WithLogger sets the worker logger.
func WithLogger(logger smq.Logger) WorkerOption {
	return func(o *workerOptions) {
		o.logger = logger
	}
}

func parseRunnerOptions(opts ...RunnerOption) *runnerOptions {
	o := &runnerOptions{
		interval: DefaultInterval,
		lockTTL:  lock.DefaultTTL,
		logger:   smq.NoopLogger(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func parseWorkerOptions(opts ...WorkerOption) *workerOptions {
	o := &workerOptions{
		batchSize:    DefaultBatchSize,
		heartbeatTTL: heartbeat.DefaultTTL,
		logger:       smq.NoopLogger(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
