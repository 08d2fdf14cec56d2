// Package lock implements a distributed lock backed by a single Redis key.
// The lock expires unless its owner extends it, so a crashed owner is
// replaced after at most one TTL.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"github.com/wackfx/redis-smq/smq"
)

type (
	// Lock is a distributed lock. Each Lock has a unique token, only the
	// owner of the token can extend or release the lock. Lock is safe for
	// concurrent use.
	Lock struct {
		rdb    *redis.Client
		key    string
		token  string
		ttl    time.Duration
		logger smq.Logger

		lock sync.Mutex
		held bool
	}

	// Option is a lock creation option.
	Option func(*options)

	options struct {
		ttl    time.Duration
		logger smq.Logger
	}
)

// DefaultTTL is the default lock time to live.
const DefaultTTL = 10 * time.Second

// ErrNotOwner is returned when extending a lock owned by someone else or
// that expired.
var ErrNotOwner = errors.New("lock not owned")

var (
	// luaAcquire extends the lock if the token owns it or acquires it if
	// it is free.
	luaAcquire = redis.NewScript(`
	   if redis.call("GET", KEYS[1]) == ARGV[1] then
	      redis.call("PEXPIRE", KEYS[1], ARGV[2])
	      return 1
	   end
	   if redis.call("SET", KEYS[1], ARGV[1], "NX", "PX", ARGV[2]) then
	      return 1
	   end
	   return 0
	`)

	// luaExtend extends the lock if the token owns it.
	luaExtend = redis.NewScript(`
	   if redis.call("GET", KEYS[1]) == ARGV[1] then
	      return redis.call("PEXPIRE", KEYS[1], ARGV[2])
	   end
	   return 0
	`)

	// luaRelease deletes the lock if the token owns it.
	luaRelease = redis.NewScript(`
	   if redis.call("GET", KEYS[1]) == ARGV[1] then
	      return redis.call("DEL", KEYS[1])
	   end
	   return 0
	`)
)

// WithTTL sets the lock time to live.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		o.ttl = ttl
	}
}

// WithLogger sets the lock logger.
func WithLogger(logger smq.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// New returns a lock on the given key with a new unique token. It does not
// acquire the lock.
func New(rdb *redis.Client, key string, opts ...Option) *Lock {
	o := &options{ttl: DefaultTTL, logger: smq.NoopLogger()}
	for _, opt := range opts {
		opt(o)
	}
	token := ulid.Make().String()
	return &Lock{
		rdb:    rdb,
		key:    key,
		token:  token,
		ttl:    o.ttl,
		logger: o.logger.WithPrefix("lock", key, "token", token),
	}
}

// Acquire acquires the lock or extends it if it is already held. It
// returns true if the lock is held when it returns.
func (l *Lock) Acquire(ctx context.Context) (bool, error) {
	n, err := luaAcquire.Run(ctx, l.rdb, []string{l.key}, l.token, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("lock: failed to acquire %s: %w", l.key, err)
	}
	l.setHeld(n == 1)
	return n == 1, nil
}

// Extend extends the lock TTL. It returns ErrNotOwner if the lock is not
// held, in which case the lock must be acquired again.
func (l *Lock) Extend(ctx context.Context) error {
	n, err := luaExtend.Run(ctx, l.rdb, []string{l.key}, l.token, l.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("lock: failed to extend %s: %w", l.key, err)
	}
	if n == 0 {
		l.setHeld(false)
		return fmt.Errorf("lock: %s: %w", l.key, ErrNotOwner)
	}
	return nil
}

// Release releases the lock if it is held. Releasing a lock that is not
// held is a no-op.
func (l *Lock) Release(ctx context.Context) error {
	n, err := luaRelease.Run(ctx, l.rdb, []string{l.key}, l.token).Int()
	if err != nil {
		return fmt.Errorf("lock: failed to release %s: %w", l.key, err)
	}
	l.setHeld(false)
	if n == 1 {
		l.logger.Debug("released")
	}
	return nil
}

// Held returns true if the last operation on the lock found it held. The
// lock may have expired since.
func (l *Lock) Held() bool {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.held
}

// Token returns the unique token of the lock.
func (l *Lock) Token() string {
	return l.token
}

// TTL returns the lock time to live.
func (l *Lock) TTL() time.Duration {
	return l.ttl
}

func (l *Lock) setHeld(held bool) {
	l.lock.Lock()
	defer l.lock.Unlock()
	if held != l.held {
		if held {
			l.logger.Debug("acquired")
		} else {
			l.logger.Debug("lost")
		}
	}
	l.held = held
}
