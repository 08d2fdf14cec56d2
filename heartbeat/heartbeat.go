// Package heartbeat publishes consumer liveness records and answers
// liveness queries. A consumer whose heartbeat is older than the TTL is
// considered dead and its in-flight messages are recovered by the
// heartbeat monitor worker.
package heartbeat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/wackfx/redis-smq/keys"
	"github.com/wackfx/redis-smq/message"
	"github.com/wackfx/redis-smq/smq"
)

type (
	// Heartbeat periodically publishes the liveness record of a consumer.
	Heartbeat struct {
		id       string
		rdb      *redis.Client
		keys     keys.Global
		interval time.Duration
		logger   smq.Logger
		proc     *process.Process
		done     chan struct{}
		wg       sync.WaitGroup

		lock    sync.Mutex
		stopped bool
	}

	// Payload is the liveness record of a consumer.
	Payload struct {
		// ConsumerID is the id of the consumer.
		ConsumerID string `json:"consumerId"`
		// Hostname is the host running the consumer.
		Hostname string `json:"hostname"`
		// PID is the consumer process id.
		PID int `json:"pid"`
		// Timestamp is the heartbeat time in Unix milliseconds.
		Timestamp int64 `json:"timestamp"`
		// RSS is the process resident set size in bytes.
		RSS uint64 `json:"rss"`
		// CPUPercent is the process CPU usage.
		CPUPercent float64 `json:"cpuPercent"`
		// MemoryFree is the available host memory in bytes.
		MemoryFree uint64 `json:"memoryFree"`
		// MemoryTotal is the total host memory in bytes.
		MemoryTotal uint64 `json:"memoryTotal"`
	}

	// Option is a heartbeat option.
	Option func(*options)

	options struct {
		interval time.Duration
		logger   smq.Logger
	}
)

const (
	// DefaultTTL is the age after which a heartbeat is considered
	// expired.
	DefaultTTL = 10 * time.Second
	// DefaultInterval is the default heartbeat publication interval.
	DefaultInterval = time.Second
)

// WithInterval sets the heartbeat publication interval.
func WithInterval(d time.Duration) Option {
	return func(o *options) {
		o.interval = d
	}
}

// WithLogger sets the heartbeat logger.
func WithLogger(logger smq.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// Start publishes a first heartbeat for the given consumer and then keeps
// publishing in the background until Stop is called. It returns an error
// if the first heartbeat cannot be published.
func Start(ctx context.Context, rdb *redis.Client, consumerID string, opts ...Option) (*Heartbeat, error) {
	o := &options{interval: DefaultInterval, logger: smq.NoopLogger()}
	for _, opt := range opts {
		opt(o)
	}
	h := &Heartbeat{
		id:       consumerID,
		rdb:      rdb,
		keys:     keys.ForGlobal(),
		interval: o.interval,
		logger:   o.logger.WithPrefix("heartbeat", consumerID),
		done:     make(chan struct{}),
	}
	// Resource usage is best effort, the heartbeat itself is what matters.
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		h.proc = p
	}
	if err := h.beat(ctx); err != nil {
		return nil, err
	}
	h.wg.Add(1)
	smq.Go(h.logger, h.loop)
	return h, nil
}

// Stop stops publishing and removes the heartbeat record.
func (h *Heartbeat) Stop(ctx context.Context) error {
	h.lock.Lock()
	if h.stopped {
		h.lock.Unlock()
		return nil
	}
	h.stopped = true
	close(h.done)
	h.lock.Unlock()
	h.wg.Wait()

	_, err := h.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, h.keys.Heartbeats, h.id)
		pipe.ZRem(ctx, h.keys.HeartbeatTimestamps, h.id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("heartbeat: failed to remove heartbeat of %s: %w", h.id, err)
	}
	h.logger.Debug("stopped")
	return nil
}

// ID returns the consumer id.
func (h *Heartbeat) ID() string {
	return h.id
}

func (h *Heartbeat) loop() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := h.beat(context.Background()); err != nil {
				h.logger.Error(err)
			}
		case <-h.done:
			return
		}
	}
}

// beat writes the payload and the timestamp in one transaction.
func (h *Heartbeat) beat(ctx context.Context) error {
	now := time.Now()
	b, err := json.Marshal(h.payload(now))
	if err != nil {
		return fmt.Errorf("heartbeat: failed to encode payload: %w", err)
	}
	_, err = h.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, h.keys.Heartbeats, h.id, string(b))
		pipe.ZAdd(ctx, h.keys.HeartbeatTimestamps, redis.Z{Score: float64(message.Millis(now)), Member: h.id})
		return nil
	})
	if err != nil {
		return fmt.Errorf("heartbeat: failed to publish heartbeat of %s: %w", h.id, err)
	}
	return nil
}

func (h *Heartbeat) payload(now time.Time) *Payload {
	p := &Payload{ConsumerID: h.id, PID: os.Getpid(), Timestamp: message.Millis(now)}
	p.Hostname, _ = os.Hostname()
	if h.proc != nil {
		if mi, err := h.proc.MemoryInfo(); err == nil {
			p.RSS = mi.RSS
		}
		if cpu, err := h.proc.CPUPercent(); err == nil {
			p.CPUPercent = cpu
		}
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		p.MemoryFree = vm.Available
		p.MemoryTotal = vm.Total
	}
	return p
}

// ExpiredIDs returns up to count ids, skipping offset, of the consumers
// whose last heartbeat is older than ttl.
func ExpiredIDs(ctx context.Context, rdb *redis.Client, now time.Time, ttl time.Duration, offset, count int64) ([]string, error) {
	ids, err := rdb.ZRangeByScore(ctx, keys.ForGlobal().HeartbeatTimestamps, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    "(" + strconv.FormatInt(message.Millis(now.Add(-ttl)), 10),
		Offset: offset,
		Count:  count,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("heartbeat: failed to read expired heartbeats: %w", err)
	}
	return ids, nil
}

// ValidIDs returns the ids of the consumers whose last heartbeat is not
// older than ttl.
func ValidIDs(ctx context.Context, rdb *redis.Client, now time.Time, ttl time.Duration) ([]string, error) {
	ids, err := rdb.ZRangeByScore(ctx, keys.ForGlobal().HeartbeatTimestamps, &redis.ZRangeBy{
		Min: strconv.FormatInt(message.Millis(now.Add(-ttl)), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("heartbeat: failed to read valid heartbeats: %w", err)
	}
	return ids, nil
}

// IsAlive returns true if the consumer has a heartbeat not older than ttl.
func IsAlive(ctx context.Context, rdb *redis.Client, consumerID string, now time.Time, ttl time.Duration) (bool, error) {
	score, err := rdb.ZScore(ctx, keys.ForGlobal().HeartbeatTimestamps, consumerID).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("heartbeat: failed to read heartbeat of %s: %w", consumerID, err)
	}
	return int64(score) >= message.Millis(now.Add(-ttl)), nil
}

// Payloads returns the heartbeat payloads indexed by consumer id. Payloads
// that cannot be decoded are skipped.
func Payloads(ctx context.Context, rdb *redis.Client) (map[string]*Payload, error) {
	res, err := rdb.HGetAll(ctx, keys.ForGlobal().Heartbeats).Result()
	if err != nil {
		return nil, fmt.Errorf("heartbeat: failed to read heartbeats: %w", err)
	}
	payloads := make(map[string]*Payload, len(res))
	for id, v := range res {
		var p Payload
		if err := json.Unmarshal([]byte(v), &p); err != nil {
			continue
		}
		payloads[id] = &p
	}
	return payloads, nil
}
