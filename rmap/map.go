// Package rmap implements a replicated set registry stored in a Redis hash.
// Each key maps to a list of unique values. Every process that joins the
// map keeps a local copy of its content, updated through Redis pub/sub, so
// reads never hit Redis.
package rmap

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wackfx/redis-smq/smq"
)

type (
	// Map is a replicated map of keys to unique values. Writes go to
	// Redis, reads use the local copy which is eventually consistent
	// across all the processes that joined the map. Map is safe for
	// concurrent use.
	Map struct {
		// Key is the Redis hash holding the map content.
		Key string

		chankey string
		msgch   <-chan *redis.Message
		sub     *redis.PubSub
		rdb     *redis.Client
		logger  smq.Logger
		updated chan struct{}
		done    chan struct{}
		wait    sync.WaitGroup

		lock    sync.Mutex
		content map[string]string
		closing bool
		closed  bool
	}
)

// ErrClosed is returned by write methods once the map is closed.
var ErrClosed = errors.New("map closed")

// redisKeyRegex matches valid Redis key names.
var redisKeyRegex = regexp.MustCompile(`^[^ \0\*\?\[\]]{1,512}$`)

// Join reads the content of the map stored at key and subscribes to its
// updates. Close must be called to release the subscription.
func Join(ctx context.Context, rdb *redis.Client, key string, opts ...Option) (*Map, error) {
	if !redisKeyRegex.MatchString(key) {
		return nil, fmt.Errorf("rmap: not a valid map key %q", key)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	o := parseOptions(opts...)
	m := &Map{
		Key:     key,
		chankey: key + ":updates",
		rdb:     rdb,
		logger:  o.logger.WithPrefix("map", key),
		updated: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	for _, script := range scripts {
		if err := script.Load(ctx, rdb).Err(); err != nil {
			return nil, fmt.Errorf("rmap: %s failed to load Lua scripts: %w", key, err)
		}
	}
	m.sub = rdb.Subscribe(ctx, m.chankey)
	if _, err := m.sub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("rmap: %s failed to subscribe: %w", key, err)
	}
	m.msgch = m.sub.Channel()
	// Updates received while reading the content carry the same values.
	content, err := rdb.HGetAll(ctx, key).Result()
	if err != nil {
		m.sub.Close() // nolint: errcheck
		return nil, fmt.Errorf("rmap: %s failed to read content: %w", key, err)
	}
	m.content = content

	m.wait.Add(1)
	smq.Go(m.logger, m.run)
	m.logger.Debug("joined")
	return m, nil
}

// Map returns a copy of the map content. Values are comma separated.
func (m *Map) Map() map[string]string {
	m.lock.Lock()
	defer m.lock.Unlock()
	res := make(map[string]string, len(m.content))
	for k, v := range m.content {
		res[k] = v
	}
	return res
}

// Keys returns the map keys sorted alphabetically.
func (m *Map) Keys() []string {
	m.lock.Lock()
	defer m.lock.Unlock()
	keys := make([]string, 0, len(m.content))
	for k := range m.content {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of keys.
func (m *Map) Len() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return len(m.content)
}

// GetValues returns the values of key in insertion order.
func (m *Map) GetValues(key string) ([]string, bool) {
	m.lock.Lock()
	v, ok := m.content[key]
	m.lock.Unlock()
	if !ok || v == "" {
		return nil, ok
	}
	return strings.Split(v, ","), true
}

// FetchValues returns the values of key as stored in Redis, bypassing the
// local copy which may not have caught up with recent updates.
func (m *Map) FetchValues(ctx context.Context, key string) ([]string, bool, error) {
	v, err := m.rdb.HGet(ctx, m.Key, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("rmap: %s failed to fetch key %s: %w", m.Key, key, err)
	}
	return split(v), true, nil
}

// AppendUniqueValues adds the values not already present to key and
// returns the resulting values.
func (m *Map) AppendUniqueValues(ctx context.Context, key string, values ...string) ([]string, error) {
	res, err := m.runScript(ctx, "append", luaAppendUnique, key, values)
	if err != nil {
		return nil, err
	}
	return split(res), nil
}

// RemoveValues removes the given values from key, deleting the key when no
// value is left. It returns the remaining values.
func (m *Map) RemoveValues(ctx context.Context, key string, values ...string) ([]string, error) {
	res, err := m.runScript(ctx, "remove", luaRemove, key, values)
	if err != nil {
		return nil, err
	}
	return split(res), nil
}

// Delete deletes key and returns its previous values.
func (m *Map) Delete(ctx context.Context, key string) ([]string, error) {
	res, err := m.runScript(ctx, "delete", luaDelete, key, nil)
	if err != nil {
		return nil, err
	}
	return split(res), nil
}

// WaitFor blocks until the local copy satisfies cond or ctx is done. It
// is useful to read one's own writes.
func (m *Map) WaitFor(ctx context.Context, cond func(map[string]string) bool) error {
	for {
		if cond(m.Map()) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-m.updated:
			if !ok {
				return fmt.Errorf("rmap: %s: %w", m.Key, ErrClosed)
			}
		}
	}
}

// Close stops the replication. The local copy remains readable. It is
// safe to call Close multiple times.
func (m *Map) Close() {
	m.lock.Lock()
	if m.closing {
		m.lock.Unlock()
		return
	}
	m.closing = true
	close(m.done)
	m.lock.Unlock()
	m.wait.Wait()
	m.lock.Lock()
	defer m.lock.Unlock()
	close(m.updated)
	m.closed = true
}

// run applies the remote updates to the local copy.
func (m *Map) run() {
	defer m.wait.Done()
	for {
		select {
		case msg, ok := <-m.msgch:
			if !ok {
				m.logger.Error(fmt.Errorf("disconnected"))
				m.reconnect()
				continue
			}
			key, val, found := strings.Cut(msg.Payload, "=")
			if !found {
				m.logger.Error(fmt.Errorf("invalid payload"), "payload", msg.Payload)
				continue
			}
			m.lock.Lock()
			if val == "" {
				delete(m.content, key)
				m.logger.Debug("deleted", "key", key)
			} else {
				m.content[key] = val
				m.logger.Debug("set", "key", key, "val", val)
			}
			m.lock.Unlock()
			select {
			case m.updated <- struct{}{}:
			default:
			}
		case <-m.done:
			if err := m.sub.Close(); err != nil {
				m.logger.Error(fmt.Errorf("failed to close subscription: %w", err))
			}
			m.logger.Debug("stopped")
			return
		}
	}
}

// reconnect subscribes again until it succeeds or the map is closed. The
// content is read again since updates may have been missed.
func (m *Map) reconnect() {
	for attempt := 1; ; attempt++ {
		m.lock.Lock()
		if m.closing {
			m.lock.Unlock()
			return
		}
		ctx := context.Background()
		sub := m.rdb.Subscribe(ctx, m.chankey)
		_, err := sub.Receive(ctx)
		var content map[string]string
		if err == nil {
			content, err = m.rdb.HGetAll(ctx, m.Key).Result()
		}
		if err != nil {
			m.lock.Unlock()
			sub.Close() // nolint: errcheck
			m.logger.Error(fmt.Errorf("failed to reconnect: %w", err), "attempt", attempt)
			time.Sleep(time.Duration(rand.Float64()*5+1) * time.Second)
			continue
		}
		m.sub = sub
		m.msgch = sub.Channel()
		m.content = content
		m.lock.Unlock()
		m.logger.Info("reconnected", "attempt", attempt)
		return
	}
}

func (m *Map) runScript(ctx context.Context, name string, script *redis.Script, key string, values []string) (string, error) {
	m.lock.Lock()
	closing := m.closing
	m.lock.Unlock()
	if closing {
		return "", fmt.Errorf("rmap: %s: %w", m.Key, ErrClosed)
	}
	if key == "" || strings.Contains(key, "=") {
		return "", fmt.Errorf("rmap: %s: invalid key %q", m.Key, key)
	}
	for _, v := range values {
		if v == "" || strings.Contains(v, ",") {
			return "", fmt.Errorf("rmap: %s: invalid value %q", m.Key, v)
		}
	}
	res, err := script.Run(ctx, m.rdb, []string{m.Key, m.chankey}, key, strings.Join(values, ",")).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("rmap: %s failed to run %s for key %s: %w", m.Key, name, key, err)
	}
	s, _ := res.(string)
	return s, nil
}

func split(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
