package consumer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wackfx/redis-smq/heartbeat"
	"github.com/wackfx/redis-smq/keys"
	"github.com/wackfx/redis-smq/lock"
	"github.com/wackfx/redis-smq/message"
	"github.com/wackfx/redis-smq/queue"
	"github.com/wackfx/redis-smq/rmap"
	"github.com/wackfx/redis-smq/smq"
	stesting "github.com/wackfx/redis-smq/testing"
)

const (
	waitMax = 5 * time.Second
	tick    = 10 * time.Millisecond
)

func newTestConsumer(t *testing.T, typ queue.Type, opts ...Option) (*Consumer, keys.QueueRef, *redis.Client) {
	t.Helper()
	ctx := context.Background()
	rdb := stesting.NewRedisClient(t)
	t.Cleanup(func() { stesting.CleanupRedis(t, rdb, false, "") })
	opts = append([]Option{
		WithIdleTimeout(50 * time.Millisecond),
		WithWorkerInterval(20 * time.Millisecond),
		WithHeartbeatInterval(50 * time.Millisecond),
	}, opts...)
	c := New(rdb, opts...)
	t.Cleanup(func() {
		if c.State() == smq.StateUp {
			assert.NoError(t, c.Shutdown(context.Background()))
		}
	})
	require.NoError(t, c.Store().Init(ctx))
	ref := keys.MustQueueRef("test", stesting.TestName(t))
	require.NoError(t, c.Store().CreateQueue(ctx, ref, typ))
	return c, ref, rdb
}

func enqueue(t *testing.T, c *Consumer, ref keys.QueueRef, body string, opts ...message.Option) *message.Message {
	t.Helper()
	msg := message.New(ref, []byte(body), opts...)
	require.NoError(t, c.Store().Enqueue(context.Background(), msg))
	return msg
}

// waitEvent returns the next event of the given kind.
func waitEvent(t *testing.T, ch <-chan *Event, kind EventKind) *Event {
	t.Helper()
	timeout := time.After(waitMax)
	for {
		select {
		case ev, ok := <-ch:
			require.True(t, ok, "event channel closed before %s", kind)
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			require.FailNow(t, "timed out waiting for event", kind.String())
		}
	}
}

func metricsOf(t *testing.T, c *Consumer, ref keys.QueueRef) *queue.Metrics {
	t.Helper()
	m, err := c.Store().Metrics(context.Background(), ref)
	require.NoError(t, err)
	return m
}

func TestConsumeAcknowledges(t *testing.T) {
	c, ref, _ := newTestConsumer(t, queue.FIFO)
	ctx := context.Background()
	for _, body := range []string{"a", "b", "c"} {
		enqueue(t, c, ref, body)
	}
	bodies := make(chan string, 3)
	require.NoError(t, c.Consume(ctx, ref, func(_ context.Context, msg *message.Message) error {
		bodies <- string(msg.Body)
		return nil
	}))
	events := c.Subscribe()
	require.NoError(t, c.Start(ctx))
	waitEvent(t, events, EventUp)

	var got []string
	for i := 0; i < 3; i++ {
		select {
		case b := <-bodies:
			got = append(got, b)
		case <-time.After(waitMax):
			require.FailNow(t, "timed out waiting for messages")
		}
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)
	assert.Eventually(t, func() bool {
		m := metricsOf(t, c, ref)
		return m.Acknowledged == 3 && m.Pending == 0 && m.Processing == 0
	}, waitMax, tick)
	assert.Equal(t, []keys.QueueRef{ref}, c.Queues())
}

func TestConsumeErrors(t *testing.T) {
	c, ref, _ := newTestConsumer(t, queue.FIFO)
	ctx := context.Background()
	noop := func(context.Context, *message.Message) error { return nil }

	err := c.Consume(ctx, keys.MustQueueRef("test", "missing"), noop)
	assert.ErrorIs(t, err, queue.ErrQueueNotFound)
	assert.Error(t, c.Consume(ctx, ref, nil))

	require.NoError(t, c.Consume(ctx, ref, noop))
	assert.ErrorIs(t, c.Consume(ctx, ref, noop), ErrHandlerExists)
	assert.ErrorIs(t, c.Cancel(ctx, keys.MustQueueRef("test", "missing")), ErrHandlerNotFound)
	assert.NoError(t, c.Cancel(ctx, ref))
	assert.Empty(t, c.Queues())

	assert.ErrorIs(t, c.Shutdown(ctx), smq.ErrLifecycle)
}

func TestFailedMessageIsDeadLettered(t *testing.T) {
	c, ref, _ := newTestConsumer(t, queue.FIFO)
	ctx := context.Background()
	msg := enqueue(t, c, ref, "a", message.WithRetryThreshold(3))
	var calls atomic.Int32
	require.NoError(t, c.Consume(ctx, ref, func(context.Context, *message.Message) error {
		calls.Add(1)
		return errors.New("boom")
	}))
	events := c.Subscribe()
	require.NoError(t, c.Start(ctx))

	for i := 0; i < 2; i++ {
		ev := waitEvent(t, events, EventUnacknowledged)
		assert.Equal(t, queue.OutcomeRequeued, ev.Outcome)
		assert.Equal(t, queue.CauseUnacknowledged, ev.Cause)
	}
	ev := waitEvent(t, events, EventUnacknowledged)
	assert.Equal(t, msg.ID, ev.MessageID)
	assert.Equal(t, queue.OutcomeDeadLettered, ev.Outcome)
	assert.EqualValues(t, 3, calls.Load())

	page, err := c.Store().ListDeadLettered(ctx, ref, 0, 10)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, msg.ID, page.Items[0].Message.ID)
	assert.Equal(t, 3, page.Items[0].Message.State.Attempts)
}

func TestHandlerPanicUnacknowledges(t *testing.T) {
	c, ref, _ := newTestConsumer(t, queue.FIFO)
	ctx := context.Background()
	msg := enqueue(t, c, ref, "a")
	var calls atomic.Int32
	require.NoError(t, c.Consume(ctx, ref, func(context.Context, *message.Message) error {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		return nil
	}))
	events := c.Subscribe()
	require.NoError(t, c.Start(ctx))

	ev := waitEvent(t, events, EventUnacknowledged)
	assert.Equal(t, msg.ID, ev.MessageID)
	assert.Equal(t, queue.CauseHandlerPanic, ev.Cause)
	assert.Equal(t, queue.OutcomeRequeued, ev.Outcome)
	ev = waitEvent(t, events, EventAcknowledged)
	assert.Equal(t, msg.ID, ev.MessageID)
}

func TestExpiredMessageIsNotHandled(t *testing.T) {
	c, ref, _ := newTestConsumer(t, queue.FIFO)
	ctx := context.Background()
	msg := enqueue(t, c, ref, "a", message.WithTTL(time.Millisecond))
	time.Sleep(20 * time.Millisecond)
	var calls atomic.Int32
	require.NoError(t, c.Consume(ctx, ref, func(context.Context, *message.Message) error {
		calls.Add(1)
		return nil
	}))
	events := c.Subscribe()
	require.NoError(t, c.Start(ctx))

	ev := waitEvent(t, events, EventUnacknowledged)
	assert.Equal(t, msg.ID, ev.MessageID)
	assert.Equal(t, queue.CauseTTLExpired, ev.Cause)
	assert.Equal(t, queue.OutcomeDeadLettered, ev.Outcome)
	assert.Zero(t, calls.Load())
}

func TestCancelWaitsForInFlightMessage(t *testing.T) {
	c, ref, rdb := newTestConsumer(t, queue.FIFO)
	ctx := context.Background()
	other := keys.MustQueueRef("test", stesting.TestName(t)+"-other")
	require.NoError(t, c.Store().CreateQueue(ctx, other, queue.FIFO))

	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, c.Consume(ctx, ref, func(context.Context, *message.Message) error {
		close(started)
		<-release
		return nil
	}))
	handled := make(chan string, 1)
	require.NoError(t, c.Consume(ctx, other, func(_ context.Context, msg *message.Message) error {
		handled <- string(msg.Body)
		return nil
	}))
	require.NoError(t, c.Start(ctx))
	enqueue(t, c, ref, "a")

	select {
	case <-started:
	case <-time.After(waitMax):
		require.FailNow(t, "handler not called")
	}
	canceled := make(chan error, 1)
	go func() { canceled <- c.Cancel(ctx, ref) }()
	select {
	case <-canceled:
		require.FailNow(t, "cancel returned while the handler was running")
	case <-time.After(100 * time.Millisecond):
	}
	close(release)
	select {
	case err := <-canceled:
		require.NoError(t, err)
	case <-time.After(waitMax):
		require.FailNow(t, "cancel did not return")
	}

	m := metricsOf(t, c, ref)
	assert.EqualValues(t, 1, m.Acknowledged)
	assert.Zero(t, m.Processing)
	consumers, err := c.Store().Consumers(ctx, ref)
	require.NoError(t, err)
	assert.NotContains(t, consumers, c.ID)
	queues, err := rdb.HGet(ctx, keys.ForGlobal().ConsumerQueues, c.ID).Result()
	require.NoError(t, err)
	assert.Equal(t, other.String(), queues)

	// The other queue is still consumed.
	enqueue(t, c, other, "b")
	select {
	case b := <-handled:
		assert.Equal(t, "b", b)
	case <-time.After(waitMax):
		require.FailNow(t, "other queue not consumed")
	}
}

func TestShutdownCleansUp(t *testing.T) {
	c, ref, rdb := newTestConsumer(t, queue.FIFO)
	ctx := context.Background()
	require.NoError(t, c.Consume(ctx, ref, func(context.Context, *message.Message) error { return nil }))
	events := c.Subscribe()
	require.NoError(t, c.Start(ctx))
	assert.Equal(t, smq.StateUp, c.State())
	assert.ErrorIs(t, c.Start(ctx), smq.ErrLifecycle)

	g := keys.ForGlobal()
	ok, err := rdb.HExists(ctx, g.Heartbeats, c.ID).Result()
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = rdb.HExists(ctx, g.ConsumerQueues, c.ID).Result()
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, c.Shutdown(ctx))
	assert.Equal(t, smq.StateDown, c.State())
	ok, err = rdb.HExists(ctx, g.Heartbeats, c.ID).Result()
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = rdb.HExists(ctx, g.ConsumerQueues, c.ID).Result()
	require.NoError(t, err)
	assert.False(t, ok)
	consumers, err := c.Store().Consumers(ctx, ref)
	require.NoError(t, err)
	assert.Empty(t, consumers)

	var kinds []EventKind
	for ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	require.NotEmpty(t, kinds)
	assert.Equal(t, EventUp, kinds[0])
	assert.Equal(t, EventDown, kinds[len(kinds)-1])
}

func TestNotificationWakesHandler(t *testing.T) {
	c, ref, _ := newTestConsumer(t, queue.FIFO, WithIdleTimeout(time.Hour))
	ctx := context.Background()
	require.NoError(t, c.Start(ctx))
	handled := make(chan string, 1)
	require.NoError(t, c.Consume(ctx, ref, func(_ context.Context, msg *message.Message) error {
		handled <- string(msg.Body)
		return nil
	}))
	time.Sleep(50 * time.Millisecond)

	enqueue(t, c, ref, "a")
	select {
	case b := <-handled:
		assert.Equal(t, "a", b)
	case <-time.After(waitMax):
		require.FailNow(t, "handler not woken up by the notification")
	}
}

func TestPriorityDelivery(t *testing.T) {
	c, ref, _ := newTestConsumer(t, queue.Priority)
	ctx := context.Background()
	for _, p := range []struct {
		body     string
		priority message.Priority
	}{
		{"low", message.PriorityLow},
		{"highest", message.PriorityHighest},
		{"normal", message.PriorityNormal},
		{"lowest", message.PriorityLowest},
		{"high", message.PriorityHigh},
	} {
		enqueue(t, c, ref, p.body, message.WithPriority(p.priority))
	}
	var (
		lock sync.Mutex
		got  []string
	)
	require.NoError(t, c.Consume(ctx, ref, func(_ context.Context, msg *message.Message) error {
		lock.Lock()
		defer lock.Unlock()
		got = append(got, string(msg.Body))
		return nil
	}))
	require.NoError(t, c.Start(ctx))

	require.Eventually(t, func() bool {
		lock.Lock()
		defer lock.Unlock()
		return len(got) == 5
	}, waitMax, tick)
	assert.Equal(t, []string{"highest", "high", "normal", "low", "lowest"}, got)
}

func TestScheduledMessageIsDeliveredAsClone(t *testing.T) {
	c, ref, _ := newTestConsumer(t, queue.FIFO)
	ctx := context.Background()
	msg := message.New(ref, []byte("a"), message.WithScheduledRepeat(1, time.Hour))
	require.NoError(t, c.Store().Schedule(ctx, msg, time.Now().Add(50*time.Millisecond)))
	delivered := make(chan *message.Message, 1)
	require.NoError(t, c.Consume(ctx, ref, func(_ context.Context, m *message.Message) error {
		delivered <- m
		return nil
	}))
	require.NoError(t, c.Start(ctx))

	select {
	case got := <-delivered:
		assert.NotEqual(t, msg.ID, got.ID)
		assert.Equal(t, msg.ID, got.State.ScheduledMessageID)
	case <-time.After(waitMax):
		require.FailNow(t, "scheduled message not delivered")
	}
}

func TestDelayedRetryKeepsIdentity(t *testing.T) {
	c, ref, _ := newTestConsumer(t, queue.FIFO)
	ctx := context.Background()
	msg := enqueue(t, c, ref, "a", message.WithRetryDelay(50*time.Millisecond))
	var (
		calls atomic.Int32
		first time.Time
	)
	done := make(chan *message.Message, 1)
	require.NoError(t, c.Consume(ctx, ref, func(_ context.Context, m *message.Message) error {
		if calls.Add(1) == 1 {
			first = time.Now()
			return errors.New("retry later")
		}
		done <- m
		return nil
	}))
	require.NoError(t, c.Start(ctx))

	select {
	case got := <-done:
		assert.Equal(t, msg.ID, got.ID)
		assert.Equal(t, 1, got.State.Attempts)
		assert.GreaterOrEqual(t, time.Since(first), 50*time.Millisecond)
	case <-time.After(waitMax):
		require.FailNow(t, "message not retried")
	}
}

func TestRecoversCrashedConsumer(t *testing.T) {
	const crashed = "crashed-consumer"
	ttl := 200 * time.Millisecond
	c, ref, rdb := newTestConsumer(t, queue.FIFO, WithHeartbeatTTL(ttl))
	ctx := context.Background()
	msg := enqueue(t, c, ref, "a")

	// The crashed consumer holds the message and stopped beating.
	got, err := c.Store().Dequeue(ctx, ref, crashed)
	require.NoError(t, err)
	require.NotNil(t, got)
	registry, err := rmap.Join(ctx, rdb, keys.ForGlobal().ConsumerQueues)
	require.NoError(t, err)
	defer registry.Close()
	_, err = registry.AppendUniqueValues(ctx, crashed, ref.String())
	require.NoError(t, err)
	g := keys.ForGlobal()
	require.NoError(t, rdb.HSet(ctx, g.Heartbeats, crashed, "{}").Err())
	require.NoError(t, rdb.ZAdd(ctx, g.HeartbeatTimestamps, redis.Z{
		Score:  float64(message.Millis(time.Now().Add(-time.Minute))),
		Member: crashed,
	}).Err())

	delivered := make(chan *message.Message, 1)
	require.NoError(t, c.Consume(ctx, ref, func(_ context.Context, m *message.Message) error {
		delivered <- m
		return nil
	}))
	require.NoError(t, c.Start(ctx))

	select {
	case m := <-delivered:
		assert.Equal(t, msg.ID, m.ID)
	case <-time.After(waitMax):
		require.FailNow(t, "message of the crashed consumer not recovered")
	}
	assert.Eventually(t, func() bool {
		alive, err := heartbeat.IsAlive(ctx, rdb, crashed, time.Now(), ttl)
		if err != nil || alive {
			return false
		}
		_, ok := registry.GetValues(crashed)
		return !ok
	}, waitMax, tick)
}

func TestWorkerLockOutlivesInterval(t *testing.T) {
	cases := []struct {
		name     string
		interval time.Duration
		want     time.Duration
	}{
		{"short interval", 20 * time.Millisecond, lock.DefaultTTL},
		{"long interval", 6 * time.Second, 12 * time.Second},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, _, _ := newTestConsumer(t, queue.FIFO, WithWorkerInterval(tc.interval))
			ctx := context.Background()
			require.NoError(t, c.Start(ctx))
			require.Len(t, c.runners, 4)
			for _, r := range c.runners {
				assert.Equal(t, tc.want, r.LockTTL(), r.Name())
				assert.Greater(t, r.LockTTL(), tc.interval, r.Name())
			}
			require.NoError(t, c.Shutdown(ctx))
		})
	}
}
