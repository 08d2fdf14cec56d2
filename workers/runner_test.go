package workers

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wackfx/redis-smq/smq"
	stesting "github.com/wackfx/redis-smq/testing"
)

type countingWorker struct {
	name    string
	active  atomic.Int32
	overlap atomic.Bool
	calls   atomic.Int32
	err     error
}

func (w *countingWorker) Name() string { return w.name }

func (w *countingWorker) Work(context.Context) (int, error) {
	if w.active.Add(1) > 1 {
		w.overlap.Store(true)
	}
	defer w.active.Add(-1)
	w.calls.Add(1)
	time.Sleep(time.Millisecond)
	return 1, w.err
}

func TestRunnerSingleLeader(t *testing.T) {
	rdb := stesting.NewRedisClient(t)
	ctx := stesting.NewTestContext(t)
	testName := stesting.TestName(t)
	defer stesting.CleanupRedis(t, rdb, true, testName)

	w := &countingWorker{name: testName}
	runners := make([]*Runner, 5)
	var (
		leaderTicks atomic.Int32
		wg          sync.WaitGroup
	)
	for i := range runners {
		runners[i] = NewRunner(rdb, w, WithInterval(10*time.Millisecond), WithRunnerLogger(smq.ClueLogger(ctx)))
		events := runners[i].Subscribe()
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ev := range events {
				assert.Equal(t, testName, ev.Worker)
				if ev.Leader {
					leaderTicks.Add(1)
				}
			}
		}()
		require.NoError(t, runners[i].Start(ctx))
	}
	assert.ErrorIs(t, runners[0].Start(ctx), ErrRunning)

	require.Eventually(t, func() bool { return w.calls.Load() >= 10 }, time.Second, 5*time.Millisecond)
	leader := leaderOf(t, runners)
	require.NotNil(t, leader)

	// Stopping the leader releases the lock to another runner.
	require.NoError(t, leader.Stop(ctx))
	calls := w.calls.Load()
	require.Eventually(t, func() bool { return w.calls.Load() >= calls+10 }, time.Second, 5*time.Millisecond)
	next := leaderOf(t, runners)
	require.NotNil(t, next)
	assert.NotSame(t, leader, next)

	for _, r := range runners {
		require.NoError(t, r.Stop(ctx))
	}
	wg.Wait()
	assert.False(t, w.overlap.Load(), "work must never run concurrently")
	assert.Positive(t, leaderTicks.Load())
}

// leaderOf returns the only runner holding the lock.
func leaderOf(t *testing.T, runners []*Runner) *Runner {
	t.Helper()
	var leader *Runner
	for _, r := range runners {
		if r.IsLeader() {
			assert.Nil(t, leader, "only one runner may lead")
			leader = r
		}
	}
	return leader
}

func TestRunnerReportsErrors(t *testing.T) {
	rdb := stesting.NewRedisClient(t)
	ctx := context.Background()
	testName := stesting.TestName(t)
	defer stesting.CleanupRedis(t, rdb, true, testName)

	werr := errors.New("boom")
	w := &countingWorker{name: testName, err: werr}
	r := NewRunner(rdb, w, WithInterval(10*time.Millisecond))
	assert.Equal(t, testName, r.Name())
	events := r.Subscribe()
	require.NoError(t, r.Start(ctx))

	var got []*TickEvent
	for ev := range events {
		got = append(got, ev)
		if len(got) == 3 {
			break
		}
	}
	for _, ev := range got {
		assert.True(t, ev.Leader)
		assert.ErrorIs(t, ev.Err, werr)
	}
	require.NoError(t, r.Stop(ctx))
	require.NoError(t, r.Stop(ctx))
	for range events {
		// Drain until closed.
	}
}

func TestRunnerLockOutlivesInterval(t *testing.T) {
	rdb := stesting.NewRedisClient(t)
	ctx := context.Background()
	testName := stesting.TestName(t)
	defer stesting.CleanupRedis(t, rdb, true, testName)

	// A lock shorter than the interval would expire between two ticks of
	// the leader and let the other runner take over.
	w := &countingWorker{name: testName}
	runners := []*Runner{
		NewRunner(rdb, w, WithInterval(300*time.Millisecond), WithLockTTL(100*time.Millisecond)),
		NewRunner(rdb, w, WithInterval(300*time.Millisecond), WithLockTTL(100*time.Millisecond)),
	}
	var (
		leaders [2]atomic.Int32
		wg      sync.WaitGroup
	)
	for i, r := range runners {
		assert.Equal(t, 600*time.Millisecond, r.LockTTL())
		events := r.Subscribe()
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for ev := range events {
				if ev.Leader {
					leaders[i].Add(1)
				}
			}
		}(i)
		require.NoError(t, r.Start(ctx))
	}
	time.Sleep(1500 * time.Millisecond)
	for _, r := range runners {
		require.NoError(t, r.Stop(ctx))
	}
	wg.Wait()

	first, second := leaders[0].Load(), leaders[1].Load()
	assert.True(t, first == 0 || second == 0, "leadership moved: %d and %d leader ticks", first, second)
	// A single runner ticks about five times in 1.5s.
	assert.LessOrEqual(t, w.calls.Load(), int32(7))
	assert.Equal(t, first+second, w.calls.Load())
}

func TestRunnerLockTTLKept(t *testing.T) {
	rdb := stesting.NewRedisClient(t)
	r := NewRunner(rdb, &countingWorker{name: "kept"}, WithInterval(time.Second), WithLockTTL(5*time.Second))
	assert.Equal(t, 5*time.Second, r.LockTTL())
}

type panickingWorker struct {
	name  string
	calls atomic.Int32
}

func (w *panickingWorker) Name() string { return w.name }

func (w *panickingWorker) Work(context.Context) (int, error) {
	if w.calls.Add(1) == 1 {
		var m map[string]int
		m["boom"]++
	}
	return 0, nil
}

func TestRunnerSurvivesPanic(t *testing.T) {
	rdb := stesting.NewRedisClient(t)
	ctx := context.Background()
	testName := stesting.TestName(t)
	defer stesting.CleanupRedis(t, rdb, true, testName)

	w := &panickingWorker{name: testName}
	r := NewRunner(rdb, w, WithInterval(20*time.Millisecond))
	events := r.Subscribe()
	require.NoError(t, r.Start(ctx))

	ev := <-events
	assert.True(t, ev.Leader)
	require.Error(t, ev.Err)
	assert.Contains(t, ev.Err.Error(), "panicked")
	assert.Eventually(t, func() bool { return w.calls.Load() > 3 }, time.Second, 5*time.Millisecond)
	assert.True(t, r.IsLeader())

	require.NoError(t, r.Stop(ctx))
	for range events {
		// Drain until closed.
	}
}
