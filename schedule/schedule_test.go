package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wackfx/redis-smq/keys"
	"github.com/wackfx/redis-smq/message"
)

var (
	testQueue = keys.MustQueueRef("test", "schedule")
	// base is aligned on a minute to make cron occurrences predictable.
	base = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
)

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(message.New(testQueue, nil, message.WithScheduledCron("*/10 * * * * *"))))
	assert.NoError(t, Validate(message.New(testQueue, nil, message.WithScheduledCron("@every 5s"))))
	assert.ErrorIs(t, Validate(message.New(testQueue, nil, message.WithScheduledCron("* * * * *"))), ErrInvalidSchedule, "5 fields")
	assert.ErrorIs(t, Validate(message.New(testQueue, nil, message.WithScheduledCron("nope"))), ErrInvalidSchedule)
	assert.ErrorIs(t, Validate(message.New(testQueue, nil, message.WithScheduledRepeat(0, time.Second))), ErrInvalidSchedule)
	assert.ErrorIs(t, Validate(message.New(testQueue, nil, message.WithScheduledDelay(-time.Second))), ErrInvalidSchedule)
}

func TestNextNotSchedulable(t *testing.T) {
	at, err := Next(message.New(testQueue, nil), base)
	require.NoError(t, err)
	assert.True(t, at.IsZero())
}

func TestNextDelayAppliesOnce(t *testing.T) {
	m := message.New(testQueue, nil, message.WithScheduledDelay(10*time.Second))
	at, err := Next(m, base)
	require.NoError(t, err)
	assert.Equal(t, base.Add(10*time.Second), at)
	assert.True(t, m.State.Delayed)

	at, err = Next(m, at)
	require.NoError(t, err)
	assert.True(t, at.IsZero(), "a delayed message is terminal after its delivery")
}

func TestNextRepeat(t *testing.T) {
	m := message.New(testQueue, nil, message.WithScheduledRepeat(3, 2*time.Second))
	now := base
	var fires []time.Time
	for {
		at, err := Next(m, now)
		require.NoError(t, err)
		if at.IsZero() {
			break
		}
		fires = append(fires, at)
		now = at
	}
	assert.Equal(t, []time.Time{
		base.Add(2 * time.Second),
		base.Add(4 * time.Second),
		base.Add(6 * time.Second),
	}, fires)
	assert.Equal(t, 3, m.State.ScheduledRepeatCount)
}

func TestNextDelayThenRepeat(t *testing.T) {
	m := message.New(testQueue, nil,
		message.WithScheduledDelay(time.Minute),
		message.WithScheduledRepeat(1, 0))
	at, err := Next(m, base)
	require.NoError(t, err)
	assert.Equal(t, base.Add(time.Minute), at)
	at, err = Next(m, at)
	require.NoError(t, err)
	assert.Equal(t, base.Add(time.Minute), at, "repeat without period fires immediately")
	at, err = Next(m, at)
	require.NoError(t, err)
	assert.True(t, at.IsZero())
}

func TestNextCron(t *testing.T) {
	m := message.New(testQueue, nil, message.WithScheduledCron("*/15 * * * * *"))
	at, err := Next(m, base)
	require.NoError(t, err)
	assert.Equal(t, base.Add(15*time.Second), at)
	assert.True(t, m.State.ScheduledCronFired)
	at, err = Next(m, at)
	require.NoError(t, err)
	assert.Equal(t, base.Add(30*time.Second), at)
}

func TestNextCronComposesWithRepeat(t *testing.T) {
	// Every minute, repeated twice 10 seconds apart within each cycle.
	m := message.New(testQueue, nil,
		message.WithScheduledCron("0 * * * * *"),
		message.WithScheduledRepeat(2, 10*time.Second))

	var fires []time.Time
	now := base.Add(time.Second)
	for i := 0; i < 7; i++ {
		at, err := Next(m, now)
		require.NoError(t, err)
		require.False(t, at.IsZero())
		fires = append(fires, at)
		now = at
	}
	assert.Equal(t, []time.Time{
		base.Add(time.Minute), // first cron fire, repeats only start afterwards
		base.Add(time.Minute + 10*time.Second),
		base.Add(time.Minute + 20*time.Second),
		base.Add(2 * time.Minute), // repeats exhausted, next cron fire
		base.Add(2*time.Minute + 10*time.Second),
		base.Add(2*time.Minute + 20*time.Second),
		base.Add(3 * time.Minute),
	}, fires)
}

func TestNextCronRepeatLongerThanCycle(t *testing.T) {
	// Repetitions that would fire after the next cron occurrence are skipped.
	m := message.New(testQueue, nil,
		message.WithScheduledCron("*/10 * * * * *"),
		message.WithScheduledRepeat(5, 30*time.Second))
	at, err := Next(m, base.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, base.Add(10*time.Second), at)
	at, err = Next(m, at)
	require.NoError(t, err)
	assert.Equal(t, base.Add(20*time.Second), at)
	assert.Zero(t, m.State.ScheduledRepeatCount)
}

func TestNextCronWithoutOccurrence(t *testing.T) {
	// February 30th never happens.
	m := message.New(testQueue, nil, message.WithScheduledCron("0 0 0 30 2 *"))
	at, err := Next(m, base)
	require.NoError(t, err)
	assert.True(t, at.IsZero())
}
