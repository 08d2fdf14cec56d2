package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wackfx/redis-smq/keys"
	"github.com/wackfx/redis-smq/message"
)

func TestSchedule(t *testing.T) {
	s, ref, rdb := newTestStore(t, FIFO)
	ctx := context.Background()

	msg := message.New(ref, []byte("a"))
	err := s.Schedule(ctx, msg, time.Now().Add(-time.Second))
	var nse *NotScheduledError
	require.True(t, errors.As(err, &nse))
	assert.Equal(t, msg.ID, nse.MessageID)
	assert.ErrorIs(t, err, ErrMessageNotScheduled)
	assert.NotErrorIs(t, err, ErrQueueNotFound)

	err = s.Schedule(ctx, message.New(keys.MustQueueRef("test", "missing"), nil), time.Now().Add(time.Hour))
	assert.ErrorIs(t, err, ErrMessageNotScheduled)
	assert.ErrorIs(t, err, ErrQueueNotFound)

	at := time.Now().Add(time.Hour)
	require.NoError(t, s.Schedule(ctx, msg, at))
	assertOnlyIn(t, rdb, ref, msg.ID, keys.ForQueue(ref).Scheduled)
	stored, err := s.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, message.StatusScheduled, stored.State.Status)

	page, err := s.ListScheduled(ctx, ref, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), page.Total)
	require.Len(t, page.Items, 1)
	assert.Equal(t, msg.ID, page.Items[0].Message.ID)

	due, err := s.DueScheduled(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, due)
	due, err = s.DueScheduled(ctx, at, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, msg.ID, due[0].ID)
}

func TestPromoteClone(t *testing.T) {
	s, ref, rdb := newTestStore(t, FIFO)
	ctx := context.Background()
	msg := message.New(ref, []byte("a"), message.WithScheduledRepeat(2, time.Minute))
	now := time.Now()
	require.NoError(t, s.Schedule(ctx, msg, now.Add(time.Second)))

	fire := now.Add(2 * time.Second)
	due, err := s.DueScheduled(ctx, fire, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	orig := due[0]
	clone := orig.Clone(fire)
	next := fire.Add(time.Minute)
	orig.State.ScheduledRepeatCount = 1
	n, err := s.Promote(ctx, fire, []Promotion{{Message: orig, Clone: clone, Next: next}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// The clone is a new message linked to the scheduled one which stays
	// scheduled for its next occurrence.
	got, err := s.Dequeue(ctx, ref, consumerID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, clone.ID, got.ID)
	assert.NotEqual(t, msg.ID, got.ID)
	assert.Equal(t, msg.ID, got.State.ScheduledMessageID)
	assert.False(t, got.IsSchedulable())
	assertOnlyIn(t, rdb, ref, msg.ID, keys.ForQueue(ref).Scheduled)
	score, err := rdb.ZScore(ctx, keys.ForGlobal().Scheduled, msg.ID).Result()
	require.NoError(t, err)
	assert.Equal(t, float64(message.Millis(next)), score)
	stored, err := s.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.State.ScheduledRepeatCount)

	// Promoting again at the same time is a no-op.
	n, err = s.Promote(ctx, fire, []Promotion{{Message: orig, Clone: orig.Clone(fire), Next: next}})
	require.NoError(t, err)
	assert.Zero(t, n)

	// The last occurrence deletes the scheduled message.
	last := next.Add(time.Second)
	n, err = s.Promote(ctx, last, []Promotion{{Message: stored, Clone: stored.Clone(last)}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = s.GetMessage(ctx, msg.ID)
	assert.ErrorIs(t, err, ErrMessageNotFound)
	m, err := s.Metrics(ctx, ref)
	require.NoError(t, err)
	assert.Zero(t, m.Scheduled)
	assert.Equal(t, int64(1), m.Pending)
	assert.Equal(t, int64(3), m.Produced)
}

func TestDueScheduledDropsMissingRecords(t *testing.T) {
	s, ref, rdb := newTestStore(t, FIFO)
	ctx := context.Background()
	msg := message.New(ref, []byte("a"))
	at := time.Now().Add(time.Second)
	require.NoError(t, s.Schedule(ctx, msg, at))
	require.NoError(t, rdb.Del(ctx, keys.Message(msg.ID)).Err())

	due, err := s.DueScheduled(ctx, at, 10)
	require.NoError(t, err)
	assert.Empty(t, due)
	n, err := rdb.ZCard(ctx, keys.ForGlobal().Scheduled).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDeleteScheduled(t *testing.T) {
	s, ref, _ := newTestStore(t, FIFO)
	ctx := context.Background()
	msg := message.New(ref, []byte("a"))
	require.NoError(t, s.Schedule(ctx, msg, time.Now().Add(time.Hour)))

	require.NoError(t, s.DeleteScheduled(ctx, ref, msg.ID))
	assert.ErrorIs(t, s.DeleteScheduled(ctx, ref, msg.ID), ErrMessageNotFound)
	_, err := s.GetMessage(ctx, msg.ID)
	assert.ErrorIs(t, err, ErrMessageNotFound)
}

func TestPurgeScheduled(t *testing.T) {
	s, ref, _ := newTestStore(t, FIFO)
	ctx := context.Background()
	require.NoError(t, s.Schedule(ctx, message.New(ref, nil), time.Now().Add(time.Second)))

	m, err := s.Metrics(ctx, ref)
	require.NoError(t, err)
	require.Equal(t, int64(1), m.Scheduled)

	require.NoError(t, s.PurgeScheduled(ctx))
	due, err := s.DueScheduled(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, due)
	// The queue views agree with the global index.
	page, err := s.ListScheduled(ctx, ref, 0, 10)
	require.NoError(t, err)
	assert.Zero(t, page.Total)
	assert.Empty(t, page.Items)
	m, err = s.Metrics(ctx, ref)
	require.NoError(t, err)
	assert.Zero(t, m.Scheduled)
}
