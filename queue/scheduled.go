package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wackfx/redis-smq/keys"
	"github.com/wackfx/redis-smq/message"
	"github.com/wackfx/redis-smq/metrics"
)

// Promotion describes how a due scheduled message is moved to pending.
type Promotion struct {
	// Message is the scheduled message. Its schedule state is written
	// back when it is rescheduled.
	Message *message.Message
	// Clone is the message delivered in place of Message. Nil means
	// Message itself is delivered, keeping its identity.
	Clone *message.Message
	// Next is the next fire time of Message, zero if it has no further
	// occurrence. Ignored when Clone is nil.
	Next time.Time
}

// DueScheduled returns up to limit scheduled messages whose fire time is
// not after now, earliest first. Records that cannot be decoded are
// logged and skipped.
func (s *Store) DueScheduled(ctx context.Context, now time.Time, limit int64) ([]*message.Message, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, s.global.Scheduled, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(message.Millis(now), 10),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: failed to read due scheduled messages: %w", err)
	}
	msgs, missing, err := s.loadMessages(ctx, ids)
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		// Records deleted by a purge would otherwise stay due forever.
		if err := s.rdb.ZRem(ctx, s.global.Scheduled, toAny(missing)...).Err(); err != nil {
			return nil, fmt.Errorf("queue: failed to remove missing scheduled messages: %w", err)
		}
	}
	return msgs, nil
}

// Promote moves the given due messages to pending in a single transaction.
// Messages that are no longer due, because another worker promoted them,
// are skipped. It returns the number of promoted messages.
func (s *Store) Promote(ctx context.Context, now time.Time, promotions []Promotion) (int, error) {
	if len(promotions) == 0 {
		return 0, nil
	}
	ks := []string{s.global.Scheduled}
	args := []any{message.Millis(now)}
	for _, p := range promotions {
		q := keys.ForQueue(p.Message.Queue)
		var (
			newID, record string
			update        = "{}"
			next          int64
		)
		nkey := keys.Message(p.Message.ID)
		if p.Clone != nil {
			newID = p.Clone.ID
			nkey = keys.Message(newID)
			fields, err := p.Clone.Record()
			if err != nil {
				return 0, err
			}
			b, err := json.Marshal(fields)
			if err != nil {
				return 0, fmt.Errorf("queue: failed to encode clone of %s: %w", p.Message.ID, err)
			}
			record = string(b)
			next = message.Millis(p.Next)
			b, err = json.Marshal(p.Message.ScheduleFields())
			if err != nil {
				return 0, fmt.Errorf("queue: failed to encode schedule of %s: %w", p.Message.ID, err)
			}
			update = string(b)
		}
		ks = append(ks, q.Properties, q.Pending, q.Priority, q.Scheduled, keys.Message(p.Message.ID), nkey)
		args = append(args, p.Message.ID, newID, record, next, update, q.Notifications)
	}
	res, err := s.run(ctx, "promote", luaPromote, ks, args...)
	if err != nil {
		return 0, err
	}
	n, ok := res.(int64)
	if !ok {
		return 0, &ScriptError{Script: "promote", Reply: res}
	}
	metrics.MessagesPromoted.Add(float64(n))
	return int(n), nil
}

// Delayed returns up to limit messages waiting for a delayed retry, oldest
// first.
func (s *Store) Delayed(ctx context.Context, limit int64) ([]*message.Message, error) {
	ids, err := s.rdb.LRange(ctx, s.global.Delayed, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: failed to read delayed messages: %w", err)
	}
	msgs, missing, err := s.loadMessages(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, id := range missing {
		if err := s.rdb.LRem(ctx, s.global.Delayed, 1, id).Err(); err != nil {
			return nil, fmt.Errorf("queue: failed to remove missing delayed message: %w", err)
		}
	}
	return msgs, nil
}

// ScheduleDelayed moves the given messages from the delayed retry list to
// the scheduled index, each firing RetryDelay after now. It returns the
// number of scheduled messages.
func (s *Store) ScheduleDelayed(ctx context.Context, now time.Time, msgs []*message.Message) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}
	ks := []string{s.global.Delayed, s.global.Scheduled}
	args := []any{message.Millis(now)}
	for _, m := range msgs {
		ks = append(ks, keys.Message(m.ID), keys.ForQueue(m.Queue).Scheduled)
		args = append(args, m.ID, message.Millis(now.Add(m.RetryDelay)))
	}
	res, err := s.run(ctx, "scheduleDelayed", luaScheduleDelayed, ks, args...)
	if err != nil {
		return 0, err
	}
	n, ok := res.(int64)
	if !ok {
		return 0, &ScriptError{Script: "scheduleDelayed", Reply: res}
	}
	return int(n), nil
}

// ExpiredProcessing returns up to limit ids of processing messages whose
// consume deadline is before now.
func (s *Store) ExpiredProcessing(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, s.global.Deadlines, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   "(" + strconv.FormatInt(message.Millis(now), 10),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: failed to read processing deadlines: %w", err)
	}
	return ids, nil
}

// ForgetDeadline removes a stale processing deadline.
func (s *Store) ForgetDeadline(ctx context.Context, id string) error {
	if err := s.rdb.ZRem(ctx, s.global.Deadlines, id).Err(); err != nil {
		return fmt.Errorf("queue: failed to remove deadline of %s: %w", id, err)
	}
	return nil
}

// DeleteScheduled deletes a scheduled message.
func (s *Store) DeleteScheduled(ctx context.Context, ref keys.QueueRef, id string) error {
	ks := []string{s.global.Scheduled, keys.ForQueue(ref).Scheduled, keys.Message(id)}
	res, err := s.run(ctx, "deleteScheduled", luaDeleteScheduled, ks, id)
	if err != nil {
		return err
	}
	switch res {
	case replyOK:
		return nil
	case replyMessageNotFound:
		return fmt.Errorf("queue: scheduled message %s: %w", id, ErrMessageNotFound)
	}
	return &ScriptError{Script: "deleteScheduled", Reply: res}
}

// loadMessages reads the records of the given ids in one round trip. It
// also returns the ids whose record does not exist. Undecodable records
// are logged and skipped.
func (s *Store) loadMessages(ctx context.Context, ids []string) ([]*message.Message, []string, error) {
	if len(ids) == 0 {
		return nil, nil, nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, keys.Message(id))
		}
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("queue: failed to load messages: %w", err)
	}
	msgs := make([]*message.Message, 0, len(ids))
	var missing []string
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			missing = append(missing, ids[i])
			continue
		}
		m, err := message.FromRecord(fields)
		if err != nil {
			s.logger.Error(err, "id", ids[i])
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, missing, nil
}

func toAny(ss []string) []any {
	res := make([]any, len(ss))
	for i, s := range ss {
		res[i] = s
	}
	return res
}
