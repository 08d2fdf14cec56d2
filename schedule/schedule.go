// Package schedule computes the fire times of scheduled messages.
package schedule

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/wackfx/redis-smq/message"
)

// ErrInvalidSchedule is returned when the scheduling parameters of a
// message are invalid.
var ErrInvalidSchedule = errors.New("invalid scheduling parameters")

// parser parses 6-field cron expressions, seconds first.
var parser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron parses a 6-field cron expression.
func ParseCron(expr string) (cron.Schedule, error) {
	s, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: cron %q: %w", ErrInvalidSchedule, expr, err)
	}
	return s, nil
}

// Validate checks the scheduling parameters of msg.
func Validate(msg *message.Message) error {
	if msg.ScheduledCron != "" {
		if _, err := ParseCron(msg.ScheduledCron); err != nil {
			return err
		}
	}
	if msg.ScheduledDelay < 0 || msg.ScheduledRepeat < 0 || msg.ScheduledRepeatPeriod < 0 {
		return fmt.Errorf("%w: negative value", ErrInvalidSchedule)
	}
	if msg.ScheduledRepeatPeriod > 0 && msg.ScheduledRepeat == 0 {
		return fmt.Errorf("%w: repeat period without repeat count", ErrInvalidSchedule)
	}
	return nil
}

// Next returns the next time msg should be delivered after now and
// records the scheduling progress in msg.State. The zero time means the
// message has no further occurrence.
//
// The delay applies once. Cron and repeat compose: each cron fire starts
// a new cycle of up to ScheduledRepeat repetitions, a repetition is used
// only if it comes before the next cron fire and the cron fired at least
// once.
func Next(msg *message.Message, now time.Time) (time.Time, error) {
	if !msg.IsSchedulable() {
		return time.Time{}, nil
	}
	state := &msg.State
	if msg.ScheduledDelay > 0 && !state.Delayed {
		state.Delayed = true
		return now.Add(msg.ScheduledDelay), nil
	}

	var cronAt time.Time
	if msg.ScheduledCron != "" {
		s, err := ParseCron(msg.ScheduledCron)
		if err != nil {
			return time.Time{}, err
		}
		cronAt = s.Next(now)
	}

	var repeatAt time.Time
	if msg.ScheduledRepeat > 0 && state.ScheduledRepeatCount+1 <= msg.ScheduledRepeat {
		repeatAt = now.Add(msg.ScheduledRepeatPeriod)
	}

	if !repeatAt.IsZero() && !cronAt.IsZero() && repeatAt.Before(cronAt) && state.ScheduledCronFired {
		state.ScheduledRepeatCount++
		return repeatAt, nil
	}
	if !cronAt.IsZero() {
		state.ScheduledRepeatCount = 0
		state.ScheduledCronFired = true
		return cronAt, nil
	}
	if !repeatAt.IsZero() {
		state.ScheduledRepeatCount++
		return repeatAt, nil
	}
	return time.Time{}, nil
}
