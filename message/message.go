// Package message defines the unit of work exchanged by producers and
// consumers together with its system state and its Redis record encoding.
package message

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wackfx/redis-smq/keys"
)

type (
	// Message is a unit of work. The payload fields are set by the
	// producer and never change once the message is produced, State is
	// maintained by the broker.
	Message struct {
		// ID is the message unique identifier.
		ID string
		// Queue is the destination queue.
		Queue keys.QueueRef
		// Body is the opaque message content.
		Body []byte
		// Priority is only used by priority queues, nil means no
		// priority.
		Priority *Priority
		// TTL is how long the message stays deliverable once published,
		// zero means forever.
		TTL time.Duration
		// RetryThreshold is the number of failed deliveries after which
		// the message is dead-lettered.
		RetryThreshold int
		// RetryDelay is the delay before a failed message is delivered
		// again.
		RetryDelay time.Duration
		// ConsumeTimeout bounds the time a message may stay in processing,
		// zero means no bound.
		ConsumeTimeout time.Duration
		// ScheduledCron is a 6-field cron expression (seconds first).
		ScheduledCron string
		// ScheduledDelay delays the first delivery.
		ScheduledDelay time.Duration
		// ScheduledRepeat is the number of additional deliveries.
		ScheduledRepeat int
		// ScheduledRepeatPeriod is the time between repeated deliveries.
		ScheduledRepeatPeriod time.Duration
		// CreatedAt is the message creation time.
		CreatedAt time.Time
		// State is the system state.
		State State
	}

	// Option configures a message.
	Option func(*Message)

	// Priority of a message in a priority queue, lower values are
	// delivered first.
	Priority int
)

const (
	PriorityHighest Priority = iota
	PriorityVeryHigh
	PriorityHigh
	PriorityAboveNormal
	PriorityNormal
	PriorityLow
	PriorityVeryLow
	PriorityLowest
)

// DefaultRetryThreshold is the retry threshold of new messages.
const DefaultRetryThreshold = 3

// ErrInvalidMessage is returned when a message fails validation.
var ErrInvalidMessage = errors.New("invalid message")

// New creates a message for the given queue with a new unique id.
func New(queue keys.QueueRef, body []byte, opts ...Option) *Message {
	m := &Message{
		ID:             uuid.NewString(),
		Queue:          queue,
		Body:           body,
		RetryThreshold: DefaultRetryThreshold,
		CreatedAt:      time.Now(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// WithPriority sets the message priority.
func WithPriority(p Priority) Option {
	return func(m *Message) { m.Priority = &p }
}

// WithTTL sets the message time to live.
func WithTTL(ttl time.Duration) Option {
	return func(m *Message) { m.TTL = ttl }
}

// WithRetryThreshold sets the number of failed deliveries after which the
// message is dead-lettered.
func WithRetryThreshold(n int) Option {
	return func(m *Message) { m.RetryThreshold = n }
}

// WithRetryDelay sets the delay before a failed message is redelivered.
func WithRetryDelay(d time.Duration) Option {
	return func(m *Message) { m.RetryDelay = d }
}

// WithConsumeTimeout sets the maximum processing time.
func WithConsumeTimeout(d time.Duration) Option {
	return func(m *Message) { m.ConsumeTimeout = d }
}

// WithScheduledCron schedules the message with a 6-field cron expression.
func WithScheduledCron(expr string) Option {
	return func(m *Message) { m.ScheduledCron = expr }
}

// WithScheduledDelay delays the first delivery.
func WithScheduledDelay(d time.Duration) Option {
	return func(m *Message) { m.ScheduledDelay = d }
}

// WithScheduledRepeat delivers the message n additional times, period
// apart.
func WithScheduledRepeat(n int, period time.Duration) Option {
	return func(m *Message) {
		m.ScheduledRepeat = n
		m.ScheduledRepeatPeriod = period
	}
}

// IsSchedulable returns true if the message has any scheduling parameter.
func (m *Message) IsSchedulable() bool {
	return m.ScheduledCron != "" || m.ScheduledDelay > 0 || m.ScheduledRepeat > 0
}

// EffectivePriority returns the message priority or PriorityNormal if
// none is set.
func (m *Message) EffectivePriority() Priority {
	if m.Priority == nil {
		return PriorityNormal
	}
	return *m.Priority
}

// HasExpired returns true if the message TTL elapsed since it was
// published.
func (m *Message) HasExpired(now time.Time) bool {
	if m.TTL <= 0 || m.State.PublishedAt.IsZero() {
		return false
	}
	return now.Sub(m.State.PublishedAt) > m.TTL
}

// Validate checks the payload fields. Cron expressions are validated by
// the schedule package.
func (m *Message) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidMessage)
	}
	if _, err := keys.NewQueueRef(m.Queue.Namespace, m.Queue.Name); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	if m.Priority != nil && (*m.Priority < PriorityHighest || *m.Priority > PriorityLowest) {
		return fmt.Errorf("%w: priority %d out of range", ErrInvalidMessage, *m.Priority)
	}
	if m.RetryThreshold < 1 {
		return fmt.Errorf("%w: retry threshold must be at least 1", ErrInvalidMessage)
	}
	for name, d := range map[string]time.Duration{
		"ttl":                     m.TTL,
		"retry delay":             m.RetryDelay,
		"consume timeout":         m.ConsumeTimeout,
		"scheduled delay":         m.ScheduledDelay,
		"scheduled repeat period": m.ScheduledRepeatPeriod,
	} {
		if d < 0 {
			return fmt.Errorf("%w: negative %s", ErrInvalidMessage, name)
		}
	}
	if m.ScheduledRepeat < 0 {
		return fmt.Errorf("%w: negative scheduled repeat", ErrInvalidMessage)
	}
	return nil
}

// Clone returns a copy of m delivered as an independent message: it has a
// new id, no scheduling parameters and a fresh state linking back to m.
func (m *Message) Clone(now time.Time) *Message {
	c := *m
	c.ID = uuid.NewString()
	if m.Priority != nil {
		p := *m.Priority
		c.Priority = &p
	}
	c.Body = append([]byte(nil), m.Body...)
	c.ScheduledCron = ""
	c.ScheduledDelay = 0
	c.ScheduledRepeat = 0
	c.ScheduledRepeatPeriod = 0
	c.State = State{
		Status:             StatusPending,
		PublishedAt:        now,
		ScheduledMessageID: m.ID,
	}
	return &c
}

// String implements fmt.Stringer.
func (p Priority) String() string {
	switch p {
	case PriorityHighest:
		return "highest"
	case PriorityVeryHigh:
		return "very-high"
	case PriorityHigh:
		return "high"
	case PriorityAboveNormal:
		return "above-normal"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	case PriorityVeryLow:
		return "very-low"
	case PriorityLowest:
		return "lowest"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}
