package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/wackfx/redis-smq/keys"
)

// SchemaVersion is the version of the Redis record layout written by this
// package. Records written with another version are rejected.
const SchemaVersion = 1

// Record field names. The Lua scripts of the queue package read and
// write the fields that mirror payload parameters and state.
const (
	FieldSchema             = "schema"
	FieldPayload            = "message"
	FieldQueue              = "queue"
	FieldStatus             = "status"
	FieldAttempts           = "attempts"
	FieldPriority           = "priority"
	FieldRetryThreshold     = "retry_threshold"
	FieldRetryDelay         = "retry_delay"
	FieldConsumeTimeout     = "consume_timeout"
	FieldScheduledAt        = "scheduled_at"
	FieldLastScheduledAt    = "last_scheduled_at"
	FieldPublishedAt        = "published_at"
	FieldProcessingAt       = "processing_at"
	FieldAcknowledgedAt     = "acknowledged_at"
	FieldDeadLetteredAt     = "dead_lettered_at"
	FieldScheduledMessageID = "scheduled_message_id"
	FieldRepeatCount        = "repeat_count"
	FieldCronFired          = "cron_fired"
	FieldDelayed            = "delayed"
	FieldConsumer           = "consumer"
	FieldLastError          = "last_error"
)

// ErrSchemaVersion is returned when decoding a record written with an
// unsupported schema version.
var ErrSchemaVersion = errors.New("unsupported message schema version")

// payloadV1 is the JSON encoding of the immutable message fields.
// Durations are in milliseconds, times in unix milliseconds.
type payloadV1 struct {
	V                     int    `json:"v"`
	ID                    string `json:"id"`
	Namespace             string `json:"ns"`
	Queue                 string `json:"queue"`
	Body                  []byte `json:"body"`
	Priority              *int   `json:"priority,omitempty"`
	TTL                   int64  `json:"ttl,omitempty"`
	RetryThreshold        int    `json:"retryThreshold"`
	RetryDelay            int64  `json:"retryDelay,omitempty"`
	ConsumeTimeout        int64  `json:"consumeTimeout,omitempty"`
	ScheduledCron         string `json:"scheduledCron,omitempty"`
	ScheduledDelay        int64  `json:"scheduledDelay,omitempty"`
	ScheduledRepeat       int    `json:"scheduledRepeat,omitempty"`
	ScheduledRepeatPeriod int64  `json:"scheduledRepeatPeriod,omitempty"`
	CreatedAt             int64  `json:"createdAt"`
}

// Record returns the Redis hash fields representing m.
func (m *Message) Record() (map[string]string, error) {
	p := payloadV1{
		V:                     SchemaVersion,
		ID:                    m.ID,
		Namespace:             m.Queue.Namespace,
		Queue:                 m.Queue.Name,
		Body:                  m.Body,
		TTL:                   m.TTL.Milliseconds(),
		RetryThreshold:        m.RetryThreshold,
		RetryDelay:            m.RetryDelay.Milliseconds(),
		ConsumeTimeout:        m.ConsumeTimeout.Milliseconds(),
		ScheduledCron:         m.ScheduledCron,
		ScheduledDelay:        m.ScheduledDelay.Milliseconds(),
		ScheduledRepeat:       m.ScheduledRepeat,
		ScheduledRepeatPeriod: m.ScheduledRepeatPeriod.Milliseconds(),
		CreatedAt:             Millis(m.CreatedAt),
	}
	var priority string
	if m.Priority != nil {
		v := int(*m.Priority)
		p.Priority = &v
		priority = strconv.Itoa(v)
	}
	payload, err := json.Marshal(&p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message %s: %w", m.ID, err)
	}
	s := m.State
	return map[string]string{
		FieldSchema:             strconv.Itoa(SchemaVersion),
		FieldPayload:            string(payload),
		FieldQueue:              m.Queue.String(),
		FieldPriority:           priority,
		FieldRetryThreshold:     strconv.Itoa(m.RetryThreshold),
		FieldRetryDelay:         strconv.FormatInt(m.RetryDelay.Milliseconds(), 10),
		FieldConsumeTimeout:     strconv.FormatInt(m.ConsumeTimeout.Milliseconds(), 10),
		FieldStatus:             strconv.Itoa(int(s.Status)),
		FieldAttempts:           strconv.Itoa(s.Attempts),
		FieldScheduledAt:        formatTime(s.ScheduledAt),
		FieldLastScheduledAt:    formatTime(s.LastScheduledAt),
		FieldPublishedAt:        formatTime(s.PublishedAt),
		FieldProcessingAt:       formatTime(s.ProcessingAt),
		FieldAcknowledgedAt:     formatTime(s.AcknowledgedAt),
		FieldDeadLetteredAt:     formatTime(s.DeadLetteredAt),
		FieldScheduledMessageID: s.ScheduledMessageID,
		FieldRepeatCount:        strconv.Itoa(s.ScheduledRepeatCount),
		FieldCronFired:          formatBool(s.ScheduledCronFired),
		FieldDelayed:            formatBool(s.Delayed),
		FieldConsumer:           s.ConsumerID,
		FieldLastError:          s.LastError,
	}, nil
}

// ScheduleFields returns the record fields tracking the recurring
// schedule of m. They are written back when a scheduled message is
// rescheduled.
func (m *Message) ScheduleFields() map[string]string {
	return map[string]string{
		FieldLastScheduledAt: formatTime(m.State.LastScheduledAt),
		FieldScheduledAt:     formatTime(m.State.ScheduledAt),
		FieldRepeatCount:     strconv.Itoa(m.State.ScheduledRepeatCount),
		FieldCronFired:       formatBool(m.State.ScheduledCronFired),
		FieldDelayed:         formatBool(m.State.Delayed),
	}
}

// FromRecord decodes a message from its Redis hash fields.
func FromRecord(fields map[string]string) (*Message, error) {
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty message record")
	}
	if v := fields[FieldSchema]; v != strconv.Itoa(SchemaVersion) {
		return nil, fmt.Errorf("%w: %q", ErrSchemaVersion, v)
	}
	var p payloadV1
	if err := json.Unmarshal([]byte(fields[FieldPayload]), &p); err != nil {
		return nil, fmt.Errorf("failed to decode message payload: %w", err)
	}
	if p.V != SchemaVersion {
		return nil, fmt.Errorf("%w: payload version %d", ErrSchemaVersion, p.V)
	}
	m := &Message{
		ID:                    p.ID,
		Queue:                 keys.QueueRef{Namespace: p.Namespace, Name: p.Queue},
		Body:                  p.Body,
		TTL:                   time.Duration(p.TTL) * time.Millisecond,
		RetryThreshold:        p.RetryThreshold,
		RetryDelay:            time.Duration(p.RetryDelay) * time.Millisecond,
		ConsumeTimeout:        time.Duration(p.ConsumeTimeout) * time.Millisecond,
		ScheduledCron:         p.ScheduledCron,
		ScheduledDelay:        time.Duration(p.ScheduledDelay) * time.Millisecond,
		ScheduledRepeat:       p.ScheduledRepeat,
		ScheduledRepeatPeriod: time.Duration(p.ScheduledRepeatPeriod) * time.Millisecond,
		CreatedAt:             parseTime(strconv.FormatInt(p.CreatedAt, 10)),
	}
	if p.Priority != nil {
		prio := Priority(*p.Priority)
		m.Priority = &prio
	}
	// The priority field may have been overridden by a requeue.
	if v := fields[FieldPriority]; v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			prio := Priority(n)
			m.Priority = &prio
		}
	}
	status, err := strconv.Atoi(fields[FieldStatus])
	if err != nil {
		return nil, fmt.Errorf("invalid status %q for message %s", fields[FieldStatus], p.ID)
	}
	m.State = State{
		Status:               Status(status),
		Attempts:             parseInt(fields[FieldAttempts]),
		ScheduledAt:          parseTime(fields[FieldScheduledAt]),
		LastScheduledAt:      parseTime(fields[FieldLastScheduledAt]),
		PublishedAt:          parseTime(fields[FieldPublishedAt]),
		ProcessingAt:         parseTime(fields[FieldProcessingAt]),
		AcknowledgedAt:       parseTime(fields[FieldAcknowledgedAt]),
		DeadLetteredAt:       parseTime(fields[FieldDeadLetteredAt]),
		ScheduledMessageID:   fields[FieldScheduledMessageID],
		ScheduledRepeatCount: parseInt(fields[FieldRepeatCount]),
		ScheduledCronFired:   fields[FieldCronFired] == "1",
		Delayed:              fields[FieldDelayed] == "1",
		ConsumerID:           fields[FieldConsumer],
		LastError:            fields[FieldLastError],
	}
	return m, nil
}

// Flatten returns the fields as a key/value argument list sorted by key.
func Flatten(fields map[string]string) []any {
	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	sort.Strings(names)
	args := make([]any, 0, 2*len(fields))
	for _, k := range names {
		args = append(args, k, fields[k])
	}
	return args
}

// Millis returns t in unix milliseconds, zero for the zero time.
func Millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func formatTime(t time.Time) string {
	return strconv.FormatInt(Millis(t), 10)
}

func parseTime(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func parseInt(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func formatBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
