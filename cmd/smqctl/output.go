package main

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"time"
	"unicode/utf8"

	"github.com/wackfx/redis-smq/message"
	"github.com/wackfx/redis-smq/queue"
)

// messageView is the JSON representation of a message.
type messageView struct {
	Index              *int64     `json:"index,omitempty"`
	ID                 string     `json:"id"`
	Queue              string     `json:"queue"`
	Status             string     `json:"status"`
	Attempts           int        `json:"attempts"`
	Priority           *int       `json:"priority,omitempty"`
	BodyText           string     `json:"body_text,omitempty"`
	BodyB64            string     `json:"body_b64,omitempty"`
	ScheduledMessageID string     `json:"scheduled_message_id,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	PublishedAt        *time.Time `json:"published_at,omitempty"`
	LastError          string     `json:"last_error,omitempty"`
}

type pageView struct {
	Total int64          `json:"total"`
	Items []*messageView `json:"items"`
}

func newMessageView(m *message.Message) *messageView {
	v := &messageView{
		ID:                 m.ID,
		Queue:              m.Queue.String(),
		Status:             m.State.Status.String(),
		Attempts:           m.State.Attempts,
		ScheduledMessageID: m.State.ScheduledMessageID,
		CreatedAt:          m.CreatedAt,
		LastError:          m.State.LastError,
	}
	if m.Priority != nil {
		p := int(*m.Priority)
		v.Priority = &p
	}
	if !m.State.PublishedAt.IsZero() {
		t := m.State.PublishedAt
		v.PublishedAt = &t
	}
	if utf8.Valid(m.Body) {
		v.BodyText = string(m.Body)
	} else {
		v.BodyB64 = base64.StdEncoding.EncodeToString(m.Body)
	}
	return v
}

func newPageView(p *queue.Page) *pageView {
	v := &pageView{Total: p.Total, Items: make([]*messageView, 0, len(p.Items))}
	for _, item := range p.Items {
		mv := newMessageView(item.Message)
		index := item.Index
		mv.Index = &index
		v.Items = append(v.Items, mv)
	}
	return v
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
