// Package lifecycle carries relay lifecycle notifications over Watermill.
//
// Events describe what happened to a relay invocation (started, completed,
// aborted, failed) and never include message text. They are published after
// the fact and nothing on the request path waits for a consumer.
package lifecycle

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const DefaultTopic = "chat-relay.lifecycle"

type EventType string

const (
	EventStarted   EventType = "relay.started"
	EventCompleted EventType = "relay.completed"
	EventAborted   EventType = "relay.aborted"
	EventFailed    EventType = "relay.failed"
)

type Event struct {
	ID           string    `json:"id"`
	Type         EventType `json:"type"`
	RelayID      string    `json:"relay_id"`
	SessionID    string    `json:"session_id"`
	Generator    string    `json:"generator,omitempty"`
	Fragments    int       `json:"fragments"`
	ReplyBytes   int       `json:"reply_bytes"`
	HistoryLen   int       `json:"history_len"`
	PromptTokens int       `json:"prompt_tokens,omitempty"`
	DurationMs   int64     `json:"duration_ms,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	At           time.Time `json:"at"`
}

func Decode(payload []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return Event{}, errors.Wrap(err, "decode lifecycle event")
	}
	if ev.Type == "" {
		return Event{}, errors.New("lifecycle event without type")
	}
	return ev, nil
}

// Publisher serializes events onto a Watermill topic.
type Publisher struct {
	pub   message.Publisher
	topic string
}

func NewPublisher(pub message.Publisher, topic string) *Publisher {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Publisher{pub: pub, topic: topic}
}

func (p *Publisher) Topic() string { return p.topic }

func (p *Publisher) Publish(ctx context.Context, ev Event) error {
	if p == nil || p.pub == nil {
		return nil
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "encode lifecycle event")
	}
	msg := message.NewMessage(ev.ID, payload)
	msg.SetContext(ctx)
	msg.Metadata.Set("event_type", string(ev.Type))
	msg.Metadata.Set("session_id", ev.SessionID)
	if err := p.pub.Publish(p.topic, msg); err != nil {
		return errors.Wrapf(err, "publish %s", ev.Type)
	}
	return nil
}
