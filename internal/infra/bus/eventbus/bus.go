// Package eventbus provides the durable publish/subscribe bus used to
// propagate queue state between the owner and relay processes.
package eventbus

import (
	"context"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/coachpo/waitroom/errs"
)

// Topic names.
const (
	TopicSummary    = "queue.summary"
	TopicFullSync   = "queue.fullsync"
	TopicProcessing = "queue.processing"
	TopicPromotion  = "queue.promotion"
	TopicCommands   = "queue.commands"
)

// Topics lists every topic the waiting room declares.
func Topics() []string {
	return []string{TopicSummary, TopicFullSync, TopicProcessing, TopicPromotion, TopicCommands}
}

// Message is a persisted bus message.
type Message struct {
	ID          uuid.UUID       `json:"id"`
	Topic       string          `json:"topic"`
	Action      string          `json:"action,omitempty"`
	Epoch       int64           `json:"epoch"`
	Seq         uint64          `json:"seq"`
	Payload     json.RawMessage `json:"payload"`
	PublishedAt time.Time       `json:"publishedAt"`
	Offset      int64           `json:"offset"`
}

// NewMessage encodes payload into a message for topic.
func NewMessage(topic, action string, payload any) (Message, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return Message{}, errs.New("eventbus/message", errs.CodeInvalid, errs.WithMessage("topic required"))
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, errs.New("eventbus/message", errs.CodeInvalid, errs.WithMessage("encode payload"), errs.WithCause(err))
	}
	return Message{
		ID:          uuid.New(),
		Topic:       topic,
		Action:      strings.TrimSpace(action),
		Epoch:       0,
		Seq:         0,
		Payload:     data,
		PublishedAt: time.Time{},
		Offset:      0,
	}, nil
}

// Decode unmarshals the payload into v. Failures are reported as malformed messages.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return errs.Malformed("eventbus/decode", "empty payload on "+m.Topic, nil)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return errs.Malformed("eventbus/decode", "decode payload on "+m.Topic, err)
	}
	return nil
}

// StartPosition selects where a new consumer group begins reading.
type StartPosition int

const (
	// StartLatest delivers only messages published after the group is created.
	StartLatest StartPosition = iota
	// StartLast delivers the most recent retained message, then everything after it.
	StartLast
	// StartEarliest delivers every retained message.
	StartEarliest
)

// ConsumeOptions configures a consumer.
type ConsumeOptions struct {
	Start StartPosition
}

// Broker is a connection to a durable message log.
type Broker interface {
	DeclareTopic(ctx context.Context, topic string) error
	Publish(ctx context.Context, msg Message) (Message, error)
	// Consume delivers messages of topic for group one at a time; the next
	// message is delivered only after the current one is settled. The channel
	// closes when ctx ends or the broker fails.
	Consume(ctx context.Context, topic, group string, opts ConsumeOptions) (<-chan *Delivery, error)
	Last(ctx context.Context, topic string) (Message, bool, error)
	Close() error
}

// Pinger is implemented by brokers that can report connection health.
type Pinger interface {
	Ping(ctx context.Context) error
}

type settlement int

const (
	settleAck settlement = iota
	settleRequeue
	settleReject
)

// Delivery is a message awaiting manual acknowledgment.
type Delivery struct {
	Message     Message
	Redelivered bool

	once   sync.Once
	result chan settlement
}

func newDelivery(msg Message, redelivered bool) *Delivery {
	return &Delivery{
		Message:     msg,
		Redelivered: redelivered,
		once:        sync.Once{},
		result:      make(chan settlement, 1),
	}
}

// Ack commits the message for the consumer group.
func (d *Delivery) Ack() error {
	return d.settle(settleAck)
}

// Nack rejects the message. With requeue it is redelivered; otherwise it is
// dead-lettered and the group moves on.
func (d *Delivery) Nack(requeue bool) error {
	if requeue {
		return d.settle(settleRequeue)
	}
	return d.settle(settleReject)
}

func (d *Delivery) settle(s settlement) error {
	settled := false
	d.once.Do(func() {
		d.result <- s
		settled = true
	})
	if !settled {
		return errs.New("eventbus/delivery", errs.CodeInvalid, errs.WithMessage("delivery already settled"))
	}
	return nil
}
