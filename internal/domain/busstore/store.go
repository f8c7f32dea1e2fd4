// Package busstore defines persistence contracts for the durable message log
// backing the event bus.
package busstore

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Record captures a persisted bus message. Offset is assigned by the store
// and increases monotonically per store.
type Record struct {
	Offset      int64
	Topic       string
	MessageID   uuid.UUID
	Action      string
	Epoch       int64
	Seq         uint64
	Payload     json.RawMessage
	PublishedAt time.Time
}

// DeadLetter captures a message rejected without requeue.
type DeadLetter struct {
	ID            int64
	Topic         string
	ConsumerGroup string
	Offset        int64
	MessageID     uuid.UUID
	Payload       json.RawMessage
	Reason        string
	CreatedAt     time.Time
}

// Store abstracts the append-only message log and consumer group offsets.
type Store interface {
	DeclareTopic(ctx context.Context, topic string) error
	Topics(ctx context.Context) ([]string, error)
	Append(ctx context.Context, rec Record) (Record, error)
	Next(ctx context.Context, topic string, after int64) (Record, bool, error)
	Last(ctx context.Context, topic string) (Record, bool, error)
	LatestOffset(ctx context.Context, topic string) (int64, error)
	// EnsureGroup creates the group at start when absent and returns its committed offset.
	EnsureGroup(ctx context.Context, topic, group string, start int64) (int64, error)
	Commit(ctx context.Context, topic, group string, offset int64) error
	DeadLetter(ctx context.Context, group string, rec Record, reason string) error
	ListDeadLetters(ctx context.Context, topic string, limit int) ([]DeadLetter, error)
	// Trim removes all but the newest keep messages of topic.
	Trim(ctx context.Context, topic string, keep int) (int64, error)
	// Listen blocks, invoking fn with the topic of every append, until ctx ends or the listener fails.
	Listen(ctx context.Context, fn func(topic string)) error
	Ping(ctx context.Context) error
}
