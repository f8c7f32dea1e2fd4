package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/waitroom/internal/domain/busstore"
)

// NotifyChannel is the LISTEN/NOTIFY channel announcing appends; the payload is the topic.
const NotifyChannel = "waitroom_bus"

const (
	defaultDeadLetterLimit = 100
	maxDeadLetterLimit     = 1000
)

// BusStore persists the event bus message log and consumer offsets.
type BusStore struct {
	pool *pgxpool.Pool
}

// NewBusStore constructs a BusStore backed by the provided pool.
func NewBusStore(pool *pgxpool.Pool) *BusStore {
	return &BusStore{pool: pool}
}

const (
	busDeclareTopicSQL = `
INSERT INTO bus_topics (name)
VALUES ($1)
ON CONFLICT (name) DO NOTHING;
`

	busListTopicsSQL = `
SELECT name
FROM bus_topics
ORDER BY name ASC;
`

	busAppendSQL = `
INSERT INTO bus_messages (
    topic,
    message_id,
    action,
    epoch,
    seq,
    payload,
    published_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING
    offset_id,
    topic,
    message_id,
    action,
    epoch,
    seq,
    payload,
    published_at;
`

	busNotifySQL = `
SELECT pg_notify($1, $2);
`

	busNextSQL = `
SELECT
    offset_id,
    topic,
    message_id,
    action,
    epoch,
    seq,
    payload,
    published_at
FROM bus_messages
WHERE topic = $1
  AND offset_id > $2
ORDER BY offset_id ASC
LIMIT 1;
`

	busLastSQL = `
SELECT
    offset_id,
    topic,
    message_id,
    action,
    epoch,
    seq,
    payload,
    published_at
FROM bus_messages
WHERE topic = $1
ORDER BY offset_id DESC
LIMIT 1;
`

	busLatestOffsetSQL = `
SELECT COALESCE(MAX(offset_id), 0)
FROM bus_messages
WHERE topic = $1;
`

	busEnsureGroupSQL = `
INSERT INTO bus_consumer_offsets (topic, consumer_group, committed_offset)
VALUES ($1, $2, $3)
ON CONFLICT (topic, consumer_group) DO UPDATE
SET updated_at = bus_consumer_offsets.updated_at
RETURNING committed_offset;
`

	busCommitSQL = `
UPDATE bus_consumer_offsets
SET committed_offset = GREATEST(committed_offset, $3),
    updated_at = NOW()
WHERE topic = $1
  AND consumer_group = $2;
`

	busDeadLetterSQL = `
INSERT INTO bus_dead_letters (
    topic,
    consumer_group,
    offset_id,
    message_id,
    payload,
    reason
)
VALUES ($1, $2, $3, $4, $5, $6);
`

	busListDeadLettersSQL = `
SELECT
    id,
    topic,
    consumer_group,
    offset_id,
    message_id,
    payload,
    reason,
    created_at
FROM bus_dead_letters
WHERE ($1 = '' OR topic = $1)
ORDER BY id ASC
LIMIT $2;
`

	busTrimSQL = `
DELETE FROM bus_messages
WHERE topic = $1
  AND offset_id <= (
    SELECT offset_id
    FROM bus_messages
    WHERE topic = $1
    ORDER BY offset_id DESC
    OFFSET $2
    LIMIT 1
  );
`
)

// DeclareTopic registers topic if it does not exist.
func (s *BusStore) DeclareTopic(ctx context.Context, topic string) error {
	if s.pool == nil {
		return fmt.Errorf("bus store: nil pool")
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return fmt.Errorf("bus store: topic required")
	}
	if _, err := s.pool.Exec(ctx, busDeclareTopicSQL, topic); err != nil {
		return fmt.Errorf("bus store: declare topic: %w", err)
	}
	return nil
}

// Topics lists declared topics.
func (s *BusStore) Topics(ctx context.Context) ([]string, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("bus store: nil pool")
	}
	rows, err := s.pool.Query(ctx, busListTopicsSQL)
	if err != nil {
		return nil, fmt.Errorf("bus store: list topics: %w", err)
	}
	topics, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("bus store: iterate topics: %w", err)
	}
	return topics, nil
}

// Append inserts rec and notifies listeners in the same transaction.
func (s *BusStore) Append(ctx context.Context, rec busstore.Record) (busstore.Record, error) {
	if s.pool == nil {
		return busstore.Record{}, fmt.Errorf("bus store: nil pool")
	}
	topic := strings.TrimSpace(rec.Topic)
	if topic == "" {
		return busstore.Record{}, fmt.Errorf("bus store: topic required")
	}
	if rec.MessageID == uuid.Nil {
		rec.MessageID = uuid.New()
	}
	publishedAt := rec.PublishedAt
	if publishedAt.IsZero() {
		publishedAt = time.Now().UTC()
	}
	payload := []byte(rec.Payload)
	if payload == nil {
		payload = []byte{}
	}

	var stored busstore.Record
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, busAppendSQL,
			topic,
			pgUUID(rec.MessageID),
			rec.Action,
			rec.Epoch,
			int64(rec.Seq),
			payload,
			publishedAt,
		)
		record, err := scanBusRecord(row)
		if err != nil {
			return err
		}
		stored = record
		if _, err := tx.Exec(ctx, busNotifySQL, NotifyChannel, topic); err != nil {
			return fmt.Errorf("bus store: notify: %w", err)
		}
		return nil
	})
	if err != nil {
		return busstore.Record{}, fmt.Errorf("bus store: append: %w", err)
	}
	return stored, nil
}

// Next returns the first record of topic after the given offset.
func (s *BusStore) Next(ctx context.Context, topic string, after int64) (busstore.Record, bool, error) {
	return s.queryOne(ctx, "next", busNextSQL, topic, after)
}

// Last returns the newest record of topic.
func (s *BusStore) Last(ctx context.Context, topic string) (busstore.Record, bool, error) {
	return s.queryOne(ctx, "last", busLastSQL, topic)
}

func (s *BusStore) queryOne(ctx context.Context, op, query string, args ...any) (busstore.Record, bool, error) {
	if s.pool == nil {
		return busstore.Record{}, false, fmt.Errorf("bus store: nil pool")
	}
	record, err := scanBusRecord(s.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return busstore.Record{}, false, nil
		}
		return busstore.Record{}, false, fmt.Errorf("bus store: %s: %w", op, err)
	}
	return record, true, nil
}

// LatestOffset returns the newest offset of topic, or zero.
func (s *BusStore) LatestOffset(ctx context.Context, topic string) (int64, error) {
	if s.pool == nil {
		return 0, fmt.Errorf("bus store: nil pool")
	}
	var offset int64
	if err := s.pool.QueryRow(ctx, busLatestOffsetSQL, topic).Scan(&offset); err != nil {
		return 0, fmt.Errorf("bus store: latest offset: %w", err)
	}
	return offset, nil
}

// EnsureGroup creates the consumer group at start when absent and returns
// its committed offset.
func (s *BusStore) EnsureGroup(ctx context.Context, topic, group string, start int64) (int64, error) {
	if s.pool == nil {
		return 0, fmt.Errorf("bus store: nil pool")
	}
	var committed int64
	if err := s.pool.QueryRow(ctx, busEnsureGroupSQL, topic, group, start).Scan(&committed); err != nil {
		return 0, fmt.Errorf("bus store: ensure group: %w", err)
	}
	return committed, nil
}

// Commit advances the group offset; it never moves backwards.
func (s *BusStore) Commit(ctx context.Context, topic, group string, offset int64) error {
	if s.pool == nil {
		return fmt.Errorf("bus store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, busCommitSQL, topic, group, offset)
	if err != nil {
		return fmt.Errorf("bus store: commit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("bus store: commit: unknown group %s/%s", topic, group)
	}
	return nil
}

// DeadLetter records a message rejected by group.
func (s *BusStore) DeadLetter(ctx context.Context, group string, rec busstore.Record, reason string) error {
	if s.pool == nil {
		return fmt.Errorf("bus store: nil pool")
	}
	payload := []byte(rec.Payload)
	if payload == nil {
		payload = []byte{}
	}
	if _, err := s.pool.Exec(ctx, busDeadLetterSQL,
		rec.Topic,
		group,
		rec.Offset,
		pgUUID(rec.MessageID),
		payload,
		strings.TrimSpace(reason),
	); err != nil {
		return fmt.Errorf("bus store: dead letter: %w", err)
	}
	return nil
}

// ListDeadLetters returns dead letters of topic (all topics when empty), oldest first.
func (s *BusStore) ListDeadLetters(ctx context.Context, topic string, limit int) ([]busstore.DeadLetter, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("bus store: nil pool")
	}
	if limit <= 0 {
		limit = defaultDeadLetterLimit
	} else if limit > maxDeadLetterLimit {
		limit = maxDeadLetterLimit
	}
	rows, err := s.pool.Query(ctx, busListDeadLettersSQL, strings.TrimSpace(topic), limit)
	if err != nil {
		return nil, fmt.Errorf("bus store: list dead letters: %w", err)
	}
	defer rows.Close()

	var letters []busstore.DeadLetter
	for rows.Next() {
		letter, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		letters = append(letters, letter)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("bus store: iterate dead letters: %w", err)
	}
	return letters, nil
}

// Trim deletes all but the newest keep messages of topic.
func (s *BusStore) Trim(ctx context.Context, topic string, keep int) (int64, error) {
	if s.pool == nil {
		return 0, fmt.Errorf("bus store: nil pool")
	}
	if keep <= 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, busTrimSQL, topic, keep)
	if err != nil {
		return 0, fmt.Errorf("bus store: trim: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Listen holds a dedicated connection subscribed to NotifyChannel and calls
// fn with the topic of every append until ctx ends.
func (s *BusStore) Listen(ctx context.Context, fn func(topic string)) error {
	if s.pool == nil {
		return fmt.Errorf("bus store: nil pool")
	}
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("bus store: acquire listener: %w", err)
	}
	defer func() {
		// A connection interrupted mid-wait is not reusable.
		if ctx.Err() != nil {
			_ = conn.Conn().Close(context.Background())
		} else {
			_, _ = conn.Exec(context.Background(), "UNLISTEN *")
		}
		conn.Release()
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{NotifyChannel}.Sanitize()); err != nil {
		return fmt.Errorf("bus store: listen: %w", err)
	}
	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("bus store: wait for notification: %w", err)
		}
		fn(notification.Payload)
	}
}

// Ping checks database connectivity.
func (s *BusStore) Ping(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("bus store: nil pool")
	}
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("bus store: ping: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBusRecord(row rowScanner) (busstore.Record, error) {
	var (
		record    busstore.Record
		messageID pgtype.UUID
		seq       int64
		payload   []byte
	)
	if err := row.Scan(
		&record.Offset,
		&record.Topic,
		&messageID,
		&record.Action,
		&record.Epoch,
		&seq,
		&payload,
		&record.PublishedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return busstore.Record{}, err
		}
		return busstore.Record{}, fmt.Errorf("bus store: scan record: %w", err)
	}
	if messageID.Valid {
		record.MessageID = uuid.UUID(messageID.Bytes)
	}
	record.Seq = uint64(seq)
	record.Payload = payload
	return record, nil
}

func scanDeadLetter(row rowScanner) (busstore.DeadLetter, error) {
	var (
		letter    busstore.DeadLetter
		messageID pgtype.UUID
		payload   []byte
	)
	if err := row.Scan(
		&letter.ID,
		&letter.Topic,
		&letter.ConsumerGroup,
		&letter.Offset,
		&messageID,
		&payload,
		&letter.Reason,
		&letter.CreatedAt,
	); err != nil {
		return busstore.DeadLetter{}, fmt.Errorf("bus store: scan dead letter: %w", err)
	}
	if messageID.Valid {
		letter.MessageID = uuid.UUID(messageID.Bytes)
	}
	letter.Payload = payload
	return letter, nil
}

func pgUUID(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: [16]byte(id), Valid: id != uuid.Nil}
}

var _ busstore.Store = (*BusStore)(nil)
