package eventbus

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coachpo/waitroom/errs"
	"github.com/coachpo/waitroom/internal/domain/busstore"
)

// MemoryLog is an in-process busstore.Store. It backs the single-process
// deployment and tests; messages do not survive a restart.
type MemoryLog struct {
	mu          sync.Mutex
	nextOffset  int64
	nextDeadID  int64
	topics      map[string][]busstore.Record
	groups      map[string]int64
	deadLetters []busstore.DeadLetter
	listeners   map[int]func(string)
	nextListen  int
	now         func() time.Time
}

// NewMemoryLog constructs an empty in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		mu:          sync.Mutex{},
		nextOffset:  0,
		nextDeadID:  0,
		topics:      make(map[string][]busstore.Record),
		groups:      make(map[string]int64),
		deadLetters: nil,
		listeners:   make(map[int]func(string)),
		nextListen:  0,
		now:         time.Now,
	}
}

// NewMemoryBroker constructs a broker over a fresh in-memory log.
func NewMemoryBroker(cfg BrokerConfig, opts ...BrokerOption) *LogBroker {
	return NewLogBroker(NewMemoryLog(), cfg, opts...)
}

func groupKey(topic, group string) string {
	return topic + "\x00" + group
}

// DeclareTopic registers topic.
func (l *MemoryLog) DeclareTopic(_ context.Context, topic string) error {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return errs.New("eventbus/memory", errs.CodeInvalid, errs.WithMessage("topic required"))
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.topics[topic]; !ok {
		l.topics[topic] = nil
	}
	return nil
}

// Topics lists declared topics.
func (l *MemoryLog) Topics(context.Context) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.topics))
	for topic := range l.topics {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out, nil
}

// Append stores rec and notifies listeners.
func (l *MemoryLog) Append(_ context.Context, rec busstore.Record) (busstore.Record, error) {
	l.mu.Lock()
	records, ok := l.topics[rec.Topic]
	if !ok {
		l.mu.Unlock()
		return busstore.Record{}, errs.New("eventbus/memory", errs.CodeNotFound, errs.WithMessage("topic not declared: "+rec.Topic))
	}
	l.nextOffset++
	rec.Offset = l.nextOffset
	if rec.PublishedAt.IsZero() {
		rec.PublishedAt = l.now()
	}
	rec.Payload = append([]byte(nil), rec.Payload...)
	l.topics[rec.Topic] = append(records, rec)
	listeners := make([]func(string), 0, len(l.listeners))
	for _, fn := range l.listeners {
		listeners = append(listeners, fn)
	}
	l.mu.Unlock()

	for _, fn := range listeners {
		fn(rec.Topic)
	}
	return rec, nil
}

// Next returns the first record of topic with an offset greater than after.
func (l *MemoryLog) Next(_ context.Context, topic string, after int64) (busstore.Record, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	records := l.topics[topic]
	idx := sort.Search(len(records), func(i int) bool { return records[i].Offset > after })
	if idx >= len(records) {
		return busstore.Record{}, false, nil
	}
	return records[idx], true, nil
}

// Last returns the newest record of topic.
func (l *MemoryLog) Last(_ context.Context, topic string) (busstore.Record, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	records := l.topics[topic]
	if len(records) == 0 {
		return busstore.Record{}, false, nil
	}
	return records[len(records)-1], true, nil
}

// LatestOffset returns the offset of the newest record of topic, or zero.
func (l *MemoryLog) LatestOffset(_ context.Context, topic string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	records := l.topics[topic]
	if len(records) == 0 {
		return 0, nil
	}
	return records[len(records)-1].Offset, nil
}

// EnsureGroup creates the group at start if absent.
func (l *MemoryLog) EnsureGroup(_ context.Context, topic, group string, start int64) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := groupKey(topic, group)
	if committed, ok := l.groups[key]; ok {
		return committed, nil
	}
	l.groups[key] = start
	return start, nil
}

// Commit advances the group offset. Offsets never move backwards.
func (l *MemoryLog) Commit(_ context.Context, topic, group string, offset int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := groupKey(topic, group)
	if offset > l.groups[key] {
		l.groups[key] = offset
	}
	return nil
}

// DeadLetter records a rejected message.
func (l *MemoryLog) DeadLetter(_ context.Context, group string, rec busstore.Record, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextDeadID++
	l.deadLetters = append(l.deadLetters, busstore.DeadLetter{
		ID:            l.nextDeadID,
		Topic:         rec.Topic,
		ConsumerGroup: group,
		Offset:        rec.Offset,
		MessageID:     rec.MessageID,
		Payload:       append([]byte(nil), rec.Payload...),
		Reason:        reason,
		CreatedAt:     l.now(),
	})
	return nil
}

// ListDeadLetters returns up to limit dead letters of topic, oldest first.
func (l *MemoryLog) ListDeadLetters(_ context.Context, topic string, limit int) ([]busstore.DeadLetter, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []busstore.DeadLetter
	for _, dl := range l.deadLetters {
		if topic != "" && dl.Topic != topic {
			continue
		}
		out = append(out, dl)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Trim keeps only the newest keep records of topic.
func (l *MemoryLog) Trim(_ context.Context, topic string, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	records := l.topics[topic]
	if len(records) <= keep {
		return 0, nil
	}
	drop := len(records) - keep
	kept := make([]busstore.Record, keep)
	copy(kept, records[drop:])
	l.topics[topic] = kept
	return int64(drop), nil
}

// Listen registers fn for append notifications until ctx ends.
func (l *MemoryLog) Listen(ctx context.Context, fn func(string)) error {
	l.mu.Lock()
	l.nextListen++
	id := l.nextListen
	l.listeners[id] = fn
	l.mu.Unlock()

	<-ctx.Done()

	l.mu.Lock()
	delete(l.listeners, id)
	l.mu.Unlock()
	return nil
}

// Ping always succeeds.
func (l *MemoryLog) Ping(context.Context) error { return nil }

var _ busstore.Store = (*MemoryLog)(nil)
