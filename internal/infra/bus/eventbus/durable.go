package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/waitroom/errs"
	"github.com/coachpo/waitroom/internal/domain/busstore"
	"github.com/coachpo/waitroom/internal/infra/telemetry"
)

const (
	defaultPollInterval    = time.Second
	defaultRedeliveryDelay = 200 * time.Millisecond
	defaultTrimInterval    = time.Minute
)

// BrokerConfig tunes consumer polling and log retention.
type BrokerConfig struct {
	// PollInterval bounds how long a consumer waits for a missed append notification.
	PollInterval time.Duration
	// RedeliveryDelay spaces redeliveries of a requeued message.
	RedeliveryDelay time.Duration
	// Retention is the number of messages kept per topic; zero keeps everything.
	Retention int
	// TrimInterval sets the retention sweep cadence.
	TrimInterval time.Duration
}

func (c BrokerConfig) normalize() BrokerConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.RedeliveryDelay <= 0 {
		c.RedeliveryDelay = defaultRedeliveryDelay
	}
	if c.Retention < 0 {
		c.Retention = 0
	}
	if c.TrimInterval <= 0 {
		c.TrimInterval = defaultTrimInterval
	}
	return c
}

// BrokerOption configures a LogBroker.
type BrokerOption func(*LogBroker)

// WithBrokerLogger overrides the default logger used by the broker.
func WithBrokerLogger(logger *log.Logger) BrokerOption {
	return func(b *LogBroker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithCloser registers a function run when the broker closes, such as releasing a connection pool.
func WithCloser(fn func()) BrokerOption {
	return func(b *LogBroker) {
		if fn != nil {
			b.closers = append(b.closers, fn)
		}
	}
}

// LogBroker implements Broker over a busstore.Store. Each consumer group
// reads its topic strictly in offset order with one message in flight.
type LogBroker struct {
	store  busstore.Store
	cfg    BrokerConfig
	logger *log.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	workers conc.WaitGroup
	closers []func()

	mu        sync.Mutex
	declared  map[string]struct{}
	wakeups   map[string]map[chan struct{}]struct{}
	closeOnce sync.Once

	publishedCounter metric.Int64Counter
	settledCounter   metric.Int64Counter
	storeErrCounter  metric.Int64Counter
}

// NewLogBroker starts a broker over store. The broker owns its background
// listener and retention workers until Close.
func NewLogBroker(store busstore.Store, cfg BrokerConfig, opts ...BrokerOption) *LogBroker {
	ctx, cancel := context.WithCancel(context.Background())
	b := &LogBroker{
		store:     store,
		cfg:       cfg.normalize(),
		logger:    log.New(os.Stdout, "eventbus/broker ", log.LstdFlags|log.Lmicroseconds),
		ctx:       ctx,
		cancel:    cancel,
		workers:   conc.WaitGroup{},
		closers:   nil,
		mu:        sync.Mutex{},
		declared:  make(map[string]struct{}),
		wakeups:   make(map[string]map[chan struct{}]struct{}),
		closeOnce: sync.Once{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}

	meter := otel.Meter("eventbus")
	b.publishedCounter, _ = meter.Int64Counter("eventbus.messages.published",
		metric.WithDescription("Number of messages appended to the bus log"),
		metric.WithUnit("{message}"))
	b.settledCounter, _ = meter.Int64Counter("eventbus.messages.settled",
		metric.WithDescription("Number of deliveries settled by consumers"),
		metric.WithUnit("{message}"))
	b.storeErrCounter, _ = meter.Int64Counter("eventbus.store.errors",
		metric.WithDescription("Number of failed bus log operations"),
		metric.WithUnit("{error}"))

	b.workers.Go(b.listenLoop)
	if b.cfg.Retention > 0 {
		b.workers.Go(b.trimLoop)
	}
	return b
}

// DeclareTopic creates topic in the underlying log.
func (b *LogBroker) DeclareTopic(ctx context.Context, topic string) error {
	if err := b.ctx.Err(); err != nil {
		return errClosed()
	}
	topic = strings.TrimSpace(topic)
	if err := b.store.DeclareTopic(ctx, topic); err != nil {
		b.recordStoreError(ctx, "declare")
		return fmt.Errorf("declare topic %s: %w", topic, err)
	}
	b.mu.Lock()
	b.declared[topic] = struct{}{}
	b.mu.Unlock()
	return nil
}

// Publish appends msg to its topic and returns it with the assigned offset.
func (b *LogBroker) Publish(ctx context.Context, msg Message) (Message, error) {
	if err := b.ctx.Err(); err != nil {
		return Message{}, errClosed()
	}
	if strings.TrimSpace(msg.Topic) == "" {
		return Message{}, errs.New("eventbus/publish", errs.CodeInvalid, errs.WithMessage("topic required"))
	}
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	rec, err := b.store.Append(ctx, busstore.Record{
		Offset:      0,
		Topic:       msg.Topic,
		MessageID:   msg.ID,
		Action:      msg.Action,
		Epoch:       msg.Epoch,
		Seq:         msg.Seq,
		Payload:     msg.Payload,
		PublishedAt: msg.PublishedAt,
	})
	if err != nil {
		b.recordStoreError(ctx, "append")
		return Message{}, fmt.Errorf("publish %s: %w", msg.Topic, err)
	}
	if b.publishedCounter != nil {
		b.publishedCounter.Add(ctx, 1, metric.WithAttributes(
			telemetry.AttrEnvironment.String(telemetry.Environment()),
			telemetry.AttrTopic.String(msg.Topic)))
	}
	return recordToMessage(rec), nil
}

// Last returns the newest retained message of topic.
func (b *LogBroker) Last(ctx context.Context, topic string) (Message, bool, error) {
	rec, ok, err := b.store.Last(ctx, topic)
	if err != nil {
		b.recordStoreError(ctx, "last")
		return Message{}, false, fmt.Errorf("last %s: %w", topic, err)
	}
	if !ok {
		return Message{}, false, nil
	}
	return recordToMessage(rec), true, nil
}

// DeadLetters lists rejected messages of topic.
func (b *LogBroker) DeadLetters(ctx context.Context, topic string, limit int) ([]busstore.DeadLetter, error) {
	letters, err := b.store.ListDeadLetters(ctx, topic, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	return letters, nil
}

// Ping reports whether the underlying log is reachable.
func (b *LogBroker) Ping(ctx context.Context) error {
	if err := b.ctx.Err(); err != nil {
		return errClosed()
	}
	if err := b.store.Ping(ctx); err != nil {
		return fmt.Errorf("ping bus log: %w", err)
	}
	return nil
}

// Consume starts a consumer for group on topic.
func (b *LogBroker) Consume(ctx context.Context, topic, group string, opts ConsumeOptions) (<-chan *Delivery, error) {
	if err := b.ctx.Err(); err != nil {
		return nil, errClosed()
	}
	topic = strings.TrimSpace(topic)
	group = strings.TrimSpace(group)
	if topic == "" || group == "" {
		return nil, errs.New("eventbus/consume", errs.CodeInvalid, errs.WithMessage("topic and group required"))
	}

	start, err := b.startOffset(ctx, topic, opts.Start)
	if err != nil {
		return nil, err
	}
	committed, err := b.store.EnsureGroup(ctx, topic, group, start)
	if err != nil {
		b.recordStoreError(ctx, "ensure_group")
		return nil, fmt.Errorf("ensure group %s/%s: %w", topic, group, err)
	}

	consumerCtx, cancel := context.WithCancel(ctx)
	wake := b.registerWakeup(topic)
	out := make(chan *Delivery)
	b.workers.Go(func() {
		defer close(out)
		defer cancel()
		defer b.unregisterWakeup(topic, wake)
		// The broker's own shutdown also stops the consumer.
		stop := context.AfterFunc(b.ctx, cancel)
		defer stop()
		if err := b.consumeLoop(consumerCtx, topic, group, committed, wake, out); err != nil {
			b.logger.Printf("consumer %s/%s stopped: %v", topic, group, err)
		}
	})
	return out, nil
}

// Close stops every consumer and background worker.
func (b *LogBroker) Close() error {
	b.closeOnce.Do(func() {
		b.cancel()
		b.workers.Wait()
		for _, fn := range b.closers {
			fn()
		}
	})
	return nil
}

func (b *LogBroker) startOffset(ctx context.Context, topic string, pos StartPosition) (int64, error) {
	switch pos {
	case StartEarliest:
		return 0, nil
	case StartLatest, StartLast:
		latest, err := b.store.LatestOffset(ctx, topic)
		if err != nil {
			b.recordStoreError(ctx, "latest_offset")
			return 0, fmt.Errorf("latest offset %s: %w", topic, err)
		}
		if pos == StartLast && latest > 0 {
			return latest - 1, nil
		}
		return latest, nil
	default:
		return 0, errs.New("eventbus/consume", errs.CodeInvalid, errs.WithMessage(fmt.Sprintf("unknown start position %d", pos)))
	}
}

func (b *LogBroker) consumeLoop(ctx context.Context, topic, group string, cursor int64, wake <-chan struct{}, out chan<- *Delivery) error {
	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if ctx.Err() != nil {
			return nil
		}
		rec, ok, err := b.store.Next(ctx, topic, cursor)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			b.recordStoreError(ctx, "next")
			return fmt.Errorf("read next after %d: %w", cursor, err)
		}
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-wake:
			case <-ticker.C:
			}
			continue
		}

		outcome, err := b.deliver(ctx, out, rec)
		if err != nil || ctx.Err() != nil {
			return err
		}
		switch outcome {
		case settleReject:
			if err := b.store.DeadLetter(ctx, group, rec, "rejected by consumer"); err != nil {
				b.recordStoreError(ctx, "dead_letter")
				return fmt.Errorf("dead letter offset %d: %w", rec.Offset, err)
			}
			b.logger.Printf("dead-lettered %s offset=%d group=%s", topic, rec.Offset, group)
		case settleAck:
		}
		if err := b.store.Commit(ctx, topic, group, rec.Offset); err != nil {
			b.recordStoreError(ctx, "commit")
			return fmt.Errorf("commit offset %d: %w", rec.Offset, err)
		}
		cursor = rec.Offset
	}
}

// deliver hands rec to the consumer until it is acked or rejected; requeued
// deliveries are retried after the redelivery delay.
func (b *LogBroker) deliver(ctx context.Context, out chan<- *Delivery, rec busstore.Record) (settlement, error) {
	redelivered := false
	for {
		d := newDelivery(recordToMessage(rec), redelivered)
		select {
		case <-ctx.Done():
			return settleRequeue, nil
		case out <- d:
		}
		var outcome settlement
		select {
		case <-ctx.Done():
			return settleRequeue, nil
		case outcome = <-d.result:
		}
		b.recordSettlement(ctx, rec.Topic, outcome)
		if outcome != settleRequeue {
			return outcome, nil
		}
		redelivered = true
		timer := time.NewTimer(b.cfg.RedeliveryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return settleRequeue, nil
		case <-timer.C:
		}
	}
}

func (b *LogBroker) listenLoop() {
	for {
		err := b.store.Listen(b.ctx, b.wake)
		if b.ctx.Err() != nil {
			return
		}
		if err != nil {
			b.logger.Printf("append listener failed; consumers fall back to polling: %v", err)
		}
		select {
		case <-b.ctx.Done():
			return
		case <-time.After(b.cfg.PollInterval):
		}
	}
}

func (b *LogBroker) trimLoop() {
	ticker := time.NewTicker(b.cfg.TrimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			b.trimOnce(b.ctx)
		}
	}
}

func (b *LogBroker) trimOnce(ctx context.Context) {
	b.mu.Lock()
	topics := make([]string, 0, len(b.declared))
	for topic := range b.declared {
		topics = append(topics, topic)
	}
	b.mu.Unlock()
	for _, topic := range topics {
		n, err := b.store.Trim(ctx, topic, b.cfg.Retention)
		if err != nil {
			b.recordStoreError(ctx, "trim")
			b.logger.Printf("trim %s failed: %v", topic, err)
			continue
		}
		if n > 0 {
			b.logger.Printf("trimmed %d messages from %s", n, topic)
		}
	}
}

func (b *LogBroker) wake(topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.wakeups[topic] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (b *LogBroker) registerWakeup(topic string) chan struct{} {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	if b.wakeups[topic] == nil {
		b.wakeups[topic] = make(map[chan struct{}]struct{})
	}
	b.wakeups[topic][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *LogBroker) unregisterWakeup(topic string, ch chan struct{}) {
	b.mu.Lock()
	delete(b.wakeups[topic], ch)
	if len(b.wakeups[topic]) == 0 {
		delete(b.wakeups, topic)
	}
	b.mu.Unlock()
}

func (b *LogBroker) recordSettlement(ctx context.Context, topic string, outcome settlement) {
	if b.settledCounter == nil {
		return
	}
	result := "ack"
	switch outcome {
	case settleRequeue:
		result = "requeue"
	case settleReject:
		result = "reject"
	case settleAck:
	}
	b.settledCounter.Add(ctx, 1, metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrTopic.String(topic),
		telemetry.AttrResult.String(result)))
}

func (b *LogBroker) recordStoreError(ctx context.Context, op string) {
	if b.storeErrCounter == nil {
		return
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return
	}
	b.storeErrCounter.Add(context.Background(), 1, metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrOperation.String(op)))
}

func recordToMessage(rec busstore.Record) Message {
	return Message{
		ID:          rec.MessageID,
		Topic:       rec.Topic,
		Action:      rec.Action,
		Epoch:       rec.Epoch,
		Seq:         rec.Seq,
		Payload:     rec.Payload,
		PublishedAt: rec.PublishedAt,
		Offset:      rec.Offset,
	}
}

func errClosed() error {
	return errs.New("eventbus/broker", errs.CodeBusUnavailable, errs.WithMessage("broker closed"))
}

var (
	_ Broker = (*LogBroker)(nil)
	_ Pinger = (*LogBroker)(nil)
)
