// Package propagation moves queue state between the owner process and relays
// over the event bus: the owner publishes snapshots, summaries, promotions and
// admissions; relays rebuild a read-only replica and forward commands back.
package propagation

import (
	"context"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/waitroom/errs"
	"github.com/coachpo/waitroom/internal/domain/queue"
	"github.com/coachpo/waitroom/internal/infra/bus/eventbus"
	"github.com/coachpo/waitroom/internal/infra/telemetry"
)

const (
	defaultBufferSize     = 256
	defaultPublishTimeout = 5 * time.Second
	defaultMaxTries       = 5
	defaultRetryInitial   = 50 * time.Millisecond
	defaultRetryMax       = 2 * time.Second
)

// Publisher is the bus surface the propagator needs. *eventbus.Client satisfies it.
type Publisher interface {
	Publish(ctx context.Context, msg eventbus.Message) (eventbus.Message, error)
	Connected() bool
}

// connectNotifier is implemented by publishers that can report reconnects.
type connectNotifier interface {
	OnConnect(fn func())
}

// Listener receives local change notifications on the owner.
type Listener interface {
	SummaryChanged(queue.Summary)
	Promoted(queue.Promotion)
}

// AdmissionListener is optionally implemented by listeners that track admissions.
type AdmissionListener interface {
	Admitted(queue.Admission)
}

// Option configures a Propagator.
type Option func(*Propagator)

// WithLogger overrides the default logger.
func WithLogger(logger *log.Logger) Option {
	return func(p *Propagator) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithListener adds a local listener.
func WithListener(l Listener) Option {
	return func(p *Propagator) {
		if l != nil {
			p.listeners = append(p.listeners, l)
		}
	}
}

// WithBufferSize bounds the pending publish and local notification buffers.
func WithBufferSize(n int) Option {
	return func(p *Propagator) {
		if n > 0 {
			p.bufferSize = n
		}
	}
}

// WithRetry bounds publish retries.
func WithRetry(maxTries uint, initial, maxInterval time.Duration) Option {
	return func(p *Propagator) {
		if maxTries > 0 {
			p.maxTries = maxTries
		}
		if initial > 0 {
			p.retryInitial = initial
		}
		if maxInterval > 0 {
			p.retryMax = maxInterval
		}
	}
}

// WithPublishTimeout bounds a single publish attempt.
func WithPublishTimeout(d time.Duration) Option {
	return func(p *Propagator) {
		if d > 0 {
			p.publishTimeout = d
		}
	}
}

// Propagator implements queue.Observer and the admission notifier on the
// owner. Store callbacks only enqueue; bus I/O and listener fanout happen on
// the propagator's own goroutines, in change order.
type Propagator struct {
	pub       Publisher
	logger    *log.Logger
	listeners []Listener

	bufferSize     int
	maxTries       uint
	retryInitial   time.Duration
	retryMax       time.Duration
	publishTimeout time.Duration

	bus   *outbox
	local *outbox

	latestMu  sync.Mutex
	latest    queue.State
	hasLatest bool

	degraded atomic.Bool
	started  atomic.Bool

	ctx       context.Context
	cancel    context.CancelFunc
	workers   conc.WaitGroup
	closeOnce sync.Once

	publishedCounter metric.Int64Counter
	skippedCounter   metric.Int64Counter
	failedCounter    metric.Int64Counter
	droppedCounter   metric.Int64Counter
	publishDuration  metric.Float64Histogram
}

// NewPropagator constructs a propagator publishing through pub. A nil pub
// runs the propagator in local-only mode.
func NewPropagator(pub Publisher, opts ...Option) *Propagator {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Propagator{
		pub:            pub,
		logger:         log.New(os.Stdout, "propagation ", log.LstdFlags|log.Lmicroseconds),
		listeners:      nil,
		bufferSize:     defaultBufferSize,
		maxTries:       defaultMaxTries,
		retryInitial:   defaultRetryInitial,
		retryMax:       defaultRetryMax,
		publishTimeout: defaultPublishTimeout,
		latestMu:       sync.Mutex{},
		latest:         queue.State{},
		hasLatest:      false,
		ctx:            ctx,
		cancel:         cancel,
		workers:        conc.WaitGroup{},
		closeOnce:      sync.Once{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	p.bus = newOutbox(p.bufferSize)
	p.local = newOutbox(p.bufferSize)
	if notifier, ok := pub.(connectNotifier); ok {
		notifier.OnConnect(p.Resync)
	}

	meter := otel.Meter("propagation")
	p.publishedCounter, _ = meter.Int64Counter("propagation.messages.published",
		metric.WithDescription("Number of queue messages published to the bus"),
		metric.WithUnit("{message}"))
	p.skippedCounter, _ = meter.Int64Counter("propagation.messages.skipped",
		metric.WithDescription("Number of queue messages skipped while the bus is unavailable"),
		metric.WithUnit("{message}"))
	p.failedCounter, _ = meter.Int64Counter("propagation.messages.failed",
		metric.WithDescription("Number of queue messages dropped after exhausting retries"),
		metric.WithUnit("{message}"))
	p.droppedCounter, _ = meter.Int64Counter("propagation.jobs.coalesced",
		metric.WithDescription("Number of pending jobs discarded because the buffer was full"),
		metric.WithUnit("{job}"))
	p.publishDuration, _ = meter.Float64Histogram("eventbus.publish.duration",
		metric.WithDescription("Publish latency including retries"),
		metric.WithUnit("ms"))
	return p
}

// AddListener registers a local listener. Listeners added after Start are ignored.
func (p *Propagator) AddListener(l Listener) {
	if l == nil || p.started.Load() {
		return
	}
	p.listeners = append(p.listeners, l)
}

// Start launches the publish and local notification loops.
func (p *Propagator) Start() {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	p.workers.Go(p.localLoop)
	if p.pub != nil {
		p.workers.Go(p.busLoop)
	}
}

// Close stops the loops; pending jobs are discarded.
func (p *Propagator) Close() {
	p.closeOnce.Do(func() {
		p.cancel()
		p.workers.Wait()
	})
}

// StoreChanged implements queue.Observer. It never blocks.
func (p *Propagator) StoreChanged(state queue.State) {
	p.latestMu.Lock()
	if !p.hasLatest || !state.Version.Before(p.latest.Version) {
		p.latest = state
		p.hasLatest = true
	}
	p.latestMu.Unlock()
	p.enqueue(job{kind: jobState, state: state})
}

// Resync queues the newest known state for publication. Changes made while the
// bus was down were skipped, so it runs on every reconnect.
func (p *Propagator) Resync() {
	if p.pub == nil {
		return
	}
	p.latestMu.Lock()
	state, ok := p.latest, p.hasLatest
	p.latestMu.Unlock()
	if !ok {
		return
	}
	if p.bus.push(job{kind: jobState, state: state}) {
		p.recordDropped("bus")
	}
}

// Promoted implements the admission notifier.
func (p *Propagator) Promoted(_ context.Context, promotion queue.Promotion) {
	p.enqueue(job{kind: jobPromotion, promotion: promotion})
}

// Admitted implements the admission notifier.
func (p *Propagator) Admitted(_ context.Context, admission queue.Admission) {
	p.enqueue(job{kind: jobAdmission, admission: admission})
}

// Degraded reports whether the last publish attempt found the bus unavailable.
func (p *Propagator) Degraded() bool {
	return p.degraded.Load()
}

// Pending returns the number of jobs waiting to be published.
func (p *Propagator) Pending() int {
	return p.bus.len()
}

func (p *Propagator) enqueue(j job) {
	if p.local.push(j) {
		p.recordDropped("local")
	}
	if p.pub != nil && p.bus.push(j) {
		p.recordDropped("bus")
	}
}

func (p *Propagator) localLoop() {
	for {
		j, ok := p.local.pop(p.ctx)
		if !ok {
			return
		}
		for _, l := range p.listeners {
			switch j.kind {
			case jobState:
				l.SummaryChanged(j.state.Summary())
			case jobPromotion:
				l.Promoted(j.promotion)
			case jobAdmission:
				if al, ok := l.(AdmissionListener); ok {
					al.Admitted(j.admission)
				}
			}
		}
	}
}

func (p *Propagator) busLoop() {
	for {
		j, ok := p.bus.pop(p.ctx)
		if !ok {
			return
		}
		for _, msg := range p.messagesFor(j) {
			p.publish(msg)
		}
	}
}

func (p *Propagator) messagesFor(j job) []eventbus.Message {
	var out []eventbus.Message
	add := func(topic string, version queue.Version, payload any) {
		msg, err := eventbus.NewMessage(topic, "", payload)
		if err != nil {
			p.logger.Printf("encode %s: %v", topic, err)
			return
		}
		msg.Epoch = version.Epoch
		msg.Seq = version.Seq
		out = append(out, msg)
	}
	switch j.kind {
	case jobState:
		add(eventbus.TopicFullSync, j.state.Version, j.state)
		add(eventbus.TopicSummary, j.state.Version, j.state.Summary())
	case jobPromotion:
		add(eventbus.TopicPromotion, j.promotion.Version, j.promotion)
	case jobAdmission:
		add(eventbus.TopicProcessing, j.admission.Version, j.admission)
	}
	return out
}

func (p *Propagator) publish(msg eventbus.Message) {
	if !p.pub.Connected() {
		if !p.degraded.Swap(true) {
			p.logger.Printf("bus unavailable; continuing in local mode")
		}
		p.record(p.skippedCounter, msg.Topic)
		return
	}
	if p.degraded.Swap(false) {
		p.logger.Printf("bus available; resuming publication")
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.retryInitial
	bo.MaxInterval = p.retryMax

	start := time.Now()
	_, err := backoff.Retry(p.ctx, func() (eventbus.Message, error) {
		ctx, cancel := context.WithTimeout(p.ctx, p.publishTimeout)
		defer cancel()
		published, err := p.pub.Publish(ctx, msg)
		if err != nil && !p.pub.Connected() {
			return published, backoff.Permanent(err)
		}
		return published, err
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(p.maxTries))
	if p.publishDuration != nil {
		p.publishDuration.Record(p.ctx, float64(time.Since(start).Microseconds())/1000,
			metric.WithAttributes(telemetry.TopicAttributes(telemetry.Environment(), msg.Topic)...))
	}
	if err != nil {
		if p.ctx.Err() != nil {
			return
		}
		if errs.Is(err, errs.CodeBusUnavailable) && !p.pub.Connected() {
			p.degraded.Store(true)
			p.record(p.skippedCounter, msg.Topic)
			p.logger.Printf("bus lost while publishing %s seq=%d; continuing in local mode", msg.Topic, msg.Seq)
			return
		}
		p.record(p.failedCounter, msg.Topic)
		p.logger.Printf("dropping %s seq=%d after retries: %v", msg.Topic, msg.Seq, err)
		return
	}
	p.record(p.publishedCounter, msg.Topic)
}

func (p *Propagator) record(counter metric.Int64Counter, topic string) {
	if counter == nil {
		return
	}
	counter.Add(context.Background(), 1, metric.WithAttributes(
		telemetry.TopicAttributes(telemetry.Environment(), topic)...))
}

func (p *Propagator) recordDropped(path string) {
	if p.droppedCounter == nil {
		return
	}
	p.droppedCounter.Add(context.Background(), 1, metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrOperation.String(path)))
}

var _ queue.Observer = (*Propagator)(nil)
