package eventbus

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/waitroom/errs"
	"github.com/coachpo/waitroom/internal/infra/telemetry"
)

const (
	defaultInitialReconnectInterval = 500 * time.Millisecond
	defaultMaxReconnectInterval     = 30 * time.Second
	defaultHealthInterval           = 5 * time.Second
	healthCheckTimeout              = 3 * time.Second
)

// Connector opens a new broker connection.
type Connector func(ctx context.Context) (Broker, error)

// Handler processes one consumed message. A nil error acks the message; an
// error carrying errs.CodeMalformed rejects it without requeue; any other
// error requeues it for redelivery.
type Handler func(ctx context.Context, msg Message) error

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientLogger overrides the default logger.
func WithClientLogger(logger *log.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithReconnectBackoff sets the reconnect backoff bounds.
func WithReconnectBackoff(initial, maxInterval time.Duration) ClientOption {
	return func(c *Client) {
		if initial > 0 {
			c.initialInterval = initial
		}
		if maxInterval > 0 {
			c.maxInterval = maxInterval
		}
	}
}

// WithHealthInterval sets how often a connected broker is pinged.
func WithHealthInterval(interval time.Duration) ClientOption {
	return func(c *Client) {
		if interval > 0 {
			c.healthInterval = interval
		}
	}
}

type subscription struct {
	topic   string
	group   string
	opts    ConsumeOptions
	handler Handler
}

// Client keeps a broker connection alive and exposes a connected flag that
// gates every bus operation. Topics and subscriptions registered on the
// client are re-established after each reconnect.
type Client struct {
	connect Connector
	logger  *log.Logger

	initialInterval time.Duration
	maxInterval     time.Duration
	healthInterval  time.Duration

	connected atomic.Bool
	started   atomic.Bool

	mu            sync.RWMutex
	broker        Broker
	sessionCtx    context.Context
	sessionCancel context.CancelFunc
	topics        []string
	subs          []subscription
	onConnect     []func()
	connectedCh   chan struct{}
	lost          chan struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	workers conc.WaitGroup

	reconnectCounter metric.Int64Counter
	publishCounter   metric.Int64Counter
	connectedGauge   metric.Int64UpDownCounter
}

// NewClient constructs a client; call Start to begin connecting.
func NewClient(connect Connector, opts ...ClientOption) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		connect:         connect,
		logger:          log.New(os.Stdout, "eventbus/client ", log.LstdFlags|log.Lmicroseconds),
		initialInterval: defaultInitialReconnectInterval,
		maxInterval:     defaultMaxReconnectInterval,
		healthInterval:  defaultHealthInterval,
		mu:              sync.RWMutex{},
		broker:          nil,
		sessionCtx:      nil,
		sessionCancel:   nil,
		topics:          nil,
		subs:            nil,
		onConnect:       nil,
		connectedCh:     make(chan struct{}),
		lost:            make(chan struct{}, 1),
		ctx:             ctx,
		cancel:          cancel,
		workers:         conc.WaitGroup{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	meter := otel.Meter("eventbus")
	c.reconnectCounter, _ = meter.Int64Counter("eventbus.client.connect_attempts",
		metric.WithDescription("Number of bus connection attempts"),
		metric.WithUnit("{attempt}"))
	c.publishCounter, _ = meter.Int64Counter("eventbus.client.publish",
		metric.WithDescription("Number of publish calls by result"),
		metric.WithUnit("{message}"))
	c.connectedGauge, _ = meter.Int64UpDownCounter("eventbus.client.connected",
		metric.WithDescription("Whether the bus client is connected"),
		metric.WithUnit("{connection}"))
	return c
}

// DeclareTopics registers topics declared on every (re)connect.
func (c *Client) DeclareTopics(topics ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, topic := range topics {
		topic = strings.TrimSpace(topic)
		if topic != "" {
			c.topics = append(c.topics, topic)
		}
	}
}

// Subscribe registers a consumer that is attached on every (re)connect, and
// immediately when already connected.
func (c *Client) Subscribe(topic, group string, opts ConsumeOptions, handler Handler) error {
	topic = strings.TrimSpace(topic)
	group = strings.TrimSpace(group)
	if topic == "" || group == "" || handler == nil {
		return errs.New("eventbus/subscribe", errs.CodeInvalid, errs.WithMessage("topic, group and handler required"))
	}
	sub := subscription{topic: topic, group: group, opts: opts, handler: handler}
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	broker, sessionCtx := c.broker, c.sessionCtx
	c.mu.Unlock()

	if broker != nil && sessionCtx != nil {
		if err := c.attach(sessionCtx, broker, sub); err != nil {
			c.logger.Printf("attach %s/%s: %v", topic, group, err)
			c.signalLost()
		}
	}
	return nil
}

// OnConnect registers fn to run after every successful (re)connect, once the
// client reports connected. fn runs on the connection loop and must not block.
func (c *Client) OnConnect(fn func()) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	c.onConnect = append(c.onConnect, fn)
	c.mu.Unlock()
}

// Start launches the background connection loop. It never blocks.
func (c *Client) Start() {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	c.workers.Go(c.run)
}

// Connected reports whether the bus is currently usable.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// WaitConnected blocks until connected or ctx ends.
func (c *Client) WaitConnected(ctx context.Context) bool {
	for {
		c.mu.RLock()
		ch := c.connectedCh
		c.mu.RUnlock()
		if c.connected.Load() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-c.ctx.Done():
			return false
		case <-ch:
		}
	}
}

// Publish sends msg when connected; otherwise it fails fast with a
// bus_unavailable error.
func (c *Client) Publish(ctx context.Context, msg Message) (Message, error) {
	broker := c.currentBroker()
	if broker == nil {
		c.recordPublish(ctx, msg.Topic, "disconnected")
		return Message{}, errs.New("eventbus/client", errs.CodeBusUnavailable, errs.WithMessage("bus not connected"))
	}
	published, err := broker.Publish(ctx, msg)
	if err != nil {
		c.recordPublish(ctx, msg.Topic, "error")
		return Message{}, errs.New("eventbus/client", errs.CodeBusUnavailable, errs.WithMessage("publish "+msg.Topic), errs.WithCause(err))
	}
	c.recordPublish(ctx, msg.Topic, "success")
	return published, nil
}

// Last returns the newest retained message of topic.
func (c *Client) Last(ctx context.Context, topic string) (Message, bool, error) {
	broker := c.currentBroker()
	if broker == nil {
		return Message{}, false, errs.New("eventbus/client", errs.CodeBusUnavailable, errs.WithMessage("bus not connected"))
	}
	msg, ok, err := broker.Last(ctx, topic)
	if err != nil {
		return Message{}, false, errs.New("eventbus/client", errs.CodeBusUnavailable, errs.WithMessage("last "+topic), errs.WithCause(err))
	}
	return msg, ok, nil
}

// Close stops the connection loop and closes the current broker.
func (c *Client) Close() {
	c.cancel()
	c.workers.Wait()
}

func (c *Client) currentBroker() Broker {
	if !c.connected.Load() {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.broker
}

func (c *Client) run() {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.initialInterval
	bo.MaxInterval = c.maxInterval

	for {
		if c.ctx.Err() != nil {
			return
		}
		c.recordAttempt()
		broker, err := c.connect(c.ctx)
		if err == nil {
			err = c.establish(broker)
			if err != nil {
				_ = broker.Close()
			}
		}
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			sleep := bo.NextBackOff()
			c.logger.Printf("bus connect failed; retrying in %v: %v", sleep, err)
			if !c.sleep(sleep) {
				return
			}
			continue
		}

		bo.Reset()
		c.logger.Printf("bus connected")
		c.watch(broker)
		c.teardown(broker)
		if c.ctx.Err() != nil {
			return
		}
		sleep := bo.NextBackOff()
		c.logger.Printf("bus connection lost; reconnecting in %v", sleep)
		if !c.sleep(sleep) {
			return
		}
	}
}

func (c *Client) establish(broker Broker) error {
	c.mu.RLock()
	topics := append([]string(nil), c.topics...)
	c.mu.RUnlock()
	for _, topic := range topics {
		if err := broker.DeclareTopic(c.ctx, topic); err != nil {
			return fmt.Errorf("declare %s: %w", topic, err)
		}
	}

	select {
	case <-c.lost:
	default:
	}

	// Subscriptions registered after this critical section attach themselves.
	sessionCtx, cancel := context.WithCancel(c.ctx)
	c.mu.Lock()
	subs := append([]subscription(nil), c.subs...)
	c.broker = broker
	c.sessionCtx = sessionCtx
	c.sessionCancel = cancel
	c.mu.Unlock()

	// Consumers are attached before the client reports connected so that a
	// caller waiting on WaitConnected never publishes ahead of them.
	for _, sub := range subs {
		if err := c.attach(sessionCtx, broker, sub); err != nil {
			c.logger.Printf("attach %s/%s: %v", sub.topic, sub.group, err)
			c.signalLost()
			break
		}
	}

	c.mu.Lock()
	c.connected.Store(true)
	close(c.connectedCh)
	hooks := append([]func(){}, c.onConnect...)
	c.mu.Unlock()
	c.recordConnected(1)
	for _, fn := range hooks {
		fn()
	}
	return nil
}

func (c *Client) watch(broker Broker) {
	ticker := time.NewTicker(c.healthInterval)
	defer ticker.Stop()
	pinger, canPing := broker.(Pinger)
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.lost:
			return
		case <-ticker.C:
			if !canPing {
				continue
			}
			pingCtx, cancel := context.WithTimeout(c.ctx, healthCheckTimeout)
			err := pinger.Ping(pingCtx)
			cancel()
			if err != nil && c.ctx.Err() == nil {
				c.logger.Printf("bus health check failed: %v", err)
				return
			}
		}
	}
}

func (c *Client) teardown(broker Broker) {
	c.mu.Lock()
	c.connected.Store(false)
	c.broker = nil
	c.sessionCtx = nil
	cancel := c.sessionCancel
	c.sessionCancel = nil
	c.connectedCh = make(chan struct{})
	c.mu.Unlock()
	c.recordConnected(-1)
	if cancel != nil {
		cancel()
	}
	if err := broker.Close(); err != nil {
		c.logger.Printf("bus close: %v", err)
	}
}

func (c *Client) attach(ctx context.Context, broker Broker, sub subscription) error {
	deliveries, err := broker.Consume(ctx, sub.topic, sub.group, sub.opts)
	if err != nil {
		return err
	}
	c.workers.Go(func() {
		for d := range deliveries {
			c.dispatch(ctx, sub, d)
		}
		if ctx.Err() == nil {
			c.logger.Printf("consumer %s/%s closed unexpectedly", sub.topic, sub.group)
			c.signalLost()
		}
	})
	return nil
}

func (c *Client) dispatch(ctx context.Context, sub subscription, d *Delivery) {
	err := sub.handler(ctx, d.Message)
	switch {
	case err == nil:
		_ = d.Ack()
	case errs.Is(err, errs.CodeMalformed):
		c.logger.Printf("rejecting malformed message topic=%s offset=%d: %v", d.Message.Topic, d.Message.Offset, err)
		_ = d.Nack(false)
	default:
		if ctx.Err() == nil {
			c.logger.Printf("requeueing message topic=%s offset=%d: %v", d.Message.Topic, d.Message.Offset, err)
		}
		_ = d.Nack(true)
	}
}

func (c *Client) signalLost() {
	select {
	case c.lost <- struct{}{}:
	default:
	}
}

func (c *Client) sleep(d time.Duration) bool {
	if d == backoff.Stop {
		d = c.maxInterval
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-c.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (c *Client) recordAttempt() {
	if c.reconnectCounter != nil {
		c.reconnectCounter.Add(context.Background(), 1, metric.WithAttributes(
			telemetry.AttrEnvironment.String(telemetry.Environment())))
	}
}

func (c *Client) recordPublish(ctx context.Context, topic, result string) {
	if c.publishCounter != nil {
		c.publishCounter.Add(ctx, 1, metric.WithAttributes(
			telemetry.AttrEnvironment.String(telemetry.Environment()),
			telemetry.AttrTopic.String(topic),
			telemetry.AttrResult.String(result)))
	}
}

func (c *Client) recordConnected(delta int64) {
	if c.connectedGauge != nil {
		c.connectedGauge.Add(context.Background(), delta, metric.WithAttributes(
			telemetry.AttrEnvironment.String(telemetry.Environment())))
	}
}
