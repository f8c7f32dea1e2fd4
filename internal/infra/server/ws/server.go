// Package wsserver serves the real-time queue channel over WebSockets.
package wsserver

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/coachpo/waitroom/errs"
	"github.com/coachpo/waitroom/internal/app/fanout"
	"github.com/coachpo/waitroom/internal/infra/codec"
	"github.com/coachpo/waitroom/internal/infra/telemetry"
)

// Client event names.
const (
	EventSubscribe     = "subscribe"
	EventUnsubscribe   = "unsubscribe"
	EventQueryPosition = "query-position"
	EventLeave         = "leave"
)

const (
	defaultSendBuffer   = 64
	defaultPingInterval = 20 * time.Second
	defaultPingTimeout  = 5 * time.Second
	defaultWriteTimeout = 5 * time.Second
	defaultReadLimit    = 4 << 10
	defaultMessageRate  = 10
	defaultMessageBurst = 20
)

// Config tunes per-connection limits.
type Config struct {
	SendBuffer     int
	PingInterval   time.Duration
	PingTimeout    time.Duration
	WriteTimeout   time.Duration
	ReadLimit      int64
	MessageRate    float64
	MessageBurst   int
	AllowedOrigins []string
}

// DefaultConfig returns the limits used when a field is left zero.
func DefaultConfig() Config {
	return Config{
		SendBuffer:     defaultSendBuffer,
		PingInterval:   defaultPingInterval,
		PingTimeout:    defaultPingTimeout,
		WriteTimeout:   defaultWriteTimeout,
		ReadLimit:      defaultReadLimit,
		MessageRate:    defaultMessageRate,
		MessageBurst:   defaultMessageBurst,
		AllowedOrigins: nil,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.SendBuffer <= 0 {
		c.SendBuffer = def.SendBuffer
	}
	if c.PingInterval <= 0 {
		c.PingInterval = def.PingInterval
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = def.PingTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = def.ReadLimit
	}
	if c.MessageRate <= 0 {
		c.MessageRate = def.MessageRate
	}
	if c.MessageBurst <= 0 {
		c.MessageBurst = def.MessageBurst
	}
	return c
}

// Envelope is the frame format in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type keyPayload struct {
	Key string `json:"key"`
}

type outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Option configures a Server.
type Option func(*Server)

// WithLogger overrides the default logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Server upgrades HTTP requests and bridges frames to a fanout.Hub.
type Server struct {
	hub    *fanout.Hub
	cfg    Config
	logger *log.Logger
	nextID atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc

	receivedCounter metric.Int64Counter
	limitedCounter  metric.Int64Counter
}

// NewServer constructs a WebSocket server in front of hub.
func NewServer(hub *fanout.Hub, cfg Config, opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		hub:    hub,
		cfg:    cfg.withDefaults(),
		logger: log.New(os.Stdout, "ws ", log.LstdFlags|log.Lmicroseconds),
		nextID: atomic.Uint64{},
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	meter := otel.Meter("wsserver")
	s.receivedCounter, _ = meter.Int64Counter("ws.messages.received",
		metric.WithDescription("Client frames received by event"),
		metric.WithUnit("{message}"))
	s.limitedCounter, _ = meter.Int64Counter("ws.messages.rate_limited",
		metric.WithDescription("Client frames rejected by the rate limiter"),
		metric.WithUnit("{message}"))
	return s
}

// Close ends every open connection.
func (s *Server) Close() {
	s.cancel()
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:     s.cfg.AllowedOrigins,
		InsecureSkipVerify: len(s.cfg.AllowedOrigins) == 0,
	})
	if err != nil {
		s.logger.Printf("accept: %v", err)
		return
	}
	ws.SetReadLimit(s.cfg.ReadLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	c := newConnection(fmt.Sprintf("ws-%d", s.nextID.Add(1)), s.cfg.SendBuffer)
	s.hub.Register(c)
	defer s.hub.Unregister(c)

	var wg conc.WaitGroup
	wg.Go(func() {
		defer cancel()
		s.writeLoop(ctx, ws, c)
	})
	wg.Go(func() {
		defer cancel()
		s.pingLoop(ctx, ws)
	})
	err = s.readLoop(ctx, ws, c)
	interrupted := ctx.Err() != nil
	cancel()
	c.close()
	wg.Wait()

	if err != nil && !interrupted && !isNormalClose(err) {
		s.logger.Printf("connection %s closed: %v", c.ID(), err)
		_ = ws.Close(websocket.StatusInternalError, "connection error")
		return
	}
	_ = ws.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) readLoop(ctx context.Context, ws *websocket.Conn, c *connection) error {
	limiter := rate.NewLimiter(rate.Limit(s.cfg.MessageRate), s.cfg.MessageBurst)
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return err
		}
		if !limiter.Allow() {
			s.limitedCounter.Add(ctx, 1, s.attrs("limited"))
			s.hub.SendError(c, errs.New("ws", errs.CodeRateLimited, errs.WithMessage("too many messages")))
			continue
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.hub.SendError(c, errs.New("ws", errs.CodeInvalid, errs.WithMessage("malformed frame")))
			continue
		}
		s.dispatch(ctx, c, env)
	}
}

func (s *Server) dispatch(ctx context.Context, c *connection, env Envelope) {
	event := strings.TrimSpace(env.Event)
	s.receivedCounter.Add(ctx, 1, s.attrs(event))
	switch event {
	case EventSubscribe:
		s.hub.Subscribe(c)
	case EventUnsubscribe:
		s.hub.Unsubscribe(c)
	case EventQueryPosition:
		key, err := decodeKey(env.Data)
		if err == nil {
			_, err = s.hub.QueryPosition(ctx, c, key)
		}
		if err != nil {
			s.hub.SendError(c, err)
		}
	case EventLeave:
		key, err := decodeKey(env.Data)
		if err == nil {
			_, err = s.hub.Leave(ctx, c, key)
		}
		if err != nil {
			s.hub.SendError(c, err)
		}
	default:
		s.hub.SendError(c, errs.New("ws", errs.CodeInvalid, errs.WithMessage("unknown event: "+event)))
	}
}

func (s *Server) writeLoop(ctx context.Context, ws *websocket.Conn, c *connection) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.notify:
		}
		for {
			frame, ok := c.next()
			if !ok {
				break
			}
			writeCtx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
			err := ws.Write(writeCtx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) pingLoop(ctx context.Context, ws *websocket.Conn) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, s.cfg.PingTimeout)
			err := ws.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) attrs(event string) metric.MeasurementOption {
	return metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrEvent.String(event),
	)
}

func decodeKey(data json.RawMessage) (string, error) {
	var payload keyPayload
	if len(data) == 0 {
		return "", errs.New("ws", errs.CodeInvalid, errs.WithMessage("key required"))
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return "", errs.New("ws", errs.CodeInvalid, errs.WithMessage("malformed payload"), errs.WithCause(err))
	}
	return payload.Key, nil
}

func isNormalClose(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return false
}

// connection is a fanout.Conn with a bounded outbound queue. When the queue
// is full the oldest frame is dropped.
type connection struct {
	id     string
	limit  int
	notify chan struct{}

	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func newConnection(id string, limit int) *connection {
	return &connection{
		id:     id,
		limit:  limit,
		notify: make(chan struct{}, 1),
		mu:     sync.Mutex{},
		frames: make([][]byte, 0, limit),
		closed: false,
	}
}

func (c *connection) ID() string { return c.id }

// Send queues an event frame. It reports false when the connection is
// closed, the payload cannot be encoded, or an older frame had to be dropped.
func (c *connection) Send(event string, data any) bool {
	frame, err := codec.EncodeJSON(outbound{Event: event, Data: data})
	if err != nil {
		return false
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	dropped := false
	if len(c.frames) >= c.limit {
		copy(c.frames, c.frames[1:])
		c.frames = c.frames[:len(c.frames)-1]
		dropped = true
	}
	c.frames = append(c.frames, frame)
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return !dropped
}

func (c *connection) next() ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.frames) == 0 {
		return nil, false
	}
	frame := c.frames[0]
	c.frames[0] = nil
	c.frames = c.frames[1:]
	return frame, true
}

func (c *connection) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func (c *connection) close() {
	c.mu.Lock()
	c.closed = true
	c.frames = nil
	c.mu.Unlock()
}

var _ fanout.Conn = (*connection)(nil)
