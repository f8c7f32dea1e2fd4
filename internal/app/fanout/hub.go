// Package fanout pushes queue changes to connected real-time clients.
package fanout

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"runtime"
	"strings"
	"sync"

	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/waitroom/errs"
	"github.com/coachpo/waitroom/internal/app/propagation"
	"github.com/coachpo/waitroom/internal/domain/queue"
	"github.com/coachpo/waitroom/internal/infra/telemetry"
)

// Server event names.
const (
	EventSummaryUpdate  = "summary-update"
	EventPositionUpdate = "position-update"
	EventLeaveResult    = "leave-result"
	EventError          = "error"
)

// Conn is a client connection. Send must not block; it reports false when
// the event could not be queued.
type Conn interface {
	ID() string
	Send(event string, data any) bool
}

// PositionSource answers position queries. The owner uses the coordinator,
// relays use the replica.
type PositionSource interface {
	Position(ctx context.Context, key string) queue.Position
}

// Leaver handles leave requests. The owner uses the coordinator, relays
// forward over the bus.
type Leaver interface {
	Leave(ctx context.Context, key string) (queue.LeaveResult, error)
}

// PositionUpdate is the per-key payload pushed to watching connections.
type PositionUpdate struct {
	Key            string `json:"key"`
	Position       int    `json:"position"`
	IsMyTurn       bool   `json:"isMyTurn"`
	Queued         bool   `json:"queued"`
	Active         bool   `json:"active"`
	TotalInQueue   int    `json:"totalInQueue"`
	ActiveUsers    int    `json:"activeUsers"`
	MaxActiveUsers int    `json:"maxActiveUsers"`
}

// SummaryUpdate is the broadcast payload. It carries counts only.
type SummaryUpdate struct {
	TotalInQueue   int    `json:"totalInQueue"`
	Processing     int    `json:"processing"`
	ActiveUsers    int    `json:"activeUsers"`
	MaxActiveUsers int    `json:"maxActiveUsers"`
	Epoch          int64  `json:"epoch"`
	Seq            uint64 `json:"seq"`
}

// ErrorPayload is sent with EventError.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger overrides the default logger.
func WithLogger(logger *log.Logger) Option {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithMaxWorkers bounds broadcast concurrency.
func WithMaxWorkers(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.maxWorkers = n
		}
	}
}

// WithRole labels hub metrics with the process role.
func WithRole(role string) Option {
	return func(h *Hub) {
		if role = strings.TrimSpace(role); role != "" {
			h.role = role
		}
	}
}

type client struct {
	conn       Conn
	subscribed bool
	watched    map[string]struct{}
}

// Hub tracks connections and pushes summaries, positions and promotions.
type Hub struct {
	source PositionSource
	leaver Leaver
	logger *log.Logger

	maxWorkers int
	role       string

	mu         sync.RWMutex
	clients    map[string]*client
	watchers   map[string]map[string]struct{}
	summary    queue.Summary
	hasSummary bool

	connGauge      metric.Int64UpDownCounter
	broadcastSize  metric.Int64Histogram
	droppedCounter metric.Int64Counter
	staleCounter   metric.Int64Counter
}

// NewHub constructs a hub answering positions from source and leave requests through leaver.
func NewHub(source PositionSource, leaver Leaver, opts ...Option) *Hub {
	h := &Hub{
		source:     source,
		leaver:     leaver,
		logger:     log.New(os.Stdout, "fanout ", log.LstdFlags|log.Lmicroseconds),
		maxWorkers: runtime.GOMAXPROCS(0),
		role:       telemetry.RoleOwner,
		mu:         sync.RWMutex{},
		clients:    make(map[string]*client),
		watchers:   make(map[string]map[string]struct{}),
		summary:    queue.Summary{},
		hasSummary: false,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	meter := otel.Meter("fanout")
	h.connGauge, _ = meter.Int64UpDownCounter("fanout.connections",
		metric.WithDescription("Registered real-time connections"),
		metric.WithUnit("{connection}"))
	h.broadcastSize, _ = meter.Int64Histogram("fanout.broadcast.size",
		metric.WithDescription("Connections reached per summary broadcast"),
		metric.WithUnit("{connection}"))
	h.droppedCounter, _ = meter.Int64Counter("fanout.events.dropped",
		metric.WithDescription("Events a connection could not accept"),
		metric.WithUnit("{event}"))
	h.staleCounter, _ = meter.Int64Counter("fanout.summaries.stale",
		metric.WithDescription("Summaries older than the cached one"),
		metric.WithUnit("{summary}"))
	return h
}

// Register adds conn and immediately sends the cached summary.
func (h *Hub) Register(conn Conn) {
	if conn == nil {
		return
	}
	h.mu.Lock()
	if _, exists := h.clients[conn.ID()]; exists {
		h.mu.Unlock()
		return
	}
	h.clients[conn.ID()] = &client{conn: conn, subscribed: false, watched: make(map[string]struct{})}
	summary, ok := h.summary, h.hasSummary
	h.mu.Unlock()

	h.connGauge.Add(context.Background(), 1, h.connAttrs())
	if ok {
		h.send(conn, EventSummaryUpdate, summaryUpdate(summary))
	}
}

// Unregister drops conn and everything it watched.
func (h *Hub) Unregister(conn Conn) {
	if conn == nil {
		return
	}
	h.mu.Lock()
	c, ok := h.clients[conn.ID()]
	if ok {
		delete(h.clients, conn.ID())
		for key := range c.watched {
			h.unwatchLocked(conn.ID(), key)
		}
	}
	h.mu.Unlock()
	if ok {
		h.connGauge.Add(context.Background(), -1, h.connAttrs())
	}
}

// Subscribe opts conn into summary broadcasts and sends the cached summary.
func (h *Hub) Subscribe(conn Conn) {
	h.mu.Lock()
	c, ok := h.clients[conn.ID()]
	if ok {
		c.subscribed = true
	}
	summary, cached := h.summary, h.hasSummary
	h.mu.Unlock()
	if ok && cached {
		h.send(conn, EventSummaryUpdate, summaryUpdate(summary))
	}
}

// Unsubscribe stops summary broadcasts to conn.
func (h *Hub) Unsubscribe(conn Conn) {
	h.mu.Lock()
	if c, ok := h.clients[conn.ID()]; ok {
		c.subscribed = false
	}
	h.mu.Unlock()
}

// Summary returns the cached summary.
func (h *Hub) Summary() (queue.Summary, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.summary, h.hasSummary
}

// Connections returns the number of registered connections.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// BroadcastSummary caches summary and sends it to every subscribed
// connection, then refreshes the positions of watched keys. Summaries older
// than the cached one are dropped.
func (h *Hub) BroadcastSummary(summary queue.Summary) bool {
	h.mu.Lock()
	if h.hasSummary && summary.Version.Before(h.summary.Version) {
		h.mu.Unlock()
		h.staleCounter.Add(context.Background(), 1, h.attrs("stale"))
		return false
	}
	h.summary = summary
	h.hasSummary = true
	targets := make([]Conn, 0, len(h.clients))
	for _, c := range h.clients {
		if c.subscribed {
			targets = append(targets, c.conn)
		}
	}
	watched := make(map[string][]Conn, len(h.watchers))
	for key, ids := range h.watchers {
		for id := range ids {
			if c, ok := h.clients[id]; ok {
				watched[key] = append(watched[key], c.conn)
			}
		}
	}
	h.mu.Unlock()

	payload := summaryUpdate(summary)
	h.fanout(targets, func(conn Conn) {
		h.send(conn, EventSummaryUpdate, payload)
	})
	h.broadcastSize.Record(context.Background(), int64(len(targets)), h.attrs(EventSummaryUpdate))

	if h.source != nil {
		for key, conns := range watched {
			update := positionUpdate(h.source.Position(context.Background(), key))
			for _, conn := range conns {
				h.send(conn, EventPositionUpdate, update)
			}
		}
	}
	return true
}

func (h *Hub) fanout(targets []Conn, fn func(Conn)) {
	switch len(targets) {
	case 0:
		return
	case 1:
		fn(targets[0])
		return
	}
	workers := h.maxWorkers
	if workers > len(targets) {
		workers = len(targets)
	}
	p := pool.New().WithMaxGoroutines(workers)
	for _, conn := range targets {
		p.Go(func() { fn(conn) })
	}
	p.Wait()
}

// QueryPosition answers key's position to conn and records conn as watching key.
func (h *Hub) QueryPosition(ctx context.Context, conn Conn, key string) (queue.Position, error) {
	key, err := validKey(key)
	if err != nil {
		return queue.Position{}, err
	}
	if h.source == nil {
		return queue.Position{}, errs.New("fanout", errs.CodeUnavailable, errs.WithMessage("position source unavailable"))
	}
	h.mu.Lock()
	if c, ok := h.clients[conn.ID()]; ok {
		c.watched[key] = struct{}{}
		ids, exists := h.watchers[key]
		if !exists {
			ids = make(map[string]struct{})
			h.watchers[key] = ids
		}
		ids[conn.ID()] = struct{}{}
	}
	h.mu.Unlock()

	pos := h.source.Position(ctx, key)
	h.send(conn, EventPositionUpdate, positionUpdate(pos))
	return pos, nil
}

// Leave asks the leaver to remove key and reports the result to conn.
func (h *Hub) Leave(ctx context.Context, conn Conn, key string) (queue.LeaveResult, error) {
	key, err := validKey(key)
	if err != nil {
		return queue.LeaveResult{}, err
	}
	if h.leaver == nil {
		return queue.LeaveResult{}, errs.New("fanout", errs.CodeUnavailable, errs.WithMessage("leave unavailable"))
	}
	result, err := h.leaver.Leave(ctx, key)
	if err != nil {
		return queue.LeaveResult{}, err
	}
	h.mu.Lock()
	if c, ok := h.clients[conn.ID()]; ok {
		delete(c.watched, key)
		h.unwatchLocked(conn.ID(), key)
	}
	h.mu.Unlock()
	h.send(conn, EventLeaveResult, result)
	return result, nil
}

// Promote tells every connection watching the promoted key that it is their turn.
func (h *Hub) Promote(promotion queue.Promotion) int {
	h.mu.RLock()
	conns := h.watchersLocked(promotion.Key)
	summary := h.summary
	h.mu.RUnlock()

	update := PositionUpdate{
		Key:            promotion.Key,
		Position:       1,
		IsMyTurn:       true,
		Queued:         true,
		Active:         false,
		TotalInQueue:   summary.TotalInQueue,
		ActiveUsers:    summary.ActiveUsers,
		MaxActiveUsers: summary.MaxActiveUsers,
	}
	for _, conn := range conns {
		h.send(conn, EventPositionUpdate, update)
	}
	return len(conns)
}

// SummaryChanged implements propagation.Listener.
func (h *Hub) SummaryChanged(summary queue.Summary) {
	h.BroadcastSummary(summary)
}

// Promoted implements propagation.Listener.
func (h *Hub) Promoted(promotion queue.Promotion) {
	if n := h.Promote(promotion); n > 0 {
		h.logger.Printf("promotion pushed key=%s connections=%d", promotion.Key, n)
	}
}

// Admitted implements propagation.AdmissionListener.
func (h *Hub) Admitted(admission queue.Admission) {
	h.mu.RLock()
	conns := h.watchersLocked(admission.Key)
	summary := h.summary
	h.mu.RUnlock()

	update := PositionUpdate{
		Key:            admission.Key,
		Position:       0,
		IsMyTurn:       false,
		Queued:         false,
		Active:         true,
		TotalInQueue:   summary.TotalInQueue,
		ActiveUsers:    summary.ActiveUsers,
		MaxActiveUsers: summary.MaxActiveUsers,
	}
	for _, conn := range conns {
		h.send(conn, EventPositionUpdate, update)
	}
}

// SendError reports err to conn.
func (h *Hub) SendError(conn Conn, err error) {
	code := string(errs.CodeOf(err))
	if code == "" {
		code = string(errs.CodeUnavailable)
	}
	message := err.Error()
	var e *errs.E
	if errors.As(err, &e) && e.Message != "" {
		message = e.Message
	}
	h.send(conn, EventError, ErrorPayload{Code: code, Message: message})
}

func (h *Hub) watchersLocked(key string) []Conn {
	ids := h.watchers[key]
	out := make([]Conn, 0, len(ids))
	for id := range ids {
		if c, ok := h.clients[id]; ok {
			out = append(out, c.conn)
		}
	}
	return out
}

func (h *Hub) unwatchLocked(id, key string) {
	ids, ok := h.watchers[key]
	if !ok {
		return
	}
	delete(ids, id)
	if len(ids) == 0 {
		delete(h.watchers, key)
	}
}

func (h *Hub) send(conn Conn, event string, data any) {
	if conn.Send(event, data) {
		return
	}
	h.droppedCounter.Add(context.Background(), 1, h.attrs(event))
}

func (h *Hub) attrs(event string) metric.MeasurementOption {
	return metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrRole.String(h.role),
		telemetry.AttrEvent.String(event),
	)
}

func (h *Hub) connAttrs() metric.MeasurementOption {
	return metric.WithAttributes(telemetry.ConnectionAttributes(telemetry.Environment(), h.role, "registered")...)
}

func summaryUpdate(s queue.Summary) SummaryUpdate {
	return SummaryUpdate{
		TotalInQueue:   s.TotalInQueue,
		Processing:     s.Processing,
		ActiveUsers:    s.ActiveUsers,
		MaxActiveUsers: s.MaxActiveUsers,
		Epoch:          s.Epoch,
		Seq:            s.Seq,
	}
}

func positionUpdate(p queue.Position) PositionUpdate {
	return PositionUpdate{
		Key:            p.Key,
		Position:       p.Position,
		IsMyTurn:       p.IsMyTurn,
		Queued:         p.Queued,
		Active:         p.Active,
		TotalInQueue:   p.TotalInQueue,
		ActiveUsers:    p.ActiveUsers,
		MaxActiveUsers: p.MaxActiveUsers,
	}
}

func validKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", errs.New("fanout", errs.CodeInvalid, errs.WithHTTP(http.StatusBadRequest), errs.WithMessage("key required"))
	}
	return key, nil
}

var (
	_ propagation.Listener          = (*Hub)(nil)
	_ propagation.AdmissionListener = (*Hub)(nil)
)
