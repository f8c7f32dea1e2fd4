// Package admission decides who may enter the protected resource: it grants
// direct access while capacity allows, queues everyone else, admits the head
// when its turn comes, and pushes promotions when a slot frees up.
package admission

import (
	"context"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/waitroom/errs"
	"github.com/coachpo/waitroom/internal/domain/queue"
	"github.com/coachpo/waitroom/internal/infra/telemetry"
)

const (
	maxKeyLength         = 256
	defaultReapInterval  = time.Second
	defaultProcessingTTL = 5 * time.Second
	defaultRedirectTo    = "/checkout"
)

// Notifier receives promotion and admission events. It must not block.
type Notifier interface {
	Promoted(ctx context.Context, promotion queue.Promotion)
	Admitted(ctx context.Context, admission queue.Admission)
}

type nopNotifier struct{}

func (nopNotifier) Promoted(context.Context, queue.Promotion) {}
func (nopNotifier) Admitted(context.Context, queue.Admission) {}

// JoinResult is returned by Join.
type JoinResult struct {
	DirectAccess   bool   `json:"directAccess"`
	Position       int    `json:"position"`
	ID             string `json:"id,omitempty"`
	IsMyTurn       bool   `json:"isMyTurn"`
	SessionToken   string `json:"sessionToken,omitempty"`
	TotalInQueue   int    `json:"totalInQueue"`
	ActiveUsers    int    `json:"activeUsers"`
	MaxActiveUsers int    `json:"maxActiveUsers"`
	PollAfterMs    int64  `json:"pollAfterMs,omitempty"`
}

// Session is returned by CreateSession.
type Session struct {
	Success      bool   `json:"success"`
	SessionToken string `json:"sessionToken"`
	Key          string `json:"key"`
	Message      string `json:"message"`
	RedirectTo   string `json:"redirectTo,omitempty"`
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger overrides the default logger.
func WithLogger(logger *log.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithSessionTTL expires active sessions older than ttl. Zero disables expiry.
func WithSessionTTL(ttl time.Duration) Option {
	return func(c *Coordinator) {
		if ttl >= 0 {
			c.sessionTTL = ttl
		}
	}
}

// WithProcessingTimeout completes processing entries older than timeout. Zero disables it.
func WithProcessingTimeout(timeout time.Duration) Option {
	return func(c *Coordinator) {
		if timeout >= 0 {
			c.processingTimeout = timeout
		}
	}
}

// WithReapInterval sets how often expiry runs.
func WithReapInterval(interval time.Duration) Option {
	return func(c *Coordinator) {
		if interval > 0 {
			c.reapInterval = interval
		}
	}
}

// WithPollAfter sets the polling hint returned to queued clients.
func WithPollAfter(d time.Duration) Option {
	return func(c *Coordinator) {
		if d >= 0 {
			c.pollAfter = d
		}
	}
}

// WithRedirectTo sets the location returned with a created session.
func WithRedirectTo(path string) Option {
	return func(c *Coordinator) {
		c.redirectTo = strings.TrimSpace(path)
	}
}

// Coordinator owns admission decisions over a queue.Store.
type Coordinator struct {
	store    *queue.Store
	notifier Notifier
	logger   *log.Logger

	sessionTTL        time.Duration
	processingTimeout time.Duration
	reapInterval      time.Duration
	pollAfter         time.Duration
	redirectTo        string

	runOnce sync.Once

	joinCounter      metric.Int64Counter
	sessionCounter   metric.Int64Counter
	leaveCounter     metric.Int64Counter
	promotionCounter metric.Int64Counter
	expiryCounter    metric.Int64Counter
}

// NewCoordinator constructs a coordinator over store. A nil notifier drops
// promotion and admission events.
func NewCoordinator(store *queue.Store, notifier Notifier, opts ...Option) *Coordinator {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	c := &Coordinator{
		store:             store,
		notifier:          notifier,
		logger:            log.New(os.Stdout, "admission ", log.LstdFlags|log.Lmicroseconds),
		sessionTTL:        0,
		processingTimeout: defaultProcessingTTL,
		reapInterval:      defaultReapInterval,
		pollAfter:         0,
		redirectTo:        defaultRedirectTo,
		runOnce:           sync.Once{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.initMetrics()
	return c
}

func (c *Coordinator) initMetrics() {
	meter := otel.Meter("admission")
	c.joinCounter, _ = meter.Int64Counter("waitroom.admission.joins",
		metric.WithDescription("Join requests by outcome"),
		metric.WithUnit("{request}"))
	c.sessionCounter, _ = meter.Int64Counter("waitroom.admission.sessions",
		metric.WithDescription("Session creation requests by outcome"),
		metric.WithUnit("{request}"))
	c.leaveCounter, _ = meter.Int64Counter("waitroom.admission.leaves",
		metric.WithDescription("Leave requests by outcome"),
		metric.WithUnit("{request}"))
	c.promotionCounter, _ = meter.Int64Counter("waitroom.admission.promotions",
		metric.WithDescription("Promotions pushed to the head of the queue"),
		metric.WithUnit("{promotion}"))
	c.expiryCounter, _ = meter.Int64Counter("waitroom.admission.expirations",
		metric.WithDescription("Sessions and processing entries expired by the reaper"),
		metric.WithUnit("{entry}"))

	attrs := metric.WithAttributes(telemetry.AttrEnvironment.String(telemetry.Environment()))
	_, _ = meter.Int64ObservableGauge("waitroom.queue.length",
		metric.WithDescription("Keys waiting in the queue"),
		metric.WithUnit("{key}"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(c.store.Summary().TotalInQueue), attrs)
			return nil
		}))
	_, _ = meter.Int64ObservableGauge("waitroom.active.users",
		metric.WithDescription("Admitted keys holding a capacity slot"),
		metric.WithUnit("{key}"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(c.store.Summary().ActiveUsers), attrs)
			return nil
		}))
}

// eligibleHead is the head key when it may be admitted right now.
func eligibleHead(tx *queue.Txn) string {
	if !tx.HasCapacity() {
		return ""
	}
	head, _ := tx.Head()
	return head
}

// change wraps a store transaction and reports the promotion it caused, if
// any. A promotion is emitted when the eligible head changes, and on every
// freed slot that leaves an eligible head waiting.
func (c *Coordinator) change(fn func(tx *queue.Txn)) (queue.Promotion, bool) {
	var (
		promotion queue.Promotion
		promoted  bool
	)
	c.store.Do(func(tx *queue.Txn) {
		before := eligibleHead(tx)
		activeBefore := tx.ActiveCount()
		fn(tx)
		after := eligibleHead(tx)
		freed := tx.ActiveCount() < activeBefore
		if after != "" && (after != before || freed) {
			promotion = queue.Promotion{Version: tx.Version(), Key: after, Position: 1}
			promoted = true
		}
	})
	return promotion, promoted
}

func (c *Coordinator) promote(ctx context.Context, promotion queue.Promotion, ok bool) {
	if !ok {
		return
	}
	c.logger.Printf("promoting key=%s seq=%d", promotion.Key, promotion.Seq)
	c.count(ctx, c.promotionCounter, "promote", telemetry.ResultSuccess)
	c.notifier.Promoted(ctx, promotion)
}

// Join grants direct access when capacity allows and nobody is waiting for
// the free slots; otherwise it enqueues key. Joining again is idempotent.
func (c *Coordinator) Join(ctx context.Context, key string) (JoinResult, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return JoinResult{}, err
	}
	var (
		result    JoinResult
		admission queue.Admission
		admitted  bool
	)
	c.store.Do(func(tx *queue.Txn) {
		if session, ok := tx.Session(key); ok {
			result = c.directResult(tx, session)
			return
		}
		if _, queued := tx.Lookup(key); !queued && tx.ActiveCount()+tx.Len() < c.store.MaxActiveUsers() {
			session, admitErr := tx.Admit(key, "")
			if admitErr == nil {
				result = c.directResult(tx, session)
				admission = queue.Admission{Version: tx.Version(), Key: key, AdmittedAt: session.AdmittedAt}
				admitted = true
				return
			}
		}
		_, id, _ := tx.Enqueue(key)
		pos := tx.Position(key)
		summary := tx.Summary()
		result = JoinResult{
			DirectAccess:   false,
			Position:       pos.Position,
			ID:             id.String(),
			IsMyTurn:       pos.IsMyTurn,
			SessionToken:   "",
			TotalInQueue:   summary.TotalInQueue,
			ActiveUsers:    summary.ActiveUsers,
			MaxActiveUsers: summary.MaxActiveUsers,
			PollAfterMs:    c.pollAfter.Milliseconds(),
		}
	})

	if result.DirectAccess {
		c.count(ctx, c.joinCounter, "join", "direct")
	} else {
		c.count(ctx, c.joinCounter, "join", "queued")
	}
	if admitted {
		c.notifier.Admitted(ctx, admission)
	}
	return result, nil
}

func (c *Coordinator) directResult(tx *queue.Txn, session queue.ActiveSession) JoinResult {
	summary := tx.Summary()
	return JoinResult{
		DirectAccess:   true,
		Position:       0,
		ID:             "",
		IsMyTurn:       true,
		SessionToken:   session.Token,
		TotalInQueue:   summary.TotalInQueue,
		ActiveUsers:    summary.ActiveUsers,
		MaxActiveUsers: summary.MaxActiveUsers,
		PollAfterMs:    0,
	}
}

// Status reports key's position. It is the key's turn only at position 1
// with a free slot.
func (c *Coordinator) Status(_ context.Context, key string) (queue.Position, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return queue.Position{}, err
	}
	return c.store.Position(key), nil
}

// Position implements the fanout position source.
func (c *Coordinator) Position(ctx context.Context, key string) queue.Position {
	pos, _ := c.Status(ctx, key)
	return pos
}

// Summary returns the public counts.
func (c *Coordinator) Summary() queue.Summary {
	return c.store.Summary()
}

// Leave removes key from the queue or releases its session. Leaving an
// unknown key is a benign no-op.
func (c *Coordinator) Leave(ctx context.Context, key string) (queue.LeaveResult, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return queue.LeaveResult{}, err
	}
	var result queue.LeaveResult
	promotion, promoted := c.change(func(tx *queue.Txn) {
		if removed, former, _ := tx.RemoveByKey(key); removed {
			result = queue.LeaveResult{
				Success:        true,
				WasInQueue:     true,
				WasActive:      false,
				FormerPosition: former,
				Forwarded:      false,
				Message:        "Left the queue",
			}
			return
		}
		if released, _ := tx.Release(key); released {
			tx.CompleteProcessing(key)
			result = queue.LeaveResult{
				Success:        true,
				WasInQueue:     false,
				WasActive:      true,
				FormerPosition: 0,
				Forwarded:      false,
				Message:        "Session released",
			}
			return
		}
		result = queue.LeaveResult{
			Success:        false,
			WasInQueue:     false,
			WasActive:      false,
			FormerPosition: 0,
			Forwarded:      false,
			Message:        "Key not found in queue",
		}
	})

	if result.Success {
		c.count(ctx, c.leaveCounter, "leave", telemetry.ResultSuccess)
	} else {
		c.count(ctx, c.leaveCounter, "leave", "not_found")
	}
	c.promote(ctx, promotion, promoted)
	return result, nil
}

// CreateSession admits key. It succeeds for an already-active key (returning
// the existing token), for the head of the queue while a slot is free, and
// for an unqueued key under the same rule Join uses for direct access.
func (c *Coordinator) CreateSession(ctx context.Context, key string) (Session, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return Session{}, err
	}
	var (
		session   queue.ActiveSession
		denial    error
		admission queue.Admission
		admitted  bool
	)
	promotion, promoted := c.change(func(tx *queue.Txn) {
		if existing, ok := tx.Session(key); ok {
			session = existing
			return
		}
		entry, queued := tx.Lookup(key)
		switch {
		case queued && entry.Position != 1:
			denial = c.deny(tx, key, errs.CodeNotYourTurn, "Not your turn yet")
			return
		case !queued && tx.Len() > 0 && tx.ActiveCount()+tx.Len() >= c.store.MaxActiveUsers():
			denial = c.deny(tx, key, errs.CodeNotYourTurn, "Join the queue first")
			return
		case !tx.HasCapacity():
			denial = c.deny(tx, key, errs.CodeCapacityExceeded, "No capacity available")
			return
		}
		if queued {
			tx.Dequeue()
		}
		created, admitErr := tx.Admit(key, "")
		if admitErr != nil {
			denial = c.deny(tx, key, errs.CodeCapacityExceeded, "No capacity available")
			return
		}
		session = created
		admission = queue.Admission{Version: tx.Version(), Key: key, AdmittedAt: created.AdmittedAt}
		admitted = true
	})

	if denial != nil {
		c.count(ctx, c.sessionCounter, "create_session", telemetry.ResultDenied)
		return Session{}, denial
	}
	c.count(ctx, c.sessionCounter, "create_session", telemetry.ResultSuccess)
	if admitted {
		c.logger.Printf("admitted key=%s seq=%d", key, admission.Seq)
		c.notifier.Admitted(ctx, admission)
	}
	c.promote(ctx, promotion, promoted)
	return Session{
		Success:      true,
		SessionToken: session.Token,
		Key:          key,
		Message:      "Session created",
		RedirectTo:   c.redirectTo,
	}, nil
}

func (c *Coordinator) deny(tx *queue.Txn, key string, code errs.Code, message string) error {
	pos := tx.Position(key)
	return errs.New("admission", code,
		errs.WithHTTP(http.StatusForbidden),
		errs.WithMessage(message),
		errs.WithDetails(map[string]any{
			"position":       pos.Position,
			"activeUsers":    pos.ActiveUsers,
			"maxActiveUsers": pos.MaxActiveUsers,
		}))
}

// EndSession releases key's slot and completes its processing entry. It
// always succeeds.
func (c *Coordinator) EndSession(ctx context.Context, key string) (queue.EndResult, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return queue.EndResult{}, err
	}
	var result queue.EndResult
	promotion, promoted := c.change(func(tx *queue.Txn) {
		released, _ := tx.Release(key)
		completed := tx.CompleteProcessing(key)
		result = queue.EndResult{Success: true, Released: released, Completed: completed}
	})
	c.promote(ctx, promotion, promoted)
	return result, nil
}

// CompleteProcessing drops key from the processing set.
func (c *Coordinator) CompleteProcessing(_ context.Context, key string) (bool, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return false, err
	}
	return c.store.CompleteProcessing(key), nil
}

// ForceClear empties the queue and processing set.
func (c *Coordinator) ForceClear(ctx context.Context) queue.ClearResult {
	var result queue.ClearResult
	c.store.Do(func(tx *queue.Txn) {
		result = tx.ForceClear()
	})
	c.logger.Printf("force clear: queue=%d processing=%d", result.ClearedQueue, result.ClearedProcessing)
	c.count(ctx, c.leaveCounter, "force_clear", telemetry.ResultSuccess)
	return result
}

// ProcessNext moves the head into the processing set without admitting it.
func (c *Coordinator) ProcessNext(ctx context.Context) (string, bool) {
	var (
		key string
		ok  bool
	)
	promotion, promoted := c.change(func(tx *queue.Txn) {
		key, ok = tx.Dequeue()
	})
	c.promote(ctx, promotion, promoted)
	return key, ok
}

// ClearProcessing empties the processing set.
func (c *Coordinator) ClearProcessing(context.Context) int {
	return c.store.ClearProcessing()
}

// Debug returns the diagnostic view, including processing keys.
func (c *Coordinator) Debug() queue.Info {
	return c.store.Snapshot()
}

// Restore rebuilds the store from a full-sync snapshot and promotes the head
// if it became eligible.
func (c *Coordinator) Restore(ctx context.Context, state queue.State) queue.RestoreResult {
	result := c.store.Restore(state)
	var (
		promotion queue.Promotion
		promoted  bool
	)
	c.store.Do(func(tx *queue.Txn) {
		if head := eligibleHead(tx); head != "" {
			promotion = queue.Promotion{Version: tx.Version(), Key: head, Position: 1}
			promoted = true
		}
	})
	c.logger.Printf("restored queue=%d processing=%d active=%d dropped=%d",
		result.Queued, result.Processing, result.Active, result.DroppedActive)
	c.promote(ctx, promotion, promoted)
	return result
}

// Run expires stale sessions and processing entries until ctx ends.
func (c *Coordinator) Run(ctx context.Context) {
	ran := false
	c.runOnce.Do(func() { ran = true })
	if !ran {
		return
	}
	ticker := time.NewTicker(c.reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Reap(ctx)
		}
	}
}

// Reap runs one expiry pass and returns the number of entries expired.
func (c *Coordinator) Reap(ctx context.Context) int {
	expired := 0
	for _, key := range c.store.ExpiredSessions(c.sessionTTL) {
		ttl := c.sessionTTL
		var released bool
		promotion, promoted := c.change(func(tx *queue.Txn) {
			session, ok := tx.Session(key)
			if !ok || tx.Now().Sub(session.AdmittedAt) <= ttl {
				return
			}
			released, _ = tx.Release(key)
			tx.CompleteProcessing(key)
		})
		if released {
			expired++
			c.logger.Printf("session expired key=%s", key)
			c.count(ctx, c.expiryCounter, "session", "expired")
		}
		c.promote(ctx, promotion, promoted)
	}
	for _, key := range c.store.ExpiredProcessing(c.processingTimeout) {
		timeout := c.processingTimeout
		var completed bool
		c.store.Do(func(tx *queue.Txn) {
			since, ok := tx.ProcessingSince(key)
			if !ok || tx.Now().Sub(since) <= timeout {
				return
			}
			completed = tx.CompleteProcessing(key)
		})
		if completed {
			expired++
			c.count(ctx, c.expiryCounter, "processing", "expired")
		}
	}
	return expired
}

func (c *Coordinator) count(ctx context.Context, counter metric.Int64Counter, operation, result string) {
	if counter == nil {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(
		telemetry.OperationAttributes(telemetry.Environment(), operation, result)...))
}

func normalizeKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", errs.New("admission", errs.CodeInvalid, errs.WithHTTP(http.StatusBadRequest), errs.WithMessage("key required"))
	}
	if len(key) > maxKeyLength {
		return "", errs.New("admission", errs.CodeInvalid, errs.WithHTTP(http.StatusBadRequest), errs.WithMessage("key too long"))
	}
	return key, nil
}
