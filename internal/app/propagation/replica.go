package propagation

import (
	"context"
	"log"
	"os"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/waitroom/errs"
	"github.com/coachpo/waitroom/internal/domain/queue"
	"github.com/coachpo/waitroom/internal/infra/bus/eventbus"
	"github.com/coachpo/waitroom/internal/infra/telemetry"
)

const defaultPromotionMemory = 1024

// ReplicaOption configures a Replica.
type ReplicaOption func(*Replica)

// WithReplicaLogger overrides the default logger.
func WithReplicaLogger(logger *log.Logger) ReplicaOption {
	return func(r *Replica) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithReplicaListener adds a listener notified after applied changes.
func WithReplicaListener(l Listener) ReplicaOption {
	return func(r *Replica) {
		if l != nil {
			r.listeners = append(r.listeners, l)
		}
	}
}

type promotionID struct {
	version queue.Version
	key     string
}

// Replica is the relay's read-only view of the owner's queue, rebuilt from
// bus messages. Application is idempotent and ignores anything older than
// what is already cached.
type Replica struct {
	logger    *log.Logger
	listeners []Listener

	mu       sync.RWMutex
	state    queue.State
	summary  queue.Summary
	seen     map[promotionID]struct{}
	seenRing []promotionID
	seenNext int

	staleCounter metric.Int64Counter
}

// NewReplica constructs an empty replica.
func NewReplica(opts ...ReplicaOption) *Replica {
	r := &Replica{
		logger:    log.New(os.Stdout, "propagation/replica ", log.LstdFlags|log.Lmicroseconds),
		listeners: nil,
		mu:        sync.RWMutex{},
		state:     queue.State{},
		summary:   queue.Summary{},
		seen:      make(map[promotionID]struct{}, defaultPromotionMemory),
		seenRing:  make([]promotionID, defaultPromotionMemory),
		seenNext:  0,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	meter := otel.Meter("propagation")
	r.staleCounter, _ = meter.Int64Counter("propagation.replica.stale",
		metric.WithDescription("Number of replica updates ignored as stale or duplicate"),
		metric.WithUnit("{message}"))
	return r
}

// AddListener registers a listener. Call it before the replica's subscriptions are bound.
func (r *Replica) AddListener(l Listener) {
	if l != nil {
		r.listeners = append(r.listeners, l)
	}
}

// ApplyFullSync replaces the cached state unless it is older than what is cached.
func (r *Replica) ApplyFullSync(state queue.State) bool {
	r.mu.Lock()
	if state.Version.Before(r.state.Version) {
		r.mu.Unlock()
		r.recordStale(eventbus.TopicFullSync)
		return false
	}
	r.state = cloneState(state)
	summary, advanced := r.advanceSummaryLocked(state.Summary())
	r.mu.Unlock()

	if advanced {
		r.notifySummary(summary)
	}
	return true
}

// ApplySummary updates the cached counts unless they are older than cached.
func (r *Replica) ApplySummary(summary queue.Summary) bool {
	r.mu.Lock()
	if summary.Version.Before(r.summary.Version) {
		r.mu.Unlock()
		r.recordStale(eventbus.TopicSummary)
		return false
	}
	current, advanced := r.advanceSummaryLocked(summary)
	r.mu.Unlock()

	if advanced {
		r.notifySummary(current)
	}
	return true
}

// advanceSummaryLocked stores summary when it is not older than the cached one
// and reports whether listeners should hear about it.
func (r *Replica) advanceSummaryLocked(summary queue.Summary) (queue.Summary, bool) {
	if summary.Version.Before(r.summary.Version) {
		return r.summary, false
	}
	changed := summary.Version != r.summary.Version || summary.TotalInQueue != r.summary.TotalInQueue ||
		summary.ActiveUsers != r.summary.ActiveUsers || summary.Processing != r.summary.Processing ||
		summary.MaxActiveUsers != r.summary.MaxActiveUsers
	r.summary = summary
	return summary, changed
}

// ObservePromotion delivers promotion to listeners once per (epoch, seq, key).
// A promotion older than the cached snapshot is dropped when the snapshot no
// longer shows the key at the head with a free slot.
func (r *Replica) ObservePromotion(promotion queue.Promotion) bool {
	id := promotionID{version: promotion.Version, key: promotion.Key}
	r.mu.Lock()
	if _, dup := r.seen[id]; dup {
		r.mu.Unlock()
		r.recordStale(eventbus.TopicPromotion)
		return false
	}
	if promotion.Version.Before(r.state.Version) && !r.state.PositionOf(promotion.Key).IsMyTurn {
		r.mu.Unlock()
		r.recordStale(eventbus.TopicPromotion)
		return false
	}
	r.rememberLocked(id)
	r.mu.Unlock()

	for _, l := range r.listeners {
		l.Promoted(promotion)
	}
	return true
}

// ObserveAdmission forwards admission to interested listeners.
func (r *Replica) ObserveAdmission(admission queue.Admission) {
	for _, l := range r.listeners {
		if al, ok := l.(AdmissionListener); ok {
			al.Admitted(admission)
		}
	}
}

func (r *Replica) rememberLocked(id promotionID) {
	if old := r.seenRing[r.seenNext]; old.key != "" {
		delete(r.seen, old)
	}
	r.seenRing[r.seenNext] = id
	r.seenNext = (r.seenNext + 1) % len(r.seenRing)
	r.seen[id] = struct{}{}
}

// Position derives key's status from the cached snapshot.
func (r *Replica) Position(_ context.Context, key string) queue.Position {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.PositionOf(key)
}

// Summary returns the newest cached counts.
func (r *Replica) Summary() queue.Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.summary
}

// State returns a copy of the cached snapshot.
func (r *Replica) State() queue.State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneState(r.state)
}

// Ready reports whether any snapshot has been applied.
func (r *Replica) Ready() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return !r.state.Version.IsZero()
}

// Subscriptions returns the bus bindings feeding the replica.
func (r *Replica) Subscriptions() []Subscription {
	return []Subscription{
		{Topic: eventbus.TopicFullSync, Start: eventbus.StartLast, Handler: r.handleFullSync},
		{Topic: eventbus.TopicSummary, Start: eventbus.StartLast, Handler: r.handleSummary},
		{Topic: eventbus.TopicPromotion, Start: eventbus.StartLatest, Handler: r.handlePromotion},
		{Topic: eventbus.TopicProcessing, Start: eventbus.StartLatest, Handler: r.handleAdmission},
	}
}

func (r *Replica) handleFullSync(_ context.Context, msg eventbus.Message) error {
	var state queue.State
	if err := msg.Decode(&state); err != nil {
		return err
	}
	if state.Version.IsZero() || state.MaxActiveUsers <= 0 {
		return errs.Malformed("propagation/replica", "full-sync without version or capacity", nil)
	}
	r.ApplyFullSync(state)
	return nil
}

func (r *Replica) handleSummary(_ context.Context, msg eventbus.Message) error {
	var summary queue.Summary
	if err := msg.Decode(&summary); err != nil {
		return err
	}
	if summary.Version.IsZero() {
		return errs.Malformed("propagation/replica", "summary without version", nil)
	}
	r.ApplySummary(summary)
	return nil
}

func (r *Replica) handlePromotion(_ context.Context, msg eventbus.Message) error {
	var promotion queue.Promotion
	if err := msg.Decode(&promotion); err != nil {
		return err
	}
	if strings.TrimSpace(promotion.Key) == "" {
		return errs.Malformed("propagation/replica", "promotion without key", nil)
	}
	r.ObservePromotion(promotion)
	return nil
}

func (r *Replica) handleAdmission(_ context.Context, msg eventbus.Message) error {
	var admission queue.Admission
	if err := msg.Decode(&admission); err != nil {
		return err
	}
	if strings.TrimSpace(admission.Key) == "" {
		return errs.Malformed("propagation/replica", "admission without key", nil)
	}
	r.ObserveAdmission(admission)
	return nil
}

func (r *Replica) notifySummary(summary queue.Summary) {
	for _, l := range r.listeners {
		l.SummaryChanged(summary)
	}
}

func (r *Replica) recordStale(topic string) {
	if r.staleCounter == nil {
		return
	}
	r.staleCounter.Add(context.Background(), 1, metric.WithAttributes(
		telemetry.TopicAttributes(telemetry.Environment(), topic)...))
}

func cloneState(s queue.State) queue.State {
	s.Queue = append([]queue.Entry(nil), s.Queue...)
	s.Processing = append([]string(nil), s.Processing...)
	s.Active = append([]string(nil), s.Active...)
	return s
}
