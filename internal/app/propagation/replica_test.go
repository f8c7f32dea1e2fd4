package propagation

import (
	"context"
	"testing"
	"time"

	"github.com/coachpo/waitroom/errs"
	"github.com/coachpo/waitroom/internal/domain/queue"
	"github.com/coachpo/waitroom/internal/infra/bus/eventbus"
)

func stateAt(seq uint64, keys ...string) queue.State {
	entries := make([]queue.Entry, 0, len(keys))
	for i, key := range keys {
		entries = append(entries, queue.Entry{Key: key, Position: i + 1})
	}
	return queue.State{
		Version:        queue.Version{Epoch: 10, Seq: seq},
		Queue:          entries,
		Processing:     nil,
		Active:         []string{"X"},
		MaxActiveUsers: 2,
		Timestamp:      time.Unix(0, 0),
	}
}

func TestReplicaIgnoresStaleFullSync(t *testing.T) {
	listener := &recordingListener{}
	replica := NewReplica(WithReplicaListener(listener))

	if !replica.ApplyFullSync(stateAt(5, "A", "B")) {
		t.Fatalf("expected first snapshot applied")
	}
	if replica.ApplyFullSync(stateAt(4, "Z")) {
		t.Fatalf("expected older snapshot ignored")
	}
	if pos := replica.Position(context.Background(), "B"); pos.Position != 2 || pos.TotalInQueue != 2 {
		t.Fatalf("unexpected position after stale apply: %+v", pos)
	}
	// Redelivery of the same snapshot is accepted and changes nothing.
	if !replica.ApplyFullSync(stateAt(5, "A", "B")) {
		t.Fatalf("expected idempotent re-apply")
	}
	if s, _, _ := listener.counts(); s != 1 {
		t.Fatalf("expected one summary notification, got %d", s)
	}
}

func TestReplicaNewEpochOutranksOldSequence(t *testing.T) {
	replica := NewReplica()
	replica.ApplyFullSync(stateAt(900, "A"))
	restarted := stateAt(1, "B")
	restarted.Epoch = 11
	if !replica.ApplyFullSync(restarted) {
		t.Fatalf("expected snapshot from a newer epoch to apply")
	}
	if pos := replica.Position(context.Background(), "B"); pos.Position != 1 {
		t.Fatalf("expected B at head, got %+v", pos)
	}
}

func TestReplicaSummaryStaleness(t *testing.T) {
	replica := NewReplica()
	replica.ApplyFullSync(stateAt(5, "A"))
	if replica.ApplySummary(queue.Summary{Version: queue.Version{Epoch: 10, Seq: 3}, TotalInQueue: 9}) {
		t.Fatalf("expected older summary ignored")
	}
	if !replica.ApplySummary(queue.Summary{Version: queue.Version{Epoch: 10, Seq: 6}, TotalInQueue: 0, ActiveUsers: 2, MaxActiveUsers: 2}) {
		t.Fatalf("expected newer summary applied")
	}
	if got := replica.Summary(); got.Seq != 6 || got.ActiveUsers != 2 {
		t.Fatalf("unexpected summary %+v", got)
	}
	// A full-sync older than the summary still refreshes positions.
	if !replica.ApplyFullSync(stateAt(5, "A", "C")) {
		t.Fatalf("expected equal-version snapshot applied")
	}
	if got := replica.Summary(); got.Seq != 6 {
		t.Fatalf("summary must not regress, got seq %d", got.Seq)
	}
}

func TestReplicaPromotionDeliveredOnce(t *testing.T) {
	listener := &recordingListener{}
	replica := NewReplica(WithReplicaListener(listener))
	promotion := queue.Promotion{Version: queue.Version{Epoch: 10, Seq: 7}, Key: "B", Position: 1}

	if !replica.ObservePromotion(promotion) {
		t.Fatalf("expected first promotion delivered")
	}
	if replica.ObservePromotion(promotion) {
		t.Fatalf("expected duplicate promotion suppressed")
	}
	if _, p, _ := listener.counts(); p != 1 {
		t.Fatalf("expected exactly one promotion, got %d", p)
	}
}

func TestReplicaDropsPromotionContradictedByNewerState(t *testing.T) {
	replica := NewReplica()
	replica.ApplyFullSync(stateAt(9, "A", "B"))
	stale := queue.Promotion{Version: queue.Version{Epoch: 10, Seq: 4}, Key: "B", Position: 1}
	if replica.ObservePromotion(stale) {
		t.Fatalf("expected stale promotion for a non-head key dropped")
	}
	stillValid := queue.Promotion{Version: queue.Version{Epoch: 10, Seq: 3}, Key: "A", Position: 1}
	if !replica.ObservePromotion(stillValid) {
		t.Fatalf("expected older promotion for the current head delivered")
	}
}

func TestReplicaHandlersRejectMalformedPayloads(t *testing.T) {
	replica := NewReplica()
	handlers := map[string]eventbus.Handler{}
	for _, sub := range replica.Subscriptions() {
		handlers[sub.Topic] = sub.Handler
	}
	cases := []eventbus.Message{
		{Topic: eventbus.TopicFullSync, Payload: []byte(`{"queue":`)},
		{Topic: eventbus.TopicFullSync, Payload: []byte(`{"queue":[]}`)},
		{Topic: eventbus.TopicSummary, Payload: []byte(`{"totalInQueue":1}`)},
		{Topic: eventbus.TopicPromotion, Payload: []byte(`{"epoch":1,"seq":1}`)},
		{Topic: eventbus.TopicProcessing, Payload: []byte(`[]`)},
	}
	for _, msg := range cases {
		err := handlers[msg.Topic](context.Background(), msg)
		if !errs.Is(err, errs.CodeMalformed) {
			t.Fatalf("%s %s: expected malformed error, got %v", msg.Topic, msg.Payload, err)
		}
	}
	if replica.Ready() {
		t.Fatalf("malformed payloads must not populate the replica")
	}
}

func TestReplicaHandlerAppliesFullSync(t *testing.T) {
	replica := NewReplica()
	msg, err := eventbus.NewMessage(eventbus.TopicFullSync, "", stateAt(3, "A"))
	if err != nil {
		t.Fatalf("new message: %v", err)
	}
	for _, sub := range replica.Subscriptions() {
		if sub.Topic == eventbus.TopicFullSync {
			if err := sub.Handler(context.Background(), msg); err != nil {
				t.Fatalf("handle full-sync: %v", err)
			}
		}
	}
	if !replica.Ready() || replica.State().Seq != 3 {
		t.Fatalf("expected replica populated, got %+v", replica.State())
	}
}
