package propagation

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/coachpo/waitroom/errs"
	"github.com/coachpo/waitroom/internal/domain/queue"
	"github.com/coachpo/waitroom/internal/infra/bus/eventbus"
)

type recordingTarget struct {
	mu        sync.Mutex
	leaves    []string
	ends      []string
	completes []string
	err       error
}

func (r *recordingTarget) Leave(_ context.Context, key string) (queue.LeaveResult, error) {
	r.mu.Lock()
	r.leaves = append(r.leaves, key)
	r.mu.Unlock()
	return queue.LeaveResult{Success: true}, r.err
}

func (r *recordingTarget) EndSession(_ context.Context, key string) (queue.EndResult, error) {
	r.mu.Lock()
	r.ends = append(r.ends, key)
	r.mu.Unlock()
	return queue.EndResult{Success: true}, r.err
}

func (r *recordingTarget) CompleteProcessing(_ context.Context, key string) (bool, error) {
	r.mu.Lock()
	r.completes = append(r.completes, key)
	r.mu.Unlock()
	return true, r.err
}

func TestCommandForwarderRequiresConnection(t *testing.T) {
	pub := newFakePublisher(false)
	fwd := NewCommandForwarder(pub, "relay-1")
	if _, err := fwd.Leave(context.Background(), "A"); !errs.Is(err, errs.CodeBusUnavailable) {
		t.Fatalf("expected bus_unavailable, got %v", err)
	}
	if _, err := fwd.Leave(context.Background(), " "); !errs.Is(err, errs.CodeInvalid) {
		t.Fatalf("expected invalid_request for blank key, got %v", err)
	}
}

func TestCommandForwarderPublishesAction(t *testing.T) {
	pub := newFakePublisher(true)
	fwd := NewCommandForwarder(pub, "relay-1")
	result, err := fwd.Leave(context.Background(), "A")
	if err != nil {
		t.Fatalf("leave: %v", err)
	}
	if !result.Success || !result.Forwarded {
		t.Fatalf("unexpected forwarded result %+v", result)
	}
	if err := fwd.EndSession(context.Background(), "B"); err != nil {
		t.Fatalf("end session: %v", err)
	}
	msgs := pub.published()
	if len(msgs) != 2 || msgs[0].Action != ActionLeave || msgs[1].Action != ActionEndSession {
		t.Fatalf("unexpected commands %+v", msgs)
	}
	var payload CommandPayload
	if err := msgs[0].Decode(&payload); err != nil || payload.Key != "A" || payload.Origin != "relay-1" {
		t.Fatalf("unexpected payload %+v err=%v", payload, err)
	}
}

func TestCommandHandlerDispatchesActions(t *testing.T) {
	target := &recordingTarget{}
	handler := NewCommandHandler(target, nil)
	for _, action := range []string{ActionLeave, ActionEndSession, ActionCompleteProcessing} {
		msg, _ := eventbus.NewMessage(eventbus.TopicCommands, action, CommandPayload{Key: "K"})
		if err := handler.Handle(context.Background(), msg); err != nil {
			t.Fatalf("%s: %v", action, err)
		}
	}
	if len(target.leaves) != 1 || len(target.ends) != 1 || len(target.completes) != 1 {
		t.Fatalf("unexpected dispatch %+v", target)
	}
}

func TestCommandHandlerRejectsBadCommands(t *testing.T) {
	handler := NewCommandHandler(&recordingTarget{}, nil)
	unknown, _ := eventbus.NewMessage(eventbus.TopicCommands, "promote_everyone", CommandPayload{Key: "K"})
	if err := handler.Handle(context.Background(), unknown); !errs.Is(err, errs.CodeMalformed) {
		t.Fatalf("expected malformed for unknown action, got %v", err)
	}
	keyless, _ := eventbus.NewMessage(eventbus.TopicCommands, ActionLeave, CommandPayload{})
	if err := handler.Handle(context.Background(), keyless); !errs.Is(err, errs.CodeMalformed) {
		t.Fatalf("expected malformed for missing key, got %v", err)
	}
}

func TestCommandHandlerClassifiesTargetErrors(t *testing.T) {
	invalid := &recordingTarget{err: errs.New("admission", errs.CodeInvalid)}
	msg, _ := eventbus.NewMessage(eventbus.TopicCommands, ActionLeave, CommandPayload{Key: "K"})
	if err := NewCommandHandler(invalid, nil).Handle(context.Background(), msg); !errs.Is(err, errs.CodeMalformed) {
		t.Fatalf("expected validation failure to be rejected, got %v", err)
	}
	transient := &recordingTarget{err: errors.New("busy")}
	err := NewCommandHandler(transient, nil).Handle(context.Background(), msg)
	if err == nil || errs.Is(err, errs.CodeMalformed) {
		t.Fatalf("expected transient error to requeue, got %v", err)
	}
}

func (r *recordingTarget) leaveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.leaves)
}
