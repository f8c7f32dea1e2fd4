package propagation

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/coachpo/waitroom/errs"
	"github.com/coachpo/waitroom/internal/domain/queue"
	"github.com/coachpo/waitroom/internal/infra/bus/eventbus"
)

// Command actions carried on eventbus.TopicCommands.
const (
	ActionLeave              = "leave"
	ActionEndSession         = "end_session"
	ActionCompleteProcessing = "complete_processing"
)

// CommandPayload is the body of a forwarded command.
type CommandPayload struct {
	Key         string    `json:"key"`
	Origin      string    `json:"origin,omitempty"`
	RequestedAt time.Time `json:"requestedAt"`
}

// Subscription binds a handler to a bus topic.
type Subscription struct {
	Topic   string
	Start   eventbus.StartPosition
	Handler eventbus.Handler
}

// Subscriber is the bus surface used to attach subscriptions. *eventbus.Client satisfies it.
type Subscriber interface {
	Subscribe(topic, group string, opts eventbus.ConsumeOptions, handler eventbus.Handler) error
}

// Bind attaches subs to the bus under consumer group.
func Bind(bus Subscriber, group string, subs []Subscription) error {
	for _, sub := range subs {
		if err := bus.Subscribe(sub.Topic, group, eventbus.ConsumeOptions{Start: sub.Start}, sub.Handler); err != nil {
			return fmt.Errorf("subscribe %s: %w", sub.Topic, err)
		}
	}
	return nil
}

// CommandForwarder publishes owner-bound commands from a relay.
type CommandForwarder struct {
	pub    Publisher
	origin string
	now    func() time.Time
}

// NewCommandForwarder constructs a forwarder; origin identifies the relay in payloads.
func NewCommandForwarder(pub Publisher, origin string) *CommandForwarder {
	return &CommandForwarder{pub: pub, origin: strings.TrimSpace(origin), now: time.Now}
}

// Leave forwards a leave request. The result only reports that the request
// was accepted by the bus; the owner applies it asynchronously.
func (f *CommandForwarder) Leave(ctx context.Context, key string) (queue.LeaveResult, error) {
	if err := f.forward(ctx, ActionLeave, key); err != nil {
		return queue.LeaveResult{}, err
	}
	return queue.LeaveResult{
		Success:        true,
		WasInQueue:     false,
		WasActive:      false,
		FormerPosition: 0,
		Forwarded:      true,
		Message:        "Leave request forwarded",
	}, nil
}

// EndSession forwards an end-of-session request.
func (f *CommandForwarder) EndSession(ctx context.Context, key string) error {
	return f.forward(ctx, ActionEndSession, key)
}

// CompleteProcessing forwards a processing completion.
func (f *CommandForwarder) CompleteProcessing(ctx context.Context, key string) error {
	return f.forward(ctx, ActionCompleteProcessing, key)
}

func (f *CommandForwarder) forward(ctx context.Context, action, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errs.New("propagation/commands", errs.CodeInvalid, errs.WithMessage("key required"))
	}
	if f.pub == nil || !f.pub.Connected() {
		return errs.New("propagation/commands", errs.CodeBusUnavailable, errs.WithMessage("bus not connected"))
	}
	msg, err := eventbus.NewMessage(eventbus.TopicCommands, action, CommandPayload{
		Key:         key,
		Origin:      f.origin,
		RequestedAt: f.now().UTC(),
	})
	if err != nil {
		return err
	}
	if _, err := f.pub.Publish(ctx, msg); err != nil {
		return err
	}
	return nil
}

// CommandTarget applies forwarded commands on the owner.
type CommandTarget interface {
	Leave(ctx context.Context, key string) (queue.LeaveResult, error)
	EndSession(ctx context.Context, key string) (queue.EndResult, error)
	CompleteProcessing(ctx context.Context, key string) (bool, error)
}

// CommandHandler consumes eventbus.TopicCommands on the owner.
type CommandHandler struct {
	target CommandTarget
	logger *log.Logger
}

// NewCommandHandler constructs a handler applying commands to target.
func NewCommandHandler(target CommandTarget, logger *log.Logger) *CommandHandler {
	if logger == nil {
		logger = log.New(os.Stdout, "propagation/commands ", log.LstdFlags|log.Lmicroseconds)
	}
	return &CommandHandler{target: target, logger: logger}
}

// Subscriptions returns the owner's command binding.
func (h *CommandHandler) Subscriptions() []Subscription {
	return []Subscription{
		{Topic: eventbus.TopicCommands, Start: eventbus.StartLatest, Handler: h.Handle},
	}
}

// Handle applies one command message. Commands are idempotent, so
// redelivery is harmless.
func (h *CommandHandler) Handle(ctx context.Context, msg eventbus.Message) error {
	var payload CommandPayload
	if err := msg.Decode(&payload); err != nil {
		return err
	}
	key := strings.TrimSpace(payload.Key)
	if key == "" {
		return errs.Malformed("propagation/commands", "command without key", nil)
	}
	switch msg.Action {
	case ActionLeave:
		result, err := h.target.Leave(ctx, key)
		if err != nil {
			return classify(err)
		}
		h.logger.Printf("applied forwarded leave key=%s origin=%s success=%t", key, payload.Origin, result.Success)
	case ActionEndSession:
		if _, err := h.target.EndSession(ctx, key); err != nil {
			return classify(err)
		}
		h.logger.Printf("applied forwarded end_session key=%s origin=%s", key, payload.Origin)
	case ActionCompleteProcessing:
		if _, err := h.target.CompleteProcessing(ctx, key); err != nil {
			return classify(err)
		}
	default:
		return errs.Malformed("propagation/commands", "unknown action "+msg.Action, nil)
	}
	return nil
}

// classify turns validation failures into malformed errors so the bus does
// not redeliver a command that can never succeed.
func classify(err error) error {
	if errs.Is(err, errs.CodeInvalid) {
		return errs.Malformed("propagation/commands", "invalid command", err)
	}
	return err
}
