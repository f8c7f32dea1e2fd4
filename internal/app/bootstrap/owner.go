package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/waitroom/internal/app/admission"
	"github.com/coachpo/waitroom/internal/app/fanout"
	"github.com/coachpo/waitroom/internal/app/propagation"
	"github.com/coachpo/waitroom/internal/domain/queue"
	"github.com/coachpo/waitroom/internal/infra/bus/eventbus"
	"github.com/coachpo/waitroom/internal/infra/config"
	httpserver "github.com/coachpo/waitroom/internal/infra/server/http"
	wsserver "github.com/coachpo/waitroom/internal/infra/server/ws"
	"github.com/coachpo/waitroom/internal/infra/telemetry"
)

// Owner is the process holding the authoritative queue.
type Owner struct {
	Store       *queue.Store
	Coordinator *admission.Coordinator
	Propagator  *propagation.Propagator
	Hub         *fanout.Hub
	Realtime    *wsserver.Server
	Handler     http.Handler

	cfg    config.AppConfig
	bus    *Bus
	logger *log.Logger
}

// NewOwner wires the store, coordinator, propagator and fanout hub. A nil bus
// runs the owner in local-only mode.
func NewOwner(cfg config.AppConfig, bus *Bus, logger *log.Logger) (*Owner, error) {
	if logger == nil {
		logger = log.New(os.Stdout, "owner ", log.LstdFlags|log.Lmicroseconds)
	}

	var publisher propagation.Publisher
	if bus != nil {
		publisher = bus
	}
	propagator := propagation.NewPropagator(publisher,
		propagation.WithLogger(logger),
		propagation.WithBufferSize(cfg.Bus.BufferSize),
		propagation.WithRetry(cfg.Bus.PublishRetries, 0, 0),
		propagation.WithPublishTimeout(cfg.Bus.PublishTimeout),
	)

	store := queue.NewStore(cfg.Queue.MaxActiveUsers, queue.WithObserver(propagator))
	coordinator := admission.NewCoordinator(store, propagator,
		admission.WithLogger(logger),
		admission.WithSessionTTL(cfg.Queue.SessionTTL),
		admission.WithProcessingTimeout(cfg.Queue.ProcessingTimeout),
		admission.WithReapInterval(cfg.Queue.ReapInterval),
		admission.WithPollAfter(cfg.Client.PollInterval),
		admission.WithRedirectTo(cfg.Queue.RedirectTo),
	)
	hub := fanout.NewHub(coordinator, coordinator,
		fanout.WithLogger(logger),
		fanout.WithRole(telemetry.RoleOwner),
	)
	propagator.AddListener(hub)

	realtime := wsserver.NewServer(hub, realtimeConfig(cfg.RelayServer), wsserver.WithLogger(logger))

	opts := []httpserver.Option{
		httpserver.WithLogger(logger),
		httpserver.WithRealtime(realtime),
	}
	if bus != nil {
		opts = append(opts, httpserver.WithBus(bus))
	}
	handler := httpserver.NewHandler(coordinator, httpserver.Config{
		Role:        telemetry.RoleOwner,
		EnableDebug: cfg.APIServer.EnableDebug,
		AdminToken:  cfg.APIServer.AdminToken,
		RateLimits:  rateLimits(cfg.APIServer.RateLimitPerMinute),
	}, opts...)

	owner := &Owner{
		Store:       store,
		Coordinator: coordinator,
		Propagator:  propagator,
		Hub:         hub,
		Realtime:    realtime,
		Handler:     handler,
		cfg:         cfg,
		bus:         bus,
		logger:      logger,
	}
	if bus != nil {
		handlerGroup := ConsumerGroup(cfg, telemetry.RoleOwner)
		commands := propagation.NewCommandHandler(coordinator, logger)
		if err := propagation.Bind(bus, handlerGroup, commands.Subscriptions()); err != nil {
			return nil, fmt.Errorf("bind command handler: %w", err)
		}
	}
	return owner, nil
}

// Start connects the bus, optionally restores the last snapshot, and launches
// the propagator and the expiry loop on lifecycle.
func (o *Owner) Start(ctx context.Context, lifecycle *conc.WaitGroup) {
	if o.bus != nil {
		o.bus.Start()
		if o.cfg.Queue.RecoverOnStart {
			if err := o.recover(ctx); err != nil {
				o.logger.Printf("recover queue: %v", err)
			}
		}
	}
	o.Propagator.Start()
	o.Hub.BroadcastSummary(o.Coordinator.Summary())
	lifecycle.Go(func() {
		o.Coordinator.Run(ctx)
	})
}

func (o *Owner) recover(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, o.cfg.Bus.ConnectTimeout)
	defer cancel()
	if !o.bus.WaitConnected(waitCtx) {
		return errors.New("bus not connected; starting with an empty queue")
	}
	msg, ok, err := o.bus.Last(waitCtx, eventbus.TopicFullSync)
	if err != nil {
		return fmt.Errorf("read last snapshot: %w", err)
	}
	if !ok {
		o.logger.Print("no snapshot on the bus; starting with an empty queue")
		return nil
	}
	var state queue.State
	if err := msg.Decode(&state); err != nil {
		return err
	}
	o.Coordinator.Restore(ctx, state)
	return nil
}

// Close stops real-time connections and the propagator.
func (o *Owner) Close() {
	o.Realtime.Close()
	o.Propagator.Close()
}

func realtimeConfig(cfg config.RelayServerConfig) wsserver.Config {
	return wsserver.Config{
		SendBuffer:     cfg.SendBuffer,
		PingInterval:   cfg.PingInterval,
		PingTimeout:    0,
		WriteTimeout:   0,
		ReadLimit:      cfg.ReadLimit,
		MessageRate:    cfg.MessageRate,
		MessageBurst:   cfg.MessageBurst,
		AllowedOrigins: cfg.AllowedOrigins,
	}
}

func rateLimits(perMinute int) map[time.Duration]int {
	if perMinute <= 0 {
		return nil
	}
	return map[time.Duration]int{time.Minute: perMinute}
}
