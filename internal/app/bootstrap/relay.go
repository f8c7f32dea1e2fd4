package bootstrap

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/coachpo/waitroom/internal/app/fanout"
	"github.com/coachpo/waitroom/internal/app/propagation"
	"github.com/coachpo/waitroom/internal/infra/config"
	httpserver "github.com/coachpo/waitroom/internal/infra/server/http"
	wsserver "github.com/coachpo/waitroom/internal/infra/server/ws"
	"github.com/coachpo/waitroom/internal/infra/telemetry"
)

// Relay serves real-time connections from a replica of the owner's queue.
type Relay struct {
	Replica  *propagation.Replica
	Hub      *fanout.Hub
	Realtime *wsserver.Server
	Handler  http.Handler

	bus *Bus
}

// NewRelay wires a replica fed from bus and a hub that forwards leave
// requests to the owner.
func NewRelay(cfg config.AppConfig, bus *Bus, logger *log.Logger) (*Relay, error) {
	if bus == nil {
		return nil, errors.New("relay requires an event bus")
	}
	if logger == nil {
		logger = log.New(os.Stdout, "relay ", log.LstdFlags|log.Lmicroseconds)
	}

	group := ConsumerGroup(cfg, telemetry.RoleRelay)
	replica := propagation.NewReplica(propagation.WithReplicaLogger(logger))
	forwarder := propagation.NewCommandForwarder(bus, group)
	hub := fanout.NewHub(replica, forwarder,
		fanout.WithLogger(logger),
		fanout.WithRole(telemetry.RoleRelay),
	)
	replica.AddListener(hub)

	if err := propagation.Bind(bus, group, replica.Subscriptions()); err != nil {
		return nil, fmt.Errorf("bind replica: %w", err)
	}

	realtime := wsserver.NewServer(hub, realtimeConfig(cfg.RelayServer), wsserver.WithLogger(logger))
	handler := httpserver.NewHandler(nil, httpserver.Config{
		Role:        telemetry.RoleRelay,
		EnableDebug: false,
		AdminToken:  "",
		RateLimits:  nil,
	}, httpserver.WithLogger(logger), httpserver.WithBus(bus), httpserver.WithRealtime(realtime))

	return &Relay{
		Replica:  replica,
		Hub:      hub,
		Realtime: realtime,
		Handler:  handler,
		bus:      bus,
	}, nil
}

// Start connects the bus; the replica fills as snapshots arrive.
func (r *Relay) Start() {
	r.bus.Start()
}

// Close ends real-time connections.
func (r *Relay) Close() {
	r.Realtime.Close()
}
