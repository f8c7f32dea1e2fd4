// Package bootstrap assembles the owner and relay processes from configuration.
package bootstrap

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	dbmigrations "github.com/coachpo/waitroom/db/migrations"
	"github.com/coachpo/waitroom/internal/infra/bus/eventbus"
	"github.com/coachpo/waitroom/internal/infra/config"
	"github.com/coachpo/waitroom/internal/infra/persistence/migrations"
	"github.com/coachpo/waitroom/internal/infra/persistence/postgres"
	"github.com/coachpo/waitroom/internal/infra/telemetry"
)

const busPoolName = "bus"

// Bus is the event bus client together with the resources its connector opens.
type Bus struct {
	*eventbus.Client
	connector *busConnector
}

// NewBus builds the bus client described by cfg. The client is not started.
// A non-nil shared log replaces the in-memory driver's private log, which lets
// an owner and a relay share one process-local bus.
func NewBus(cfg config.AppConfig, logger *log.Logger, shared *eventbus.MemoryLog) (*Bus, error) {
	if logger == nil {
		logger = log.New(os.Stdout, "bootstrap ", log.LstdFlags|log.Lmicroseconds)
	}
	connector := &busConnector{
		cfg:      cfg,
		logger:   logger,
		memory:   shared,
		mu:       sync.Mutex{},
		pool:     nil,
		migrated: false,
	}
	switch cfg.Bus.Driver {
	case config.BusDriverMemory:
		if connector.memory == nil {
			connector.memory = eventbus.NewMemoryLog()
		}
	case config.BusDriverPostgres:
		if strings.TrimSpace(cfg.Database.DSN) == "" {
			return nil, fmt.Errorf("bus driver %s requires database.dsn", cfg.Bus.Driver)
		}
	default:
		return nil, fmt.Errorf("unsupported bus driver %q", cfg.Bus.Driver)
	}

	client := eventbus.NewClient(connector.connect,
		eventbus.WithClientLogger(logger),
		eventbus.WithReconnectBackoff(0, cfg.Bus.MaxRetryInterval),
		eventbus.WithHealthInterval(cfg.Bus.HealthInterval),
	)
	client.DeclareTopics(eventbus.Topics()...)
	return &Bus{Client: client, connector: connector}, nil
}

// Close stops the client and releases the database pool, if any.
func (b *Bus) Close() {
	b.Client.Close()
	b.connector.close()
}

// ConsumerGroup returns the group name for role. Relays need a group of their
// own so every relay sees every message.
func ConsumerGroup(cfg config.AppConfig, role string) string {
	base := strings.TrimSpace(cfg.Bus.ConsumerGroup)
	if base == "" {
		base = "waitroom"
	}
	if role != telemetry.RoleRelay {
		return base + "." + role
	}
	instance, err := os.Hostname()
	if err != nil || strings.TrimSpace(instance) == "" {
		instance = uuid.NewString()
	}
	return base + ".relay." + instance
}

type busConnector struct {
	cfg    config.AppConfig
	logger *log.Logger
	memory *eventbus.MemoryLog

	mu       sync.Mutex
	pool     *pgxpool.Pool
	migrated bool
}

func (c *busConnector) brokerConfig() eventbus.BrokerConfig {
	return eventbus.BrokerConfig{
		PollInterval:    c.cfg.Bus.PollInterval,
		RedeliveryDelay: c.cfg.Bus.RedeliveryDelay,
		Retention:       c.cfg.Bus.Retention,
		TrimInterval:    c.cfg.Bus.TrimInterval,
	}
}

func (c *busConnector) connect(ctx context.Context) (eventbus.Broker, error) {
	if c.memory != nil {
		return eventbus.NewLogBroker(c.memory, c.brokerConfig(), eventbus.WithBrokerLogger(c.logger)), nil
	}
	pool, err := c.ensurePool(ctx)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping bus database: %w", err)
	}
	return eventbus.NewLogBroker(postgres.NewBusStore(pool), c.brokerConfig(), eventbus.WithBrokerLogger(c.logger)), nil
}

// ensurePool opens the pool once; pgxpool replaces broken connections itself,
// so reconnects reuse it.
func (c *busConnector) ensurePool(ctx context.Context) (*pgxpool.Pool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	db := c.cfg.Database
	if c.cfg.Database.RunMigrations && !c.migrated {
		if err := migrations.ApplyFS(ctx, db.DSN, dbmigrations.Files, c.logger); err != nil {
			return nil, fmt.Errorf("apply migrations: %w", err)
		}
		c.migrated = true
	}
	if c.pool != nil {
		return c.pool, nil
	}
	pool, err := postgres.Connect(ctx, postgres.PoolConfig{
		DSN:             db.DSN,
		MaxConns:        db.MaxConns,
		MinConns:        db.MinConns,
		MaxConnLifetime: db.MaxConnLifetime,
		ConnectTimeout:  db.ConnectTimeout,
	})
	if err != nil {
		return nil, err
	}
	postgres.ObservePoolMetrics(pool, busPoolName)
	c.logger.Printf("bus database pool connected: max_conns=%d", pool.Config().MaxConns)
	c.pool = pool
	return pool, nil
}

func (c *busConnector) close() {
	c.mu.Lock()
	pool := c.pool
	c.pool = nil
	c.mu.Unlock()
	if pool != nil {
		pool.Close()
	}
}
