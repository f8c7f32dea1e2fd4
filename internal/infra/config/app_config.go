// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// QueueConfig sizes the admission queue.
type QueueConfig struct {
	MaxActiveUsers    int           `yaml:"maxActiveUsers"`
	SessionTTL        time.Duration `yaml:"sessionTTL"`
	ProcessingTimeout time.Duration `yaml:"processingTimeout"`
	ReapInterval      time.Duration `yaml:"reapInterval"`
	RecoverOnStart    bool          `yaml:"recoverOnStart"`
	RedirectTo        string        `yaml:"redirectTo"`
}

// BusConfig controls the event bus client, broker and propagator.
type BusConfig struct {
	Driver           BusDriver     `yaml:"driver"`
	ConnectTimeout   time.Duration `yaml:"connectTimeout"`
	MaxRetryInterval time.Duration `yaml:"maxRetryInterval"`
	HealthInterval   time.Duration `yaml:"healthInterval"`
	PollInterval     time.Duration `yaml:"pollInterval"`
	RedeliveryDelay  time.Duration `yaml:"redeliveryDelay"`
	Retention        int           `yaml:"retention"`
	TrimInterval     time.Duration `yaml:"trimInterval"`
	PublishRetries   uint          `yaml:"publishRetries"`
	PublishTimeout   time.Duration `yaml:"publishTimeout"`
	BufferSize       int           `yaml:"bufferSize"`
	ConsumerGroup    string        `yaml:"consumerGroup"`
}

// DatabaseConfig controls PostgreSQL connectivity and migration behaviour.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxConns        int32         `yaml:"maxConns"`
	MinConns        int32         `yaml:"minConns"`
	MaxConnLifetime time.Duration `yaml:"maxConnLifetime"`
	ConnectTimeout  time.Duration `yaml:"connectTimeout"`
	RunMigrations   bool          `yaml:"runMigrations"`
}

// APIServerConfig configures the owner's HTTP surface.
type APIServerConfig struct {
	Addr        string `yaml:"addr"`
	EnableDebug bool   `yaml:"enableDebug"`
	AdminToken  string `yaml:"adminToken"`
	// RateLimitPerMinute caps join and session requests per key. Zero disables it.
	RateLimitPerMinute int `yaml:"rateLimitPerMinute"`
}

// RelayServerConfig configures the relay's real-time surface.
type RelayServerConfig struct {
	Addr           string        `yaml:"addr"`
	SendBuffer     int           `yaml:"sendBuffer"`
	PingInterval   time.Duration `yaml:"pingInterval"`
	ReadLimit      int64         `yaml:"readLimit"`
	MessageRate    float64       `yaml:"messageRate"`
	MessageBurst   int           `yaml:"messageBurst"`
	AllowedOrigins []string      `yaml:"allowedOrigins"`
}

// ClientConfig is the polling hint handed to clients as a fallback for missed pushes.
type ClientConfig struct {
	PollInterval    time.Duration `yaml:"pollInterval"`
	PollMaxInterval time.Duration `yaml:"pollMaxInterval"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// AppConfig is the unified waiting room configuration sourced from YAML.
type AppConfig struct {
	Environment Environment       `yaml:"environment"`
	Queue       QueueConfig       `yaml:"queue"`
	Bus         BusConfig         `yaml:"bus"`
	Database    DatabaseConfig    `yaml:"database"`
	APIServer   APIServerConfig   `yaml:"apiServer"`
	RelayServer RelayServerConfig `yaml:"relayServer"`
	Client      ClientConfig      `yaml:"client"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// Default returns the configuration used when no file is supplied.
func Default() AppConfig {
	cfg := AppConfig{
		Environment: EnvDev,
		Queue: QueueConfig{
			MaxActiveUsers:    1,
			SessionTTL:        0,
			ProcessingTimeout: 0,
			ReapInterval:      0,
			RecoverOnStart:    true,
			RedirectTo:        "",
		},
		Bus:         BusConfig{Driver: BusDriverMemory},
		Database:    DatabaseConfig{},
		APIServer:   APIServerConfig{},
		RelayServer: RelayServerConfig{},
		Client:      ClientConfig{},
		Telemetry:   TelemetryConfig{EnableMetrics: true, OTLPInsecure: true},
	}
	cfg.normalise()
	return cfg
}

// Load reads, normalises and validates an AppConfig from the YAML file at configPath.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	cfg := AppConfig{Queue: QueueConfig{RecoverOnStart: true}}
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.finish(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// LoadOrDefault loads configPath when it exists and falls back to Default
// otherwise. The boolean reports whether the file was used.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, bool, error) {
	if strings.TrimSpace(configPath) != "" {
		if _, err := os.Stat(configPath); err == nil {
			cfg, loadErr := Load(ctx, configPath)
			return cfg, true, loadErr
		} else if !os.IsNotExist(err) {
			return AppConfig{}, false, fmt.Errorf("stat config: %w", err)
		}
	}
	cfg := Default()
	if err := cfg.finish(); err != nil {
		return AppConfig{}, false, err
	}
	return cfg, false, nil
}

func (c *AppConfig) finish() error {
	if err := c.applyEnv(os.LookupEnv); err != nil {
		return err
	}
	c.normalise()
	return c.Validate()
}

func (c *AppConfig) normalise() {
	c.Environment = normalizeEnvironment(string(c.Environment))
	if c.Environment == "" {
		c.Environment = EnvDev
	}

	q := &c.Queue
	if q.ProcessingTimeout == 0 {
		q.ProcessingTimeout = 5 * time.Second
	}
	if q.ReapInterval <= 0 {
		q.ReapInterval = time.Second
	}
	q.RedirectTo = strings.TrimSpace(q.RedirectTo)
	if q.RedirectTo == "" {
		q.RedirectTo = "/checkout"
	}

	b := &c.Bus
	b.Driver = BusDriver(strings.ToLower(strings.TrimSpace(string(b.Driver))))
	if b.Driver == "" {
		b.Driver = BusDriverMemory
	}
	if b.ConnectTimeout <= 0 {
		b.ConnectTimeout = 5 * time.Second
	}
	if b.MaxRetryInterval <= 0 {
		b.MaxRetryInterval = 30 * time.Second
	}
	if b.HealthInterval <= 0 {
		b.HealthInterval = 5 * time.Second
	}
	if b.PublishRetries == 0 {
		b.PublishRetries = 3
	}
	if b.PublishTimeout <= 0 {
		b.PublishTimeout = 2 * time.Second
	}
	if b.BufferSize <= 0 {
		b.BufferSize = 1024
	}
	if b.Retention < 0 {
		b.Retention = 0
	}
	b.ConsumerGroup = strings.TrimSpace(b.ConsumerGroup)
	if b.ConsumerGroup == "" {
		b.ConsumerGroup = "waitroom"
	}

	d := &c.Database
	d.DSN = strings.TrimSpace(d.DSN)
	if d.MaxConns <= 0 {
		d.MaxConns = 8
	}
	if d.MinConns <= 0 {
		d.MinConns = 1
	}
	if d.MinConns > d.MaxConns {
		d.MinConns = d.MaxConns
	}
	if d.MaxConnLifetime <= 0 {
		d.MaxConnLifetime = 30 * time.Minute
	}
	if d.ConnectTimeout <= 0 {
		d.ConnectTimeout = 10 * time.Second
	}

	c.APIServer.Addr = strings.TrimSpace(c.APIServer.Addr)
	if c.APIServer.Addr == "" {
		c.APIServer.Addr = ":8080"
	}
	c.APIServer.AdminToken = strings.TrimSpace(c.APIServer.AdminToken)

	c.RelayServer.Addr = strings.TrimSpace(c.RelayServer.Addr)
	if c.RelayServer.Addr == "" {
		c.RelayServer.Addr = ":8081"
	}
	origins := c.RelayServer.AllowedOrigins[:0]
	for _, origin := range c.RelayServer.AllowedOrigins {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	c.RelayServer.AllowedOrigins = origins

	if c.Client.PollInterval <= 0 {
		c.Client.PollInterval = 3 * time.Second
	}
	if c.Client.PollMaxInterval < c.Client.PollInterval {
		c.Client.PollMaxInterval = 10 * c.Client.PollInterval
	}

	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "waitroom"
	}
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	if c.Queue.MaxActiveUsers <= 0 {
		return fmt.Errorf("queue maxActiveUsers must be >0")
	}
	if c.Queue.SessionTTL < 0 {
		return fmt.Errorf("queue sessionTTL must be >=0")
	}
	if c.Queue.ProcessingTimeout < 0 {
		return fmt.Errorf("queue processingTimeout must be >=0")
	}

	switch c.Bus.Driver {
	case BusDriverMemory:
	case BusDriverPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database: dsn required for the postgres bus driver")
		}
	default:
		return fmt.Errorf("bus driver must be one of memory, postgres")
	}

	if c.APIServer.RateLimitPerMinute < 0 {
		return fmt.Errorf("apiServer rateLimitPerMinute must be >=0")
	}
	if c.Environment == EnvProd && c.APIServer.EnableDebug && c.APIServer.AdminToken == "" {
		return fmt.Errorf("apiServer adminToken required when debug is enabled in prod")
	}
	if c.RelayServer.SendBuffer < 0 || c.RelayServer.ReadLimit < 0 || c.RelayServer.MessageBurst < 0 || c.RelayServer.MessageRate < 0 {
		return fmt.Errorf("relayServer limits must be >=0")
	}
	return nil
}

type lookupFunc func(string) (string, bool)

// applyEnv overlays WAITROOM_* environment variables.
func (c *AppConfig) applyEnv(lookup lookupFunc) error {
	if v, ok := lookup("WAITROOM_ENV"); ok && strings.TrimSpace(v) != "" {
		c.Environment = normalizeEnvironment(v)
	}
	if v, ok := lookup("WAITROOM_BUS_DRIVER"); ok && strings.TrimSpace(v) != "" {
		c.Bus.Driver = BusDriver(v)
	}
	if v, ok := lookup("WAITROOM_DATABASE_DSN"); ok && strings.TrimSpace(v) != "" {
		c.Database.DSN = v
	}
	if v, ok := lookup("WAITROOM_ADMIN_TOKEN"); ok && strings.TrimSpace(v) != "" {
		c.APIServer.AdminToken = v
	}
	if v, ok := lookup("WAITROOM_MAX_ACTIVE_USERS"); ok && strings.TrimSpace(v) != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("WAITROOM_MAX_ACTIVE_USERS: %w", err)
		}
		c.Queue.MaxActiveUsers = n
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
