package bootstrap

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/waitroom/internal/infra/config"
	"github.com/coachpo/waitroom/internal/infra/telemetry"
)

const (
	serverShutdownTimeout    = 5 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	componentShutdownTimeout = 2 * time.Second
	busShutdownTimeout       = 5 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	readHeaderTimeout        = 5 * time.Second
)

// InitTelemetry starts the meter provider described by cfg.
func InitTelemetry(ctx context.Context, logger *log.Logger, cfg config.AppConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.Telemetry.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	}
	if cfg.Telemetry.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.Telemetry.ServiceName
	}
	telemetryCfg.Environment = string(cfg.Environment)
	telemetryCfg.OTLPInsecure = cfg.Telemetry.OTLPInsecure
	telemetryCfg.EnableMetrics = cfg.Telemetry.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}

	if telemetryCfg.Enabled {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

// NewServer returns the HTTP server for addr and handler.
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:                         addr,
		Handler:                      handler,
		DisableGeneralOptionsHandler: false,
		TLSConfig:                    nil,
		ReadTimeout:                  0,
		WriteTimeout:                 0,
		IdleTimeout:                  0,
		MaxHeaderBytes:               0,
		TLSNextProto:                 nil,
		ConnState:                    nil,
		ErrorLog:                     nil,
		BaseContext:                  nil,
		ConnContext:                  nil,
		HTTP2:                        nil,
		Protocols:                    nil,
		ReadHeaderTimeout:            readHeaderTimeout,
	}
}

// Serve runs server on lifecycle until it is shut down.
func Serve(lifecycle *conc.WaitGroup, logger *log.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("http server: %v", err)
		}
	})
}

// ShutdownConfig lists what GracefulShutdown tears down, in order.
type ShutdownConfig struct {
	Server     *http.Server
	MainCancel context.CancelFunc
	Lifecycle  *conc.WaitGroup
	// Components close after the lifecycle goroutines have stopped.
	Components []func()
	Bus        *Bus
	Telemetry  *telemetry.Provider
}

// GracefulShutdown stops the server first so no new work arrives, then the
// background goroutines, then the components, bus and telemetry.
func GracefulShutdown(ctx context.Context, logger *log.Logger, cfg ShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.Server != nil {
		shutdownStep("stopping http server", serverShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.Server.Shutdown(stepCtx)
		})
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.MainCancel != nil {
		cfg.MainCancel()
	}

	if cfg.Lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			return waitFor(stepCtx, cfg.Lifecycle.Wait)
		})
	}

	for _, closeFn := range cfg.Components {
		if closeFn == nil {
			continue
		}
		shutdownStep("closing component", componentShutdownTimeout, func(stepCtx context.Context) error {
			return waitFor(stepCtx, closeFn)
		})
	}

	if cfg.Bus != nil {
		shutdownStep("closing event bus", busShutdownTimeout, func(stepCtx context.Context) error {
			return waitFor(stepCtx, cfg.Bus.Close)
		})
	}

	if cfg.Telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.Telemetry.Shutdown(stepCtx)
		})
	}
}

func waitFor(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timeout: %w", ctx.Err())
	}
}
