// Command waitroom-relay serves the real-time channel from a replica of the
// owner's queue fed by the event bus.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/waitroom/internal/app/bootstrap"
	"github.com/coachpo/waitroom/internal/infra/config"
)

const (
	defaultConfigPath = "config/app.yaml"
	loggerPrefix      = "waitroom-relay "
	shutdownTimeout   = 30 * time.Second
)

func main() {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := log.New(os.Stdout, loggerPrefix, log.LstdFlags|log.Lmicroseconds)

	path := *cfgPath
	if path == "" {
		path = filepath.Clean(defaultConfigPath)
	}
	appCfg, loadedFromFile, err := config.LoadOrDefault(ctx, path)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if !loadedFromFile {
		logger.Printf("configuration file not found, using defaults")
	}
	if appCfg.Bus.Driver == config.BusDriverMemory {
		logger.Fatalf("bus driver %q is process-local; a standalone relay needs %q", config.BusDriverMemory, config.BusDriverPostgres)
	}

	telemetryProvider, err := bootstrap.InitTelemetry(ctx, logger, appCfg)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	bus, err := bootstrap.NewBus(appCfg, logger, nil)
	if err != nil {
		logger.Fatalf("initialise event bus: %v", err)
	}
	relay, err := bootstrap.NewRelay(appCfg, bus, logger)
	if err != nil {
		logger.Fatalf("initialise relay: %v", err)
	}
	relay.Start()

	var lifecycle conc.WaitGroup
	server := bootstrap.NewServer(appCfg.RelayServer.Addr, relay.Handler)
	bootstrap.Serve(&lifecycle, logger, server)
	logger.Printf("relay listening on %s", server.Addr)

	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	bootstrap.GracefulShutdown(shutdownCtx, logger, bootstrap.ShutdownConfig{
		Server:     server,
		MainCancel: cancel,
		Lifecycle:  &lifecycle,
		Components: []func(){relay.Close},
		Bus:        bus,
		Telemetry:  telemetryProvider,
	})

	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}
