// Command waitroom-api runs the queue owner: the admission API, the
// authoritative queue and its real-time channel.
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
	loggerPrefix      = "waitroom-api "
	shutdownTimeout   = 30 * time.Second
)

func main() {
	cfgPathFlag, localOnly := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := log.New(os.Stdout, loggerPrefix, log.LstdFlags|log.Lmicroseconds)

	appCfg, loadedFromFile, err := config.LoadOrDefault(ctx, resolveConfigPath(cfgPathFlag))
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if !loadedFromFile {
		logger.Printf("configuration file not found, using defaults")
	}
	logger.Printf("configuration initialised: env=%s, maxActiveUsers=%d, bus=%s",
		appCfg.Environment, appCfg.Queue.MaxActiveUsers, appCfg.Bus.Driver)

	telemetryProvider, err := bootstrap.InitTelemetry(ctx, logger, appCfg)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	var bus *bootstrap.Bus
	if !localOnly {
		bus, err = bootstrap.NewBus(appCfg, logger, nil)
		if err != nil {
			logger.Fatalf("initialise event bus: %v", err)
		}
	} else {
		logger.Print("local-only mode: queue changes are not published")
	}

	owner, err := bootstrap.NewOwner(appCfg, bus, logger)
	if err != nil {
		logger.Fatalf("initialise owner: %v", err)
	}

	var lifecycle conc.WaitGroup
	owner.Start(ctx, &lifecycle)

	server := bootstrap.NewServer(appCfg.APIServer.Addr, owner.Handler)
	bootstrap.Serve(&lifecycle, logger, server)
	logger.Printf("admission API listening on %s", server.Addr)

	logger.Print("waitroom owner started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	bootstrap.GracefulShutdown(shutdownCtx, logger, bootstrap.ShutdownConfig{
		Server:     server,
		MainCancel: cancel,
		Lifecycle:  &lifecycle,
		Components: []func(){owner.Close},
		Bus:        bus,
		Telemetry:  telemetryProvider,
	})

	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() (string, bool) {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	localOnly := flag.Bool("local", false, "Run without an event bus; relays will not see this owner")
	flag.Parse()
	return *cfgPath, *localOnly
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}

	return filepath.Clean(defaultConfigPath)
}
