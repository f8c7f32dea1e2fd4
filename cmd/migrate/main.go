// Command migrate applies or reverts the bus log schema.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	dbmigrations "github.com/coachpo/waitroom/db/migrations"
	"github.com/coachpo/waitroom/internal/infra/persistence/migrations"
)

const (
	dsnEnv         = "WAITROOM_DATABASE_DSN"
	defaultTimeout = 30 * time.Second
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(argv []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	var (
		dsn     = fs.String("database", os.Getenv(dsnEnv), "PostgreSQL DSN (default: $"+dsnEnv+")")
		dir     = fs.String("path", "", "Directory containing SQL migrations (default: the bundled set)")
		timeout = fs.Duration("timeout", defaultTimeout, "Maximum time to wait for database connectivity")
		quiet   = fs.Bool("quiet", false, "Suppress informational logs")
	)
	if err := fs.Parse(argv); err != nil {
		return err
	}

	if strings.TrimSpace(*dsn) == "" {
		return errors.New("-database flag or " + dsnEnv + " is required")
	}
	args := fs.Args()
	if len(args) == 0 {
		return errors.New("command required (up|down [steps])")
	}

	var logger *log.Logger
	if !*quiet {
		logger = log.New(os.Stdout, "waitroom-migrate ", log.LstdFlags)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch args[0] {
	case "up":
		if strings.TrimSpace(*dir) == "" {
			return migrations.ApplyFS(ctx, *dsn, dbmigrations.Files, logger)
		}
		return migrations.Apply(ctx, *dsn, *dir, logger)
	case "down":
		if strings.TrimSpace(*dir) == "" {
			return errors.New("down requires -path; bundled migrations are apply-only")
		}
		steps, err := parseSteps(args[1:])
		if err != nil {
			return err
		}
		return migrations.Rollback(ctx, *dsn, *dir, steps, logger)
	default:
		return fmt.Errorf("unknown command %q (expected up or down)", args[0])
	}
}

func parseSteps(args []string) (int, error) {
	if len(args) == 0 {
		return 1, nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, fmt.Errorf("invalid down steps %q: %w", args[0], err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("down steps must be positive, got %d", n)
	}
	return n, nil
}
