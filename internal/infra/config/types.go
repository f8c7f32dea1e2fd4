package config

import "strings"

// Environment identifies the runtime environment of the waiting room.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// BusDriver selects the message log behind the event bus.
type BusDriver string

const (
	// BusDriverMemory keeps the log in process. Owner and relay must share a process.
	BusDriverMemory BusDriver = "memory"
	// BusDriverPostgres persists the log in PostgreSQL.
	BusDriverPostgres BusDriver = "postgres"
)

func normalizeEnvironment(value string) Environment {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "development":
		return EnvDev
	case "production":
		return EnvProd
	default:
		return Environment(strings.ToLower(strings.TrimSpace(value)))
	}
}
