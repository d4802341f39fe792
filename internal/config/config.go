// Package config loads and validates application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/hookdump/Brainstem/internal/graph"
)

// Backend selector values.
const (
	BackendInMemory  = "inmemory"
	BackendSQLite    = "sqlite"
	BackendPostgres  = "postgres"
	BackendInProcess = "inprocess"
)

// Config holds all application configuration.
type Config struct {
	// Memory store settings.
	StoreBackend string // "inmemory", "sqlite", or "postgres"
	SQLitePath   string
	PostgresDSN  string

	// Graph expansion settings.
	GraphEnabled         bool
	GraphMaxExpansion    int
	GraphHalfLifeHours   float64
	GraphRelationWeights map[graph.Relation]float64 // Overrides parsed from JSON.
	GraphSQLitePath      string

	// Job queue settings.
	JobBackend      string // "inprocess" or "sqlite"
	JobSQLitePath   string
	JobMaxAttempts  int
	JobPollInterval time.Duration
	JobWorkers      int

	// Model registry settings.
	RegistryBackend    string // "inmemory", "sqlite", or "postgres"
	RegistrySQLitePath string
	SignalWindow       int // Retained signals per model kind.

	// OTEL settings.
	OTELEndpoint string
	ServiceName  string

	// Operational settings.
	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	weights, err := graph.ParseRelationWeightsJSON(envStr("BRAINSTEM_GRAPH_RELATION_WEIGHTS", ""))
	if err != nil {
		return Config{}, fmt.Errorf("config: BRAINSTEM_GRAPH_RELATION_WEIGHTS: %w", err)
	}

	cfg := Config{
		StoreBackend:         envStr("BRAINSTEM_STORE_BACKEND", BackendInMemory),
		SQLitePath:           envStr("BRAINSTEM_SQLITE_PATH", "brainstem.db"),
		PostgresDSN:          envStr("BRAINSTEM_POSTGRES_DSN", ""),
		GraphEnabled:         envBool("BRAINSTEM_GRAPH_ENABLED", false),
		GraphMaxExpansion:    envInt("BRAINSTEM_GRAPH_MAX_EXPANSION", 4),
		GraphHalfLifeHours:   envFloat("BRAINSTEM_GRAPH_HALF_LIFE_HOURS", 168),
		GraphRelationWeights: weights,
		GraphSQLitePath:      envStr("BRAINSTEM_GRAPH_SQLITE_PATH", "brainstem_graph.db"),
		JobBackend:           envStr("BRAINSTEM_JOB_BACKEND", BackendInProcess),
		JobSQLitePath:        envStr("BRAINSTEM_JOB_SQLITE_PATH", "brainstem_jobs.db"),
		JobMaxAttempts:       envInt("BRAINSTEM_JOB_MAX_ATTEMPTS", 3),
		JobPollInterval:      envDuration("BRAINSTEM_JOB_POLL_INTERVAL", 200*time.Millisecond),
		JobWorkers:           envInt("BRAINSTEM_JOB_WORKERS", 1),
		RegistryBackend:      envStr("BRAINSTEM_MODEL_REGISTRY_BACKEND", BackendInMemory),
		RegistrySQLitePath:   envStr("BRAINSTEM_MODEL_REGISTRY_SQLITE_PATH", "brainstem_registry.db"),
		SignalWindow:         envInt("BRAINSTEM_MODEL_SIGNAL_WINDOW", 500),
		OTELEndpoint:         envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:          envStr("OTEL_SERVICE_NAME", "brainstem"),
		LogLevel:             envStr("BRAINSTEM_LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks backend selectors and cross-field requirements.
func (c Config) Validate() error {
	switch c.StoreBackend {
	case BackendInMemory, BackendSQLite, BackendPostgres:
	default:
		return fmt.Errorf("config: unsupported BRAINSTEM_STORE_BACKEND %q", c.StoreBackend)
	}
	switch c.JobBackend {
	case BackendInProcess, BackendSQLite:
	default:
		return fmt.Errorf("config: unsupported BRAINSTEM_JOB_BACKEND %q", c.JobBackend)
	}
	switch c.RegistryBackend {
	case BackendInMemory, BackendSQLite, BackendPostgres:
	default:
		return fmt.Errorf("config: unsupported BRAINSTEM_MODEL_REGISTRY_BACKEND %q", c.RegistryBackend)
	}
	if c.StoreBackend == BackendPostgres && c.PostgresDSN == "" {
		return fmt.Errorf("config: BRAINSTEM_POSTGRES_DSN is required when BRAINSTEM_STORE_BACKEND is postgres")
	}
	if c.RegistryBackend == BackendPostgres && c.PostgresDSN == "" {
		return fmt.Errorf("config: BRAINSTEM_POSTGRES_DSN is required when BRAINSTEM_MODEL_REGISTRY_BACKEND is postgres")
	}
	if c.GraphMaxExpansion < 0 {
		return fmt.Errorf("config: BRAINSTEM_GRAPH_MAX_EXPANSION must not be negative")
	}
	if c.JobMaxAttempts < 1 {
		return fmt.Errorf("config: BRAINSTEM_JOB_MAX_ATTEMPTS must be positive")
	}
	if c.JobWorkers < 1 {
		return fmt.Errorf("config: BRAINSTEM_JOB_WORKERS must be positive")
	}
	if c.SignalWindow < 1 {
		return fmt.Errorf("config: BRAINSTEM_MODEL_SIGNAL_WINDOW must be positive")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
