// Package config provides hierarchical configuration loading for the crewflow
// service process. Precedence: defaults < YAML file < environment variables.
//
// Workflow options (checkpoints, modes, iteration caps) are not service
// configuration; they live in the layered workflow-config.yaml files resolved
// by the settings package.
package config

import "time"

// Config holds all runtime configuration for the crewflow process.
type Config struct {
	Server   Server   `yaml:"server"`
	Logging  Logging  `yaml:"logging"`
	Store    Store    `yaml:"store"`
	Postgres Postgres `yaml:"postgres"`
	NATS     NATS     `yaml:"nats"`
	Cache    Cache    `yaml:"cache"`
	Agent    Agent    `yaml:"agent"`
	Breaker  Breaker  `yaml:"breaker"`
	OTEL     OTEL     `yaml:"otel"`
	MCP      MCP      `yaml:"mcp"`
}

// Server holds HTTP server configuration.
type Server struct {
	Addr       string  `yaml:"addr"`
	CORSOrigin string  `yaml:"cors_origin"`
	RateLimit  float64 `yaml:"rate_limit"` // run requests per second per task
	RateBurst  int     `yaml:"rate_burst"`
	MaxRuns    int     `yaml:"max_runs"` // tasks driven concurrently by serve
}

// Logging holds structured logging configuration.
type Logging struct {
	Level   string `yaml:"level"`
	Service string `yaml:"service"`
	Async   bool   `yaml:"async"`
}

// Store selects where tasks and the discovery/cost logs live.
type Store struct {
	TasksDir string `yaml:"tasks_dir"`
	Backend  string `yaml:"backend"` // "jsonl" | "postgres" for the discovery/cost logs
}

// Store backends.
const (
	BackendJSONL    = "jsonl"
	BackendPostgres = "postgres"
)

// Postgres holds PostgreSQL connection configuration.
type Postgres struct {
	DSN             string        `yaml:"dsn"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
	HealthCheck     time.Duration `yaml:"health_check"`
}

// NATS holds event publishing configuration. An empty URL disables NATS.
type NATS struct {
	URL    string `yaml:"url"`
	Stream string `yaml:"stream"`
}

// Cache sizes the effective-configuration cache.
type Cache struct {
	MaxCostMB int64         `yaml:"max_cost_mb"`
	TTL       time.Duration `yaml:"ttl"`
}

// Agent configures the agent backend.
type Agent struct {
	Backend string        `yaml:"backend"`
	Command []string      `yaml:"command"`
	Timeout time.Duration `yaml:"timeout"` // 0 = no limit
}

// Breaker holds per-model circuit breaker configuration.
type Breaker struct {
	MaxFailures int           `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
}

// OTEL holds OpenTelemetry export configuration.
type OTEL struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"`
}

// MCP holds MCP server configuration.
type MCP struct {
	Transport string `yaml:"transport"` // "stdio" | "http"
	Addr      string `yaml:"addr"`
	APIKey    string `yaml:"api_key"` // http transport only; empty disables auth
}

// Defaults returns a Config with sensible default values for local use.
func Defaults() Config {
	return Config{
		Server: Server{
			Addr:       ":8080",
			CORSOrigin: "http://localhost:3000",
			RateLimit:  1,
			RateBurst:  3,
			MaxRuns:    4,
		},
		Logging: Logging{
			Level:   "info",
			Service: "crewflow",
		},
		Store: Store{
			TasksDir: ".tasks",
			Backend:  BackendJSONL,
		},
		Postgres: Postgres{
			MaxConns:        10,
			MinConns:        1,
			MaxConnLifetime: time.Hour,
			MaxConnIdleTime: 10 * time.Minute,
			HealthCheck:     time.Minute,
		},
		NATS: NATS{
			Stream: "CREWFLOW",
		},
		Cache: Cache{
			MaxCostMB: 16,
			TTL:       10 * time.Minute,
		},
		Agent: Agent{
			Backend: "cli",
			Command: []string{"claude", "-p"},
		},
		Breaker: Breaker{
			MaxFailures: 3,
			Timeout:     60 * time.Second,
		},
		OTEL: OTEL{
			Endpoint:    "localhost:4317",
			ServiceName: "crewflow",
			Insecure:    true,
		},
		MCP: MCP{
			Transport: "stdio",
			Addr:      ":3001",
		},
	}
}
