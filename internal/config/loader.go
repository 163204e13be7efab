package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "crewflow.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from the operator
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Addr, "CREWFLOW_ADDR")
	setString(&cfg.Server.CORSOrigin, "CREWFLOW_CORS_ORIGIN")
	setFloat(&cfg.Server.RateLimit, "CREWFLOW_RATE_LIMIT")
	setInt(&cfg.Server.RateBurst, "CREWFLOW_RATE_BURST")
	setInt(&cfg.Server.MaxRuns, "CREWFLOW_MAX_RUNS")

	setString(&cfg.Logging.Level, "CREWFLOW_LOG_LEVEL")
	setString(&cfg.Logging.Service, "CREWFLOW_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "CREWFLOW_LOG_ASYNC")

	setString(&cfg.Store.TasksDir, "CREWFLOW_TASKS_DIR")
	setString(&cfg.Store.Backend, "CREWFLOW_STORE_BACKEND")

	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "CREWFLOW_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "CREWFLOW_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "CREWFLOW_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "CREWFLOW_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "CREWFLOW_PG_HEALTH_CHECK")

	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.NATS.Stream, "CREWFLOW_NATS_STREAM")

	setInt64(&cfg.Cache.MaxCostMB, "CREWFLOW_CACHE_MAX_COST_MB")
	setDuration(&cfg.Cache.TTL, "CREWFLOW_CACHE_TTL")

	setString(&cfg.Agent.Backend, "CREWFLOW_AGENT_BACKEND")
	setFields(&cfg.Agent.Command, "CREWFLOW_AGENT_COMMAND")
	setDuration(&cfg.Agent.Timeout, "CREWFLOW_AGENT_TIMEOUT")

	setInt(&cfg.Breaker.MaxFailures, "CREWFLOW_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "CREWFLOW_BREAKER_TIMEOUT")

	setBool(&cfg.OTEL.Enabled, "CREWFLOW_OTEL_ENABLED")
	setString(&cfg.OTEL.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setString(&cfg.OTEL.ServiceName, "CREWFLOW_OTEL_SERVICE_NAME")
	setBool(&cfg.OTEL.Insecure, "CREWFLOW_OTEL_INSECURE")

	setString(&cfg.MCP.Transport, "CREWFLOW_MCP_TRANSPORT")
	setString(&cfg.MCP.Addr, "CREWFLOW_MCP_ADDR")
	setString(&cfg.MCP.APIKey, "CREWFLOW_MCP_API_KEY")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	if cfg.Server.RateLimit <= 0 || cfg.Server.RateBurst < 1 {
		return errors.New("server.rate_limit must be > 0 and server.rate_burst >= 1")
	}
	if cfg.Server.MaxRuns < 1 {
		return errors.New("server.max_runs must be >= 1")
	}
	if cfg.Store.TasksDir == "" {
		return errors.New("store.tasks_dir is required")
	}
	switch cfg.Store.Backend {
	case BackendJSONL:
	case BackendPostgres:
		if cfg.Postgres.DSN == "" {
			return errors.New("postgres.dsn is required for the postgres backend")
		}
		if cfg.Postgres.MaxConns < 1 {
			return errors.New("postgres.max_conns must be >= 1")
		}
	default:
		return fmt.Errorf("store.backend must be jsonl or postgres, got %q", cfg.Store.Backend)
	}
	if cfg.Cache.MaxCostMB < 1 {
		return errors.New("cache.max_cost_mb must be >= 1")
	}
	if len(cfg.Agent.Command) == 0 {
		return errors.New("agent.command is required")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.OTEL.Enabled && cfg.OTEL.Endpoint == "" {
		return errors.New("otel.endpoint is required when otel is enabled")
	}
	if cfg.MCP.Transport != "stdio" && cfg.MCP.Transport != "http" {
		return fmt.Errorf("mcp.transport must be stdio or http, got %q", cfg.MCP.Transport)
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// setFields splits a space separated env value into argv form.
func setFields(dst *[]string, key string) {
	if v := strings.Fields(os.Getenv(key)); len(v) > 0 {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
