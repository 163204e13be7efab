package config

import "fmt"

// Flags holds command-line overrides. A nil field was not given and leaves
// the lower layers untouched.
type Flags struct {
	ConfigPath *string
	Addr       *string
	LogLevel   *string
	TasksDir   *string
	Backend    *string
	DSN        *string
	NatsURL    *string
}

// LoadWithFlags runs the full hierarchy defaults < YAML < ENV < flags and
// returns the config with the YAML path that was used.
func LoadWithFlags(f Flags) (*Config, string, error) {
	path := DefaultConfigFile
	if f.ConfigPath != nil && *f.ConfigPath != "" {
		path = *f.ConfigPath
	}

	cfg := Defaults()
	if err := loadYAML(&cfg, path); err != nil {
		return nil, "", fmt.Errorf("config yaml: %w", err)
	}
	loadEnv(&cfg)
	applyFlags(&cfg, f)

	if err := validate(&cfg); err != nil {
		return nil, "", fmt.Errorf("config validate: %w", err)
	}
	return &cfg, path, nil
}

func applyFlags(cfg *Config, f Flags) {
	apply := func(dst *string, v *string) {
		if v != nil {
			*dst = *v
		}
	}
	apply(&cfg.Server.Addr, f.Addr)
	apply(&cfg.Logging.Level, f.LogLevel)
	apply(&cfg.Store.TasksDir, f.TasksDir)
	apply(&cfg.Store.Backend, f.Backend)
	apply(&cfg.Postgres.DSN, f.DSN)
	apply(&cfg.NATS.URL, f.NatsURL)
}
