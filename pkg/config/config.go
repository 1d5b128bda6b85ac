// Package config loads the reddwarf server configuration: a YAML file for the
// base values, then REDDWARF_* environment variables on top.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/AbreuRodrigo/reddwarf/core/transaction"
	"github.com/AbreuRodrigo/reddwarf/pkg/logger"
	"github.com/AbreuRodrigo/reddwarf/pkg/telemetry"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "REDDWARF_"

// Store backends.
const (
	BackendMemory   = "memory"
	BackendBolt     = "bolt"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

type StoreConfig struct {
	Backend string `yaml:"backend" env:"BACKEND"`
	// Path is the database file for bolt and sqlite.
	Path string `yaml:"path" env:"PATH"`
	DSN  string `yaml:"dsn" env:"DSN"`
	// WALDir makes the memory backend durable.
	WALDir     string `yaml:"wal_dir" env:"WAL_DIR"`
	SyncWrites bool   `yaml:"sync_writes" env:"SYNC_WRITES"`
}

type Config struct {
	Logger      logger.Config      `yaml:"logger" envPrefix:"LOG_"`
	Telemetry   telemetry.Config   `yaml:"telemetry" envPrefix:"TELEMETRY_"`
	Store       StoreConfig        `yaml:"store" envPrefix:"STORE_"`
	Transaction transaction.Config `yaml:"transaction" envPrefix:"TXN_"`
}

func Default() Config {
	return Config{
		Logger: logger.Config{Level: "info", Format: "json", OutputFile: "stdout"},
		Telemetry: telemetry.Config{
			ServiceName:      "reddwarf",
			MetricsAddr:      ":9464",
			TraceSampleRatio: 1,
		},
		Store:       StoreConfig{Backend: BackendMemory},
		Transaction: transaction.DefaultConfig(),
	}
}

// Load reads path over Default and applies environment overrides. An empty
// path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	switch c.Store.Backend {
	case BackendMemory:
	case BackendBolt, BackendSQLite:
		if c.Store.Path == "" {
			errs = append(errs, fmt.Errorf("store.path is required for the %s backend", c.Store.Backend))
		}
	case BackendPostgres:
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.Store.Backend))
	}
	if c.Transaction.MaxRetries < 0 {
		errs = append(errs, errors.New("transaction.max_retries must not be negative"))
	}
	if c.Transaction.LockWaitTimeout < 0 {
		errs = append(errs, errors.New("transaction.lock_wait_timeout must not be negative"))
	}
	return errors.Join(errs...)
}
