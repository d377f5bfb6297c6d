// Package config provides configuration loading for scriber-inspector.
//
// Configuration is read from a YAML file and overridden by SCRIBER_*
// environment variables. Missing values fall back to defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds the complete inspector configuration.
type Config struct {
	Engine    EngineConfig    `koanf:"engine"`
	Store     StoreConfig     `koanf:"store"`
	Schemas   SchemasConfig   `koanf:"schemas"`
	Rules     RulesConfig     `koanf:"rules"`
	Documents DocumentsConfig `koanf:"documents"`
	Logging   LoggingConfig   `koanf:"logging"`
	Metrics   MetricsConfig   `koanf:"metrics"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

// EngineConfig controls inspection runs.
type EngineConfig struct {
	StrictReview  bool     `koanf:"strict_review"`  // Evaluate only review-passed rules
	Workers       int      `koanf:"workers"`        // Parallel runs in batch mode
	RunTimeout    Duration `koanf:"run_timeout"`    // Bound on a whole run
	ScriptTimeout Duration `koanf:"script_timeout"` // Bound on one rule predicate
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver      string   `koanf:"driver"`
	DSN         Secret   `koanf:"dsn"`
	MaxConns    int32    `koanf:"max_conns"`
	DialTimeout Duration `koanf:"dial_timeout"`
}

// SchemasConfig locates schema definitions.
type SchemasConfig struct {
	Dir string `koanf:"dir"`
}

// RulesConfig locates rule sets.
type RulesConfig struct {
	Dir string `koanf:"dir"`
}

// DocumentsConfig locates parsed documents and sizes the view cache.
type DocumentsConfig struct {
	Dir       string `koanf:"dir"`
	CacheSize int    `koanf:"cache_size"`
}

// LoggingConfig holds the user-facing logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// MetricsConfig controls pushing Prometheus metrics after a CLI run.
type MetricsConfig struct {
	PushURL string `koanf:"push_url"`
	Job     string `koanf:"job"`
}

// TelemetryConfig holds OpenTelemetry export settings.
type TelemetryConfig struct {
	Enabled         bool     `koanf:"enabled"`
	Endpoint        string   `koanf:"endpoint"`
	Protocol        string   `koanf:"protocol"` // grpc or http/protobuf
	Insecure        bool     `koanf:"insecure"`
	ServiceName     string   `koanf:"service_name"`
	ServiceVersion  string   `koanf:"service_version"`
	SampleRate      float64  `koanf:"sample_rate"`
	ExportInterval  Duration `koanf:"export_interval"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Engine.Workers == 0 {
		cfg.Engine.Workers = 4
	}
	if cfg.Engine.RunTimeout == 0 {
		cfg.Engine.RunTimeout = Duration(2 * time.Minute)
	}
	if cfg.Engine.ScriptTimeout == 0 {
		cfg.Engine.ScriptTimeout = Duration(2 * time.Second)
	}

	if cfg.Store.Driver == "" {
		cfg.Store.Driver = DriverSQLite
	}
	if cfg.Store.Driver == DriverSQLite && cfg.Store.DSN == "" {
		cfg.Store.DSN = "~/.config/scriber-inspector/inspector.db"
	}
	cfg.Store.DSN = Secret(expandHome(cfg.Store.DSN.Value()))
	if cfg.Store.MaxConns == 0 {
		cfg.Store.MaxConns = 4
	}
	if cfg.Store.DialTimeout == 0 {
		cfg.Store.DialTimeout = Duration(5 * time.Second)
	}

	if cfg.Schemas.Dir == "" {
		cfg.Schemas.Dir = "schemas"
	}
	if cfg.Rules.Dir == "" {
		cfg.Rules.Dir = "rules"
	}
	if cfg.Documents.Dir == "" {
		cfg.Documents.Dir = "documents"
	}
	if cfg.Documents.CacheSize == 0 {
		cfg.Documents.CacheSize = 64
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Metrics.Job == "" {
		cfg.Metrics.Job = "scriber_inspector"
	}

	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
		cfg.Telemetry.Insecure = true
	}
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "scriber-inspector"
	}
	if cfg.Telemetry.ServiceVersion == "" {
		cfg.Telemetry.ServiceVersion = "0.1.0"
	}
	if cfg.Telemetry.SampleRate == 0 {
		cfg.Telemetry.SampleRate = 1.0
	}
	if cfg.Telemetry.ExportInterval == 0 {
		cfg.Telemetry.ExportInterval = Duration(15 * time.Second)
	}
	if cfg.Telemetry.ShutdownTimeout == 0 {
		cfg.Telemetry.ShutdownTimeout = Duration(5 * time.Second)
	}
}

// expandHome replaces a leading "~/" with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Engine.Workers < 1 {
		return fmt.Errorf("engine.workers must be positive, got %d", c.Engine.Workers)
	}
	if c.Engine.RunTimeout.Duration() <= 0 || c.Engine.ScriptTimeout.Duration() <= 0 {
		return errors.New("engine timeouts must be positive")
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if !c.Store.DSN.IsSet() {
			return fmt.Errorf("store.dsn is required for driver %q", c.Store.Driver)
		}
	default:
		return fmt.Errorf("unknown store driver %q (want memory, sqlite or postgres)", c.Store.Driver)
	}
	if c.Store.MaxConns < 1 {
		return fmt.Errorf("store.max_conns must be positive, got %d", c.Store.MaxConns)
	}

	if c.Documents.CacheSize < 1 {
		return fmt.Errorf("documents.cache_size must be positive, got %d", c.Documents.CacheSize)
	}

	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging.format must be 'json' or 'console', got %q", c.Logging.Format)
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.Protocol != "grpc" && c.Telemetry.Protocol != "http/protobuf" {
			return fmt.Errorf("telemetry.protocol must be 'grpc' or 'http/protobuf', got %q", c.Telemetry.Protocol)
		}
		if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
			return fmt.Errorf("telemetry.sample_rate must be between 0 and 1, got %f", c.Telemetry.SampleRate)
		}
	}
	return nil
}
