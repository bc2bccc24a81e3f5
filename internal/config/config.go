// Package config provides configuration loading for decisiond.
package config

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/decisiond/internal/extraction"
	"github.com/fyrsmithlabs/decisiond/internal/precedent"
)

// Config is the complete daemon configuration.
type Config struct {
	Server     ServerConfig      `koanf:"server"`
	Log        LogConfig         `koanf:"log"`
	Store      StoreConfig       `koanf:"store"`
	Extraction extraction.Config `koanf:"extraction"`
	Precedent  precedent.Config  `koanf:"precedent"`
	Assembler  AssemblerConfig   `koanf:"assembler"`
	Workflow   WorkflowConfig    `koanf:"workflow"`
	Telemetry  TelemetryConfig   `koanf:"telemetry"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string        `koanf:"addr"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // json, console
}

// StoreConfig configures trace persistence.
type StoreConfig struct {
	// Driver is "sqlite" or "memory".
	Driver string `koanf:"driver"`

	// Path is the SQLite database file. Ignored for the memory driver.
	Path string `koanf:"path"`
}

// AssemblerConfig configures the trace assembly pipeline.
type AssemblerConfig struct {
	PendingSLA time.Duration `koanf:"pending_sla"`
	PrecedentK int           `koanf:"precedent_k"`
}

// WorkflowConfig configures approval workflows.
type WorkflowConfig struct {
	AutoApprove bool `koanf:"auto_approve"`

	// NATSURL enables NATS approval notifications when set. Empty means
	// notifications go to the log.
	NATSURL string `koanf:"nats_url"`
	Subject string `koanf:"subject"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`

	// Endpoint is the OTLP collector endpoint, e.g. "localhost:4317".
	Endpoint string `koanf:"endpoint"`

	// Protocol is "grpc" or "http".
	Protocol string `koanf:"protocol"`

	Insecure bool `koanf:"insecure"`
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}

	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "sqlite"
	}
	if cfg.Store.Driver == "sqlite" && cfg.Store.Path == "" {
		cfg.Store.Path = "decisiond.db"
	}

	if cfg.Extraction.Provider == "" {
		cfg.Extraction.Provider = "heuristic"
	}
	if cfg.Extraction.Timeout == 0 {
		cfg.Extraction.Timeout = 60 * time.Second
	}

	if cfg.Assembler.PendingSLA == 0 {
		cfg.Assembler.PendingSLA = 72 * time.Hour
	}
	if cfg.Assembler.PrecedentK == 0 {
		cfg.Assembler.PrecedentK = 3
	}

	if cfg.Workflow.Subject == "" {
		cfg.Workflow.Subject = "decisiond.approvals"
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "decisiond"
	}
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("unknown store driver: %s", c.Store.Driver)
	}
	if c.Store.Driver == "sqlite" && c.Store.Path == "" {
		return fmt.Errorf("store path is required for the sqlite driver")
	}

	switch c.Extraction.Provider {
	case "", "heuristic":
	case "openai", "anthropic":
		if c.Extraction.APIKey == "" {
			return fmt.Errorf("extraction provider %s requires an api key", c.Extraction.Provider)
		}
	default:
		return fmt.Errorf("unknown extraction provider: %s", c.Extraction.Provider)
	}

	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("unknown log format: %s", c.Log.Format)
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.Endpoint == "" {
			return fmt.Errorf("telemetry endpoint is required when telemetry is enabled")
		}
		switch c.Telemetry.Protocol {
		case "grpc", "http":
		default:
			return fmt.Errorf("unknown telemetry protocol: %s", c.Telemetry.Protocol)
		}
	}
	return nil
}
