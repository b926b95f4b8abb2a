package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Load reads, parses, and validates the project configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses and validates a raw YAML configuration document.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in unset optional fields.
func (c *Config) applyDefaults() {
	if c.Database.Path == "" {
		c.Database.Path = "featherbox.db"
	}
	if c.Telemetry.LogLevel == "" {
		c.Telemetry.LogLevel = "info"
	}
	if c.Telemetry.LogFormat == "" {
		c.Telemetry.LogFormat = "console"
	}
	if c.Telemetry.MetricsListen == "" {
		c.Telemetry.MetricsListen = ":9090"
	}
	if c.Telemetry.TraceExporter == "" {
		c.Telemetry.TraceExporter = "stdout"
	}
	if c.Telemetry.TraceSampling == 0 {
		c.Telemetry.TraceSampling = 1.0
	}
}
