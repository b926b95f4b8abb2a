package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/featherbox/featherbox/pkg/config"
	"github.com/featherbox/featherbox/pkg/stores"
	"github.com/featherbox/featherbox/pkg/telemetry"
)

// runtime bundles the shared dependencies of every command.
type runtime struct {
	cfg    *config.Config
	store  *stores.SQLiteStore
	logger *telemetry.Logger
}

// setup loads the configuration, initializes logging, and opens the store
// with migrations applied. Callers must Close the returned runtime.
func setup(ctx context.Context) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logCfg := telemetry.LoggingConfig{
		Level:  cfg.Telemetry.LogLevel,
		Format: cfg.Telemetry.LogFormat,
		Output: "stderr",
	}
	if verbose {
		logCfg.Level = "debug"
	}
	logger, err := telemetry.NewLogger(logCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Database.Path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}

	return &runtime{
		cfg:    cfg,
		store:  store,
		logger: logger,
	}, nil
}

// Close releases the runtime's resources.
func (r *runtime) Close() error {
	return r.store.Close()
}

// telemetryConfig builds the full telemetry configuration from the project
// config and build metadata.
func (r *runtime) telemetryConfig(version string) *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceName = r.cfg.Project
	cfg.ServiceVersion = version
	cfg.Metrics.Enabled = r.cfg.Telemetry.MetricsEnabled
	cfg.Metrics.ListenAddress = r.cfg.Telemetry.MetricsListen
	cfg.Tracing.Enabled = r.cfg.Telemetry.TracingEnabled
	cfg.Tracing.Exporter = r.cfg.Telemetry.TraceExporter
	cfg.Tracing.Endpoint = r.cfg.Telemetry.TraceEndpoint
	cfg.Tracing.SamplingRate = r.cfg.Telemetry.TraceSampling
	return cfg
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
