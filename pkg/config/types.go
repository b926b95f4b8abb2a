package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/featherbox/featherbox/pkg/engine"
)

// Duration wraps time.Duration so YAML values like "30s" or "5m" parse.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Config is the root project configuration.
type Config struct {
	// Project is the project name, used for telemetry identification.
	Project string `yaml:"project" validate:"required"`

	// Database configures the state store.
	Database DatabaseConfig `yaml:"database"`

	// Run configures execution tuning.
	Run RunConfig `yaml:"run"`

	// Telemetry configures logging, metrics, and tracing.
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Nodes declares the data assets of the dependency graph.
	Nodes []NodeConfig `yaml:"nodes" validate:"required,min=1,dive"`

	// Edges declares the directed dependencies between nodes.
	Edges []EdgeConfig `yaml:"edges" validate:"dive"`
}

// DatabaseConfig configures the SQLite state store.
type DatabaseConfig struct {
	// Path is the SQLite database file path.
	Path string `yaml:"path" validate:"required"`
}

// RunConfig configures pipeline execution tuning.
type RunConfig struct {
	// MaxParallel bounds the number of concurrently executing actions.
	MaxParallel int `yaml:"max_parallel" validate:"gte=0"`

	// MaxAttempts is the total attempt limit per action.
	MaxAttempts int `yaml:"max_attempts" validate:"gte=0"`

	// RetryBaseDelay is the base delay for exponential retry backoff.
	RetryBaseDelay Duration `yaml:"retry_base_delay" validate:"gte=0"`

	// ActionTimeout is the optional per-action wall-clock budget.
	// Zero disables it.
	ActionTimeout Duration `yaml:"action_timeout" validate:"gte=0"`
}

// TelemetryConfig is the telemetry subset of the project configuration.
type TelemetryConfig struct {
	LogLevel       string  `yaml:"log_level" validate:"omitempty,oneof=trace debug info warn error fatal"`
	LogFormat      string  `yaml:"log_format" validate:"omitempty,oneof=console json"`
	MetricsEnabled bool    `yaml:"metrics_enabled"`
	MetricsListen  string  `yaml:"metrics_listen"`
	TracingEnabled bool    `yaml:"tracing_enabled"`
	TraceExporter  string  `yaml:"trace_exporter" validate:"omitempty,oneof=otlp stdout none"`
	TraceEndpoint  string  `yaml:"trace_endpoint"`
	TraceSampling  float64 `yaml:"trace_sampling" validate:"gte=0,lte=1"`
}

// NodeConfig declares one data asset.
type NodeConfig struct {
	// Name uniquely identifies the node within the graph.
	Name string `yaml:"name" validate:"required"`

	// Config is the opaque payload handed to the transformation engine.
	Config map[string]interface{} `yaml:"config"`

	// DependsOn is shorthand for edges into this node.
	DependsOn []string `yaml:"depends_on"`
}

// EdgeConfig declares one directed dependency: To depends on From.
type EdgeConfig struct {
	From string `yaml:"from" validate:"required"`
	To   string `yaml:"to" validate:"required"`
}

// ToDeclarations converts the configured graph into engine declarations.
// Both explicit edges and per-node depends_on shorthand contribute edges;
// duplicates collapse to one.
func (c *Config) ToDeclarations() ([]engine.NodeDecl, []engine.EdgeDecl) {
	nodes := make([]engine.NodeDecl, 0, len(c.Nodes))
	seen := make(map[engine.EdgeDecl]bool)
	var edges []engine.EdgeDecl

	addEdge := func(from, to string) {
		decl := engine.EdgeDecl{From: from, To: to}
		if !seen[decl] {
			seen[decl] = true
			edges = append(edges, decl)
		}
	}

	for _, n := range c.Nodes {
		nodes = append(nodes, engine.NodeDecl{
			Name:   n.Name,
			Config: n.Config,
		})
		for _, dep := range n.DependsOn {
			addEdge(dep, n.Name)
		}
	}
	for _, e := range c.Edges {
		addEdge(e.From, e.To)
	}

	return nodes, edges
}

// RunOptions converts the run tuning section into a coordinator configuration.
func (c *Config) RunOptions() engine.CoordinatorConfig {
	return engine.CoordinatorConfig{
		MaxParallel:    c.Run.MaxParallel,
		MaxAttempts:    c.Run.MaxAttempts,
		RetryBaseDelay: time.Duration(c.Run.RetryBaseDelay),
		ActionTimeout:  time.Duration(c.Run.ActionTimeout),
	}
}
