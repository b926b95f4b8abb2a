// Package config loads and validates the Featherbox project configuration:
// the declared node/edge graph, run tuning, storage, and telemetry settings.
// Configuration is a single YAML document; a file watcher supports live
// reload for long-running invocations.
package config
