// Package telemetry provides observability instrumentation for Featherbox:
// structured logging (zerolog), Prometheus metrics, and OpenTelemetry tracing
// for graph builds and pipeline runs.
package telemetry
