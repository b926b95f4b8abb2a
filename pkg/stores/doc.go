// Package stores provides persistence implementations for Featherbox state:
// graph snapshots, pipelines, actions, and the append-only delta ledger. The
// primary implementation is SQLite-based for embedded single-binary
// deployments.
package stores
