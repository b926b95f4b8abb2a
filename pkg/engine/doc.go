// Package engine implements the Featherbox execution core: the immutable
// dependency graph model, deterministic topological planning, the per-action
// execution state machine, the append-only delta ledger, and the run
// coordinator that drives a pipeline from plan to terminal state with
// bounded parallelism, retry, and resume.
package engine
