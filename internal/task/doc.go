// Package task holds the durable per-task state for conversion jobs: the
// record model, dual-identifier resolution, retry bookkeeping, and the
// SQLite-backed store. The in-memory state is authoritative; persistence
// failures are retried in the background without blocking callers.
package task
