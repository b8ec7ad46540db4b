// Package engine executes flows: it reconciles target backends with
// the declared exports, runs incremental processing cycles against
// sources, and drives live updates.
//
// The engine's unit of work is the source row. A cycle lists a
// source, skips rows whose fingerprint is unchanged, evaluates the
// definition graph for the rest, applies the resulting mutations to
// the targets, and checkpoints the row in the tracking store. Target
// mutations are idempotent by contract, so a crash between applying
// and checkpointing is repaired by blind reprocessing on the next
// cycle.
//
// Concurrency model: one in-flight cycle per source (overlapping
// update callers coalesce onto it), sources run concurrently, and row
// admission inside a source is bounded by the global and per-level
// in-flight limits.
package engine
