// Package queue models the operator-owned task queue: a versioned, ordered
// list of tasks with dependency edges, loaded from a YAML or JSON file.
//
// A Queue is a read-only snapshot. Workers reload it every poll cycle and
// never write it back; the live status of a task is derived from the
// execution log and handed to Claimable as a status map, so the queue's own
// status field is advisory only.
//
// Loading is strict. Struct validation (go-playground/validator) and semantic
// checks (unique ids, resolvable dependencies, allow-listed models) are
// reported together as one *errors.SchemaError, and the dependency graph is
// proved acyclic with Kahn's algorithm. A cycle yields an *errors.CycleError
// carrying one stable witness path.
package queue
