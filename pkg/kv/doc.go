// Package kv provides the transactional ordered key-value layer that backs
// the workflow engine.
//
// The package exposes a small Store interface modeled after the semantics of
// a FoundationDB-style store: multi-key ACID transactions, lexicographically
// ordered range scans, and optimistic conflict detection. Two implementations
// are provided:
//
//   - MemoryStore: an in-process MVCC store with first-committer-wins
//     conflict detection. Used by tests and single-process deployments.
//   - SQLiteStore: a durable store mapping the ordered keyspace onto a
//     single kv table with serializable SQLite transactions.
//
// Keys are built with the order-preserving tuple encoding in tuple.go so
// that composite keys such as tasks/{-priority}/{scheduled_at}/{task_id}
// scan in queue order. The Keyspace type centralizes the key layout used by
// the engine under the /degov/workflow root.
//
// All state owned by the engine lives in this layer; in-process structures
// are caches rebuildable from it.
package kv
