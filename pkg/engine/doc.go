// Package engine implements the authoritative interpreter of the workflow
// state machine: registration, instance lifecycle, guarded transitions,
// action scheduling, compensation, and the per-instance audit trail.
//
// The engine owns no in-process authoritative state. Every operation runs
// as one or more transactions against the KV layer; in-memory structures
// are caches rebuildable from the store, so any number of engine handles
// across processes stay consistent. The one cross-process mutex is the
// per-instance lock, a transactional compare-and-set with a TTL that
// bounds the transition budget.
//
// The transition protocol for one event dispatch:
//
//  1. Acquire the instance lock; fail fast with ErrInstanceBusy while a
//     live holder exists.
//  2. Load the instance and verify it is running in the expected state.
//  3. Evaluate candidate guards in declaration order in the sandbox with
//     read-only capabilities; a thrown guard logs GuardError and counts
//     as false.
//  4. Schedule exit work before mutating state, keyed so retries cannot
//     double-schedule.
//  5. Atomically flip the state, bump the instance version, append the
//     Transitioned and StateEntered events, and schedule entry work and
//     the new state's inactivity timeout.
//  6. Release the lock.
//
// Entering a terminal state completes the instance; pending timeout tasks
// become no-ops when they fire. Terminal action failures move the instance
// to Failed and start the compensation chain in reverse temporal order of
// the failed transitions.
package engine
