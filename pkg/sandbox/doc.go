// Package sandbox provides the isolated script runtime used to evaluate
// workflow actions and transition guards.
//
// Two evaluators are available behind one interface: a JavaScript engine
// (goja) and a WASM engine (wazero). Every evaluation runs in a fresh script
// context with a wall-clock timeout and a capability-scoped host API; no
// globals survive between evaluations. A fixed-size pool bounds the number
// of concurrent evaluations per process.
//
// The host API exposed to scripts is restricted to the calling instance:
//
//	kv.get(key) / kv.set(key, value)   -> instance context fields only
//	crypto.hash / sign / verify / generateDid
//	notify.email / notify.sms          -> forwarded to the notifier, best-effort
//	federated.request / federated.notify
//
// Guards receive a read-only capability set (kv.get plus pure crypto
// functions); any write attempt is denied and surfaced as a HostDenied
// action error. Script failures never unwind into the engine: they map to
// ActionError values with kind Timeout, OOM, Throw, or HostDenied.
//
// The sandbox is not required to be deterministic. At-most-once effects are
// provided one level up by idempotency keys, not by replay.
package sandbox
