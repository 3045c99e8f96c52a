package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ErrorKind classifies a sandbox failure.
type ErrorKind string

const (
	// ErrTimeout means the evaluation exceeded its wall-clock budget.
	ErrTimeout ErrorKind = "timeout"

	// ErrOOM means the evaluation exceeded its memory cap.
	ErrOOM ErrorKind = "oom"

	// ErrThrow means the script raised an uncaught error.
	ErrThrow ErrorKind = "throw"

	// ErrHostDenied means the script called a host API outside its
	// capability set.
	ErrHostDenied ErrorKind = "host_denied"
)

// ActionError is the structured failure of a sandbox evaluation. It never
// unwinds into the engine as a panic; callers surface it as task failure.
type ActionError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// Error implements the error interface.
func (e *ActionError) Error() string {
	return fmt.Sprintf("sandbox %s: %s", e.Kind, e.Message)
}

// Language selects the evaluator runtime.
type Language string

const (
	JavaScript Language = "javascript"
	Wasm       Language = "wasm"
)

// Default limits per evaluation.
const (
	DefaultTimeout     = 5 * time.Second
	GuardTimeout       = 100 * time.Millisecond
	DefaultMemoryLimit = 128 << 20 // 128 MB
)

// Capabilities is the host API surface granted to one evaluation.
type Capabilities struct {
	KVGet     bool
	KVSet     bool
	Crypto    bool
	Notify    bool
	Federated bool
}

// ActionCapabilities is the full capability set granted to actions.
func ActionCapabilities() Capabilities {
	return Capabilities{KVGet: true, KVSet: true, Crypto: true, Notify: true, Federated: true}
}

// GuardCapabilities is the read-only subset granted to transition guards:
// kv.get plus pure crypto functions. Guards must be side-effect-free.
func GuardCapabilities() Capabilities {
	return Capabilities{KVGet: true, Crypto: true}
}

// EvalRequest describes one sandbox evaluation.
type EvalRequest struct {
	// Code is the script source (JavaScript) or WASM module bytes encoded
	// per the action definition.
	Code string

	// Module carries raw WASM bytes when Language is Wasm.
	Module []byte

	Language Language

	// Input is the JSON document bound as the script's `context` value.
	Input json.RawMessage

	Caps Capabilities

	// Timeout bounds wall-clock execution; zero selects DefaultTimeout.
	Timeout time.Duration

	// MemoryLimit bounds evaluator memory; zero selects DefaultMemoryLimit.
	// Only the WASM evaluator enforces it; the JavaScript evaluator does not
	// bound memory.
	MemoryLimit int64
}

// EvalResult is the outcome of a successful evaluation.
type EvalResult struct {
	// Value is the script's result serialized as JSON.
	Value json.RawMessage

	// Logs collects console output emitted during the evaluation.
	Logs []string

	Duration time.Duration
}

// Evaluator executes one request at a time in a fresh script context.
type Evaluator interface {
	Evaluate(ctx context.Context, req EvalRequest, host *Host) (*EvalResult, error)
}

// ContextKV is the capability-scoped view of the calling instance's context
// exposed to scripts as `kv`. Implementations restrict keys to
// instances/{instance_id}/context/*.
type ContextKV interface {
	Get(ctx context.Context, field string) (json.RawMessage, error)
	Set(ctx context.Context, field string, value json.RawMessage) error
}

// Notifier forwards notification intents to an external delivery service.
// Delivery is best-effort. Calls are forwarded directly; no intent event is
// written to the instance's event log.
type Notifier interface {
	Email(ctx context.Context, to, subject, body string) error
	SMS(ctx context.Context, to, body string) error
}

// Federation forwards requests to the inter-authority layer. It is an
// external collaborator; the sandbox treats it as a black-box RPC.
type Federation interface {
	Request(ctx context.Context, authority string, payload json.RawMessage) (json.RawMessage, error)
	Notify(ctx context.Context, authority string, payload json.RawMessage) error
}
