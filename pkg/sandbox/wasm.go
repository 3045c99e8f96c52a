package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// WasmEvaluator executes WASM actions with wazero. Modules follow a small
// ABI: they export `memory`, `alloc(size) -> ptr`, and
// `evaluate(ptr, len) -> u64` where the result packs the output pointer in
// the high 32 bits and its length in the low 32 bits. The evaluation input
// is the JSON-encoded context document; the output is the JSON result.
//
// Host interaction goes through a single imported function
// `env.host_call(ptr, len) -> u64` carrying a JSON envelope
// {"fn": "...", "args": [...]}, dispatched against the capability-checked
// Host. Modules never see the filesystem or the network.
type WasmEvaluator struct {
	memoryLimitPages uint32
}

// NewWasmEvaluator creates a WASM evaluator. memoryLimit of zero selects
// DefaultMemoryLimit.
func NewWasmEvaluator(memoryLimit int64) *WasmEvaluator {
	if memoryLimit == 0 {
		memoryLimit = DefaultMemoryLimit
	}
	pages := uint32(memoryLimit / 65536)
	if pages == 0 {
		pages = 1
	}
	return &WasmEvaluator{memoryLimitPages: pages}
}

// Evaluate instantiates the module in a fresh runtime and calls evaluate.
func (e *WasmEvaluator) Evaluate(ctx context.Context, req EvalRequest, host *Host) (*EvalResult, error) {
	timeout := req.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	pages := e.memoryLimitPages
	if req.MemoryLimit > 0 {
		pages = uint32(req.MemoryLimit / 65536)
		if pages == 0 {
			pages = 1
		}
	}

	start := time.Now()
	evalCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(pages).
		WithCloseOnContextDone(true)
	runtime := wazero.NewRuntimeWithConfig(evalCtx, runtimeConfig)
	defer runtime.Close(ctx)

	if _, err := wasi_snapshot_preview1.Instantiate(evalCtx, runtime); err != nil {
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	state := &wasmHostState{ctx: evalCtx, host: host}
	builder := runtime.NewHostModuleBuilder("env")
	builder.NewFunctionBuilder().
		WithFunc(state.hostCall).
		Export("host_call")
	if _, err := builder.Instantiate(evalCtx); err != nil {
		return nil, fmt.Errorf("failed to instantiate host module: %w", err)
	}

	module, err := runtime.Instantiate(evalCtx, req.Module)
	if err != nil {
		return nil, classifyWasmError(evalCtx, err, timeout)
	}

	alloc := module.ExportedFunction("alloc")
	evaluate := module.ExportedFunction("evaluate")
	if alloc == nil || evaluate == nil {
		return nil, &ActionError{Kind: ErrThrow, Message: "module does not export alloc/evaluate"}
	}

	input := req.Input
	if len(input) == 0 {
		input = json.RawMessage("null")
	}
	ptr, err := writeModuleBytes(evalCtx, module, alloc, input)
	if err != nil {
		return nil, classifyWasmError(evalCtx, err, timeout)
	}

	results, err := evaluate.Call(evalCtx, uint64(ptr), uint64(len(input)))
	if err != nil {
		if state.denied != nil {
			return nil, state.denied
		}
		return nil, classifyWasmError(evalCtx, err, timeout)
	}
	if state.denied != nil {
		return nil, state.denied
	}
	if len(results) != 1 {
		return nil, &ActionError{Kind: ErrThrow, Message: "evaluate returned no result"}
	}

	outPtr := uint32(results[0] >> 32)
	outLen := uint32(results[0])
	out, ok := module.Memory().Read(outPtr, outLen)
	if !ok {
		return nil, &ActionError{Kind: ErrThrow, Message: "result out of module memory bounds"}
	}
	if !json.Valid(out) {
		return nil, &ActionError{Kind: ErrThrow, Message: "module returned invalid JSON"}
	}

	return &EvalResult{
		Value:    json.RawMessage(append([]byte(nil), out...)),
		Logs:     state.logs,
		Duration: time.Since(start),
	}, nil
}

// writeModuleBytes allocates module memory and copies data into it.
func writeModuleBytes(ctx context.Context, module api.Module, alloc api.Function, data []byte) (uint32, error) {
	results, err := alloc.Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, err
	}
	ptr := uint32(results[0])
	if !module.Memory().Write(ptr, data) {
		return 0, &ActionError{Kind: ErrOOM, Message: "module memory exhausted"}
	}
	return ptr, nil
}

// classifyWasmError maps wazero failures onto the sandbox error taxonomy.
func classifyWasmError(ctx context.Context, err error, timeout time.Duration) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &ActionError{Kind: ErrTimeout, Message: fmt.Sprintf("evaluation exceeded %v", timeout)}
	}
	msg := err.Error()
	if strings.Contains(msg, "memory") || strings.Contains(msg, "out of range") {
		return &ActionError{Kind: ErrOOM, Message: msg}
	}
	return &ActionError{Kind: ErrThrow, Message: msg}
}

// wasmHostState tracks per-evaluation host interactions for WASM modules.
type wasmHostState struct {
	ctx    context.Context
	host   *Host
	logs   []string
	denied *ActionError
}

// hostEnvelope is the JSON request carried through env.host_call.
type hostEnvelope struct {
	Fn   string            `json:"fn"`
	Args []json.RawMessage `json:"args"`
}

// hostCall dispatches a host envelope and writes the JSON response back into
// module memory via the module's alloc export. The return packs
// ptr<<32 | len; a zero return signals a malformed envelope.
func (s *wasmHostState) hostCall(ctx context.Context, mod api.Module, ptr, length uint32) uint64 {
	raw, ok := mod.Memory().Read(ptr, length)
	if !ok {
		return 0
	}
	var env hostEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return 0
	}

	result, err := s.dispatch(env)
	resp := map[string]interface{}{}
	if err != nil {
		if ae, ok := err.(*ActionError); ok && ae.Kind == ErrHostDenied && s.denied == nil {
			s.denied = ae
		}
		resp["error"] = err.Error()
	} else {
		resp["result"] = result
	}

	out, err := json.Marshal(resp)
	if err != nil {
		return 0
	}
	alloc := mod.ExportedFunction("alloc")
	if alloc == nil {
		return 0
	}
	allocRes, err := alloc.Call(ctx, uint64(len(out)))
	if err != nil {
		return 0
	}
	outPtr := uint32(allocRes[0])
	if !mod.Memory().Write(outPtr, out) {
		return 0
	}
	return uint64(outPtr)<<32 | uint64(len(out))
}

func (s *wasmHostState) dispatch(env hostEnvelope) (interface{}, error) {
	argString := func(i int) string {
		if i >= len(env.Args) {
			return ""
		}
		var v string
		_ = json.Unmarshal(env.Args[i], &v)
		return v
	}
	argRaw := func(i int) json.RawMessage {
		if i >= len(env.Args) {
			return nil
		}
		return env.Args[i]
	}

	switch env.Fn {
	case "kv.get":
		raw, err := s.host.KVGet(s.ctx, argString(0))
		if err != nil {
			return nil, err
		}
		if raw == nil {
			return nil, nil
		}
		var out interface{}
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, err
		}
		return out, nil
	case "kv.set":
		return nil, s.host.KVSet(s.ctx, argString(0), argRaw(1))
	case "crypto.hash":
		return s.host.Hash([]byte(argString(0)))
	case "crypto.sign":
		return s.host.Sign([]byte(argString(0)))
	case "crypto.verify":
		return s.host.Verify([]byte(argString(0)), argString(1), argString(2))
	case "crypto.generate_did":
		return s.host.GenerateDID()
	case "notify.email":
		return nil, s.host.NotifyEmail(s.ctx, argString(0), argString(1), argString(2))
	case "notify.sms":
		return nil, s.host.NotifySMS(s.ctx, argString(0), argString(1))
	case "federated.request":
		resp, err := s.host.FederatedRequest(s.ctx, argString(0), argRaw(1))
		if err != nil {
			return nil, err
		}
		var out interface{}
		if err := json.Unmarshal(resp, &out); err != nil {
			return nil, err
		}
		return out, nil
	case "federated.notify":
		return nil, s.host.FederatedNotify(s.ctx, argString(0), argRaw(1))
	case "log":
		s.logs = append(s.logs, argString(0))
		return nil, nil
	default:
		return nil, &ActionError{Kind: ErrHostDenied, Message: fmt.Sprintf("unknown host function: %s", env.Fn)}
	}
}
