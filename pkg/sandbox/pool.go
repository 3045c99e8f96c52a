package sandbox

import (
	"context"
	"fmt"
	"runtime"

	"github.com/linlogge/degov/pkg/telemetry"
)

// Pool bounds the number of concurrent sandbox evaluations in a process and
// routes each request to the evaluator for its language. Script contexts are
// never shared: the pool limits concurrency, not state.
type Pool struct {
	slots chan struct{}
	js    Evaluator
	wasm  Evaluator
}

// NewPool creates a pool with the given number of evaluation slots. A size
// of zero selects one slot per CPU.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = runtime.GOMAXPROCS(0)
	}
	return &Pool{
		slots: make(chan struct{}, size),
		js:    NewJSEvaluator(),
		wasm:  NewWasmEvaluator(0),
	}
}

// Evaluate borrows a slot and runs the request. It blocks while the pool is
// saturated, respecting caller cancellation.
func (p *Pool) Evaluate(ctx context.Context, req EvalRequest, host *Host) (*EvalResult, error) {
	ic := telemetry.StartOperation(ctx, "sandbox.evaluate",
		telemetry.AttrScriptLanguage.String(string(req.Language)))
	result, err := p.evaluate(ic.Ctx, req, host)
	ic.End(err)
	return result, err
}

func (p *Pool) evaluate(ctx context.Context, req EvalRequest, host *Host) (*EvalResult, error) {
	select {
	case p.slots <- struct{}{}:
		defer func() { <-p.slots }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	switch req.Language {
	case JavaScript, "":
		return p.js.Evaluate(ctx, req, host)
	case Wasm:
		return p.wasm.Evaluate(ctx, req, host)
	default:
		return nil, fmt.Errorf("unsupported sandbox language: %s", req.Language)
	}
}

// EvaluateGuard runs a guard expression with read-only capabilities and the
// guard's tight wall-clock cap. The expression's result is coerced to bool:
// any truthy value passes.
func (p *Pool) EvaluateGuard(ctx context.Context, expr string, input []byte, kv ContextKV) (bool, error) {
	host := NewHost(GuardCapabilities(), kv, nil, nil, nil)
	res, err := p.Evaluate(ctx, EvalRequest{
		Code:     expr,
		Language: JavaScript,
		Input:    input,
		Caps:     GuardCapabilities(),
		Timeout:  GuardTimeout,
	}, host)
	if err != nil {
		return false, err
	}
	return truthy(res.Value), nil
}

// truthy applies JavaScript truthiness to a JSON value.
func truthy(raw []byte) bool {
	switch string(raw) {
	case "", "null", "false", "0", `""`:
		return false
	default:
		return true
	}
}
