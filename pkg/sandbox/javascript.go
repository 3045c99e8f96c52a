package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dop251/goja"
)

// JSEvaluator executes JavaScript actions and guard expressions with goja.
// Every evaluation gets a fresh runtime; nothing is shared between scripts.
type JSEvaluator struct{}

// NewJSEvaluator creates a JavaScript evaluator.
func NewJSEvaluator() *JSEvaluator {
	return &JSEvaluator{}
}

// Evaluate runs the request's code and returns its final expression value
// serialized as JSON.
func (e *JSEvaluator) Evaluate(ctx context.Context, req EvalRequest, host *Host) (*EvalResult, error) {
	timeout := req.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	start := time.Now()
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	state := &jsHostState{ctx: ctx, host: host}
	if err := bindHostAPI(vm, state); err != nil {
		return nil, fmt.Errorf("failed to bind host API: %w", err)
	}

	// Bind the instance context snapshot.
	var input interface{}
	if len(req.Input) > 0 {
		if err := json.Unmarshal(req.Input, &input); err != nil {
			return nil, fmt.Errorf("invalid evaluation input: %w", err)
		}
	}
	if err := vm.Set("context", input); err != nil {
		return nil, fmt.Errorf("failed to bind context: %w", err)
	}

	// Interrupt the VM when the budget elapses or the caller cancels.
	evalCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-evalCtx.Done():
			vm.Interrupt("wall-clock budget exceeded")
		case <-stop:
		}
	}()

	value, err := vm.RunString(req.Code)
	duration := time.Since(start)

	// A recorded capability denial wins over whatever the script returned
	// or caught: the violation itself is the failure.
	if state.denied != nil {
		return nil, state.denied
	}
	if err != nil {
		return nil, classifyJSError(err, timeout)
	}

	out, err := exportJSON(value)
	if err != nil {
		return nil, &ActionError{Kind: ErrThrow, Message: fmt.Sprintf("result not serializable: %v", err)}
	}

	return &EvalResult{
		Value:    out,
		Logs:     state.logs,
		Duration: duration,
	}, nil
}

// classifyJSError maps goja failures onto the sandbox error taxonomy.
func classifyJSError(err error, timeout time.Duration) error {
	switch e := err.(type) {
	case *goja.InterruptedError:
		return &ActionError{Kind: ErrTimeout, Message: fmt.Sprintf("evaluation exceeded %v", timeout)}
	case *goja.StackOverflowError:
		return &ActionError{Kind: ErrOOM, Message: "stack overflow"}
	case *goja.Exception:
		return &ActionError{Kind: ErrThrow, Message: e.Value().String()}
	default:
		return &ActionError{Kind: ErrThrow, Message: err.Error()}
	}
}

// exportJSON serializes a goja value to JSON, mapping undefined to null.
func exportJSON(v goja.Value) (json.RawMessage, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return json.RawMessage("null"), nil
	}
	return json.Marshal(v.Export())
}

// jsHostState tracks per-evaluation host interactions.
type jsHostState struct {
	ctx    context.Context
	host   *Host
	logs   []string
	denied *ActionError
}

// check records and rethrows capability denials; other host errors pass
// through as ordinary JS exceptions.
func (s *jsHostState) check(err error) error {
	if err == nil {
		return nil
	}
	if ae, ok := err.(*ActionError); ok && ae.Kind == ErrHostDenied && s.denied == nil {
		s.denied = ae
	}
	return err
}

// bindHostAPI installs the kv, crypto, notify, federated, and console
// objects into the runtime.
func bindHostAPI(vm *goja.Runtime, state *jsHostState) error {
	kvObj := map[string]interface{}{
		"get": func(field string) (interface{}, error) {
			raw, err := state.host.KVGet(state.ctx, field)
			if err != nil {
				return nil, state.check(err)
			}
			if raw == nil {
				return nil, nil
			}
			var out interface{}
			if err := json.Unmarshal(raw, &out); err != nil {
				return nil, err
			}
			return out, nil
		},
		"set": func(field string, value interface{}) error {
			raw, err := json.Marshal(value)
			if err != nil {
				return err
			}
			return state.check(state.host.KVSet(state.ctx, field, raw))
		},
	}

	cryptoObj := map[string]interface{}{
		"hash": func(data string) (string, error) {
			out, err := state.host.Hash([]byte(data))
			return out, state.check(err)
		},
		"sign": func(data string) (string, error) {
			out, err := state.host.Sign([]byte(data))
			return out, state.check(err)
		},
		"verify": func(data, sig, pub string) (bool, error) {
			ok, err := state.host.Verify([]byte(data), sig, pub)
			return ok, state.check(err)
		},
		"generateDid": func() (string, error) {
			out, err := state.host.GenerateDID()
			return out, state.check(err)
		},
	}

	notifyObj := map[string]interface{}{
		"email": func(to, subject, body string) error {
			return state.check(state.host.NotifyEmail(state.ctx, to, subject, body))
		},
		"sms": func(to, body string) error {
			return state.check(state.host.NotifySMS(state.ctx, to, body))
		},
	}

	federatedObj := map[string]interface{}{
		"request": func(authority string, payload interface{}) (interface{}, error) {
			raw, err := json.Marshal(payload)
			if err != nil {
				return nil, err
			}
			resp, err := state.host.FederatedRequest(state.ctx, authority, raw)
			if err != nil {
				return nil, state.check(err)
			}
			var out interface{}
			if err := json.Unmarshal(resp, &out); err != nil {
				return nil, err
			}
			return out, nil
		},
		"notify": func(authority string, payload interface{}) error {
			raw, err := json.Marshal(payload)
			if err != nil {
				return err
			}
			return state.check(state.host.FederatedNotify(state.ctx, authority, raw))
		},
	}

	consoleObj := map[string]interface{}{
		"log": func(args ...interface{}) {
			state.logs = append(state.logs, fmt.Sprint(args...))
		},
	}

	for name, obj := range map[string]interface{}{
		"kv":        kvObj,
		"crypto":    cryptoObj,
		"notify":    notifyObj,
		"federated": federatedObj,
		"console":   consoleObj,
	} {
		if err := vm.Set(name, obj); err != nil {
			return err
		}
	}
	return nil
}
