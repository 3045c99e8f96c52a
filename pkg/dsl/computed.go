package dsl

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.starlark.net/starlark"
)

// ComputedEvaluator derives computed model fields with Starlark
// expressions evaluated read-only over a record. Expressions see the
// record's fields as predeclared names.
type ComputedEvaluator struct {
	timeout time.Duration
}

// NewComputedEvaluator creates an evaluator. A zero timeout selects one
// second, generous for pure expressions.
func NewComputedEvaluator(timeout time.Duration) *ComputedEvaluator {
	if timeout == 0 {
		timeout = time.Second
	}
	return &ComputedEvaluator{timeout: timeout}
}

// Evaluate derives every computed field of a resolved model over the given
// record and returns the field values. A failing expression fails the
// whole evaluation; computed fields never write back into the record.
func (ce *ComputedEvaluator) Evaluate(ctx context.Context, spec *DataModelSpec, record json.RawMessage) (map[string]json.RawMessage, error) {
	if len(spec.Computed.Keys) == 0 {
		return nil, nil
	}

	var doc map[string]interface{}
	if len(record) > 0 {
		if err := json.Unmarshal(record, &doc); err != nil {
			return nil, fmt.Errorf("record is not a JSON object: %w", err)
		}
	}

	predeclared := starlark.StringDict{}
	for key, val := range doc {
		sv, err := toStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert field %s: %w", key, err)
		}
		predeclared[key] = sv
	}

	out := make(map[string]json.RawMessage, len(spec.Computed.Keys))
	for _, name := range spec.Computed.Keys {
		field := spec.Computed.Values[name]
		value, err := ce.evalExpr(ctx, name, field.Expression, predeclared)
		if err != nil {
			return nil, fmt.Errorf("computed field %s: %w", name, err)
		}
		out[name] = value
	}
	return out, nil
}

// evalExpr runs one expression with a cancellable thread.
func (ce *ComputedEvaluator) evalExpr(ctx context.Context, name, expr string, predeclared starlark.StringDict) (json.RawMessage, error) {
	evalCtx, cancel := context.WithTimeout(ctx, ce.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name: "computed:" + name,
		Print: func(_ *starlark.Thread, _ string) {
			// Computed fields have no output channel.
		},
	}
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-evalCtx.Done():
			thread.Cancel("computed field budget exceeded")
		case <-done:
		}
	}()

	value, err := starlark.Eval(thread, name+".star", expr, predeclared)
	if err != nil {
		return nil, err
	}
	goVal, err := fromStarlarkValue(value)
	if err != nil {
		return nil, err
	}
	return json.Marshal(goVal)
}

// toStarlarkValue converts a JSON-decoded Go value to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	switch val := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(val), nil
	case float64:
		if val == float64(int64(val)) {
			return starlark.MakeInt64(int64(val)), nil
		}
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []interface{}:
		elems := make([]starlark.Value, len(val))
		for i, e := range val {
			sv, err := toStarlarkValue(e)
			if err != nil {
				return nil, err
			}
			elems[i] = sv
		}
		return starlark.NewList(elems), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, e := range val {
			sv, err := toStarlarkValue(e)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

// fromStarlarkValue converts a Starlark value back to a JSON-encodable Go
// value.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		if i, ok := val.Int64(); ok {
			return i, nil
		}
		return val.String(), nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		out := make([]interface{}, 0, val.Len())
		for i := 0; i < val.Len(); i++ {
			gv, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			out = append(out, gv)
		}
		return out, nil
	case *starlark.Dict:
		out := make(map[string]interface{}, val.Len())
		for _, key := range val.Keys() {
			item, _, err := val.Get(key)
			if err != nil {
				return nil, err
			}
			ks, ok := starlark.AsString(key)
			if !ok {
				return nil, fmt.Errorf("dict key %s is not a string", key)
			}
			gv, err := fromStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			out[ks] = gv
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type %s", v.Type())
	}
}
