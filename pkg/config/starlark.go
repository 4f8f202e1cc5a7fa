package config

import (
	"context"
	"fmt"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// StarlarkEvaluator runs Starlark generator scripts with a wall-clock
// timeout. Scripts see their input as predeclared globals and export
// results through their own globals.
type StarlarkEvaluator struct {
	timeout time.Duration
}

// NewStarlarkEvaluator creates an evaluator; timeout 0 means 30s.
func NewStarlarkEvaluator(timeout time.Duration) *StarlarkEvaluator {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &StarlarkEvaluator{timeout: timeout}
}

// Evaluate executes script with input predeclared and returns the
// script's exported globals. Globals starting with underscore stay
// private to the script.
func (e *StarlarkEvaluator) Evaluate(ctx context.Context, script string, input map[string]any) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type result struct {
		output map[string]any
		err    error
	}
	resultCh := make(chan result, 1)

	go func() {
		output, err := e.run(script, input)
		resultCh <- result{output: output, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("starlark evaluation timed out after %v", e.timeout)
	case r := <-resultCh:
		return r.output, r.err
	}
}

func (e *StarlarkEvaluator) run(script string, input map[string]any) (map[string]any, error) {
	thread := &starlark.Thread{
		Name: "loam",
		// Scripts have no output channel; print is a no-op.
		Print: func(*starlark.Thread, string) {},
	}

	predeclared := starlark.StringDict{
		"struct": starlarkstruct.Default,
	}
	for key, val := range input {
		converted, err := toStarlark(val)
		if err != nil {
			return nil, fmt.Errorf("convert input %q: %w", key, err)
		}
		predeclared[key] = converted
	}

	globals, err := starlark.ExecFile(thread, "generator.star", script, predeclared)
	if err != nil {
		return nil, fmt.Errorf("starlark execution failed: %w", err)
	}

	output := make(map[string]any)
	for name, val := range globals {
		if len(name) > 0 && name[0] == '_' {
			continue
		}
		converted, err := fromStarlark(val)
		if err != nil {
			return nil, fmt.Errorf("convert output %q: %w", name, err)
		}
		output[name] = converted
	}
	return output, nil
}

func toStarlark(v any) (starlark.Value, error) {
	switch val := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []any:
		items := make([]starlark.Value, len(val))
		for i, item := range val {
			converted, err := toStarlark(item)
			if err != nil {
				return nil, err
			}
			items[i] = converted
		}
		return starlark.NewList(items), nil
	case map[string]any:
		dict := starlark.NewDict(len(val))
		for k, item := range val {
			converted, err := toStarlark(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), converted); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type %T", v)
	}
}

func fromStarlark(v starlark.Value) (any, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer out of range: %s", val)
		}
		return float64(i), nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		items := make([]any, val.Len())
		for i := 0; i < val.Len(); i++ {
			converted, err := fromStarlark(val.Index(i))
			if err != nil {
				return nil, err
			}
			items[i] = converted
		}
		return items, nil
	case starlark.Tuple:
		items := make([]any, len(val))
		for i, item := range val {
			converted, err := fromStarlark(item)
			if err != nil {
				return nil, err
			}
			items[i] = converted
		}
		return items, nil
	case *starlark.Dict:
		out := make(map[string]any, val.Len())
		for _, key := range val.Keys() {
			str, ok := key.(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key %s is not a string", key)
			}
			item, _, err := val.Get(key)
			if err != nil {
				return nil, err
			}
			converted, err := fromStarlark(item)
			if err != nil {
				return nil, err
			}
			out[string(str)] = converted
		}
		return out, nil
	case callableValue:
		// Functions are script-internal; drop them from output.
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type %s", v.Type())
	}
}

// callableValue matches starlark functions and builtins so exported
// helper functions do not fail conversion.
type callableValue interface {
	starlark.Value
	Name() string
	CallInternal(*starlark.Thread, starlark.Tuple, []starlark.Tuple) (starlark.Value, error)
}
