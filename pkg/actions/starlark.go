package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"
)

// scriptOptions allows top-level control flow, which action scripts use
// freely.
var scriptOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
	Recursion:       true,
}

// StarlarkRunner executes Starlark scripts in-process.
//
// The script sees these predeclared names:
//
//	component, version, patch_type, phase, run_id  the invocation
//	input                                          the action's input map
//	log(msg, **fields)                             logs at info level
//	struct                                         starlarkstruct.Make
//
// A script fails by calling fail(). If it defines run(ctx), run is called
// with a struct of the invocation fields and a False result fails the
// action.
type StarlarkRunner struct {
	name   string
	source string
	input  map[string]interface{}
	logger zerolog.Logger
}

// NewStarlarkRunner creates a runner for script, or for the file when
// script is empty. The file is read on each run.
func NewStarlarkRunner(script, file string, input map[string]interface{}, logger zerolog.Logger) (*StarlarkRunner, error) {
	r := &StarlarkRunner{
		name:   "action.star",
		source: script,
		input:  input,
		logger: logger,
	}
	if script == "" {
		if file == "" {
			return nil, fmt.Errorf("starlark action needs a script or file")
		}
		if _, err := os.Stat(file); err != nil {
			return nil, fmt.Errorf("starlark script: %w", err)
		}
		r.name = file
	}
	if _, err := toStarlarkValue(input); err != nil {
		return nil, fmt.Errorf("starlark input: %w", err)
	}
	return r, nil
}

// Run implements Runner.
func (r *StarlarkRunner) Run(ctx context.Context, inv Invocation) error {
	var src interface{} = r.source
	if r.source == "" {
		data, err := os.ReadFile(r.name)
		if err != nil {
			return fmt.Errorf("failed to read script: %w", err)
		}
		src = data
	}

	logger := r.logger.With().Str("script", filepath.Base(r.name)).Logger()
	thread := &starlark.Thread{
		Name: inv.ComponentID + "@" + inv.Version,
		Print: func(_ *starlark.Thread, msg string) {
			logger.Info().Msg(msg)
		},
	}

	// Interrupt the interpreter once the context is done.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel(ctx.Err().Error())
		case <-done:
		}
	}()

	input, err := toStarlarkValue(r.input)
	if err != nil {
		return err
	}
	predeclared := starlark.StringDict{
		"struct":     starlark.NewBuiltin("struct", starlarkstruct.Make),
		"component":  starlark.String(inv.ComponentID),
		"version":    starlark.String(inv.Version),
		"patch_type": starlark.String(inv.PatchType),
		"phase":      starlark.String(inv.Phase),
		"run_id":     starlark.String(inv.RunID),
		"input":      input,
		"log":        starlark.NewBuiltin("log", logBuiltin(logger)),
	}

	globals, err := starlark.ExecFileOptions(scriptOptions, thread, r.name, src, predeclared)
	if err != nil {
		return starlarkError(err)
	}

	run, ok := globals["run"].(starlark.Callable)
	if !ok {
		return nil
	}
	arg := starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
		"component":  predeclared["component"],
		"version":    predeclared["version"],
		"patch_type": predeclared["patch_type"],
		"phase":      predeclared["phase"],
		"run_id":     predeclared["run_id"],
		"input":      input,
	})
	result, err := starlark.Call(thread, run, starlark.Tuple{arg}, nil)
	if err != nil {
		return starlarkError(err)
	}
	if result == starlark.False {
		return fmt.Errorf("run() returned False")
	}
	return nil
}

// starlarkError keeps the script backtrace out of single-line messages.
func starlarkError(err error) error {
	if evalErr, ok := err.(*starlark.EvalError); ok {
		return fmt.Errorf("%s", evalErr.Msg)
	}
	return err
}

func logBuiltin(logger zerolog.Logger) func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var msg string
		if err := starlark.UnpackPositionalArgs(b.Name(), args, nil, 1, &msg); err != nil {
			return nil, err
		}
		event := logger.Info()
		for _, kv := range kwargs {
			v, err := fromStarlarkValue(kv[1])
			if err != nil {
				return nil, fmt.Errorf("%s: %w", b.Name(), err)
			}
			event = event.Interface(string(kv[0].(starlark.String)), v)
		}
		event.Msg(msg)
		return starlark.None, nil
	}
}

// toStarlarkValue converts a decoded YAML, JSON or CUE value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case uint64:
		return starlark.MakeUint64(val), nil
	case float64:
		return starlark.Float(val), nil
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return starlark.MakeInt64(i), nil
		}
		f, err := val.Float64()
		if err != nil {
			return nil, err
		}
		return starlark.Float(f), nil
	case string:
		return starlark.String(val), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromStarlarkValue converts a Starlark value to a Go value.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]interface{})
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	default:
		return v.String(), nil
	}
}
