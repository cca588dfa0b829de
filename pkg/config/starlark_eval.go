package config

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// DefaultStarlarkTimeout bounds a script run when no timeout is given.
const DefaultStarlarkTimeout = 30 * time.Second

// maxExecutionSteps caps a script whose context never expires.
const maxExecutionSteps = 50_000_000

// StarlarkEvaluator runs case generator scripts.
//
// The input map becomes predeclared globals, next to these helpers:
//
//	randint(lo, hi)          random int in [lo, hi], seeded from the "seed" input
//	choice(list)             random element of a non-empty list
//	goal(device, field, v)   "var:<device>_<field> == <v>"
//	struct(**kwargs)         an immutable record
//
// The output holds every global that is neither a function nor named with a
// leading underscore.
type StarlarkEvaluator struct {
	timeout time.Duration
}

func NewStarlarkEvaluator(timeout time.Duration) *StarlarkEvaluator {
	if timeout <= 0 {
		timeout = DefaultStarlarkTimeout
	}
	return &StarlarkEvaluator{timeout: timeout}
}

// Evaluate runs script. A failed run returns both an error and a result
// whose Error field describes it.
func (se *StarlarkEvaluator) Evaluate(ctx context.Context, script string, input map[string]interface{}) (*StarlarkResult, error) {
	start := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	thread := &starlark.Thread{Name: "riskcell-cases", Print: func(*starlark.Thread, string) {}}
	thread.SetMaxExecutionSteps(maxExecutionSteps)
	stop := context.AfterFunc(runCtx, func() { thread.Cancel(runCtx.Err().Error()) })
	defer stop()

	output, err := run(thread, script, input)
	res := &StarlarkResult{ExecutionTime: time.Since(start)}
	switch {
	case runCtx.Err() != nil:
		res.Error = fmt.Sprintf("execution timeout after %v", se.timeout)
		return res, fmt.Errorf("starlark execution timeout: %w", runCtx.Err())
	case err != nil:
		res.Error = err.Error()
		return res, err
	}
	res.Output = output
	return res, nil
}

func run(thread *starlark.Thread, script string, input map[string]interface{}) (map[string]interface{}, error) {
	rng := seededRand(input["seed"])
	env := starlark.StringDict{
		"struct":  starlarkstruct.Default,
		"goal":    starlark.NewBuiltin("goal", goalBuiltin),
		"randint": starlark.NewBuiltin("randint", randintBuiltin(rng)),
		"choice":  starlark.NewBuiltin("choice", choiceBuiltin(rng)),
	}
	for name, v := range input {
		sv, err := toStarlark(v)
		if err != nil {
			return nil, fmt.Errorf("input %s: %w", name, err)
		}
		env[name] = sv
	}

	globals, err := starlark.ExecFile(thread, "cases.star", script, env)
	if err != nil {
		return nil, fmt.Errorf("starlark execution failed: %w", err)
	}

	out := make(map[string]interface{}, len(globals))
	for name, v := range globals {
		if strings.HasPrefix(name, "_") {
			continue
		}
		if _, fn := v.(starlark.Callable); fn {
			continue
		}
		gv, err := fromStarlark(v)
		if err != nil {
			return nil, fmt.Errorf("output %s: %w", name, err)
		}
		out[name] = gv
	}
	return out, nil
}

func seededRand(seed interface{}) *rand.Rand {
	var s uint64
	switch v := seed.(type) {
	case int:
		s = uint64(v)
	case int64:
		s = uint64(v)
	case uint64:
		s = v
	}
	return rand.New(rand.NewPCG(s, s^0x9e3779b97f4a7c15))
}

func toStarlark(v interface{}) (starlark.Value, error) {
	switch v := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(v), nil
	case int:
		return starlark.MakeInt(v), nil
	case int64:
		return starlark.MakeInt64(v), nil
	case uint64:
		return starlark.MakeUint64(v), nil
	case float64:
		return starlark.Float(v), nil
	case string:
		return starlark.String(v), nil
	case []string:
		elems := make([]starlark.Value, len(v))
		for i, s := range v {
			elems[i] = starlark.String(s)
		}
		return starlark.NewList(elems), nil
	case []interface{}:
		elems := make([]starlark.Value, len(v))
		for i, e := range v {
			sv, err := toStarlark(e)
			if err != nil {
				return nil, err
			}
			elems[i] = sv
		}
		return starlark.NewList(elems), nil
	case map[string]interface{}:
		d := starlark.NewDict(len(v))
		for k, e := range v {
			sv, err := toStarlark(e)
			if err != nil {
				return nil, err
			}
			if err := d.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return d, nil
	}
	return nil, fmt.Errorf("unsupported type: %T", v)
}

// fromStarlark maps a script value back to Go. Ints become int64, tuples
// become lists and structs become maps.
func fromStarlark(v starlark.Value) (interface{}, error) {
	switch v := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(v), nil
	case starlark.Int:
		if i, ok := v.Int64(); ok {
			return i, nil
		}
		return nil, fmt.Errorf("integer %s overflows int64", v)
	case starlark.Float:
		return float64(v), nil
	case starlark.String:
		return string(v), nil
	case starlark.Indexable:
		out := make([]interface{}, v.Len())
		for i := range out {
			e, err := fromStarlark(v.Index(i))
			if err != nil {
				return nil, err
			}
			out[i] = e
		}
		return out, nil
	case *starlark.Dict:
		out := make(map[string]interface{}, v.Len())
		for _, kv := range v.Items() {
			k, ok := kv[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string, got %s", kv[0].Type())
			}
			e, err := fromStarlark(kv[1])
			if err != nil {
				return nil, err
			}
			out[string(k)] = e
		}
		return out, nil
	case *starlarkstruct.Struct:
		out := make(map[string]interface{})
		for _, name := range v.AttrNames() {
			attr, err := v.Attr(name)
			if err != nil {
				return nil, err
			}
			if out[name], err = fromStarlark(attr); err != nil {
				return nil, err
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
}

// goalBuiltin renders a single-term goal over a device estimate.
func goalBuiltin(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var device, field string
	var value starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 3, &device, &field, &value); err != nil {
		return nil, err
	}

	var text string
	switch v := value.(type) {
	case starlark.String:
		text = string(v)
	case starlark.Bool:
		text = fmt.Sprint(bool(v))
	case starlark.Int, starlark.Float:
		text = v.String()
	default:
		return nil, fmt.Errorf("%s: unsupported value type %s", b.Name(), value.Type())
	}
	return starlark.String("var:" + device + "_" + field + " == " + text), nil
}

type builtinFunc = func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error)

func randintBuiltin(rng *rand.Rand) builtinFunc {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var lo, hi int64
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &lo, &hi); err != nil {
			return nil, err
		}
		if hi < lo {
			return nil, fmt.Errorf("%s: empty range [%d, %d]", b.Name(), lo, hi)
		}
		return starlark.MakeInt64(lo + rng.Int64N(hi-lo+1)), nil
	}
}

func choiceBuiltin(rng *rand.Rand) builtinFunc {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var seq starlark.Indexable
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &seq); err != nil {
			return nil, err
		}
		if seq.Len() == 0 {
			return nil, fmt.Errorf("%s: empty sequence", b.Name())
		}
		return seq.Index(rng.IntN(seq.Len())), nil
	}
}
