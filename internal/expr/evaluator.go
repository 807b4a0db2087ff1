package expr

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/ohler55/ojg/jp"

	"github.com/vanyastaff/nebula-sub013/internal/types"
)

// DefaultEvalTimeout bounds a single expression evaluation.
const DefaultEvalTimeout = 5 * time.Second

// Env is the evaluation environment: the bindings visible to an expression.
// All values must be plain decoded JSON (maps, slices, strings, float64,
// bool, nil).
type Env struct {
	// Node exposes upstream node outputs, keyed by node ID.
	Node map[string]any

	// Workflow exposes workflow metadata and variables.
	Workflow map[string]any

	// Execution exposes execution metadata.
	Execution map[string]any

	// Input exposes the resolved parameters of the current node so far.
	Input map[string]any
}

// Evaluator compiles and runs expressions. Compiled programs are cached by
// source text; a fresh JavaScript runtime is built per evaluation because
// runtimes are not safe for concurrent use.
type Evaluator struct {
	timeout time.Duration

	mu       sync.RWMutex
	programs map[string]*goja.Program
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithTimeout overrides the per-evaluation timeout.
func WithTimeout(d time.Duration) Option {
	return func(e *Evaluator) { e.timeout = d }
}

// NewEvaluator returns an evaluator with an empty program cache.
func NewEvaluator(opts ...Option) *Evaluator {
	e := &Evaluator{
		timeout:  DefaultEvalTimeout,
		programs: make(map[string]*goja.Program),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CacheSize returns the number of compiled programs held.
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.programs)
}

// Evaluate runs the expression against the environment and returns its
// value as plain JSON. Evaluation is a pure mapping of (source, env); the
// engine is interrupted when the context is done or the timeout elapses.
func (e *Evaluator) Evaluate(ctx context.Context, source string, env Env) (any, error) {
	prog, err := e.compile(source)
	if err != nil {
		return nil, err
	}

	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	if err := bindEnv(vm, env); err != nil {
		return nil, err
	}
	bindBuiltins(vm)

	evalCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		select {
		case <-evalCtx.Done():
			vm.Interrupt("expression evaluation interrupted")
		case <-done:
		}
	}()

	val, err := vm.RunProgram(prog)
	close(done)
	if err != nil {
		if evalCtx.Err() != nil {
			return nil, types.WrapError(types.KindTransient, types.OPERATION_TIMED_OUT,
				"expression evaluation timed out", evalCtx.Err()).With("source", source)
		}
		return nil, types.WrapError(types.KindValidation, types.PARAMETER_RESOLUTION_FAILED,
			"expression evaluation failed", err).With("source", source)
	}
	if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
		return nil, nil
	}
	return normalizeJSON(val.Export())
}

// compile returns the cached program for the source, compiling on miss.
func (e *Evaluator) compile(source string) (*goja.Program, error) {
	e.mu.RLock()
	prog, ok := e.programs[source]
	e.mu.RUnlock()
	if ok {
		return prog, nil
	}

	prog, err := goja.Compile("expression", source, true)
	if err != nil {
		return nil, types.WrapError(types.KindValidation, types.PARAMETER_RESOLUTION_FAILED,
			"expression does not compile", err).With("source", source)
	}

	e.mu.Lock()
	e.programs[source] = prog
	e.mu.Unlock()
	return prog, nil
}

// bindEnv installs the $-prefixed bindings plus bare aliases.
func bindEnv(vm *goja.Runtime, env Env) error {
	bindings := map[string]any{
		"$node":      env.Node,
		"$workflow":  env.Workflow,
		"$execution": env.Execution,
		"$input":     env.Input,
		"node":       env.Node,
		"workflow":   env.Workflow,
		"execution":  env.Execution,
		"input":      env.Input,
	}
	for name, v := range bindings {
		if err := vm.Set(name, v); err != nil {
			return types.WrapError(types.KindPermanent, types.PARAMETER_RESOLUTION_FAILED,
				"failed to bind expression environment", err).With("binding", name)
		}
	}
	return nil
}

// bindBuiltins installs the bounded built-in function set. String, math,
// array and object helpers come from the JavaScript standard objects; the
// additions below cover dates, conversion, encoding, and JSONPath queries.
func bindBuiltins(vm *goja.Runtime) {
	vm.Set("now", func() string {
		return time.Now().UTC().Format(time.RFC3339)
	})
	vm.Set("timestamp", func() int64 {
		return time.Now().Unix()
	})
	vm.Set("toJSON", func(v any) string {
		data, err := json.Marshal(v)
		if err != nil {
			panic(vm.NewGoError(err))
		}
		return string(data)
	})
	vm.Set("fromJSON", func(s string) any {
		var v any
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			panic(vm.NewGoError(err))
		}
		return v
	})
	vm.Set("btoa", func(s string) string {
		return base64.StdEncoding.EncodeToString([]byte(s))
	})
	vm.Set("atob", func(s string) string {
		decoded, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			panic(vm.NewGoError(err))
		}
		return string(decoded)
	})
	// jsonpath(doc, path) returns all matches of a JSONPath query.
	vm.Set("jsonpath", func(doc any, path string) any {
		x, err := jp.ParseString(path)
		if err != nil {
			panic(vm.NewGoError(fmt.Errorf("invalid JSONPath %q: %w", path, err)))
		}
		return x.Get(doc)
	})
}

// normalizeJSON round-trips an exported value through encoding/json so
// callers always see plain JSON shapes (float64 numbers, map[string]any).
func normalizeJSON(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, types.WrapError(types.KindValidation, types.PARAMETER_RESOLUTION_FAILED,
			"expression result is not JSON-serializable", err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
