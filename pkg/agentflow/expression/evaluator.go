// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package expression evaluates attribute expressions against an
// evaluation context built from workflow inputs, completed-step returns,
// and an optional foreach binding.
package expression

import (
	"fmt"
	"math"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/agentflow-run/agentflow/pkg/agentflow/ids"
)

// StepReader returns the `returns` attributes of a completed step by name.
// It is supplied by the engine, which resolves names against persistence
// rather than an in-memory pointer graph.
type StepReader func(name string) (map[string]any, bool)

// Context is the evaluation context for one expression: workflow inputs, a
// reader for completed-step returns, and an optional foreach binding.
type Context struct {
	Inputs map[string]any
	Steps  StepReader

	// ForeachVar/ForeachValue are non-empty only while evaluating the body
	// of a foreach sub-block.
	ForeachVar   string
	ForeachValue any
}

// Error wraps a failed evaluation, naming the offending reference when
// one can be identified.
type Error struct {
	Expression string
	Reference  string
	Message    string
	Cause      error
}

func (e *Error) Error() string {
	if e.Reference != "" {
		return fmt.Sprintf("expression error: %s: %s", e.Reference, e.Message)
	}
	return fmt.Sprintf("expression error: %s", e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Evaluator compiles and caches expr-lang programs by source text, the
// same compile-then-cache pattern as a condition evaluator, generalized
// here to return any Value kind rather than only bool.
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// New creates an Evaluator with an empty program cache.
func New() *Evaluator {
	return &Evaluator{cache: make(map[string]*vm.Program)}
}

// Eval evaluates the expression source against ctx and lifts the result
// into the tagged Value union. Division and modulo by zero, string
// concatenation across mismatched types, out-of-range indexing, and
// unresolved references are all surfaced as *Error. Division by zero is
// caught through the non-finite number it yields, so it is reported when
// that number is the expression's result.
func (e *Evaluator) Eval(source string, ctx Context) (ids.Value, error) {
	program, err := e.compile(source)
	if err != nil {
		return ids.Value{}, &Error{Expression: source, Message: err.Error(), Cause: err}
	}

	env := e.buildEnv(ctx)
	result, err := expr.Run(program, env)
	if err != nil {
		return ids.Value{}, &Error{Expression: source, Reference: offendingReference(err), Message: err.Error(), Cause: err}
	}
	if f, ok := result.(float64); ok && (math.IsInf(f, 0) || math.IsNaN(f)) {
		return ids.Value{}, &Error{Expression: source, Message: "arithmetic produced a non-finite result (division by zero)"}
	}

	v, err := ids.FromNative(result)
	if err != nil {
		return ids.Value{}, &Error{Expression: source, Message: err.Error(), Cause: err}
	}
	return v, nil
}

// EvalBool evaluates source and coerces the result to a boolean, for
// condition-style expressions (e.g. `andMatch` guards).
func (e *Evaluator) EvalBool(source string, ctx Context) (bool, error) {
	program, err := e.compileAs(source, expr.AllowUndefinedVariables(), expr.AsBool())
	if err != nil {
		return false, &Error{Expression: source, Message: err.Error(), Cause: err}
	}
	env := e.buildEnv(ctx)
	result, err := expr.Run(program, env)
	if err != nil {
		return false, &Error{Expression: source, Reference: offendingReference(err), Message: err.Error(), Cause: err}
	}
	b, ok := result.(bool)
	if !ok {
		return false, &Error{Expression: source, Message: "expression did not evaluate to a boolean"}
	}
	return b, nil
}

func (e *Evaluator) compile(source string) (*vm.Program, error) {
	return e.compileAs(source, expr.AllowUndefinedVariables())
}

func (e *Evaluator) compileAs(source string, opts ...expr.Option) (*vm.Program, error) {
	e.mu.RLock()
	if p, ok := e.cache[source]; ok {
		e.mu.RUnlock()
		return p, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.cache[source]; ok {
		return p, nil
	}

	options := append([]expr.Option{
		expr.Env(map[string]any{}),
		expr.Function("has", hasFunc),
		expr.Function("includes", includesFunc),
		expr.Function("length", lengthFunc),
	}, opts...)

	program, err := expr.Compile(source, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to compile expression %q: %w", source, err)
	}
	e.cache[source] = program
	return program, nil
}

func (e *Evaluator) buildEnv(ctx Context) map[string]any {
	env := map[string]any{
		"$": ctx.Inputs,
	}
	if ctx.Inputs != nil {
		for k, v := range ctx.Inputs {
			env[k] = v
		}
	}
	if ctx.ForeachVar != "" {
		env[ctx.ForeachVar] = ctx.ForeachValue
	}
	return env
}

// BuildStepEnv flattens every already-completed step's returns into
// ctx.Inputs under its step name, so `stepname.field` expressions resolve
// via expr's native map/property access once buildEnv copies ctx.Inputs
// into the top-level environment. Call this once per facet.init.Begin
// pass with the set of step names the expression is allowed to reference.
func BuildStepEnv(ctx *Context, names []string) error {
	if ctx.Steps == nil {
		return nil
	}
	if ctx.Inputs == nil {
		ctx.Inputs = map[string]any{}
	}
	for _, name := range names {
		returns, ok := ctx.Steps(name)
		if !ok {
			return &Error{Reference: name, Message: fmt.Sprintf("unknown or incomplete step reference: %s", name)}
		}
		ctx.Inputs[name] = returns
	}
	return nil
}

func hasFunc(args ...any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("has() takes exactly 2 arguments")
	}
	m, ok := args[0].(map[string]any)
	if !ok {
		return false, nil
	}
	key, ok := args[1].(string)
	if !ok {
		return false, nil
	}
	_, exists := m[key]
	return exists, nil
}

func includesFunc(args ...any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("includes() takes exactly 2 arguments")
	}
	seq, ok := args[0].([]any)
	if !ok {
		return false, nil
	}
	for _, e := range seq {
		if e == args[1] {
			return true, nil
		}
	}
	return false, nil
}

func lengthFunc(args ...any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("length() takes exactly 1 argument")
	}
	switch v := args[0].(type) {
	case []any:
		return len(v), nil
	case map[string]any:
		return len(v), nil
	case string:
		return len(v), nil
	default:
		return 0, nil
	}
}

// offendingReference has no reliable way to recover the specific bad name
// from expr's runtime panic text across versions, so it defers to the raw
// error message; Error.Message already carries that text.
func offendingReference(err error) string {
	return ""
}
