package dsl

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// CheckEvaluator compiles and evaluates pre-/post-check condition
// expressions. Conditions are CEL over two variables: `resource` (the
// observed resource attributes) and `request` (caller-supplied parameters).
type CheckEvaluator struct {
	env *cel.Env

	mu       sync.RWMutex
	programs map[string]cel.Program
}

// NewCheckEvaluator creates an evaluator with the standard environment.
func NewCheckEvaluator() (*CheckEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("resource", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("request", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("dsl: create check env: %w", err)
	}
	return &CheckEvaluator{
		env:      env,
		programs: make(map[string]cel.Program),
	}, nil
}

// Compile type-checks a condition without evaluating it. Used during
// validation so a malformed expression is a document error, not a runtime
// surprise.
func (e *CheckEvaluator) Compile(condition string) error {
	_, err := e.program(condition)
	return err
}

// Evaluate runs a condition against resource and request attributes.
func (e *CheckEvaluator) Evaluate(condition string, resource, request map[string]any) (bool, error) {
	prg, err := e.program(condition)
	if err != nil {
		return false, err
	}
	if resource == nil {
		resource = map[string]any{}
	}
	if request == nil {
		request = map[string]any{}
	}
	out, _, err := prg.Eval(map[string]any{
		"resource": resource,
		"request":  request,
	})
	if err != nil {
		return false, fmt.Errorf("dsl: evaluate check %q: %w", condition, err)
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("dsl: check %q did not evaluate to a boolean", condition)
	}
	return result, nil
}

func (e *CheckEvaluator) program(condition string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.programs[condition]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(condition)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("dsl: compile check %q: %w", condition, issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("dsl: build check program %q: %w", condition, err)
	}

	e.mu.Lock()
	e.programs[condition] = prg
	e.mu.Unlock()
	return prg, nil
}
