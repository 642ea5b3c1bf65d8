// Package exprcache evaluates the boolean/value expressions used by
// the condition and router block handlers, caching compiled
// expr-lang programs by source text so a loop re-evaluating the same
// expression doesn't recompile it every iteration.
package exprcache

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Evaluator compiles and runs expr-lang expressions, caching the
// compiled program per distinct expression string.
type Evaluator struct {
	cache *lru.Cache[string, *vm.Program]

	// onHit/onMiss observe the cache's effectiveness, wired to
	// internal/metrics' expression-cache counters by whatever attaches
	// a MetricsSink to the handler registry; nil (the default) means
	// no one is watching.
	onHit  func()
	onMiss func()
}

// New creates an Evaluator with an LRU cache of the given size.
func New(size int) *Evaluator {
	if size <= 0 {
		size = 256
	}
	cache, err := lru.New[string, *vm.Program](size)
	if err != nil {
		panic(fmt.Sprintf("exprcache: failed to create LRU cache: %v", err))
	}
	return &Evaluator{cache: cache}
}

// SetHitMissHooks installs callbacks invoked on every cache lookup,
// for observability; either may be nil to silence that side.
func (e *Evaluator) SetHitMissHooks(onHit, onMiss func()) {
	e.onHit = onHit
	e.onMiss = onMiss
}

func (e *Evaluator) compile(expression string, env map[string]interface{}, opts ...expr.Option) (*vm.Program, error) {
	if program, ok := e.cache.Get(expression); ok {
		if e.onHit != nil {
			e.onHit()
		}
		return program, nil
	}
	if e.onMiss != nil {
		e.onMiss()
	}
	options := append([]expr.Option{expr.Env(env)}, opts...)
	program, err := expr.Compile(expression, options...)
	if err != nil {
		return nil, fmt.Errorf("compile expression: %w", err)
	}
	e.cache.Add(expression, program)
	return program, nil
}

// EvaluateBool evaluates expression as a boolean condition.
func (e *Evaluator) EvaluateBool(expression string, env map[string]interface{}) (bool, error) {
	program, err := e.compile(expression, env, expr.AsBool())
	if err != nil {
		return false, err
	}
	result, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("evaluate expression: %w", err)
	}
	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("expression %q did not evaluate to a boolean, got %T", expression, result)
	}
	return b, nil
}

// EvaluateString evaluates expression expecting a string result, used
// by the router handler to pick a target block id.
func (e *Evaluator) EvaluateString(expression string, env map[string]interface{}) (string, error) {
	program, err := e.compile(expression, env)
	if err != nil {
		return "", err
	}
	result, err := expr.Run(program, env)
	if err != nil {
		return "", fmt.Errorf("evaluate expression: %w", err)
	}
	s, ok := result.(string)
	if !ok {
		return "", fmt.Errorf("expression %q did not evaluate to a string, got %T", expression, result)
	}
	return s, nil
}
