package handlers

import (
	"context"

	"github.com/flowforge/engine/internal/errs"
	"github.com/flowforge/engine/internal/executor/exprcache"
	"github.com/flowforge/engine/internal/workflow"
)

// Condition evaluates params.condition as an expr-lang boolean
// expression against the block's resolved inputs and returns the
// branch tag the engine should activate. Its Data also exposes
// {selected, evaluated} for downstream reference by block name --
// without it, a later block has no way to recover the boolean result
// once routing has already happened.
type Condition struct {
	eval *exprcache.Evaluator
}

func NewCondition(cacheSize int) *Condition {
	return &Condition{eval: exprcache.New(cacheSize)}
}

func (c *Condition) Invoke(_ context.Context, in Input) (Output, error) {
	expression, err := paramString(in.Params, "condition")
	if err != nil {
		return Output{}, err
	}

	env := map[string]interface{}{
		"input": in.Params,
		"env":   envToInterfaceMap(in.Env),
	}

	result, err := c.eval.EvaluateBool(expression, env)
	if err != nil {
		return Output{}, err
	}

	branch := workflow.HandleConditionFalse
	if result {
		branch = workflow.HandleConditionTrue
	}

	return Output{
		Branch: branch,
		Data: map[string]interface{}{
			"selected":  branch,
			"evaluated": result,
		},
	}, nil
}

func (c *Condition) Classify(err error) errs.Classification {
	return DefaultClassify(err)
}

func (c *Condition) setCacheHooks(onHit, onMiss func()) {
	c.eval.SetHitMissHooks(onHit, onMiss)
}

func envToInterfaceMap(env map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(env))
	for k, v := range env {
		out[k] = v
	}
	return out
}
