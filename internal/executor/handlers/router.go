package handlers

import (
	"context"

	"github.com/flowforge/engine/internal/errs"
	"github.com/flowforge/engine/internal/executor/exprcache"
)

// Router evaluates params.expression as an expr-lang expression that
// must yield the id (or name, resolved by the executor) of the
// block to activate next. Unlike Condition's fixed true/false pair,
// a router can fan out to any declared outgoing connection, so the
// chosen target travels in Output.RouteTo rather than a handle tag.
type Router struct {
	eval *exprcache.Evaluator
}

func NewRouter(cacheSize int) *Router {
	return &Router{eval: exprcache.New(cacheSize)}
}

func (r *Router) Invoke(_ context.Context, in Input) (Output, error) {
	expression, err := paramString(in.Params, "expression")
	if err != nil {
		return Output{}, err
	}

	env := map[string]interface{}{
		"input": in.Params,
		"env":   envToInterfaceMap(in.Env),
	}

	target, err := r.eval.EvaluateString(expression, env)
	if err != nil {
		return Output{}, err
	}

	return Output{
		RouteTo: target,
		Data: map[string]interface{}{
			"selected": target,
		},
	}, nil
}

func (r *Router) Classify(err error) errs.Classification {
	return DefaultClassify(err)
}

func (r *Router) setCacheHooks(onHit, onMiss func()) {
	r.eval.SetHitMissHooks(onHit, onMiss)
}
