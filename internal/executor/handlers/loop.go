package handlers

import (
	"context"

	"github.com/flowforge/engine/internal/errs"
)

// Loop is the handler for a loop's own block node (the entry point
// inside the loop body, distinct from the LoopManager that drives
// iteration from outside). Its only job is to surface the binding the
// executor already computed for this iteration, so {{LoopName.loop.index}}
// and {{LoopName.loop.currentItem}} resolve like any other block
// output instead of needing special-cased resolver support.
type Loop struct{}

func (Loop) Invoke(_ context.Context, in Input) (Output, error) {
	data := map[string]interface{}{
		"index": in.Loop.Index,
	}
	if in.Loop.HasItem {
		data["currentItem"] = in.Loop.CurrentItem
	}
	return Output{Data: map[string]interface{}{"loop": data}}, nil
}

func (Loop) Classify(err error) errs.Classification {
	return DefaultClassify(err)
}
