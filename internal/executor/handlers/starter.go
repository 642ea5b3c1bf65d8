package handlers

import (
	"context"

	"github.com/flowforge/engine/internal/errs"
)

// Starter passes the run's initial input straight through as its
// output.
type Starter struct{}

func (Starter) Invoke(_ context.Context, in Input) (Output, error) {
	return Output{Data: in.RunInput}, nil
}

func (Starter) Classify(err error) errs.Classification {
	return DefaultClassify(err)
}
