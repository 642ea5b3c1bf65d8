package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/dop251/goja"

	"github.com/flowforge/engine/internal/errs"
)

// sandboxForbiddenGlobals removes host/runtime escape hatches from the
// goja VM before a script runs.
var sandboxForbiddenGlobals = []string{
	"require", "module", "exports", "__dirname", "__filename",
	"process", "Buffer", "global", "globalThis",
	"window", "document", "location", "navigator", "fetch",
	"XMLHttpRequest", "WebSocket", "eval", "Function",
}

const defaultFunctionTimeout = 5 * time.Second

// Function runs params.script as a sandboxed JavaScript expression via
// goja. The script sees input/env/loop as globals and assigns its
// result to a `result` global (falling back to the script's own
// completion value); Function reads that back out after the script
// runs. Each invocation gets a fresh ephemeral VM.
type Function struct{}

func NewFunction() *Function {
	return &Function{}
}

func (f *Function) Invoke(ctx context.Context, in Input) (Output, error) {
	script, err := paramString(in.Params, "script")
	if err != nil {
		return Output{}, err
	}

	timeout := defaultFunctionTimeout
	if raw, ok := in.Params["_timeout"]; ok {
		if ms, ok := raw.(float64); ok && ms > 0 {
			timeout = time.Duration(ms) * time.Millisecond
		}
	}

	vm := goja.New()
	vm.SetMaxCallStackSize(1000)
	for _, name := range sandboxForbiddenGlobals {
		_ = vm.Set(name, goja.Undefined())
	}

	if err := vm.Set("input", in.Params); err != nil {
		return Output{}, errs.Wrap(errs.BlockFailed, in.BlockID, err)
	}
	if err := vm.Set("env", in.Env); err != nil {
		return Output{}, errs.Wrap(errs.BlockFailed, in.BlockID, err)
	}
	loopValue := map[string]interface{}{"index": in.Loop.Index}
	if in.Loop.HasItem {
		loopValue["currentItem"] = in.Loop.CurrentItem
	}
	if err := vm.Set("loop", loopValue); err != nil {
		return Output{}, errs.Wrap(errs.BlockFailed, in.BlockID, err)
	}

	done := make(chan struct{})
	timer := time.AfterFunc(timeout, func() {
		vm.Interrupt("timeout")
	})
	defer timer.Stop()

	var value goja.Value
	var runErr error
	go func() {
		defer close(done)
		value, runErr = vm.RunString(script)
	}()

	select {
	case <-ctx.Done():
		vm.Interrupt("cancelled")
		<-done
		return Output{}, errs.Wrap(errs.Cancelled, in.BlockID, ctx.Err())
	case <-done:
	}

	if runErr != nil {
		if _, ok := runErr.(*goja.InterruptedError); ok {
			return Output{}, errs.Newf(errs.BlockTimeout, in.BlockID, "function exceeded %s", timeout)
		}
		return Output{}, errs.Wrap(errs.BlockFailed, in.BlockID, fmt.Errorf("script error: %w", runErr))
	}

	result := vm.Get("result")
	if result != nil && !goja.IsUndefined(result) {
		return Output{Data: result.Export()}, nil
	}
	if value != nil && !goja.IsUndefined(value) {
		return Output{Data: value.Export()}, nil
	}
	return Output{Data: nil}, nil
}

func (f *Function) Classify(err error) errs.Classification {
	return DefaultClassify(err)
}
