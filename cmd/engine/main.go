// Command engine is a thin CLI over the workflow execution engine: it
// reads a serialized workflow and an input payload from disk, runs it,
// and prints the resulting {output, trace, cost} as JSON, so the
// engine can be exercised standalone without an embedding service.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/flowforge/engine/internal/config"
	"github.com/flowforge/engine/internal/errs"
	"github.com/flowforge/engine/internal/executor"
	"github.com/flowforge/engine/internal/executor/handlers"
	"github.com/flowforge/engine/internal/metrics"
	"github.com/flowforge/engine/internal/tracing"
	"github.com/flowforge/engine/internal/workflow"
)

// Exit codes reported to the embedding shell.
const (
	exitSuccess              = 0
	exitValidationError      = 2
	exitMissingRequiredField = 3
	exitBlockFailed          = 4
	exitTimeout              = 5
	exitCancelled            = 6
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("engine", flag.ContinueOnError)
	workflowPath := fs.String("workflow", "", "path to a serialized workflow JSON file (required)")
	inputPath := fs.String("input", "", "path to a JSON file used as the starter block's input (optional, default {})")
	validateOnly := fs.Bool("validate", false, "only validate the workflow, don't run it")
	validateRequired := fs.Bool("validate-required", true, "enforce user-only-required field validation")
	timeout := fs.Duration("timeout", 0, "whole-workflow timeout; 0 uses the engine default")
	if err := fs.Parse(args); err != nil {
		return exitValidationError
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	shutdownTracing, err := tracing.InitTracing(context.Background(), tracing.LoadTracingConfig())
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		return exitValidationError
	}
	defer shutdownTracing()

	if *workflowPath == "" {
		logger.Error("missing required flag", "flag", "-workflow")
		return exitValidationError
	}

	wf, err := loadWorkflow(*workflowPath, *validateRequired)
	if err != nil {
		logger.Error("failed to load workflow", "error", err)
		if e, ok := errs.As(err); ok && e.Kind == errs.MissingRequiredField {
			return exitMissingRequiredField
		}
		return exitValidationError
	}

	eng := executor.New(config.Default()).WithMetrics(metrics.NewMetrics()).WithLogger(logger)

	if issues := eng.Validate(wf, *validateRequired); len(issues) > 0 {
		printJSON(os.Stdout, map[string]interface{}{"valid": false, "issues": issues})
		return exitValidationError
	}
	if *validateOnly {
		printJSON(os.Stdout, map[string]interface{}{"valid": true})
		return exitSuccess
	}

	input, err := loadInput(*inputPath)
	if err != nil {
		logger.Error("failed to load input", "error", err)
		return exitValidationError
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := handlers.NewRegistry(config.Default().ExpressionCacheSize)

	result := eng.Run(ctx, wf, input, executor.Options{
		Env:      envMap(),
		Handlers: registry,
		Timeout:  *timeout,
	})

	printJSON(os.Stdout, resultEnvelope(result))

	switch result.Status {
	case executor.StatusSuccess:
		return exitSuccess
	case executor.StatusTimeout:
		return exitTimeout
	case executor.StatusCancelled:
		return exitCancelled
	default:
		if result.Error != nil {
			switch result.Error.Kind {
			case errs.MissingRequiredField:
				return exitMissingRequiredField
			case errs.InvalidBlockKind, errs.InvalidWorkflow:
				return exitValidationError
			}
		}
		return exitBlockFailed
	}
}

func resultEnvelope(r *executor.Result) map[string]interface{} {
	out := map[string]interface{}{
		"runId":  r.RunID,
		"trace":  r.Trace,
		"cost":   r.Cost,
		"tokens": r.Tokens,
		"status": r.Status,
	}
	if r.Error != nil {
		out["error"] = map[string]interface{}{
			"kind":    r.Error.Kind,
			"message": r.Error.Message,
			"blockId": r.Error.BlockID,
		}
	} else {
		out["output"] = r.Output
	}
	return out
}

// loadWorkflow reads the authoring form from path -- blocks keyed by
// user-assigned name -- and serializes it into the executable form.
// The engine's run/validate operations take the executable
// *workflow.Workflow in-process; a standalone CLI's one external
// touchpoint is this Serialize call, which is also where the name
// index gets built.
func loadWorkflow(path string, validateRequired bool) (*workflow.Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var aw workflow.AuthoringWorkflow
	if err := json.Unmarshal(data, &aw); err != nil {
		return nil, fmt.Errorf("parse workflow: %w", err)
	}
	return workflow.Serialize(aw, isKnownKindOrTool, workflow.SerializeOptions{ValidateRequired: validateRequired})
}

func isKnownKindOrTool(kind string) bool {
	switch kind {
	case workflow.KindStarter, workflow.KindAgent, workflow.KindFunction,
		workflow.KindAPI, workflow.KindCondition, workflow.KindRouter, workflow.KindLoop:
		return true
	}
	return workflow.IsToolKind(kind)
}

func loadInput(path string) (interface{}, error) {
	if path == "" {
		return map[string]interface{}{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("parse input: %w", err)
	}
	return v, nil
}

func envMap() map[string]string {
	out := map[string]string{}
	for _, kv := range os.Environ() {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				out[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	return out
}

func printJSON(w *os.File, v interface{}) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
