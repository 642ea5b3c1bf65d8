package tracing

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TraceRun wraps one workflow run with a span, the root of every span
// tree the engine produces for that run.
func TraceRun(ctx context.Context, workflowVersion string, fn func(context.Context) error) error {
	ctx, span := StartSpan(ctx, "workflow.run")
	defer span.End()

	span.SetAttributes(
		attribute.String("workflow.version", workflowVersion),
		attribute.String("component", "executor"),
	)

	err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	span.SetStatus(codes.Ok, "run completed")
	return nil
}

// TraceBlockExecution wraps one block invocation with a span.
func TraceBlockExecution(ctx context.Context, blockID, blockKind string, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	ctx, span := StartSpan(ctx, "workflow.block.execute")
	defer span.End()

	span.SetAttributes(
		attribute.String("block.id", blockID),
		attribute.String("block.kind", blockKind),
		attribute.String("component", "executor"),
	)

	output, err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if outputJSON, err := json.Marshal(output); err == nil {
		span.SetAttributes(attribute.Int("block.output_size_bytes", len(outputJSON)))
	}

	span.SetStatus(codes.Ok, "block execution completed")
	return output, nil
}

// TraceLoopIteration wraps one loop iteration boundary with a span
// recording the loop id and iteration index.
func TraceLoopIteration(ctx context.Context, loopID string, iterationIndex int, fn func(context.Context) error) error {
	ctx, span := StartSpan(ctx, "workflow.loop.iteration",
		trace.WithAttributes(
			attribute.String("loop.id", loopID),
			attribute.Int("loop.iteration.index", iterationIndex),
			attribute.String("component", "executor"),
		),
	)
	defer span.End()

	if err := fn(ctx); err != nil {
		RecordErrorWithStackTrace(span, err)
		return err
	}

	span.SetStatus(codes.Ok, "iteration completed")
	return nil
}

// TraceRetryAttempt wraps a single retry attempt with tracing.
func TraceRetryAttempt(ctx context.Context, blockID string, attempt, maxAttempts int, fn func(context.Context) error) error {
	ctx, span := StartSpan(ctx, "workflow.block.retry",
		trace.WithAttributes(
			attribute.String("block.id", blockID),
			attribute.Int("retry.attempt", attempt),
			attribute.Int("retry.max_attempts", maxAttempts),
			attribute.String("component", "retry"),
		),
	)
	defer span.End()

	if err := fn(ctx); err != nil {
		span.SetAttributes(attribute.Bool("retry.will_retry", attempt < maxAttempts))
		RecordErrorWithStackTrace(span, err)
		return err
	}

	span.SetStatus(codes.Ok, "attempt succeeded")
	return nil
}

// AddWorkflowAttributes adds workflow-specific attributes to the
// current span.
func AddWorkflowAttributes(ctx context.Context, attrs map[string]interface{}) {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		SetSpanAttributes(span, attrs)
	}
}

// RecordWorkflowEvent records a workflow event on the current span.
func RecordWorkflowEvent(ctx context.Context, eventName string, attrs map[string]interface{}) {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return
	}

	var kvAttrs []attribute.KeyValue
	for key, value := range attrs {
		switch v := value.(type) {
		case string:
			kvAttrs = append(kvAttrs, attribute.String(key, v))
		case int:
			kvAttrs = append(kvAttrs, attribute.Int(key, v))
		case int64:
			kvAttrs = append(kvAttrs, attribute.Int64(key, v))
		case float64:
			kvAttrs = append(kvAttrs, attribute.Float64(key, v))
		case bool:
			kvAttrs = append(kvAttrs, attribute.Bool(key, v))
		}
	}
	span.AddEvent(eventName, trace.WithAttributes(kvAttrs...))
}

// RecordErrorWithStackTrace records an error on the span with a stack trace.
func RecordErrorWithStackTrace(span trace.Span, err error) {
	if err == nil || !span.SpanContext().IsValid() {
		return
	}

	stackTrace := captureStackTrace(3) // skip runtime.Callers, captureStackTrace, RecordErrorWithStackTrace

	span.RecordError(err, trace.WithStackTrace(true))
	span.SetAttributes(
		attribute.String("error.message", err.Error()),
		attribute.String("error.stack_trace", stackTrace),
	)
	span.SetStatus(codes.Error, err.Error())
}

// captureStackTrace captures a stack trace, skipping the specified number of frames.
func captureStackTrace(skip int) string {
	const maxFrames = 32
	pcs := make([]uintptr, maxFrames)
	n := runtime.Callers(skip, pcs)
	if n == 0 {
		return ""
	}

	frames := runtime.CallersFrames(pcs[:n])
	var sb strings.Builder

	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "runtime/") {
			sb.WriteString(fmt.Sprintf("%s\n\t%s:%d\n", frame.Function, frame.File, frame.Line))
		}
		if !more {
			break
		}
	}

	return sb.String()
}
