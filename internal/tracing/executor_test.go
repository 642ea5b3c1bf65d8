package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func setupExecutorTestTracer(t *testing.T) (*tracetest.InMemoryExporter, func()) {
	t.Helper()

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
	)

	originalTP := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)

	cleanup := func() {
		otel.SetTracerProvider(originalTP)
		tp.Shutdown(context.Background())
	}

	return exporter, cleanup
}

func TestTraceRun_Success(t *testing.T) {
	exporter, cleanup := setupExecutorTestTracer(t)
	defer cleanup()

	executed := false
	err := TraceRun(context.Background(), "1", func(ctx context.Context) error {
		executed = true
		assert.NotEmpty(t, GetTraceID(ctx))
		return nil
	})

	assert.NoError(t, err)
	assert.True(t, executed)

	spans := exporter.GetSpans()
	assert.Len(t, spans, 1)
	assert.Equal(t, "workflow.run", spans[0].Name)
	assert.Equal(t, codes.Ok, spans[0].Status.Code)
}

func TestTraceRun_Error(t *testing.T) {
	exporter, cleanup := setupExecutorTestTracer(t)
	defer cleanup()

	expectedErr := errors.New("run failed")
	err := TraceRun(context.Background(), "1", func(ctx context.Context) error {
		return expectedErr
	})

	assert.Equal(t, expectedErr, err)

	spans := exporter.GetSpans()
	assert.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
}

func TestTraceBlockExecution_Success(t *testing.T) {
	exporter, cleanup := setupExecutorTestTracer(t)
	defer cleanup()

	expectedOutput := map[string]any{"status": "ok"}
	output, err := TraceBlockExecution(context.Background(), "block-1", "function", func(ctx context.Context) (any, error) {
		assert.NotEmpty(t, GetTraceID(ctx))
		return expectedOutput, nil
	})

	assert.NoError(t, err)
	assert.Equal(t, expectedOutput, output)

	spans := exporter.GetSpans()
	assert.Len(t, spans, 1)
	assert.Equal(t, "workflow.block.execute", spans[0].Name)
	assert.Equal(t, codes.Ok, spans[0].Status.Code)
}

func TestTraceBlockExecution_Error(t *testing.T) {
	exporter, cleanup := setupExecutorTestTracer(t)
	defer cleanup()

	expectedErr := errors.New("block failed")
	output, err := TraceBlockExecution(context.Background(), "block-1", "api", func(ctx context.Context) (any, error) {
		return nil, expectedErr
	})

	assert.Error(t, err)
	assert.Nil(t, output)

	spans := exporter.GetSpans()
	assert.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
}

func TestTraceLoopIteration_Success(t *testing.T) {
	exporter, cleanup := setupExecutorTestTracer(t)
	defer cleanup()

	executed := false
	err := TraceLoopIteration(context.Background(), "loop-1", 5, func(ctx context.Context) error {
		executed = true
		assert.NotEmpty(t, GetTraceID(ctx))
		return nil
	})

	assert.NoError(t, err)
	assert.True(t, executed)

	spans := exporter.GetSpans()
	assert.Len(t, spans, 1)
	assert.Equal(t, "workflow.loop.iteration", spans[0].Name)
	assert.Equal(t, codes.Ok, spans[0].Status.Code)
}

func TestTraceLoopIteration_Error(t *testing.T) {
	exporter, cleanup := setupExecutorTestTracer(t)
	defer cleanup()

	expectedErr := errors.New("iteration failed")
	err := TraceLoopIteration(context.Background(), "loop-1", 3, func(ctx context.Context) error {
		return expectedErr
	})

	assert.Error(t, err)

	spans := exporter.GetSpans()
	assert.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
}

func TestTraceRetryAttempt_Success(t *testing.T) {
	exporter, cleanup := setupExecutorTestTracer(t)
	defer cleanup()

	executed := false
	err := TraceRetryAttempt(context.Background(), "block-retry", 1, 3, func(ctx context.Context) error {
		executed = true
		assert.NotEmpty(t, GetTraceID(ctx))
		return nil
	})

	assert.NoError(t, err)
	assert.True(t, executed)

	spans := exporter.GetSpans()
	assert.Len(t, spans, 1)
	assert.Equal(t, "workflow.block.retry", spans[0].Name)
	assert.Equal(t, codes.Ok, spans[0].Status.Code)
}

func TestTraceRetryAttempt_Error(t *testing.T) {
	exporter, cleanup := setupExecutorTestTracer(t)
	defer cleanup()

	expectedErr := errors.New("attempt failed")
	err := TraceRetryAttempt(context.Background(), "block-retry", 2, 3, func(ctx context.Context) error {
		return expectedErr
	})

	assert.Error(t, err)

	spans := exporter.GetSpans()
	assert.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
}

func TestRecordErrorWithStackTrace(t *testing.T) {
	_, cleanup := setupExecutorTestTracer(t)
	defer cleanup()

	_, span := StartSpan(context.Background(), "test-operation")
	defer span.End()

	RecordErrorWithStackTrace(span, errors.New("test error with stack trace"))
	assert.True(t, span.SpanContext().IsValid())
}

func TestRecordErrorWithStackTrace_NilError(t *testing.T) {
	_, cleanup := setupExecutorTestTracer(t)
	defer cleanup()

	_, span := StartSpan(context.Background(), "test-operation")
	defer span.End()

	RecordErrorWithStackTrace(span, nil)
	assert.True(t, span.SpanContext().IsValid())
}

func TestCaptureStackTrace(t *testing.T) {
	stackTrace := captureStackTrace(1)
	assert.Contains(t, stackTrace, "TestCaptureStackTrace")
	assert.Contains(t, stackTrace, "executor_test.go")
}

func TestRecordWorkflowEvent(t *testing.T) {
	exporter, cleanup := setupExecutorTestTracer(t)
	defer cleanup()

	ctx, span := StartSpan(context.Background(), "test-operation")

	RecordWorkflowEvent(ctx, "test.event", map[string]any{
		"key_string": "value",
		"key_int":    42,
		"key_bool":   true,
		"key_float":  3.14,
	})

	span.End()

	spans := exporter.GetSpans()
	assert.Len(t, spans, 1)
	assert.Len(t, spans[0].Events, 1)
	assert.Equal(t, "test.event", spans[0].Events[0].Name)
}

func TestAddWorkflowAttributes(t *testing.T) {
	exporter, cleanup := setupExecutorTestTracer(t)
	defer cleanup()

	ctx, span := StartSpan(context.Background(), "test-operation")

	AddWorkflowAttributes(ctx, map[string]any{
		"custom_attr": "custom_value",
		"count":       100,
	})

	span.End()

	spans := exporter.GetSpans()
	assert.Len(t, spans, 1)

	attrMap := make(map[string]any)
	for _, attr := range spans[0].Attributes {
		attrMap[string(attr.Key)] = attr.Value.AsInterface()
	}

	assert.Equal(t, "custom_value", attrMap["custom_attr"])
	assert.Equal(t, int64(100), attrMap["count"])
}

func TestTraceContextPropagation(t *testing.T) {
	exporter, cleanup := setupExecutorTestTracer(t)
	defer cleanup()

	var runTraceID string
	err := TraceRun(context.Background(), "1", func(runCtx context.Context) error {
		runTraceID = GetTraceID(runCtx)

		_, err := TraceBlockExecution(runCtx, "block-1", "function", func(blockCtx context.Context) (any, error) {
			assert.Equal(t, runTraceID, GetTraceID(blockCtx))
			return nil, nil
		})
		return err
	})

	assert.NoError(t, err)
	assert.NotEmpty(t, runTraceID)

	spans := exporter.GetSpans()
	assert.Len(t, spans, 2)
	assert.Equal(t, spans[0].SpanContext.TraceID(), spans[1].SpanContext.TraceID())
}

func TestNestedTracingSpans(t *testing.T) {
	exporter, cleanup := setupExecutorTestTracer(t)
	defer cleanup()

	var traceIDs []string
	err := TraceRun(context.Background(), "1", func(runCtx context.Context) error {
		traceIDs = append(traceIDs, GetTraceID(runCtx))

		_, err := TraceBlockExecution(runCtx, "block-1", "loop", func(blockCtx context.Context) (any, error) {
			traceIDs = append(traceIDs, GetTraceID(blockCtx))

			return nil, TraceLoopIteration(blockCtx, "loop-1", 0, func(iterCtx context.Context) error {
				traceIDs = append(traceIDs, GetTraceID(iterCtx))
				return nil
			})
		})
		return err
	})

	assert.NoError(t, err)
	assert.Len(t, traceIDs, 3)
	for _, traceID := range traceIDs {
		assert.Equal(t, traceIDs[0], traceID)
	}

	spans := exporter.GetSpans()
	assert.Len(t, spans, 3)
	for _, span := range spans {
		assert.Equal(t, spans[0].SpanContext.TraceID(), span.SpanContext.TraceID())
	}
}
