package executor

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/flowforge/engine/internal/config"
	"github.com/flowforge/engine/internal/errs"
	"github.com/flowforge/engine/internal/executor/handlers"
	"github.com/flowforge/engine/internal/tracing"
)

// invokeWithRetry wraps a single handler invocation in an
// exponential-backoff retry decorator: retries and timeouts are
// modeled as behavior around the handler, never inside it. The
// handler only contributes its error classification.
func invokeWithRetry(ctx context.Context, logger *slog.Logger, capability handlers.Capability, in handlers.Input, retry config.RetryConfig, timeout time.Duration, onRetry func()) (handlers.Output, *errs.Error) {
	var lastErr error
	timedOut := false

	for attempt := 1; attempt <= retry.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return handlers.Output{}, errs.New(errs.Cancelled, in.BlockID, "run cancelled before block invocation")
		}

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		var out handlers.Output
		attemptErr := tracing.TraceRetryAttempt(attemptCtx, in.BlockID, attempt, retry.MaxAttempts, func(spanCtx context.Context) error {
			var invokeErr error
			out, invokeErr = capability.Invoke(spanCtx, in)
			return invokeErr
		})
		deadlineExceeded := attemptCtx.Err() == context.DeadlineExceeded
		cancel()

		if attemptErr == nil {
			if attempt > 1 {
				logger.Info("operation succeeded after retry", "block_id", in.BlockID, "attempt", attempt, "max_attempts", retry.MaxAttempts)
			}
			return out, nil
		}

		lastErr = attemptErr
		timedOut = deadlineExceeded

		if ctx.Err() != nil {
			return handlers.Output{}, errs.New(errs.Cancelled, in.BlockID, "run cancelled during block invocation")
		}

		classification := classifyAttempt(capability, attemptErr)
		if timedOut {
			classification = errs.Transient
		}

		retryable := classification == errs.Transient
		if attempt == retry.MaxAttempts || !retryable {
			if !retryable {
				logger.Info("operation failed with non-retryable error", "block_id", in.BlockID, "attempt", attempt, "error", attemptErr)
			} else {
				logger.Error("operation failed after all retries", "block_id", in.BlockID, "attempts", attempt, "max_attempts", retry.MaxAttempts, "error", attemptErr)
			}
			break
		}

		if onRetry != nil {
			onRetry()
		}
		backoff := calculateBackoff(retry, attempt)
		logger.Info("operation failed, retrying", "block_id", in.BlockID, "attempt", attempt, "max_attempts", retry.MaxAttempts, "backoff", backoff, "error", attemptErr)
		if sleepErr := sleepBackoffFor(ctx, backoff); sleepErr != nil {
			return handlers.Output{}, errs.New(errs.Cancelled, in.BlockID, "run cancelled during retry backoff")
		}
	}

	kind := errs.BlockFailed
	if timedOut {
		kind = errs.BlockTimeout
	}
	return handlers.Output{}, errs.Wrap(kind, in.BlockID, lastErr)
}

// classifyAttempt decides an attempt's retry classification, preferring
// a classification the handler already committed to an *errs.Error it
// returned (e.g. API.Invoke's ClassifyHTTPStatusCode result on a 503)
// over asking the handler's Classify again, mirroring errs.ShouldRetry's
// "an *Error's own Classification wins" rule. Only when neither the
// error itself nor the handler's Classify has an opinion does it fall
// back to the generic pattern-based errs.Classify.
func classifyAttempt(capability handlers.Capability, err error) errs.Classification {
	if e, ok := errs.As(err); ok && e.Classification != errs.Unknown {
		return e.Classification
	}
	if c := capability.Classify(err); c != errs.Unknown {
		return c
	}
	return errs.Classify(err)
}

// sleepBackoffFor waits delay or returns early if ctx is done, so a
// cancelled run never blocks on a retry wait. delay is computed once
// by the caller so the logged backoff and the actual wait never
// diverge despite calculateBackoff's jitter.
func sleepBackoffFor(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// calculateBackoff computes attempt N's delay as
// initialBackoff * multiplier^(attempt-1), capped at maxBackoff, with
// +-jitter applied.
func calculateBackoff(retry config.RetryConfig, attempt int) time.Duration {
	backoff := float64(retry.InitialBackoff)
	for i := 1; i < attempt; i++ {
		backoff *= retry.BackoffMultiplier
	}
	if max := float64(retry.MaxBackoff); backoff > max {
		backoff = max
	}
	if retry.Jitter > 0 {
		jitterRange := backoff * retry.Jitter
		backoff += (rand.Float64()*2 - 1) * jitterRange
		if backoff < 0 {
			backoff = 0
		}
	}
	return time.Duration(backoff)
}

// blockTimeout returns the per-block timeout: the block's own
// "_timeout" param override (milliseconds) if present and valid,
// else the run default.
func blockTimeout(params map[string]interface{}, fallback time.Duration) time.Duration {
	if v, ok := params["_timeout"]; ok {
		if ms, ok := v.(float64); ok && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return fallback
}

// blockRetryConfig returns the block's own "_retry" param override
// merged over the run default, so a single flaky block can ask for
// more attempts without changing the run-wide policy.
func blockRetryConfig(params map[string]interface{}, fallback config.RetryConfig) config.RetryConfig {
	v, ok := params["_retry"]
	if !ok {
		return fallback
	}
	override, ok := v.(map[string]interface{})
	if !ok {
		return fallback
	}

	cfg := fallback
	if n, ok := override["maxAttempts"].(float64); ok && n > 0 {
		cfg.MaxAttempts = int(n)
	}
	if ms, ok := override["initialBackoffMs"].(float64); ok && ms >= 0 {
		cfg.InitialBackoff = time.Duration(ms) * time.Millisecond
	}
	if ms, ok := override["maxBackoffMs"].(float64); ok && ms >= 0 {
		cfg.MaxBackoff = time.Duration(ms) * time.Millisecond
	}
	if m, ok := override["backoffMultiplier"].(float64); ok && m > 0 {
		cfg.BackoffMultiplier = m
	}
	if j, ok := override["jitter"].(float64); ok && j >= 0 {
		cfg.Jitter = j
	}
	return cfg
}
