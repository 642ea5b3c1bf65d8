package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Classification
	}{
		{"nil", nil, Unknown},
		{"deadline exceeded", context.DeadlineExceeded, Transient},
		{"canceled", context.Canceled, Permanent},
		{"connection refused text", errors.New("dial tcp: connection refused"), Transient},
		{"rate limited text", errors.New("429 rate limit exceeded"), Transient},
		{"unauthorized text", errors.New("401 unauthorized"), Permanent},
		{"not found text", errors.New("resource not found"), Permanent},
		{"unrecognized", errors.New("something bizarre happened"), Unknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestClassifyHTTPStatusCode(t *testing.T) {
	tests := []struct {
		code int
		want Classification
	}{
		{200, Unknown},
		{408, Transient},
		{429, Transient},
		{409, Transient},
		{404, Permanent},
		{501, Permanent},
		{500, Transient},
		{503, Transient},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d", tt.code), func(t *testing.T) {
			if got := ClassifyHTTPStatusCode(tt.code); got != tt.want {
				t.Errorf("ClassifyHTTPStatusCode(%d) = %v, want %v", tt.code, got, tt.want)
			}
		})
	}
}

func TestShouldRetry(t *testing.T) {
	transientErr := New(BlockFailed, "b1", "boom")
	transientErr.Classification = Transient
	permanentErr := New(BlockFailed, "b1", "boom")
	permanentErr.Classification = Permanent

	if !ShouldRetry(transientErr, 0, 3) {
		t.Error("expected transient error to be retryable within budget")
	}
	if ShouldRetry(transientErr, 3, 3) {
		t.Error("expected no retry once attempts are exhausted")
	}
	if ShouldRetry(permanentErr, 0, 3) {
		t.Error("expected permanent error to never retry")
	}
	if ShouldRetry(nil, 0, 3) {
		t.Error("expected nil error to never retry")
	}
}

func TestWrapPreservesClassificationOfExistingError(t *testing.T) {
	inner := New(BlockFailed, "b1", "timed out")
	inner.Classification = Transient

	wrapped := Wrap(BlockTimeout, "b1", inner)
	if wrapped.Classification != Transient {
		t.Errorf("expected wrapped error to keep Transient classification, got %v", wrapped.Classification)
	}
	if !errors.Is(wrapped, wrapped) {
		t.Error("expected Error to satisfy errors.Is against itself")
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("network is unreachable")
	wrapped := Wrap(BlockFailed, "b2", cause)

	if !errors.Is(wrapped, cause) {
		t.Error("expected errors.Is to see through to the wrapped cause")
	}
	if wrapped.Retryable() == false {
		t.Error("expected 'network is unreachable' to classify as transient")
	}
}
