package errors

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"
	"time"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{name: "nil error", err: nil, expected: false},
		{name: "explicit transient error", err: NewTransientError(errors.New("test"), "transient"), expected: true},
		{name: "explicit permanent error", err: NewPermanentError(errors.New("test"), "permanent"), expected: false},
		{name: "rate limit 429", err: fmt.Errorf("API error 429: rate limit exceeded"), expected: true},
		{name: "server error 503", err: fmt.Errorf("503 service unavailable"), expected: true},
		{name: "timeout error", err: fmt.Errorf("context deadline exceeded"), expected: true},
		{name: "quota exceeded", err: fmt.Errorf("You exceeded your current quota, please check your plan"), expected: true},
		{name: "syscall reset", err: fmt.Errorf("read: %w", syscall.ECONNRESET), expected: true},
		{name: "bad request", err: fmt.Errorf("status 400: bad request"), expected: false},
		{name: "not found", err: NotFoundError("task t1"), expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.expected {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}
}

func TestFromHTTPStatus(t *testing.T) {
	if err := FromHTTPStatus(429, "slow down"); !IsTransient(err) {
		t.Fatalf("429 should be transient: %v", err)
	}
	if err := FromHTTPStatus(401, "nope"); !IsPermanent(err) {
		t.Fatalf("401 should be permanent: %v", err)
	}
}

func TestNotFoundErrorMatches(t *testing.T) {
	err := fmt.Errorf("lookup: %w", NotFoundError("workflow wf-1"))
	if !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err.Error() != "lookup: workflow wf-1: not found" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}, func(context.Context) error {
		calls++
		return NewPermanentError(errors.New("bad"), "")
	}, nil)
	if err == nil || calls != 1 {
		t.Fatalf("expected single attempt, got calls=%d err=%v", calls, err)
	}
}

func TestRetryWithResultRecoversFromTransient(t *testing.T) {
	calls := 0
	got, err := RetryWithResult(context.Background(), RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}, func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", fmt.Errorf("request timed out")
		}
		return "ok", nil
	}, nil)
	if err != nil || got != "ok" || calls != 3 {
		t.Fatalf("got=%q calls=%d err=%v", got, calls, err)
	}
}

func TestRetryHonorsContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, DefaultRetryConfig(), func(context.Context) error { return nil }, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestCircuitBreakerOpensAndRecovers(t *testing.T) {
	now := time.Unix(0, 0)
	cb := NewCircuitBreaker("gemini", CircuitBreakerConfig{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Minute})
	cb.now = func() time.Time { return now }

	failing := func(context.Context) error { return fmt.Errorf("503 unavailable") }
	_ = cb.Execute(context.Background(), failing)
	_ = cb.Execute(context.Background(), failing)
	if cb.State() != StateOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}

	err := cb.Execute(context.Background(), func(context.Context) error { return nil })
	if !IsDegraded(err) {
		t.Fatalf("expected degraded error while open, got %v", err)
	}

	now = now.Add(2 * time.Minute)
	if err := cb.Execute(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("probe should pass: %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("expected closed after probe success, got %s", cb.State())
	}
}

func TestCircuitBreakerIgnoresPermanentErrors(t *testing.T) {
	cb := NewCircuitBreaker("http", CircuitBreakerConfig{FailureThreshold: 1})
	_ = cb.Execute(context.Background(), func(context.Context) error {
		return NewPermanentError(errors.New("invalid prompt"), "")
	})
	if cb.State() != StateClosed {
		t.Fatalf("permanent errors must not open the circuit, got %s", cb.State())
	}
}
