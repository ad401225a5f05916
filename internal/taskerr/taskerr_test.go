package taskerr

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestKindOfWrappedError(t *testing.T) {
	inner := errors.New("boom")
	err := Wrap(KindBudget, inner, "cost cap hit")

	if got := KindOf(err); got != KindBudget {
		t.Fatalf("KindOf = %v, want %v", got, KindBudget)
	}
	if !errors.Is(err, inner) {
		t.Fatal("wrapped cause lost")
	}

	wrapped := fmt.Errorf("attempt 2: %w", err)
	if got := KindOf(wrapped); got != KindBudget {
		t.Fatalf("KindOf through wrap = %v, want %v", got, KindBudget)
	}
}

func TestKindOfContextErrors(t *testing.T) {
	if got := KindOf(context.Canceled); got != KindCancelled {
		t.Fatalf("KindOf(Canceled) = %v", got)
	}
	if got := KindOf(context.DeadlineExceeded); got != KindTimeout {
		t.Fatalf("KindOf(DeadlineExceeded) = %v", got)
	}
}

func TestRetryableClassification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"connection refused", errors.New("dial tcp: ECONNREFUSED"), true},
		{"dns", errors.New("lookup api.example.com: ENOTFOUND"), true},
		{"rate limit", errors.New("API error 429: too many requests"), true},
		{"bad gateway", errors.New("unexpected status 502"), true},
		{"service unavailable", errors.New("HTTP 503 from upstream"), true},
		{"timeout text", errors.New("request timeout after 30s"), true},
		{"deadline", context.DeadlineExceeded, true},
		{"cancelled", context.Canceled, false},
		{"budget", New(KindBudget, "cap"), false},
		{"config", New(KindConfig, "cycle"), false},
		{"timeout kind", New(KindTimeout, "attempt deadline"), true},
		{"permission", &Error{Kind: KindTool, Message: "denied", Permission: true}, false},
		{"validation", errors.New("invalid request body"), false},
		{"status field", &Error{Kind: KindProvider, StatusCode: 500}, true},
		{"status field permanent", &Error{Kind: KindProvider, StatusCode: 401}, false},
	}
	for _, tc := range cases {
		if got := Retryable(tc.err); got != tc.want {
			t.Errorf("%s: Retryable = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond}, func(ctx context.Context) error {
		calls++
		return New(KindConfig, "bad graph")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, JitterFactor: 0}, func(ctx context.Context) error {
		calls++
		return errors.New("HTTP 503 from upstream")
	})
	if err == nil {
		t.Fatal("expected error after exhaustion")
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls (1 + 2 retries), got %d", calls)
	}
}

func TestRetryWithResultSucceedsAfterFailure(t *testing.T) {
	calls := 0
	got, err := RetryWithResult(context.Background(), RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, JitterFactor: 0}, func(ctx context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("connection timeout")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "ok" || calls != 2 {
		t.Fatalf("got %q after %d calls", got, calls)
	}
}

func TestBackoffGrowthAndCap(t *testing.T) {
	cfg := RetryConfig{BaseDelay: time.Second, MaxDelay: 5 * time.Second, Multiplier: 2, JitterFactor: 0}
	if d := Backoff(0, cfg); d != time.Second {
		t.Fatalf("attempt 0: %v", d)
	}
	if d := Backoff(1, cfg); d != 2*time.Second {
		t.Fatalf("attempt 1: %v", d)
	}
	if d := Backoff(10, cfg); d != 5*time.Second {
		t.Fatalf("attempt 10 should cap at MaxDelay: %v", d)
	}
}

func TestCircuitBreakerOpensAndRecovers(t *testing.T) {
	cb := NewCircuitBreaker("test-provider", CircuitBreakerConfig{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		Timeout:          10 * time.Millisecond,
	})
	fail := func(ctx context.Context) error { return errors.New("boom") }
	ok := func(ctx context.Context) error { return nil }

	_ = cb.Execute(context.Background(), fail)
	_ = cb.Execute(context.Background(), fail)
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}

	// While open, calls are rejected without invoking fn.
	invoked := false
	err := cb.Execute(context.Background(), func(ctx context.Context) error {
		invoked = true
		return nil
	})
	if err == nil || invoked {
		t.Fatalf("expected rejection while open (err=%v invoked=%v)", err, invoked)
	}

	time.Sleep(15 * time.Millisecond)
	if err := cb.Execute(context.Background(), ok); err != nil {
		t.Fatalf("half-open probe failed: %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("state after recovery = %v, want closed", cb.State())
	}
}

func TestFormatForModelBudget(t *testing.T) {
	msg := FormatForModel(New(KindBudget, "cap reached"))
	if msg == "" || msg == "cap reached" {
		t.Fatalf("expected model-facing budget message, got %q", msg)
	}
}
