package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/harunnryd/echome/pkg/clock"
)

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	cb := NewCircuitBreaker(2, time.Second, clk)

	if cb.OnFailure() {
		t.Fatalf("first failure must not trip")
	}
	if !cb.OnFailure() {
		t.Fatalf("second failure should trip")
	}
	if cb.Allow() {
		t.Fatalf("expected breaker open")
	}
	clk.Advance(time.Second)
	if !cb.Allow() {
		t.Fatalf("expected breaker closed after cooldown")
	}
}

func TestCircuitBreakerSuccessResets(t *testing.T) {
	cb := NewCircuitBreaker(2, 0, nil)
	cb.OnFailure()
	cb.OnSuccess()
	if cb.Failures() != 0 {
		t.Fatalf("expected failures reset, got %d", cb.Failures())
	}
	if cb.OnFailure() {
		t.Fatalf("failure after success must start a new count")
	}
}

func TestRetryPolicyStopsOnSuccess(t *testing.T) {
	calls := 0
	err := RetryPolicy{MaxRetries: 3, Backoff: time.Millisecond}.Do(context.Background(), func() error {
		calls++
		if calls < 2 {
			return errors.New("busy")
		}
		return nil
	})
	if err != nil || calls != 2 {
		t.Fatalf("expected success on second call, err=%v calls=%d", err, calls)
	}
}

func TestRetryPolicyReturnsLastError(t *testing.T) {
	want := errors.New("device busy")
	calls := 0
	err := NewRetryPolicy(1, time.Millisecond).Do(context.TODO(), func() error {
		calls++
		return want
	})
	if !errors.Is(err, want) || calls != 2 {
		t.Fatalf("expected last error after 2 calls, err=%v calls=%d", err, calls)
	}
}
