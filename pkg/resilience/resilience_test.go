package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestReconnectPolicyFixedDelay(t *testing.T) {
	p := ReconnectPolicy{MaxAttempts: 3, Delay: time.Second}
	for i := 1; i <= 3; i++ {
		var delay time.Duration
		var ok bool
		p, delay, ok = p.Next()
		if !ok {
			t.Fatalf("attempt %d: expected allowed", i)
		}
		if delay != time.Second {
			t.Fatalf("attempt %d: expected fixed delay, got %s", i, delay)
		}
		if p.Attempt != i {
			t.Fatalf("expected attempt %d, got %d", i, p.Attempt)
		}
	}
	if _, _, ok := p.Next(); ok {
		t.Fatalf("expected exhaustion after max attempts")
	}
	if !p.Exhausted() {
		t.Fatalf("expected exhausted")
	}
	p = p.Reset()
	if p.Attempt != 0 || p.Exhausted() {
		t.Fatalf("expected reset policy")
	}
}

func TestReconnectPolicyBackoffCapped(t *testing.T) {
	p := ReconnectPolicy{MaxAttempts: 5, Delay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: 300 * time.Millisecond}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond, 300 * time.Millisecond}
	for i, w := range want {
		var got time.Duration
		p, got, _ = p.Next()
		if got != w {
			t.Fatalf("attempt %d: expected %s, got %s", i+1, w, got)
		}
	}
}

func TestReconnectPolicyZeroAttempts(t *testing.T) {
	if _, _, ok := (ReconnectPolicy{}).Next(); ok {
		t.Fatalf("expected no retries when MaxAttempts is zero")
	}
}

func TestRetryPolicyStopsOnNonRetryable(t *testing.T) {
	calls := 0
	fatal := errors.New("fatal")
	p := NewRetryPolicy(3, time.Millisecond)
	p.Retryable = func(err error) bool { return !errors.Is(err, fatal) }
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return fatal
	})
	if !errors.Is(err, fatal) || calls != 1 {
		t.Fatalf("expected single call with fatal error, got calls=%d err=%v", calls, err)
	}
}

func TestRetryPolicyEventuallySucceeds(t *testing.T) {
	calls := 0
	err := NewRetryPolicy(2, time.Millisecond).Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("expected success on third call, got calls=%d err=%v", calls, err)
	}
}

func TestCircuitBreakerOpensOnRateLimit(t *testing.T) {
	now := time.Unix(0, 0)
	cb := NewCircuitBreaker(2, time.Minute)
	cb.now = func() time.Time { return now }

	cb.OnError(errors.New("not a rate limit"))
	cb.OnError(RateLimitError{Endpoint: "token"})
	if !cb.Allow() {
		t.Fatalf("expected breaker closed below threshold")
	}
	cb.OnError(RateLimitError{Endpoint: "token"})
	if cb.Allow() {
		t.Fatalf("expected breaker open")
	}
	now = now.Add(2 * time.Minute)
	if !cb.Allow() {
		t.Fatalf("expected breaker closed after cooldown")
	}
	cb.OnSuccess()
	if !cb.Allow() {
		t.Fatalf("expected closed after success")
	}
}
