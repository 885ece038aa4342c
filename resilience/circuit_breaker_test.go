package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agentmesh/orchestrator-core/core"
)

func TestCircuitBreakerOpensAtThreshold(t *testing.T) {
	clock := core.NewFixedClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	cb := NewCircuitBreaker(&CircuitBreakerConfig{Name: "agent-x", FailureThreshold: 3, TimeoutSeconds: 60}, clock, core.NoOpLogger{})

	failing := func(context.Context) error { return errors.New("boom") }
	for i := 0; i < 3; i++ {
		if err := cb.Call(context.Background(), failing); err == nil {
			t.Fatalf("expected failure %d to propagate", i+1)
		}
	}

	if cb.State() != StateOpen {
		t.Fatalf("expected breaker to be open after %d failures, got %s", cb.FailureCount(), cb.State())
	}

	err := cb.Call(context.Background(), func(context.Context) error { return nil })
	if !core.IsCircuitBreakerOpen(err) {
		t.Fatalf("expected CircuitBreakerOpenError while open, got %v", err)
	}
}

func TestCircuitBreakerHalfOpenAfterTimeout(t *testing.T) {
	clock := core.NewFixedClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	cb := NewCircuitBreaker(&CircuitBreakerConfig{Name: "agent-x", FailureThreshold: 1, TimeoutSeconds: 10}, clock, core.NoOpLogger{})

	_ = cb.Call(context.Background(), func(context.Context) error { return errors.New("boom") })
	if cb.State() != StateOpen {
		t.Fatalf("expected open after single failure with threshold 1")
	}

	clock.Advance(11 * time.Second)
	if err := cb.Call(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("expected the probe call to run once timeout elapsed: %v", err)
	}
}

func TestCircuitBreakerClosesAfterTwoHalfOpenSuccesses(t *testing.T) {
	clock := core.NewFixedClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	cb := NewCircuitBreaker(&CircuitBreakerConfig{Name: "agent-x", FailureThreshold: 1, TimeoutSeconds: 10}, clock, core.NoOpLogger{})

	_ = cb.Call(context.Background(), func(context.Context) error { return errors.New("boom") })
	clock.Advance(11 * time.Second)

	ok := func(context.Context) error { return nil }
	_ = cb.Call(context.Background(), ok)
	if cb.State() != StateHalfOpen {
		t.Fatalf("expected half_open after first probe success, got %s", cb.State())
	}
	_ = cb.Call(context.Background(), ok)
	if cb.State() != StateClosed {
		t.Fatalf("expected closed after second half_open success, got %s", cb.State())
	}
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	clock := core.NewFixedClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	cb := NewCircuitBreaker(&CircuitBreakerConfig{Name: "agent-x", FailureThreshold: 1, TimeoutSeconds: 10}, clock, core.NoOpLogger{})

	_ = cb.Call(context.Background(), func(context.Context) error { return errors.New("boom") })
	clock.Advance(11 * time.Second)
	_ = cb.Call(context.Background(), func(context.Context) error { return errors.New("still broken") })

	if cb.State() != StateOpen {
		t.Fatalf("expected immediate reopen on half_open failure, got %s", cb.State())
	}
}

func TestRegistryReusesBreakerPerName(t *testing.T) {
	clock := core.NewFixedClock(time.Now())
	reg := NewRegistry(DefaultCircuitBreakerConfig("default"), clock, core.NoOpLogger{})
	a1 := reg.Get("agent-a")
	a2 := reg.Get("agent-a")
	b := reg.Get("agent-b")
	if a1 != a2 {
		t.Fatalf("expected the same breaker instance for the same name")
	}
	if a1 == b {
		t.Fatalf("expected distinct breakers for distinct names")
	}
}

func TestCircuitBreakerReset(t *testing.T) {
	clock := core.NewFixedClock(time.Now())
	cb := NewCircuitBreaker(&CircuitBreakerConfig{Name: "agent-x", FailureThreshold: 1, TimeoutSeconds: 60}, clock, core.NoOpLogger{})
	_ = cb.Call(context.Background(), func(context.Context) error { return errors.New("boom") })
	if cb.State() != StateOpen {
		t.Fatalf("expected open before reset")
	}
	cb.Reset()
	if cb.State() != StateClosed || cb.FailureCount() != 0 {
		t.Fatalf("expected closed state and zeroed failure count after Reset")
	}
}
