package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsStateVersionConflict(t *testing.T) {
	conflict := &StateVersionConflict{StateID: "s1", ExpectedVersion: 2, ActualVersion: 3}
	wrapped := fmt.Errorf("save_state: %w", conflict)
	if !IsStateVersionConflict(wrapped) {
		t.Fatalf("expected wrapped conflict to be detected")
	}
	if IsStateVersionConflict(errors.New("unrelated")) {
		t.Fatalf("unrelated error should not match")
	}
}

func TestIsCircuitBreakerOpen(t *testing.T) {
	openErr := &CircuitBreakerOpenError{Name: "agent-x", ElapsedRemaining: 12.5}
	wrapped := fmt.Errorf("call failed: %w", openErr)
	if !IsCircuitBreakerOpen(wrapped) {
		t.Fatalf("expected wrapped open error to be detected")
	}
	if IsCircuitBreakerOpen(errors.New("unrelated")) {
		t.Fatalf("unrelated error should not match")
	}
}

func TestFrameworkErrorUnwrap(t *testing.T) {
	sentinel := errors.New("boom")
	fe := NewFrameworkError("save_state", "storage", sentinel)
	if !errors.Is(fe, sentinel) {
		t.Fatalf("expected errors.Is to see through FrameworkError")
	}
	if fe.Error() == "" {
		t.Fatalf("expected non-empty error message")
	}
}
