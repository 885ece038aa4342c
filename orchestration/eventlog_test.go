package orchestration

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentmesh/orchestrator-core/core"
)

func testEventLog(t *testing.T) *EventLog {
	t.Helper()
	l, err := NewEventLog(filepath.Join(t.TempDir(), "events.db"), core.NewFixedClock(time.Now()), core.NoOpLogger{})
	if err != nil {
		t.Fatalf("NewEventLog: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestAppendEventFillsDefaults(t *testing.T) {
	l := testEventLog(t)
	ctx := context.Background()

	ev := WorkflowEvent{EventType: EventWorkflowStarted, ExecutionID: "e1", WorkflowID: "w1", Status: EventStatusPending}
	if err := l.AppendEvent(ctx, ev); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}

	got, err := l.GetEvents(ctx, EventFilter{ExecutionID: "e1"})
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(got))
	}
	if got[0].EventID == "" {
		t.Fatalf("expected AppendEvent to generate an event_id")
	}
	if got[0].Timestamp == "" {
		t.Fatalf("expected AppendEvent to stamp a timestamp")
	}
}

func TestGetEventsOrderedAscending(t *testing.T) {
	l := testEventLog(t)
	ctx := context.Background()
	clock := core.NewFixedClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	l.clock = clock

	for i := 0; i < 3; i++ {
		if err := l.AppendEvent(ctx, WorkflowEvent{EventType: EventStepStarted, ExecutionID: "e1", WorkflowID: "w1", Status: EventStatusInProgress}); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
		clock.Advance(time.Second)
	}

	events, err := l.GetEvents(ctx, EventFilter{ExecutionID: "e1"})
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].Timestamp < events[i-1].Timestamp {
			t.Fatalf("expected ascending timestamp order")
		}
	}
}

func TestAppendEventSafeNeverPanics(t *testing.T) {
	l := testEventLog(t)
	l.Close() // force AppendEvent to fail
	l.AppendEventSafe(context.Background(), WorkflowEvent{EventType: EventWorkflowStarted, ExecutionID: "e1", WorkflowID: "w1", Status: EventStatusPending})
}

func TestReplayExecutionProjectsTerminalState(t *testing.T) {
	l := testEventLog(t)
	ctx := context.Background()

	if err := l.AppendEvent(ctx, WorkflowEvent{EventType: EventWorkflowStarted, ExecutionID: "e1", WorkflowID: "w1", Status: EventStatusPending, Data: map[string]interface{}{"workflow_version": "1.0"}}); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	if err := l.AppendEvent(ctx, WorkflowEvent{EventType: EventWorkflowCompleted, ExecutionID: "e1", WorkflowID: "w1", Status: EventStatusSuccess}); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}

	exec, err := l.ReplayExecution(ctx, "e1")
	if err != nil {
		t.Fatalf("ReplayExecution: %v", err)
	}
	if exec.Status != WorkflowStatusCompleted {
		t.Fatalf("expected completed status, got %s", exec.Status)
	}
	if exec.WorkflowVersion != "1.0" {
		t.Fatalf("expected workflow_version 1.0, got %q", exec.WorkflowVersion)
	}
}

func TestReplayExecutionUnknownIDFails(t *testing.T) {
	l := testEventLog(t)
	_, err := l.ReplayExecution(context.Background(), "nope")
	if !errors.Is(err, core.ErrExecutionNotFound) {
		t.Fatalf("expected ErrExecutionNotFound, got %v", err)
	}
}
