package orchestration

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentmesh/orchestrator-core/core"
)

const testWorkflowMarkdown = `# Simple Workflow

**Version**: 1.0
**Status**: Active

## Overview

A minimal two-phase workflow used for tests.

### Phase 1: Plan (10 minutes)

1. **Draft the plan** → Planner Agent
2. **Review the plan** → Backend Agent

Always hands off to backend agent.

### Phase 2: Build (20 minutes)

1. **Build it** → Backend Agent
`

func writeTestWorkflow(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "simple-workflow.md")
	if err := os.WriteFile(path, []byte(testWorkflowMarkdown), 0o644); err != nil {
		t.Fatalf("write workflow fixture: %v", err)
	}
	return dir
}

type testExecutorDeps struct {
	executor *WorkflowExecutor
	events   *EventLog
	state    *StateRepository
	dlq      *DeadLetterQueue
	invoker  *fakeInvoker
	clock    *core.FixedClock
}

func buildTestExecutor(t *testing.T, invoker *fakeInvoker) *testExecutorDeps {
	t.Helper()
	workflowsDir := writeTestWorkflow(t)
	parser := NewParser(workflowsDir)
	events := testEventLog(t)
	state := testStateRepository(t)
	dlq := testDLQ(t)
	clock := core.NewFixedClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	steps := NewStepExecutor(invoker, events, clock, core.NoOpLogger{})
	executor := NewWorkflowExecutor(parser, steps, events, state, nil, dlq, clock, core.NoOpLogger{})
	return &testExecutorDeps{executor: executor, events: events, state: state, dlq: dlq, invoker: invoker, clock: clock}
}

func TestStartWorkflowPersistsSnapshotAndEmitsStarted(t *testing.T) {
	deps := buildTestExecutor(t, &fakeInvoker{result: AgentResult{Status: AgentResultSuccess}})
	ctx := context.Background()

	exec, def, err := deps.executor.StartWorkflow(ctx, "simple-workflow", map[string]interface{}{"x": 1}, "req-1", "")
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	if exec.Status != WorkflowStatusPending {
		t.Fatalf("expected pending status, got %s", exec.Status)
	}
	if len(def.Phases) != 2 {
		t.Fatalf("expected 2 phases parsed, got %d", len(def.Phases))
	}

	events, err := deps.events.GetEvents(ctx, EventFilter{EventType: EventWorkflowStarted})
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected a single workflow_started event, got %d", len(events))
	}

	loaded, err := deps.state.LoadState(ctx, exec.ExecutionID)
	if err != nil {
		t.Fatalf("expected a persisted snapshot after StartWorkflow: %v", err)
	}
	if loaded.Version != 1 {
		t.Fatalf("expected version 1 snapshot, got %d", loaded.Version)
	}
}

func TestExecuteWorkflowRunsAllPhasesToCompletion(t *testing.T) {
	deps := buildTestExecutor(t, &fakeInvoker{result: AgentResult{Status: AgentResultSuccess, OutputData: map[string]interface{}{"ok": true}}})
	ctx := context.Background()

	exec, def, err := deps.executor.StartWorkflow(ctx, "simple-workflow", nil, "req-1", "")
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}

	result := deps.executor.ExecuteWorkflow(ctx, exec, def)
	if result.Status != WorkflowStatusCompleted {
		t.Fatalf("expected completed status, got %s (error=%s)", result.Status, result.Error)
	}
	if len(result.PhaseExecutions) != 2 {
		t.Fatalf("expected 2 phase executions, got %d", len(result.PhaseExecutions))
	}
	for _, pe := range result.PhaseExecutions {
		if pe.Status != PhaseStatusCompleted {
			t.Fatalf("expected phase %s completed, got %s", pe.PhaseID, pe.Status)
		}
	}

	completedEvents, err := deps.events.GetEvents(ctx, EventFilter{EventType: EventWorkflowCompleted})
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(completedEvents) != 1 {
		t.Fatalf("expected a single workflow_completed event, got %d", len(completedEvents))
	}
}

func TestExecuteWorkflowStopsAtFirstFailedPhase(t *testing.T) {
	deps := buildTestExecutor(t, &fakeInvoker{err: errors.New("agent exploded")})
	ctx := context.Background()

	exec, def, err := deps.executor.StartWorkflow(ctx, "simple-workflow", nil, "req-1", "")
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}

	result := deps.executor.ExecuteWorkflow(ctx, exec, def)
	if result.Status != WorkflowStatusFailed {
		t.Fatalf("expected failed status, got %s", result.Status)
	}
	if len(result.PhaseExecutions) != 1 {
		t.Fatalf("expected only the failing first phase to be recorded, got %d", len(result.PhaseExecutions))
	}
	if result.Error == "" {
		t.Fatalf("expected a non-empty workflow error")
	}
}

func TestResumeWorkflowReExecutesOnlyIncompleteSteps(t *testing.T) {
	invoker := &fakeInvoker{result: AgentResult{Status: AgentResultSuccess}}
	deps := buildTestExecutor(t, invoker)
	ctx := context.Background()

	exec, def, err := deps.executor.StartWorkflow(ctx, "simple-workflow", nil, "req-1", "")
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}

	// Simulate a prior partial run: phase 1's first step completed, its
	// second step and all of phase 2 never ran.
	exec.PhaseExecutions = []PhaseExecution{
		{
			PhaseID: def.Phases[0].PhaseID, Name: def.Phases[0].Name, Status: PhaseStatusRunning,
			StartedAt:      "2026-01-01T00:00:00Z",
			StepExecutions: []StepExecution{{StepID: def.Phases[0].Steps[0].StepID, Status: StepStatusCompleted}},
		},
	}
	exec.Status = WorkflowStatusFailed

	invoker.calls = 0
	result, err := deps.executor.ResumeWorkflow(ctx, exec.ExecutionID, def)
	if err != nil {
		t.Fatalf("ResumeWorkflow: %v", err)
	}
	if result.Status != WorkflowStatusCompleted {
		t.Fatalf("expected resumed workflow to complete, got %s", result.Status)
	}
	if invoker.calls != 2 {
		t.Fatalf("expected only the 2 unrun steps (phase1 step2, phase2 step1) to invoke the agent, got %d calls", invoker.calls)
	}

	resumedEvents, err := deps.events.GetEvents(ctx, EventFilter{EventType: EventPhaseResumed})
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(resumedEvents) != 1 {
		t.Fatalf("expected a single phase_resumed event, got %d", len(resumedEvents))
	}
}

func TestCancelWorkflowTransitionsNonTerminalExecution(t *testing.T) {
	deps := buildTestExecutor(t, &fakeInvoker{result: AgentResult{Status: AgentResultSuccess}})
	ctx := context.Background()

	exec, _, err := deps.executor.StartWorkflow(ctx, "simple-workflow", nil, "req-1", "")
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}

	cancelled, err := deps.executor.CancelWorkflow(ctx, exec.ExecutionID, "user requested")
	if err != nil {
		t.Fatalf("CancelWorkflow: %v", err)
	}
	if !cancelled {
		t.Fatalf("expected cancellation to succeed for a pending execution")
	}

	got, err := deps.executor.GetExecution(ctx, exec.ExecutionID)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if got.Status != WorkflowStatusCancelled {
		t.Fatalf("expected cancelled status, got %s", got.Status)
	}

	cancelledAgain, err := deps.executor.CancelWorkflow(ctx, exec.ExecutionID, "again")
	if err != nil {
		t.Fatalf("CancelWorkflow (second time): %v", err)
	}
	if cancelledAgain {
		t.Fatalf("expected cancelling an already-terminal execution to be a no-op")
	}
}

func TestGetExecutionFallsBackToStateRepository(t *testing.T) {
	deps := buildTestExecutor(t, &fakeInvoker{result: AgentResult{Status: AgentResultSuccess}})
	ctx := context.Background()

	exec, def, err := deps.executor.StartWorkflow(ctx, "simple-workflow", nil, "req-1", "")
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	deps.executor.ExecuteWorkflow(ctx, exec, def)

	// Build a fresh executor sharing the same state repository but with an
	// empty in-memory active map, forcing GetExecution to load from disk.
	fresh := NewWorkflowExecutor(NewParser(t.TempDir()), nil, deps.events, deps.state, nil, deps.dlq, deps.clock, core.NoOpLogger{})
	got, err := fresh.GetExecution(ctx, exec.ExecutionID)
	if err != nil {
		t.Fatalf("GetExecution from state: %v", err)
	}
	if got.ExecutionID != exec.ExecutionID {
		t.Fatalf("expected execution id %s, got %s", exec.ExecutionID, got.ExecutionID)
	}
}
