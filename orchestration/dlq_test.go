package orchestration

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/agentmesh/orchestrator-core/core"
)

func testDLQ(t *testing.T) *DeadLetterQueue {
	t.Helper()
	q, err := NewDeadLetterQueue(filepath.Join(t.TempDir(), "dlq"), core.NewFixedClock(time.Now()), core.NoOpLogger{})
	if err != nil {
		t.Fatalf("NewDeadLetterQueue: %v", err)
	}
	return q
}

func TestAddFailedTaskWritesRetryAfterWhenRetryable(t *testing.T) {
	q := testDLQ(t)
	classified := ClassifiedError{Category: core.CategoryTimeout, Severity: core.SeverityMedium, Retryable: true, Message: "timed out"}

	if err := q.AddFailedTask("task-1", "agent-a", "wf-1", classified, 3, map[string]interface{}{"step_id": "s1"}); err != nil {
		t.Fatalf("AddFailedTask: %v", err)
	}

	tasks, err := q.GetFailedTasks("", nil, 0)
	if err != nil {
		t.Fatalf("GetFailedTasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(tasks))
	}
	if !tasks[0].CanRetry || tasks[0].RetryAfter == "" {
		t.Fatalf("expected a retryable task to carry retry_after, got %+v", tasks[0])
	}
}

func TestAddFailedTaskOmitsRetryAfterWhenPermanent(t *testing.T) {
	q := testDLQ(t)
	classified := ClassifiedError{Category: core.CategoryPermanent, Severity: core.SeverityHigh, Retryable: false, Message: "not found"}

	if err := q.AddFailedTask("task-2", "agent-a", "wf-1", classified, 1, nil); err != nil {
		t.Fatalf("AddFailedTask: %v", err)
	}

	tasks, err := q.GetFailedTasks("", nil, 0)
	if err != nil {
		t.Fatalf("GetFailedTasks: %v", err)
	}
	if tasks[0].CanRetry || tasks[0].RetryAfter != "" {
		t.Fatalf("expected a permanent task to have no retry_after, got %+v", tasks[0])
	}
}

func TestGetFailedTasksFiltersByAgentAndRetryability(t *testing.T) {
	q := testDLQ(t)
	retryable := ClassifiedError{Category: core.CategoryNetwork, Retryable: true}
	permanent := ClassifiedError{Category: core.CategoryPermanent, Retryable: false}

	if err := q.AddFailedTask("t1", "agent-a", "wf-1", retryable, 1, nil); err != nil {
		t.Fatalf("AddFailedTask t1: %v", err)
	}
	if err := q.AddFailedTask("t2", "agent-b", "wf-1", permanent, 1, nil); err != nil {
		t.Fatalf("AddFailedTask t2: %v", err)
	}

	byAgent, err := q.GetFailedTasks("agent-a", nil, 0)
	if err != nil {
		t.Fatalf("GetFailedTasks: %v", err)
	}
	if len(byAgent) != 1 || byAgent[0].TaskID != "t1" {
		t.Fatalf("expected only t1 for agent-a, got %+v", byAgent)
	}

	retryOnly := true
	byRetry, err := q.GetFailedTasks("", &retryOnly, 0)
	if err != nil {
		t.Fatalf("GetFailedTasks: %v", err)
	}
	if len(byRetry) != 1 || byRetry[0].TaskID != "t1" {
		t.Fatalf("expected only t1 as retryable, got %+v", byRetry)
	}
}

func TestRemoveTask(t *testing.T) {
	q := testDLQ(t)
	if err := q.AddFailedTask("t1", "agent-a", "wf-1", ClassifiedError{}, 1, nil); err != nil {
		t.Fatalf("AddFailedTask: %v", err)
	}

	removed, err := q.RemoveTask("t1")
	if err != nil {
		t.Fatalf("RemoveTask: %v", err)
	}
	if !removed {
		t.Fatalf("expected RemoveTask to report removal")
	}

	removedAgain, err := q.RemoveTask("t1")
	if err != nil {
		t.Fatalf("RemoveTask (second time): %v", err)
	}
	if removedAgain {
		t.Fatalf("expected no-op removal to report false")
	}
}
