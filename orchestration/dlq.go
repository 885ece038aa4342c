package orchestration

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/agentmesh/orchestrator-core/core"
)

// DeadLetterQueue persists one JSON file per terminally failed task
// (spec.md §4.6).
type DeadLetterQueue struct {
	dir    string
	clock  core.Clock
	logger core.Logger
}

// NewDeadLetterQueue constructs a DLQ rooted at dir, creating it if absent.
func NewDeadLetterQueue(dir string, clock core.Clock, logger core.Logger) (*DeadLetterQueue, error) {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("new dead letter queue: %w", err)
	}
	return &DeadLetterQueue{dir: dir, clock: clock, logger: logger}, nil
}

// AddFailedTask writes taskID's failure record, stamping failed_at from the
// Clock if absent.
func (q *DeadLetterQueue) AddFailedTask(taskID, agentID, workflowID string, classified ClassifiedError, attempts int, ctxData map[string]interface{}) error {
	task := FailedTask{
		TaskID:     taskID,
		AgentID:    agentID,
		WorkflowID: workflowID,
		Error:      classified,
		Attempts:   attempts,
		FailedAt:   core.NowISO8601(q.clock),
		Context:    ctxData,
		CanRetry:   classified.Retryable,
	}
	if classified.Retryable {
		task.RetryAfter = core.NowISO8601(q.clock)
	}

	payload, err := json.MarshalIndent(task, "", "  ")
	if err != nil {
		return fmt.Errorf("add_failed_task: marshal: %w", err)
	}
	path := filepath.Join(q.dir, taskID+".json")
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return fmt.Errorf("add_failed_task: write: %w", err)
	}
	return nil
}

// GetFailedTasks returns tasks matching the optional agentID/canRetry
// filters, sorted by failed_at DESC.
func (q *DeadLetterQueue) GetFailedTasks(agentID string, canRetry *bool, limit int) ([]FailedTask, error) {
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		return nil, fmt.Errorf("get_failed_tasks: %w", err)
	}

	var tasks []FailedTask
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(q.dir, entry.Name()))
		if err != nil {
			q.logger.Warn("dlq entry unreadable, skipping", map[string]interface{}{"file": entry.Name(), "error": err.Error()})
			continue
		}
		var task FailedTask
		if err := json.Unmarshal(data, &task); err != nil {
			q.logger.Warn("dlq entry corrupt, skipping", map[string]interface{}{"file": entry.Name(), "error": err.Error()})
			continue
		}
		if agentID != "" && task.AgentID != agentID {
			continue
		}
		if canRetry != nil && task.CanRetry != *canRetry {
			continue
		}
		tasks = append(tasks, task)
	}

	sort.Slice(tasks, func(i, j int) bool { return tasks[i].FailedAt > tasks[j].FailedAt })
	if limit > 0 && len(tasks) > limit {
		tasks = tasks[:limit]
	}
	return tasks, nil
}

// RemoveTask deletes taskID's DLQ entry, returning whether a file existed.
func (q *DeadLetterQueue) RemoveTask(taskID string) (bool, error) {
	path := filepath.Join(q.dir, taskID+".json")
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("remove_task: %w", err)
	}
	return true, nil
}
