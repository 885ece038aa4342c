package orchestration

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/agentmesh/orchestrator-core/core"
)

// durationMs computes the millisecond span between two ISO8601 timestamps
// produced by core.NowISO8601, returning 0 if either fails to parse.
func durationMs(startISO, endISO string) int64 {
	start, err1 := core.ParseISO8601(startISO)
	end, err2 := core.ParseISO8601(endISO)
	if err1 != nil || err2 != nil {
		return 0
	}
	return end.Sub(start).Milliseconds()
}

// completedStepIDs collects the step ids that reached StepStatusCompleted
// across every phase execution recorded so far, for resume (spec.md §4.8).
func completedStepIDs(exec *WorkflowExecution) map[string]bool {
	completed := make(map[string]bool)
	for _, pe := range exec.PhaseExecutions {
		for _, se := range pe.StepExecutions {
			if se.Status == StepStatusCompleted {
				completed[se.StepID] = true
			}
		}
	}
	return completed
}

// findPhaseExecution returns the existing PhaseExecution for phaseID, or
// nil if this phase has never been executed.
func findPhaseExecution(exec *WorkflowExecution, phaseID string) *PhaseExecution {
	for i := range exec.PhaseExecutions {
		if exec.PhaseExecutions[i].PhaseID == phaseID {
			return &exec.PhaseExecutions[i]
		}
	}
	return nil
}

// phaseFullyCompleted reports whether every step of phase is already in
// the completed set. A phase with no steps reports false.
func phaseFullyCompleted(phase *Phase, completed map[string]bool) bool {
	if len(phase.Steps) == 0 {
		return false
	}
	for _, step := range phase.Steps {
		if !completed[step.StepID] {
			return false
		}
	}
	return true
}

// removeStepExecution drops any existing record for stepID so a re-run
// replaces rather than duplicates it (spec.md §4.8, "replace semantics").
func removeStepExecution(executions []StepExecution, stepID string) []StepExecution {
	out := executions[:0]
	for _, se := range executions {
		if se.StepID != stepID {
			out = append(out, se)
		}
	}
	return out
}

// sortStepExecutions orders step executions by step_id as plain strings,
// after a resume's replace-and-append. This equals definition order only
// while a phase has fewer than 10 steps ("phase_1_step_10" sorts before
// "phase_1_step_2").
func sortStepExecutions(executions []StepExecution) {
	sort.Slice(executions, func(i, j int) bool {
		return executions[i].StepID < executions[j].StepID
	})
}

// executionToData serializes exec into the generic map the State
// Repository persists.
func executionToData(exec *WorkflowExecution) (map[string]interface{}, error) {
	raw, err := json.Marshal(exec)
	if err != nil {
		return nil, fmt.Errorf("marshal execution: %w", err)
	}
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("unmarshal execution: %w", err)
	}
	return data, nil
}

// snapshotToExecution reverses executionToData, rebuilding a
// WorkflowExecution from a loaded State's Data.
func snapshotToExecution(snap State) *WorkflowExecution {
	raw, err := json.Marshal(snap.Data)
	if err != nil {
		return &WorkflowExecution{ExecutionID: snap.StateID}
	}
	var exec WorkflowExecution
	if err := json.Unmarshal(raw, &exec); err != nil {
		return &WorkflowExecution{ExecutionID: snap.StateID}
	}
	return &exec
}
