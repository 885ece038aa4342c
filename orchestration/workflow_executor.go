package orchestration

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/agentmesh/orchestrator-core/core"
	"github.com/agentmesh/orchestrator-core/telemetry"
)

// WorkflowExecutor is the top-level orchestrator: it loads workflow
// definitions, iterates phases and steps, persists state, emits events,
// generates handoffs, and supports resume and cancel (spec.md §4.8).
type WorkflowExecutor struct {
	parser   *Parser
	steps    *StepExecutor
	events   *EventLog
	state    *StateRepository
	handoffs *HandoffGenerator
	dlq      *DeadLetterQueue
	clock    core.Clock
	logger   core.Logger

	mu     sync.Mutex
	active map[string]*WorkflowExecution
}

// NewWorkflowExecutor wires the executor's dependencies.
func NewWorkflowExecutor(parser *Parser, steps *StepExecutor, events *EventLog, state *StateRepository, handoffs *HandoffGenerator, dlq *DeadLetterQueue, clock core.Clock, logger core.Logger) *WorkflowExecutor {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &WorkflowExecutor{
		parser: parser, steps: steps, events: events, state: state, handoffs: handoffs, dlq: dlq,
		clock: clock, logger: logger, active: make(map[string]*WorkflowExecution),
	}
}

// StartWorkflow loads the workflow definition, allocates a new execution in
// `pending` status, registers it in the active map, persists a snapshot,
// and emits workflow_started (spec.md §4.8).
func (ex *WorkflowExecutor) StartWorkflow(ctx context.Context, workflowID string, inputData map[string]interface{}, requestID, workflowVersion string) (*WorkflowExecution, *WorkflowDefinition, error) {
	def, err := ex.parser.ParseFile(workflowID)
	if err != nil {
		return nil, nil, fmt.Errorf("start_workflow: %w", err)
	}

	version := workflowVersion
	if version == "" {
		version = def.Version()
	}

	exec := &WorkflowExecution{
		ExecutionID:     uuid.NewString(),
		WorkflowID:      workflowID,
		WorkflowVersion: version,
		Status:          WorkflowStatusPending,
		StartedAt:       core.NowISO8601(ex.clock),
		InputData:       inputData,
		Metadata:        map[string]interface{}{"request_id": requestID},
	}
	if len(def.Phases) > 0 {
		exec.CurrentPhaseID = def.Phases[0].PhaseID
	}

	ex.mu.Lock()
	ex.active[exec.ExecutionID] = exec
	ex.mu.Unlock()

	ex.persistSnapshot(ctx, exec)
	ex.events.AppendEventSafe(ctx, WorkflowEvent{
		EventType:   EventWorkflowStarted,
		ExecutionID: exec.ExecutionID,
		WorkflowID:  workflowID,
		Status:      EventStatusPending,
		Data:        map[string]interface{}{"workflow_version": version},
	})
	return exec, def, nil
}

// ExecuteWorkflow runs every phase of def in order for exec, updating
// exec's status in place and persisting a final snapshot (spec.md §4.8).
func (ex *WorkflowExecutor) ExecuteWorkflow(ctx context.Context, exec *WorkflowExecution, def *WorkflowDefinition) (result *WorkflowExecution) {
	ctx, span := telemetry.StartSpan(ctx, "workflow.execute")
	defer span.End()
	telemetry.SetSpanAttributes(ctx, map[string]string{
		"execution_id": exec.ExecutionID,
		"workflow_id":  exec.WorkflowID,
	})

	defer func() {
		if r := recover(); r != nil {
			panicErr := fmt.Errorf("panic: %v", r)
			ex.handleWorkflowFailure(ctx, exec, panicErr)
			telemetry.RecordSpanError(ctx, panicErr)
			result = exec
		}
	}()

	exec.Status = WorkflowStatusRunning
	var lastStepError string

	for i := range def.Phases {
		phase := &def.Phases[i]
		exec.CurrentPhaseID = phase.PhaseID
		phaseExec := ex.executePhase(ctx, exec, phase, def)
		exec.PhaseExecutions = append(exec.PhaseExecutions, phaseExec)

		if phaseExec.Status == PhaseStatusFailed {
			exec.Status = WorkflowStatusFailed
			if lastStepError != "" {
				exec.Error = lastStepError
			} else {
				exec.Error = fmt.Sprintf("Phase '%s' failed", phase.PhaseID)
			}
			for _, se := range phaseExec.StepExecutions {
				if se.Status == StepStatusFailed {
					exec.Error = se.Error
				}
			}
			break
		}
	}

	if exec.Status == WorkflowStatusRunning {
		exec.Status = WorkflowStatusCompleted
		exec.CompletedAt = core.NowISO8601(ex.clock)
		exec.DurationMs = durationMs(exec.StartedAt, exec.CompletedAt)
		ex.events.AppendEventSafe(ctx, WorkflowEvent{
			EventType:   EventWorkflowCompleted,
			ExecutionID: exec.ExecutionID,
			WorkflowID:  exec.WorkflowID,
			Status:      EventStatusSuccess,
		})
	} else {
		exec.CompletedAt = core.NowISO8601(ex.clock)
		exec.DurationMs = durationMs(exec.StartedAt, exec.CompletedAt)
		ex.events.AppendEventSafe(ctx, WorkflowEvent{
			EventType:   EventWorkflowFailed,
			ExecutionID: exec.ExecutionID,
			WorkflowID:  exec.WorkflowID,
			Status:      EventStatusFailed,
			Error:       exec.Error,
		})
	}

	ex.persistSnapshot(ctx, exec)
	return exec
}

func (ex *WorkflowExecutor) executePhase(ctx context.Context, exec *WorkflowExecution, phase *Phase, def *WorkflowDefinition) PhaseExecution {
	phaseExec := PhaseExecution{PhaseID: phase.PhaseID, Name: phase.Name, Status: PhaseStatusRunning, StartedAt: core.NowISO8601(ex.clock)}
	ex.events.AppendEventSafe(ctx, WorkflowEvent{
		EventType:   EventPhaseStarted,
		ExecutionID: exec.ExecutionID,
		WorkflowID:  exec.WorkflowID,
		PhaseID:     phase.PhaseID,
		Status:      EventStatusInProgress,
	})

	for _, step := range phase.Steps {
		exec.CurrentStepID = step.StepID
		ec := ExecutionContext{ExecutionID: exec.ExecutionID, WorkflowID: exec.WorkflowID, PhaseID: phase.PhaseID, WorkflowExecution: exec, WorkflowDefinition: def}
		stepExec := ex.steps.ExecuteStep(ctx, step, ec)
		phaseExec.StepExecutions = append(phaseExec.StepExecutions, stepExec)

		if stepExec.Status == StepStatusFailed {
			phaseExec.Status = PhaseStatusFailed
			ex.events.AppendEventSafe(ctx, WorkflowEvent{
				EventType:   EventPhaseFailed,
				ExecutionID: exec.ExecutionID,
				WorkflowID:  exec.WorkflowID,
				PhaseID:     phase.PhaseID,
				Status:      EventStatusFailed,
				Data: map[string]interface{}{
					"failed_step_id":  step.StepID,
					"steps_completed": len(phaseExec.StepExecutions) - 1,
				},
			})
			return phaseExec
		}

		if stepExec.Status == StepStatusCompleted && step.HandoffTo != "" && step.HandoffType != HandoffNever {
			ex.generateHandoff(ctx, exec, step, stepExec)
		}
	}

	if phaseExec.Status != PhaseStatusFailed {
		phaseExec.Status = PhaseStatusCompleted
		phaseExec.CompletedAt = core.NowISO8601(ex.clock)
		phaseExec.DurationMs = durationMs(phaseExec.StartedAt, phaseExec.CompletedAt)
		ex.events.AppendEventSafe(ctx, WorkflowEvent{
			EventType:   EventPhaseCompleted,
			ExecutionID: exec.ExecutionID,
			WorkflowID:  exec.WorkflowID,
			PhaseID:     phase.PhaseID,
			Status:      EventStatusSuccess,
		})
	}
	return phaseExec
}

// generateHandoff builds, validates, and persists a handoff for a
// successfully completed step. All failures here are logged and swallowed
// — the workflow is more important than its audit record (spec.md §4.8, §9).
func (ex *WorkflowExecutor) generateHandoff(ctx context.Context, exec *WorkflowExecution, step Step, stepExec StepExecution) {
	if ex.handoffs == nil {
		return
	}
	rec := ex.handoffs.BuildRecord(step, stepExec)
	if rec == nil {
		return
	}
	if err := ex.handoffs.SaveHandoff(ctx, *rec, exec.ExecutionID, exec.WorkflowID); err != nil {
		ex.logger.Warn("handoff generation failed, continuing", map[string]interface{}{
			"execution_id": exec.ExecutionID,
			"step_id":      step.StepID,
			"error":        err.Error(),
		})
		return
	}
	ex.events.AppendEventSafe(ctx, WorkflowEvent{
		EventType:   EventHandoffCreated,
		ExecutionID: exec.ExecutionID,
		WorkflowID:  exec.WorkflowID,
		StepID:      step.StepID,
		Status:      EventStatusSuccess,
		Data: map[string]interface{}{
			"handoff_id":   rec.HandoffID,
			"from_agent":   rec.FromAgent,
			"to_agent":     rec.ToAgent,
			"handoff_type": rec.HandoffType,
			"handoff_path": ex.handoffs.HandoffPath(rec.HandoffID),
		},
	})
}

// handleWorkflowFailure pushes a DLQ entry for an execution that failed
// with an uncaught error (spec.md §4.8, §7).
func (ex *WorkflowExecutor) handleWorkflowFailure(ctx context.Context, exec *WorkflowExecution, err error) {
	exec.Status = WorkflowStatusFailed
	exec.Error = err.Error()
	exec.CompletedAt = core.NowISO8601(ex.clock)
	exec.DurationMs = durationMs(exec.StartedAt, exec.CompletedAt)

	if ex.dlq != nil {
		classified := core.ClassifiedError{Category: core.CategorySystemError, Severity: core.SeverityHigh, Message: err.Error(), Retryable: true, RetryDelaySeconds: 1}
		dlqErr := ex.dlq.AddFailedTask(exec.ExecutionID, "", exec.WorkflowID, classified, 1, map[string]interface{}{
			"execution_id": exec.ExecutionID,
			"phase_id":     exec.CurrentPhaseID,
			"step_id":      exec.CurrentStepID,
			"started_at":   exec.StartedAt,
		})
		if dlqErr != nil {
			ex.logger.Warn("dlq write failed", map[string]interface{}{"execution_id": exec.ExecutionID, "error": dlqErr.Error()})
		}
	}

	ex.events.AppendEventSafe(ctx, WorkflowEvent{
		EventType:   EventWorkflowFailed,
		ExecutionID: exec.ExecutionID,
		WorkflowID:  exec.WorkflowID,
		Status:      EventStatusFailed,
		Error:       exec.Error,
	})
	ex.persistSnapshot(ctx, exec)
}

// ResumeWorkflow recovers an execution from partial failure: it recomputes
// completed_step_ids and re-drives only the phases/steps that have not
// reached a completed terminal state (spec.md §4.8).
func (ex *WorkflowExecutor) ResumeWorkflow(ctx context.Context, executionID string, def *WorkflowDefinition) (result *WorkflowExecution, err error) {
	exec, loadErr := ex.GetExecution(ctx, executionID)
	if loadErr != nil {
		return nil, loadErr
	}

	defer func() {
		if r := recover(); r != nil {
			ex.handleResumeFailure(ctx, exec, fmt.Errorf("panic: %v", r))
			result, err = exec, nil
		}
	}()

	completed := completedStepIDs(exec)

	allComplete := true
	for i := range def.Phases {
		phase := &def.Phases[i]
		existing := findPhaseExecution(exec, phase.PhaseID)

		if phaseFullyCompleted(phase, completed) {
			if existing == nil {
				exec.PhaseExecutions = append(exec.PhaseExecutions, PhaseExecution{
					PhaseID: phase.PhaseID, Name: phase.Name, Status: PhaseStatusCompleted,
					StartedAt: core.NowISO8601(ex.clock), CompletedAt: core.NowISO8601(ex.clock),
				})
			} else {
				existing.Status = PhaseStatusCompleted
			}
			continue
		}

		phaseExec := ex.executePhaseResume(ctx, exec, phase, def, existing, completed)
		if existing == nil {
			exec.PhaseExecutions = append(exec.PhaseExecutions, phaseExec)
		} else {
			*existing = phaseExec
		}
		if phaseExec.Status != PhaseStatusCompleted {
			allComplete = false
		}
	}

	if allComplete {
		exec.Status = WorkflowStatusCompleted
		exec.CompletedAt = core.NowISO8601(ex.clock)
		exec.DurationMs = durationMs(exec.StartedAt, exec.CompletedAt)
		ex.events.AppendEventSafe(ctx, WorkflowEvent{
			EventType:   EventWorkflowCompleted,
			ExecutionID: exec.ExecutionID,
			WorkflowID:  exec.WorkflowID,
			Status:      EventStatusSuccess,
			Data:        map[string]interface{}{"resumed": true},
		})
	} else {
		exec.Status = WorkflowStatusFailed
	}

	ex.persistSnapshot(ctx, exec)
	return exec, nil
}

func (ex *WorkflowExecutor) handleResumeFailure(ctx context.Context, exec *WorkflowExecution, err error) {
	exec.Status = WorkflowStatusFailed
	exec.Error = err.Error()
	exec.CompletedAt = core.NowISO8601(ex.clock)
	if ex.dlq != nil {
		classified := core.ClassifiedError{Category: core.CategorySystemError, Severity: core.SeverityHigh, Message: err.Error(), Retryable: true, RetryDelaySeconds: 1}
		_ = ex.dlq.AddFailedTask(exec.ExecutionID, "", exec.WorkflowID, classified, 1, nil)
	}
	ex.events.AppendEventSafe(ctx, WorkflowEvent{
		EventType:   EventWorkflowFailed,
		ExecutionID: exec.ExecutionID,
		WorkflowID:  exec.WorkflowID,
		Status:      EventStatusFailed,
		Error:       exec.Error,
		Data:        map[string]interface{}{"resumed": true},
	})
	ex.persistSnapshot(ctx, exec)
}

// executePhaseResume re-drives the non-completed steps of phase, replacing
// any prior StepExecution for the same step_id (spec.md §4.8).
func (ex *WorkflowExecutor) executePhaseResume(ctx context.Context, exec *WorkflowExecution, phase *Phase, def *WorkflowDefinition, existing *PhaseExecution, completed map[string]bool) PhaseExecution {
	var phaseExec PhaseExecution
	isResume := existing != nil
	if isResume {
		phaseExec = *existing
		kept := phaseExec.StepExecutions[:0]
		for _, se := range phaseExec.StepExecutions {
			if se.Status == StepStatusCompleted {
				kept = append(kept, se)
			}
		}
		phaseExec.StepExecutions = kept
		phaseExec.Status = PhaseStatusRunning
	} else {
		phaseExec = PhaseExecution{PhaseID: phase.PhaseID, Name: phase.Name, Status: PhaseStatusRunning, StartedAt: core.NowISO8601(ex.clock)}
	}

	eventType := EventPhaseStarted
	if isResume {
		eventType = EventPhaseResumed
	}
	ex.events.AppendEventSafe(ctx, WorkflowEvent{
		EventType:   eventType,
		ExecutionID: exec.ExecutionID,
		WorkflowID:  exec.WorkflowID,
		PhaseID:     phase.PhaseID,
		Status:      EventStatusInProgress,
		Data:        map[string]interface{}{"completed_steps": len(phaseExec.StepExecutions)},
	})

	for _, step := range phase.Steps {
		if completed[step.StepID] {
			continue
		}
		ec := ExecutionContext{ExecutionID: exec.ExecutionID, WorkflowID: exec.WorkflowID, PhaseID: phase.PhaseID, WorkflowExecution: exec, WorkflowDefinition: def}
		stepExec := ex.steps.ExecuteStep(ctx, step, ec)
		phaseExec.StepExecutions = removeStepExecution(phaseExec.StepExecutions, step.StepID)
		phaseExec.StepExecutions = append(phaseExec.StepExecutions, stepExec)
		sortStepExecutions(phaseExec.StepExecutions)

		if stepExec.Status == StepStatusCompleted && step.HandoffTo != "" && step.HandoffType != HandoffNever {
			ex.generateHandoff(ctx, exec, step, stepExec)
		}
	}

	phaseExec.Status = PhaseStatusCompleted
	for _, se := range phaseExec.StepExecutions {
		if se.Status == StepStatusFailed {
			phaseExec.Status = PhaseStatusFailed
			break
		}
	}
	if phaseExec.Status == PhaseStatusCompleted {
		phaseExec.CompletedAt = core.NowISO8601(ex.clock)
		phaseExec.DurationMs = durationMs(phaseExec.StartedAt, phaseExec.CompletedAt)
	}
	return phaseExec
}

// CancelWorkflow transitions a non-terminal execution to cancelled
// (spec.md §4.8). Returns false if the execution was already terminal.
func (ex *WorkflowExecutor) CancelWorkflow(ctx context.Context, executionID, reason string) (bool, error) {
	exec, err := ex.GetExecution(ctx, executionID)
	if err != nil {
		return false, err
	}
	if exec.Status.IsTerminal() {
		return false, nil
	}

	exec.Status = WorkflowStatusCancelled
	exec.Error = reason
	exec.CompletedAt = core.NowISO8601(ex.clock)
	exec.DurationMs = durationMs(exec.StartedAt, exec.CompletedAt)
	ex.persistSnapshot(ctx, exec)
	ex.events.AppendEventSafe(ctx, WorkflowEvent{
		EventType:   EventWorkflowCancelled,
		ExecutionID: exec.ExecutionID,
		WorkflowID:  exec.WorkflowID,
		Status:      EventStatusCancelled,
		Error:       reason,
		Data:        map[string]interface{}{"reason": reason, "duration_ms": exec.DurationMs},
	})
	return true, nil
}

// GetExecution returns the execution, first checking the active map, then
// falling back to the state repository (spec.md §4.8).
func (ex *WorkflowExecutor) GetExecution(ctx context.Context, executionID string) (*WorkflowExecution, error) {
	ex.mu.Lock()
	if exec, ok := ex.active[executionID]; ok {
		ex.mu.Unlock()
		return exec, nil
	}
	ex.mu.Unlock()

	if ex.state == nil {
		return nil, fmt.Errorf("get_execution: %w: %s", core.ErrExecutionNotFound, executionID)
	}
	snap, err := ex.state.LoadState(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("get_execution: %w", err)
	}
	exec := snapshotToExecution(snap)

	ex.mu.Lock()
	ex.active[executionID] = exec
	ex.mu.Unlock()
	return exec, nil
}

func (ex *WorkflowExecutor) persistSnapshot(ctx context.Context, exec *WorkflowExecution) {
	if ex.state == nil {
		return
	}
	data, err := executionToData(exec)
	if err != nil {
		ex.logger.Warn("snapshot marshal failed", map[string]interface{}{"execution_id": exec.ExecutionID, "error": err.Error()})
		return
	}

	current, loadErr := ex.state.LoadStateSummary(ctx, exec.ExecutionID)
	version := 0
	if loadErr == nil {
		version = current.Version
	}

	saved, err := ex.state.SaveState(ctx, State{StateID: exec.ExecutionID, StateType: "workflow_execution", Version: version, Data: data})
	if err != nil {
		if core.IsStateVersionConflict(err) {
			ex.logger.Warn("state snapshot version conflict", map[string]interface{}{"execution_id": exec.ExecutionID, "error": err.Error()})
		} else {
			ex.logger.Warn("state snapshot save failed", map[string]interface{}{"execution_id": exec.ExecutionID, "error": err.Error()})
		}
		return
	}
	_ = saved
}
