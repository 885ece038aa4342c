package orchestration

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/agentmesh/orchestrator-core/core"
)

const defaultStepTimeoutSeconds = 3600

// ExecutionContext carries the identifiers a Step needs to reach the event
// log and the surrounding execution while it runs (spec.md §4.8).
type ExecutionContext struct {
	ExecutionID        string
	WorkflowID         string
	PhaseID            string
	WorkflowExecution  *WorkflowExecution
	WorkflowDefinition *WorkflowDefinition
}

// StepExecutor runs a single step to completion or timeout, emitting
// step_started/step_completed/step_failed events (spec.md §4.4).
type StepExecutor struct {
	invoker AgentInvoker
	events  *EventLog
	clock   core.Clock
	logger  core.Logger
}

// NewStepExecutor constructs a StepExecutor. invoker may be nil if the
// workflow under test contains no agent steps.
func NewStepExecutor(invoker AgentInvoker, events *EventLog, clock core.Clock, logger core.Logger) *StepExecutor {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &StepExecutor{invoker: invoker, events: events, clock: clock, logger: logger}
}

// ExecuteStep runs step within ec and returns its StepExecution record.
// There is no separate error return: a failed step is reported via
// StepExecution.Status and StepExecution.Error.
func (se *StepExecutor) ExecuteStep(ctx context.Context, step Step, ec ExecutionContext) StepExecution {
	startedAt := core.NowISO8601(se.clock)
	se.events.AppendEventSafe(ctx, WorkflowEvent{
		EventType:   EventStepStarted,
		ExecutionID: ec.ExecutionID,
		WorkflowID:  ec.WorkflowID,
		StepID:      step.StepID,
		PhaseID:     ec.PhaseID,
		AgentID:     step.AgentID,
		Status:      EventStatusInProgress,
	})

	timeoutSeconds := step.TimeoutSeconds
	if timeoutSeconds <= 0 {
		timeoutSeconds = defaultStepTimeoutSeconds
	}
	stepCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSeconds)*time.Second)
	defer cancel()

	startWall := se.clock.Now()
	var outputData map[string]interface{}
	var stepErr error

	switch step.StepType {
	case StepTypeAgent:
		outputData, stepErr = se.runAgent(stepCtx, step, ec)
	case StepTypeScript:
		outputData, stepErr = se.runScript(stepCtx, step)
	case StepTypeCondition:
		outputData, stepErr = se.runCondition(step)
	case StepTypeManual:
		return se.buildPaused(step, startedAt, startWall)
	default:
		stepErr = fmt.Errorf("unknown step type %q", step.StepType)
	}

	if stepCtx.Err() == context.DeadlineExceeded {
		stepErr = fmt.Errorf("Step timed out after %d seconds", timeoutSeconds)
	}

	completedAt := core.NowISO8601(se.clock)
	durationMs := se.clock.Now().Sub(startWall).Milliseconds()

	if stepErr != nil {
		se.events.AppendEventSafe(ctx, WorkflowEvent{
			EventType:   EventStepFailed,
			ExecutionID: ec.ExecutionID,
			WorkflowID:  ec.WorkflowID,
			StepID:      step.StepID,
			PhaseID:     ec.PhaseID,
			AgentID:     step.AgentID,
			Status:      EventStatusFailed,
			Error:       stepErr.Error(),
		})
		return StepExecution{
			StepID:      step.StepID,
			Name:        step.Name,
			Status:      StepStatusFailed,
			AgentID:     step.AgentID,
			StartedAt:   startedAt,
			CompletedAt: completedAt,
			DurationMs:  durationMs,
			Error:       stepErr.Error(),
		}
	}

	se.events.AppendEventSafe(ctx, WorkflowEvent{
		EventType:   EventStepCompleted,
		ExecutionID: ec.ExecutionID,
		WorkflowID:  ec.WorkflowID,
		StepID:      step.StepID,
		PhaseID:     ec.PhaseID,
		AgentID:     step.AgentID,
		Status:      EventStatusSuccess,
		Data:        map[string]interface{}{"output": outputData},
	})
	return StepExecution{
		StepID:      step.StepID,
		Name:        step.Name,
		Status:      StepStatusCompleted,
		AgentID:     step.AgentID,
		StartedAt:   startedAt,
		CompletedAt: completedAt,
		DurationMs:  durationMs,
		OutputData:  outputData,
	}
}

func (se *StepExecutor) buildPaused(step Step, startedAt string, startWall time.Time) StepExecution {
	return StepExecution{
		StepID:     step.StepID,
		Name:       step.Name,
		Status:     StepStatusPaused,
		AgentID:    step.AgentID,
		StartedAt:  startedAt,
		DurationMs: se.clock.Now().Sub(startWall).Milliseconds(),
	}
}

func (se *StepExecutor) runAgent(ctx context.Context, step Step, ec ExecutionContext) (map[string]interface{}, error) {
	if se.invoker == nil {
		return nil, fmt.Errorf("no agent invoker configured for agent %q", step.AgentID)
	}

	input := make(map[string]interface{}, len(step.InputData)+3)
	for k, v := range step.InputData {
		input[k] = v
	}
	input["execution_id"] = ec.ExecutionID
	input["workflow_id"] = ec.WorkflowID
	input["step_id"] = step.StepID

	result, err := se.invoker.ExecuteAgent(ctx, step.AgentID, ec.ExecutionID, ec.WorkflowID, input)
	if err != nil {
		return nil, err
	}
	switch result.Status {
	case AgentResultSuccess, AgentResultHandoff:
		return result.OutputData, nil
	default:
		if result.Error != "" {
			return nil, fmt.Errorf("%s", result.Error)
		}
		return nil, fmt.Errorf("agent %q returned status %q", step.AgentID, result.Status)
	}
}

func (se *StepExecutor) runScript(ctx context.Context, step Step) (map[string]interface{}, error) {
	safetyCtx, cancel := context.WithTimeout(ctx, defaultStepTimeoutSeconds*time.Second)
	defer cancel()

	cmd := exec.CommandContext(safetyCtx, step.ScriptPath)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := stderr.String()
		if msg == "" {
			msg = err.Error()
		}
		return nil, fmt.Errorf("script %q failed: %s", step.ScriptPath, msg)
	}
	return map[string]interface{}{"script_path": step.ScriptPath}, nil
}

func (se *StepExecutor) runCondition(step Step) (map[string]interface{}, error) {
	result := len(step.Conditions) == 0
	return map[string]interface{}{"condition_result": result}, nil
}
