// Package orchestration implements the workflow executor described in
// spec.md: parsing, event log, state repository, handoffs, dead-letter
// queue, and the step/workflow execution state machines built on top of
// them.
package orchestration

import "github.com/agentmesh/orchestrator-core/core"

// StepType tags the kind of work a Step performs. It is a string type:
// StepExecutor.ExecuteStep switches over the constants below, and any other
// value reaches that switch's default branch and fails the step at run time.
type StepType string

const (
	StepTypeAgent     StepType = "agent"
	StepTypeScript    StepType = "script"
	StepTypeCondition StepType = "condition"
	StepTypeManual    StepType = "manual"
)

// HandoffType is the handoff policy carried by a Step definition.
type HandoffType string

const (
	HandoffAlways      HandoffType = "always"
	HandoffConditional HandoffType = "conditional"
	HandoffOnError     HandoffType = "on_error"
	HandoffNever       HandoffType = "never"
)

// RecordHandoffType is the handoff kind stored on a persisted HandoffRecord,
// mapped from a Step's HandoffType (spec.md §4.5 table).
type RecordHandoffType string

const (
	RecordHandoffStandard     RecordHandoffType = "standard"
	RecordHandoffEscalation   RecordHandoffType = "escalation"
	RecordHandoffCollaboration RecordHandoffType = "collaboration"
	RecordHandoffErrorRecovery RecordHandoffType = "error_recovery"
)

// HandoffStatus is the lifecycle of a persisted handoff record.
type HandoffStatus string

const (
	HandoffStatusPending    HandoffStatus = "pending"
	HandoffStatusInProgress HandoffStatus = "in_progress"
	HandoffStatusComplete   HandoffStatus = "complete"
	HandoffStatusBlocked    HandoffStatus = "blocked"
	HandoffStatusFailed     HandoffStatus = "failed"
)

// WorkflowStatus is the lifecycle of a WorkflowExecution.
type WorkflowStatus string

const (
	WorkflowStatusPending   WorkflowStatus = "pending"
	WorkflowStatusRunning   WorkflowStatus = "running"
	WorkflowStatusPaused    WorkflowStatus = "paused"
	WorkflowStatusCompleted WorkflowStatus = "completed"
	WorkflowStatusFailed    WorkflowStatus = "failed"
	WorkflowStatusCancelled WorkflowStatus = "cancelled"
)

func (s WorkflowStatus) IsTerminal() bool {
	switch s {
	case WorkflowStatusCompleted, WorkflowStatusFailed, WorkflowStatusCancelled:
		return true
	default:
		return false
	}
}

// PhaseStatus is the lifecycle of a PhaseExecution.
type PhaseStatus string

const (
	PhaseStatusRunning   PhaseStatus = "running"
	PhaseStatusCompleted PhaseStatus = "completed"
	PhaseStatusFailed    PhaseStatus = "failed"
	PhaseStatusPaused    PhaseStatus = "paused"
)

// StepStatus is the lifecycle of a StepExecution. StepStatusPaused is an
// addition over spec.md's bare prose ("running -> completed|failed") needed
// to give manual steps a non-erroneous outcome (SPEC_FULL.md Open Question 3).
type StepStatus string

const (
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusPaused    StepStatus = "paused"
)

// EventStatus is the status carried on a WorkflowEvent.
type EventStatus string

const (
	EventStatusInProgress EventStatus = "in_progress"
	EventStatusSuccess    EventStatus = "success"
	EventStatusFailed     EventStatus = "failed"
	EventStatusCancelled  EventStatus = "cancelled"
	EventStatusPending    EventStatus = "pending"
	EventStatusWarning    EventStatus = "warning"
)

// EventType enumerates the canonical events of spec.md §4.3.
type EventType string

const (
	EventWorkflowStarted   EventType = "workflow_started"
	EventWorkflowCompleted EventType = "workflow_completed"
	EventWorkflowFailed    EventType = "workflow_failed"
	EventWorkflowCancelled EventType = "workflow_cancelled"
	EventPhaseStarted      EventType = "phase_started"
	EventPhaseCompleted    EventType = "phase_completed"
	EventPhaseFailed       EventType = "phase_failed"
	EventPhaseResumed      EventType = "phase_resumed"
	EventStepStarted       EventType = "step_started"
	EventStepCompleted     EventType = "step_completed"
	EventStepFailed        EventType = "step_failed"
	EventHandoffCreated    EventType = "handoff_created"
)

// WorkflowMetadata carries the header fields parsed from a workflow file.
type WorkflowMetadata struct {
	WorkflowID  string `json:"workflow_id"`
	Version     string `json:"version"`
	LastUpdated string `json:"last_updated"`
	Status      string `json:"status"`
	Priority    string `json:"priority"`
}

// WorkflowCondition is a conditional branch extracted from a step
// description (`{Condition?}` braces).
type WorkflowCondition struct {
	ConditionID        string `json:"condition_id"`
	Description        string `json:"description"`
	ConditionExpression string `json:"condition_expression"`
}

// WorkflowRule captures a `## Workflow Rules` subsection.
type WorkflowRule struct {
	RuleType    string   `json:"rule_type"`
	Description string   `json:"description"`
	StepIDs     []string `json:"step_ids,omitempty"`
	Conditions  []string `json:"conditions,omitempty"`
}

// Step is a unit of work inside a Phase (spec.md §3).
type Step struct {
	StepID          string                 `json:"step_id"`
	StepNumber      int                    `json:"step_number"`
	Name            string                 `json:"name"`
	Description     string                 `json:"description"`
	StepType        StepType               `json:"step_type"`
	AgentID         string                 `json:"agent_id,omitempty"`
	ScriptPath      string                 `json:"script_path,omitempty"`
	InputData       map[string]interface{} `json:"input_data,omitempty"`
	HandoffTo       string                 `json:"handoff_to,omitempty"`
	HandoffType     HandoffType            `json:"handoff_type"`
	HandoffCriteria string                 `json:"handoff_criteria,omitempty"`
	IsMandatory     bool                   `json:"is_mandatory"`
	Conditions      []WorkflowCondition    `json:"conditions,omitempty"`
	TimeoutSeconds  int                    `json:"timeout_seconds,omitempty"`
}

// Phase is an ordered container of steps (spec.md §3).
type Phase struct {
	PhaseID                  string `json:"phase_id"`
	PhaseNumber              int    `json:"phase_number"`
	Name                     string `json:"name"`
	Description              string `json:"description"`
	EstimatedDurationMinutes *int   `json:"estimated_duration_minutes,omitempty"`
	Steps                    []Step `json:"steps"`
}

// WorkflowDefinition is the immutable, parsed shape of a workflow file.
type WorkflowDefinition struct {
	WorkflowID      string                 `json:"workflow_id"`
	Name            string                 `json:"name"`
	Description     string                 `json:"description"`
	Metadata        WorkflowMetadata       `json:"metadata"`
	Phases          []Phase                `json:"phases"`
	Rules           []WorkflowRule         `json:"rules"`
	ErrorHandling   map[string]string      `json:"error_handling,omitempty"`
	SuccessCriteria []string               `json:"success_criteria,omitempty"`
	Metrics         map[string]string      `json:"metrics,omitempty"`
	MermaidDiagram  string                 `json:"mermaid_diagram,omitempty"`
	FilePath        string                 `json:"file_path"`
	RawContent      string                 `json:"-"`
}

// Version returns the pinned-at-start version for this definition.
func (d *WorkflowDefinition) Version() string {
	if d.Metadata.Version == "" {
		return "1.0"
	}
	return d.Metadata.Version
}

// StepExecution mirrors a Step's runtime record.
type StepExecution struct {
	StepID      string                 `json:"step_id"`
	Name        string                 `json:"name"`
	Status      StepStatus             `json:"status"`
	AgentID     string                 `json:"agent_id,omitempty"`
	StartedAt   string                 `json:"started_at"`
	CompletedAt string                 `json:"completed_at,omitempty"`
	DurationMs  int64                  `json:"duration_ms,omitempty"`
	OutputData  map[string]interface{} `json:"output_data,omitempty"`
	Error       string                 `json:"error,omitempty"`
}

// PhaseExecution mirrors a Phase's runtime record.
type PhaseExecution struct {
	PhaseID        string          `json:"phase_id"`
	Name           string          `json:"name"`
	Status         PhaseStatus     `json:"status"`
	StartedAt      string          `json:"started_at"`
	CompletedAt    string          `json:"completed_at,omitempty"`
	DurationMs     int64           `json:"duration_ms,omitempty"`
	StepExecutions []StepExecution `json:"step_executions"`
}

// WorkflowExecution is the runtime instance of a WorkflowDefinition.
type WorkflowExecution struct {
	ExecutionID     string                 `json:"execution_id"`
	WorkflowID      string                 `json:"workflow_id"`
	WorkflowVersion string                 `json:"workflow_version"`
	Status          WorkflowStatus         `json:"status"`
	StartedAt       string                 `json:"started_at"`
	CompletedAt     string                 `json:"completed_at,omitempty"`
	DurationMs      int64                  `json:"duration_ms,omitempty"`
	CurrentPhaseID  string                 `json:"current_phase_id,omitempty"`
	CurrentStepID   string                 `json:"current_step_id,omitempty"`
	InputData       map[string]interface{} `json:"input_data,omitempty"`
	Error           string                 `json:"error,omitempty"`
	PhaseExecutions []PhaseExecution       `json:"phase_executions"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
}

// WorkflowEvent is an append-only audit record (spec.md §4.3).
type WorkflowEvent struct {
	EventID     string                 `json:"event_id"`
	EventType   EventType              `json:"event_type"`
	ExecutionID string                 `json:"execution_id"`
	WorkflowID  string                 `json:"workflow_id"`
	Timestamp   string                 `json:"timestamp"`
	StepID      string                 `json:"step_id,omitempty"`
	PhaseID     string                 `json:"phase_id,omitempty"`
	AgentID     string                 `json:"agent_id,omitempty"`
	Status      EventStatus            `json:"status"`
	Data        map[string]interface{} `json:"data,omitempty"`
	Error       string                 `json:"error,omitempty"`
}

// HandoffRecord is the durable handoff shape (spec.md §3, §4.5).
type HandoffRecord struct {
	HandoffID    string            `json:"handoff_id"`
	FromAgent    string            `json:"from_agent"`
	ToAgent      string            `json:"to_agent"`
	Timestamp    string            `json:"timestamp"`
	HandoffType  RecordHandoffType `json:"handoff_type"`
	Status       HandoffStatus     `json:"status"`
	WorkSummary  string            `json:"work_summary"`
	Deliverables []string          `json:"deliverables,omitempty"`
	Blockers     []string          `json:"blockers,omitempty"`
	Notes        string            `json:"notes,omitempty"`
}

// ErrorCategory, ErrorSeverity and ClassifiedError are defined in core (not
// here) so that both this package and resilience can depend on them without
// an import cycle between the two. Aliased here for call sites that prefer
// the orchestration-local name.
type ErrorCategory = core.ErrorCategory
type ErrorSeverity = core.ErrorSeverity
type ClassifiedError = core.ClassifiedError

const (
	CategoryTimeout     = core.CategoryTimeout
	CategoryRateLimit   = core.CategoryRateLimit
	CategoryNetwork     = core.CategoryNetwork
	CategoryUserError   = core.CategoryUserError
	CategoryPermanent   = core.CategoryPermanent
	CategorySystemError = core.CategorySystemError

	SeverityLow    = core.SeverityLow
	SeverityMedium = core.SeverityMedium
	SeverityHigh   = core.SeverityHigh
)

// FailedTask is a dead-letter queue entry (spec.md §3).
type FailedTask struct {
	TaskID     string                 `json:"task_id"`
	AgentID    string                 `json:"agent_id"`
	WorkflowID string                 `json:"workflow_id,omitempty"`
	Error      ClassifiedError        `json:"error"`
	Attempts   int                    `json:"attempts"`
	FailedAt   string                 `json:"failed_at"`
	Context    map[string]interface{} `json:"context,omitempty"`
	CanRetry   bool                   `json:"can_retry"`
	RetryAfter string                 `json:"retry_after,omitempty"`
}

// StateSummary is the lightweight projection returned by LoadStateSummary.
type StateSummary struct {
	StateID   string `json:"state_id"`
	Version   int    `json:"version"`
	UpdatedAt string `json:"updated_at"`
	StateType string `json:"state_type"`
}
