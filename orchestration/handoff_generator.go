package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/agentmesh/orchestrator-core/core"
)

// HandoffGenerator builds, validates, and persists HandoffRecords produced
// by completed steps (spec.md §4.5).
type HandoffGenerator struct {
	handoffsDir string
	catalog     AgentCatalog
	registry    *HandoffRegistry
	clock       core.Clock
	logger      core.Logger
}

// NewHandoffGenerator constructs a generator writing JSON files under
// handoffsDir and registering records in registry.
func NewHandoffGenerator(handoffsDir string, catalog AgentCatalog, registry *HandoffRegistry, clock core.Clock, logger core.Logger) *HandoffGenerator {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &HandoffGenerator{handoffsDir: handoffsDir, catalog: catalog, registry: registry, clock: clock, logger: logger}
}

// BuildRecord builds an unvalidated HandoffRecord from step and its
// execution result, per the spec.md §4.5 field-derivation rules. It returns
// nil if step carries no handoff (handoff_to empty, or handoff_type=never).
func (g *HandoffGenerator) BuildRecord(step Step, exec StepExecution) *HandoffRecord {
	if step.HandoffTo == "" || step.HandoffType == HandoffNever {
		return nil
	}

	recordType := RecordHandoffStandard
	if step.HandoffType == HandoffOnError {
		recordType = RecordHandoffErrorRecovery
	}

	fromAgent := step.AgentID
	if fromAgent == "" {
		fromAgent = "unknown"
	}

	workSummary := stringField(exec.OutputData, "summary")
	if workSummary == "" {
		workSummary = step.Description
	}

	notes := stringField(exec.OutputData, "notes")
	if notes == "" {
		notes = step.HandoffCriteria
	}

	return &HandoffRecord{
		HandoffID:    uuid.NewString(),
		FromAgent:    fromAgent,
		ToAgent:      step.HandoffTo,
		Timestamp:    core.NowISO8601(g.clock),
		HandoffType:  recordType,
		Status:       HandoffStatusPending,
		WorkSummary:  workSummary,
		Deliverables: stringListField(exec.OutputData, "deliverables"),
		Blockers:     stringListField(exec.OutputData, "blockers"),
		Notes:        notes,
	}
}

// Validate checks rec against spec.md §4.5's rules, collecting all errors
// rather than short-circuiting on the first.
func (g *HandoffGenerator) Validate(rec HandoffRecord) error {
	var problems []string

	if rec.HandoffID == "" {
		problems = append(problems, "handoff_id is required")
	} else if _, err := uuid.Parse(rec.HandoffID); err != nil {
		problems = append(problems, "handoff_id is not a valid UUID")
	}
	if rec.FromAgent == "" {
		problems = append(problems, "from_agent is required")
	} else if g.catalog != nil && !g.catalog.Exists(rec.FromAgent) {
		problems = append(problems, fmt.Sprintf("from_agent %q is not a known agent", rec.FromAgent))
	}
	if rec.ToAgent == "" {
		problems = append(problems, "to_agent is required")
	} else if g.catalog != nil && !g.catalog.Exists(rec.ToAgent) {
		problems = append(problems, fmt.Sprintf("to_agent %q is not a known agent", rec.ToAgent))
	}
	if rec.Timestamp == "" {
		problems = append(problems, "timestamp is required")
	} else if _, err := core.ParseISO8601(rec.Timestamp); err != nil {
		problems = append(problems, "timestamp does not parse as ISO-8601")
	}
	switch rec.HandoffType {
	case RecordHandoffStandard, RecordHandoffEscalation, RecordHandoffCollaboration, RecordHandoffErrorRecovery:
	default:
		problems = append(problems, fmt.Sprintf("handoff_type %q is not recognized", rec.HandoffType))
	}
	switch rec.Status {
	case HandoffStatusPending, HandoffStatusInProgress, HandoffStatusComplete, HandoffStatusBlocked, HandoffStatusFailed:
	default:
		problems = append(problems, fmt.Sprintf("status %q is not recognized", rec.Status))
	}

	if len(problems) > 0 {
		return fmt.Errorf("handoff validation failed: %s", strings.Join(problems, "; "))
	}
	return nil
}

// SaveHandoff validates rec, writes it as pretty JSON to
// <handoffs_dir>/<handoff_id>.json, then registers it in the Registry.
// Validation failure aborts without writing (spec.md §4.5).
func (g *HandoffGenerator) SaveHandoff(ctx context.Context, rec HandoffRecord, executionID, workflowID string) error {
	if err := g.Validate(rec); err != nil {
		return err
	}

	if err := os.MkdirAll(g.handoffsDir, 0o755); err != nil {
		return fmt.Errorf("save_handoff: mkdir: %w", err)
	}
	payload, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("save_handoff: marshal: %w", err)
	}
	path := filepath.Join(g.handoffsDir, rec.HandoffID+".json")
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return fmt.Errorf("save_handoff: write file: %w", err)
	}

	if g.registry != nil {
		if err := g.registry.RegisterHandoff(ctx, rec, executionID, workflowID); err != nil {
			return fmt.Errorf("save_handoff: register: %w", err)
		}
	}
	return nil
}

// HandoffPath returns the JSON file path a persisted handoff record lives at.
func (g *HandoffGenerator) HandoffPath(handoffID string) string {
	return filepath.Join(g.handoffsDir, handoffID+".json")
}

func stringField(data map[string]interface{}, key string) string {
	if data == nil {
		return ""
	}
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func stringListField(data map[string]interface{}, key string) []string {
	if data == nil {
		return nil
	}
	switch v := data[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	default:
		return nil
	}
}
