package orchestration

import "context"

// AgentResultStatus is the status an AgentInvoker reports back.
type AgentResultStatus string

const (
	AgentResultSuccess AgentResultStatus = "success"
	AgentResultHandoff AgentResultStatus = "handoff"
	AgentResultFailed  AgentResultStatus = "failed"
	AgentResultBlocked AgentResultStatus = "blocked"
)

// AgentResult is what AgentInvoker.ExecuteAgent returns (spec.md §6.3).
type AgentResult struct {
	Status     AgentResultStatus
	OutputData map[string]interface{}
	Handoff    map[string]interface{}
	Error      string
	DurationMs int64
}

// AgentInvoker executes an agent given an id and input. It is opaque to
// the core: the engine never knows how an agent thinks, only what it
// returns (spec.md §1, §6.3).
type AgentInvoker interface {
	ExecuteAgent(ctx context.Context, agentID string, requestID, workflowID string, inputData map[string]interface{}) (AgentResult, error)
}

// AgentCatalog answers whether an agent id is known, used by handoff
// validation (spec.md §6.3).
type AgentCatalog interface {
	Exists(agentID string) bool
}

// State is the durable, versioned, checksummed payload the State
// Repository stores (spec.md §4.2).
type State struct {
	StateID   string                 `json:"state_id"`
	StateType string                 `json:"state_type"`
	Version   int                    `json:"version"`
	Data      map[string]interface{} `json:"data"`
	CreatedAt string                 `json:"created_at"`
	UpdatedAt string                 `json:"updated_at"`
	Checksum  string                 `json:"checksum,omitempty"`
}
