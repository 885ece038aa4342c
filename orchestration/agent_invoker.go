package orchestration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/agentmesh/orchestrator-core/core"
	"github.com/agentmesh/orchestrator-core/resilience"
)

// AgentEndpoints maps an agent_id to the base URL of its HTTP service
// (spec.md §6.3, agent registry). Agents are addressed by POSTing to
// <base_url>/invoke with the step's input_data as a JSON body.
type AgentEndpoints map[string]string

// HTTPAgentInvoker calls agents over HTTP, wrapping every call in a
// retry handler and a per-agent circuit breaker (spec.md §4.6, §4.7).
type HTTPAgentInvoker struct {
	endpoints  AgentEndpoints
	httpClient *http.Client
	retry      *resilience.RetryHandler
	breakers   *resilience.Registry
	logger     core.Logger
}

// NewHTTPAgentInvoker constructs an invoker. A nil retry falls back to
// resilience.NewRetryHandler(nil); a nil breakers registry means calls run
// without a circuit breaker.
func NewHTTPAgentInvoker(endpoints AgentEndpoints, retry *resilience.RetryHandler, breakers *resilience.Registry, logger core.Logger) *HTTPAgentInvoker {
	if retry == nil {
		retry = resilience.NewRetryHandler(nil)
	}
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &HTTPAgentInvoker{
		endpoints:  endpoints,
		httpClient: &http.Client{Timeout: 90 * time.Second, Transport: otelhttp.NewTransport(http.DefaultTransport)},
		retry:      retry,
		breakers:   breakers,
		logger:     logger,
	}
}

// ExecuteAgent implements AgentInvoker.
func (inv *HTTPAgentInvoker) ExecuteAgent(ctx context.Context, agentID, requestID, workflowID string, inputData map[string]interface{}) (AgentResult, error) {
	baseURL, ok := inv.endpoints[agentID]
	if !ok {
		return AgentResult{Status: AgentResultFailed, Error: fmt.Sprintf("no endpoint registered for agent %q", agentID)}, nil
	}

	var lastResult AgentResult
	runCall := func(ctx context.Context) error {
		result, err := inv.postDecoded(ctx, baseURL, requestID, workflowID, inputData)
		if err != nil {
			return err
		}
		lastResult = result
		return nil
	}

	var err error
	if inv.breakers != nil {
		cb := inv.breakers.Get(agentID)
		err = cb.Call(ctx, func(ctx context.Context) error {
			classified, retryErr := inv.retry.Do(ctx, runCall)
			if retryErr != nil {
				inv.logger.Warn("agent call exhausted retries", map[string]interface{}{
					"agent_id": agentID, "category": classified.Category, "error": retryErr.Error(),
				})
				return retryErr
			}
			return nil
		})
	} else {
		_, err = inv.retry.Do(ctx, runCall)
	}

	if err != nil {
		return AgentResult{Status: AgentResultFailed, Error: err.Error()}, nil
	}
	return lastResult, nil
}

func (inv *HTTPAgentInvoker) postDecoded(ctx context.Context, baseURL, requestID, workflowID string, inputData map[string]interface{}) (AgentResult, error) {
	body := map[string]interface{}{
		"request_id":  requestID,
		"workflow_id": workflowID,
		"input_data":  inputData,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return AgentResult{}, fmt.Errorf("marshal agent request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/invoke", bytes.NewReader(payload))
	if err != nil {
		return AgentResult{}, fmt.Errorf("build agent request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := inv.httpClient.Do(req)
	if err != nil {
		return AgentResult{}, fmt.Errorf("agent call failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return AgentResult{}, fmt.Errorf("read agent response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return AgentResult{}, fmt.Errorf("agent returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var result AgentResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return AgentResult{}, fmt.Errorf("decode agent response: %w", err)
	}
	return result, nil
}
