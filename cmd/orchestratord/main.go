// Command orchestratord wires the workflow orchestration engine's
// components (parser, event log, state repository, handoff registry,
// resilience stack, step/workflow executors) and exposes a minimal CLI
// surface for starting, resuming, cancelling, and inspecting workflow
// executions (spec.md §6.4).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-redis/redis/v8"

	"github.com/agentmesh/orchestrator-core/core"
	"github.com/agentmesh/orchestrator-core/orchestration"
	"github.com/agentmesh/orchestrator-core/resilience"
	"github.com/agentmesh/orchestrator-core/telemetry"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "orchestratord:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: orchestratord <start|resume|cancel|get|list-workflows|get-handoff> [flags]")
	}
	cmd, rest := args[0], args[1:]

	cfg, err := core.NewConfig()
	if err != nil {
		return err
	}

	logger := telemetry.NewLogger("orchestratord")
	logger.SetLevel(cfg.Logging.Level)

	ctx := context.Background()
	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.InitTracing(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.OTLPEndpoint)
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer shutdown(ctx)
	}

	exec, err := buildExecutor(cfg, logger)
	if err != nil {
		return err
	}

	switch cmd {
	case "start":
		return cmdStart(ctx, exec, rest)
	case "resume":
		return cmdResume(ctx, exec, rest)
	case "cancel":
		return cmdCancel(ctx, exec, rest)
	case "get":
		return cmdGet(ctx, exec, rest)
	case "list-workflows":
		return cmdListWorkflows(exec, rest)
	case "get-handoff":
		return cmdGetHandoff(ctx, exec, rest)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// engine bundles the constructed components an orchestratord command needs.
type engine struct {
	parser   *orchestration.Parser
	executor *orchestration.WorkflowExecutor
	registry *orchestration.HandoffRegistry
	cache    orchestration.HandoffCacheProvider
}

func buildExecutor(cfg *core.Config, logger core.Logger) (*engine, error) {
	clock := core.NewSystemClock()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if err := os.MkdirAll(cfg.HandoffsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create handoffs dir: %w", err)
	}
	if err := os.MkdirAll(cfg.DLQDir, 0o755); err != nil {
		return nil, fmt.Errorf("create dlq dir: %w", err)
	}

	events, err := orchestration.NewEventLog(filepath.Join(cfg.DataDir, "events.db"), clock, logger)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	state, err := orchestration.NewStateRepository(filepath.Join(cfg.DataDir, "state.db"), clock, logger)
	if err != nil {
		return nil, fmt.Errorf("open state repository: %w", err)
	}
	registry, err := orchestration.NewHandoffRegistry(filepath.Join(cfg.DataDir, "handoffs.db"), clock, logger)
	if err != nil {
		return nil, fmt.Errorf("open handoff registry: %w", err)
	}
	dlq, err := orchestration.NewDeadLetterQueue(cfg.DLQDir, clock, logger)
	if err != nil {
		return nil, fmt.Errorf("open dead letter queue: %w", err)
	}

	catalogPath := filepath.Join(cfg.AgentsDir, "catalog.yaml")
	var catalog orchestration.AgentCatalog
	if yamlCatalog, err := orchestration.LoadYAMLAgentCatalog(catalogPath); err == nil {
		catalog = yamlCatalog
	} else {
		logger.Warn("agent catalog not loaded, handoff validation will reject every agent id", map[string]interface{}{"path": catalogPath, "error": err.Error()})
		catalog = orchestration.NewEmptyAgentCatalog()
	}

	handoffs := orchestration.NewHandoffGenerator(cfg.HandoffsDir, catalog, registry, clock, logger)

	var cache orchestration.HandoffCacheProvider = orchestration.NoOpCacheProvider{}
	if cfg.Redis.Enabled {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		cache = orchestration.NewRedisCacheProvider(redis.NewClient(opts), "", logger)
	}

	retryHandler := resilience.NewRetryHandler(&resilience.RetryConfig{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BackoffBase: cfg.Retry.BackoffBase,
		BackoffMax:  cfg.Retry.BackoffMax.Seconds(),
		JitterMin:   cfg.Retry.JitterMin,
		JitterMax:   cfg.Retry.JitterMax,
	})
	breakers := resilience.NewRegistry(&resilience.CircuitBreakerConfig{
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		TimeoutSeconds:   cfg.CircuitBreaker.Timeout.Seconds(),
	}, clock, logger)

	endpoints := loadAgentEndpoints(cfg.AgentsDir, logger)
	invoker := orchestration.NewHTTPAgentInvoker(endpoints, retryHandler, breakers, logger)

	steps := orchestration.NewStepExecutor(invoker, events, clock, logger)
	parser := orchestration.NewParser(cfg.WorkflowsDir)
	executor := orchestration.NewWorkflowExecutor(parser, steps, events, state, handoffs, dlq, clock, logger)

	return &engine{parser: parser, executor: executor, registry: registry, cache: cache}, nil
}

// loadAgentEndpoints reads <agents_dir>/endpoints.json, a flat
// {"agent_id": "http://host:port"} map (spec.md §6.3). Missing or
// unreadable files just mean no agent steps can be dispatched.
func loadAgentEndpoints(agentsDir string, logger core.Logger) orchestration.AgentEndpoints {
	path := filepath.Join(agentsDir, "endpoints.json")
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("agent endpoints file not found, agent steps will fail at dispatch", map[string]interface{}{"path": path})
		return orchestration.AgentEndpoints{}
	}
	var endpoints orchestration.AgentEndpoints
	if err := json.Unmarshal(data, &endpoints); err != nil {
		logger.Warn("agent endpoints file invalid", map[string]interface{}{"path": path, "error": err.Error()})
		return orchestration.AgentEndpoints{}
	}
	return endpoints
}

func cmdStart(ctx context.Context, e *engine, args []string) error {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	workflowID := fs.String("workflow", "", "workflow id (file name under workflows dir, minus .md)")
	inputJSON := fs.String("input", "{}", "input_data as a JSON object")
	requestID := fs.String("request-id", "", "optional caller-supplied request id")
	version := fs.String("version", "", "optional workflow version pin")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *workflowID == "" {
		return fmt.Errorf("start: -workflow is required")
	}

	var input map[string]interface{}
	if err := json.Unmarshal([]byte(*inputJSON), &input); err != nil {
		return fmt.Errorf("start: invalid -input JSON: %w", err)
	}

	exec, def, err := e.executor.StartWorkflow(ctx, *workflowID, input, *requestID, *version)
	if err != nil {
		return err
	}
	result := e.executor.ExecuteWorkflow(ctx, exec, def)
	return printJSON(result)
}

func cmdResume(ctx context.Context, e *engine, args []string) error {
	fs := flag.NewFlagSet("resume", flag.ExitOnError)
	executionID := fs.String("execution-id", "", "execution id to resume")
	workflowID := fs.String("workflow", "", "workflow id the execution belongs to")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *executionID == "" || *workflowID == "" {
		return fmt.Errorf("resume: -execution-id and -workflow are required")
	}

	def, err := e.parser.ParseFile(*workflowID)
	if err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	result, err := e.executor.ResumeWorkflow(ctx, *executionID, def)
	if err != nil {
		return err
	}
	return printJSON(result)
}

func cmdCancel(ctx context.Context, e *engine, args []string) error {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	executionID := fs.String("execution-id", "", "execution id to cancel")
	reason := fs.String("reason", "cancelled by operator", "cancellation reason")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *executionID == "" {
		return fmt.Errorf("cancel: -execution-id is required")
	}
	cancelled, err := e.executor.CancelWorkflow(ctx, *executionID, *reason)
	if err != nil {
		return err
	}
	return printJSON(map[string]interface{}{"execution_id": *executionID, "cancelled": cancelled})
}

func cmdGet(ctx context.Context, e *engine, args []string) error {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	executionID := fs.String("execution-id", "", "execution id to look up")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *executionID == "" {
		return fmt.Errorf("get: -execution-id is required")
	}
	exec, err := e.executor.GetExecution(ctx, *executionID)
	if err != nil {
		return err
	}
	return printJSON(exec)
}

func cmdGetHandoff(ctx context.Context, e *engine, args []string) error {
	fs := flag.NewFlagSet("get-handoff", flag.ExitOnError)
	handoffID := fs.String("handoff-id", "", "handoff id to look up")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *handoffID == "" {
		return fmt.Errorf("get-handoff: -handoff-id is required")
	}
	rec, err := orchestration.GetHandoffCached(ctx, e.cache, e.registry, *handoffID)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("get-handoff: no such handoff %q", *handoffID)
	}
	return printJSON(rec)
}

func cmdListWorkflows(e *engine, args []string) error {
	ids, err := e.parser.ListWorkflows()
	if err != nil {
		return err
	}
	return printJSON(ids)
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
