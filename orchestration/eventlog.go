package orchestration

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/google/uuid"

	"github.com/agentmesh/orchestrator-core/core"
)

// EventLog is the append-only journal of workflow lifecycle events
// (spec.md §4.3). It is backed by a single-file SQLite database, following
// the pure-Go, no-CGO persistence idiom grounded on
// nevindra-oasis/store/sqlite/sqlite.go: SetMaxOpenConns(1) to serialize
// writers onto a single connection and avoid SQLITE_BUSY.
type EventLog struct {
	db     *sql.DB
	clock  core.Clock
	logger core.Logger
}

// NewEventLog opens (and migrates) the event log database at dbPath.
func NewEventLog(dbPath string, clock core.Clock, logger core.Logger) (*EventLog, error) {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open event log db: %w", err)
	}
	db.SetMaxOpenConns(1)

	l := &EventLog{db: db, clock: clock, logger: logger}
	if err := l.init(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *EventLog) init(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS events (
	event_id TEXT PRIMARY KEY,
	event_type TEXT NOT NULL,
	execution_id TEXT NOT NULL,
	workflow_id TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	step_id TEXT,
	phase_id TEXT,
	agent_id TEXT,
	status TEXT NOT NULL,
	data TEXT,
	error TEXT
);
CREATE INDEX IF NOT EXISTS idx_events_execution_id ON events(execution_id);
CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);
CREATE INDEX IF NOT EXISTS idx_events_event_type ON events(event_type);
CREATE INDEX IF NOT EXISTS idx_events_workflow_id ON events(workflow_id);
`
	_, err := l.db.ExecContext(ctx, ddl)
	return err
}

// Close releases the underlying database handle.
func (l *EventLog) Close() error {
	return l.db.Close()
}

// AppendEvent inserts ev, filling EventID/Timestamp if absent. Append is
// unconditional except for primary-key collisions, which are fatal
// (spec.md §4.3).
func (l *EventLog) AppendEvent(ctx context.Context, ev WorkflowEvent) error {
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.Timestamp == "" {
		ev.Timestamp = core.NowISO8601(l.clock)
	}

	var dataJSON, errJSON sql.NullString
	if ev.Data != nil {
		b, err := json.Marshal(ev.Data)
		if err != nil {
			return fmt.Errorf("marshal event data: %w", err)
		}
		dataJSON = sql.NullString{String: string(b), Valid: true}
	}
	if ev.Error != "" {
		errJSON = sql.NullString{String: ev.Error, Valid: true}
	}

	const q = `INSERT INTO events (event_id, event_type, execution_id, workflow_id, timestamp, step_id, phase_id, agent_id, status, data, error)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := l.db.ExecContext(ctx, q, ev.EventID, string(ev.EventType), ev.ExecutionID, ev.WorkflowID, ev.Timestamp,
		nullIfEmpty(ev.StepID), nullIfEmpty(ev.PhaseID), nullIfEmpty(ev.AgentID), string(ev.Status), dataJSON, errJSON)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// AppendEventSafe wraps AppendEvent so a journal hiccup never fails the
// caller's workflow (spec.md §4.3, "Safe emission"; §9 Design Notes).
func (l *EventLog) AppendEventSafe(ctx context.Context, ev WorkflowEvent) {
	if err := l.AppendEvent(ctx, ev); err != nil {
		l.logger.Warn("event append failed, continuing without it", map[string]interface{}{
			"event_type":   ev.EventType,
			"execution_id": ev.ExecutionID,
			"error":        err.Error(),
		})
	}
}

// EventFilter selects which events GetEvents returns.
type EventFilter struct {
	ExecutionID string
	WorkflowID  string
	EventType   EventType
	Limit       int
}

// GetEvents returns events matching filter, ordered by timestamp ASC.
func (l *EventLog) GetEvents(ctx context.Context, filter EventFilter) ([]WorkflowEvent, error) {
	query, args := buildEventQuery(filter, "timestamp ASC")
	return l.queryEvents(ctx, query, args)
}

// GetLatestEvents returns events matching filter, ordered by timestamp DESC.
func (l *EventLog) GetLatestEvents(ctx context.Context, filter EventFilter) ([]WorkflowEvent, error) {
	query, args := buildEventQuery(filter, "timestamp DESC")
	return l.queryEvents(ctx, query, args)
}

func buildEventQuery(filter EventFilter, order string) (string, []interface{}) {
	query := "SELECT event_id, event_type, execution_id, workflow_id, timestamp, step_id, phase_id, agent_id, status, data, error FROM events WHERE 1=1"
	var args []interface{}
	if filter.ExecutionID != "" {
		query += " AND execution_id = ?"
		args = append(args, filter.ExecutionID)
	}
	if filter.WorkflowID != "" {
		query += " AND workflow_id = ?"
		args = append(args, filter.WorkflowID)
	}
	if filter.EventType != "" {
		query += " AND event_type = ?"
		args = append(args, string(filter.EventType))
	}
	query += fmt.Sprintf(" ORDER BY %s", order)
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	return query, args
}

func (l *EventLog) queryEvents(ctx context.Context, query string, args []interface{}) ([]WorkflowEvent, error) {
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []WorkflowEvent
	for rows.Next() {
		var ev WorkflowEvent
		var stepID, phaseID, agentID, dataJSON, errText sql.NullString
		if err := rows.Scan(&ev.EventID, &ev.EventType, &ev.ExecutionID, &ev.WorkflowID, &ev.Timestamp,
			&stepID, &phaseID, &agentID, &ev.Status, &dataJSON, &errText); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.StepID = stepID.String
		ev.PhaseID = phaseID.String
		ev.AgentID = agentID.String
		ev.Error = errText.String
		if dataJSON.Valid && dataJSON.String != "" {
			var data map[string]interface{}
			if err := json.Unmarshal([]byte(dataJSON.String), &data); err == nil {
				ev.Data = data
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// ReplayExecution materializes a terminal-state projection of execution_id
// from its events: the start event plus the terminal event, if any
// (spec.md §4.3).
func (l *EventLog) ReplayExecution(ctx context.Context, executionID string) (*WorkflowExecution, error) {
	events, err := l.GetEvents(ctx, EventFilter{ExecutionID: executionID})
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("replay_execution: %w: %s", core.ErrExecutionNotFound, executionID)
	}

	exec := &WorkflowExecution{ExecutionID: executionID}
	for _, ev := range events {
		switch ev.EventType {
		case EventWorkflowStarted:
			exec.WorkflowID = ev.WorkflowID
			exec.StartedAt = ev.Timestamp
			exec.Status = WorkflowStatusPending
			if ev.Data != nil {
				if v, ok := ev.Data["workflow_version"].(string); ok {
					exec.WorkflowVersion = v
				}
			}
		case EventWorkflowCompleted:
			exec.Status = WorkflowStatusCompleted
			exec.CompletedAt = ev.Timestamp
		case EventWorkflowFailed:
			exec.Status = WorkflowStatusFailed
			exec.CompletedAt = ev.Timestamp
			exec.Error = ev.Error
		case EventWorkflowCancelled:
			exec.Status = WorkflowStatusCancelled
			exec.CompletedAt = ev.Timestamp
			exec.Error = ev.Error
		}
	}
	return exec, nil
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
