package orchestration

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/agentmesh/orchestrator-core/core"
)

// HandoffRegistry is the durable store of HandoffRecords (spec.md §4.5).
type HandoffRegistry struct {
	db     *sql.DB
	clock  core.Clock
	logger core.Logger
}

// NewHandoffRegistry opens (and migrates) the handoff registry database.
func NewHandoffRegistry(dbPath string, clock core.Clock, logger core.Logger) (*HandoffRegistry, error) {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open handoff registry db: %w", err)
	}
	db.SetMaxOpenConns(1)

	r := &HandoffRegistry{db: db, clock: clock, logger: logger}
	if err := r.init(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func (r *HandoffRegistry) init(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS handoffs (
	handoff_id TEXT PRIMARY KEY,
	execution_id TEXT,
	workflow_id TEXT,
	from_agent TEXT NOT NULL,
	to_agent TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	handoff_type TEXT NOT NULL,
	status TEXT NOT NULL,
	handoff_data TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_handoffs_execution_id ON handoffs(execution_id);
CREATE INDEX IF NOT EXISTS idx_handoffs_workflow_id ON handoffs(workflow_id);
CREATE INDEX IF NOT EXISTS idx_handoffs_status ON handoffs(status);
CREATE INDEX IF NOT EXISTS idx_handoffs_to_agent ON handoffs(to_agent);
CREATE INDEX IF NOT EXISTS idx_handoffs_timestamp ON handoffs(timestamp);
`
	_, err := r.db.ExecContext(ctx, ddl)
	return err
}

// Close releases the underlying database handle.
func (r *HandoffRegistry) Close() error {
	return r.db.Close()
}

// RegisterHandoff upserts rec (INSERT OR REPLACE semantics keyed by
// handoff_id — idempotent on re-registration, spec.md §8). The full record
// is embedded as handoff_data JSON alongside the queryable columns.
func (r *HandoffRegistry) RegisterHandoff(ctx context.Context, rec HandoffRecord, executionID, workflowID string) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("register_handoff: marshal: %w", err)
	}
	now := core.NowISO8601(r.clock)

	const q = `INSERT INTO handoffs (handoff_id, execution_id, workflow_id, from_agent, to_agent, timestamp, handoff_type, status, handoff_data, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(handoff_id) DO UPDATE SET
		execution_id=excluded.execution_id, workflow_id=excluded.workflow_id,
		from_agent=excluded.from_agent, to_agent=excluded.to_agent, timestamp=excluded.timestamp,
		handoff_type=excluded.handoff_type, status=excluded.status, handoff_data=excluded.handoff_data,
		updated_at=excluded.updated_at`
	_, err = r.db.ExecContext(ctx, q, rec.HandoffID, executionID, workflowID, rec.FromAgent, rec.ToAgent, rec.Timestamp,
		string(rec.HandoffType), string(rec.Status), string(payload), now, now)
	if err != nil {
		return fmt.Errorf("register_handoff: %w", err)
	}
	return nil
}

// HandoffQuery filters GetHandoffs results.
type HandoffQuery struct {
	HandoffID   string
	ExecutionID string
	WorkflowID  string
	Status      HandoffStatus
	ToAgent     string
	Limit       int
}

// GetHandoffs returns handoffs matching q, ordered by timestamp DESC.
func (r *HandoffRegistry) GetHandoffs(ctx context.Context, q HandoffQuery) ([]HandoffRecord, error) {
	query := `SELECT handoff_data FROM handoffs WHERE 1=1`
	var args []interface{}
	if q.HandoffID != "" {
		query += ` AND handoff_id = ?`
		args = append(args, q.HandoffID)
	}
	if q.ExecutionID != "" {
		query += ` AND execution_id = ?`
		args = append(args, q.ExecutionID)
	}
	if q.WorkflowID != "" {
		query += ` AND workflow_id = ?`
		args = append(args, q.WorkflowID)
	}
	if q.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(q.Status))
	}
	if q.ToAgent != "" {
		query += ` AND to_agent = ?`
		args = append(args, q.ToAgent)
	}
	query += ` ORDER BY timestamp DESC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get_handoffs: %w", err)
	}
	defer rows.Close()

	var out []HandoffRecord
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("get_handoffs: scan: %w", err)
		}
		var rec HandoffRecord
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			return nil, fmt.Errorf("get_handoffs: unmarshal: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UpdateHandoffStatus sets status on handoffID, updating both the status
// column and the embedded handoff_data JSON. Returns core.ErrExecutionNotFound
// if no such handoff exists; an unrecognized status is rejected.
func (r *HandoffRegistry) UpdateHandoffStatus(ctx context.Context, handoffID string, status HandoffStatus) error {
	switch status {
	case HandoffStatusPending, HandoffStatusInProgress, HandoffStatusComplete, HandoffStatusBlocked, HandoffStatusFailed:
	default:
		return fmt.Errorf("update_handoff_status: unrecognized status %q", status)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("update_handoff_status: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var payload string
	err = tx.QueryRowContext(ctx, `SELECT handoff_data FROM handoffs WHERE handoff_id = ?`, handoffID).Scan(&payload)
	if err == sql.ErrNoRows {
		return fmt.Errorf("update_handoff_status: %w: %s", core.ErrExecutionNotFound, handoffID)
	}
	if err != nil {
		return fmt.Errorf("update_handoff_status: %w", err)
	}

	var rec HandoffRecord
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return fmt.Errorf("update_handoff_status: unmarshal: %w", err)
	}
	rec.Status = status
	updated, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("update_handoff_status: marshal: %w", err)
	}

	now := core.NowISO8601(r.clock)
	if _, err := tx.ExecContext(ctx, `UPDATE handoffs SET status = ?, handoff_data = ?, updated_at = ? WHERE handoff_id = ?`,
		string(status), string(updated), now, handoffID); err != nil {
		return fmt.Errorf("update_handoff_status: %w", err)
	}
	return tx.Commit()
}

// HandoffStats summarizes counts by status for a single agent.
type HandoffStats struct {
	AgentID       string         `json:"agent_id"`
	TotalReceived int            `json:"total_received"`
	ByStatus      map[string]int `json:"by_status"`
}

// GetHandoffStats aggregates handoffs addressed to agentID by status.
func (r *HandoffRegistry) GetHandoffStats(ctx context.Context, agentID string) (HandoffStats, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM handoffs WHERE to_agent = ? GROUP BY status`, agentID)
	if err != nil {
		return HandoffStats{}, fmt.Errorf("get_handoff_stats: %w", err)
	}
	defer rows.Close()

	stats := HandoffStats{AgentID: agentID, ByStatus: map[string]int{}}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return HandoffStats{}, fmt.Errorf("get_handoff_stats: scan: %w", err)
		}
		stats.ByStatus[status] = count
		stats.TotalReceived += count
	}
	return stats, rows.Err()
}
