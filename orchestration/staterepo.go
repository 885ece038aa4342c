package orchestration

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	_ "modernc.org/sqlite"

	"github.com/agentmesh/orchestrator-core/core"
)

// StateRepository is the durable, versioned, checksummed snapshot store
// (spec.md §4.2). Optimistic locking by version protects concurrent
// writers to the same state_id (spec.md Invariant 6).
type StateRepository struct {
	db     *sql.DB
	clock  core.Clock
	logger core.Logger
}

// NewStateRepository opens (and migrates) the state database at dbPath.
func NewStateRepository(dbPath string, clock core.Clock, logger core.Logger) (*StateRepository, error) {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	db.SetMaxOpenConns(1)

	r := &StateRepository{db: db, clock: clock, logger: logger}
	if err := r.init(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func (r *StateRepository) init(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS state (
	state_id TEXT PRIMARY KEY,
	state_type TEXT NOT NULL,
	version INTEGER NOT NULL,
	state_data TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	checksum TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_state_type ON state(state_type);
CREATE INDEX IF NOT EXISTS idx_state_updated_at ON state(updated_at);
`
	_, err := r.db.ExecContext(ctx, ddl)
	return err
}

// Close releases the underlying database handle.
func (r *StateRepository) Close() error {
	return r.db.Close()
}

// canonicalJSON serializes v with sorted map keys so the checksum is
// stable across save/load regardless of Go map iteration order.
func canonicalJSON(v map[string]interface{}) ([]byte, error) {
	return marshalSorted(v)
}

func marshalSorted(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var buf []byte
		buf = append(buf, '{')
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			kb, _ := json.Marshal(k)
			buf = append(buf, kb...)
			buf = append(buf, ':')
			vb, err := marshalSorted(val[k])
			if err != nil {
				return nil, err
			}
			buf = append(buf, vb...)
		}
		buf = append(buf, '}')
		return buf, nil
	case []interface{}:
		var buf []byte
		buf = append(buf, '[')
		for i, item := range val {
			if i > 0 {
				buf = append(buf, ',')
			}
			ib, err := marshalSorted(item)
			if err != nil {
				return nil, err
			}
			buf = append(buf, ib...)
		}
		buf = append(buf, ']')
		return buf, nil
	default:
		return json.Marshal(val)
	}
}

func checksumOf(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// SaveState persists state with optimistic locking: the caller's Version
// must match the stored version, or a *core.StateVersionConflict is
// returned. On success, Version is incremented by 1, UpdatedAt is stamped
// from the Clock, and a SHA-256 checksum over the canonical JSON body is
// stored alongside the payload (spec.md §4.2).
func (r *StateRepository) SaveState(ctx context.Context, state State) (State, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return State{}, fmt.Errorf("save_state: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var currentVersion int
	err = tx.QueryRowContext(ctx, `SELECT version FROM state WHERE state_id = ?`, state.StateID).Scan(&currentVersion)
	switch {
	case err == sql.ErrNoRows:
		if state.Version != 0 {
			return State{}, &core.StateVersionConflict{StateID: state.StateID, ExpectedVersion: state.Version, ActualVersion: 0}
		}
	case err != nil:
		return State{}, fmt.Errorf("save_state: read current version: %w", err)
	default:
		if currentVersion != state.Version {
			return State{}, &core.StateVersionConflict{StateID: state.StateID, ExpectedVersion: state.Version, ActualVersion: currentVersion}
		}
	}

	now := core.NowISO8601(r.clock)
	state.Version++
	state.UpdatedAt = now
	if state.CreatedAt == "" {
		state.CreatedAt = now
	}

	payload, err := canonicalJSON(state.Data)
	if err != nil {
		return State{}, fmt.Errorf("save_state: marshal payload: %w", err)
	}
	state.Checksum = checksumOf(payload)

	const upsert = `INSERT INTO state (state_id, state_type, version, state_data, created_at, updated_at, checksum)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(state_id) DO UPDATE SET
		state_type=excluded.state_type, version=excluded.version, state_data=excluded.state_data,
		updated_at=excluded.updated_at, checksum=excluded.checksum`
	if _, err := tx.ExecContext(ctx, upsert, state.StateID, state.StateType, state.Version, string(payload), state.CreatedAt, state.UpdatedAt, state.Checksum); err != nil {
		return State{}, fmt.Errorf("save_state: write: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return State{}, fmt.Errorf("save_state: commit: %w", err)
	}
	return state, nil
}

// LoadState returns the deserialized state. If the stored checksum does
// not match a recomputed one, a warning is logged (spec.md §4.2; Invariant 5
// "no silent corruption").
func (r *StateRepository) LoadState(ctx context.Context, stateID string) (State, error) {
	const q = `SELECT state_id, state_type, version, state_data, created_at, updated_at, checksum FROM state WHERE state_id = ?`
	row := r.db.QueryRowContext(ctx, q, stateID)

	var s State
	var payload string
	if err := row.Scan(&s.StateID, &s.StateType, &s.Version, &payload, &s.CreatedAt, &s.UpdatedAt, &s.Checksum); err != nil {
		if err == sql.ErrNoRows {
			return State{}, fmt.Errorf("load_state: %w: %s", core.ErrExecutionNotFound, stateID)
		}
		return State{}, fmt.Errorf("load_state: %w", err)
	}

	var data map[string]interface{}
	if err := json.Unmarshal([]byte(payload), &data); err != nil {
		return State{}, fmt.Errorf("load_state: unmarshal: %w", err)
	}
	s.Data = data

	recomputed := checksumOf([]byte(payload))
	if recomputed != s.Checksum {
		r.logger.Warn("state checksum mismatch", map[string]interface{}{
			"state_id": stateID,
			"expected": s.Checksum,
			"actual":   recomputed,
		})
	}
	return s, nil
}

// LoadStateSummary returns only the lightweight projection of a state row.
func (r *StateRepository) LoadStateSummary(ctx context.Context, stateID string) (StateSummary, error) {
	const q = `SELECT state_id, version, updated_at, state_type FROM state WHERE state_id = ?`
	var sum StateSummary
	err := r.db.QueryRowContext(ctx, q, stateID).Scan(&sum.StateID, &sum.Version, &sum.UpdatedAt, &sum.StateType)
	if err == sql.ErrNoRows {
		return StateSummary{}, fmt.Errorf("load_state_summary: %w: %s", core.ErrExecutionNotFound, stateID)
	}
	if err != nil {
		return StateSummary{}, fmt.Errorf("load_state_summary: %w", err)
	}
	return sum, nil
}

// DeleteState hard-deletes stateID, returning whether a row was removed.
func (r *StateRepository) DeleteState(ctx context.Context, stateID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM state WHERE state_id = ?`, stateID)
	if err != nil {
		return false, fmt.Errorf("delete_state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete_state: %w", err)
	}
	return n > 0, nil
}

// ListStates returns summaries ordered by updated_at DESC, optionally
// filtered by stateType and limited.
func (r *StateRepository) ListStates(ctx context.Context, stateType string, limit int) ([]StateSummary, error) {
	query := `SELECT state_id, version, updated_at, state_type FROM state WHERE 1=1`
	var args []interface{}
	if stateType != "" {
		query += ` AND state_type = ?`
		args = append(args, stateType)
	}
	query += ` ORDER BY updated_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list_states: %w", err)
	}
	defer rows.Close()

	var out []StateSummary
	for rows.Next() {
		var s StateSummary
		if err := rows.Scan(&s.StateID, &s.Version, &s.UpdatedAt, &s.StateType); err != nil {
			return nil, fmt.Errorf("list_states: scan: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
