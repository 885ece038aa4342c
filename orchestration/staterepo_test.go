package orchestration

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentmesh/orchestrator-core/core"
)

func testStateRepository(t *testing.T) *StateRepository {
	t.Helper()
	r, err := NewStateRepository(filepath.Join(t.TempDir(), "state.db"), core.NewFixedClock(time.Now()), core.NoOpLogger{})
	if err != nil {
		t.Fatalf("NewStateRepository: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestSaveStateCreatesVersionOne(t *testing.T) {
	r := testStateRepository(t)
	ctx := context.Background()

	saved, err := r.SaveState(ctx, State{StateID: "exec-1", StateType: "workflow_execution", Version: 0, Data: map[string]interface{}{"status": "pending"}})
	if err != nil {
		t.Fatalf("SaveState: %v", err)
	}
	if saved.Version != 1 {
		t.Fatalf("expected version 1 on first save, got %d", saved.Version)
	}
	if saved.Checksum == "" {
		t.Fatalf("expected a non-empty checksum")
	}
}

func TestSaveStateDetectsVersionConflict(t *testing.T) {
	r := testStateRepository(t)
	ctx := context.Background()

	saved, err := r.SaveState(ctx, State{StateID: "exec-1", StateType: "workflow_execution", Data: map[string]interface{}{"status": "pending"}})
	if err != nil {
		t.Fatalf("SaveState: %v", err)
	}

	_, err = r.SaveState(ctx, State{StateID: "exec-1", StateType: "workflow_execution", Version: saved.Version - 1, Data: map[string]interface{}{"status": "running"}})
	if !core.IsStateVersionConflict(err) {
		t.Fatalf("expected a StateVersionConflict, got %v", err)
	}

	updated, err := r.SaveState(ctx, State{StateID: "exec-1", StateType: "workflow_execution", Version: saved.Version, Data: map[string]interface{}{"status": "running"}})
	if err != nil {
		t.Fatalf("SaveState with correct version: %v", err)
	}
	if updated.Version != saved.Version+1 {
		t.Fatalf("expected version to increment to %d, got %d", saved.Version+1, updated.Version)
	}
}

func TestLoadStateRoundTrip(t *testing.T) {
	r := testStateRepository(t)
	ctx := context.Background()

	data := map[string]interface{}{"status": "completed", "count": float64(3)}
	saved, err := r.SaveState(ctx, State{StateID: "exec-2", StateType: "workflow_execution", Data: data})
	if err != nil {
		t.Fatalf("SaveState: %v", err)
	}

	loaded, err := r.LoadState(ctx, "exec-2")
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if loaded.Checksum != saved.Checksum {
		t.Fatalf("checksum mismatch: saved %q, loaded %q", saved.Checksum, loaded.Checksum)
	}
	if loaded.Data["status"] != "completed" {
		t.Fatalf("expected status completed, got %v", loaded.Data["status"])
	}
}

func TestLoadStateMissingReturnsNotFound(t *testing.T) {
	r := testStateRepository(t)
	_, err := r.LoadState(context.Background(), "does-not-exist")
	if err == nil {
		t.Fatalf("expected an error for a missing state id")
	}
}

func TestDeleteState(t *testing.T) {
	r := testStateRepository(t)
	ctx := context.Background()
	if _, err := r.SaveState(ctx, State{StateID: "exec-3", StateType: "workflow_execution", Data: map[string]interface{}{}}); err != nil {
		t.Fatalf("SaveState: %v", err)
	}

	deleted, err := r.DeleteState(ctx, "exec-3")
	if err != nil {
		t.Fatalf("DeleteState: %v", err)
	}
	if !deleted {
		t.Fatalf("expected DeleteState to report a deletion")
	}

	deletedAgain, err := r.DeleteState(ctx, "exec-3")
	if err != nil {
		t.Fatalf("DeleteState (second time): %v", err)
	}
	if deletedAgain {
		t.Fatalf("expected no-op delete to report false")
	}
}

func TestListStatesFiltersAndOrders(t *testing.T) {
	r := testStateRepository(t)
	ctx := context.Background()

	for i, id := range []string{"a", "b", "c"} {
		stateType := "workflow_execution"
		if i == 2 {
			stateType = "other"
		}
		if _, err := r.SaveState(ctx, State{StateID: id, StateType: stateType, Data: map[string]interface{}{}}); err != nil {
			t.Fatalf("SaveState(%s): %v", id, err)
		}
	}

	summaries, err := r.ListStates(ctx, "workflow_execution", 0)
	if err != nil {
		t.Fatalf("ListStates: %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("expected 2 states of type workflow_execution, got %d", len(summaries))
	}
}

func TestCanonicalJSONIsKeyOrderStable(t *testing.T) {
	a := map[string]interface{}{"b": 1, "a": 2, "c": map[string]interface{}{"y": 1, "x": 2}}
	out1, err := canonicalJSON(a)
	if err != nil {
		t.Fatalf("canonicalJSON: %v", err)
	}
	out2, err := canonicalJSON(a)
	if err != nil {
		t.Fatalf("canonicalJSON: %v", err)
	}
	if string(out1) != string(out2) {
		t.Fatalf("expected repeated marshals to be identical: %q vs %q", out1, out2)
	}
	want := `{"a":2,"b":1,"c":{"x":2,"y":1}}`
	if string(out1) != want {
		t.Fatalf("expected sorted-key JSON %q, got %q", want, out1)
	}
}
