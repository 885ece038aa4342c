package orchestration

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentmesh/orchestrator-core/core"
)

func testHandoffRegistry(t *testing.T) *HandoffRegistry {
	t.Helper()
	r, err := NewHandoffRegistry(filepath.Join(t.TempDir(), "handoffs.db"), core.NewFixedClock(time.Now()), core.NoOpLogger{})
	if err != nil {
		t.Fatalf("NewHandoffRegistry: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func sampleHandoff(id string) HandoffRecord {
	return HandoffRecord{
		HandoffID:   id,
		FromAgent:   "agent-a",
		ToAgent:     "agent-b",
		Timestamp:   "2026-01-01T00:00:00Z",
		HandoffType: RecordHandoffStandard,
		Status:      HandoffStatusPending,
		WorkSummary: "did some work",
	}
}

func TestRegisterAndGetHandoffByID(t *testing.T) {
	r := testHandoffRegistry(t)
	ctx := context.Background()

	if err := r.RegisterHandoff(ctx, sampleHandoff("h1"), "exec-1", "wf-1"); err != nil {
		t.Fatalf("RegisterHandoff: %v", err)
	}

	got, err := r.GetHandoffs(ctx, HandoffQuery{HandoffID: "h1"})
	if err != nil {
		t.Fatalf("GetHandoffs: %v", err)
	}
	if len(got) != 1 || got[0].HandoffID != "h1" {
		t.Fatalf("expected single handoff h1, got %+v", got)
	}
}

func TestRegisterHandoffIsIdempotent(t *testing.T) {
	r := testHandoffRegistry(t)
	ctx := context.Background()

	rec := sampleHandoff("h1")
	if err := r.RegisterHandoff(ctx, rec, "exec-1", "wf-1"); err != nil {
		t.Fatalf("RegisterHandoff: %v", err)
	}
	rec.Status = HandoffStatusComplete
	if err := r.RegisterHandoff(ctx, rec, "exec-1", "wf-1"); err != nil {
		t.Fatalf("RegisterHandoff (re-register): %v", err)
	}

	got, err := r.GetHandoffs(ctx, HandoffQuery{HandoffID: "h1"})
	if err != nil {
		t.Fatalf("GetHandoffs: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected re-registration to upsert, not duplicate; got %d rows", len(got))
	}
	if got[0].Status != HandoffStatusComplete {
		t.Fatalf("expected updated status complete, got %s", got[0].Status)
	}
}

func TestGetHandoffsFiltersByToAgentAndExecutionID(t *testing.T) {
	r := testHandoffRegistry(t)
	ctx := context.Background()

	h1 := sampleHandoff("h1")
	h2 := sampleHandoff("h2")
	h2.ToAgent = "agent-c"
	if err := r.RegisterHandoff(ctx, h1, "exec-1", "wf-1"); err != nil {
		t.Fatalf("RegisterHandoff h1: %v", err)
	}
	if err := r.RegisterHandoff(ctx, h2, "exec-2", "wf-1"); err != nil {
		t.Fatalf("RegisterHandoff h2: %v", err)
	}

	byAgent, err := r.GetHandoffs(ctx, HandoffQuery{ToAgent: "agent-c"})
	if err != nil {
		t.Fatalf("GetHandoffs: %v", err)
	}
	if len(byAgent) != 1 || byAgent[0].HandoffID != "h2" {
		t.Fatalf("expected only h2 for agent-c, got %+v", byAgent)
	}

	byExec, err := r.GetHandoffs(ctx, HandoffQuery{ExecutionID: "exec-1"})
	if err != nil {
		t.Fatalf("GetHandoffs: %v", err)
	}
	if len(byExec) != 1 || byExec[0].HandoffID != "h1" {
		t.Fatalf("expected only h1 for exec-1, got %+v", byExec)
	}
}

func TestUpdateHandoffStatus(t *testing.T) {
	r := testHandoffRegistry(t)
	ctx := context.Background()
	if err := r.RegisterHandoff(ctx, sampleHandoff("h1"), "exec-1", "wf-1"); err != nil {
		t.Fatalf("RegisterHandoff: %v", err)
	}

	if err := r.UpdateHandoffStatus(ctx, "h1", HandoffStatusComplete); err != nil {
		t.Fatalf("UpdateHandoffStatus: %v", err)
	}

	got, err := r.GetHandoffs(ctx, HandoffQuery{HandoffID: "h1"})
	if err != nil {
		t.Fatalf("GetHandoffs: %v", err)
	}
	if got[0].Status != HandoffStatusComplete {
		t.Fatalf("expected status complete, got %s", got[0].Status)
	}
}

func TestUpdateHandoffStatusUnknownIDFails(t *testing.T) {
	r := testHandoffRegistry(t)
	if err := r.UpdateHandoffStatus(context.Background(), "nope", HandoffStatusComplete); err == nil {
		t.Fatalf("expected error for unknown handoff id")
	}
}

func TestUpdateHandoffStatusRejectsUnknownStatus(t *testing.T) {
	r := testHandoffRegistry(t)
	ctx := context.Background()
	if err := r.RegisterHandoff(ctx, sampleHandoff("h1"), "exec-1", "wf-1"); err != nil {
		t.Fatalf("RegisterHandoff: %v", err)
	}
	if err := r.UpdateHandoffStatus(ctx, "h1", HandoffStatus("bogus")); err == nil {
		t.Fatalf("expected rejection of an unrecognized status")
	}
}

func TestGetHandoffStatsAggregatesByStatus(t *testing.T) {
	r := testHandoffRegistry(t)
	ctx := context.Background()

	h1 := sampleHandoff("h1")
	h2 := sampleHandoff("h2")
	h2.Status = HandoffStatusComplete
	if err := r.RegisterHandoff(ctx, h1, "exec-1", "wf-1"); err != nil {
		t.Fatalf("RegisterHandoff h1: %v", err)
	}
	if err := r.RegisterHandoff(ctx, h2, "exec-2", "wf-1"); err != nil {
		t.Fatalf("RegisterHandoff h2: %v", err)
	}

	stats, err := r.GetHandoffStats(ctx, "agent-b")
	if err != nil {
		t.Fatalf("GetHandoffStats: %v", err)
	}
	if stats.TotalReceived != 2 {
		t.Fatalf("expected 2 total received, got %d", stats.TotalReceived)
	}
	if stats.ByStatus["pending"] != 1 || stats.ByStatus["complete"] != 1 {
		t.Fatalf("expected 1 pending and 1 complete, got %+v", stats.ByStatus)
	}
}
