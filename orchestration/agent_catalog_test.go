package orchestration

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadYAMLAgentCatalog(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agents.yaml")
	content := "agents:\n  - planner\n  - backend\n  - frontend\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	cat, err := LoadYAMLAgentCatalog(path)
	if err != nil {
		t.Fatalf("LoadYAMLAgentCatalog: %v", err)
	}
	if !cat.Exists("planner") {
		t.Fatalf("expected planner to be known")
	}
	if cat.Exists("unknown-agent") {
		t.Fatalf("expected unknown-agent to be unknown")
	}
}

func TestLoadYAMLAgentCatalogMissingFile(t *testing.T) {
	_, err := LoadYAMLAgentCatalog(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err == nil {
		t.Fatalf("expected an error for a missing catalog file")
	}
}

func TestNewEmptyAgentCatalogRegister(t *testing.T) {
	cat := NewEmptyAgentCatalog()
	if cat.Exists("agent-a") {
		t.Fatalf("expected a fresh empty catalog to know nothing")
	}
	cat.Register("agent-a")
	if !cat.Exists("agent-a") {
		t.Fatalf("expected agent-a to be known after Register")
	}
}
