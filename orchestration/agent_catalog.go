package orchestration

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// agentCatalogFile is the on-disk shape of the agents YAML file.
type agentCatalogFile struct {
	Agents []string `yaml:"agents"`
}

// YAMLAgentCatalog implements AgentCatalog from a flat YAML list of known
// agent ids, used by handoff validation (spec.md §4.5, §6.3).
type YAMLAgentCatalog struct {
	mu    sync.RWMutex
	known map[string]struct{}
}

// NewEmptyAgentCatalog returns a catalog with no known agents yet,
// usable as a safe fallback when no catalog file is configured.
func NewEmptyAgentCatalog() *YAMLAgentCatalog {
	return &YAMLAgentCatalog{known: make(map[string]struct{})}
}

// LoadYAMLAgentCatalog reads path (a YAML document with top-level key
// `agents: [...]`) into a catalog.
func LoadYAMLAgentCatalog(path string) (*YAMLAgentCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load agent catalog: %w", err)
	}
	var doc agentCatalogFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("load agent catalog: parse %s: %w", path, err)
	}

	c := &YAMLAgentCatalog{known: make(map[string]struct{}, len(doc.Agents))}
	for _, id := range doc.Agents {
		c.known[id] = struct{}{}
	}
	return c, nil
}

// Exists reports whether agentID is a known agent.
func (c *YAMLAgentCatalog) Exists(agentID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.known[agentID]
	return ok
}

// Register adds agentID to the catalog in-memory (does not persist).
func (c *YAMLAgentCatalog) Register(agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.known[agentID] = struct{}{}
}
