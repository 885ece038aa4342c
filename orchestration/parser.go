package orchestration

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Parser converts a declarative markdown workflow file into a
// WorkflowDefinition (spec.md §4.1). It is a single-pass line scanner
// maintaining a small state machine (preamble -> overview -> phases ->
// trailing sections), not a grammar-driven parser (spec.md §9).
type Parser struct {
	WorkflowsDir string
}

// NewParser builds a parser rooted at workflowsDir.
func NewParser(workflowsDir string) *Parser {
	return &Parser{WorkflowsDir: workflowsDir}
}

var (
	metaVersionRe     = regexp.MustCompile(`(?m)^\*\*Version\*\*:\s*(.+)$`)
	metaUpdatedRe     = regexp.MustCompile(`(?m)^\*\*Last Updated\*\*:\s*(.+)$`)
	metaStatusRe      = regexp.MustCompile(`(?m)^\*\*Status\*\*:\s*(.+)$`)
	metaPriorityRe    = regexp.MustCompile(`(?m)^\*\*Priority\*\*:\s*(.+)$`)
	h1Re              = regexp.MustCompile(`(?m)^#\s+(.+)$`)
	phaseHeadingRe    = regexp.MustCompile(`^### Phase (\d+):\s*(.+?)\s*\(([^)]+)\)\s*$`)
	subsectionPhaseRe = regexp.MustCompile(`^####\s*Phase`)
	stepLineRe        = regexp.MustCompile(`^(\d+)\.\s+\*\*(.+?)\*\*\s*→\s*(.+)$`)
	handoffToRe       = regexp.MustCompile(`(?i)hands?\s+off\s+to\s+([^\n,\.]+)`)
	handoffCleanRe    = regexp.MustCompile(`(?i)\*\*|\([^)]*\)|→`)
	conditionWordRe   = regexp.MustCompile(`(?i)\b(if|when)\b\s+([^\n,\.]+)`)
	conditionBraceRe  = regexp.MustCompile(`\{([^}]+)\}`)
	nonSlugRe         = regexp.MustCompile(`[^a-z0-9-]`)
	multiHyphenRe     = regexp.MustCompile(`-+`)
	durationNumRe     = regexp.MustCompile(`(\d+)`)
	mandatoryLineRe   = regexp.MustCompile(`(?m)^✅\s+(.+)$`)
	conditionalLineRe = regexp.MustCompile(`(?m)^⚠️\s+(.+)$`)
	criteriaLineRe    = regexp.MustCompile(`(?m)^-\s+\*\*(.+?)\*\*:\s*(.+)$`)
	successLineRe     = regexp.MustCompile(`(?m)^-\s+✅\s+(.+)$`)
	metricLineRe      = regexp.MustCompile(`(?m)^-\s+\*\*(.+?)\*\*:\s*(.+)$`)
	errorScenarioRe   = regexp.MustCompile(`(?m)^### If (.+)$`)
	mermaidRe         = regexp.MustCompile(`(?s)` + "```mermaid" + `\s*\n(.*?)\n` + "```")
)

var agentAliases = map[string]string{
	"planner agent":                  "planner",
	"planner":                        "planner",
	"requirements analyst agent":     "requirements-analyst",
	"requirements analyst":           "requirements-analyst",
	"system architect agent":         "system-architect",
	"system architect":               "system-architect",
	"backend agent":                  "backend",
	"backend":                        "backend",
	"frontend agent":                 "frontend",
	"frontend":                       "frontend",
	"senior frontend developer":      "senior-frontend-developer",
	"fullstack agent":                "fullstack",
	"fullstack":                      "fullstack",
	"api contract agent":             "api-contract",
	"api contract":                   "api-contract",
	"test manager":                   "test-manager",
	"code review agent":              "code-review",
	"code review":                    "code-review",
	"security review agent":          "security-review",
	"security review":                "security-review",
	"documentation agent":            "documentation",
	"documentation":                  "documentation",
	"garbage collection agent":       "garbage-collection",
	"garbage collection":             "garbage-collection",
	"version controller":             "version-controller",
	"prompt engineer agent":          "prompt-engineer",
	"prompt engineer":                "prompt-engineer",
	"knowledge specialist agent":     "knowledge-specialist",
	"knowledge specialist":           "knowledge-specialist",
	"researcher agent":               "researcher",
	"researcher":                     "researcher",
	"agent quality agent":            "agent-quality",
	"agent quality":                  "agent-quality",
	"bug collector":                  "bug-collector",
	"bug collector script":           "bug-collector",
	"single agent fixer":             "bug-fixer-agent",
	"multi-agent fixer":              "bug-fixer-multi-agent",
	"debug agent":                    "debug-agent",
	"fix agent":                      "fix-agent",
}

var sortedAgentKeys = func() []string {
	keys := make([]string, 0, len(agentAliases))
	for k := range agentAliases {
		keys = append(keys, k)
	}
	// longest key first, so "backend agent" matches before "backend"
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && len(keys[j]) > len(keys[j-1]); j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}()

// ParseFile parses the workflow file workflowID.md in the workflows
// directory, falling back to the same stem with `_` replaced by `-`
// (spec.md §4.8 step 1).
func (p *Parser) ParseFile(workflowID string) (*WorkflowDefinition, error) {
	candidates := []string{
		filepath.Join(p.WorkflowsDir, workflowID+".md"),
		filepath.Join(p.WorkflowsDir, strings.ReplaceAll(workflowID, "_", "-")+".md"),
	}
	var lastErr error
	for _, path := range candidates {
		def, err := p.Parse(path)
		if err == nil {
			return def, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// Parse parses a single workflow markdown file. The only fatal error is
// file-not-found (spec.md §4.1, Failure semantics).
func (p *Parser) Parse(path string) (*WorkflowDefinition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("workflow file not found: %s: %w", path, err)
	}
	content := string(raw)

	metadata := p.parseMetadata(content, path)
	name, description := p.parseOverview(content)
	phases := p.parsePhases(content)
	rules := p.parseRules(content)
	errorHandling := p.parseErrorHandling(content)
	successCriteria := p.parseSuccessCriteria(content)
	metrics := p.parseMetrics(content)
	mermaid := p.extractMermaid(content)

	return &WorkflowDefinition{
		WorkflowID:      metadata.WorkflowID,
		Name:            name,
		Description:     description,
		Metadata:        metadata,
		Phases:          phases,
		Rules:           rules,
		ErrorHandling:   errorHandling,
		SuccessCriteria: successCriteria,
		Metrics:         metrics,
		MermaidDiagram:  mermaid,
		FilePath:        path,
		RawContent:      content,
	}, nil
}

func (p *Parser) parseMetadata(content, path string) WorkflowMetadata {
	m := WorkflowMetadata{
		Version:  "1.0",
		Status:   "Active",
		Priority: "Standard",
	}
	if match := metaVersionRe.FindStringSubmatch(content); match != nil {
		m.Version = strings.TrimSpace(match[1])
	}
	if match := metaUpdatedRe.FindStringSubmatch(content); match != nil {
		m.LastUpdated = strings.TrimSpace(match[1])
	}
	if match := metaStatusRe.FindStringSubmatch(content); match != nil {
		m.Status = strings.TrimSpace(match[1])
	}
	if match := metaPriorityRe.FindStringSubmatch(content); match != nil {
		m.Priority = strings.TrimSpace(match[1])
	}
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	m.WorkflowID = strings.ReplaceAll(stem, "-", "_")
	return m
}

func (p *Parser) parseOverview(content string) (string, string) {
	name := "Unknown Workflow"
	if match := h1Re.FindStringSubmatch(content); match != nil {
		name = strings.TrimSpace(match[1])
	}
	description := extractSection(content, "## Overview")
	if next := strings.Index(description, "\n#"); next != -1 {
		// the description ends at the first heading, e.g. "### Phase 1"
		description = strings.TrimSpace(description[:next])
	}
	return name, description
}

// parsePhases runs the single-pass line scanner: preamble -> phase(N) ->
// steps, tracking the current phase body until the next "### Phase" or
// "##" heading (spec.md §4.1 item 3, §9 Design Notes).
func (p *Parser) parsePhases(content string) []Phase {
	lines := strings.Split(content, "\n")

	type rawPhase struct {
		writtenNum int
		name       string
		duration   string
		bodyLines  []string
	}
	var raws []rawPhase
	var current *rawPhase

	flush := func() {
		if current != nil {
			raws = append(raws, *current)
			current = nil
		}
	}

	for _, line := range lines {
		if subsectionPhaseRe.MatchString(line) {
			// H4 "Phase ..." mentions are never treated as phases; they
			// belong to whichever H3 phase body is currently open.
			if current != nil {
				current.bodyLines = append(current.bodyLines, line)
			}
			continue
		}
		if match := phaseHeadingRe.FindStringSubmatch(line); match != nil {
			flush()
			num, _ := strconv.Atoi(match[1])
			current = &rawPhase{writtenNum: num, name: strings.TrimSpace(match[2]), duration: strings.TrimSpace(match[3])}
			continue
		}
		if strings.HasPrefix(line, "## ") && current != nil {
			flush()
			continue
		}
		if current != nil {
			current.bodyLines = append(current.bodyLines, line)
		}
	}
	flush()

	phases := make([]Phase, 0, len(raws))
	seqNum := 1
	for _, rp := range raws {
		body := strings.Join(rp.bodyLines, "\n")
		if strings.Contains(body, "#### Phase") {
			// a phase whose body carries a nested "#### Phase" heading is
			// dropped whole, its own steps included
			continue
		}
		steps := p.parseSteps(body, seqNum)
		if len(steps) == 0 && strings.Contains(body, "####") {
			// documentation subsection, not a real phase
			continue
		}
		duration := parseDurationMinutes(rp.duration)
		phases = append(phases, Phase{
			PhaseID:                  fmt.Sprintf("phase_%d", seqNum),
			PhaseNumber:              seqNum,
			Name:                     rp.name,
			Description:              fmt.Sprintf("Phase %d: %s", seqNum, rp.name),
			EstimatedDurationMinutes: duration,
			Steps:                    steps,
		})
		seqNum++
	}
	return phases
}

func (p *Parser) parseSteps(body string, phaseNumber int) []Step {
	lines := strings.Split(body, "\n")
	var steps []Step
	stepNum := 1

	for i, line := range lines {
		match := stepLineRe.FindStringSubmatch(line)
		if match == nil {
			continue
		}
		name := strings.TrimSpace(match[2])
		agentOrAction := strings.TrimSpace(match[3])
		description := extractStepDescription(lines[i+1:])

		stepType, agentID := classifyAgentReference(agentOrAction)
		handoffTo, handoffType, handoffCriteria := parseHandoff(description)
		mandatory := strings.Contains(strings.ToLower(description), "always") ||
			strings.Contains(strings.ToLower(description), "required")
		conditions := parseConditions(description)

		steps = append(steps, Step{
			StepID:          fmt.Sprintf("phase_%d_step_%d", phaseNumber, stepNum),
			StepNumber:      stepNum,
			Name:            name,
			Description:     description,
			StepType:        stepType,
			AgentID:         agentID,
			HandoffTo:       handoffTo,
			HandoffType:     handoffType,
			HandoffCriteria: handoffCriteria,
			IsMandatory:     mandatory,
			Conditions:      conditions,
		})
		stepNum++
	}
	return steps
}

func extractStepDescription(rest []string) string {
	var desc []string
	for _, line := range rest {
		if stepLineRe.MatchString(line) {
			break
		}
		if strings.HasPrefix(line, "### Phase") {
			break
		}
		desc = append(desc, line)
	}
	return strings.TrimSpace(strings.Join(desc, "\n"))
}

func classifyAgentReference(agentText string) (StepType, string) {
	lower := strings.ToLower(agentText)

	if strings.Contains(lower, "script") {
		script := strings.TrimSpace(strings.ReplaceAll(strings.ReplaceAll(lower, " script", ""), "script", ""))
		return StepTypeScript, script
	}
	if strings.Contains(lower, "manual") || strings.Contains(lower, "user") {
		return StepTypeManual, ""
	}
	for _, key := range sortedAgentKeys {
		if strings.Contains(lower, key) {
			return StepTypeAgent, agentAliases[key]
		}
	}
	agentID := strings.ReplaceAll(strings.ReplaceAll(lower, " agent", ""), " ", "-")
	return StepTypeAgent, agentID
}

func parseHandoff(description string) (string, HandoffType, string) {
	handoffTo := ""
	handoffType := HandoffAlways
	handoffCriteria := ""

	if match := handoffToRe.FindStringSubmatch(description); match != nil {
		cleaned := handoffCleanRe.ReplaceAllString(match[1], "")
		slug := strings.ToLower(strings.TrimSpace(cleaned))
		slug = strings.ReplaceAll(slug, " ", "-")
		slug = strings.ReplaceAll(slug, "_", "-")
		slug = nonSlugRe.ReplaceAllString(slug, "")
		slug = multiHyphenRe.ReplaceAllString(slug, "-")
		handoffTo = strings.Trim(slug, "-")
	}

	lower := strings.ToLower(description)
	if strings.Contains(lower, "if") || strings.Contains(lower, "when") {
		handoffType = HandoffConditional
		if match := conditionWordRe.FindStringSubmatch(description); match != nil {
			handoffCriteria = strings.TrimSpace(match[2])
		}
	}
	if strings.Contains(lower, "always") {
		handoffType = HandoffAlways
	}
	return handoffTo, handoffType, handoffCriteria
}

func parseConditions(description string) []WorkflowCondition {
	matches := conditionBraceRe.FindAllStringSubmatch(description, -1)
	conditions := make([]WorkflowCondition, 0, len(matches))
	for i, m := range matches {
		text := strings.TrimSpace(m[1])
		conditions = append(conditions, WorkflowCondition{
			ConditionID:         fmt.Sprintf("condition_%d", i),
			Description:         text,
			ConditionExpression: text,
		})
	}
	return conditions
}

func parseDurationMinutes(durationStr string) *int {
	lower := strings.ToLower(durationStr)
	numbers := durationNumRe.FindAllString(lower, -1)
	if len(numbers) == 0 {
		return nil
	}
	n, err := strconv.Atoi(numbers[0])
	if err != nil {
		return nil
	}
	switch {
	case strings.Contains(lower, "hour"):
		n *= 60
		return &n
	case strings.Contains(lower, "minute"):
		return &n
	default:
		return nil
	}
}

func (p *Parser) parseRules(content string) []WorkflowRule {
	section := extractSection(content, "## Workflow Rules")
	if section == "" {
		return nil
	}
	var rules []WorkflowRule

	if mandatory := extractSubsection(section, "### Mandatory Steps"); mandatory != "" {
		ids := findAllTrimmed(mandatoryLineRe, mandatory)
		rules = append(rules, WorkflowRule{
			RuleType:    "mandatory",
			Description: "Mandatory steps that cannot be skipped",
			StepIDs:     ids,
		})
	}
	if conditional := extractSubsection(section, "### Conditional Steps"); conditional != "" {
		ids := findAllTrimmed(conditionalLineRe, conditional)
		rules = append(rules, WorkflowRule{
			RuleType:    "conditional",
			Description: "Conditional steps that may be skipped",
			StepIDs:     ids,
		})
	}
	if handoffCriteria := extractSubsection(section, "### Handoff Criteria"); handoffCriteria != "" {
		matches := criteriaLineRe.FindAllStringSubmatch(handoffCriteria, -1)
		var conditions []string
		for _, m := range matches {
			conditions = append(conditions, fmt.Sprintf("%s: %s", strings.TrimSpace(m[1]), strings.TrimSpace(m[2])))
		}
		rules = append(rules, WorkflowRule{
			RuleType:    "handoff_criteria",
			Description: "Criteria for agent handoffs",
			Conditions:  conditions,
		})
	}
	return rules
}

func (p *Parser) parseErrorHandling(content string) map[string]string {
	section := extractSection(content, "## Error Handling")
	if section == "" {
		return nil
	}
	matches := errorScenarioRe.FindAllStringSubmatchIndex(section, -1)
	if len(matches) == 0 {
		return nil
	}
	out := make(map[string]string, len(matches))
	for i, idx := range matches {
		name := section[idx[2]:idx[3]]
		start := idx[1]
		end := len(section)
		if i+1 < len(matches) {
			end = matches[i+1][0]
		}
		out[strings.TrimSpace(name)] = strings.TrimSpace(section[start:end])
	}
	return out
}

func (p *Parser) parseSuccessCriteria(content string) []string {
	section := extractSection(content, "## Success Criteria")
	if section == "" {
		return nil
	}
	return findAllTrimmed(successLineRe, section)
}

func (p *Parser) parseMetrics(content string) map[string]string {
	section := extractSection(content, "## Metrics")
	if section == "" {
		return nil
	}
	matches := metricLineRe.FindAllStringSubmatch(section, -1)
	out := make(map[string]string, len(matches))
	for _, m := range matches {
		out[strings.TrimSpace(m[1])] = strings.TrimSpace(m[2])
	}
	return out
}

func (p *Parser) extractMermaid(content string) string {
	if match := mermaidRe.FindStringSubmatch(content); match != nil {
		return strings.TrimSpace(match[1])
	}
	return ""
}

// extractSection returns the body of a "## Heading" section, up to the
// next "## " (H2) heading or end of file; its "###" subsections stay in it.
func extractSection(content, heading string) string {
	idx := strings.Index(content, heading)
	if idx == -1 {
		return ""
	}
	rest := content[idx+len(heading):]
	rest = strings.TrimLeft(rest, "\n")
	if next := strings.Index(rest, "\n## "); next != -1 {
		rest = rest[:next]
	}
	return strings.TrimSpace(rest)
}

// extractSubsection returns the body of a "### Heading" subsection within
// an already-extracted section body.
func extractSubsection(content, heading string) string {
	idx := strings.Index(content, heading)
	if idx == -1 {
		return ""
	}
	rest := content[idx+len(heading):]
	rest = strings.TrimLeft(rest, "\n")
	if next := strings.Index(rest, "\n###"); next != -1 {
		rest = rest[:next]
	}
	return rest
}

func findAllTrimmed(re *regexp.Regexp, s string) []string {
	matches := re.FindAllStringSubmatch(s, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, strings.TrimSpace(m[1]))
	}
	return out
}

// ListWorkflows returns every *.md file in the workflows directory.
func (p *Parser) ListWorkflows() ([]string, error) {
	entries, err := os.ReadDir(p.WorkflowsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".md") {
			files = append(files, filepath.Join(p.WorkflowsDir, e.Name()))
		}
	}
	return files, nil
}
