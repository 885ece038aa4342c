// Package resilience implements error classification, retry-with-backoff,
// and circuit breaking for downstream agent/script invocations (spec.md
// §4.6, §4.7).
package resilience

import (
	"strings"

	"github.com/agentmesh/orchestrator-core/core"
)

// classifierRule is checked in order; the first keyword match wins
// (spec.md §4.6 table — case-insensitive substring match on the error
// message, most specific categories first).
type classifierRule struct {
	keywords       []string
	category       core.ErrorCategory
	severity       core.ErrorSeverity
	retryable      bool
	backoffSeconds float64
}

var classifierRules = []classifierRule{
	{keywords: []string{"timeout", "timed out"}, category: core.CategoryTimeout, severity: core.SeverityMedium, retryable: true, backoffSeconds: 5},
	{keywords: []string{"rate limit", "429"}, category: core.CategoryRateLimit, severity: core.SeverityMedium, retryable: true, backoffSeconds: 60},
	{keywords: []string{"network", "connection"}, category: core.CategoryNetwork, severity: core.SeverityMedium, retryable: true, backoffSeconds: 2},
	{keywords: []string{"validation", "invalid"}, category: core.CategoryUserError, severity: core.SeverityLow, retryable: false, backoffSeconds: 0},
	{keywords: []string{"not found", "404"}, category: core.CategoryPermanent, severity: core.SeverityLow, retryable: false, backoffSeconds: 0},
}

// ErrorClassifier maps a raw error message to a ClassifiedError by
// case-insensitive keyword match (spec.md §4.6). Unmatched messages
// classify as SYSTEM_ERROR, HIGH severity, retryable, 1s backoff.
type ErrorClassifier struct{}

// NewErrorClassifier constructs a classifier. It holds no state.
func NewErrorClassifier() *ErrorClassifier {
	return &ErrorClassifier{}
}

// Classify inspects message and returns the matching ClassifiedError.
func (c *ErrorClassifier) Classify(message string, context map[string]interface{}) core.ClassifiedError {
	lower := strings.ToLower(message)
	for _, rule := range classifierRules {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				return core.ClassifiedError{
					Category:          rule.category,
					Severity:          rule.severity,
					Message:           message,
					Retryable:         rule.retryable,
					RetryDelaySeconds: rule.backoffSeconds,
					Context:           context,
				}
			}
		}
	}
	return core.ClassifiedError{
		Category:          core.CategorySystemError,
		Severity:          core.SeverityHigh,
		Message:           message,
		Retryable:         true,
		RetryDelaySeconds: 1,
		Context:           context,
	}
}
