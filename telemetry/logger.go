// Package telemetry provides the engine's structured logger and its
// OpenTelemetry tracing helpers.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// StructuredLogger is a small hand-rolled structured logger: JSON under
// Kubernetes / when explicitly configured, human-readable text otherwise.
// It implements core.Logger without importing core, so core can depend on
// the interface while this package provides one concrete implementation.
//
// Logging layers:
//   - Layer 1: console output (always works, immediate visibility)
//   - Layer 2: rate-limited error logging (prevents flooding during an
//     incident where a downstream dependency is failing repeatedly)
type StructuredLogger struct {
	level       string
	debug       bool
	serviceName string
	format      string
	output      io.Writer
	mu          sync.RWMutex

	errorLimiter *rateLimiter
}

var (
	defaultLogger     *StructuredLogger
	defaultLoggerOnce sync.Once
)

// NewLogger builds a logger for serviceName. Configuration priority:
//  1. explicit parameters (serviceName)
//  2. environment variables (GOMIND_LOG_LEVEL, GOMIND_DEBUG, GOMIND_LOG_FORMAT)
//  3. auto-detection (Kubernetes -> JSON)
//  4. defaults
func NewLogger(serviceName string) *StructuredLogger {
	level := os.Getenv("GOMIND_LOG_LEVEL")
	if level == "" {
		level = "INFO"
	}

	debug := os.Getenv("GOMIND_DEBUG") == "true" || strings.ToUpper(level) == "DEBUG"

	format := "text"
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		format = "json"
	}
	if envFormat := os.Getenv("GOMIND_LOG_FORMAT"); envFormat != "" {
		format = envFormat
	}

	return &StructuredLogger{
		level:        strings.ToUpper(level),
		debug:        debug,
		serviceName:  serviceName,
		format:       format,
		output:       os.Stdout,
		errorLimiter: newRateLimiter(1 * time.Second),
	}
}

// DefaultLogger returns a process-wide singleton logger. The Clock and
// this logger are the only process-global state the engine permits
// (spec.md §9, Design Notes).
func DefaultLogger() *StructuredLogger {
	defaultLoggerOnce.Do(func() {
		defaultLogger = NewLogger("orchestrator-core")
	})
	return defaultLogger
}

func (l *StructuredLogger) Info(msg string, fields map[string]interface{}) {
	l.log("INFO", msg, fields)
}

func (l *StructuredLogger) Warn(msg string, fields map[string]interface{}) {
	l.log("WARN", msg, fields)
}

func (l *StructuredLogger) Error(msg string, fields map[string]interface{}) {
	if l.errorLimiter != nil && !l.errorLimiter.allow() {
		return
	}
	l.log("ERROR", msg, fields)
}

func (l *StructuredLogger) Debug(msg string, fields map[string]interface{}) {
	if !l.debug {
		return
	}
	l.log("DEBUG", msg, fields)
}

func (l *StructuredLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Info(msg, withTraceFields(ctx, fields))
}

func (l *StructuredLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Warn(msg, withTraceFields(ctx, fields))
}

func (l *StructuredLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Error(msg, withTraceFields(ctx, fields))
}

func (l *StructuredLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Debug(msg, withTraceFields(ctx, fields))
}

func withTraceFields(ctx context.Context, fields map[string]interface{}) map[string]interface{} {
	if ctx == nil {
		return fields
	}
	spanCtx := SpanContextFromContext(ctx)
	if spanCtx == "" {
		return fields
	}
	out := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out["trace_id"] = spanCtx
	return out
}

func (l *StructuredLogger) log(level, msg string, fields map[string]interface{}) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if !l.shouldLog(level) {
		return
	}

	timestamp := time.Now().UTC().Format(time.RFC3339)

	if l.format == "json" {
		l.logJSON(timestamp, level, msg, fields)
	} else {
		l.logText(timestamp, level, msg, fields)
	}
}

func (l *StructuredLogger) logJSON(timestamp, level, msg string, fields map[string]interface{}) {
	entry := map[string]interface{}{
		"timestamp": timestamp,
		"level":     level,
		"service":   l.serviceName,
		"message":   msg,
	}
	for k, v := range fields {
		if k == "timestamp" || k == "level" || k == "service" || k == "message" {
			continue
		}
		entry[k] = v
	}
	if data, err := json.Marshal(entry); err == nil {
		fmt.Fprintln(l.output, string(data))
	}
}

func (l *StructuredLogger) logText(timestamp, level, msg string, fields map[string]interface{}) {
	var b strings.Builder
	if len(fields) > 0 {
		b.WriteString(" ")
		for k, v := range fields {
			fmt.Fprintf(&b, "%s=%v ", k, v)
		}
	}
	fmt.Fprintf(l.output, "%s [%s] [%s] %s%s\n", timestamp, level, l.serviceName, msg, b.String())
}

func (l *StructuredLogger) shouldLog(level string) bool {
	levels := map[string]int{"DEBUG": 0, "INFO": 1, "WARN": 2, "ERROR": 3}
	cur, ok1 := levels[l.level]
	msgLevel, ok2 := levels[level]
	if !ok1 || !ok2 {
		return true
	}
	return msgLevel >= cur
}

// SetOutput redirects log output; used by tests to capture lines.
func (l *StructuredLogger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output = w
}

// SetLevel updates the minimum logged level at runtime.
func (l *StructuredLogger) SetLevel(level string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = strings.ToUpper(level)
	l.debug = l.level == "DEBUG"
}

// rateLimiter allows at most one event per interval; used to keep error
// logging from flooding output during a sustained downstream outage.
type rateLimiter struct {
	interval time.Duration
	mu       sync.Mutex
	last     time.Time
}

func newRateLimiter(interval time.Duration) *rateLimiter {
	return &rateLimiter{interval: interval}
}

func (r *rateLimiter) allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	if now.Sub(r.last) < r.interval {
		return false
	}
	r.last = now
	return true
}
