package core

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds engine-wide settings. It supports three-layer precedence:
// struct defaults (lowest) -> environment variables -> functional options
// (highest), mirroring the teacher framework's configuration layering.
type Config struct {
	DataDir      string `json:"data_dir" env:"ORCH_DATA_DIR" default:"./data"`
	WorkflowsDir string `json:"workflows_dir" env:"ORCH_WORKFLOWS_DIR" default:"./workflows"`
	AgentsDir    string `json:"agents_dir" env:"ORCH_AGENTS_DIR" default:"./agents"`
	HandoffsDir  string `json:"handoffs_dir" env:"ORCH_HANDOFFS_DIR" default:"./agents/examples/handoffs"`
	DLQDir       string `json:"dlq_dir" env:"ORCH_DLQ_DIR" default:"./data/dead_letter_queue"`

	DefaultStepTimeout time.Duration `json:"default_step_timeout" env:"ORCH_STEP_TIMEOUT" default:"3600s"`

	Retry          RetryConfig          `json:"retry"`
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker"`
	Logging        LoggingConfig        `json:"logging"`
	Redis          RedisConfig          `json:"redis"`
	Telemetry      TelemetryConfig      `json:"telemetry"`

	logger Logger `json:"-"`
}

// RetryConfig mirrors spec.md §4.6's retry handler defaults.
type RetryConfig struct {
	MaxAttempts int           `json:"max_attempts" env:"ORCH_RETRY_MAX_ATTEMPTS" default:"3"`
	BackoffBase float64       `json:"backoff_base" env:"ORCH_RETRY_BACKOFF_BASE" default:"2.0"`
	BackoffMax  time.Duration `json:"backoff_max" env:"ORCH_RETRY_BACKOFF_MAX" default:"60s"`
	JitterMin   float64       `json:"jitter_min" env:"ORCH_RETRY_JITTER_MIN" default:"0.5"`
	JitterMax   float64       `json:"jitter_max" env:"ORCH_RETRY_JITTER_MAX" default:"1.0"`
}

// CircuitBreakerConfig mirrors spec.md §4.7's defaults.
type CircuitBreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold" env:"ORCH_CB_FAILURE_THRESHOLD" default:"5"`
	Timeout          time.Duration `json:"timeout" env:"ORCH_CB_TIMEOUT" default:"60s"`
}

// LoggingConfig selects the ambient logger's level/format, matching the
// teacher's telemetry.TelemetryLogger env surface.
type LoggingConfig struct {
	Level  string `json:"level" env:"GOMIND_LOG_LEVEL" default:"INFO"`
	Format string `json:"format" env:"GOMIND_LOG_FORMAT" default:"text"`
}

// RedisConfig backs the optional HandoffCacheProvider (see SPEC_FULL.md
// DOMAIN STACK). Disabled by default: SQLite remains the system of record.
type RedisConfig struct {
	Enabled bool   `json:"enabled" env:"ORCH_REDIS_ENABLED" default:"false"`
	URL     string `json:"url" env:"ORCH_REDIS_URL,REDIS_URL" default:"redis://localhost:6379"`
}

// TelemetryConfig selects the OpenTelemetry exporter used for the
// workflow-run span.
type TelemetryConfig struct {
	Enabled      bool   `json:"enabled" env:"ORCH_TELEMETRY_ENABLED" default:"false"`
	OTLPEndpoint string `json:"otlp_endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName  string `json:"service_name" env:"OTEL_SERVICE_NAME" default:"orchestrator-core"`
}

// Option is a functional option for Config, applied after defaults and
// environment variables, so it always wins.
type Option func(*Config) error

// DefaultConfig returns sensible defaults, matching the values named in
// spec.md §4.4/§4.6/§4.7.
func DefaultConfig() *Config {
	return &Config{
		DataDir:            "./data",
		WorkflowsDir:       "./workflows",
		AgentsDir:          "./agents",
		HandoffsDir:        "./agents/examples/handoffs",
		DLQDir:             "./data/dead_letter_queue",
		DefaultStepTimeout: 3600 * time.Second,
		Retry: RetryConfig{
			MaxAttempts: 3,
			BackoffBase: 2.0,
			BackoffMax:  60 * time.Second,
			JitterMin:   0.5,
			JitterMax:   1.0,
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 5,
			Timeout:          60 * time.Second,
		},
		Logging: LoggingConfig{Level: "INFO", Format: "text"},
		Redis:   RedisConfig{Enabled: false, URL: "redis://localhost:6379"},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			ServiceName: "orchestrator-core",
		},
	}
}

// NewConfig builds a Config from defaults, then environment variables,
// then opts, in that priority order.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, NewFrameworkError("NewConfig", "config", err)
	}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, NewFrameworkError("NewConfig", "config", err)
		}
	}
	return cfg, nil
}

// LoadFromEnv overlays environment variables onto the current values. Of
// the retry settings it reads only ORCH_RETRY_MAX_ATTEMPTS; the variables
// named by the other RetryConfig env tags (ORCH_RETRY_BACKOFF_BASE,
// ORCH_RETRY_BACKOFF_MAX, ORCH_RETRY_JITTER_MIN, ORCH_RETRY_JITTER_MAX) are
// not read, and those fields keep their current values.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("ORCH_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("ORCH_WORKFLOWS_DIR"); v != "" {
		c.WorkflowsDir = v
	}
	if v := os.Getenv("ORCH_AGENTS_DIR"); v != "" {
		c.AgentsDir = v
	}
	if v := os.Getenv("ORCH_HANDOFFS_DIR"); v != "" {
		c.HandoffsDir = v
	}
	if v := os.Getenv("ORCH_DLQ_DIR"); v != "" {
		c.DLQDir = v
	}
	if v := os.Getenv("ORCH_STEP_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("ORCH_STEP_TIMEOUT: %w", err)
		}
		c.DefaultStepTimeout = d
	}
	if v := os.Getenv("ORCH_RETRY_MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("ORCH_RETRY_MAX_ATTEMPTS: %w", err)
		}
		c.Retry.MaxAttempts = n
	}
	if v := os.Getenv("ORCH_CB_FAILURE_THRESHOLD"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("ORCH_CB_FAILURE_THRESHOLD: %w", err)
		}
		c.CircuitBreaker.FailureThreshold = n
	}
	if v := os.Getenv("ORCH_CB_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("ORCH_CB_TIMEOUT: %w", err)
		}
		c.CircuitBreaker.Timeout = d
	}
	if v := os.Getenv("GOMIND_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("GOMIND_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("ORCH_REDIS_ENABLED"); v != "" {
		c.Redis.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("ORCH_REDIS_URL"); v != "" {
		c.Redis.URL = v
	} else if v := os.Getenv("REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("ORCH_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.OTLPEndpoint = v
	}
	if v := os.Getenv("OTEL_SERVICE_NAME"); v != "" {
		c.Telemetry.ServiceName = v
	}
	return nil
}

// WithDataDir overrides the data directory root.
func WithDataDir(dir string) Option {
	return func(c *Config) error {
		if dir == "" {
			return fmt.Errorf("data dir must not be empty")
		}
		c.DataDir = dir
		return nil
	}
}

// WithWorkflowsDir overrides the workflow definitions directory.
func WithWorkflowsDir(dir string) Option {
	return func(c *Config) error {
		c.WorkflowsDir = dir
		return nil
	}
}

// WithLogger attaches a logger used while building the configuration itself.
func WithLogger(l Logger) Option {
	return func(c *Config) error {
		c.logger = l
		return nil
	}
}

// Logger returns the logger attached via WithLogger, or nil.
func (c *Config) Logger() Logger {
	return c.logger
}
