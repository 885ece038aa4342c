package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/agentmesh/orchestrator-core/core"
)

// CircuitState is the lifecycle of a CircuitBreaker (spec.md §4.7).
type CircuitState string

const (
	StateClosed   CircuitState = "closed"
	StateOpen     CircuitState = "open"
	StateHalfOpen CircuitState = "half_open"
)

// CircuitBreakerConfig configures a CircuitBreaker. Defaults per spec.md
// §4.7: failure_threshold=5, timeout_seconds=60.
type CircuitBreakerConfig struct {
	Name             string
	FailureThreshold int
	TimeoutSeconds   float64
}

// DefaultCircuitBreakerConfig returns spec.md §4.7's defaults.
func DefaultCircuitBreakerConfig(name string) *CircuitBreakerConfig {
	return &CircuitBreakerConfig{Name: name, FailureThreshold: 5, TimeoutSeconds: 60}
}

// CircuitBreaker is a per-name failure-count state machine protecting a
// downstream call (spec.md §4.7): closed -> open -> half_open -> closed.
type CircuitBreaker struct {
	config *CircuitBreakerConfig
	clock  core.Clock
	logger core.Logger

	mu              sync.Mutex
	state           CircuitState
	failureCount    int
	successCount    int // counted while half_open
	lastFailureTime time.Time
}

// NewCircuitBreaker constructs a breaker in the closed state. A nil config
// uses DefaultCircuitBreakerConfig("default").
func NewCircuitBreaker(config *CircuitBreakerConfig, clock core.Clock, logger core.Logger) *CircuitBreaker {
	if config == nil {
		config = DefaultCircuitBreakerConfig("default")
	}
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &CircuitBreaker{config: config, clock: clock, logger: logger, state: StateClosed}
}

// Call runs fn under the breaker's protection. If the circuit is open and
// the timeout has not elapsed, fn is never invoked and a
// *core.CircuitBreakerOpenError is returned.
func (cb *CircuitBreaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.beforeCall(); err != nil {
		return err
	}

	err := fn(ctx)
	cb.afterCall(err)
	return err
}

func (cb *CircuitBreaker) beforeCall() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		elapsed := cb.clock.Now().Sub(cb.lastFailureTime).Seconds()
		if elapsed < cb.config.TimeoutSeconds {
			return &core.CircuitBreakerOpenError{Name: cb.config.Name, ElapsedRemaining: cb.config.TimeoutSeconds - elapsed}
		}
		cb.transitionLocked(StateHalfOpen)
		cb.successCount = 0
	case StateClosed, StateHalfOpen:
	}
	return nil
}

func (cb *CircuitBreaker) afterCall(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		switch cb.state {
		case StateHalfOpen:
			cb.successCount++
			if cb.successCount >= 2 {
				cb.transitionLocked(StateClosed)
				cb.failureCount = 0
				cb.successCount = 0
			}
		case StateClosed:
			cb.failureCount = 0
		}
		return
	}

	cb.lastFailureTime = cb.clock.Now()
	cb.failureCount++

	switch cb.state {
	case StateHalfOpen:
		cb.transitionLocked(StateOpen)
	case StateClosed:
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.transitionLocked(StateOpen)
		}
	}
}

func (cb *CircuitBreaker) transitionLocked(to CircuitState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.logger.Info("circuit breaker state change", map[string]interface{}{
		"name": cb.config.Name,
		"from": string(from),
		"to":   string(to),
	})
}

// Reset forces the breaker back to closed with zeroed counters
// (spec.md §4.7).
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionLocked(StateClosed)
	cb.failureCount = 0
	cb.successCount = 0
}

// State returns the breaker's current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// FailureCount returns the breaker's current consecutive-failure count.
func (cb *CircuitBreaker) FailureCount() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failureCount
}

// Registry is a named collection of circuit breakers, one per protected
// resource (spec.md §5, "single-process, in-memory; not persisted").
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	clock    core.Clock
	logger   core.Logger
	config   *CircuitBreakerConfig
}

// NewRegistry constructs a breaker registry. Every breaker it creates
// shares defaultConfig's thresholds (with its own Name substituted).
func NewRegistry(defaultConfig *CircuitBreakerConfig, clock core.Clock, logger core.Logger) *Registry {
	if defaultConfig == nil {
		defaultConfig = DefaultCircuitBreakerConfig("default")
	}
	return &Registry{breakers: make(map[string]*CircuitBreaker), clock: clock, logger: logger, config: defaultConfig}
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	cfg := &CircuitBreakerConfig{Name: name, FailureThreshold: r.config.FailureThreshold, TimeoutSeconds: r.config.TimeoutSeconds}
	cb := NewCircuitBreaker(cfg, r.clock, r.logger)
	r.breakers[name] = cb
	return cb
}
