package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/agentmesh/orchestrator-core/core"
)

// RetryConfig configures the retry handler (spec.md §4.6 defaults).
type RetryConfig struct {
	MaxAttempts int
	BackoffBase float64 // seconds
	BackoffMax  float64 // seconds
	JitterMin   float64
	JitterMax   float64
}

// DefaultRetryConfig returns spec.md §4.6's defaults:
// max_attempts=3, backoff_base=2, backoff_max=60, jitter in [0.5, 1.0].
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts: 3,
		BackoffBase: 2,
		BackoffMax:  60,
		JitterMin:   0.5,
		JitterMax:   1.0,
	}
}

// RetryHandler wraps a unit of work with classify-then-backoff retry
// semantics (spec.md §4.6).
type RetryHandler struct {
	config     *RetryConfig
	classifier *ErrorClassifier
}

// NewRetryHandler constructs a handler. A nil config uses DefaultRetryConfig.
func NewRetryHandler(config *RetryConfig) *RetryHandler {
	if config == nil {
		config = DefaultRetryConfig()
	}
	return &RetryHandler{
		config:     config,
		classifier: NewErrorClassifier(),
	}
}

// Do runs fn, classifying any error and retrying per spec.md §4.6: on each
// attempt, on failure classify the error; if not retryable or the attempt
// has reached max_attempts, return the classified error. Otherwise sleep
// min(base_delay * backoff_base^(attempt-1), backoff_max) seconds, where
// base_delay is the classified error's RetryDelaySeconds, multiplied by a
// jitter factor in [jitter_min, jitter_max], and retry.
func (h *RetryHandler) Do(ctx context.Context, fn func(ctx context.Context) error) (core.ClassifiedError, error) {
	var lastClassified core.ClassifiedError

	for attempt := 1; attempt <= h.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return lastClassified, err
		}

		err := fn(ctx)
		if err == nil {
			return core.ClassifiedError{}, nil
		}

		lastClassified = h.classifier.Classify(err.Error(), nil)
		if !lastClassified.Retryable || attempt >= h.config.MaxAttempts {
			return lastClassified, errRetriesExhausted(lastClassified)
		}

		delay := h.backoffDelay(attempt, lastClassified)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastClassified, ctx.Err()
		case <-timer.C:
		}
	}
	return lastClassified, errRetriesExhausted(lastClassified)
}

func (h *RetryHandler) backoffDelay(attempt int, classified core.ClassifiedError) time.Duration {
	// spec.md §4.6: base_delay * backoff^(attempt-1), where base_delay is
	// the classified error's own retry delay (TIMEOUT=5s, RATE_LIMIT=60s,
	// NETWORK=2s, SYSTEM_ERROR=1s), not the backoff exponent itself.
	raw := classified.RetryDelaySeconds * math.Pow(h.config.BackoffBase, float64(attempt-1))
	if raw > h.config.BackoffMax {
		raw = h.config.BackoffMax
	}
	jitter := h.config.JitterMin + rand.Float64()*(h.config.JitterMax-h.config.JitterMin)
	return time.Duration(raw * jitter * float64(time.Second))
}

func errRetriesExhausted(classified core.ClassifiedError) error {
	if classified.Message == "" {
		return core.ErrMaxRetriesReached
	}
	return errors.New(classified.Message)
}
