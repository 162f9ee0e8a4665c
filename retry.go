package tributary

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// RetryConfig configures retry behavior for base-table writes that lose a
// checktable race.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	// Default: 5
	MaxAttempts int `yaml:"max_attempts"`

	// InitialBackoff is the initial delay before the first retry.
	// Default: 2ms
	InitialBackoff Duration `yaml:"initial_backoff"`

	// MaxBackoff is the maximum delay between retries.
	// Default: 100ms
	MaxBackoff Duration `yaml:"max_backoff"`

	// BackoffMultiplier is multiplied into the backoff after each retry.
	// Default: 2.0
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`

	// Jitter adds randomness to backoff to prevent lockstep retries.
	// Value between 0 and 1, where 0.1 means ±10% jitter.
	// Default: 0.1
	Jitter float64 `yaml:"jitter"`

	// RetryIf determines if an error should be retried. If nil, only
	// ErrStaleWrite is retried.
	RetryIf func(error) bool `yaml:"-"`
}

// DefaultRetryConfig returns a retry configuration with sensible defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       5,
		InitialBackoff:    Duration(2 * time.Millisecond),
		MaxBackoff:        Duration(100 * time.Millisecond),
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
	}
}

// Retryer performs operations with automatic retry on failure.
type Retryer struct {
	config RetryConfig
}

// NewRetryer creates a retryer with the given configuration.
func NewRetryer(config RetryConfig) *Retryer {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 5
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = Duration(2 * time.Millisecond)
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = Duration(100 * time.Millisecond)
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = 2.0
	}
	if config.Jitter < 0 || config.Jitter > 1 {
		config.Jitter = 0.1
	}
	if config.RetryIf == nil {
		config.RetryIf = func(err error) bool { return errors.Is(err, ErrStaleWrite) }
	}
	return &Retryer{config: config}
}

// Do executes the operation, retrying retryable errors with exponential
// backoff until the attempt budget or the context runs out.
func (r *Retryer) Do(ctx context.Context, op func() error) error {
	var lastErr error
	backoff := time.Duration(r.config.InitialBackoff)

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !r.config.RetryIf(lastErr) {
			return lastErr
		}
		if attempt == r.config.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.addJitter(backoff)):
		}

		backoff = time.Duration(float64(backoff) * r.config.BackoffMultiplier)
		if backoff > time.Duration(r.config.MaxBackoff) {
			backoff = time.Duration(r.config.MaxBackoff)
		}
	}
	return lastErr
}

func (r *Retryer) addJitter(d time.Duration) time.Duration {
	if r.config.Jitter == 0 {
		return d
	}
	jitterRange := float64(d) * r.config.Jitter
	jitter := (rand.Float64()*2 - 1) * jitterRange
	return time.Duration(float64(d) + jitter)
}
