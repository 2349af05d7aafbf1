package governance

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/MaGioMusic/Lumina-Mxolod-Photo-sub001/pkg/domain"
)

// RetryConfig defines retry behaviour for generation calls.
type RetryConfig struct {
	// MaxAttempts is the total number of tries, including the first one.
	MaxAttempts int `yaml:"max_attempts"`
	// InitialBackoff is the delay before the second attempt.
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	// MaxBackoff caps the delay between attempts.
	MaxBackoff time.Duration `yaml:"max_backoff"`
	// BackoffMultiplier is the factor by which backoff increases.
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
	// Jitter adds up to 25% random delay to prevent thundering herd.
	Jitter bool `yaml:"jitter"`
}

// DefaultRetryConfig returns the defaults used for generation retries.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    250 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// RetryPolicy decides whether and when a failed attempt is tried again.
type RetryPolicy struct {
	config    RetryConfig
	retryable func(error) bool
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewRetryPolicy creates a retry policy, filling zero fields with defaults.
// Errors are classified with domain.IsRetryable.
func NewRetryPolicy(config RetryConfig) *RetryPolicy {
	defaults := DefaultRetryConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = defaults.InitialBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = defaults.MaxBackoff
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = defaults.BackoffMultiplier
	}

	return &RetryPolicy{
		config:    config,
		retryable: domain.IsRetryable,
		sleep:     sleepContext,
	}
}

// WithSleep replaces the wait between attempts. Tests use it to skip real delays.
func (rp *RetryPolicy) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *RetryPolicy {
	clone := *rp
	clone.sleep = sleep
	return &clone
}

// Config returns a copy of the current retry configuration.
func (rp *RetryPolicy) Config() RetryConfig {
	return rp.config
}

// ShouldRetry reports whether attempt (1-based) failing with err may be followed by another.
func (rp *RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if attempt >= rp.config.MaxAttempts {
		return false
	}
	return rp.retryable(err)
}

// CalculateBackoff returns the delay after the given 1-based attempt.
func (rp *RetryPolicy) CalculateBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	backoff := time.Duration(float64(rp.config.InitialBackoff) * math.Pow(rp.config.BackoffMultiplier, float64(attempt-1)))

	if backoff > rp.config.MaxBackoff || backoff <= 0 {
		backoff = rp.config.MaxBackoff
	}

	if rp.config.Jitter && backoff >= 4 {
		// #nosec G404 - Non-cryptographic random is acceptable for jitter
		backoff += time.Duration(rand.Int63n(int64(backoff / 4)))
	}

	return backoff
}

// Execute runs fn until it succeeds, fails with a non-retryable error, or the
// attempt cap is reached. fn receives the 1-based attempt number. When the cap
// is reached the returned error wraps both domain.ErrUpstreamExhausted and the
// last failure.
func (rp *RetryPolicy) Execute(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	var lastErr error

	for attempt := 1; attempt <= rp.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return nil
		}

		if !rp.retryable(lastErr) {
			return lastErr
		}
		if !rp.ShouldRetry(lastErr, attempt) {
			break
		}

		if err := rp.sleep(ctx, rp.CalculateBackoff(attempt)); err != nil {
			return err
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", domain.ErrUpstreamExhausted, rp.config.MaxAttempts, lastErr)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
