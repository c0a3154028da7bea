// Package retry runs directory operations again after transient failures,
// waiting an exponentially growing, jittered interval between attempts.
//
//	cfg := retry.BackoffConfig{
//		InitialInterval: 200 * time.Millisecond,
//		MaxInterval:     2 * time.Second,
//		Multiplier:      2.0,
//		Jitter:          true,
//		MaxRetries:      2,
//	}
//
//	err := retry.WithRetry(ctx, func() error {
//		return conn.Bind(dn, password)
//	}, cfg)
//
// An operation that returns retry.Stop(err) is not attempted again and
// WithRetry returns err unwrapped.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/migadu/contactdir/logger"
)

type BackoffConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          bool
	MaxRetries      int

	// OnRetry, when set, is called before each repeated attempt.
	OnRetry func(attempt int, err error)
}

func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
		MaxRetries:      2,
	}
}

// ExponentialBackoff returns the delay before attempt n (1-based retries).
// With jitter the delay is drawn from [d/2, d).
func ExponentialBackoff(config BackoffConfig) func(int) time.Duration {
	return func(attempt int) time.Duration {
		if attempt <= 0 {
			return config.InitialInterval
		}

		multiplier := config.Multiplier
		if multiplier < 1 {
			multiplier = 1
		}
		interval := float64(config.InitialInterval) * math.Pow(multiplier, float64(attempt-1))
		if config.MaxInterval > 0 && interval > float64(config.MaxInterval) {
			interval = float64(config.MaxInterval)
		}

		duration := time.Duration(interval)
		if config.Jitter && duration >= 2 {
			half := duration / 2
			duration = half + time.Duration(rand.Int64N(int64(half)))
		}
		return duration
	}
}

type RetryableFunc func() error

// WithRetry calls fn until it succeeds, returns a StopError, the context is
// done, or MaxRetries repeated attempts have failed.
func WithRetry(ctx context.Context, fn RetryableFunc, config BackoffConfig) error {
	backoff := ExponentialBackoff(config)

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		if attempt > 0 {
			if config.OnRetry != nil {
				config.OnRetry(attempt, lastErr)
			}
			delay := backoff(attempt)
			logger.Debug("Retrying operation", "attempt", attempt+1, "delay", delay, "error", lastErr)

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("retry cancelled by context: %w", errors.Join(ctx.Err(), lastErr))
			case <-timer.C:
			}
		}

		attempts++
		err := fn()
		if err == nil {
			return nil
		}

		var stopErr StopError
		if errors.As(err, &stopErr) {
			return stopErr.Err
		}
		lastErr = err
	}

	return fmt.Errorf("operation failed after %d attempts: %w", attempts, lastErr)
}

// StopError marks an error as permanent for WithRetry.
type StopError struct {
	Err error
}

func (s StopError) Error() string {
	return s.Err.Error()
}

func (s StopError) Unwrap() error {
	return s.Err
}

// Stop marks err as permanent so WithRetry returns it without retrying.
func Stop(err error) error {
	return StopError{Err: err}
}

// IsStopError reports whether err carries a StopError.
func IsStopError(err error) bool {
	var stopErr StopError
	return errors.As(err, &stopErr)
}
