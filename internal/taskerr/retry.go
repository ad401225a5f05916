package taskerr

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"taskflow/internal/logging"
)

// RetryConfig configures retry behavior for one task attempt sequence.
type RetryConfig struct {
	MaxAttempts  int           // additional attempts after the first (default: 3)
	BaseDelay    time.Duration // initial backoff delay (default: 1s)
	MaxDelay     time.Duration // backoff cap (default: 30s)
	Multiplier   float64       // backoff growth factor (default: 2)
	JitterFactor float64       // ± randomization, 0.25 = ±25%
}

// DefaultRetryConfig returns the executor defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		BaseDelay:    1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
		JitterFactor: 0.25,
	}
}

func (c RetryConfig) normalized() RetryConfig {
	if c.MaxAttempts < 0 {
		c.MaxAttempts = 0
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.Multiplier <= 1 {
		c.Multiplier = 2
	}
	return c
}

// RetryableFunc is a function that can be retried.
type RetryableFunc func(ctx context.Context) error

// Retry executes fn with exponential backoff until it succeeds, returns a
// non-retryable error, or exhausts config.MaxAttempts extra attempts.
func Retry(ctx context.Context, config RetryConfig, fn RetryableFunc) error {
	_, err := RetryWithResult(ctx, config, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// RetryWithResult is Retry for functions that produce a value.
func RetryWithResult[T any](ctx context.Context, config RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	return RetryWithResultAndLog(ctx, config, fn, nil)
}

// RetryWithResultAndLog adds attempt-level logging to RetryWithResult.
func RetryWithResultAndLog[T any](ctx context.Context, config RetryConfig, fn func(ctx context.Context) (T, error), logger logging.Logger) (T, error) {
	logger = logging.OrNop(logger)
	config = config.normalized()

	var zero T
	var lastErr error

	for attempt := 0; attempt <= config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return zero, Wrap(KindCancelled, ctx.Err(), "cancelled before attempt %d", attempt+1)
		default:
		}

		result, err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				logger.Info("succeeded after %d attempts", attempt+1)
			}
			return result, nil
		}
		lastErr = err
		logger.Debug("attempt %d/%d failed: %v", attempt+1, config.MaxAttempts+1, err)

		if !Retryable(err) {
			return zero, err
		}
		if attempt == config.MaxAttempts {
			break
		}

		delay := Backoff(attempt, config)
		logger.Debug("waiting %v before retry", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, Wrap(KindCancelled, ctx.Err(), "cancelled during backoff")
		}
	}

	return zero, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// Backoff computes the delay before attempt+1: min(base*multiplier^attempt, max)
// with optional jitter.
func Backoff(attempt int, config RetryConfig) time.Duration {
	config = config.normalized()

	delay := time.Duration(float64(config.BaseDelay) * math.Pow(config.Multiplier, float64(attempt)))
	if delay > config.MaxDelay {
		delay = config.MaxDelay
	}

	if config.JitterFactor > 0 {
		jitter := float64(delay) * config.JitterFactor
		delay = time.Duration(float64(delay) + (rand.Float64()*2-1)*jitter)
		if delay < 0 {
			delay = config.BaseDelay
		}
		if delay > config.MaxDelay {
			delay = config.MaxDelay
		}
	}
	return delay
}
