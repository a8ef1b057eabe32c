// Package retry provides a bounded retry combinator for calls to external dependencies.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ErrExhausted wraps the last failure once every attempt has been spent.
var ErrExhausted = errors.New("retry: attempts exhausted")

// Policy bounds a retried call. MaxRetries counts re-invocations after the first attempt.
type Policy struct {
	MaxRetries     int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	AttemptTimeout time.Duration
	// Retryable classifies failures; nil retries every error.
	Retryable func(error) bool
	Logger    *zap.Logger
	Operation string
}

// Do invokes fn until it succeeds, a failure is classified permanent, or the retries run out.
// Each attempt gets its own deadline when AttemptTimeout is set.
func Do[T any](ctx context.Context, policy Policy, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	logger := policy.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxRetries := policy.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := backoff(policy, attempt)
			if delay > 0 {
				timer := time.NewTimer(delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					return zero, fmt.Errorf("retry cancelled: %w", ctx.Err())
				case <-timer.C:
				}
			}
		}

		value, err := invoke(ctx, policy.AttemptTimeout, fn)
		if err == nil {
			if attempt > 0 {
				logger.Info("operation succeeded after retry",
					zap.String("operation", policy.Operation),
					zap.Int("attempt", attempt+1))
			}
			return value, nil
		}
		lastErr = err

		retryable := policy.Retryable == nil || policy.Retryable(err)
		logger.Warn("operation attempt failed",
			zap.String("operation", policy.Operation),
			zap.Int("attempt", attempt+1),
			zap.Bool("retryable", retryable),
			zap.Error(err))
		if !retryable {
			return zero, err
		}
		if ctx.Err() != nil {
			return zero, fmt.Errorf("retry cancelled: %w", ctx.Err())
		}
	}
	return zero, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, maxRetries+1, lastErr)
}

func invoke[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(attemptCtx)
}

func backoff(policy Policy, attempt int) time.Duration {
	if policy.BaseDelay <= 0 {
		return 0
	}
	delay := policy.BaseDelay << (attempt - 1)
	if policy.MaxDelay > 0 && (delay > policy.MaxDelay || delay <= 0) {
		delay = policy.MaxDelay
	}
	return delay
}
