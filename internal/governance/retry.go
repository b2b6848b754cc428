package governance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// ErrMaxRetriesExceeded is returned when all retry attempts have been
// exhausted. The last operation error is wrapped alongside it.
var ErrMaxRetriesExceeded = errors.New("max retries exceeded")

// FailureKind classifies an operation failure so the executor can distinguish
// transient faults from fatal ones without matching error types.
type FailureKind int

const (
	// FailureRetryable marks a transient fault worth another attempt.
	FailureRetryable FailureKind = iota
	// FailureFatal marks a permanent fault; it propagates immediately.
	FailureFatal
)

// Retryable wraps err as a transient failure.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{kind: FailureRetryable, err: err}
}

// Fatal wraps err as a permanent failure that must not be retried.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{kind: FailureFatal, err: err}
}

type classifiedError struct {
	kind FailureKind
	err  error
}

func (c *classifiedError) Error() string { return c.err.Error() }
func (c *classifiedError) Unwrap() error { return c.err }

// kindOf extracts the failure kind; unclassified errors default to retryable,
// which matches how network-ish operations fail in practice.
func kindOf(err error) FailureKind {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.kind
	}
	return FailureRetryable
}

// RetryConfig defines retry behavior for a fallible operation.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff caps the delay between retries.
	MaxBackoff time.Duration
	// BackoffMultiplier is the factor by which backoff increases.
	BackoffMultiplier float64
	// Jitter adds randomness to backoff to prevent thundering herd.
	Jitter bool
	// Observer receives attempt/exhaustion events. May be nil.
	Observer RetryObserver
}

// DefaultRetryConfig returns sensible defaults for retry behavior.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// RetryObserver decouples attempt reporting from any specific metrics
// implementation.
type RetryObserver interface {
	// OnRetry fires before each backoff sleep; attempt is 1-based.
	OnRetry(attempt int, err error, backoff time.Duration)
	// OnSuccess fires when the operation succeeds after at least one retry.
	OnSuccess(attempts int)
	// OnExhausted fires when every attempt has failed.
	OnExhausted(attempts int, err error)
}

// Retry executes fn until it succeeds, returns a fatal failure, exhausts
// MaxAttempts, or the context is cancelled. On exhaustion the last error is
// returned wrapped in ErrMaxRetriesExceeded.
func Retry(ctx context.Context, cfg RetryConfig, fn func(context.Context) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 100 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Second
	}
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = 2.0
	}

	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			if attempt > 1 && cfg.Observer != nil {
				cfg.Observer.OnSuccess(attempt)
			}
			return nil
		}

		if kindOf(lastErr) == FailureFatal {
			return lastErr
		}

		if attempt == cfg.MaxAttempts {
			break
		}

		backoff := calculateBackoff(cfg, attempt)
		if cfg.Observer != nil {
			cfg.Observer.OnRetry(attempt, lastErr, backoff)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}

	if cfg.Observer != nil {
		cfg.Observer.OnExhausted(cfg.MaxAttempts, lastErr)
	}
	return fmt.Errorf("%w: %w", ErrMaxRetriesExceeded, lastErr)
}

// RetryValue is Retry for operations producing a value.
func RetryValue[T any](ctx context.Context, cfg RetryConfig, fn func(context.Context) (T, error)) (T, error) {
	var result T
	err := Retry(ctx, cfg, func(ctx context.Context) error {
		var opErr error
		result, opErr = fn(ctx)
		return opErr
	})
	return result, err
}

// calculateBackoff returns the delay before the next retry attempt.
func calculateBackoff(cfg RetryConfig, attempt int) time.Duration {
	backoff := time.Duration(float64(cfg.InitialBackoff) * math.Pow(cfg.BackoffMultiplier, float64(attempt-1)))

	if backoff > cfg.MaxBackoff {
		backoff = cfg.MaxBackoff
	}

	if cfg.Jitter && backoff > 0 {
		// Up to 25% extra, non-cryptographic randomness is fine here.
		// #nosec G404
		backoff += time.Duration(rand.Int63n(int64(backoff/4) + 1))
	}

	return backoff
}
