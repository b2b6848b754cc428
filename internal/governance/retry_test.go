package governance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingObserver struct {
	retries   int
	successes int
	exhausted int
	lastErr   error
}

func (o *countingObserver) OnRetry(_ int, err error, _ time.Duration) {
	o.retries++
	o.lastErr = err
}

func (o *countingObserver) OnSuccess(int) { o.successes++ }

func (o *countingObserver) OnExhausted(_ int, err error) {
	o.exhausted++
	o.lastErr = err
}

func fastRetryConfig(obs RetryObserver) RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		BackoffMultiplier: 2.0,
		Observer:          obs,
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	obs := &countingObserver{}
	attempts := 0

	err := Retry(context.Background(), fastRetryConfig(obs), func(context.Context) error {
		attempts++
		if attempts < 3 {
			return Retryable(errors.New("transient"))
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 2, obs.retries)
	assert.Equal(t, 1, obs.successes)
	assert.Zero(t, obs.exhausted)
}

func TestRetryFirstAttemptSuccessSkipsObserver(t *testing.T) {
	obs := &countingObserver{}

	err := Retry(context.Background(), fastRetryConfig(obs), func(context.Context) error {
		return nil
	})

	require.NoError(t, err)
	assert.Zero(t, obs.retries)
	assert.Zero(t, obs.successes)
}

func TestRetryExhaustionWrapsLastError(t *testing.T) {
	obs := &countingObserver{}
	opErr := errors.New("still down")

	err := Retry(context.Background(), fastRetryConfig(obs), func(context.Context) error {
		return Retryable(opErr)
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMaxRetriesExceeded)
	// The original failure stays in the wrap chain for errors.Is matching.
	assert.ErrorIs(t, err, opErr)
	assert.Contains(t, err.Error(), "still down")
	assert.Equal(t, 2, obs.retries)
	assert.Equal(t, 1, obs.exhausted)
}

func TestFatalErrorPropagatesImmediately(t *testing.T) {
	obs := &countingObserver{}
	attempts := 0
	fatal := errors.New("bad request")

	err := Retry(context.Background(), fastRetryConfig(obs), func(context.Context) error {
		attempts++
		return Fatal(fatal)
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, fatal)
	assert.NotErrorIs(t, err, ErrMaxRetriesExceeded)
	assert.Equal(t, 1, attempts)
	assert.Zero(t, obs.retries)
}

func TestUnclassifiedErrorsDefaultToRetryable(t *testing.T) {
	attempts := 0

	err := Retry(context.Background(), fastRetryConfig(nil), func(context.Context) error {
		attempts++
		return errors.New("plain")
	})

	require.ErrorIs(t, err, ErrMaxRetriesExceeded)
	assert.Equal(t, 3, attempts)
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	attempts := 0
	err := Retry(ctx, RetryConfig{MaxAttempts: 5, InitialBackoff: time.Hour}, func(context.Context) error {
		attempts++
		cancel()
		return Retryable(errors.New("transient"))
	})

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
}

func TestRetryValueReturnsResult(t *testing.T) {
	attempts := 0

	got, err := RetryValue(context.Background(), fastRetryConfig(nil), func(context.Context) (string, error) {
		attempts++
		if attempts < 2 {
			return "", Retryable(errors.New("transient"))
		}
		return "payload", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "payload", got)
}

func TestCalculateBackoffGrowsAndCaps(t *testing.T) {
	cfg := RetryConfig{
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        time.Second,
		BackoffMultiplier: 2.0,
	}

	assert.Equal(t, 100*time.Millisecond, calculateBackoff(cfg, 1))
	assert.Equal(t, 200*time.Millisecond, calculateBackoff(cfg, 2))
	assert.Equal(t, 400*time.Millisecond, calculateBackoff(cfg, 3))
	assert.Equal(t, time.Second, calculateBackoff(cfg, 10))
}

func TestCalculateBackoffJitterBounds(t *testing.T) {
	cfg := RetryConfig{
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}

	for i := 0; i < 50; i++ {
		b := calculateBackoff(cfg, 1)
		assert.GreaterOrEqual(t, b, 100*time.Millisecond)
		assert.LessOrEqual(t, b, 125*time.Millisecond)
	}
}
