package governance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 3, Timeout: time.Hour})
	boom := errors.New("backend down")

	for i := 0; i < 3; i++ {
		err := cb.Execute(context.Background(), func(context.Context) error { return boom })
		require.ErrorIs(t, err, boom)
	}
	assert.Equal(t, StateOpen, cb.State())

	err := cb.Execute(context.Background(), func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestSuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 2, Timeout: time.Hour})
	boom := errors.New("flaky")

	_ = cb.Execute(context.Background(), func(context.Context) error { return boom })
	_ = cb.Execute(context.Background(), func(context.Context) error { return nil })
	_ = cb.Execute(context.Background(), func(context.Context) error { return boom })

	assert.Equal(t, StateClosed, cb.State())
}

func TestHalfOpenRecovery(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1, Timeout: 10 * time.Millisecond, MaxHalfOpenRequests: 2})
	boom := errors.New("down")

	_ = cb.Execute(context.Background(), func(context.Context) error { return boom })
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(20 * time.Millisecond)

	for i := 0; i < 2; i++ {
		require.NoError(t, cb.Execute(context.Background(), func(context.Context) error { return nil }))
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1, Timeout: 10 * time.Millisecond})
	boom := errors.New("down")

	_ = cb.Execute(context.Background(), func(context.Context) error { return boom })
	time.Sleep(20 * time.Millisecond)

	_ = cb.Execute(context.Background(), func(context.Context) error { return boom })
	assert.Equal(t, StateOpen, cb.State())
}

func TestExecuteRespectsContext(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := cb.Execute(ctx, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}
