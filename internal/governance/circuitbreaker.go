package governance

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the circuit breaker is in the open state.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitState represents the state of a circuit breaker.
type CircuitState string

const (
	// StateClosed indicates the circuit is closed and calls are allowed.
	StateClosed CircuitState = "closed"
	// StateOpen indicates the circuit is open and calls are rejected.
	StateOpen CircuitState = "open"
	// StateHalfOpen indicates the circuit is probing for recovery.
	StateHalfOpen CircuitState = "half-open"
)

// CircuitBreakerConfig defines thresholds for circuit breaking.
type CircuitBreakerConfig struct {
	// MaxFailures is the consecutive failure threshold before opening.
	MaxFailures int
	// Timeout is how long the circuit stays open before half-open probing.
	Timeout time.Duration
	// MaxHalfOpenRequests is the number of probes allowed in half-open state.
	MaxHalfOpenRequests int
}

// CircuitBreaker guards a fallible downstream (the trace backend) against
// repeated failing calls. Consecutive failures open the circuit; after
// Timeout a limited number of probes decide whether it closes again.
type CircuitBreaker struct {
	mu     sync.Mutex
	config CircuitBreakerConfig
	state  CircuitState

	consecutiveFailures  int
	consecutiveSuccesses int
	halfOpenRequests     int
	openUntil            time.Time
}

// NewCircuitBreaker creates a circuit breaker with the provided configuration.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.MaxFailures <= 0 {
		config.MaxFailures = 5
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxHalfOpenRequests <= 0 {
		config.MaxHalfOpenRequests = 3
	}
	return &CircuitBreaker{config: config, state: StateClosed}
}

// Execute wraps a call with circuit breaker protection and context support.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := cb.beforeRequest(); err != nil {
		return err
	}

	err := fn(ctx)
	cb.afterRequest(err)
	return err
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset forces the breaker back to closed. Intended for tests.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.consecutiveFailures = 0
	cb.consecutiveSuccesses = 0
	cb.halfOpenRequests = 0
}

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Now().After(cb.openUntil) {
			cb.state = StateHalfOpen
			cb.halfOpenRequests = 1
			cb.consecutiveSuccesses = 0
			return nil
		}
		return ErrCircuitOpen
	case StateHalfOpen:
		if cb.halfOpenRequests < cb.config.MaxHalfOpenRequests {
			cb.halfOpenRequests++
			return nil
		}
		return ErrCircuitOpen
	}
	return nil
}

func (cb *CircuitBreaker) afterRequest(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.consecutiveFailures++
		cb.consecutiveSuccesses = 0
		if cb.state == StateHalfOpen || cb.consecutiveFailures >= cb.config.MaxFailures {
			cb.state = StateOpen
			cb.openUntil = time.Now().Add(cb.config.Timeout)
			cb.halfOpenRequests = 0
		}
		return
	}

	cb.consecutiveFailures = 0
	cb.consecutiveSuccesses++
	if cb.state == StateHalfOpen && cb.consecutiveSuccesses >= cb.config.MaxHalfOpenRequests {
		cb.state = StateClosed
	}
}
