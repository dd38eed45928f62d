package aimeter

import (
	"context"
	"errors"
	"sync"
	"time"
)

// CircuitState is the position of a CircuitBreaker.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// ErrCircuitOpen is returned while the breaker is refusing store calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker guards calls to a failing dependency.
type CircuitBreaker interface {
	// Execute runs fn unless the circuit is open.
	Execute(ctx context.Context, fn func() error) error
	// State returns the current state.
	State() CircuitState
}

// CircuitBreakerConfig configures a DefaultCircuitBreaker.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit (default: 5)
	FailureThreshold int

	// ResetTimeout is how long the circuit stays open before a probe is allowed (default: 30s)
	ResetTimeout time.Duration

	// OnStateChange is called on every transition
	OnStateChange func(state CircuitState)

	// Clock defaults to SystemClock
	Clock Clock
}

// DefaultCircuitBreaker counts consecutive failures. After ResetTimeout in the
// open state exactly one probe call is let through; its outcome closes or
// re-opens the circuit.
type DefaultCircuitBreaker struct {
	mu sync.Mutex

	state     CircuitState
	failures  int
	openedAt  time.Time
	probing   bool
	threshold int
	timeout   time.Duration
	notify    func(CircuitState)
	clock     Clock
}

// NewCircuitBreaker creates a closed circuit breaker.
func NewCircuitBreaker(config CircuitBreakerConfig) *DefaultCircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 30 * time.Second
	}
	if config.Clock == nil {
		config.Clock = SystemClock{}
	}
	return &DefaultCircuitBreaker{
		state:     CircuitClosed,
		threshold: config.FailureThreshold,
		timeout:   config.ResetTimeout,
		notify:    config.OnStateChange,
		clock:     config.Clock,
	}
}

func (cb *DefaultCircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.stateLocked()
}

func (cb *DefaultCircuitBreaker) stateLocked() CircuitState {
	if cb.state == CircuitOpen && cb.clock.Now().Sub(cb.openedAt) >= cb.timeout {
		return CircuitHalfOpen
	}
	return cb.state
}

func (cb *DefaultCircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := cb.admit(); err != nil {
		return err
	}

	err := fn()
	// A caller giving up is not evidence that the dependency is down.
	if err != nil && errors.Is(err, context.Canceled) && ctx.Err() != nil {
		cb.release()
		return err
	}
	cb.record(err)
	return err
}

func (cb *DefaultCircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.stateLocked() {
	case CircuitOpen:
		return ErrCircuitOpen
	case CircuitHalfOpen:
		if cb.probing {
			return ErrCircuitOpen
		}
		cb.probing = true
		cb.transition(CircuitHalfOpen)
	}
	return nil
}

func (cb *DefaultCircuitBreaker) release() {
	cb.mu.Lock()
	cb.probing = false
	cb.mu.Unlock()
}

func (cb *DefaultCircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.probing = false
	if err == nil {
		cb.failures = 0
		cb.transition(CircuitClosed)
		return
	}

	cb.failures++
	if cb.state == CircuitHalfOpen || cb.failures >= cb.threshold {
		cb.openedAt = cb.clock.Now()
		cb.transition(CircuitOpen)
	}
}

func (cb *DefaultCircuitBreaker) transition(next CircuitState) {
	if cb.state == next {
		return
	}
	cb.state = next
	if cb.notify != nil {
		cb.notify(next)
	}
}
