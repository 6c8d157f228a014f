package sqlite

import (
	"fmt"
	"sync"
	"time"

	"github.com/mistakeknot/interlock/internal/core"
)

// BreakerState represents the state of the circuit breaker.
type BreakerState int

const (
	StateClosed   BreakerState = 0
	StateOpen     BreakerState = 1
	StateHalfOpen BreakerState = 2
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned while the breaker rejects calls. It is a store
// busy condition from the caller's point of view.
var ErrCircuitOpen = fmt.Errorf("%w: circuit breaker is open", core.ErrStoreBusy)

// CircuitBreaker is a 3-state breaker: CLOSED (normal) -> OPEN (failing) ->
// HALF_OPEN (one probe) -> CLOSED. Only store failures count; domain outcomes
// such as a reservation conflict mean the store answered and count as success.
type CircuitBreaker struct {
	mu           sync.Mutex
	state        BreakerState
	failures     int
	threshold    int
	resetTimeout time.Duration
	lastFailure  time.Time
	nowFunc      func() time.Time // for testing

	// OnStateChange, when set, is called outside the lock after a transition.
	OnStateChange func(from, to BreakerState)
}

// NewCircuitBreaker creates a circuit breaker with the given threshold and reset timeout.
func NewCircuitBreaker(threshold int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		threshold:    threshold,
		resetTimeout: resetTimeout,
		nowFunc:      time.Now,
	}
}

func storeFailure(err error) bool {
	return err != nil && !core.IsDomainError(err)
}

// Execute runs fn through the breaker, or returns ErrCircuitOpen without
// calling it.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	from := cb.state
	switch cb.state {
	case StateClosed:
		cb.mu.Unlock()
		err := fn()
		cb.mu.Lock()
		if storeFailure(err) {
			cb.failures++
			if cb.failures >= cb.threshold {
				cb.state = StateOpen
				cb.lastFailure = cb.nowFunc()
			}
		} else {
			cb.failures = 0
		}
		to := cb.state
		cb.mu.Unlock()
		cb.notify(from, to)
		return err

	case StateOpen:
		if cb.nowFunc().Sub(cb.lastFailure) < cb.resetTimeout {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.mu.Unlock()
		cb.notify(from, StateHalfOpen)

		err := fn()
		cb.mu.Lock()
		if storeFailure(err) {
			cb.state = StateOpen
			cb.lastFailure = cb.nowFunc()
		} else {
			cb.state = StateClosed
			cb.failures = 0
		}
		to := cb.state
		cb.mu.Unlock()
		cb.notify(StateHalfOpen, to)
		return err

	default:
		// Half-open admits exactly the one probe started by the OPEN branch.
		cb.mu.Unlock()
		return ErrCircuitOpen
	}
}

func (cb *CircuitBreaker) notify(from, to BreakerState) {
	if from != to && cb.OnStateChange != nil {
		cb.OnStateChange(from, to)
	}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
