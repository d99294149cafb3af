// Package breaker wraps a dependency-bound action with circuit-breaker
// protection so a sick source or log broker fails fast instead of piling up
// retries.
package breaker

import (
	"errors"
	"log"
	"time"

	"github.com/sony/gobreaker"
)

// ErrBreakerOpen is returned by Execute when the breaker is open and the
// reset window has not yet elapsed. It is never itself counted as a
// failure.
var ErrBreakerOpen = errors.New("breaker: circuit open")

// State mirrors gobreaker's three-state machine so callers never need to
// import gobreaker directly.
type State = gobreaker.State

const (
	StateClosed   = gobreaker.StateClosed
	StateHalfOpen = gobreaker.StateHalfOpen
	StateOpen     = gobreaker.StateOpen
)

// Config tunes the breaker. Zero values fall back to the documented
// defaults (failure threshold 3, reset timeout 30s).
type Config struct {
	Name             string
	FailureThreshold uint32
	ResetTimeout     time.Duration
	Logger           *log.Logger
	OnStateChange    func(from, to State)
}

// Breaker protects a single dependency. T is the return type of the
// actions it executes. gobreaker itself is not generic; Execute carries T
// through an interface{} round trip and type-asserts the result back.
type Breaker[T any] struct {
	cb *gobreaker.CircuitBreaker
}

// New constructs a breaker per Config, defaulting FailureThreshold to 3 and
// ResetTimeout to 30 seconds.
func New[T any](cfg Config) *Breaker[T] {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.ResetTimeout == 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	settings := gobreaker.Settings{
		Name: cfg.Name,
		// A single probe is allowed through while half-open, matching the
		// "exactly one action invocation in HALF_OPEN" requirement.
		MaxRequests: 1,
		Interval:    0,
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Printf("breaker %q: %s -> %s", name, from, to)
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(from, to)
			}
		},
	}

	return &Breaker[T]{cb: gobreaker.NewCircuitBreaker(settings)}
}

// Execute runs action under breaker protection. If the breaker is open and
// the reset window has not elapsed, action is never invoked and
// ErrBreakerOpen is returned.
func (b *Breaker[T]) Execute(action func() (T, error)) (T, error) {
	result, err := b.cb.Execute(func() (interface{}, error) {
		return action()
	})
	if err != nil {
		var zero T
		if errors.Is(err, gobreaker.ErrOpenState) {
			return zero, ErrBreakerOpen
		}
		return zero, err
	}
	return result.(T), nil
}

// State returns the breaker's current state for diagnostics.
func (b *Breaker[T]) State() State {
	return b.cb.State()
}

// StateValue maps State to the numeric gauge value the spec's diagnostics
// export: 0=closed, 1=half-open, 2=open.
func StateValue(s State) float64 {
	switch s {
	case StateClosed:
		return 0
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	default:
		return -1
	}
}
