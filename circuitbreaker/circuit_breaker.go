// Package circuitbreaker stops operations from reaching a backend that keeps
// failing. The breaker counts consecutive exhausted operations across all
// connections; it models backend health, not per-connection health.
package circuitbreaker

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/comai-net/comai-go/logutils"
	"github.com/comai-net/comai-go/rpcerrors"
)

// State captures circuit breaker states.
type State int

const (
	// StateClosed indicates normal operation.
	StateClosed State = iota
	// StateOpen indicates the breaker is rejecting calls.
	StateOpen
	// StateHalfOpen indicates the cooldown elapsed and a trial call is
	// permitted.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Config controls when the breaker trips and for how long.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the breaker.
	FailureThreshold int
	// Cooldown is how long the breaker rejects calls after opening.
	Cooldown time.Duration
}

// CircuitBreaker is safe for concurrent use by any number of executors.
type CircuitBreaker struct {
	config Config
	logger *zap.Logger
	clock  func() time.Time

	mu                  sync.Mutex
	consecutiveFailures int
	lastFailure         time.Time
	open                bool
}

func NewCircuitBreaker(config Config, logger *zap.Logger) *CircuitBreaker {
	if logger == nil {
		logger = logutils.ZapLogger().Named("CircuitBreaker")
	}
	return &CircuitBreaker{
		config: config,
		logger: logger,
		clock:  time.Now,
	}
}

// Allow reports whether an operation may proceed. While open and within the
// cooldown it returns rpcerrors.ErrCircuitOpen without any further work.
// Once the cooldown has elapsed the breaker closes optimistically and lets
// the next operation probe the backend.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if !cb.open {
		return nil
	}

	if cb.clock().Sub(cb.lastFailure) > cb.config.Cooldown {
		cb.logger.Info("cooldown elapsed, allowing trial call")
		cb.open = false
		cb.consecutiveFailures = 0
		return nil
	}

	return rpcerrors.ErrCircuitOpen
}

// RecordSuccess closes the breaker and resets the failure count.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.open || cb.consecutiveFailures > 0 {
		cb.logger.Info("operation succeeded, closing circuit")
	}
	cb.open = false
	cb.consecutiveFailures = 0
}

// RecordFailure counts one exhausted operation and opens the breaker once
// the threshold is reached.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.lastFailure = cb.clock()

	if !cb.open && cb.consecutiveFailures >= cb.config.FailureThreshold {
		cb.open = true
		cb.logger.Warn("circuit tripped",
			zap.Int("consecutiveFailures", cb.consecutiveFailures),
			zap.Duration("cooldown", cb.config.Cooldown))
	}
}

// State returns the current state without mutating it.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if !cb.open {
		return StateClosed
	}
	if cb.clock().Sub(cb.lastFailure) > cb.config.Cooldown {
		return StateHalfOpen
	}
	return StateOpen
}

// FailureCount returns the current consecutive failure count.
func (cb *CircuitBreaker) FailureCount() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.consecutiveFailures
}
