// Package executor wraps single RPC operations with retry, exponential
// backoff and a shared circuit breaker. It consumes connections from the
// pool but is agnostic to how they were produced.
package executor

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/comai-net/comai-go/circuitbreaker"
	"github.com/comai-net/comai-go/logutils"
	"github.com/comai-net/comai-go/pool"
	"github.com/comai-net/comai-go/rpcerrors"
)

// Operation performs one RPC call on the supplied connection.
type Operation func(ctx context.Context, conn *pool.Connection) (interface{}, error)

// Config holds the retry schedule. Delay before attempt n+1 is
// BaseDelay*2^n with ±20% uniform jitter.
type Config struct {
	RetryAttempts   int
	BaseDelay       time.Duration
	CheckoutTimeout time.Duration
}

type Executor struct {
	config  Config
	pool    *pool.Pool
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

func NewExecutor(config Config, connPool *pool.Pool, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = logutils.ZapLogger().Named("Executor")
	}
	return &Executor{
		config:  config,
		pool:    connPool,
		breaker: breaker,
		logger:  logger,
	}
}

// Execute runs op with retries. The breaker is consulted before any
// connection is acquired; while open within its cooldown the call fails
// immediately with rpcerrors.ErrCircuitOpen. One exhausted Execute counts as
// one breaker failure regardless of the attempt count, and any success
// closes the breaker.
func (e *Executor) Execute(ctx context.Context, method string, op Operation) (interface{}, error) {
	if method == "" {
		return nil, rpcerrors.NewValidationError("method", "cannot be empty")
	}
	if err := e.breaker.Allow(); err != nil {
		return nil, err
	}

	schedule := backoff.NewExponentialBackOff()
	schedule.InitialInterval = e.config.BaseDelay
	schedule.Multiplier = 2
	schedule.RandomizationFactor = 0.2
	schedule.MaxElapsedTime = 0

	var result interface{}
	attempt := 0
	lastAttempt := func() error {
		attempt++
		value, err := e.attempt(ctx, op)
		if err != nil {
			e.logger.Warn("operation failed",
				zap.String("method", method),
				zap.Int("attempt", attempt),
				zap.Int("maxAttempts", e.config.RetryAttempts),
				zap.Error(err))
			if !rpcerrors.IsRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		result = value
		return nil
	}

	err := backoff.Retry(lastAttempt, backoff.WithContext(
		backoff.WithMaxRetries(schedule, uint64(e.config.RetryAttempts-1)), ctx))
	if err != nil {
		var permanent *rpcerrors.ValidationError
		if errors.As(err, &permanent) || errors.Is(err, rpcerrors.ErrPoolTimeout) {
			return nil, err
		}
		e.breaker.RecordFailure()
		return nil, rpcerrors.NewOperationError(method, attempt, err)
	}

	e.breaker.RecordSuccess()
	return result, nil
}

// attempt checks out a connection, runs the operation and returns the
// connection in all cases.
func (e *Executor) attempt(ctx context.Context, op Operation) (interface{}, error) {
	conn, err := e.pool.Acquire(ctx, 0, e.config.CheckoutTimeout)
	if err != nil {
		return nil, err
	}
	defer e.pool.Release(conn.ID)

	return op(ctx, conn)
}
