// Package client is the high-level entry point of the access layer. It wires
// the connection pool, resilient executor, two-tier result cache and
// subscription multiplexer into one facade for storage queries, extrinsic
// submission and storage subscriptions.
package client

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/comai-net/comai-go/circuitbreaker"
	"github.com/comai-net/comai-go/executor"
	"github.com/comai-net/comai-go/logutils"
	"github.com/comai-net/comai-go/params"
	"github.com/comai-net/comai-go/pool"
	"github.com/comai-net/comai-go/rpcerrors"
	"github.com/comai-net/comai-go/storagecache"
	"github.com/comai-net/comai-go/subscriptions"
	"github.com/comai-net/comai-go/wire"
)

// storageQueryMethod is the read query issued for QueryStorage.
const storageQueryMethod = "state_getStorage"

// Client is safe for concurrent use.
type Client struct {
	config   *params.ClientConfig
	logger   *zap.Logger
	pool     *pool.Pool
	breaker  *circuitbreaker.CircuitBreaker
	executor *executor.Executor
	cache    *storagecache.Cache
	subs     *subscriptions.Multiplexer
}

// NewClient builds the full stack from a validated config. A nil factory
// selects the production wire client.
func NewClient(config *params.ClientConfig, factory wire.Factory, logger *zap.Logger) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logutils.ZapLogger().Named("Client")
	}
	if factory == nil {
		factory = wire.NewNodeClientFactory(logger.Named("NodeClient"))
	}

	connPool := pool.NewPool(pool.Config{
		URL:           config.URL,
		Capacity:      config.PoolCapacity,
		IdleTimeout:   config.IdleTimeout,
		SweepInterval: config.HealthInterval,
	}, factory, logger.Named("Pool"))

	breaker := circuitbreaker.NewCircuitBreaker(circuitbreaker.Config{
		FailureThreshold: config.BreakerThreshold,
		Cooldown:         config.BreakerCooldown,
	}, logger.Named("CircuitBreaker"))

	exec := executor.NewExecutor(executor.Config{
		RetryAttempts:   config.RetryAttempts,
		BaseDelay:       config.RetryBaseDelay,
		CheckoutTimeout: config.CheckoutTimeout,
	}, connPool, breaker, logger.Named("Executor"))

	cache, err := storagecache.NewCache(storagecache.Config{
		Path:            config.CachePath,
		DefaultTTL:      config.CacheTTL,
		RefreshInterval: config.CacheRefreshInterval,
	}, logger.Named("StorageCache"))
	if err != nil {
		return nil, err
	}

	return &Client{
		config:   config,
		logger:   logger,
		pool:     connPool,
		breaker:  breaker,
		executor: exec,
		cache:    cache,
		subs:     subscriptions.NewMultiplexer(connPool, config.CheckoutTimeout, logger.Named("Subscriptions")),
	}, nil
}

// Start launches the background loops (pool health sweep, cache refresh).
// Idempotent.
func (c *Client) Start() {
	c.pool.Start()
	c.cache.Start()
}

// Stop tears down subscriptions, stops the background loops and closes the
// pooled connections. Idempotent.
func (c *Client) Stop() {
	c.subs.UnsubscribeAll()
	c.cache.Stop()
	c.pool.Stop()
}

// Close stops everything and releases the persisted cache tier.
func (c *Client) Close() error {
	c.Stop()
	return c.cache.Close()
}

// Call executes a raw RPC method through the pool, retry loop and breaker,
// and returns the raw JSON response.
func (c *Client) Call(ctx context.Context, method string, args ...interface{}) (json.RawMessage, error) {
	result, err := c.executor.Execute(ctx, method, func(ctx context.Context, conn *pool.Connection) (interface{}, error) {
		var raw json.RawMessage
		if err := conn.Client.Call(ctx, &raw, method, args...); err != nil {
			return nil, err
		}
		return raw, nil
	})
	if err != nil {
		return nil, err
	}
	raw, _ := result.(json.RawMessage)
	return raw, nil
}

// QueryOption adjusts a single storage query.
type QueryOption func(*queryOptions)

type queryOptions struct {
	blockHash string
	ttl       time.Duration
	useCache  bool
}

// AtBlock pins the query to a block hash instead of the latest state.
func AtBlock(hash string) QueryOption {
	return func(o *queryOptions) { o.blockHash = hash }
}

// WithTTL overrides the configured cache TTL for this query.
func WithTTL(ttl time.Duration) QueryOption {
	return func(o *queryOptions) { o.ttl = ttl }
}

// NoCache bypasses both cache tiers and always hits the node.
func NoCache() QueryOption {
	return func(o *queryOptions) { o.useCache = false }
}

// QueryStorage reads one storage item. Repeated identical queries within the
// TTL are served from the cache instead of re-issuing the RPC call.
func (c *Client) QueryStorage(ctx context.Context, module, item string, queryParams []interface{}, opts ...QueryOption) (json.RawMessage, error) {
	if module == "" {
		return nil, rpcerrors.NewValidationError("module", "cannot be empty")
	}
	if item == "" {
		return nil, rpcerrors.NewValidationError("storage item", "cannot be empty")
	}

	o := queryOptions{ttl: c.config.CacheTTL, useCache: true}
	for _, opt := range opts {
		opt(&o)
	}

	args := make([]interface{}, 0, len(queryParams)+3)
	args = append(args, module, item)
	args = append(args, queryParams...)
	if o.blockHash != "" {
		args = append(args, o.blockHash)
	}

	fetch := func(ctx context.Context) (json.RawMessage, error) {
		return c.Call(ctx, storageQueryMethod, args...)
	}

	if !o.useCache {
		return fetch(ctx)
	}

	key, err := storagecache.Key(module, item, queryParams, o.blockHash)
	if err != nil {
		return nil, err
	}
	return c.cache.Get(ctx, key, o.ttl, fetch)
}

// SubscribeStorage registers a callback for changes of one storage item.
// Identical subscriptions share a single upstream subscription.
func (c *Client) SubscribeStorage(ctx context.Context, module, item string, queryParams []interface{}, callback subscriptions.Callback) (string, error) {
	if module == "" {
		return "", rpcerrors.NewValidationError("module", "cannot be empty")
	}
	if item == "" {
		return "", rpcerrors.NewValidationError("storage item", "cannot be empty")
	}

	subParams := make([]interface{}, 0, len(queryParams)+3)
	subParams = append(subParams, "storage", module, item)
	subParams = append(subParams, queryParams...)

	return c.subs.Subscribe(ctx, "state", subParams, callback)
}

// UnsubscribeStorage drops the callback behind the handle; returns false for
// unknown handles.
func (c *Client) UnsubscribeStorage(handle string) bool {
	return c.subs.Unsubscribe(handle)
}

// RefreshCache re-fetches every cached query and overwrites both tiers.
func (c *Client) RefreshCache(ctx context.Context) {
	c.cache.RefreshAll(ctx)
}

// ClearCache drops both cache tiers.
func (c *Client) ClearCache() {
	c.cache.Clear()
}

// BreakerState exposes the circuit state for observability.
func (c *Client) BreakerState() circuitbreaker.State {
	return c.breaker.State()
}
