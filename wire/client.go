// Package wire defines the wire-level client to a blockchain node and its
// production implementation. The access layer above it (pool, executor,
// cache, subscriptions) only ever talks to these interfaces, so tests can
// swap in the fake from testhelpers.go.
package wire

import (
	"context"
	"encoding/json"
)

// Client is one persistent connection to a node. Implementations must be
// safe for concurrent use.
type Client interface {
	// Connect establishes the underlying transport connection.
	Connect(ctx context.Context) error

	// Disconnect closes the transport. Safe to call on a client that never
	// connected.
	Disconnect()

	// IsConnected reports whether the transport is currently established.
	IsConnected() bool

	// Call executes a named RPC method with positional parameters and
	// unmarshals the response into result. Result may be nil, in which
	// case the response is discarded.
	Call(ctx context.Context, result interface{}, method string, params ...interface{}) error

	// Subscribe creates a push subscription under the given namespace and
	// delivers every upstream update to the channel as raw JSON.
	Subscribe(ctx context.Context, namespace string, updates chan<- json.RawMessage, params ...interface{}) (Subscription, error)
}

// Subscription is a live push subscription.
type Subscription interface {
	// Unsubscribe tears down the subscription and stops deliveries.
	Unsubscribe()

	// Err yields at most one error when the subscription dies; the channel
	// is closed on Unsubscribe.
	Err() <-chan error
}

// Factory creates wire clients for a node URL. Injected into the pool so
// the wire variant is a construction-time decision.
type Factory interface {
	New(url string) Client
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(url string) Client

func (f FactoryFunc) New(url string) Client { return f(url) }
