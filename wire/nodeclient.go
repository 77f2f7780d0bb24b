package wire

import (
	"context"
	"encoding/json"
	"sync"

	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/comai-net/comai-go/logutils"
)

var errNotConnected = errors.New("wire client is not connected")

// NodeClient is the production Client. It speaks JSON-RPC over a websocket
// using the go-ethereum rpc package, which handles request multiplexing and
// subscription routing on the single underlying connection.
type NodeClient struct {
	url    string
	logger *zap.Logger

	mu  sync.RWMutex
	rpc *gethrpc.Client
}

// NewNodeClient returns an unconnected client for the given websocket URL.
func NewNodeClient(url string, logger *zap.Logger) *NodeClient {
	if logger == nil {
		logger = logutils.ZapLogger().Named("NodeClient")
	}
	return &NodeClient{
		url:    url,
		logger: logger,
	}
}

// NodeClientFactory builds NodeClients; this is the Factory the pool gets
// in production.
type NodeClientFactory struct {
	logger *zap.Logger
}

func NewNodeClientFactory(logger *zap.Logger) *NodeClientFactory {
	return &NodeClientFactory{logger: logger}
}

func (f *NodeClientFactory) New(url string) Client {
	return NewNodeClient(url, f.logger)
}

func (c *NodeClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rpc != nil {
		return nil
	}

	rpcClient, err := gethrpc.DialContext(ctx, c.url)
	if err != nil {
		return errors.Wrapf(err, "dial %s", c.url)
	}
	c.rpc = rpcClient
	return nil
}

func (c *NodeClient) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rpc != nil {
		c.rpc.Close()
		c.rpc = nil
	}
}

func (c *NodeClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rpc != nil
}

func (c *NodeClient) Call(ctx context.Context, result interface{}, method string, params ...interface{}) error {
	c.mu.RLock()
	rpcClient := c.rpc
	c.mu.RUnlock()

	if rpcClient == nil {
		return errNotConnected
	}
	return rpcClient.CallContext(ctx, result, method, params...)
}

func (c *NodeClient) Subscribe(ctx context.Context, namespace string, updates chan<- json.RawMessage, params ...interface{}) (Subscription, error) {
	c.mu.RLock()
	rpcClient := c.rpc
	c.mu.RUnlock()

	if rpcClient == nil {
		return nil, errNotConnected
	}
	sub, err := rpcClient.Subscribe(ctx, namespace, updates, params...)
	if err != nil {
		return nil, errors.Wrapf(err, "subscribe %s", namespace)
	}
	return sub, nil
}
