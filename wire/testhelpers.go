package wire

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// FakeClient is an instrumented in-memory Client used across the package
// tests. Every call is counted per method so tests can assert on exactly
// how much wire traffic an operation produced.
type FakeClient struct {
	mu sync.Mutex

	connected  bool
	connectErr error

	responses map[string]interface{}
	failures  map[string]error
	delays    map[string]time.Duration

	callCounts   map[string]int
	subscribeN   int
	unsubscribeN int

	subs []*FakeSubscription

	subscribeErr error
}

func NewFakeClient() *FakeClient {
	return &FakeClient{
		responses:  make(map[string]interface{}),
		failures:   make(map[string]error),
		delays:     make(map[string]time.Duration),
		callCounts: make(map[string]int),
	}
}

// RespondWith makes Call unmarshal v into the result for the given method.
func (c *FakeClient) RespondWith(method string, v interface{}) *FakeClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses[method] = v
	delete(c.failures, method)
	return c
}

// FailMethod makes Call return err for the given method.
func (c *FakeClient) FailMethod(method string, err error) *FakeClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[method] = err
	return c
}

// StallMethod makes Call sleep for d before handling the given method.
// A non-positive duration clears the stall.
func (c *FakeClient) StallMethod(method string, d time.Duration) *FakeClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d <= 0 {
		delete(c.delays, method)
	} else {
		c.delays[method] = d
	}
	return c
}

// FailConnect makes Connect return err.
func (c *FakeClient) FailConnect(err error) *FakeClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectErr = err
	return c
}

// FailSubscribe makes Subscribe return err.
func (c *FakeClient) FailSubscribe(err error) *FakeClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribeErr = err
	return c
}

func (c *FakeClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connectErr != nil {
		return c.connectErr
	}
	c.connected = true
	return nil
}

func (c *FakeClient) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
}

func (c *FakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *FakeClient) Call(ctx context.Context, result interface{}, method string, params ...interface{}) error {
	c.mu.Lock()
	c.callCounts[method]++
	delay := c.delays[method]
	err, failed := c.failures[method]
	resp, ok := c.responses[method]
	c.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if failed {
		return err
	}
	if !ok || result == nil {
		return nil
	}

	data, merr := json.Marshal(resp)
	if merr != nil {
		return merr
	}
	return json.Unmarshal(data, result)
}

func (c *FakeClient) Subscribe(ctx context.Context, namespace string, updates chan<- json.RawMessage, params ...interface{}) (Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.subscribeN++
	if c.subscribeErr != nil {
		return nil, c.subscribeErr
	}

	sub := &FakeSubscription{
		updates: updates,
		errc:    make(chan error, 1),
		onUnsubscribe: func() {
			c.mu.Lock()
			c.unsubscribeN++
			c.mu.Unlock()
		},
	}
	c.subs = append(c.subs, sub)
	return sub, nil
}

// PushUpdate delivers an upstream update to every live subscription.
func (c *FakeClient) PushUpdate(update json.RawMessage) {
	c.mu.Lock()
	subs := make([]*FakeSubscription, len(c.subs))
	copy(subs, c.subs)
	c.mu.Unlock()

	for _, sub := range subs {
		sub.push(update)
	}
}

// LastSubscription returns the most recently created subscription, or nil
// when none exists.
func (c *FakeClient) LastSubscription() *FakeSubscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.subs) == 0 {
		return nil
	}
	return c.subs[len(c.subs)-1]
}

// CallCount returns how many times the method was executed.
func (c *FakeClient) CallCount(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callCounts[method]
}

// TotalCalls returns the number of executed RPC calls across all methods.
func (c *FakeClient) TotalCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, n := range c.callCounts {
		total += n
	}
	return total
}

func (c *FakeClient) SubscribeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribeN
}

func (c *FakeClient) UnsubscribeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unsubscribeN
}

// FakeSubscription is the Subscription returned by FakeClient.
type FakeSubscription struct {
	mu            sync.Mutex
	updates       chan<- json.RawMessage
	errc          chan error
	closed        bool
	onUnsubscribe func()
}

func (s *FakeSubscription) Unsubscribe() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.errc)
	s.mu.Unlock()

	if s.onUnsubscribe != nil {
		s.onUnsubscribe()
	}
}

func (s *FakeSubscription) Err() <-chan error { return s.errc }

// Fail injects a subscription error, as if the transport died.
func (s *FakeSubscription) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.errc <- err
	}
}

func (s *FakeSubscription) push(update json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.updates <- update
	}
}

// FakeFactory hands out FakeClients and records every client it created.
type FakeFactory struct {
	mu      sync.Mutex
	next    []*FakeClient
	Created []*FakeClient
}

func NewFakeFactory(clients ...*FakeClient) *FakeFactory {
	return &FakeFactory{next: clients}
}

// Enqueue appends clients to hand out before falling back to fresh ones.
func (f *FakeFactory) Enqueue(clients ...*FakeClient) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next = append(f.next, clients...)
}

func (f *FakeFactory) New(url string) Client {
	f.mu.Lock()
	defer f.mu.Unlock()

	var client *FakeClient
	if len(f.next) > 0 {
		client = f.next[0]
		f.next = f.next[1:]
	} else {
		client = NewFakeClient()
	}
	f.Created = append(f.Created, client)
	return client
}
