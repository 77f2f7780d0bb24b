package subscriptions

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/comai-net/comai-go/pool"
	"github.com/comai-net/comai-go/rpcerrors"
	"github.com/comai-net/comai-go/wire"
)

type recorder struct {
	mu      sync.Mutex
	updates []string
}

func (r *recorder) callback(update json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, string(update))
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.updates)
}

func newTestMux(t *testing.T) (*Multiplexer, *wire.FakeFactory) {
	t.Helper()

	factory := wire.NewFakeFactory()
	connPool := pool.NewPool(pool.Config{
		URL:           "ws://localhost:9944",
		Capacity:      2,
		IdleTimeout:   time.Minute,
		SweepInterval: time.Minute,
	}, factory, zap.NewNop())
	t.Cleanup(connPool.Stop)

	return NewMultiplexer(connPool, time.Second, zap.NewNop()), factory
}

func TestMultiplexer_SharedUnderlyingSubscription(t *testing.T) {
	mux, factory := newTestMux(t)

	first, second := &recorder{}, &recorder{}
	params := []interface{}{"storage", "SubspaceModule.Keys"}

	h1, err := mux.Subscribe(context.Background(), "state", params, first.callback)
	require.NoError(t, err)
	h2, err := mux.Subscribe(context.Background(), "state", params, second.callback)
	require.NoError(t, err)
	require.NotEqual(t, h1, h2)

	// Two handles, one upstream subscription.
	client := factory.Created[0]
	require.Equal(t, 1, client.SubscribeCount())
	require.Equal(t, 1, mux.GroupCount())

	// An upstream update reaches both callbacks.
	client.PushUpdate(json.RawMessage(`{"block":1}`))
	require.Eventually(t, func() bool {
		return first.count() == 1 && second.count() == 1
	}, time.Second, 5*time.Millisecond)

	// Removing one handle leaves the other receiving.
	require.True(t, mux.Unsubscribe(h1))
	require.Equal(t, 0, client.UnsubscribeCount())

	client.PushUpdate(json.RawMessage(`{"block":2}`))
	require.Eventually(t, func() bool {
		return second.count() == 2
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, first.count())

	// The last removal tears down the upstream subscription exactly once.
	require.True(t, mux.Unsubscribe(h2))
	require.Equal(t, 1, client.UnsubscribeCount())
	require.Equal(t, 0, mux.GroupCount())
}

func TestMultiplexer_DistinctParamsGetDistinctGroups(t *testing.T) {
	mux, factory := newTestMux(t)

	r := &recorder{}
	_, err := mux.Subscribe(context.Background(), "state", []interface{}{"a"}, r.callback)
	require.NoError(t, err)
	_, err = mux.Subscribe(context.Background(), "state", []interface{}{"b"}, r.callback)
	require.NoError(t, err)

	require.Equal(t, 2, mux.GroupCount())
	total := 0
	for _, client := range factory.Created {
		total += client.SubscribeCount()
	}
	require.Equal(t, 2, total)
}

func TestMultiplexer_UnsubscribeUnknownHandle(t *testing.T) {
	mux, _ := newTestMux(t)
	require.False(t, mux.Unsubscribe("bogus"))
}

func TestMultiplexer_PanickingCallbackIsolated(t *testing.T) {
	mux, factory := newTestMux(t)

	healthy := &recorder{}
	params := []interface{}{"storage"}

	_, err := mux.Subscribe(context.Background(), "state", params, func(json.RawMessage) {
		panic("bad subscriber")
	})
	require.NoError(t, err)
	_, err = mux.Subscribe(context.Background(), "state", params, healthy.callback)
	require.NoError(t, err)

	factory.Created[0].PushUpdate(json.RawMessage(`{}`))
	require.Eventually(t, func() bool {
		return healthy.count() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestMultiplexer_ValidationErrors(t *testing.T) {
	mux, _ := newTestMux(t)

	var validationErr *rpcerrors.ValidationError

	_, err := mux.Subscribe(context.Background(), "", nil, func(json.RawMessage) {})
	require.ErrorAs(t, err, &validationErr)

	_, err = mux.Subscribe(context.Background(), "state", nil, nil)
	require.ErrorAs(t, err, &validationErr)
}

func TestMultiplexer_SetupReturnsConnectionToPool(t *testing.T) {
	mux, factory := newTestMux(t)

	r := &recorder{}
	_, err := mux.Subscribe(context.Background(), "state", nil, r.callback)
	require.NoError(t, err)

	// Setup borrowed a pooled connection and gave it back.
	require.Len(t, factory.Created, 1)

	_, err = mux.Subscribe(context.Background(), "chain", nil, r.callback)
	require.NoError(t, err)
	require.Len(t, factory.Created, 1)
}

func TestMultiplexer_DeadUpstreamGroupIsReplaced(t *testing.T) {
	mux, factory := newTestMux(t)

	first, second := &recorder{}, &recorder{}
	params := []interface{}{"storage", "SubspaceModule.Keys"}

	h1, err := mux.Subscribe(context.Background(), "state", params, first.callback)
	require.NoError(t, err)

	client := factory.Created[0]
	client.LastSubscription().Fail(errors.New("transport reset"))

	// The dead group is reaped together with its handles.
	require.Eventually(t, func() bool {
		return mux.GroupCount() == 0
	}, time.Second, 5*time.Millisecond)
	require.False(t, mux.Unsubscribe(h1))

	// A later subscriber gets a fresh upstream subscription, not the dead
	// one.
	_, err = mux.Subscribe(context.Background(), "state", params, second.callback)
	require.NoError(t, err)
	require.Equal(t, 2, client.SubscribeCount())

	client.PushUpdate(json.RawMessage(`{"block":3}`))
	require.Eventually(t, func() bool {
		return second.count() == 1
	}, time.Second, 5*time.Millisecond)
	require.Zero(t, first.count())
}

func TestMultiplexer_UnsubscribeAll(t *testing.T) {
	mux, factory := newTestMux(t)

	r := &recorder{}
	_, err := mux.Subscribe(context.Background(), "state", []interface{}{"a"}, r.callback)
	require.NoError(t, err)
	_, err = mux.Subscribe(context.Background(), "state", []interface{}{"a"}, r.callback)
	require.NoError(t, err)
	_, err = mux.Subscribe(context.Background(), "state", []interface{}{"b"}, r.callback)
	require.NoError(t, err)

	mux.UnsubscribeAll()
	require.Equal(t, 0, mux.GroupCount())

	total := 0
	for _, client := range factory.Created {
		total += client.UnsubscribeCount()
	}
	require.Equal(t, 2, total)
}
