// Package subscriptions de-duplicates live push subscriptions: any number of
// logical subscribers to the same (namespace, parameters) pair share one
// upstream subscription, with updates fanned out to every callback.
package subscriptions

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/comai-net/comai-go/logutils"
	"github.com/comai-net/comai-go/pool"
	"github.com/comai-net/comai-go/rpcerrors"
	"github.com/comai-net/comai-go/wire"
)

// Callback receives every upstream update for its subscription. A panicking
// callback is recovered and logged; delivery to the remaining callbacks
// continues.
type Callback func(update json.RawMessage)

const updateBuffer = 64

type group struct {
	key       string
	sub       wire.Subscription
	updates   chan json.RawMessage
	callbacks map[string]Callback
	quit      chan struct{}
}

// Multiplexer is safe for concurrent use. Subscription setup consumes the
// connection pool; the checked-out connection is returned right after the
// upstream subscription is established, since the wire client multiplexes
// subscription traffic on its own.
type Multiplexer struct {
	connPool        *pool.Pool
	checkoutTimeout time.Duration
	logger          *zap.Logger

	// setupMu serializes upstream subscription creation so a burst of
	// first subscribers cannot create duplicate underlying subscriptions.
	// It is never held together with mu across a network call.
	setupMu sync.Mutex

	mu      sync.Mutex
	groups  map[string]*group
	handles map[string]string
}

func NewMultiplexer(connPool *pool.Pool, checkoutTimeout time.Duration, logger *zap.Logger) *Multiplexer {
	if logger == nil {
		logger = logutils.ZapLogger().Named("SubscriptionMultiplexer")
	}
	return &Multiplexer{
		connPool:        connPool,
		checkoutTimeout: checkoutTimeout,
		logger:          logger,
		groups:          make(map[string]*group),
		handles:         make(map[string]string),
	}
}

// GroupKey derives the deterministic group key for a subscription.
func GroupKey(namespace string, params []interface{}) (string, error) {
	if params == nil {
		params = []interface{}{}
	}
	data, err := json.Marshal(params)
	if err != nil {
		return "", errors.Wrap(err, "serialize subscription params")
	}
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%s-%s", namespace, hex.EncodeToString(sum[:])), nil
}

// Subscribe registers the callback under a fresh handle. The upstream
// subscription is created only for the first subscriber of a key.
func (m *Multiplexer) Subscribe(ctx context.Context, namespace string, params []interface{}, callback Callback) (string, error) {
	if namespace == "" {
		return "", rpcerrors.NewValidationError("namespace", "cannot be empty")
	}
	if callback == nil {
		return "", rpcerrors.NewValidationError("callback", "cannot be nil")
	}

	key, err := GroupKey(namespace, params)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	if g, ok := m.groups[key]; ok {
		handle := m.addCallbackLocked(g, callback)
		m.mu.Unlock()
		return handle, nil
	}
	m.mu.Unlock()

	m.setupMu.Lock()
	defer m.setupMu.Unlock()

	// Re-check: another subscriber may have set the group up while we
	// waited for the setup lock.
	m.mu.Lock()
	if g, ok := m.groups[key]; ok {
		handle := m.addCallbackLocked(g, callback)
		m.mu.Unlock()
		return handle, nil
	}
	m.mu.Unlock()

	g, err := m.createGroup(ctx, key, namespace, params)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	m.groups[key] = g
	handle := m.addCallbackLocked(g, callback)
	m.mu.Unlock()

	go m.dispatch(g)

	m.logger.Debug("created subscription group", zap.String("key", key))
	return handle, nil
}

// Unsubscribe removes the callback behind the handle. The last removal tears
// the upstream subscription down synchronously. Returns false for unknown
// handles.
func (m *Multiplexer) Unsubscribe(handle string) bool {
	m.mu.Lock()
	key, ok := m.handles[handle]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.handles, handle)

	g := m.groups[key]
	delete(g.callbacks, handle)
	empty := len(g.callbacks) == 0
	if empty {
		delete(m.groups, key)
	}
	m.mu.Unlock()

	if empty {
		close(g.quit)
		g.sub.Unsubscribe()
		m.logger.Debug("tore down subscription group", zap.String("key", key))
	}
	return true
}

// UnsubscribeAll drops every callback and tears down every group.
func (m *Multiplexer) UnsubscribeAll() {
	m.mu.Lock()
	handles := make([]string, 0, len(m.handles))
	for handle := range m.handles {
		handles = append(handles, handle)
	}
	m.mu.Unlock()

	for _, handle := range handles {
		m.Unsubscribe(handle)
	}
}

// GroupCount returns the number of live subscription groups.
func (m *Multiplexer) GroupCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.groups)
}

func (m *Multiplexer) addCallbackLocked(g *group, callback Callback) string {
	handle := uuid.NewString()
	g.callbacks[handle] = callback
	m.handles[handle] = g.key
	return handle
}

func (m *Multiplexer) createGroup(ctx context.Context, key, namespace string, params []interface{}) (*group, error) {
	conn, err := m.connPool.Acquire(ctx, 0, m.checkoutTimeout)
	if err != nil {
		return nil, err
	}
	defer m.connPool.Release(conn.ID)

	updates := make(chan json.RawMessage, updateBuffer)
	sub, err := conn.Client.Subscribe(ctx, namespace, updates, params...)
	if err != nil {
		return nil, err
	}

	return &group{
		key:       key,
		sub:       sub,
		updates:   updates,
		callbacks: make(map[string]Callback),
		quit:      make(chan struct{}),
	}, nil
}

func (m *Multiplexer) dispatch(g *group) {
	for {
		select {
		case <-g.quit:
			return
		case update := <-g.updates:
			m.fanOut(g, update)
		case err, ok := <-g.sub.Err():
			if ok && err != nil {
				m.logger.Warn("upstream subscription died",
					zap.String("key", g.key), zap.Error(err))
			}
			m.reapGroup(g)
			return
		}
	}
}

// reapGroup removes a group whose upstream subscription died underneath its
// subscribers. The next Subscribe for the key creates a fresh upstream
// subscription instead of silently joining a dead group. A group already
// removed by Unsubscribe is left alone.
func (m *Multiplexer) reapGroup(g *group) {
	m.mu.Lock()
	if m.groups[g.key] != g {
		m.mu.Unlock()
		return
	}
	delete(m.groups, g.key)
	dropped := 0
	for handle := range g.callbacks {
		delete(m.handles, handle)
		dropped++
	}
	m.mu.Unlock()

	if dropped > 0 {
		m.logger.Warn("dropped subscribers of dead subscription group",
			zap.String("key", g.key), zap.Int("subscribers", dropped))
	}
}

func (m *Multiplexer) fanOut(g *group, update json.RawMessage) {
	m.mu.Lock()
	callbacks := make(map[string]Callback, len(g.callbacks))
	for handle, cb := range g.callbacks {
		callbacks[handle] = cb
	}
	m.mu.Unlock()

	for handle, cb := range callbacks {
		m.invoke(g.key, handle, cb, update)
	}
}

func (m *Multiplexer) invoke(key, handle string, cb Callback, update json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("subscription callback panicked",
				zap.String("key", key),
				zap.String("handle", handle),
				zap.Any("panic", r))
		}
	}()
	cb(update)
}
