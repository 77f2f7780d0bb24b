// Package pool maintains a bounded set of wire connections to a node.
// Admission is a counting semaphore separate from the bookkeeping lock, so
// capacity limiting and metadata mutation are synchronized independently and
// no network call ever happens under the lock.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/comai-net/comai-go/logutils"
	"github.com/comai-net/comai-go/rpcerrors"
	"github.com/comai-net/comai-go/wire"
)

const (
	// healthMethod is the lightweight liveness probe issued before an idle
	// connection is handed out again.
	healthMethod = "system_health"

	probeTimeout = 5 * time.Second
)

// Connection is one pooled wire connection. While checked out it is owned
// exclusively by the caller; the sweep never touches it beyond bookkeeping.
type Connection struct {
	ID       string
	Client   wire.Client
	Priority int

	lastUsed time.Time
}

// Config holds the pool parameters, already resolved by params.ClientConfig.
type Config struct {
	URL           string
	Capacity      int
	IdleTimeout   time.Duration
	SweepInterval time.Duration
}

// Pool is safe for concurrent use.
type Pool struct {
	config  Config
	factory wire.Factory
	logger  *zap.Logger
	sem     *semaphore.Weighted

	mu      sync.Mutex
	idle    []*Connection
	active  map[string]*Connection
	running bool
	quit    chan struct{}
	wg      sync.WaitGroup
}

func NewPool(config Config, factory wire.Factory, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = logutils.ZapLogger().Named("Pool")
	}
	return &Pool{
		config:  config,
		factory: factory,
		logger:  logger,
		sem:     semaphore.NewWeighted(int64(config.Capacity)),
		active:  make(map[string]*Connection),
	}
}

// Acquire checks out a connection, waiting up to timeout for a permit.
// Exhaustion surfaces as rpcerrors.ErrPoolTimeout; a failed dial surfaces as
// *rpcerrors.ConnectionError and returns the permit.
func (p *Pool) Acquire(ctx context.Context, priority int, timeout time.Duration) (*Connection, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := p.sem.Acquire(acquireCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrap(ctx.Err(), "connection checkout abandoned by caller")
		}
		return nil, errors.Wrapf(rpcerrors.ErrPoolTimeout, "capacity %d, waited %s", p.config.Capacity, timeout)
	}

	// Reuse an idle connection if one is still alive. Dead ones are
	// discarded and replaced transparently.
	for {
		conn := p.popIdle()
		if conn == nil {
			break
		}
		if p.probe(ctx, conn.Client) {
			p.checkout(conn, priority)
			return conn, nil
		}
		p.logger.Debug("idle connection failed liveness probe, discarding",
			zap.String("id", conn.ID))
		conn.Client.Disconnect()
	}

	client := p.factory.New(p.config.URL)
	if err := client.Connect(ctx); err != nil {
		p.sem.Release(1)
		return nil, rpcerrors.NewConnectionError(p.config.URL, err)
	}

	conn := &Connection{ID: uuid.NewString(), Client: client}
	p.checkout(conn, priority)
	return conn, nil
}

// Release returns a checked-out connection to the idle set and frees its
// permit. Releasing an unknown id is logged and otherwise a no-op, so a
// permit is only ever released once per matching Acquire.
func (p *Pool) Release(id string) {
	p.mu.Lock()
	conn, ok := p.active[id]
	if !ok {
		p.mu.Unlock()
		p.logger.Warn("release of unknown connection", zap.String("id", id))
		return
	}
	delete(p.active, id)
	conn.lastUsed = time.Now()
	p.idle = append(p.idle, conn)
	p.mu.Unlock()

	p.sem.Release(1)
}

// Start launches the background health sweep. Idempotent.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return
	}
	p.running = true
	p.quit = make(chan struct{})
	p.wg.Add(1)
	go p.sweepLoop(p.quit)
}

// Stop terminates the sweep and closes every pooled connection. Idempotent.
// Shutdown latency is bounded by the sweep interval.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	quit := p.quit
	p.mu.Unlock()

	close(quit)
	p.wg.Wait()

	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	active := p.active
	p.active = make(map[string]*Connection)
	p.mu.Unlock()

	for _, conn := range idle {
		conn.Client.Disconnect()
	}
	for _, conn := range active {
		p.logger.Warn("closing connection still checked out at shutdown",
			zap.String("id", conn.ID))
		conn.Client.Disconnect()
	}
}

// ActiveCount returns the number of checked-out connections.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// IdleCount returns the number of idle connections.
func (p *Pool) IdleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

func (p *Pool) popIdle() *Connection {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.idle)
	if n == 0 {
		return nil
	}
	conn := p.idle[n-1]
	p.idle = p.idle[:n-1]
	return conn
}

func (p *Pool) checkout(conn *Connection, priority int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	conn.Priority = priority
	conn.lastUsed = time.Now()
	p.active[conn.ID] = conn
}

func (p *Pool) probe(ctx context.Context, client wire.Client) bool {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	if err := client.Call(probeCtx, nil, healthMethod); err != nil {
		p.logger.Debug("liveness probe failed", zap.Error(err))
		return false
	}
	return true
}

func (p *Pool) sweepLoop(quit chan struct{}) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-quit:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

// sweep reclaims checked-out connections whose owner went away (bookkeeping
// only, never an in-flight call) and probes idle connections, dropping dead
// or over-aged ones. Idle connections are probed one at a time under a pool
// permit, so a connection temporarily out of the idle list still counts
// against capacity and concurrent checkouts cannot dial past it.
func (p *Pool) sweep() {
	now := time.Now()

	p.mu.Lock()
	var stale []*Connection
	for id, conn := range p.active {
		if now.Sub(conn.lastUsed) > p.config.IdleTimeout {
			delete(p.active, id)
			stale = append(stale, conn)
		}
	}
	idleCount := len(p.idle)
	p.mu.Unlock()

	for _, conn := range stale {
		p.logger.Info("reclaiming abandoned connection",
			zap.String("id", conn.ID),
			zap.Duration("idle", now.Sub(conn.lastUsed)))
		conn.Client.Disconnect()
		p.sem.Release(1)
	}

	for i := 0; i < idleCount; i++ {
		// No free permit means every connection is checked out and the
		// idle list is being drained anyway.
		if !p.sem.TryAcquire(1) {
			return
		}
		conn := p.popIdle()
		if conn == nil {
			p.sem.Release(1)
			return
		}
		switch {
		case now.Sub(conn.lastUsed) > p.config.IdleTimeout:
			p.logger.Info("closing idle connection", zap.String("id", conn.ID))
			conn.Client.Disconnect()
		case !p.probe(context.Background(), conn.Client):
			p.logger.Warn("idle connection is dead, closing", zap.String("id", conn.ID))
			conn.Client.Disconnect()
		default:
			// Survivors go to the front: popIdle takes from the back,
			// so the next iteration visits a not-yet-probed connection.
			p.mu.Lock()
			p.idle = append([]*Connection{conn}, p.idle...)
			p.mu.Unlock()
		}
		p.sem.Release(1)
	}
}
