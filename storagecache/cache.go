// Package storagecache is a two-tier TTL cache for idempotent read queries:
// a ttlcache memory tier over a goleveldb persisted tier. The persisted tier
// survives process restarts; entries past their TTL are discarded instead of
// rehydrated.
package storagecache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"

	"github.com/comai-net/comai-go/logutils"
)

// FetchFunc produces a fresh value on a cache miss, typically backed by the
// resilient executor.
type FetchFunc func(ctx context.Context) (json.RawMessage, error)

// Config holds cache parameters.
type Config struct {
	// Path is the directory of the persisted tier. Empty keeps it in
	// memory (tests, ephemeral processes).
	Path string

	// DefaultTTL applies when Get is called with ttl <= 0.
	DefaultTTL time.Duration

	// RefreshInterval is the period of the background refresh loop. Zero
	// disables the loop.
	RefreshInterval time.Duration
}

type fetchEntry struct {
	fetch FetchFunc
	ttl   time.Duration
}

// Cache is safe for concurrent use.
type Cache struct {
	config Config
	logger *zap.Logger

	mem *ttlcache.Cache[string, json.RawMessage]
	db  *leveldb.DB

	mu       sync.Mutex
	fetchers map[string]fetchEntry
	running  bool
	quit     chan struct{}
	wg       sync.WaitGroup
}

// persistedEntry is one record of the persisted tier, one per logical query
// signature.
type persistedEntry struct {
	Value    json.RawMessage `json:"value"`
	StoredAt time.Time       `json:"stored_at"`
	TTL      time.Duration   `json:"ttl"`
}

func (e *persistedEntry) expired(now time.Time) bool {
	return now.Sub(e.StoredAt) >= e.TTL
}

// NewCache opens the persisted tier (recovering a corrupted store if
// needed), drops entries already past their TTL and returns the cache.
func NewCache(config Config, logger *zap.Logger) (*Cache, error) {
	if logger == nil {
		logger = logutils.ZapLogger().Named("StorageCache")
	}

	db, err := openDB(config.Path, logger)
	if err != nil {
		return nil, errors.Wrap(err, "open persisted cache")
	}

	c := &Cache{
		config: config,
		logger: logger,
		mem: ttlcache.New[string, json.RawMessage](
			ttlcache.WithTTL[string, json.RawMessage](config.DefaultTTL),
			ttlcache.WithDisableTouchOnHit[string, json.RawMessage](),
		),
		db:       db,
		fetchers: make(map[string]fetchEntry),
	}
	c.dropExpired()
	return c, nil
}

// Get returns the cached value for key, consulting memory first, then the
// persisted tier (promoting a hit into memory with its remaining TTL), and
// finally invoking fetch and storing the result in both tiers.
func (c *Cache) Get(ctx context.Context, key string, ttl time.Duration, fetch FetchFunc) (json.RawMessage, error) {
	if ttl <= 0 {
		ttl = c.config.DefaultTTL
	}
	c.rememberFetcher(key, ttl, fetch)

	if item := c.mem.Get(key); item != nil {
		return item.Value(), nil
	}

	if entry, ok := c.readPersisted(key); ok {
		remaining := entry.TTL - time.Since(entry.StoredAt)
		c.mem.Set(key, entry.Value, remaining)
		return entry.Value, nil
	}

	value, err := fetch(ctx)
	if err != nil {
		return nil, err
	}
	c.store(key, value, ttl)
	return value, nil
}

// RefreshAll re-fetches every known key and overwrites both tiers. A key
// whose entry lapsed without being re-read is dropped from the registry
// instead of refetched; the next Get re-registers it. Per-key failures are
// logged and do not abort the sweep.
func (c *Cache) RefreshAll(ctx context.Context) {
	c.mu.Lock()
	fetchers := make(map[string]fetchEntry, len(c.fetchers))
	for key, entry := range c.fetchers {
		fetchers[key] = entry
	}
	c.mu.Unlock()

	for key, entry := range fetchers {
		if !c.live(key) {
			c.forgetFetcher(key)
			continue
		}
		value, err := entry.fetch(ctx)
		if err != nil {
			c.logger.Warn("refresh failed, keeping stale entry",
				zap.String("key", key), zap.Error(err))
			continue
		}
		c.store(key, value, entry.ttl)
	}
}

// Start launches the background refresh loop. Idempotent; a zero refresh
// interval leaves the loop off.
func (c *Cache) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running || c.config.RefreshInterval <= 0 {
		return
	}
	c.running = true
	c.quit = make(chan struct{})
	c.wg.Add(1)
	go c.refreshLoop(c.quit)
}

// Stop terminates the refresh loop. Idempotent.
func (c *Cache) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	quit := c.quit
	c.mu.Unlock()

	close(quit)
	c.wg.Wait()
}

// Clear drops both tiers and the registered fetchers.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.fetchers = make(map[string]fetchEntry)
	c.mu.Unlock()

	c.mem.DeleteAll()

	iter := c.db.NewIterator(util.BytesPrefix([]byte{byte(storageValues)}), nil)
	defer iter.Release()
	for iter.Next() {
		if err := c.db.Delete(append([]byte{}, iter.Key()...), nil); err != nil {
			c.logger.Warn("failed to delete persisted entry", zap.Error(err))
		}
	}
}

// Close stops the refresh loop and closes the persisted tier.
func (c *Cache) Close() error {
	c.Stop()
	return c.db.Close()
}

// Len returns the number of keys with a registered fetcher.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.fetchers)
}

func (c *Cache) rememberFetcher(key string, ttl time.Duration, fetch FetchFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetchers[key] = fetchEntry{fetch: fetch, ttl: ttl}
}

func (c *Cache) forgetFetcher(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.fetchers, key)
}

// live reports whether the key still has an unexpired entry in either tier.
func (c *Cache) live(key string) bool {
	if c.mem.Get(key) != nil {
		return true
	}
	_, ok := c.readPersisted(key)
	return ok
}

func (c *Cache) store(key string, value json.RawMessage, ttl time.Duration) {
	c.mem.Set(key, value, ttl)

	data, err := json.Marshal(persistedEntry{
		Value:    value,
		StoredAt: time.Now(),
		TTL:      ttl,
	})
	if err != nil {
		c.logger.Warn("failed to serialize persisted entry", zap.String("key", key), zap.Error(err))
		return
	}
	if err := c.db.Put(dbKey(key), data, nil); err != nil {
		c.logger.Warn("failed to persist entry", zap.String("key", key), zap.Error(err))
	}
}

func (c *Cache) readPersisted(key string) (*persistedEntry, bool) {
	data, err := c.db.Get(dbKey(key), nil)
	if err != nil {
		if err != leveldb.ErrNotFound {
			c.logger.Warn("failed to read persisted entry", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}

	var entry persistedEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		c.logger.Warn("corrupt persisted entry, dropping", zap.String("key", key), zap.Error(err))
		_ = c.db.Delete(dbKey(key), nil)
		return nil, false
	}
	if entry.expired(time.Now()) {
		_ = c.db.Delete(dbKey(key), nil)
		return nil, false
	}
	return &entry, true
}

// dropExpired removes persisted records already past their TTL. Runs once at
// open so stale state never survives a restart.
func (c *Cache) dropExpired() {
	now := time.Now()
	dropped := 0

	iter := c.db.NewIterator(util.BytesPrefix([]byte{byte(storageValues)}), nil)
	defer iter.Release()
	for iter.Next() {
		var entry persistedEntry
		if err := json.Unmarshal(iter.Value(), &entry); err == nil && !entry.expired(now) {
			continue
		}
		if err := c.db.Delete(append([]byte{}, iter.Key()...), nil); err == nil {
			dropped++
		}
	}
	if dropped > 0 {
		c.logger.Info("dropped expired persisted entries", zap.Int("count", dropped))
	}
}

func (c *Cache) refreshLoop(quit chan struct{}) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-quit:
			return
		case <-ticker.C:
			c.RefreshAll(context.Background())
		}
	}
}
