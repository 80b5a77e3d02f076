// Package cache holds results of read operations (Read, List, Count)
// keyed by a stable fingerprint of the query shape. Writes never read
// the cache; they bump the model's generation counter so older entries
// go stale without a sweep.
//
// The backing Store is pluggable: MemoryStore is the in-process
// default, RedisStore shares entries across processes. Backend faults
// never reach operation callers; the cache degrades to a miss and logs
// a warning.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultTTL bounds entry freshness.
	DefaultTTL = 5 * time.Minute

	// DefaultMaxEntries bounds the memory store before LRU eviction.
	DefaultMaxEntries = 10_000
)

// Entry is one cached read result together with the model generation
// it was stored under.
type Entry struct {
	Generation uint64
	Value      any
	ExpiresAt  time.Time
}

// Store is the cache backend. Implementations are safe for concurrent
// use. A Get of an absent or expired key returns (nil, false, nil);
// errors mean the backend itself failed.
type Store interface {
	Get(ctx context.Context, key string) (*Entry, bool, error)
	Set(ctx context.Context, key string, e *Entry) error
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}

// Fingerprint identifies one cacheable read. Equal query shapes hash
// equal; any change to the filter, parameter tuple, column list, or
// ordering produces a different fingerprint.
type Fingerprint string

// NewFingerprint hashes the identifying parts of a read operation.
// filter is the canonical filter form, params the bound values in
// placeholder order.
func NewFingerprint(model, op, filter string, params []any, columns []string, orderBy string) Fingerprint {
	payload := struct {
		Model   string   `json:"model"`
		Op      string   `json:"op"`
		Filter  string   `json:"filter"`
		Params  []any    `json:"params"`
		Columns []string `json:"columns"`
		OrderBy string   `json:"order_by"`
	}{model, op, filter, params, columns, orderBy}
	b, err := json.Marshal(payload)
	if err != nil {
		// Non-encodable parameter values still need a stable key.
		b = []byte(fmt.Sprintf("%s|%s|%s|%v|%v|%s", model, op, filter, params, columns, orderBy))
	}
	sum := sha256.Sum256(b)
	return Fingerprint(hex.EncodeToString(sum[:]))
}

// Stats is a point-in-time snapshot of cache counters. Stale counts
// entries skipped because their generation was behind the model's.
type Stats struct {
	Hits     uint64
	Misses   uint64
	Stale    uint64
	Stores   uint64
	Bypasses uint64
}

// Options configures New.
type Options struct {
	// TTL bounds entry freshness. Zero means DefaultTTL.
	TTL time.Duration
	// Logger receives degradation warnings. Nil means silent.
	Logger *zap.Logger
}

// Cache fronts a Store with fingerprinting, per-model generation
// counters, and single-flight load deduplication.
type Cache struct {
	store Store
	ttl   time.Duration
	log   *zap.Logger

	gens  sync.Map // model -> *atomic.Uint64
	group singleflight.Group

	hits     atomic.Uint64
	misses   atomic.Uint64
	stale    atomic.Uint64
	stores   atomic.Uint64
	bypasses atomic.Uint64
}

// New builds a Cache over store. A nil store gets an in-process
// MemoryStore with the default entry bound.
func New(store Store, opts Options) *Cache {
	if store == nil {
		store = NewMemoryStore(DefaultMaxEntries)
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Cache{store: store, ttl: ttl, log: log}
}

func storageKey(model string, fp Fingerprint) string {
	return "dataflow:" + model + ":" + string(fp)
}

func (c *Cache) generation(model string) *atomic.Uint64 {
	if g, ok := c.gens.Load(model); ok {
		return g.(*atomic.Uint64)
	}
	g, _ := c.gens.LoadOrStore(model, new(atomic.Uint64))
	return g.(*atomic.Uint64)
}

// Get returns the cached value for fp when present, unexpired, and
// current for the model's generation. Backend faults degrade to a miss.
func (c *Cache) Get(ctx context.Context, model string, fp Fingerprint) (any, bool) {
	e, ok, err := c.store.Get(ctx, storageKey(model, fp))
	if err != nil {
		c.bypasses.Add(1)
		c.log.Warn("cache read failed; treating as miss",
			zap.String("model", model), zap.Error(err))
		return nil, false
	}
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	if e.Generation < c.generation(model).Load() {
		c.stale.Add(1)
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return e.Value, true
}

// Set stores value under fp at the model's current generation.
// Backend faults are logged and swallowed.
func (c *Cache) Set(ctx context.Context, model string, fp Fingerprint, value any) {
	e := &Entry{
		Generation: c.generation(model).Load(),
		Value:      value,
		ExpiresAt:  time.Now().Add(c.ttl),
	}
	if err := c.store.Set(ctx, storageKey(model, fp), e); err != nil {
		c.bypasses.Add(1)
		c.log.Warn("cache write failed; entry dropped",
			zap.String("model", model), zap.Error(err))
		return
	}
	c.stores.Add(1)
}

// Do returns the cached value for fp or runs load once to produce it,
// deduplicating concurrent loads of the same fingerprint. Load errors
// propagate uncached.
func (c *Cache) Do(ctx context.Context, model string, fp Fingerprint, load func(context.Context) (any, error)) (any, error) {
	if v, ok := c.Get(ctx, model, fp); ok {
		return v, nil
	}
	v, err, _ := c.group.Do(storageKey(model, fp), func() (any, error) {
		if v, ok := c.Get(ctx, model, fp); ok {
			return v, nil
		}
		v, err := load(ctx)
		if err != nil {
			return nil, err
		}
		c.Set(ctx, model, fp, v)
		return v, nil
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// InvalidateModel marks every cached entry for the model stale by
// bumping its generation counter.
func (c *Cache) InvalidateModel(model string) {
	c.generation(model).Add(1)
}

// Stats snapshots the cache counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:     c.hits.Load(),
		Misses:   c.misses.Load(),
		Stale:    c.stale.Load(),
		Stores:   c.stores.Load(),
		Bypasses: c.bypasses.Load(),
	}
}

// Ping checks the backing store.
func (c *Cache) Ping(ctx context.Context) error {
	return c.store.Ping(ctx)
}

// Close releases the backing store.
func (c *Cache) Close() error {
	return c.store.Close()
}
