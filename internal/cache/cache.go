// Package cache is the short-TTL read-through layer in front of storage.
// Redis is the primary tier; when it is down or unconfigured, an in-process
// LRU with the same TTL contract takes over so an outage degrades latency,
// never correctness.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"
)

// opTimeout bounds every Redis round trip so a wedged cache cannot stall a
// request.
const opTimeout = 500 * time.Millisecond

// Class names an endpoint family with a shared TTL.
type Class string

const (
	ClassGrid       Class = "grid"
	ClassStatistics Class = "statistics"
	ClassHistorical Class = "historical"
	ClassArbitrage  Class = "arbitrage"
)

// TTLs maps classes to their time-to-live.
type TTLs struct {
	Grid       time.Duration
	Statistics time.Duration
	Historical time.Duration
	Arbitrage  time.Duration
}

func (t TTLs) For(c Class) time.Duration {
	switch c {
	case ClassGrid:
		return t.Grid
	case ClassStatistics:
		return t.Statistics
	case ClassHistorical:
		return t.Historical
	case ClassArbitrage:
		return t.Arbitrage
	}
	return t.Grid
}

// Observer receives hit/miss signals; telemetry implements it.
type Observer interface {
	CacheHit(tier string)
	CacheMiss(tier string)
}

type nopObserver struct{}

func (nopObserver) CacheHit(string)  {}
func (nopObserver) CacheMiss(string) {}

// Cache fronts storage reads. All methods are safe for concurrent use.
type Cache struct {
	rdb      *redis.Client // nil means LRU-only
	fallback *lru
	ttls     TTLs
	obs      Observer
}

// New builds the cache. addr may be empty, in which case only the in-process
// tier runs. maxBytes caps the LRU tier.
func New(addr string, ttls TTLs, maxBytes int64, obs Observer) *Cache {
	c := &Cache{
		fallback: newLRU(maxBytes),
		ttls:     ttls,
		obs:      obs,
	}
	if c.obs == nil {
		c.obs = nopObserver{}
	}
	if addr != "" {
		c.rdb = redis.NewClient(&redis.Options{Addr: addr})
	}
	return c
}

// NewWithClient wires an existing Redis client; tests use this with
// redismock.
func NewWithClient(rdb *redis.Client, ttls TTLs, maxBytes int64, obs Observer) *Cache {
	c := New("", ttls, maxBytes, obs)
	c.rdb = rdb
	return c
}

// Key derives the deterministic cache key for an endpoint path and its query
// parameters. Parameters are sorted so equivalent URLs share an entry.
func Key(path string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(path)
	for _, k := range keys {
		vs := append([]string(nil), params[k]...)
		sort.Strings(vs)
		for _, v := range vs {
			b.WriteByte('&')
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(v)
		}
	}
	sum := sha256.Sum256([]byte(b.String()))
	return "obs:" + hex.EncodeToString(sum[:16])
}

// Get returns the cached payload for key, trying Redis first and falling
// back to the LRU tier. Redis errors are CACHE-kind by policy: logged,
// never surfaced.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	if c.rdb != nil {
		opCtx, cancel := context.WithTimeout(ctx, opTimeout)
		b, err := c.rdb.Get(opCtx, key).Bytes()
		cancel()
		switch {
		case err == nil:
			c.obs.CacheHit("redis")
			return b, true
		case err == redis.Nil:
			c.obs.CacheMiss("redis")
			return nil, false
		default:
			log.Debug().Err(err).Msg("redis get failed, using fallback")
		}
	}
	if b, ok := c.fallback.get(key); ok {
		c.obs.CacheHit("lru")
		return b, true
	}
	c.obs.CacheMiss("lru")
	return nil, false
}

// Set stores the payload under the class TTL in whichever tiers are up.
func (c *Cache) Set(ctx context.Context, key string, val []byte, class Class) {
	ttl := c.ttls.For(class)
	if c.rdb != nil {
		opCtx, cancel := context.WithTimeout(ctx, opTimeout)
		err := c.rdb.Set(opCtx, key, val, ttl).Err()
		cancel()
		if err == nil {
			return
		}
		log.Debug().Err(err).Msg("redis set failed, using fallback")
	}
	c.fallback.set(key, val, ttl)
}

// Clear flushes both tiers. Exposed to operators via POST /api/cache/clear.
func (c *Cache) Clear(ctx context.Context) error {
	c.fallback.clear()
	if c.rdb == nil {
		return nil
	}
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := c.rdb.FlushDB(opCtx).Err(); err != nil {
		log.Warn().Err(err).Msg("redis flush failed")
		return err
	}
	return nil
}

// Healthy probes the primary tier; false means requests are on the LRU path.
func (c *Cache) Healthy(ctx context.Context) bool {
	if c.rdb == nil {
		return false
	}
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return c.rdb.Ping(opCtx).Err() == nil
}
