package quote

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/warp/market-engine/ledger"
)

// Cache stores rendered prices for a TTL.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// Cached decorates a provider with a read-through cache. Cache failures are
// logged and fall through to the provider.
type Cached struct {
	next   Provider
	cache  Cache
	ttl    time.Duration
	logger *slog.Logger
}

func NewCached(next Provider, cache Cache, ttl time.Duration, logger *slog.Logger) *Cached {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cached{next: next, cache: cache, ttl: ttl, logger: logger}
}

func (c *Cached) Name() string { return c.next.Name() }

func (c *Cached) Quote(ctx context.Context, p Pair) (ledger.Amount, error) {
	key := "quote:" + p.String()

	if cached, ok, err := c.cache.Get(ctx, key); err != nil {
		c.logger.Warn("quote cache read failed", "pair", p.String(), "error", err)
	} else if ok {
		if price, err := ledger.ParseAmount(cached); err == nil {
			return price, nil
		}
	}

	price, err := c.next.Quote(ctx, p)
	if err != nil {
		return ledger.Amount{}, err
	}
	if err := c.cache.Set(ctx, key, price.Value.String(), c.ttl); err != nil {
		c.logger.Warn("quote cache write failed", "pair", p.String(), "error", err)
	}
	return price, nil
}

// =============================================================================
// REDIS
// =============================================================================

type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (r *RedisCache) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (r *RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

// =============================================================================
// MEMORY
// =============================================================================

type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	value   string
	expires time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry), now: time.Now}
}

func (m *MemoryCache) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || !m.now().Before(e.expires) {
		delete(m.entries, key)
		return "", false, nil
	}
	return e.value, true, nil
}

func (m *MemoryCache) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memoryEntry{value: value, expires: m.now().Add(ttl)}
	return nil
}
