package trend

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"occusense/occupancy/internal/model"
)

// MemoryCache is the in-process short-TTL trend tier.
type MemoryCache struct {
	mu  sync.RWMutex
	m   map[string]memoryEntry
	ttl time.Duration
}

type memoryEntry struct {
	window model.TrendWindow
	exp    time.Time
}

// NewMemoryCache builds an in-memory trend cache (default TTL 60s).
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &MemoryCache{m: make(map[string]memoryEntry), ttl: ttl}
}

func (c *MemoryCache) Get(_ context.Context, key string) (model.TrendWindow, bool) {
	c.mu.RLock()
	e, ok := c.m[key]
	c.mu.RUnlock()
	if !ok || time.Now().After(e.exp) {
		return model.TrendWindow{}, false
	}
	return e.window, true
}

func (c *MemoryCache) Set(_ context.Context, key string, w model.TrendWindow) {
	c.mu.Lock()
	c.m[key] = memoryEntry{window: w, exp: time.Now().Add(c.ttl)}
	c.mu.Unlock()
}

// RedisCache shares the trend tier across replicas. Failures degrade to a
// miss; the analyzer simply recomputes.
type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
	log *slog.Logger
}

// NewRedisCache wraps an existing client. Returns nil when rdb is nil so
// callers can fall back to recomputation without nil checks of their own.
func NewRedisCache(rdb *redis.Client, ttl time.Duration, log *slog.Logger) *RedisCache {
	if rdb == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &RedisCache{rdb: rdb, ttl: ttl, log: log.With(slog.String("component", "trend_cache"))}
}

func (c *RedisCache) Get(ctx context.Context, key string) (model.TrendWindow, bool) {
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.log.Warn("trend_cache_get_failed", slog.Any("err", err))
		}
		return model.TrendWindow{}, false
	}
	var w model.TrendWindow
	if err := json.Unmarshal(raw, &w); err != nil {
		c.log.Warn("trend_cache_decode_failed", slog.Any("err", err))
		return model.TrendWindow{}, false
	}
	return w, true
}

func (c *RedisCache) Set(ctx context.Context, key string, w model.TrendWindow) {
	raw, err := json.Marshal(w)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		c.log.Warn("trend_cache_set_failed", slog.Any("err", err))
	}
}

// NewRedisClient builds a client from address/password/db and verifies it
// with a short ping; returns nil on failure so callers degrade gracefully.
func NewRedisClient(addr, password string, db int) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil
	}
	return client
}
