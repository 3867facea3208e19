package elevation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gorustyt/goterrain/common/logger"
	"github.com/gorustyt/goterrain/common/message"
	"github.com/gorustyt/goterrain/geo"
	"github.com/gorustyt/goterrain/metrics"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStore is the part of a redis client the cache uses.
type RedisStore interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// OpenRedis returns nil when addr is empty.
func OpenRedis(addr, pass string, db int) *redis.Client {
	if addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{Addr: addr, Password: pass, DB: db})
}

// RedisCache shares fetched heightfields between processes. Entries are
// keyed by layer name and revision so a changed layer never serves stale
// tiles.
type RedisCache struct {
	Client RedisStore
	Prefix string
	TTL    time.Duration
	log    *zap.Logger
}

func NewRedisCache(client RedisStore, prefix string, ttl time.Duration) *RedisCache {
	if prefix == "" {
		prefix = "goterrain:hf"
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisCache{Client: client, Prefix: prefix, TTL: ttl, log: logger.Named("redis_cache")}
}

func (c *RedisCache) Key(layer Layer, key geo.TileKey) string {
	return fmt.Sprintf("%s:%s:%d:%s", c.Prefix, layer.Name(), layer.Revision(), key.ID())
}

// Get returns ErrResourceUnavailable on a miss.
func (c *RedisCache) Get(ctx context.Context, layer Layer, key geo.TileKey) (*GeoHeightfield, error) {
	if c == nil || c.Client == nil {
		return nil, ErrResourceUnavailable
	}
	data, err := c.Client.Get(ctx, c.Key(layer, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrResourceUnavailable
	}
	if err != nil {
		return nil, err
	}
	m, err := message.Decode(data)
	if err != nil {
		return nil, err
	}
	g, err := FromMessage(m, layer.Profile())
	if err != nil {
		return nil, err
	}
	metrics.ElevationCacheHitsTotal.Inc()
	return g, nil
}

func (c *RedisCache) Put(ctx context.Context, layer Layer, g *GeoHeightfield) error {
	if c == nil || c.Client == nil || !g.Valid() {
		return nil
	}
	data := message.Encode(g.ToMessage(layer.Revision()))
	return c.Client.Set(ctx, c.Key(layer, g.Key), data, c.TTL).Err()
}

// PreFetch adapts the cache to a Sampler's PreFetch hook.
func (c *RedisCache) PreFetch(layer Layer) FetchFunc {
	return func(ctx context.Context, key geo.TileKey) (*GeoHeightfield, error) {
		g, err := c.Get(ctx, layer, key)
		if err != nil && !errors.Is(err, ErrResourceUnavailable) {
			c.log.Warn("cache read failed", zap.Stringer("key", key), zap.Error(err))
		}
		return g, err
	}
}

// Store adapts the cache to a Sampler's OnFetched hook.
func (c *RedisCache) Store(layer Layer) func(ctx context.Context, g *GeoHeightfield) {
	return func(ctx context.Context, g *GeoHeightfield) {
		if err := c.Put(ctx, layer, g); err != nil {
			c.log.Warn("cache write failed", zap.Stringer("key", g.Key), zap.Error(err))
		}
	}
}
