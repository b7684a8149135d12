// Package viewcache caches canonical entity views in Redis. The cache is
// optional: every failure degrades to a miss, and a circuit breaker stops
// calling Redis while it is unavailable.
package viewcache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/entity-resolver/internal/coalesce"
	"github.com/sells-group/entity-resolver/internal/metrics"
	"github.com/sells-group/entity-resolver/internal/resilience"
)

// DefaultPrefix namespaces view keys.
const DefaultPrefix = "entity:view:"

const scanBatch = 500

// Cache stores views as JSON under prefix+entity key.
type Cache struct {
	rdb     *redis.Client
	ttl     time.Duration
	prefix  string
	breaker *resilience.Breaker
	log     *zap.Logger
}

// Dial connects to the Redis server at url (redis://host:port/db) and
// checks it answers.
func Dial(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, eris.Wrap(err, "viewcache: parse redis url")
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close() //nolint:errcheck
		return nil, eris.Wrapf(err, "viewcache: ping %s", opts.Addr)
	}
	return rdb, nil
}

// New creates a Cache. A nil breaker gets the default threshold and
// cool-down.
func New(rdb *redis.Client, ttl time.Duration, breaker *resilience.Breaker) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if breaker == nil {
		breaker = resilience.NewBreaker(0, 0)
	}
	return &Cache{
		rdb:     rdb,
		ttl:     ttl,
		prefix:  DefaultPrefix,
		breaker: breaker,
		log:     zap.L().With(zap.String("component", "viewcache")),
	}
}

// Get returns the cached view of key.
func (c *Cache) Get(ctx context.Context, key string) (*coalesce.View, bool) {
	var data []byte
	err := c.breaker.Do(ctx, func(ctx context.Context) error {
		b, err := c.rdb.Get(ctx, c.prefix+key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		data = b
		return err
	})
	if err != nil {
		c.fail("get", key, err)
		return nil, false
	}
	if data == nil {
		metrics.ViewCacheTotal.WithLabelValues("miss").Inc()
		return nil, false
	}

	var v coalesce.View
	if err := json.Unmarshal(data, &v); err != nil {
		c.log.Warn("dropping undecodable cached view", zap.String("entity_key", key), zap.Error(err))
		c.Invalidate(ctx, key)
		metrics.ViewCacheTotal.WithLabelValues("miss").Inc()
		return nil, false
	}
	metrics.ViewCacheTotal.WithLabelValues("hit").Inc()
	return &v, true
}

// Set stores v under key.
func (c *Cache) Set(ctx context.Context, key string, v *coalesce.View) {
	data, err := json.Marshal(v)
	if err != nil {
		c.log.Warn("view not cacheable", zap.String("entity_key", key), zap.Error(err))
		return
	}
	err = c.breaker.Do(ctx, func(ctx context.Context) error {
		return c.rdb.Set(ctx, c.prefix+key, data, c.ttl).Err()
	})
	if err != nil {
		c.fail("set", key, err)
	}
}

// Invalidate drops the views of keys, or every view when keys is empty.
func (c *Cache) Invalidate(ctx context.Context, keys ...string) {
	err := c.breaker.Do(ctx, func(ctx context.Context) error {
		if len(keys) == 0 {
			return c.flush(ctx)
		}
		full := make([]string, len(keys))
		for i, k := range keys {
			full[i] = c.prefix + k
		}
		return c.rdb.Del(ctx, full...).Err()
	})
	if err != nil {
		c.fail("invalidate", "", err)
	}
}

func (c *Cache) flush(ctx context.Context) error {
	iter := c.rdb.Scan(ctx, 0, c.prefix+"*", scanBatch).Iterator()
	batch := make([]string, 0, scanBatch)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == scanBatch {
			if err := c.rdb.Del(ctx, batch...).Err(); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(batch) > 0 {
		return c.rdb.Del(ctx, batch...).Err()
	}
	return nil
}

func (c *Cache) fail(op, key string, err error) {
	result := "error"
	if errors.Is(err, resilience.ErrOpen) {
		result = "bypassed"
	} else {
		c.log.Warn("view cache unavailable",
			zap.String("operation", op),
			zap.String("entity_key", key),
			zap.Error(err),
		)
	}
	metrics.ViewCacheTotal.WithLabelValues(result).Inc()
}

// Close closes the Redis client.
func (c *Cache) Close() error {
	return c.rdb.Close()
}
