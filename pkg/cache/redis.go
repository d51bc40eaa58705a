package cache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ethpandaops/evaloor/pkg/config"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Compile-time interface check.
var _ Cache = (*redisCache)(nil)

const redisConnectTimeout = 5 * time.Second

// redisKeyPrefix namespaces this service's entries so a shared Redis
// logical database can be counted and flushed without touching
// foreign keys.
const redisKeyPrefix = "evaloor:"

const redisScanBatch = 200

// redisCache is a distributed cache backed by Redis. Hit/miss counters
// are tracked locally so statistics stay uniform across backends.
type redisCache struct {
	log    logrus.FieldLogger
	client *redis.Client
	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewRedis creates a Redis-backed Cache and verifies connectivity.
func NewRedis(
	log logrus.FieldLogger,
	cfg *config.RedisConfig,
) (Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), redisConnectTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Addr, err)
	}

	log.WithField("component", "cache").
		WithField("addr", cfg.Addr).
		Info("Redis cache connected")

	return &redisCache{
		log:    log.WithField("component", "cache"),
		client: client,
	}, nil
}

func (c *redisCache) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := c.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			c.misses.Add(1)

			return nil, ErrMiss
		}

		return nil, fmt.Errorf("redis get %q: %w", key, err)
	}

	c.hits.Add(1)

	return value, nil
}

func (c *redisCache) Set(
	ctx context.Context, key string, value []byte, ttl time.Duration,
) error {
	if err := c.client.Set(ctx, redisKeyPrefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}

	return nil
}

func (c *redisCache) Remove(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("redis del %q: %w", key, err)
	}

	return nil
}

// Stats counts only this service's keys. DBSIZE would include foreign
// keys when the logical database is shared, so the count comes from a
// prefix-scoped SCAN instead.
func (c *redisCache) Stats(ctx context.Context) (Stats, error) {
	var size int64

	iter := c.client.Scan(ctx, 0, redisKeyPrefix+"*", redisScanBatch).Iterator()
	for iter.Next(ctx) {
		size++
	}

	if err := iter.Err(); err != nil {
		return Stats{}, fmt.Errorf("redis scan: %w", err)
	}

	hits := c.hits.Load()
	misses := c.misses.Load()

	return Stats{
		Hits:      hits,
		Misses:    misses,
		HitRatio:  hitRatio(hits, misses),
		ItemCount: size,
	}, nil
}

func (c *redisCache) Close() error {
	return c.client.Close()
}
