package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/recsyslab/recommender-backend/apperr"
)

// RedisCache implements Cache on a Redis server.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache(ctx context.Context, addr, password string, db int) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return &RedisCache{client: client}, nil
}

// Get retrieves a value; a missing key is a miss, not an error.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: redis get %s: %v", apperr.ErrCacheUnavailable, key, err)
	}
	return value, true, nil
}

// Set stores a value with the given TTL.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("%w: redis set %s: %v", apperr.ErrCacheUnavailable, key, err)
	}
	return nil
}

// Invalidate removes a single key.
func (c *RedisCache) Invalidate(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("%w: redis del %s: %v", apperr.ErrCacheUnavailable, key, err)
	}
	return nil
}

// InvalidateConfig scans for keys whose config segment matches and deletes
// them. SCAN is incremental so a large keyspace does not block the server.
func (c *RedisCache) InvalidateConfig(ctx context.Context, configID string) error {
	pattern := "*:" + configID + "*"
	iter := c.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		// The pattern can overmatch when a secondary id contains the
		// config id; verify the config segment before deleting.
		if keyConfigID(key) != configID {
			continue
		}
		if err := c.client.Del(ctx, key).Err(); err != nil {
			return fmt.Errorf("%w: redis del %s: %v", apperr.ErrCacheUnavailable, key, err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("%w: redis scan for config %s: %v", apperr.ErrCacheUnavailable, configID, err)
	}
	return nil
}

// Close releases the Redis client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
