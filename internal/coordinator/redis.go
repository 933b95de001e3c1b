package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClient implements Client against a Redis key-value store. The six
// primitives map directly onto Redis commands (spec §4.7): Acquire is
// SET NX EX, Swap is GETSET, Refresh is an unconditional SET EX.
type RedisClient struct {
	rdb *redis.Client
}

// RedisOptions configures the underlying Redis connection.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisClient dials addr and verifies connectivity with a PING, mirroring
// the connect-then-ping pattern used elsewhere in the pack for external
// stores (e.g. a Postgres pool's initial health check).
func NewRedisClient(ctx context.Context, opts RedisOptions) (*RedisClient, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("coordinator: ping redis: %w", err)
	}
	return &RedisClient{rdb: rdb}, nil
}

// Get implements Client.
func (c *RedisClient) Get(ctx context.Context, key string) (string, error) {
	v, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("coordinator: get %s: %w", key, err)
	}
	return v, nil
}

// Set implements Client.
func (c *RedisClient) Set(ctx context.Context, key, value string) error {
	if err := c.rdb.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("coordinator: set %s: %w", key, err)
	}
	return nil
}

// Acquire implements Client.
func (c *RedisClient) Acquire(ctx context.Context, key, value string, ttlSeconds int) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, key, value, time.Duration(ttlSeconds)*time.Second).Result()
	if err != nil {
		return false, fmt.Errorf("coordinator: acquire %s: %w", key, err)
	}
	return ok, nil
}

// Swap implements Client.
func (c *RedisClient) Swap(ctx context.Context, key, value string) (string, bool, error) {
	old, err := c.rdb.GetSet(ctx, key, value).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("coordinator: swap %s: %w", key, err)
	}
	return old, true, nil
}

// Refresh implements Client.
func (c *RedisClient) Refresh(ctx context.Context, key, value string, ttlSeconds int) error {
	if err := c.rdb.Set(ctx, key, value, time.Duration(ttlSeconds)*time.Second).Err(); err != nil {
		return fmt.Errorf("coordinator: refresh %s: %w", key, err)
	}
	return nil
}

// Delete implements Client.
func (c *RedisClient) Delete(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("coordinator: delete %s: %w", key, err)
	}
	return nil
}

// Close implements Client.
func (c *RedisClient) Close() error {
	if err := c.rdb.Close(); err != nil {
		return fmt.Errorf("coordinator: close redis client: %w", err)
	}
	return nil
}
