package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const idempotencyPrefix = "idempotency:"

type Client struct {
	rdb *redis.Client
}

// NewClient creates a new Redis client and checks connectivity
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// NewFromRedis wraps an existing client
func NewFromRedis(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// SetIdempotencyKey stores an idempotency key with TTL
func (c *Client) SetIdempotencyKey(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return c.rdb.Set(ctx, idempotencyPrefix+key, value, ttl).Err()
}

// CheckIdempotencyKey checks if an idempotency key exists
func (c *Client) CheckIdempotencyKey(ctx context.Context, key string) (bool, error) {
	result, err := c.rdb.Exists(ctx, idempotencyPrefix+key).Result()
	if err != nil {
		return false, err
	}
	return result > 0, nil
}

// GetIdempotencyKey returns the stored value, empty when the key is absent
func (c *Client) GetIdempotencyKey(ctx context.Context, key string) (string, error) {
	val, err := c.rdb.Get(ctx, idempotencyPrefix+key).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}

// Seen implements broker.Deduplicator
func (c *Client) Seen(ctx context.Context, key string) (bool, error) {
	return c.CheckIdempotencyKey(ctx, key)
}

// Mark implements broker.Deduplicator
func (c *Client) Mark(ctx context.Context, key string, ttl time.Duration) error {
	return c.SetIdempotencyKey(ctx, key, time.Now().UTC().Format(time.RFC3339Nano), ttl)
}
