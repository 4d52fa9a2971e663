// Package cache wraps a Redis client with JSON get/set helpers and a
// token-guarded distributed lock. A nil *Client is valid and behaves as a
// permanently empty cache so callers work unchanged without Redis.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trusted360/audit-engine/internal/config"
)

// ErrNotConfigured is returned by operations that need a live Redis connection.
var ErrNotConfigured = errors.New("redis client not initialized")

// Client is a thin JSON cache over Redis
type Client struct {
	redis *redis.Client
}

// New returns nil when Redis is not configured.
func New(cfg config.RedisConfig) *Client {
	if !cfg.Enabled() {
		return nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Client{redis: rdb}
}

// NewFromRedis wraps an existing go-redis client.
func NewFromRedis(rdb *redis.Client) *Client {
	if rdb == nil {
		return nil
	}
	return &Client{redis: rdb}
}

func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.redis == nil {
		return ErrNotConfigured
	}
	return c.redis.Ping(ctx).Err()
}

func (c *Client) Close() error {
	if c == nil || c.redis == nil {
		return nil
	}
	return c.redis.Close()
}

// SetJSON stores value under key. It is a no-op on a nil client.
func (c *Client) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	if c == nil || c.redis == nil {
		return nil
	}
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.redis.Set(ctx, key, b, ttl).Err()
}

// GetJSON decodes the value under key into dest and reports whether it was found.
func (c *Client) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	if c == nil || c.redis == nil {
		return false, nil
	}
	raw, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Client) Delete(ctx context.Context, key string) error {
	if c == nil || c.redis == nil {
		return nil
	}
	return c.redis.Del(ctx, key).Err()
}

// Redis exposes the underlying client, or nil.
func (c *Client) Redis() *redis.Client {
	if c == nil {
		return nil
	}
	return c.redis
}
