// Package idempotency suppresses repeated dispatches carrying the same
// idempotency key.
package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultPrefix = "workoutnotify:dispatch:"
	defaultTTL    = 24 * time.Hour
)

// Config holds Redis guard configuration.
type Config struct {
	URL    string
	Prefix string
	TTL    time.Duration
}

// RedisGuard claims keys with SET NX so that only the first dispatch carrying
// a key proceeds within the TTL.
type RedisGuard struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// Connect parses the Redis URL, verifies the connection and returns a guard.
func Connect(ctx context.Context, cfg Config) (*RedisGuard, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewRedisGuard(client, cfg.Prefix, cfg.TTL), nil
}

// NewRedisGuard creates a guard on an existing client.
func NewRedisGuard(client *redis.Client, prefix string, ttl time.Duration) *RedisGuard {
	if prefix == "" {
		prefix = defaultPrefix
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RedisGuard{client: client, prefix: prefix, ttl: ttl}
}

// Acquire claims key. It returns false if the key was already claimed and has
// not expired.
func (g *RedisGuard) Acquire(ctx context.Context, key string) (bool, error) {
	ok, err := g.client.SetNX(ctx, g.prefix+key, time.Now().UTC().Format(time.RFC3339), g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim idempotency key: %w", err)
	}
	return ok, nil
}

// Release drops a claim so the key can be used again.
func (g *RedisGuard) Release(ctx context.Context, key string) error {
	if err := g.client.Del(ctx, g.prefix+key).Err(); err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

// Ping checks the Redis connection.
func (g *RedisGuard) Ping(ctx context.Context) error {
	return g.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (g *RedisGuard) Close() error {
	return g.client.Close()
}
