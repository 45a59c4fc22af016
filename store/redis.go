package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"bskyfetch/internal"
)

// DefaultRedisPrefix namespaces every key written by the Redis store
const DefaultRedisPrefix = "bskyfetch:"

// Redis is a SecretStore shared across processes through a Redis server
type Redis struct {
	client *redis.Client
	prefix string
}

// RedisOptions configures NewRedisFromOptions
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// NewRedis wraps an existing client. An empty prefix uses DefaultRedisPrefix.
func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &Redis{client: client, prefix: prefix}
}

// NewRedisFromOptions connects to Redis and verifies the connection
func NewRedisFromOptions(ctx context.Context, opts RedisOptions) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, internal.NewStoreError("connect", opts.Addr, fmt.Errorf("failed to connect to redis: %w", err))
	}

	internal.LogDebug("Connected to redis at %s (db %d)", opts.Addr, opts.DB)
	return NewRedis(client, opts.Prefix), nil
}

func (r *Redis) key(k string) string {
	return r.prefix + k
}

// Get returns the value for key; a missing key is not an error
func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := r.client.Get(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, internal.NewStoreError("get", key, err)
	}
	return val, true, nil
}

// Set stores value under key with ttl; ttl <= 0 never expires
func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := r.client.Set(ctx, r.key(key), value, ttl).Err(); err != nil {
		return internal.NewStoreError("set", key, err)
	}
	return nil
}

// Delete removes key
func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return internal.NewStoreError("delete", key, err)
	}
	return nil
}

// Close releases the underlying connection pool
func (r *Redis) Close() error {
	return r.client.Close()
}
