package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Cache stores serialized dashboard responses for a short time.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Close() error
}

type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis connects to addr. An unreachable server is logged, not fatal:
// callers treat cache errors as misses.
func NewRedis(addr, password string, db int, prefix string, logger *zap.Logger) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("Could not connect to Redis cache", zap.Error(err), zap.String("addr", addr))
	} else {
		logger.Info("Connected to Redis cache", zap.String("addr", addr))
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, r.prefix+key, value, ttl).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}

// Nop never stores anything.
type Nop struct{}

func (Nop) Get(ctx context.Context, key string) ([]byte, bool, error) { return nil, false, nil }

func (Nop) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error { return nil }

func (Nop) Close() error { return nil }

// Key builds a cache key from a namespace and query parts. Empty parts keep
// their position so "a||b" and "a|b|" differ.
func Key(namespace string, parts ...string) string {
	return namespace + ":" + strings.Join(parts, "|")
}

// GetJSON decodes a cached value into out. A value that no longer decodes
// counts as a miss.
func GetJSON(ctx context.Context, c Cache, key string, out any) (bool, error) {
	raw, ok, err := c.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, nil
	}
	return true, nil
}

func SetJSON(ctx context.Context, c Cache, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode cache value: %w", err)
	}
	return c.Set(ctx, key, raw, ttl)
}
