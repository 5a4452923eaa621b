package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisConfig configures a RedisStore.
type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`

	// Prefix namespaces the keys, e.g. "costguard:actions:".
	Prefix string `yaml:"prefix" json:"prefix"`
}

// RedisStore is a Store shared between processes through Redis SET NX.
type RedisStore struct {
	client *redis.Client
	prefix string
	owned  bool
	logger *zap.Logger
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig, logger *zap.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	s := NewRedisStoreFromClient(client, cfg.Prefix, logger)
	s.owned = true
	return s, nil
}

// NewRedisStoreFromClient wraps an existing client. Close leaves the client
// open.
func NewRedisStoreFromClient(client *redis.Client, prefix string, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		logger: logger.With(zap.String("component", "idempotency.redis")),
	}
}

// Claim implements Store.
func (s *RedisStore) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.prefix+key, time.Now().UTC().Format(time.RFC3339Nano), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim key %s: %w", key, err)
	}
	if !ok {
		s.logger.Debug("key already claimed", zap.String("key", key))
	}
	return ok, nil
}

// Seen implements Store.
func (s *RedisStore) Seen(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.prefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check key %s: %w", key, err)
	}
	return n > 0, nil
}

// Release implements Store.
func (s *RedisStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("failed to release key %s: %w", key, err)
	}
	return nil
}

// Close implements Store.
func (s *RedisStore) Close() error {
	if s.owned {
		return s.client.Close()
	}
	return nil
}

// Ping checks the connection. It backs the readiness probe.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Client returns the underlying client so further stores can share it.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}
