package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/mechatroNick/dagster/internal/domain"
)

// RedisManager stores one artifact per key under a configurable prefix.
// Durability is the Redis server's, so runs spanning multiple processes can
// share it as long as they share the server.
type RedisManager struct {
	client *redis.Client
	prefix string
}

func NewRedisManager(client *redis.Client, prefix string) *RedisManager {
	if prefix == "" {
		prefix = "artifacts"
	}
	return &RedisManager{client: client, prefix: prefix}
}

// NewRedisManagerFromEnv connects using REDIS_ADDR and REDIS_PASSWORD.
func NewRedisManagerFromEnv() *RedisManager {
	addr := getEnv("REDIS_ADDR", "localhost:6379")
	password := getEnv("REDIS_PASSWORD", "")

	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})
	return NewRedisManager(rdb, getEnv("ARTIFACT_REDIS_PREFIX", "artifacts"))
}

func (m *RedisManager) key(key domain.Key) string {
	return m.prefix + ":" + key.String()
}

func (m *RedisManager) Set(ctx context.Context, key domain.Key, value json.RawMessage) ([]domain.Materialization, error) {
	if err := m.client.Set(ctx, m.key(key), []byte(value), 0).Err(); err != nil {
		return nil, fmt.Errorf("storing artifact %s: %w", key.String(), err)
	}
	return nil, nil
}

func (m *RedisManager) Get(ctx context.Context, key domain.Key) (json.RawMessage, error) {
	data, err := m.client.Get(ctx, m.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("key %s: %w", key.String(), domain.ErrArtifactNotFound)
		}
		return nil, fmt.Errorf("retrieving artifact %s: %w", key.String(), err)
	}
	return data, nil
}

func (m *RedisManager) Has(ctx context.Context, key domain.Key) (bool, error) {
	n, err := m.client.Exists(ctx, m.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("checking artifact %s: %w", key.String(), err)
	}
	return n > 0, nil
}

func (m *RedisManager) Close() error {
	return m.client.Close()
}
