package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis-backed state repository.
type RedisConfig struct {
	// Addr is the host:port of the Redis server
	Addr string `json:"addr" yaml:"addr"`

	// Password is the Redis password (optional)
	Password string `json:"password" yaml:"password"`

	// DB is the Redis database number
	DB int `json:"db" yaml:"db"`

	// PoolSize is the connection pool size
	PoolSize int `json:"pool_size" yaml:"pool_size"`

	// MinIdleConns is the minimum number of idle connections kept open
	MinIdleConns int `json:"min_idle_conns" yaml:"min_idle_conns"`

	// KeyPrefix is the prefix for all keys (default "agentrun:")
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
}

// DefaultRedisConfig returns the default Redis configuration.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		KeyPrefix:    "agentrun:",
	}
}

// RedisStateRepository is a Redis-backed StateRepository. Each task's
// state lives in one hash keyed `<prefix>state:<taskID>`, with the
// field values JSON-encoded. Suitable for deployments where several
// runtime processes share state.
type RedisStateRepository struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStateRepository dials Redis and verifies the connection.
func NewRedisStateRepository(cfg RedisConfig) (*RedisStateRepository, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "agentrun:"
	}

	return &RedisStateRepository{
		client:    client,
		keyPrefix: keyPrefix,
	}, nil
}

// Close closes the underlying client.
func (r *RedisStateRepository) Close() error {
	return r.client.Close()
}

// Ping checks connectivity.
func (r *RedisStateRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStateRepository) stateKey(taskID string) string {
	return r.keyPrefix + "state:" + taskID
}

// GetAll loads and decodes every key for one task.
func (r *RedisStateRepository) GetAll(ctx context.Context, taskID string) (map[string]any, error) {
	fields, err := r.client.HGetAll(ctx, r.stateKey(taskID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load state from redis: %w", err)
	}

	result := make(map[string]any, len(fields))
	for key, raw := range fields {
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			return nil, fmt.Errorf("decode state key %q: %w", key, err)
		}
		result[key] = value
	}
	return result, nil
}

// Set upserts a single entry, JSON-encoding the value.
func (r *RedisStateRepository) Set(ctx context.Context, entry StateEntry) error {
	if entry.TaskID == "" || entry.Key == "" {
		return ErrInvalidInput
	}

	encoded, err := json.Marshal(entry.Value)
	if err != nil {
		return fmt.Errorf("encode state value: %w", err)
	}

	if err := r.client.HSet(ctx, r.stateKey(entry.TaskID), entry.Key, string(encoded)).Err(); err != nil {
		return fmt.Errorf("set state in redis: %w", err)
	}
	return nil
}

// Ensure RedisStateRepository implements StateRepository
var _ StateRepository = (*RedisStateRepository)(nil)
