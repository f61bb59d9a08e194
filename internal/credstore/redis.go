package credstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisBackend keeps credentials under <prefix><key>.
type RedisBackend struct {
	client    *redis.Client
	keyPrefix string
	owned     bool
}

// NewRedisBackend wraps an existing client. The caller keeps ownership of
// the client; Close is a no-op.
func NewRedisBackend(client *redis.Client, keyPrefix string) (*RedisBackend, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if keyPrefix == "" {
		keyPrefix = "gateway:creds:"
	}
	return &RedisBackend{client: client, keyPrefix: keyPrefix}, nil
}

// DialRedis creates a client for addr, pings it and returns a backend that
// owns the client.
func DialRedis(ctx context.Context, addr, password string, db int, keyPrefix string) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	b, err := NewRedisBackend(client, keyPrefix)
	if err != nil {
		client.Close()
		return nil, err
	}
	b.owned = true
	return b, nil
}

func (r *RedisBackend) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, r.keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (r *RedisBackend) Put(ctx context.Context, key string, data []byte) error {
	return r.client.Set(ctx, r.keyPrefix+key, data, 0).Err()
}

func (r *RedisBackend) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.keyPrefix+key).Err()
}

func (r *RedisBackend) Close() error {
	if r.owned {
		return r.client.Close()
	}
	return nil
}
