package credstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps T as JSON under a single key, without expiry.
type RedisStore[T any] struct {
	client redis.UniversalClient
	key    string
}

func NewRedisStore[T any](client redis.UniversalClient, key string) *RedisStore[T] {
	return &RedisStore[T]{client: client, key: key}
}

func (s *RedisStore[T]) Load(ctx context.Context) (T, error) {
	var v T
	data, err := s.client.Get(ctx, s.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return v, ErrNotFound
		}
		return v, fmt.Errorf("%w: get %s: %w", ErrStoreIO, s.key, err)
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("%w: decode %s: %w", ErrStoreIO, s.key, err)
	}
	return v, nil
}

func (s *RedisStore[T]) Save(ctx context.Context, v T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %w", ErrStoreIO, s.key, err)
	}
	if err := s.client.Set(ctx, s.key, data, 0).Err(); err != nil {
		return fmt.Errorf("%w: set %s: %w", ErrStoreIO, s.key, err)
	}
	return nil
}

func (s *RedisStore[T]) Delete(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: del %s: %w", ErrStoreIO, s.key, err)
	}
	return nil
}

func (s *RedisStore[T]) HealthCheck(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}
