package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/local/pdftools/internal/storage"
)

// RedisBlobs keeps job inputs and results in Redis strings with a TTL. It
// suits single-node deployments where results are fetched soon after.
type RedisBlobs struct {
	client *redis.Client
	ttl    time.Duration
	sealer storage.Sealer
}

var _ storage.Blobs = (*RedisBlobs)(nil)

func NewRedisBlobs(c *redis.Client, ttl time.Duration, sealer storage.Sealer) *RedisBlobs {
	return &RedisBlobs{client: c, ttl: ttl, sealer: sealer}
}

func (s *RedisBlobs) key(k string) string { return "blob:" + k }

func (s *RedisBlobs) Put(ctx context.Context, key string, data []byte) error {
	body, err := s.sealer.Seal(data)
	if err != nil {
		return fmt.Errorf("seal %s: %w", key, err)
	}
	return s.client.Set(ctx, s.key(key), body, s.ttl).Err()
}

func (s *RedisBlobs) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, key)
	}
	if err != nil {
		return nil, err
	}
	return s.sealer.Open(b)
}

func (s *RedisBlobs) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.key(key)).Err()
}
