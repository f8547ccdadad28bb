package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(addr string) *RedisStore {
	return &RedisStore{
		client: redis.NewClient(&redis.Options{Addr: addr}),
	}
}

// Ping checks that the server is reachable.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) Failures(ctx context.Context, key string) (int64, error) {
	n, err := r.client.Get(ctx, "authfail:"+key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

func (r *RedisStore) RecordFailure(ctx context.Context, key string, window time.Duration) (int64, error) {
	var incr *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, "authfail:"+key)
		pipe.ExpireNX(ctx, "authfail:"+key, window)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (r *RedisStore) ClearFailures(ctx context.Context, key string) error {
	return r.client.Del(ctx, "authfail:"+key).Err()
}

func (r *RedisStore) Revoke(ctx context.Context, tokenID string, ttl time.Duration) error {
	return r.client.Set(ctx, "revoked:"+tokenID, "1", ttl).Err()
}

func (r *RedisStore) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	count, err := r.client.Exists(ctx, "revoked:"+tokenID).Result()
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
