package store

import (
	"context"
	"errors"
	"strings"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "onyx:doc:"

type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(dsn string) (*RedisStore, error) {
	opts, err := redis.ParseURL(strings.TrimSpace(dsn))
	if err != nil {
		return nil, err
	}
	return NewRedisStoreWithClient(redis.NewClient(opts)), nil
}

func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: redisKeyPrefix}
}

func (b *RedisStore) Get(ctx context.Context, room string) ([]byte, error) {
	data, err := b.client.Get(ctx, b.prefix+room).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrap("get", room, err)
	}
	return data, nil
}

func (b *RedisStore) Put(ctx context.Context, room string, snapshot []byte) error {
	if room == "" {
		return ErrInvalidInput
	}
	if err := b.client.Set(ctx, b.prefix+room, snapshot, 0).Err(); err != nil {
		return wrap("put", room, err)
	}
	return nil
}

func (b *RedisStore) Close() error {
	return b.client.Close()
}
