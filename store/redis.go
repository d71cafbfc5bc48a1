package store

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// RedisAllocator uses INCR on the channel counter key.
type RedisAllocator struct {
	rdb redis.Cmdable
}

func NewRedisAllocator(rdb redis.Cmdable) *RedisAllocator {
	return &RedisAllocator{rdb: rdb}
}

func (a *RedisAllocator) NextID(ctx context.Context, channelID string) (uint64, error) {
	return a.rdb.Incr(ctx, CounterKey(channelID)).Uint64()
}
