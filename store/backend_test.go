package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nzlov/relay/message"
)

// Backend tests run against real servers only when their address is set:
// RELAY_TEST_REDIS_ADDR, RELAY_TEST_POSTGRES_DSN, RELAY_TEST_MONGO_URI.

func testAllocator(t *testing.T, a Allocator) {
	req := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	channel := "test-" + uuid.NewString()
	other := "test-" + uuid.NewString()

	first, err := a.NextID(ctx, channel)
	req.NoError(err)
	req.Equal(uint64(1), first)

	second, err := a.NextID(ctx, channel)
	req.NoError(err)
	req.Equal(uint64(2), second)

	otherFirst, err := a.NextID(ctx, other)
	req.NoError(err)
	req.Equal(uint64(1), otherFirst)
}

func testStore(t *testing.T, s Store) {
	req := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	channel := "test-" + uuid.NewString()
	now := time.Now().UTC().Truncate(time.Millisecond)

	for _, seq := range []uint64{2, 1, 3} {
		m := message.New(channel, seq, "u1", "hello", now)
		m.Metadata["client"] = "cli"
		req.NoError(s.Append(ctx, m))
	}

	got, err := s.Get(ctx, channel, "2")
	req.NoError(err)
	req.Equal("u1", got.UserID)
	req.Equal("hello", got.Content)
	req.Nil(got.EditedAt)
	req.Equal("cli", got.Metadata["client"])
	req.True(now.Equal(got.CreatedAt))

	_, err = s.Get(ctx, channel, "9")
	req.ErrorIs(err, ErrNotFound)

	list, err := s.List(ctx, channel, 1, 10)
	req.NoError(err)
	req.Equal([]string{"2", "3"}, ids(list))

	// (channel, seq) is unique.
	req.Error(s.Append(ctx, message.New(channel, 1, "u2", "dup", now)))
}

func TestMemoryBackend(t *testing.T) {
	t.Run("allocator", func(t *testing.T) { testAllocator(t, NewMemoryAllocator()) })
	t.Run("store", func(t *testing.T) { testStore(t, NewMemoryStore()) })
}

func TestRedisAllocator(t *testing.T) {
	addr := os.Getenv("RELAY_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("RELAY_TEST_REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()

	testAllocator(t, NewRedisAllocator(rdb))
}

func TestPostgresBackend(t *testing.T) {
	dsn := os.Getenv("RELAY_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("RELAY_TEST_POSTGRES_DSN not set")
	}
	db, err := OpenPostgres(dsn, false, zap.NewNop())
	require.NoError(t, err)

	t.Run("allocator", func(t *testing.T) { testAllocator(t, NewPostgresAllocator(db)) })
	t.Run("store", func(t *testing.T) { testStore(t, NewPostgresStore(db)) })
}

func TestMongoBackend(t *testing.T) {
	uri := os.Getenv("RELAY_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("RELAY_TEST_MONGO_URI not set")
	}
	ctx := context.Background()
	client, err := ConnectMongo(ctx, uri, 0)
	require.NoError(t, err)
	defer client.Disconnect(ctx)
	db := client.Database("relay_test")

	s, err := NewMongoStore(ctx, db)
	require.NoError(t, err)

	t.Run("allocator", func(t *testing.T) { testAllocator(t, NewMongoAllocator(db)) })
	t.Run("store", func(t *testing.T) { testStore(t, s) })
}
