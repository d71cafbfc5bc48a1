package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nzlov/relay/message"
)

func TestMemoryAllocator_StartsAtOneAndIsolatesChannels(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	a := NewMemoryAllocator()

	for want := uint64(1); want <= 3; want++ {
		got, err := a.NextID(ctx, "general")
		req.NoError(err)
		req.Equal(want, got)
	}
	got, err := a.NextID(ctx, "random")
	req.NoError(err)
	req.Equal(uint64(1), got)
}

func TestMemoryAllocator_ConcurrentCallersGetUniqueIDs(t *testing.T) {
	req := require.New(t)
	a := NewMemoryAllocator()

	const n = 200
	ids := make(chan uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := a.NextID(context.Background(), "general")
			if err == nil {
				ids <- id
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[uint64]bool{}
	for id := range ids {
		req.False(seen[id], "duplicate id %d", id)
		seen[id] = true
	}
	req.Len(seen, n)
	for i := uint64(1); i <= n; i++ {
		req.True(seen[i], "missing id %d", i)
	}
}

func TestMemoryAllocator_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewMemoryAllocator().NextID(ctx, "general")
	require.ErrorIs(t, err, context.Canceled)
}

func TestMemoryStore_AppendGetList(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()

	// Appends may land out of sequence order.
	for _, seq := range []uint64{3, 1, 2, 5} {
		req.NoError(s.Append(ctx, message.New("general", seq, "u1", "m", now)))
	}
	req.NoError(s.Append(ctx, message.New("random", 1, "u2", "r", now)))

	m, err := s.Get(ctx, "general", "2")
	req.NoError(err)
	req.Equal("2", m.MessageID)

	_, err = s.Get(ctx, "general", "4")
	req.ErrorIs(err, ErrNotFound)
	_, err = s.Get(ctx, "general", "x")
	req.ErrorIs(err, ErrNotFound)

	list, err := s.List(ctx, "general", 0, 10)
	req.NoError(err)
	req.Equal([]string{"1", "2", "3", "5"}, ids(list))

	list, err = s.List(ctx, "general", 2, 1)
	req.NoError(err)
	req.Equal([]string{"3"}, ids(list))

	list, err = s.List(ctx, "unknown", 0, 10)
	req.NoError(err)
	req.Empty(list)
}

func TestMemoryStore_RejectsDuplicateRow(t *testing.T) {
	req := require.New(t)
	s := NewMemoryStore()
	m := message.New("general", 1, "u1", "hi", time.Now())

	req.NoError(s.Append(context.Background(), m))
	req.Error(s.Append(context.Background(), m))
}

func ids(ms []message.Message) []string {
	out := make([]string, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.MessageID)
	}
	return out
}
