package bus

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type collector struct {
	mu   sync.Mutex
	got  []string
	seen chan struct{}
}

func newCollector() *collector {
	return &collector{seen: make(chan struct{}, 16)}
}

func (c *collector) handle(payload []byte) {
	c.mu.Lock()
	c.got = append(c.got, string(payload))
	c.mu.Unlock()
	c.seen <- struct{}{}
}

func (c *collector) wait(t *testing.T, n int) []string {
	for i := 0; i < n; i++ {
		select {
		case <-c.seen:
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for message %d", i+1)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.got...)
}

func testBus(t *testing.T, b Bus, topic string) {
	req := require.New(t)
	ctx := context.Background()

	req.ErrorIs(b.Publish(ctx, topic, []byte("early")), ErrClosed)
	_, err := b.Subscribe(ctx, topic, func([]byte) {})
	req.ErrorIs(err, ErrClosed)

	req.NoError(b.Connect(ctx))
	defer b.Close()

	// Published before anyone listens: dropped.
	req.NoError(b.Publish(ctx, topic, []byte("nobody")))

	c := newCollector()
	sub, err := b.Subscribe(ctx, topic, c.handle)
	req.NoError(err)

	// A panicking handler on the same topic does not affect others.
	_, err = b.Subscribe(ctx, topic, func([]byte) { panic("boom") })
	req.NoError(err)

	req.NoError(b.Publish(ctx, topic, []byte("hello")))
	req.Equal([]string{"hello"}, c.wait(t, 1))

	req.NoError(sub.Unsubscribe(ctx))
	req.NoError(b.Publish(ctx, topic, []byte("after")))
	select {
	case <-c.seen:
		t.Fatal("unsubscribed handler received a message")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemory(t *testing.T) {
	b := NewMemory(zap.NewNop().Sugar())
	testBus(t, b, "chat:channel:general")
	require.Zero(t, b.Subscribers("chat:channel:general"))
}

func TestMemory_CloseDropsSubscriptions(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	b := NewMemory(zap.NewNop().Sugar())
	req.NoError(b.Connect(ctx))

	_, err := b.Subscribe(ctx, "t", func([]byte) {})
	req.NoError(err)
	req.Equal(1, b.Subscribers("t"))

	req.NoError(b.Close())
	req.Zero(b.Subscribers("t"))
}

func TestRedis(t *testing.T) {
	addr := os.Getenv("RELAY_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("RELAY_TEST_REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()
	b := NewRedis(rdb, zap.NewNop().Sugar())
	testBus(t, b, "chat:channel:"+uuid.NewString())
}

func TestNats(t *testing.T) {
	url := os.Getenv("RELAY_TEST_NATS_URL")
	if url == "" {
		t.Skip("RELAY_TEST_NATS_URL not set")
	}
	b := NewNats(NatsConfig{Servers: strings.Split(url, ","), Name: "relay-test"}, zap.NewNop().Sugar())
	testBus(t, b, "chat.channel."+uuid.NewString())
}
