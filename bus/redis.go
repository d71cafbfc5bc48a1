package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Redis publishes on redis Pub/Sub channels. Each subscription owns its own
// PubSub connection and receive loop. The client is owned by the caller.
type Redis struct {
	rdb *redis.Client
	log *zap.SugaredLogger

	mu        sync.Mutex
	connected bool
	subs      map[*redisSub]struct{}
}

func NewRedis(rdb *redis.Client, log *zap.SugaredLogger) *Redis {
	return &Redis{
		rdb:  rdb,
		log:  log.With("component", "redis-bus"),
		subs: make(map[*redisSub]struct{}),
	}
}

func (b *Redis) Connect(ctx context.Context) error {
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	b.mu.Lock()
	b.connected = true
	b.mu.Unlock()
	b.log.Infow("connected", "addr", b.rdb.Options().Addr)
	return nil
}

// Close drops every subscription. The underlying client stays open.
func (b *Redis) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = false
	for s := range b.subs {
		s.ps.Close()
	}
	b.subs = make(map[*redisSub]struct{})
	return nil
}

func (b *Redis) client() (*redis.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil, ErrClosed
	}
	return b.rdb, nil
}

func (b *Redis) Publish(ctx context.Context, topic string, payload []byte) error {
	rdb, err := b.client()
	if err != nil {
		return err
	}
	return rdb.Publish(ctx, topic, payload).Err()
}

func (b *Redis) Subscribe(ctx context.Context, topic string, h Handler) (Subscription, error) {
	rdb, err := b.client()
	if err != nil {
		return nil, err
	}
	ps := rdb.Subscribe(ctx, topic)
	// Wait for the subscription confirmation so nothing published after
	// Subscribe returns is missed.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", topic, err)
	}
	s := &redisSub{bus: b, ps: ps, topic: topic}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go s.receive(h, b.log.With("topic", topic))
	return s, nil
}

type redisSub struct {
	bus   *Redis
	ps    *redis.PubSub
	topic string
}

func (s *redisSub) receive(h Handler, log *zap.SugaredLogger) {
	for msg := range s.ps.Channel() {
		deliver(h, []byte(msg.Payload), log)
	}
	log.Debug("receive loop stopped")
}

func (s *redisSub) Unsubscribe(ctx context.Context) error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	return s.ps.Close()
}

func deliver(h Handler, payload []byte, log *zap.SugaredLogger) {
	defer func() {
		if err := recover(); err != nil {
			log.Errorw("handler panic", "error", err)
		}
	}()
	h(payload)
}
