package bus

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Memory is an in-process bus. Publish runs handlers synchronously on the
// caller's goroutine.
type Memory struct {
	log *zap.SugaredLogger

	mu        sync.RWMutex
	connected bool
	nextID    int
	topics    map[string]map[int]Handler
}

func NewMemory(log *zap.SugaredLogger) *Memory {
	return &Memory{
		log:    log.With("component", "memory-bus"),
		topics: make(map[string]map[int]Handler),
	}
}

func (b *Memory) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = true
	return nil
}

// Close drops every subscription.
func (b *Memory) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = false
	b.topics = make(map[string]map[int]Handler)
	return nil
}

func (b *Memory) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	if !b.connected {
		b.mu.RUnlock()
		return ErrClosed
	}
	handlers := make([]Handler, 0, len(b.topics[topic]))
	for _, h := range b.topics[topic] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		deliver(h, append([]byte(nil), payload...), b.log.With("topic", topic))
	}
	return nil
}

func (b *Memory) Subscribe(ctx context.Context, topic string, h Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil, ErrClosed
	}
	subs := b.topics[topic]
	if subs == nil {
		subs = make(map[int]Handler)
		b.topics[topic] = subs
	}
	b.nextID++
	subs[b.nextID] = h
	return &memorySub{bus: b, topic: topic, id: b.nextID}, nil
}

// Subscribers reports how many handlers listen on topic.
func (b *Memory) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

type memorySub struct {
	bus   *Memory
	topic string
	id    int
}

func (s *memorySub) Unsubscribe(ctx context.Context) error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	subs := s.bus.topics[s.topic]
	delete(subs, s.id)
	if len(subs) == 0 {
		delete(s.bus.topics, s.topic)
	}
	return nil
}
