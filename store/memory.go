package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nzlov/relay/message"
)

// MemoryAllocator is an in-process allocator for single node runs and tests.
type MemoryAllocator struct {
	mu       sync.Mutex
	counters map[string]uint64
}

func NewMemoryAllocator() *MemoryAllocator {
	return &MemoryAllocator{counters: make(map[string]uint64)}
}

func (a *MemoryAllocator) NextID(ctx context.Context, channelID string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	key := CounterKey(channelID)
	a.counters[key]++
	return a.counters[key], nil
}

type MemoryStore struct {
	mu       sync.RWMutex
	channels map[string]map[uint64]message.Message
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{channels: make(map[string]map[uint64]message.Message)}
}

func (s *MemoryStore) Append(ctx context.Context, m message.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	seq, err := m.Seq()
	if err != nil {
		return fmt.Errorf("message id %q: %w", m.MessageID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.channels[m.ChannelID]
	if rows == nil {
		rows = make(map[uint64]message.Message)
		s.channels[m.ChannelID] = rows
	}
	if _, ok := rows[seq]; ok {
		return fmt.Errorf("message %s/%s already exists", m.ChannelID, m.MessageID)
	}
	rows[seq] = m
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, channelID, messageID string) (message.Message, error) {
	seq, err := message.Message{MessageID: messageID}.Seq()
	if err != nil {
		return message.Message{}, ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.channels[channelID][seq]
	if !ok {
		return message.Message{}, ErrNotFound
	}
	return m, nil
}

func (s *MemoryStore) List(ctx context.Context, channelID string, after uint64, limit int) ([]message.Message, error) {
	limit = normLimit(limit)
	s.mu.RLock()
	rows := s.channels[channelID]
	seqs := make([]uint64, 0, len(rows))
	for seq := range rows {
		if seq > after {
			seqs = append(seqs, seq)
		}
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	if len(seqs) > limit {
		seqs = seqs[:limit]
	}
	out := make([]message.Message, 0, len(seqs))
	for _, seq := range seqs {
		out = append(out, rows[seq])
	}
	s.mu.RUnlock()
	return out, nil
}
