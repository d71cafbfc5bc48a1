// Package ordering is the message write path: allocate a per-channel
// sequence, persist the message, hand it back for publishing.
package ordering

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nzlov/relay/message"
	"github.com/nzlov/relay/store"
)

var (
	ErrAllocation  = errors.New("sequence allocation failed")
	ErrPersistence = errors.New("message persistence failed")
)

type Service struct {
	alloc store.Allocator
	store store.Store
	log   *zap.SugaredLogger
	now   func() time.Time
}

func New(alloc store.Allocator, s store.Store, log *zap.SugaredLogger) *Service {
	return &Service{
		alloc: alloc,
		store: s,
		log:   log.With("component", "ordering"),
		now:   time.Now,
	}
}

// SaveMessage records content as the next message of channelID.
//
// If the append fails after a successful allocation the sequence is lost for
// good and readers will see a gap. Nothing is retried here.
func (s *Service) SaveMessage(ctx context.Context, channelID, userID, content string) (message.Message, error) {
	log := s.log.With("channel", channelID, "user", userID)

	seq, err := s.alloc.NextID(ctx, channelID)
	if err != nil {
		log.Errorw("allocate sequence", "error", err)
		return message.Message{}, fmt.Errorf("%w: %w", ErrAllocation, err)
	}

	m := message.New(channelID, seq, userID, content, s.now().UTC())
	if err := s.store.Append(ctx, m); err != nil {
		log.Errorw("append message, sequence skipped", "seq", seq, "error", err)
		return message.Message{}, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	log.Debugw("message saved", "seq", seq)
	return m, nil
}
