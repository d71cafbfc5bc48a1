// Package store holds the per-channel sequence allocators and message stores.
package store

import (
	"context"
	"errors"

	"github.com/nzlov/relay/message"
)

var ErrNotFound = errors.New("message not found")

// Allocator hands out the next message sequence of a channel. Implementations
// must be atomic across every process sharing the backend. A fresh counter
// starts at 1.
type Allocator interface {
	NextID(ctx context.Context, channelID string) (uint64, error)
}

// Store persists messages keyed by (channel, sequence).
type Store interface {
	Append(ctx context.Context, m message.Message) error
	Get(ctx context.Context, channelID, messageID string) (message.Message, error)
	// List returns up to limit messages of channelID with a sequence greater
	// than after, in ascending order.
	List(ctx context.Context, channelID string, after uint64, limit int) ([]message.Message, error)
}

// CounterKey names the sequence counter of a channel.
func CounterKey(channelID string) string {
	return "channel:" + channelID + ":message_counter"
}

const defaultListLimit = 100

func normLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return defaultListLimit
	}
	return limit
}
