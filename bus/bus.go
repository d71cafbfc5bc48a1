// Package bus is the topic based publish/subscribe layer between writers and
// the processes holding client connections.
package bus

import (
	"context"
	"errors"
)

var ErrClosed = errors.New("bus is not connected")

// Handler receives the raw payload of a published message.
type Handler func(payload []byte)

type Subscription interface {
	Unsubscribe(ctx context.Context) error
}

// Bus delivers each published payload at least once to the handlers
// subscribed to the topic at publish time.
type Bus interface {
	Connect(ctx context.Context) error
	Close() error
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string, h Handler) (Subscription, error)
}
