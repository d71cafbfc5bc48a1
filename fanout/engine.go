// Package fanout subscribes to channel topics on the bus and delivers what
// arrives to the members of each channel.
package fanout

//go:generate mockgen -destination=mocks/mock_fanout.go -package=mocks . Deliverer,Members

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/nzlov/relay/bus"
	"github.com/nzlov/relay/envelope"
	"github.com/nzlov/relay/message"
)

var ErrNotConnected = errors.New("fanout engine is not connected to the bus")

// Deliverer writes a payload to every connection of a user.
type Deliverer interface {
	SendToUser(userID string, payload []byte) bool
}

// Members answers which users joined a channel.
type Members interface {
	Members(channelID string) []string
}

// Handler replaces the default broadcast for one channel.
type Handler func(m message.Message)

type Engine struct {
	bus     bus.Bus
	members Members
	conns   Deliverer
	prefix  string
	log     *zap.SugaredLogger

	mu        sync.Mutex
	connected bool
	subs      map[string]bus.Subscription

	hmu      sync.RWMutex
	handlers map[string]Handler
}

// New builds an engine publishing channel topics as prefix+channelID.
func New(b bus.Bus, members Members, conns Deliverer, prefix string, log *zap.SugaredLogger) *Engine {
	return &Engine{
		bus:      b,
		members:  members,
		conns:    conns,
		prefix:   prefix,
		log:      log.With("component", "fanout"),
		subs:     make(map[string]bus.Subscription),
		handlers: make(map[string]Handler),
	}
}

func (e *Engine) topic(channelID string) string {
	return e.prefix + channelID
}

func (e *Engine) Connect(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.connected {
		return nil
	}
	if err := e.bus.Connect(ctx); err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	e.connected = true
	return nil
}

// Disconnect closes the bus. Closing the bus drops every topic subscription,
// so the local tracking is cleared as well.
func (e *Engine) Disconnect() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.connected {
		return nil
	}
	e.connected = false
	e.subs = make(map[string]bus.Subscription)
	return e.bus.Close()
}

func (e *Engine) Connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

func (e *Engine) SubscribeTo(ctx context.Context, channelID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.connected {
		return ErrNotConnected
	}
	if _, ok := e.subs[channelID]; ok {
		e.log.Debugw("already subscribed", "channel", channelID)
		return nil
	}
	sub, err := e.bus.Subscribe(ctx, e.topic(channelID), func(payload []byte) {
		e.dispatch(channelID, payload)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", channelID, err)
	}
	e.subs[channelID] = sub
	e.log.Debugw("subscribed", "channel", channelID)
	return nil
}

func (e *Engine) UnsubscribeFrom(ctx context.Context, channelID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.connected {
		return ErrNotConnected
	}
	sub, ok := e.subs[channelID]
	if !ok {
		e.log.Debugw("not subscribed", "channel", channelID)
		return nil
	}
	delete(e.subs, channelID)
	if err := sub.Unsubscribe(ctx); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", channelID, err)
	}
	e.log.Debugw("unsubscribed", "channel", channelID)
	return nil
}

func (e *Engine) Subscribed(channelID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.subs[channelID]
	return ok
}

// OnChannelMessage installs h for channelID, replacing any previous handler.
func (e *Engine) OnChannelMessage(channelID string, h Handler) {
	e.hmu.Lock()
	defer e.hmu.Unlock()
	e.handlers[channelID] = h
}

func (e *Engine) RemoveChannelMessageHandler(channelID string) {
	e.hmu.Lock()
	defer e.hmu.Unlock()
	delete(e.handlers, channelID)
}

// Publish sends m to its channel topic. The bus carries the bare message;
// the envelope is added only when writing to client connections.
func (e *Engine) Publish(ctx context.Context, m message.Message) error {
	if !e.Connected() {
		return ErrNotConnected
	}
	payload, err := message.Encode(m)
	if err != nil {
		return err
	}
	if err := e.bus.Publish(ctx, e.topic(m.ChannelID), payload); err != nil {
		return fmt.Errorf("publish %s/%s: %w", m.ChannelID, m.MessageID, err)
	}
	return nil
}

func (e *Engine) dispatch(channelID string, payload []byte) {
	m, err := message.Decode(payload)
	if err != nil {
		e.log.Warnw("dropping malformed payload", "channel", channelID, "error", err)
		return
	}

	e.hmu.RLock()
	h, hasHandler := e.handlers[channelID]
	e.hmu.RUnlock()

	if hasHandler {
		e.runHandler(channelID, h, m)
		return
	}
	e.broadcast(channelID, m)
}

func (e *Engine) runHandler(channelID string, h Handler, m message.Message) {
	defer func() {
		if err := recover(); err != nil {
			e.log.Errorw("channel handler panic", "channel", channelID, "message", m.MessageID, "error", err)
		}
	}()
	h(m)
}

func (e *Engine) broadcast(channelID string, m message.Message) {
	payload, err := envelope.Encode(envelope.Chat{Message: m})
	if err != nil {
		e.log.Errorw("encode envelope", "channel", channelID, "error", err)
		return
	}
	for _, userID := range e.members.Members(channelID) {
		e.conns.SendToUser(userID, payload)
	}
}

// SendToUser wraps m in a message envelope and writes it to the user's
// connections.
func (e *Engine) SendToUser(userID string, m message.Message) bool {
	payload, err := envelope.Encode(envelope.Chat{Message: m})
	if err != nil {
		e.log.Errorw("encode envelope", "user", userID, "error", err)
		return false
	}
	if e.conns.SendToUser(userID, payload) {
		e.log.Debugw("delivered", "user", userID, "channel", m.ChannelID, "message", m.MessageID)
		return true
	}
	e.log.Warnw("no active connection", "user", userID, "channel", m.ChannelID, "message", m.MessageID)
	return false
}
