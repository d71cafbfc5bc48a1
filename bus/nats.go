package bus

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

type NatsConfig struct {
	Servers       []string
	Name          string
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// Nats publishes on core NATS subjects (no JetStream persistence).
type Nats struct {
	cfg NatsConfig
	log *zap.SugaredLogger

	mu sync.Mutex
	nc *nats.Conn
}

func NewNats(cfg NatsConfig, log *zap.SugaredLogger) *Nats {
	if len(cfg.Servers) == 0 {
		cfg.Servers = []string{nats.DefaultURL}
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}
	return &Nats{cfg: cfg, log: log.With("component", "nats-bus")}
}

func (b *Nats) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.nc != nil {
		return nil
	}
	nc, err := nats.Connect(strings.Join(b.cfg.Servers, ","),
		nats.Name(b.cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(b.cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(b.cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			b.log.Warnw("disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			b.log.Infow("reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return err
	}
	b.nc = nc
	b.log.Infow("connected", "url", nc.ConnectedUrl())
	return nil
}

// Close drains pending messages; subscriptions go away with the connection.
func (b *Nats) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.nc == nil {
		return nil
	}
	err := b.nc.Drain()
	b.nc = nil
	return err
}

func (b *Nats) conn() (*nats.Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.nc == nil {
		return nil, ErrClosed
	}
	return b.nc, nil
}

func (b *Nats) Publish(ctx context.Context, topic string, payload []byte) error {
	nc, err := b.conn()
	if err != nil {
		return err
	}
	return nc.Publish(topic, payload)
}

func (b *Nats) Subscribe(ctx context.Context, topic string, h Handler) (Subscription, error) {
	nc, err := b.conn()
	if err != nil {
		return nil, err
	}
	log := b.log.With("topic", topic)
	sub, err := nc.Subscribe(topic, func(m *nats.Msg) {
		deliver(h, append([]byte(nil), m.Data...), log)
	})
	if err != nil {
		return nil, err
	}
	// Make sure the server registered the interest before returning.
	if err := nc.FlushTimeout(b.cfg.Timeout); err != nil {
		_ = sub.Unsubscribe()
		return nil, err
	}
	return &natsSub{sub: sub}, nil
}

type natsSub struct {
	sub *nats.Subscription
}

func (s *natsSub) Unsubscribe(ctx context.Context) error {
	return s.sub.Unsubscribe()
}
