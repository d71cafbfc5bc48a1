package registry

import (
	"fmt"
	"sync"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

// Conn is a live transport connection. Handles are compared by identity, so
// implementations should be pointer types.
type Conn interface {
	Send(payload []byte) error
	Closed() bool
}

// Registry maps a user to the set of its open connections.
type Registry struct {
	log *zap.SugaredLogger

	mu    sync.RWMutex
	users map[string]map[Conn]struct{}
}

func New(log *zap.SugaredLogger) *Registry {
	return &Registry{
		log:   log.With("component", "registry"),
		users: make(map[string]map[Conn]struct{}),
	}
}

func (r *Registry) AddConnection(userID string, c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns := r.users[userID]
	if conns == nil {
		conns = make(map[Conn]struct{})
		r.users[userID] = conns
	}
	conns[c] = struct{}{}
}

// RemoveConnection drops c and forgets the user once its last connection is gone.
func (r *Registry) RemoveConnection(userID string, c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns := r.users[userID]
	if conns == nil {
		return
	}
	delete(conns, c)
	if len(conns) == 0 {
		delete(r.users, userID)
	}
}

// SendToUser writes payload to every open connection of the user. Closed
// connections are skipped and failed sends are logged. It reports whether at
// least one connection accepted the payload.
func (r *Registry) SendToUser(userID string, payload []byte) bool {
	conns := r.Connections(userID)
	delivered := false
	for _, c := range conns {
		if c.Closed() {
			continue
		}
		if err := send(c, payload); err != nil {
			r.log.Warnw("send failed", "user", userID, "error", err)
			continue
		}
		delivered = true
	}
	return delivered
}

func send(c Conn, payload []byte) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("send panic: %v", p)
		}
	}()
	return c.Send(payload)
}

func (r *Registry) Connections(userID string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Keys(r.users[userID])
}

func (r *Registry) ConnectedUsers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Keys(r.users)
}

func (r *Registry) IsConnected(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID]) > 0
}
