package membership

import (
	"sync"

	"github.com/samber/lo"
)

// Membership tracks which users joined which channel on this process.
// It is not persisted; clients rejoin on reconnect.
type Membership struct {
	mu       sync.RWMutex
	channels map[string]map[string]struct{}
}

func New() *Membership {
	return &Membership{channels: make(map[string]map[string]struct{})}
}

func (m *Membership) AddMember(channelID, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	users := m.channels[channelID]
	if users == nil {
		users = make(map[string]struct{})
		m.channels[channelID] = users
	}
	users[userID] = struct{}{}
}

// RemoveMember drops userID from the channel and drops the channel once empty.
func (m *Membership) RemoveMember(channelID, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	users := m.channels[channelID]
	if users == nil {
		return
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(m.channels, channelID)
	}
}

// Members returns the users of channelID in no particular order.
func (m *Membership) Members(channelID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return lo.Keys(m.channels[channelID])
}

func (m *Membership) IsMember(channelID, userID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.channels[channelID][userID]
	return ok
}

func (m *Membership) Channels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return lo.Keys(m.channels)
}

// ChannelsOf lists the channels userID belongs to.
func (m *Membership) ChannelsOf(userID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []string{}
	for channelID, users := range m.channels {
		if _, ok := users[userID]; ok {
			out = append(out, channelID)
		}
	}
	return out
}
