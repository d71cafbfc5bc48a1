package membership

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMembership_AddIsIdempotent(t *testing.T) {
	req := require.New(t)
	m := New()

	m.AddMember("general", "u1")
	m.AddMember("general", "u1")
	m.AddMember("general", "u2")

	req.ElementsMatch([]string{"u1", "u2"}, m.Members("general"))
	req.True(m.IsMember("general", "u1"))
	req.False(m.IsMember("general", "u3"))
	req.False(m.IsMember("random", "u1"))
}

func TestMembership_RemoveDropsEmptyChannel(t *testing.T) {
	req := require.New(t)
	m := New()
	m.AddMember("general", "u1")
	m.AddMember("random", "u1")

	m.RemoveMember("general", "u2")
	m.RemoveMember("unknown", "u1")
	req.ElementsMatch([]string{"general", "random"}, m.Channels())

	m.RemoveMember("general", "u1")
	req.ElementsMatch([]string{"random"}, m.Channels())
	req.NotNil(m.Members("general"))
	req.Empty(m.Members("general"))
}

func TestMembership_ChannelsOf(t *testing.T) {
	req := require.New(t)
	m := New()
	m.AddMember("general", "u1")
	m.AddMember("random", "u1")
	m.AddMember("random", "u2")

	req.ElementsMatch([]string{"general", "random"}, m.ChannelsOf("u1"))
	req.ElementsMatch([]string{"random"}, m.ChannelsOf("u2"))
	req.Empty(m.ChannelsOf("u3"))
}

func TestMembership_Concurrent(t *testing.T) {
	m := New()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user := fmt.Sprintf("u%d", i)
			m.AddMember("general", user)
			m.Members("general")
			m.RemoveMember("general", user)
		}(i)
	}
	wg.Wait()

	require.Empty(t, m.Channels())
}
