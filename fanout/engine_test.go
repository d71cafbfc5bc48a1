package fanout

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"

	"github.com/nzlov/relay/bus"
	"github.com/nzlov/relay/envelope"
	"github.com/nzlov/relay/fanout/mocks"
	"github.com/nzlov/relay/membership"
	"github.com/nzlov/relay/message"
)

const prefix = "chat:channel:"

func newEngine(t *testing.T, members Members, conns Deliverer) (*Engine, *bus.Memory) {
	b := bus.NewMemory(zap.NewNop().Sugar())
	e := New(b, members, conns, prefix, zap.NewNop().Sugar())
	t.Cleanup(func() { _ = e.Disconnect() })
	return e, b
}

func sample(channelID, content string) message.Message {
	return message.New(channelID, 1, "author", content, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
}

func chatContent(t *testing.T, payload []byte) string {
	e, err := envelope.Decode(payload)
	require.NoError(t, err)
	chat, ok := e.(envelope.Chat)
	require.True(t, ok)
	return chat.Message.Content
}

func TestEngine_BroadcastsToEveryMember(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	conns := mocks.NewMockDeliverer(ctrl)
	members := membership.New()
	members.AddMember("general", "u1")
	members.AddMember("general", "u2")
	members.AddMember("random", "u3")
	e, _ := newEngine(t, members, conns)

	// Given both members receive exactly one envelope carrying "hi"
	for _, user := range []string{"u1", "u2"} {
		conns.EXPECT().SendToUser(user, gomock.Any()).
			DoAndReturn(func(_ string, payload []byte) bool {
				req.Equal("hi", chatContent(t, payload))
				return true
			}).
			Times(1)
	}

	req.NoError(e.Connect(ctx))
	req.NoError(e.SubscribeTo(ctx, "general"))

	// When a message is published on the channel
	req.NoError(e.Publish(ctx, sample("general", "hi")))
}

func TestEngine_HandlerOverridesBroadcast(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	conns := mocks.NewMockDeliverer(ctrl)
	members := mocks.NewMockMembers(ctrl)
	e, _ := newEngine(t, members, conns)
	req.NoError(e.Connect(ctx))
	req.NoError(e.SubscribeTo(ctx, "general"))

	var handled []string
	e.OnChannelMessage("general", func(m message.Message) {
		handled = append(handled, "first:"+m.Content)
	})
	e.OnChannelMessage("general", func(m message.Message) {
		handled = append(handled, "second:"+m.Content)
	})

	// Given a handler is installed, no member lookup or delivery happens
	// (the mocks have no expectations yet, so any call fails the test)
	req.NoError(e.Publish(ctx, sample("general", "a")))
	req.Equal([]string{"second:a"}, handled)

	// When the handler is removed, the default broadcast comes back
	e.RemoveChannelMessageHandler("general")
	members.EXPECT().Members("general").Return([]string{"u1"}).Times(1)
	conns.EXPECT().SendToUser("u1", gomock.Any()).Return(true).Times(1)
	req.NoError(e.Publish(ctx, sample("general", "b")))
	req.Equal([]string{"second:a"}, handled)
}

func TestEngine_HandlerPanicIsContained(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	conns := mocks.NewMockDeliverer(ctrl)
	members := membership.New()
	members.AddMember("random", "u1")
	e, _ := newEngine(t, members, conns)
	req.NoError(e.Connect(ctx))
	req.NoError(e.SubscribeTo(ctx, "general"))
	req.NoError(e.SubscribeTo(ctx, "random"))

	calls := 0
	e.OnChannelMessage("general", func(message.Message) {
		calls++
		panic("handler bug")
	})
	conns.EXPECT().SendToUser("u1", gomock.Any()).Return(true).Times(1)

	req.NotPanics(func() {
		req.NoError(e.Publish(ctx, sample("general", "x")))
		req.NoError(e.Publish(ctx, sample("general", "y")))
	})
	req.Equal(2, calls)
	req.NoError(e.Publish(ctx, sample("random", "z")))
}

func TestEngine_MalformedPayloadIsDropped(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	conns := mocks.NewMockDeliverer(ctrl)
	members := membership.New()
	members.AddMember("general", "u1")
	e, b := newEngine(t, members, conns)
	req.NoError(e.Connect(ctx))
	req.NoError(e.SubscribeTo(ctx, "general"))

	conns.EXPECT().SendToUser("u1", gomock.Any()).
		DoAndReturn(func(_ string, payload []byte) bool {
			req.Equal("valid", chatContent(t, payload))
			return true
		}).
		Times(1)

	req.NotPanics(func() {
		req.NoError(b.Publish(ctx, prefix+"general", []byte("not json")))
		req.NoError(b.Publish(ctx, prefix+"general", []byte(`{"channelId":"general","content":"no id"}`)))
	})
	req.NoError(e.Publish(ctx, sample("general", "valid")))
}

func TestEngine_SubscribeIsIdempotent(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	e, b := newEngine(t, membership.New(), mocks.NewMockDeliverer(ctrl))
	req.NoError(e.Connect(ctx))

	req.NoError(e.SubscribeTo(ctx, "c1"))
	req.NoError(e.SubscribeTo(ctx, "c1"))
	req.Equal(1, b.Subscribers(prefix+"c1"))
	req.True(e.Subscribed("c1"))

	req.NoError(e.UnsubscribeFrom(ctx, "c1"))
	req.Zero(b.Subscribers(prefix + "c1"))
	req.False(e.Subscribed("c1"))

	req.NoError(e.UnsubscribeFrom(ctx, "c1"))
}

func TestEngine_RequiresConnection(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	e, _ := newEngine(t, membership.New(), mocks.NewMockDeliverer(ctrl))

	req.ErrorIs(e.SubscribeTo(ctx, "c1"), ErrNotConnected)
	req.ErrorIs(e.UnsubscribeFrom(ctx, "c1"), ErrNotConnected)
	req.ErrorIs(e.Publish(ctx, sample("c1", "x")), ErrNotConnected)

	req.NoError(e.Connect(ctx))
	req.NoError(e.SubscribeTo(ctx, "c1"))
	req.NoError(e.Disconnect())

	req.False(e.Connected())
	req.False(e.Subscribed("c1"))
	req.ErrorIs(e.UnsubscribeFrom(ctx, "c1"), ErrNotConnected)

	// Reconnecting starts from a clean subscription state.
	req.NoError(e.Connect(ctx))
	req.NoError(e.SubscribeTo(ctx, "c1"))
	req.True(e.Subscribed("c1"))
}

func TestEngine_SendToUser(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	conns := mocks.NewMockDeliverer(ctrl)
	e, _ := newEngine(t, membership.New(), conns)

	conns.EXPECT().SendToUser("u1", gomock.Any()).
		DoAndReturn(func(_ string, payload []byte) bool {
			req.Equal("hello", chatContent(t, payload))
			return true
		})
	conns.EXPECT().SendToUser("ghost", gomock.Any()).Return(false)

	req.True(e.SendToUser("u1", sample("general", "hello")))
	req.False(e.SendToUser("ghost", sample("general", "hello")))
}
