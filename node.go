package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/nzlov/relay/bus"
	"github.com/nzlov/relay/envelope"
	"github.com/nzlov/relay/fanout"
	"github.com/nzlov/relay/membership"
	"github.com/nzlov/relay/ordering"
	"github.com/nzlov/relay/registry"
	"github.com/nzlov/relay/store"
)

// Node wires the relay together for one process and serves websocket clients.
type Node struct {
	cfg Config
	log *zap.SugaredLogger

	registry *registry.Registry
	members  *membership.Membership
	engine   *fanout.Engine
	ordering *ordering.Service
	store    store.Store

	rdb   *redis.Client
	db    *gorm.DB
	mongo *mongo.Client

	upgrader websocket.Upgrader

	// joinMu serializes channel join/leave bookkeeping so a leaving user
	// cannot unsubscribe a channel another connection is joining.
	joinMu sync.Mutex
}

func newNode(ctx context.Context, cfg Config, log *zap.Logger) (*Node, error) {
	n := &Node{
		cfg:     cfg,
		log:     log.Sugar().With("node", cfg.Name),
		members: membership.New(),
	}
	n.registry = registry.New(n.log)

	if err := n.openBackends(ctx, log); err != nil {
		n.Close()
		return nil, err
	}

	alloc, err := n.allocator()
	if err != nil {
		n.Close()
		return nil, err
	}
	st, err := n.messageStore(ctx)
	if err != nil {
		n.Close()
		return nil, err
	}
	n.store = st
	n.ordering = ordering.New(alloc, st, n.log)

	b, err := n.openBus()
	if err != nil {
		n.Close()
		return nil, err
	}
	n.engine = fanout.New(b, n.members, n.registry, cfg.Bus.Prefix, n.log)
	if err := n.engine.Connect(ctx); err != nil {
		n.Close()
		return nil, err
	}

	n.upgrader = websocket.Upgrader{
		ReadBufferSize:    cfg.Client.ReadBufferSize,
		WriteBufferSize:   cfg.Client.WriteBufferSize,
		EnableCompression: cfg.Client.Compression,
	}
	n.upgrader.CheckOrigin = func(r *http.Request) bool {
		return true
	}

	n.log.Infow("node ready",
		"bus", cfg.Bus.Driver, "store", cfg.Store.Driver, "sequence", cfg.Sequence.Driver)
	return n, nil
}

func (n *Node) uses(driver string) bool {
	return n.cfg.Bus.Driver == driver || n.cfg.Store.Driver == driver || n.cfg.Sequence.Driver == driver
}

// openBackends dials every external server the configured drivers need.
func (n *Node) openBackends(ctx context.Context, log *zap.Logger) error {
	if n.uses("redis") {
		n.rdb = redis.NewClient(&redis.Options{
			Addr:         n.cfg.Redis.Host,
			Password:     n.cfg.Redis.Password,
			DB:           n.cfg.Redis.DB,
			DialTimeout:  10 * time.Second,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			PoolSize:     n.cfg.Redis.PoolSize,
			PoolTimeout:  30 * time.Second,
		})
		if err := n.rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	if n.uses("postgres") {
		db, err := store.OpenPostgres(n.cfg.Postgres.DSN, n.cfg.Postgres.DBLog, log)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		n.db = db
	}
	if n.uses("mongo") {
		client, err := store.ConnectMongo(ctx, n.cfg.Mongo.URI, n.cfg.Mongo.MaxPoolSize)
		if err != nil {
			return fmt.Errorf("mongo: %w", err)
		}
		n.mongo = client
	}
	return nil
}

func (n *Node) allocator() (store.Allocator, error) {
	switch n.cfg.Sequence.Driver {
	case "memory":
		return store.NewMemoryAllocator(), nil
	case "redis":
		return store.NewRedisAllocator(n.rdb), nil
	case "postgres":
		return store.NewPostgresAllocator(n.db), nil
	case "mongo":
		return store.NewMongoAllocator(n.mongo.Database(n.cfg.Mongo.Database)), nil
	default:
		return nil, fmt.Errorf("unknown sequence driver %q", n.cfg.Sequence.Driver)
	}
}

func (n *Node) messageStore(ctx context.Context) (store.Store, error) {
	switch n.cfg.Store.Driver {
	case "memory":
		return store.NewMemoryStore(), nil
	case "postgres":
		return store.NewPostgresStore(n.db), nil
	case "mongo":
		return store.NewMongoStore(ctx, n.mongo.Database(n.cfg.Mongo.Database))
	default:
		return nil, fmt.Errorf("unknown store driver %q", n.cfg.Store.Driver)
	}
}

func (n *Node) openBus() (bus.Bus, error) {
	switch n.cfg.Bus.Driver {
	case "memory":
		return bus.NewMemory(n.log), nil
	case "redis":
		return bus.NewRedis(n.rdb, n.log), nil
	case "nats":
		return bus.NewNats(bus.NatsConfig{
			Servers: n.cfg.Nats.Servers,
			Name:    n.cfg.Name,
		}, n.log), nil
	default:
		return nil, fmt.Errorf("unknown bus driver %q", n.cfg.Bus.Driver)
	}
}

func (n *Node) Close() {
	if n.engine != nil {
		if err := n.engine.Disconnect(); err != nil {
			n.log.Errorw("disconnect bus", "error", err)
		}
	}
	if n.rdb != nil {
		n.rdb.Close()
	}
	if n.db != nil {
		if sqlDB, err := n.db.DB(); err == nil {
			sqlDB.Close()
		}
	}
	if n.mongo != nil {
		n.mongo.Disconnect(context.Background())
	}
}

func (n *Node) Register(c *Client) {
	c.log.Info("register")
	n.registry.AddConnection(c.user, c)
}

// UnRegister forgets c. Once the user has no connection left it leaves its
// channels, and channels nobody is in anymore are unsubscribed from the bus.
func (n *Node) UnRegister(c *Client) {
	if !c.close() {
		return
	}
	c.log.Info("unregister")
	n.joinMu.Lock()
	defer n.joinMu.Unlock()
	n.registry.RemoveConnection(c.user, c)
	if n.registry.IsConnected(c.user) {
		return
	}
	n.leave(context.Background(), c, n.members.ChannelsOf(c.user))
}

// leave removes c's user from channels and unsubscribes the ones left empty.
// The caller holds joinMu.
func (n *Node) leave(ctx context.Context, c *Client, channels []string) {
	for _, ch := range channels {
		n.members.RemoveMember(ch, c.user)
		if len(n.members.Members(ch)) > 0 {
			continue
		}
		if err := n.engine.UnsubscribeFrom(ctx, ch); err != nil {
			c.log.Errorw("unsubscribe", "channel", ch, "error", err)
		}
	}
	c.log.Debugw("left channels", "channels", channels)
}

func (n *Node) reply(c *Client, e envelope.Envelope) {
	if err := c.Send(envelope.MustEncode(e)); err != nil {
		c.log.Warnw("reply dropped", "type", e.Type(), "error", err)
	}
}

func (n *Node) replyError(c *Client, msg string, err error) {
	e := envelope.Error{Message: msg}
	if err != nil {
		e.Details = err.Error()
	}
	n.reply(c, e)
}

// ClientHandler processes one frame received from c.
func (n *Node) ClientHandler(c *Client, data []byte) {
	defer func() {
		if err := recover(); err != nil {
			c.log.Errorf("handler panic:%v\n", err)
			n.replyError(c, "internal error", fmt.Errorf("%v", err))
		}
	}()
	c.log.Debugw("new frame", "data", string(data))

	e, err := envelope.Decode(data)
	if err != nil {
		c.log.Warnw("decode frame", "error", err)
		n.replyError(c, "invalid frame", err)
		return
	}

	switch v := e.(type) {
	case envelope.Connect:
		n.handleConnect(c, v)
	case envelope.Chat:
		n.handleChat(c, v)
	case envelope.Connected, envelope.Error:
		n.replyError(c, "unexpected frame type", fmt.Errorf("clients may not send %q", e.Type()))
	}
}

func (n *Node) handleConnect(c *Client, e envelope.Connect) {
	if c.hasJoined() {
		n.replyError(c, "already connected", nil)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.Client.RequestTimeout)
	defer cancel()

	n.joinMu.Lock()
	defer n.joinMu.Unlock()
	added := []string{}
	for _, ch := range e.Config.Channels {
		if !n.members.IsMember(ch, c.user) {
			n.members.AddMember(ch, c.user)
			added = append(added, ch)
		}
		if err := n.engine.SubscribeTo(ctx, ch); err != nil {
			c.log.Errorw("subscribe", "channel", ch, "error", err)
			n.leave(ctx, c, added)
			n.replyError(c, "failed to join channel "+ch, err)
			return
		}
	}
	c.markJoined()
	n.reply(c, envelope.Connected{UserID: c.user, Channels: e.Config.Channels})
}

func (n *Node) handleChat(c *Client, e envelope.Chat) {
	if !c.hasJoined() {
		n.replyError(c, "connect first", nil)
		return
	}
	channelID := e.Message.ChannelID
	if !n.members.IsMember(channelID, c.user) {
		n.replyError(c, "not a member of channel "+channelID, nil)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.Client.RequestTimeout)
	defer cancel()
	if _, err := n.post(ctx, channelID, c.user, e.Message.Content); err != nil {
		c.log.Errorw("post message", "channel", channelID, "error", err)
		n.replyError(c, "message not sent", err)
	}
}

// post runs the write path and publishes the stored message.
func (n *Node) post(ctx context.Context, channelID, userID, content string) (string, error) {
	m, err := n.ordering.SaveMessage(ctx, channelID, userID, content)
	if err != nil {
		return "", err
	}
	if err := n.engine.Publish(ctx, m); err != nil {
		return m.MessageID, err
	}
	return m.MessageID, nil
}

// router serves the public websocket endpoint.
func (n *Node) router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/ws", n.serveWs)
	return r
}

// serveWs handles websocket requests from the peer.
func (n *Node) serveWs(ctx *gin.Context) {
	user := ctx.Query("user")
	if user == "" {
		ctx.JSON(http.StatusBadRequest, gin.H{"code": C_FAIL, "data": "user is required"})
		return
	}
	conn, err := n.upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
	if err != nil {
		n.log.Warnw("upgrade", "error", err)
		return
	}
	id := uuid.NewString()
	client := &Client{
		id:   id,
		user: user,
		node: n,
		conn: conn,
		send: make(chan []byte, n.cfg.Client.SendQueue),
		log:  n.log.With("cid", id, "user", user),
	}
	if n.cfg.Client.Compression {
		client.conn.EnableWriteCompression(true)
		client.conn.SetCompressionLevel(n.cfg.Client.CompressionLevel)
	}
	client.conn.SetCloseHandler(func(code int, text string) error {
		client.log.Info("CloseHandler:", code, text)
		message := websocket.FormatCloseMessage(code, "")
		conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(writeWait))
		return nil
	})
	n.Register(client)
	// Allow collection of memory referenced by the caller by doing all work in
	// new goroutines.
	go client.writePump()
	go client.readPump()
}
