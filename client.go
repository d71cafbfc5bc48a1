package main

import (
	"bytes"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

var (
	errClientClosed = errors.New("client closed")
	errSendQueue    = errors.New("send queue full")

	newline = []byte{'\n'}
	space   = []byte{' '}
)

// Client is a middleman between the websocket connection and the node.
type Client struct {
	node *Node

	id   string
	user string

	log *zap.SugaredLogger

	// The websocket connection.
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
	joined bool
	// Buffered channel of outbound messages.
	send chan []byte
}

// Send queues payload for the write pump without blocking. A full queue
// counts as a failed delivery for this connection only.
func (c *Client) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClientClosed
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return errSendQueue
	}
}

func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// close stops the write pump. It reports false if the client was already closed.
func (c *Client) close() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	close(c.send)
	return true
}

func (c *Client) markJoined() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joined = true
}

func (c *Client) hasJoined() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined
}

// readPump pumps messages from the websocket connection to the node.
//
// The application runs readPump in a per-connection goroutine. The application
// ensures that there is at most one reader on a connection by executing all
// reads from this goroutine.
func (c *Client) readPump() {
	defer func() {
		c.node.UnRegister(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(c.node.cfg.Client.ReadMessageSizeLimit)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Error(err)
			}
			break
		}
		message = bytes.TrimSpace(bytes.ReplaceAll(message, newline, space))
		c.node.ClientHandler(c, message)
	}
}

// writePump pumps messages from the node to the websocket connection.
//
// A goroutine running writePump is started for each connection. The
// application ensures that there is at most one writer to a connection by
// executing all writes from this goroutine.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The node closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Errorw("write", "error", err)
				return
			}
			c.log.Debugw("write", "payload", string(message))
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.Errorw("write ping", "error", err)
				return
			}
		}
	}
}
