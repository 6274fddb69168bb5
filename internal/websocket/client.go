// internal/websocket/client.go
package websocket

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"openiotzen-gateway/internal/data"
	"openiotzen-gateway/internal/subscription"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Send pings to peer with this period. Must be less than pongWait.
	maxMessageSize = 64 * 1024           // Maximum message size allowed from peer.
	sendBuffer     = 256
)

// Kind tells devices and dashboards apart. It decides auth failure handling
// and whether the connection auto-joins its device rooms.
type Kind int

const (
	KindDashboard Kind = iota
	KindDevice
)

func (k Kind) String() string {
	if k == KindDevice {
		return "device"
	}
	return "dashboard"
}

type closeFrame struct {
	code   int
	reason string
}

// Client is a middleman between the websocket connection and the gateway.
// It implements subscription.Subscriber.
type Client struct {
	id     string
	conn   *websocket.Conn
	remote string
	send   chan []byte
	closeq chan closeFrame
	grace  *time.Timer

	mu       sync.RWMutex
	kind     Kind
	identity data.Identity
	authed   bool
	closed   bool
}

func newClient(id string, conn *websocket.Conn, kind Kind) *Client {
	return &Client{
		id:     id,
		conn:   conn,
		remote: conn.RemoteAddr().String(),
		send:   make(chan []byte, sendBuffer),
		closeq: make(chan closeFrame, 1),
		kind:   kind,
	}
}

func (c *Client) ID() string { return c.id }

// Deliver queues msg for the write pump. A closed client fails with
// subscription.ErrClosed, a client that cannot keep up with ErrBufferFull.
func (c *Client) Deliver(msg []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return subscription.ErrClosed
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return subscription.ErrBufferFull
	}
}

func (c *Client) emit(event string, payload interface{}) error {
	msg, err := subscription.Encode(event, payload)
	if err != nil {
		return err
	}
	return c.Deliver(msg)
}

// closeWith asks the write pump to flush what is queued and then send a close frame.
func (c *Client) closeWith(code int, reason string) {
	select {
	case c.closeq <- closeFrame{code: code, reason: reason}:
	default:
	}
}

func (c *Client) Identity() data.Identity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity
}

func (c *Client) Kind() Kind {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.kind
}

func (c *Client) authenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authed
}

func (c *Client) bind(id data.Identity, kind Kind) {
	c.mu.Lock()
	c.identity = id
	c.kind = kind
	c.authed = true
	c.mu.Unlock()
}

// shutdown marks the client closed and stops the write pump. Safe to call twice.
func (c *Client) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// readPump reads frames until the connection fails and hands each one to handle.
// It runs on the upgrade goroutine, so frames from one connection are handled in order.
func (c *Client) readPump(handle func(*Client, []byte)) error {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.ClosePolicyViolation) {
				return err
			}
			return nil
		}
		handle(c, message)
	}
}

// writePump pumps messages from the send channel to the websocket connection.
func (c *Client) writePump() error {
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
				// The client was shut down.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return nil
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return err
			}
		case cf := <-c.closeq:
			c.flush()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			return c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(cf.code, cf.reason))
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		}
	}
}

func (c *Client) flush() {
	n := len(c.send)
	for i := 0; i < n; i++ {
		message, ok := <-c.send
		if !ok {
			return
		}
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
}
