package chat

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/contrib/websocket"
)

const writeWait = 10 * time.Second

// ConnLike is the part of a websocket connection the relay needs.
// Close and WriteControl may be called concurrently with the pumps.
type ConnLike interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(int, []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Client is one transport connection. It knows nothing about the user bound to it;
// that lives in the Registry keyed by Id.
type Client struct {
	Id   string
	Conn ConnLike

	mu     sync.Mutex
	send   chan []byte
	closed bool
	done   chan struct{}

	alive atomic.Bool
}

// NewClient wraps conn with an outbound queue of the given size.
func NewClient(id string, conn ConnLike, queue int) *Client {
	if queue <= 0 {
		queue = 64
	}
	c := &Client{
		Id:   id,
		Conn: conn,
		send: make(chan []byte, queue),
		done: make(chan struct{}),
	}
	c.alive.Store(true)
	return c
}

// enqueue never blocks: a full or closed queue drops the frame.
func (c *Client) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Closed reports whether the outbound queue has been shut.
func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// closeQueue stops accepting frames; the write pump flushes what is queued and then closes the socket.
func (c *Client) closeQueue() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	close(c.send)
	return true
}

// terminate drops the socket without flushing.
func (c *Client) terminate() {
	c.closeQueue()
	_ = c.Conn.Close()
}

func (c *Client) markAlive()    { c.alive.Store(true) }
func (c *Client) markSuspect()  { c.alive.Store(false) }
func (c *Client) isAlive() bool { return c.alive.Load() }

// Done is closed once the write pump has exited.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) ping() error {
	return c.Conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// ReadPump feeds inbound frames to the manager until the socket fails.
func (c *Client) ReadPump(m *Manager) {
	defer m.Unregister(c)
	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				m.log.Sugar().Debugf("[ws] read error client=%s err=%v", c.Id, err)
			}
			return
		}
		m.HandleFrame(c, data)
	}
}

// WritePump is the only writer of data frames on the socket.
func (c *Client) WritePump() {
	defer close(c.done)
	for data := range c.send {
		if err := c.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
			_ = c.Conn.Close()
			return
		}
	}
	_ = c.Conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	_ = c.Conn.Close()
}

func encode(ev Event) []byte {
	b, _ := json.Marshal(ev)
	return b
}
