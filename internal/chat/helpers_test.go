package chat

import (
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/contrib/websocket"
)

type fakeConn struct {
	mu      sync.Mutex
	closed  bool
	pings   int
	pong    func(string) error
	written [][]byte
	pingErr error
}

func (f *fakeConn) ReadMessage() (int, []byte, error) { return 0, nil, io.EOF }

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return io.ErrClosedPipe
	}
	f.written = append(f.written, data)
	return nil
}

func (f *fakeConn) WriteControl(messageType int, _ []byte, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if messageType == websocket.PingMessage {
		f.pings++
		return f.pingErr
	}
	return nil
}

func (f *fakeConn) SetPongHandler(h func(string) error) {
	f.mu.Lock()
	f.pong = h
	f.mu.Unlock()
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// answerPing simulates the peer's pong.
func (f *fakeConn) answerPing() {
	f.mu.Lock()
	h := f.pong
	f.mu.Unlock()
	if h != nil {
		_ = h("")
	}
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestManager(t *testing.T) (*Manager, *fakeClock) {
	t.Helper()
	clk := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	m := NewManager(ManagerConf{SendQueue: 64, Clock: clk.Now})
	return m, clk
}

// open registers a fresh connection and discards its greeting.
func open(t *testing.T, m *Manager, id string) *Client {
	t.Helper()
	c := NewClient(id, &fakeConn{}, m.SendQueue())
	m.Register(c)
	drain(c)
	return c
}

// login opens a connection bound to userID and drains every connection's queue.
func login(t *testing.T, m *Manager, id, userID string) *Client {
	t.Helper()
	c := open(t, m, id)
	if _, err := m.Connect(c, userID, userID, ""); err != nil {
		t.Fatalf("connect %s: %v", userID, err)
	}
	for _, cl := range m.Clients() {
		drain(cl)
	}
	return c
}

// drain empties c's queue without blocking.
func drain(c *Client) []Event {
	var out []Event
	for {
		select {
		case b, ok := <-c.send:
			if !ok {
				return out
			}
			var ev Event
			if err := json.Unmarshal(b, &ev); err != nil {
				panic(err)
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func ofType(evs []Event, typ string) []Event {
	var out []Event
	for _, ev := range evs {
		if ev.Type() == typ {
			out = append(out, ev)
		}
	}
	return out
}

func types(evs []Event) []string {
	out := make([]string, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Type())
	}
	return out
}

func frame(t *testing.T, v map[string]any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func dataOf(t *testing.T, ev Event) map[string]any {
	t.Helper()
	d, ok := ev["data"].(map[string]any)
	if !ok {
		t.Fatalf("event %s has no data object: %v", ev.Type(), ev)
	}
	return d
}
