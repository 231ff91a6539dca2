package chat

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pelusa-v/pelusa-relay/internal/events"
	"github.com/pelusa-v/pelusa-relay/internal/metrics"
)

type ManagerConf struct {
	SendQueue   int              // per-connection outbound queue
	TypingQuiet time.Duration    // typing-start quiet window
	Clock       func() time.Time // injectable for tests; nil => time.Now
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
	Events      events.Publisher
}

func (c *ManagerConf) norm() {
	if c.SendQueue <= 0 {
		c.SendQueue = 64
	}
	if c.TypingQuiet <= 0 {
		c.TypingQuiet = DefaultTypingQuietWindow
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Events == nil {
		c.Events = events.Nop{}
	}
}

// Manager owns every piece of shared relay state. Handlers receive it explicitly.
type Manager struct {
	conf    ManagerConf
	log     *zap.Logger
	now     func() time.Time
	metrics *metrics.Metrics
	events  events.Publisher

	clientsMu sync.RWMutex
	clients   map[string]*Client // connection id -> client

	// sessionMu serialises connect, disconnect and reconciliation so that
	// replace-then-bind and verify-then-delete are atomic per user.
	sessionMu sync.Mutex

	registry *Registry
	typing   *TypingThrottler
	calls    *CallTable
	router   *Router
}

func NewManager(conf ManagerConf) *Manager {
	conf.norm()
	m := &Manager{
		conf:     conf,
		log:      conf.Logger,
		now:      conf.Clock,
		metrics:  conf.Metrics,
		events:   conf.Events,
		clients:  make(map[string]*Client),
		registry: NewRegistry(),
		typing:   NewTypingThrottler(conf.TypingQuiet),
		calls:    NewCallTable(),
	}
	m.router = newRouter()
	return m
}

func (m *Manager) Registry() *Registry { return m.registry }

func (m *Manager) Calls() *CallTable { return m.calls }

func (m *Manager) Typing() *TypingThrottler { return m.typing }

// SendQueue is the outbound queue size new clients should be built with.
func (m *Manager) SendQueue() int { return m.conf.SendQueue }

func (m *Manager) Now() time.Time { return m.now() }

func (m *Manager) Logger() *zap.Logger { return m.log }

// Register adopts a freshly accepted connection and greets it with its id.
func (m *Manager) Register(c *Client) {
	c.Conn.SetPongHandler(func(string) error {
		c.markAlive()
		return nil
	})

	m.clientsMu.Lock()
	m.clients[c.Id] = c
	n := len(m.clients)
	m.clientsMu.Unlock()
	m.metrics.SetConnections(n)

	m.log.Debug("client connected", zap.String("client", c.Id))
	m.sendTo(c, NewEvent(EventConnectionEstablished, map[string]any{"clientId": c.Id}))
}

// Unregister forgets a connection and runs the disconnect cleanup. Safe to call twice.
func (m *Manager) Unregister(c *Client) {
	m.clientsMu.Lock()
	cur, ok := m.clients[c.Id]
	if ok && cur == c {
		delete(m.clients, c.Id)
	}
	n := len(m.clients)
	m.clientsMu.Unlock()

	c.closeQueue()
	if !ok || cur != c {
		return
	}
	m.metrics.SetConnections(n)
	m.Disconnect(c.Id)
}

// Terminate closes the socket without flushing and cleans up as for a normal close.
func (m *Manager) Terminate(c *Client) {
	c.terminate()
	m.Unregister(c)
}

func (m *Manager) Client(id string) (*Client, bool) {
	m.clientsMu.RLock()
	defer m.clientsMu.RUnlock()
	c, ok := m.clients[id]
	return c, ok
}

// Clients returns open connections ordered by id.
func (m *Manager) Clients() []*Client {
	m.clientsMu.RLock()
	out := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		out = append(out, c)
	}
	m.clientsMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Id < out[j].Id })
	return out
}

func (m *Manager) ConnectionCount() int {
	m.clientsMu.RLock()
	defer m.clientsMu.RUnlock()
	return len(m.clients)
}

func (m *Manager) isOpen(connID string) bool {
	c, ok := m.Client(connID)
	return ok && !c.Closed()
}

// ===== delivery =====

func (m *Manager) sendTo(c *Client, ev Event) {
	if c == nil {
		return
	}
	if !c.enqueue(encode(ev)) {
		m.metrics.Dropped()
		m.log.Debug("drop frame", zap.String("client", c.Id), zap.String("type", ev.Type()))
	}
}

// sendToUser delivers to the connection bound to userID. Offline users are skipped.
func (m *Manager) sendToUser(userID string, ev Event) bool {
	connID, ok := m.registry.ConnectionFor(userID)
	if !ok {
		return false
	}
	c, ok := m.Client(connID)
	if !ok {
		return false
	}
	m.sendTo(c, ev)
	return true
}

// broadcast sends to every open connection except the one with id exclude.
func (m *Manager) broadcast(ev Event, exclude string) {
	data := encode(ev)
	m.clientsMu.RLock()
	targets := make([]*Client, 0, len(m.clients))
	for id, c := range m.clients {
		if id != exclude {
			targets = append(targets, c)
		}
	}
	m.clientsMu.RUnlock()

	for _, c := range targets {
		if c.Closed() {
			continue
		}
		if !c.enqueue(data) {
			m.metrics.Dropped()
		}
	}
}
