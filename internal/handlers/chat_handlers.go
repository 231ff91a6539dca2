package handlers

import (
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pelusa-v/pelusa-relay/internal/chat"
)

// Handlers exposes the relay over fiber: the websocket endpoint plus the read-only side channel.
type Handlers struct {
	M         *chat.Manager
	Gatherer  prometheus.Gatherer
	ReadLimit int64 // max inbound frame size; 0 leaves the library default
}

func New(m *chat.Manager, g prometheus.Gatherer) *Handlers {
	return &Handlers{M: m, Gatherer: g}
}

// Mount registers every route on app under the given websocket path.
func (h *Handlers) Mount(app *fiber.App, wsPath string) {
	if wsPath == "" {
		wsPath = "/ws"
	}
	app.Use(wsPath, h.UpgradeGuard)
	app.Get(wsPath, websocket.New(h.RegisterHandler))

	app.Get("/status", h.StatusHandler)
	app.Get("/users", h.UsersHandler)
	app.Get("/calls", h.CallsHandler)
	app.Get("/debug", h.DebugHandler)
	if h.Gatherer != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(h.Gatherer, promhttp.HandlerOpts{})))
	}
}

// UpgradeGuard answers 426 to plain HTTP requests on the websocket path.
func (h *Handlers) UpgradeGuard(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return c.Status(fiber.StatusUpgradeRequired).JSON(fiber.Map{"error": "websocket upgrade required"})
}

// RegisterHandler GET /ws
func (h *Handlers) RegisterHandler(c *websocket.Conn) {
	if h.ReadLimit > 0 {
		c.SetReadLimit(h.ReadLimit)
	}
	client := chat.NewClient(uuid.NewString(), c, h.M.SendQueue())
	h.M.Register(client)
	h.M.Logger().Debug("ws accepted", zap.String("client", client.Id), zap.String("remote", c.RemoteAddr().String()))

	go client.WritePump()
	client.ReadPump(h.M)
	// the connection must stay open until the write pump has flushed
	<-client.Done()
}

// StatusHandler GET /status
func (h *Handlers) StatusHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":         "online",
		"connectedUsers": h.M.Registry().Len(),
		"connections":    h.M.ConnectionCount(),
		"activeCalls":    h.M.Calls().Len(),
		"timestamp":      h.M.Now().UTC().Format(time.RFC3339Nano),
	})
}

// UsersHandler GET /users
func (h *Handlers) UsersHandler(c *fiber.Ctx) error {
	return c.JSON(h.M.Registry().Users())
}

// CallsHandler GET /calls
func (h *Handlers) CallsHandler(c *fiber.Ctx) error {
	return c.JSON(h.M.Calls().List())
}

// DebugHandler GET /debug
func (h *Handlers) DebugHandler(c *fiber.Ctx) error {
	userToClient, clientToUser := h.M.Registry().Tables()
	clients := h.M.Clients()
	conns := make([]string, 0, len(clients))
	for _, cl := range clients {
		conns = append(conns, cl.Id)
	}
	return c.JSON(fiber.Map{
		"userToClient": userToClient,
		"clientToUser": clientToUser,
		"connections":  conns,
	})
}
