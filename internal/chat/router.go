package chat

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// HandlerFunc handles one inbound frame. A returned error is reported to the sender as an
// error frame; the connection stays open either way.
type HandlerFunc func(m *Manager, c *Client, env *Envelope) error

// Router maps declared frame types to handlers.
type Router struct {
	handlers map[string]HandlerFunc
}

func NewRouter() *Router {
	return &Router{handlers: make(map[string]HandlerFunc)}
}

// Register binds h to every given type; aliases share one handler.
func (r *Router) Register(h HandlerFunc, types ...string) {
	for _, t := range types {
		r.handlers[t] = h
	}
}

func (r *Router) Get(typ string) (HandlerFunc, bool) {
	h, ok := r.handlers[typ]
	return h, ok
}

func newRouter() *Router {
	r := NewRouter()
	r.Register(handleUserConnect, TypeUserConnect, TypeUserJoin)
	r.Register(handleChatMessage, TypeMessage, TypeChatMessage)
	r.Register(handleTypingStart, TypeTypingStart, TypeTyping)
	r.Register(handleTypingStop, TypeTypingStop, TypeStopTyping)
	r.Register(handleReaction, TypeReaction, TypeCustomEvent)
	r.Register(handleMessageRead, TypeMessageRead)
	r.Register(handleCallInitiate, TypeCallInitiate)
	r.Register(handleCallAccept, TypeCallAccept)
	r.Register(handleCallReject, TypeCallReject)
	r.Register(handleCallEnd, TypeCallEnd)
	r.Register(handleSignal,
		TypeSignalOffer, TypeSignalAnswer, TypeSignalCandidate, TypeSignalEnd, TypeSignalReject)
	return r
}

// HandleFrame parses and dispatches one inbound frame from c.
func (m *Manager) HandleFrame(c *Client, data []byte) {
	env, err := ParseEnvelope(data)
	if err != nil {
		m.metrics.Frame("malformed")
		m.log.Warn("malformed frame", zap.String("client", c.Id), zap.Error(err))
		m.replyError(c, err)
		return
	}

	h, ok := m.router.Get(env.Type)
	if !ok {
		m.metrics.Frame("unknown")
		m.log.Info("unknown message type", zap.String("client", c.Id), zap.String("type", env.Type))
		return
	}
	m.metrics.Frame(env.Type)

	if err := h(m, c, env); err != nil {
		m.log.Debug("frame rejected",
			zap.String("client", c.Id), zap.String("type", env.Type), zap.Error(err))
		m.replyError(c, err)
	}
}

func (m *Manager) replyError(c *Client, err error) {
	switch {
	case errors.Is(err, ErrAlreadyConnected), errors.Is(err, ErrConnectionClosed):
		return
	case errors.Is(err, ErrMalformedFrame):
		m.sendTo(c, errorEvent(ErrMalformedFrame.Error()))
	default:
		m.sendTo(c, errorEvent(err.Error()))
	}
}

// sessionOf returns the user bound to c. Actions from unbound connections are dropped silently.
func (m *Manager) sessionOf(c *Client) (User, bool) {
	return m.registry.Lookup(c.Id)
}
