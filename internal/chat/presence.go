package chat

import (
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/pelusa-v/pelusa-relay/internal/events"
)

// ErrAlreadyConnected is returned by Connect when the connection already carries a session.
var ErrAlreadyConnected = errors.New("already connected")

// ErrConnectionClosed is returned by Connect when c was replaced or terminated before the frame ran.
var ErrConnectionClosed = errors.New("connection closed")

// Connect binds userID to connection c, replacing any session the user holds elsewhere.
//
// The replaced connection gets session_replaced and is closed once that frame is flushed.
// A repeat on an already bound connection only answers already_connected.
func (m *Manager) Connect(c *Client, userID, username, displayName string) (User, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return User{}, errors.Wrap(ErrMissingField, "userId")
	}
	if username == "" {
		username = displayName
	}
	if username == "" {
		username = userID
	}
	if displayName == "" {
		displayName = username
	}

	m.sessionMu.Lock()
	defer m.sessionMu.Unlock()

	// a replaced or terminated connection may still hold buffered frames
	if !m.isOpen(c.Id) {
		return User{}, ErrConnectionClosed
	}
	if existing, ok := m.registry.Lookup(c.Id); ok {
		m.sendTo(c, NewEvent(EventAlreadyConnected, map[string]any{
			"message": "connection already has an active session",
			"userId":  existing.UserID,
		}))
		return existing, ErrAlreadyConnected
	}

	u := User{
		UserID:       userID,
		Username:     username,
		DisplayName:  displayName,
		JoinTime:     m.now(),
		ConnectionID: c.Id,
	}
	previous, _ := m.registry.Bind(u)
	if previous != "" {
		if old, ok := m.Client(previous); ok {
			m.sendTo(old, NewEvent(EventSessionReplaced, map[string]any{
				"message":  "session replaced by a new connection",
				"userId":   userID,
				"clientId": c.Id,
			}))
			old.closeQueue()
		}
		m.log.Info("session replaced",
			zap.String("user", userID), zap.String("old", previous), zap.String("new", c.Id))
	}

	m.log.Info("user connected",
		zap.String("user", userID), zap.String("username", username), zap.String("client", c.Id))

	m.broadcast(NewEvent(EventUserOnline, map[string]any{
		"data": map[string]any{
			"userId":   u.UserID,
			"username": u.Username,
			"name":     u.DisplayName,
		},
	}), c.Id)

	roster := m.registry.Snapshot()
	m.sendTo(c, NewEvent(EventUsersOnline, map[string]any{"users": roster}))
	m.broadcast(NewEvent(EventUpdateUsers, map[string]any{"users": roster}), "")
	m.metrics.SetOnlineUsers(len(roster))

	m.events.Publish(events.Event{
		Kind: events.KindUserOnline, UserID: u.UserID, Username: u.Username, At: u.JoinTime,
	})
	return u, nil
}

// Disconnect tears down the session on connID, if any: the binding, the user's calls and
// typing entries. Peers learn through user_offline and a fresh roster.
func (m *Manager) Disconnect(connID string) {
	m.sessionMu.Lock()
	defer m.sessionMu.Unlock()

	u, ok := m.registry.Unbind(connID)
	if !ok {
		m.log.Debug("client disconnected without session", zap.String("client", connID))
		return
	}
	m.releaseLocked(u, "user_disconnected")

	roster := m.registry.Snapshot()
	m.broadcast(NewEvent(EventUpdateUsers, map[string]any{"users": roster}), "")
	m.metrics.SetOnlineUsers(len(roster))
	m.log.Info("user disconnected", zap.String("user", u.UserID), zap.String("client", connID))
}

// releaseLocked ends the user's calls, clears typing state and announces user_offline.
// Callers hold sessionMu and have already removed the binding.
func (m *Manager) releaseLocked(u User, reason string) {
	if _, still := m.registry.ConnectionFor(u.UserID); still {
		// the user is live on another connection; only the binding went away
		return
	}
	m.endCallsFor(u.UserID, reason)
	m.typing.ClearUser(u.UserID)

	m.broadcast(NewEvent(EventUserOffline, map[string]any{
		"data": map[string]any{
			"userId":   u.UserID,
			"username": u.Username,
		},
	}), "")
	m.events.Publish(events.Event{
		Kind: events.KindUserOffline, UserID: u.UserID, Username: u.Username, Reason: reason, At: m.now(),
	})
}

// Snapshot is the current roster.
func (m *Manager) Snapshot() []RosterEntry {
	return m.registry.Snapshot()
}

// Reconcile removes bindings whose connection is gone and rebroadcasts the roster if any were found.
func (m *Manager) Reconcile() int {
	m.sessionMu.Lock()
	defer m.sessionMu.Unlock()

	orphans := m.registry.Prune(m.isOpen)
	if len(orphans) == 0 {
		return 0
	}
	for _, u := range orphans {
		m.log.Warn("orphan session removed", zap.String("user", u.UserID), zap.String("client", u.ConnectionID))
		m.releaseLocked(u, "user_disconnected")
	}
	roster := m.registry.Snapshot()
	m.broadcast(NewEvent(EventUpdateUsers, map[string]any{"users": roster}), "")
	m.metrics.SetOnlineUsers(len(roster))
	m.metrics.Reconciled(len(orphans))
	return len(orphans)
}

type connectPayload struct {
	UserID   ID     `json:"userId"`
	Username string `json:"username"`
	Name     string `json:"name"`
}

func handleUserConnect(m *Manager, c *Client, env *Envelope) error {
	var p connectPayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	_, err := m.Connect(c, string(p.UserID), p.Username, p.Name)
	return err
}
