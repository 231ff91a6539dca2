package chat

import (
	"strings"

	"go.uber.org/zap"
)

// normalizeConversation trims the id; frames without one land in the default conversation.
func normalizeConversation(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return DefaultConversation
	}
	return id
}

type typingPayload struct {
	ConversationID string `json:"conversationId"`
}

// TypingStart announces that c's user is typing in a conversation, at most once per quiet window.
func (m *Manager) TypingStart(c *Client, conversationID string) bool {
	u, ok := m.sessionOf(c)
	if !ok {
		return false
	}
	conv := normalizeConversation(conversationID)
	if !m.typing.Allow(u.UserID, conv, m.now()) {
		m.log.Debug("typing throttled", zap.String("user", u.UserID), zap.String("conversation", conv))
		return false
	}
	m.broadcast(typingEvent(u, conv, true), c.Id)
	return true
}

// TypingStop is never throttled and resets the quiet window for the key.
func (m *Manager) TypingStop(c *Client, conversationID string) bool {
	u, ok := m.sessionOf(c)
	if !ok {
		return false
	}
	conv := normalizeConversation(conversationID)
	m.typing.Clear(u.UserID, conv)
	m.broadcast(typingEvent(u, conv, false), c.Id)
	return true
}

func typingEvent(u User, conv string, typing bool) Event {
	return NewEvent(EventUserTyping, map[string]any{
		"conversationId": conv,
		"username":       u.Username,
		"userId":         u.UserID,
		"isTyping":       typing,
		"data": map[string]any{
			"conversationId": conv,
			"userId":         u.UserID,
			"username":       u.Username,
			"name":           u.DisplayName,
			"isTyping":       typing,
		},
	})
}

func handleTypingStart(m *Manager, c *Client, env *Envelope) error {
	if _, ok := m.sessionOf(c); !ok {
		return nil
	}
	var p typingPayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	m.TypingStart(c, p.ConversationID)
	return nil
}

func handleTypingStop(m *Manager, c *Client, env *Envelope) error {
	if _, ok := m.sessionOf(c); !ok {
		return nil
	}
	var p typingPayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	m.TypingStop(c, p.ConversationID)
	return nil
}
