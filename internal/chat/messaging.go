package chat

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// SendRequest is a chat-send as received from a client.
type SendRequest struct {
	ID             string
	ConversationID string
	Content        string
	Attachments    []json.RawMessage
	Participants   []string
	CreatedAt      time.Time
}

// Send builds the message record for c's user and delivers it.
//
// With participants: each distinct online participant once, plus the sender once.
// Without: every open connection, sender included. Unbound senders are dropped.
func (m *Manager) Send(c *Client, req SendRequest) (MessageRecord, bool) {
	u, ok := m.sessionOf(c)
	if !ok {
		return MessageRecord{}, false
	}

	rec := MessageRecord{
		ID:             req.ID,
		Sender:         Sender{ID: u.UserID, Name: u.DisplayName, Username: u.Username},
		ConversationID: normalizeConversation(req.ConversationID),
		Content:        req.Content,
		Attachments:    req.Attachments,
		CreatedAt:      req.CreatedAt,
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = m.now()
	}
	ev := rec.Event()

	if len(req.Participants) == 0 {
		m.broadcast(ev, "")
	} else {
		seen := map[string]bool{u.UserID: true}
		for _, p := range req.Participants {
			p = strings.TrimSpace(p)
			if p == "" || seen[p] {
				continue
			}
			seen[p] = true
			m.sendToUser(p, ev)
		}
		m.sendTo(c, ev)
	}

	m.log.Debug("message relayed",
		zap.String("user", u.UserID),
		zap.String("conversation", rec.ConversationID),
		zap.Int("participants", len(req.Participants)))
	return rec, true
}

type chatPayload struct {
	ID             ID                `json:"_id"`
	Content        string            `json:"content"`
	Message        string            `json:"message"`
	ConversationID string            `json:"conversationId"`
	Attachments    []json.RawMessage `json:"attachments"`
	Participants   []ID              `json:"participants"`
	CreatedAt      string            `json:"createdAt"`
}

func handleChatMessage(m *Manager, c *Client, env *Envelope) error {
	if _, ok := m.sessionOf(c); !ok {
		return nil
	}
	var p chatPayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	content := p.Content
	if content == "" {
		content = p.Message
	}
	if content == "" && len(p.Attachments) == 0 {
		return errors.Wrap(ErrMissingField, "content")
	}

	req := SendRequest{
		ID:             string(p.ID),
		ConversationID: p.ConversationID,
		Content:        content,
		Attachments:    p.Attachments,
	}
	for _, id := range p.Participants {
		req.Participants = append(req.Participants, string(id))
	}
	if p.CreatedAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, p.CreatedAt); err == nil {
			req.CreatedAt = t
		}
	}
	m.Send(c, req)
	return nil
}

type reactionPayload struct {
	Event     string `json:"event"`
	MessageID ID     `json:"messageId"`
	Emoji     string `json:"emoji"`
}

// handleReaction serves both reaction and custom_event. A custom_event that is not a
// reaction is acknowledged to the sender only.
func handleReaction(m *Manager, c *Client, env *Envelope) error {
	u, ok := m.sessionOf(c)
	if !ok {
		return nil
	}
	if env.Type == TypeCustomEvent {
		fields, err := env.Fields()
		if err != nil {
			return err
		}
		var event string
		_ = json.Unmarshal(fields["event"], &event)
		if event != "reaction" {
			delete(fields, "type")
			m.sendTo(c, NewEvent(EventCustomResponse, map[string]any{
				"message": "event received",
				"data":    fields,
			}))
			return nil
		}
	}

	var p reactionPayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	if p.MessageID == "" {
		return errors.Wrap(ErrMissingField, "messageId")
	}
	if p.Emoji == "" {
		return errors.Wrap(ErrMissingField, "emoji")
	}

	m.broadcast(NewEvent(EventReaction, map[string]any{
		"data": map[string]any{
			"messageId": string(p.MessageID),
			"emoji":     p.Emoji,
			"userId":    u.UserID,
			"username":  u.Username,
			"name":      u.DisplayName,
			"createdAt": m.now().UTC().Format(time.RFC3339Nano),
		},
	}), "")
	return nil
}

type readPayload struct {
	MessageID      ID     `json:"messageId"`
	ConversationID string `json:"conversationId"`
}

func handleMessageRead(m *Manager, c *Client, env *Envelope) error {
	u, ok := m.sessionOf(c)
	if !ok {
		return nil
	}
	var p readPayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	if p.MessageID == "" {
		return errors.Wrap(ErrMissingField, "messageId")
	}
	m.broadcast(NewEvent(EventMessageRead, map[string]any{
		"data": map[string]any{
			"messageId":      string(p.MessageID),
			"conversationId": normalizeConversation(p.ConversationID),
			"readBy":         u.UserID,
			"readAt":         m.now().UTC().Format(time.RFC3339Nano),
		},
	}), c.Id)
	return nil
}
