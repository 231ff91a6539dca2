package chat

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// Inbound frame types. Aliases are part of the public protocol and map to the same handler.
const (
	TypeUserConnect  = "user_connect"
	TypeUserJoin     = "user_join"
	TypeMessage      = "message"
	TypeChatMessage  = "chat_message"
	TypeTypingStart  = "typing_start"
	TypeTyping       = "typing"
	TypeTypingStop   = "typing_stop"
	TypeStopTyping   = "stop_typing"
	TypeReaction     = "reaction"
	TypeCustomEvent  = "custom_event"
	TypeMessageRead  = "message_read"
	TypeCallInitiate = "call_initiate"
	TypeCallAccept   = "call_accept"
	TypeCallReject   = "call_reject"
	TypeCallEnd      = "call_end"

	// point-to-point signaling, never touches call state
	TypeSignalOffer     = "call-offer"
	TypeSignalAnswer    = "call-answer"
	TypeSignalCandidate = "ice-candidate"
	TypeSignalEnd       = "call-end"
	TypeSignalReject    = "call-reject"
)

// Outbound event types.
const (
	EventConnectionEstablished = "connection_established"
	EventUserOnline            = "user_online"
	EventUserOffline           = "user_offline"
	EventUsersOnline           = "users_online"
	EventUpdateUsers           = "update_users"
	EventNewMessage            = "new_message"
	EventUserTyping            = "user_typing"
	EventReaction              = "reaction"
	EventMessageRead           = "message_read"
	EventCustomResponse        = "custom_response"
	EventCallIncoming          = "call_incoming"
	EventCallInitiated         = "call_initiated"
	EventCallAccepted          = "call_accepted"
	EventCallStarted           = "call_started"
	EventCallRejected          = "call_rejected"
	EventCallEnded             = "call_ended"
	EventAlreadyConnected      = "already_connected"
	EventSessionReplaced       = "session_replaced"
	EventError                 = "error"
)

// DefaultConversation is used when a frame carries no conversationId.
const DefaultConversation = "general"

var (
	ErrMalformedFrame = errors.New("invalid message format")
	ErrMissingField   = errors.New("missing required field")
	ErrInvalidTarget  = errors.New("targetUserId is required")
	ErrInvalidCall    = errors.New("callType must be voice or video")
)

// Envelope is an inbound frame. Payload fields may sit at the top level or inside data;
// values inside data win.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`

	raw []byte
}

// ParseEnvelope decodes the outer frame. Frames without a type are malformed.
func ParseEnvelope(b []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, errors.Wrap(ErrMalformedFrame, err.Error())
	}
	if env.Type == "" {
		return nil, errors.Wrap(ErrMalformedFrame, "missing type")
	}
	env.raw = b
	return &env, nil
}

// Decode fills v from the top-level fields and then from data when data is an object.
func (e *Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.raw, v); err != nil {
		return errors.Wrap(ErrMalformedFrame, err.Error())
	}
	if isObject(e.Data) {
		if err := json.Unmarshal(e.Data, v); err != nil {
			return errors.Wrap(ErrMalformedFrame, err.Error())
		}
	}
	return nil
}

// Fields returns the merged payload as raw JSON values, used by the signaling relay.
func (e *Envelope) Fields() (map[string]json.RawMessage, error) {
	out := map[string]json.RawMessage{}
	if err := e.Decode(&out); err != nil {
		return nil, err
	}
	delete(out, "data")
	return out, nil
}

func isObject(b json.RawMessage) bool {
	b = bytes.TrimSpace(b)
	return len(b) > 0 && b[0] == '{'
}

// ID accepts JSON strings and numbers; the browser client mints numeric message ids.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

// Event is an outbound frame. Body fields are flattened next to type.
type Event map[string]any

// NewEvent builds an outbound frame of the given type.
func NewEvent(typ string, fields map[string]any) Event {
	ev := Event{"type": typ}
	for k, v := range fields {
		ev[k] = v
	}
	return ev
}

func (e Event) Type() string {
	s, _ := e["type"].(string)
	return s
}

func errorEvent(msg string) Event {
	return NewEvent(EventError, map[string]any{"message": msg})
}

// User is a bound session: one logical user on exactly one connection.
type User struct {
	UserID       string    `json:"userId"`
	Username     string    `json:"username"`
	DisplayName  string    `json:"name"`
	JoinTime     time.Time `json:"joinTime"`
	ConnectionID string    `json:"clientId"`
}

// RosterEntry is what users_online / update_users carry.
type RosterEntry struct {
	UserID      string `json:"userId"`
	Username    string `json:"username"`
	DisplayName string `json:"name"`
	ClientID    string `json:"clientId"`
}

// Sender identifies the author of a message record.
type Sender struct {
	ID       string `json:"_id"`
	Name     string `json:"name"`
	Username string `json:"username"`
}

// MessageRecord is built for delivery and discarded afterwards.
type MessageRecord struct {
	ID             string            `json:"_id"`
	Sender         Sender            `json:"sender"`
	ConversationID string            `json:"conversationId"`
	Content        string            `json:"content"`
	Attachments    []json.RawMessage `json:"attachments"`
	CreatedAt      time.Time         `json:"createdAt"`
}

// Event renders the record in the layout the browser client expects.
func (r *MessageRecord) Event() Event {
	attachments := r.Attachments
	if attachments == nil {
		attachments = []json.RawMessage{}
	}
	return NewEvent(EventNewMessage, map[string]any{
		"id":        r.ID,
		"username":  r.Sender.Username,
		"message":   r.Content,
		"timestamp": r.CreatedAt.Format("15:04:05"),
		"userId":    r.Sender.ID,
		"data": map[string]any{
			"conversationId": r.ConversationID,
			"attachments":    attachments,
			"_id":            r.ID,
			"content":        r.Content,
			"sender":         r.Sender,
			"conversation":   r.ConversationID,
			"createdAt":      r.CreatedAt.UTC().Format(time.RFC3339Nano),
		},
	})
}

// CallType is voice or video.
type CallType string

const (
	CallVoice CallType = "voice"
	CallVideo CallType = "video"
)

// CallStatus moves calling -> active -> ended.
type CallStatus string

const (
	CallCalling CallStatus = "calling"
	CallActive  CallStatus = "active"
	CallEnded   CallStatus = "ended"
)

// Call tracks one signaling negotiation between two users.
type Call struct {
	CallID         string     `json:"callId"`
	CallerID       string     `json:"callerId"`
	TargetUserID   string     `json:"targetUserId"`
	CallType       CallType   `json:"callType"`
	ConversationID string     `json:"conversationId"`
	Status         CallStatus `json:"status"`
	StartTime      time.Time  `json:"startTime"`
	AcceptTime     *time.Time `json:"acceptTime,omitempty"`
	EndTime        *time.Time `json:"endTime,omitempty"`
}

// Counterpart returns the other participant of the call.
func (c *Call) Counterpart(userID string) string {
	if c.CallerID == userID {
		return c.TargetUserID
	}
	return c.CallerID
}

// Involves reports whether userID is the caller or the target.
func (c *Call) Involves(userID string) bool {
	return c.CallerID == userID || c.TargetUserID == userID
}
