package chat

import (
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/pelusa-v/pelusa-relay/internal/events"
)

var ErrSelfCall = errors.New("cannot call yourself")

// InitiateCall rings targetUserID on behalf of c's user. An offline target is not an error;
// the call just rings until someone ends it.
//
// Runs under sessionMu so a caller disconnecting concurrently either is not bound yet
// here or has the new call force-ended by its disconnect.
func (m *Manager) InitiateCall(c *Client, targetUserID, callType, conversationID string) (Call, error) {
	m.sessionMu.Lock()
	defer m.sessionMu.Unlock()

	u, ok := m.sessionOf(c)
	if !ok {
		return Call{}, nil
	}
	targetUserID = strings.TrimSpace(targetUserID)
	if targetUserID == "" {
		return Call{}, ErrInvalidTarget
	}
	if targetUserID == u.UserID {
		return Call{}, ErrSelfCall
	}
	ct, err := parseCallType(callType)
	if err != nil {
		return Call{}, err
	}

	call := m.calls.Create(u.UserID, targetUserID, ct, normalizeConversation(conversationID), m.now())
	m.metrics.SetActiveCalls(m.calls.Len())

	online := m.sendToUser(targetUserID, NewEvent(EventCallIncoming, map[string]any{
		"callId":         call.CallID,
		"callerId":       u.UserID,
		"callerName":     u.DisplayName,
		"callerUsername": u.Username,
		"callType":       call.CallType,
		"conversationId": call.ConversationID,
	}))
	m.sendTo(c, NewEvent(EventCallInitiated, map[string]any{
		"callId":         call.CallID,
		"targetUserId":   targetUserID,
		"callType":       call.CallType,
		"conversationId": call.ConversationID,
		"targetOnline":   online,
	}))

	m.log.Info("call initiated",
		zap.String("call", call.CallID), zap.String("caller", u.UserID),
		zap.String("target", targetUserID), zap.Bool("targetOnline", online))
	return call, nil
}

// AcceptCall activates callID and tells callerID. The notifications go out even when the
// call id is unknown.
func (m *Manager) AcceptCall(c *Client, callID, callerID string) (Call, bool) {
	u, ok := m.sessionOf(c)
	if !ok {
		return Call{}, false
	}
	call, known := m.calls.Activate(callID, m.now())
	if !known {
		m.log.Warn("accept for unknown call", zap.String("call", callID), zap.String("user", u.UserID))
	}
	if callerID == "" && known {
		callerID = call.CallerID
	}

	if callerID != "" {
		m.sendToUser(callerID, NewEvent(EventCallAccepted, map[string]any{
			"callId":     callID,
			"acceptedBy": u.UserID,
			"name":       u.DisplayName,
		}))
	}
	m.sendTo(c, NewEvent(EventCallStarted, map[string]any{
		"callId":   callID,
		"callerId": callerID,
	}))
	return call, known
}

// RejectCall drops callID and tells both sides.
func (m *Manager) RejectCall(c *Client, callID, callerID string) (Call, bool) {
	u, ok := m.sessionOf(c)
	if !ok {
		return Call{}, false
	}
	call, known := m.calls.Remove(callID, m.now())
	if known {
		m.metrics.SetActiveCalls(m.calls.Len())
		if callerID == "" {
			callerID = call.CallerID
		}
	}

	ev := NewEvent(EventCallRejected, map[string]any{
		"callId":     callID,
		"rejectedBy": u.UserID,
	})
	if callerID != "" && callerID != u.UserID {
		m.sendToUser(callerID, ev)
	}
	m.sendTo(c, ev)
	m.log.Info("call rejected", zap.String("call", callID), zap.String("user", u.UserID), zap.Bool("known", known))
	return call, known
}

// EndCall drops callID. otherUserID, or the recorded counterpart when it is empty, is told
// along with the ender.
func (m *Manager) EndCall(c *Client, callID, otherUserID string) (Call, bool) {
	u, ok := m.sessionOf(c)
	if !ok {
		return Call{}, false
	}
	call, known := m.calls.Remove(callID, m.now())
	if known {
		m.metrics.SetActiveCalls(m.calls.Len())
		if otherUserID == "" {
			otherUserID = call.Counterpart(u.UserID)
		}
		m.events.Publish(events.Event{
			Kind: events.KindCallEnded, UserID: u.UserID, CallID: callID, Reason: "ended", At: m.now(),
		})
	}

	ev := NewEvent(EventCallEnded, map[string]any{
		"callId":  callID,
		"endedBy": u.UserID,
		"reason":  "ended",
	})
	if otherUserID != "" && otherUserID != u.UserID {
		m.sendToUser(otherUserID, ev)
	}
	m.sendTo(c, ev)
	m.log.Info("call ended", zap.String("call", callID), zap.String("user", u.UserID), zap.Bool("known", known))
	return call, known
}

// endCallsFor force-ends every call involving userID. Runs inside the disconnect critical section.
func (m *Manager) endCallsFor(userID, reason string) []Call {
	ended := m.calls.RemoveInvolving(userID, m.now())
	if len(ended) == 0 {
		return nil
	}
	for _, call := range ended {
		m.sendToUser(call.Counterpart(userID), NewEvent(EventCallEnded, map[string]any{
			"callId":  call.CallID,
			"endedBy": userID,
			"reason":  reason,
		}))
		m.events.Publish(events.Event{
			Kind: events.KindCallEnded, UserID: userID, CallID: call.CallID, Reason: reason, At: m.now(),
		})
		m.log.Info("call force-ended", zap.String("call", call.CallID), zap.String("user", userID), zap.String("reason", reason))
	}
	m.metrics.SetActiveCalls(m.calls.Len())
	return ended
}

type callPayload struct {
	CallID         string `json:"callId"`
	CallerID       ID     `json:"callerId"`
	TargetUserID   ID     `json:"targetUserId"`
	OtherUserID    ID     `json:"otherUserId"`
	CallType       string `json:"callType"`
	ConversationID string `json:"conversationId"`
}

// decodeCall also reports whether the sender is bound; unbound senders are dropped before validation.
func decodeCall(m *Manager, c *Client, env *Envelope) (callPayload, bool, error) {
	var p callPayload
	if _, ok := m.sessionOf(c); !ok {
		return p, false, nil
	}
	err := env.Decode(&p)
	return p, err == nil, err
}

func handleCallInitiate(m *Manager, c *Client, env *Envelope) error {
	p, ok, err := decodeCall(m, c, env)
	if !ok {
		return err
	}
	_, err = m.InitiateCall(c, string(p.TargetUserID), p.CallType, p.ConversationID)
	return err
}

func handleCallAccept(m *Manager, c *Client, env *Envelope) error {
	p, ok, err := decodeCall(m, c, env)
	if !ok {
		return err
	}
	if p.CallID == "" {
		return errors.Wrap(ErrMissingField, "callId")
	}
	m.AcceptCall(c, p.CallID, string(p.CallerID))
	return nil
}

func handleCallReject(m *Manager, c *Client, env *Envelope) error {
	p, ok, err := decodeCall(m, c, env)
	if !ok {
		return err
	}
	if p.CallID == "" {
		return errors.Wrap(ErrMissingField, "callId")
	}
	m.RejectCall(c, p.CallID, string(p.CallerID))
	return nil
}

func handleCallEnd(m *Manager, c *Client, env *Envelope) error {
	p, ok, err := decodeCall(m, c, env)
	if !ok {
		return err
	}
	if p.CallID == "" {
		return errors.Wrap(ErrMissingField, "callId")
	}
	m.EndCall(c, p.CallID, string(p.OtherUserID))
	return nil
}
