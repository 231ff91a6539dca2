package chat

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// CallTable holds in-progress calls keyed by call id. Ended calls are removed.
type CallTable struct {
	mu    sync.RWMutex
	calls map[string]*Call
}

func NewCallTable() *CallTable {
	return &CallTable{calls: make(map[string]*Call)}
}

// Create starts a call in the calling state.
func (t *CallTable) Create(callerID, targetUserID string, callType CallType, conversationID string, now time.Time) Call {
	c := &Call{
		CallID:         uuid.NewString(),
		CallerID:       callerID,
		TargetUserID:   targetUserID,
		CallType:       callType,
		ConversationID: conversationID,
		Status:         CallCalling,
		StartTime:      now,
	}
	t.mu.Lock()
	t.calls[c.CallID] = c
	t.mu.Unlock()
	return *c
}

// Activate moves a known call to active. Unknown ids report false.
func (t *CallTable) Activate(callID string, now time.Time) (Call, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.calls[callID]
	if !ok {
		return Call{}, false
	}
	c.Status = CallActive
	at := now
	c.AcceptTime = &at
	return *c, true
}

// Remove ends and deletes a call, returning its final state.
func (t *CallTable) Remove(callID string, now time.Time) (Call, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.calls[callID]
	if !ok {
		return Call{}, false
	}
	delete(t.calls, callID)
	return finish(c, now), true
}

// RemoveInvolving ends every call where userID is caller or target.
func (t *CallTable) RemoveInvolving(userID string, now time.Time) []Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Call
	for id, c := range t.calls {
		if !c.Involves(userID) {
			continue
		}
		delete(t.calls, id)
		out = append(out, finish(c, now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

func (t *CallTable) Get(callID string) (Call, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.calls[callID]
	if !ok {
		return Call{}, false
	}
	return *c, true
}

// List returns active calls, oldest first.
func (t *CallTable) List() []Call {
	t.mu.RLock()
	out := make([]Call, 0, len(t.calls))
	for _, c := range t.calls {
		out = append(out, *c)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

func (t *CallTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.calls)
}

func finish(c *Call, now time.Time) Call {
	out := *c
	out.Status = CallEnded
	at := now
	out.EndTime = &at
	return out
}

func parseCallType(s string) (CallType, error) {
	switch CallType(s) {
	case "", CallVoice:
		return CallVoice, nil
	case CallVideo:
		return CallVideo, nil
	}
	return "", ErrInvalidCall
}
