package chat

import (
	"testing"
	"time"
)

func TestSendTargetedParticipants(t *testing.T) {
	m, _ := newTestManager(t)
	sender := login(t, m, "c0", "sam")
	a := login(t, m, "c1", "A")
	bystander := login(t, m, "c3", "C")
	for _, c := range m.Clients() {
		drain(c)
	}

	rec, ok := m.Send(sender, SendRequest{
		Content:      "hi",
		Participants: []string{"A", "B", "A", "sam"},
	})
	if !ok {
		t.Fatal("send dropped")
	}
	if rec.ConversationID != DefaultConversation || rec.ID == "" {
		t.Fatalf("record %+v", rec)
	}

	if got := ofType(drain(a), EventNewMessage); len(got) != 1 {
		t.Fatalf("A got %d copies", len(got))
	}
	if got := ofType(drain(sender), EventNewMessage); len(got) != 1 {
		t.Fatalf("sender got %d copies", len(got))
	}
	if got := drain(bystander); len(got) != 0 {
		t.Fatalf("non-participant got %v", types(got))
	}
}

func TestSendBroadcastWithoutParticipants(t *testing.T) {
	m, _ := newTestManager(t)
	sender := login(t, m, "c0", "sam")
	a := login(t, m, "c1", "A")
	anon := open(t, m, "c2")
	for _, c := range m.Clients() {
		drain(c)
	}

	at := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
	m.Send(sender, SendRequest{ID: "m1", Content: "hello", ConversationID: "room-1", CreatedAt: at})

	for _, c := range []*Client{sender, a, anon} {
		got := ofType(drain(c), EventNewMessage)
		if len(got) != 1 {
			t.Fatalf("%s got %d copies", c.Id, len(got))
		}
		ev := got[0]
		if ev["id"] != "m1" || ev["message"] != "hello" || ev["username"] != "sam" || ev["timestamp"] != "09:30:00" {
			t.Fatalf("top level %v", ev)
		}
		d := dataOf(t, ev)
		if d["conversationId"] != "room-1" || d["content"] != "hello" || d["createdAt"] != "2024-05-01T09:30:00Z" {
			t.Fatalf("data %v", d)
		}
		if sender := d["sender"].(map[string]any); sender["_id"] != "sam" {
			t.Fatalf("sender %v", sender)
		}
	}
}

func TestSendFromUnboundConnectionDropped(t *testing.T) {
	m, _ := newTestManager(t)
	a := login(t, m, "c1", "A")
	anon := open(t, m, "c2")

	m.HandleFrame(anon, frame(t, map[string]any{"type": "message", "content": "psst"}))
	if got := drain(anon); len(got) != 0 {
		t.Fatalf("unbound sender got %v", types(got))
	}
	if got := drain(a); len(got) != 0 {
		t.Fatalf("peer got %v", types(got))
	}
}

func TestChatMessageFrameAliasesAndNestedData(t *testing.T) {
	m, _ := newTestManager(t)
	a := login(t, m, "c1", "A")
	b := login(t, m, "c2", "B")

	m.HandleFrame(a, frame(t, map[string]any{
		"type": "chat_message",
		"data": map[string]any{"_id": 1714556400000, "message": "yo", "conversationId": "dm", "participants": []string{"B"}},
	}))

	got := ofType(drain(b), EventNewMessage)
	if len(got) != 1 {
		t.Fatalf("B got %d", len(got))
	}
	if got[0]["id"] != "1714556400000" || got[0]["message"] != "yo" {
		t.Fatalf("event %v", got[0])
	}
}

func TestChatMessageWithoutContentIsRejected(t *testing.T) {
	m, _ := newTestManager(t)
	a := login(t, m, "c1", "A")
	b := login(t, m, "c2", "B")

	m.HandleFrame(a, frame(t, map[string]any{"type": "message"}))
	got := drain(a)
	if len(got) != 1 || got[0].Type() != EventError {
		t.Fatalf("sender got %v", got)
	}
	if len(drain(b)) != 0 {
		t.Fatal("peer saw the invalid message")
	}
}

func TestReactionAndCustomEvent(t *testing.T) {
	m, _ := newTestManager(t)
	a := login(t, m, "c1", "A")
	b := login(t, m, "c2", "B")

	m.HandleFrame(a, frame(t, map[string]any{
		"type": "custom_event",
		"data": map[string]any{"event": "reaction", "messageId": "m1", "emoji": "👍"},
	}))
	for _, c := range []*Client{a, b} {
		got := ofType(drain(c), EventReaction)
		if len(got) != 1 {
			t.Fatalf("%s got %d reactions", c.Id, len(got))
		}
		if d := dataOf(t, got[0]); d["messageId"] != "m1" || d["userId"] != "A" {
			t.Fatalf("reaction %v", d)
		}
	}

	m.HandleFrame(a, frame(t, map[string]any{"type": "custom_event", "event": "wave", "to": "B"}))
	got := drain(a)
	if len(got) != 1 || got[0].Type() != EventCustomResponse {
		t.Fatalf("custom event reply %v", types(got))
	}
	if len(drain(b)) != 0 {
		t.Fatal("custom event leaked to peer")
	}

	m.HandleFrame(a, frame(t, map[string]any{"type": "reaction", "messageId": "m1"}))
	if got := drain(a); len(got) != 1 || got[0].Type() != EventError {
		t.Fatalf("reaction without emoji: %v", types(got))
	}
}

func TestMessageReadExcludesSender(t *testing.T) {
	m, clk := newTestManager(t)
	a := login(t, m, "c1", "A")
	b := login(t, m, "c2", "B")

	m.HandleFrame(a, frame(t, map[string]any{"type": "message_read", "messageId": "m9", "conversationId": "dm"}))
	if got := drain(a); len(got) != 0 {
		t.Fatalf("sender got %v", types(got))
	}
	got := ofType(drain(b), EventMessageRead)
	if len(got) != 1 {
		t.Fatalf("B got %d", len(got))
	}
	d := dataOf(t, got[0])
	if d["readBy"] != "A" || d["messageId"] != "m9" || d["readAt"] != clk.Now().Format(time.RFC3339Nano) {
		t.Fatalf("read receipt %v", d)
	}
}

func TestChatMessageNumericParticipants(t *testing.T) {
	m, _ := newTestManager(t)
	a := login(t, m, "c1", "7")
	b := login(t, m, "c2", "42")
	other := login(t, m, "c3", "99")

	m.HandleFrame(a, []byte(`{"type":"message","content":"hi","participants":[42]}`))
	if got := ofType(drain(b), EventNewMessage); len(got) != 1 {
		t.Fatalf("participant got %d copies", len(got))
	}
	if got := drain(a); len(got) != 1 || got[0].Type() != EventNewMessage {
		t.Fatalf("sender got %v", types(got))
	}
	if got := drain(other); len(got) != 0 {
		t.Fatalf("non-participant got %v", types(got))
	}
}
