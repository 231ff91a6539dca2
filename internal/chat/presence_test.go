package chat

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"testing"

	"github.com/pkg/errors"
)

func TestRegisterGreetsWithClientID(t *testing.T) {
	m, _ := newTestManager(t)
	c := NewClient("c1", &fakeConn{}, 8)
	m.Register(c)

	evs := drain(c)
	if len(evs) != 1 || evs[0].Type() != EventConnectionEstablished || evs[0]["clientId"] != "c1" {
		t.Fatalf("greeting = %v", evs)
	}
	if m.ConnectionCount() != 1 {
		t.Fatalf("connections=%d", m.ConnectionCount())
	}
}

func TestConnectAnnouncesPresence(t *testing.T) {
	m, _ := newTestManager(t)
	a := login(t, m, "c1", "alice")
	b := open(t, m, "c2")

	u, err := m.Connect(b, "bob", "", "Bobby")
	if err != nil {
		t.Fatal(err)
	}
	if u.Username != "Bobby" || u.DisplayName != "Bobby" {
		t.Fatalf("names: %+v", u)
	}

	got := drain(b)
	if want := []string{EventUsersOnline, EventUpdateUsers}; !equalStrings(types(got), want) {
		t.Fatalf("new client got %v, want %v", types(got), want)
	}
	users := got[0]["users"].([]any)
	if len(users) != 2 {
		t.Fatalf("roster size %d", len(users))
	}
	if want := rosterJSON(t, m.Snapshot()); !reflect.DeepEqual(got[1]["users"], want) {
		t.Fatalf("update_users = %v, snapshot = %v", got[1]["users"], want)
	}

	peer := drain(a)
	if want := []string{EventUserOnline, EventUpdateUsers}; !equalStrings(types(peer), want) {
		t.Fatalf("peer got %v, want %v", types(peer), want)
	}
	if d := dataOf(t, peer[0]); d["userId"] != "bob" || d["name"] != "Bobby" {
		t.Fatalf("user_online data %v", d)
	}
}

func TestConnectNameFallbacks(t *testing.T) {
	m, _ := newTestManager(t)
	c := open(t, m, "c1")
	u, err := m.Connect(c, " u42 ", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if u.UserID != "u42" || u.Username != "u42" || u.DisplayName != "u42" {
		t.Fatalf("fallbacks: %+v", u)
	}
}

func TestConnectRequiresUserID(t *testing.T) {
	m, _ := newTestManager(t)
	c := open(t, m, "c1")
	if _, err := m.Connect(c, "  ", "x", ""); !errors.Is(err, ErrMissingField) {
		t.Fatalf("err = %v", err)
	}
	if m.Registry().Len() != 0 {
		t.Fatal("registry mutated")
	}
}

func TestConnectTwiceOnSameConnection(t *testing.T) {
	m, _ := newTestManager(t)
	other := login(t, m, "c0", "zoe")
	c := login(t, m, "c1", "alice")

	_, err := m.Connect(c, "mallory", "mallory", "")
	if !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("err = %v", err)
	}
	got := drain(c)
	if len(got) != 1 || got[0].Type() != EventAlreadyConnected || got[0]["userId"] != "alice" {
		t.Fatalf("got %v", got)
	}
	if evs := drain(other); len(evs) != 0 {
		t.Fatalf("peer saw %v", types(evs))
	}
	if _, ok := m.Registry().ConnectionFor("mallory"); ok {
		t.Fatal("second identity was bound")
	}
}

func TestDuplicateSessionReplacesOldConnection(t *testing.T) {
	m, _ := newTestManager(t)
	watcher := login(t, m, "c0", "zoe")
	old := login(t, m, "c1", "alice")

	fresh := open(t, m, "c2")
	if _, err := m.Connect(fresh, "alice", "alice", ""); err != nil {
		t.Fatal(err)
	}

	got := drain(old)
	if len(got) != 1 || got[0].Type() != EventSessionReplaced || got[0]["clientId"] != "c2" {
		t.Fatalf("old connection got %v", got)
	}
	if !old.Closed() {
		t.Fatal("old connection queue still open")
	}
	if id, _ := m.Registry().ConnectionFor("alice"); id != "c2" {
		t.Fatalf("alice bound to %q", id)
	}

	// the replaced socket closing later must not take the new session down
	drain(watcher)
	m.Unregister(old)
	if id, ok := m.Registry().ConnectionFor("alice"); !ok || id != "c2" {
		t.Fatalf("alice lost: %q %v", id, ok)
	}
	if off := ofType(drain(watcher), EventUserOffline); len(off) != 0 {
		t.Fatalf("spurious user_offline %v", off)
	}

	count := 0
	for _, e := range m.Snapshot() {
		if e.UserID == "alice" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("alice appears %d times", count)
	}
}

func TestDisconnectCleansUp(t *testing.T) {
	m, _ := newTestManager(t)
	a := login(t, m, "c1", "alice")
	b := login(t, m, "c2", "bob")

	m.TypingStart(a, "room")
	if _, err := m.InitiateCall(a, "bob", "video", ""); err != nil {
		t.Fatal(err)
	}
	drain(b)

	m.Unregister(a)

	got := drain(b)
	if want := []string{EventCallEnded, EventUserOffline, EventUpdateUsers}; !equalStrings(types(got), want) {
		t.Fatalf("bob got %v, want %v", types(got), want)
	}
	if got[0]["reason"] != "user_disconnected" {
		t.Fatalf("call_ended reason %v", got[0]["reason"])
	}
	for _, e := range m.Snapshot() {
		if e.UserID == "alice" {
			t.Fatal("alice still in roster")
		}
	}
	if m.Typing().Has("alice", "room") {
		t.Fatal("typing entry left behind")
	}
	if m.Calls().Len() != 0 {
		t.Fatalf("calls left: %v", m.Calls().List())
	}

	// second unregister is a no-op
	m.Unregister(a)
	if evs := drain(b); len(evs) != 0 {
		t.Fatalf("repeat unregister emitted %v", types(evs))
	}
}

func TestDisconnectUnboundConnection(t *testing.T) {
	m, _ := newTestManager(t)
	a := login(t, m, "c1", "alice")
	stranger := open(t, m, "c2")

	m.Unregister(stranger)
	if evs := drain(a); len(evs) != 0 {
		t.Fatalf("alice got %v", types(evs))
	}
	if m.ConnectionCount() != 1 {
		t.Fatalf("connections=%d", m.ConnectionCount())
	}
}

func TestReconcileRemovesOrphans(t *testing.T) {
	m, _ := newTestManager(t)
	a := login(t, m, "c1", "alice")

	if n := m.Reconcile(); n != 0 {
		t.Fatalf("reconcile on clean state = %d", n)
	}
	if evs := drain(a); len(evs) != 0 {
		t.Fatalf("clean reconcile emitted %v", types(evs))
	}

	m.Registry().Bind(User{UserID: "ghost", Username: "ghost", ConnectionID: "gone"})
	if n := m.Reconcile(); n != 1 {
		t.Fatalf("reconcile = %d, want 1", n)
	}
	got := drain(a)
	if want := []string{EventUserOffline, EventUpdateUsers}; !equalStrings(types(got), want) {
		t.Fatalf("alice got %v, want %v", types(got), want)
	}
	if _, ok := m.Registry().ConnectionFor("ghost"); ok {
		t.Fatal("orphan survived")
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestReplacedConnectionCannotReclaimSession(t *testing.T) {
	m, _ := newTestManager(t)
	old := login(t, m, "c1", "alice")
	fresh := open(t, m, "c2")
	if _, err := m.Connect(fresh, "alice", "alice", ""); err != nil {
		t.Fatal(err)
	}
	drain(old)
	drain(fresh)

	// a user_connect still buffered on the replaced socket
	m.HandleFrame(old, frame(t, map[string]any{"type": "user_connect", "userId": "alice"}))

	if id, _ := m.Registry().ConnectionFor("alice"); id != "c2" {
		t.Fatalf("alice bound to %q", id)
	}
	if fresh.Closed() {
		t.Fatal("live connection was closed")
	}
	if got := drain(fresh); len(got) != 0 {
		t.Fatalf("live connection got %v", types(got))
	}
}

func TestConnectAfterTerminateIsRejected(t *testing.T) {
	m, _ := newTestManager(t)
	c := open(t, m, "c1")
	m.Terminate(c)

	if _, err := m.Connect(c, "alice", "", ""); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("err = %v", err)
	}
	if m.Registry().Len() != 0 {
		t.Fatal("terminated connection was bound")
	}
}

func TestConnectRacingTerminateLeavesNoBinding(t *testing.T) {
	m, _ := newTestManager(t)
	for i := 0; i < 300; i++ {
		c := open(t, m, fmt.Sprintf("c%d", i))
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = m.Connect(c, fmt.Sprintf("u%d", i), "", "")
		}()
		go func() {
			defer wg.Done()
			m.Terminate(c)
		}()
		wg.Wait()
		if u, ok := m.Registry().Lookup(c.Id); ok {
			t.Fatalf("round %d: %s bound to terminated connection", i, u.UserID)
		}
	}
	if n := m.Registry().Len(); n != 0 {
		t.Fatalf("%d bindings left", n)
	}
}

// rosterJSON renders a snapshot the way it appears after a round trip over the wire.
func rosterJSON(t *testing.T, roster []RosterEntry) any {
	t.Helper()
	b, err := json.Marshal(roster)
	if err != nil {
		t.Fatal(err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatal(err)
	}
	return out
}
