package chat

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultTypingQuietWindow is the minimum spacing between two accepted typing-start signals.
const DefaultTypingQuietWindow = time.Second

type typingKey struct {
	userID         string
	conversationID string
}

// TypingThrottler rate-limits typing-start per (user, conversation).
// Each key holds a one-token bucket refilled once per quiet window.
type TypingThrottler struct {
	mu      sync.Mutex
	window  time.Duration
	entries map[typingKey]*rate.Limiter
}

func NewTypingThrottler(window time.Duration) *TypingThrottler {
	if window <= 0 {
		window = DefaultTypingQuietWindow
	}
	return &TypingThrottler{
		window:  window,
		entries: make(map[typingKey]*rate.Limiter),
	}
}

// Allow records a typing-start at now and reports whether it should be broadcast.
func (t *TypingThrottler) Allow(userID, conversationID string, now time.Time) bool {
	k := typingKey{userID, conversationID}
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.entries[k]
	if !ok {
		l = rate.NewLimiter(rate.Every(t.window), 1)
		t.entries[k] = l
	}
	return l.AllowN(now, 1)
}

// Clear forgets one key. Stop signals always go through.
func (t *TypingThrottler) Clear(userID, conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, typingKey{userID, conversationID})
}

// ClearUser drops every key belonging to userID.
func (t *TypingThrottler) ClearUser(userID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for k := range t.entries {
		if k.userID == userID {
			delete(t.entries, k)
			n++
		}
	}
	return n
}

// Len is the number of live throttle entries.
func (t *TypingThrottler) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Has reports whether a throttle entry exists for the key.
func (t *TypingThrottler) Has(userID, conversationID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[typingKey{userID, conversationID}]
	return ok
}
