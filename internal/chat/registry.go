package chat

import (
	"sort"
	"sync"
)

// Registry is the single source of truth for who is online.
// byConn and byUser always point at each other.
type Registry struct {
	mu     sync.RWMutex
	byConn map[string]User   // connection id -> user
	byUser map[string]string // user id -> connection id
}

func NewRegistry() *Registry {
	return &Registry{
		byConn: make(map[string]User),
		byUser: make(map[string]string),
	}
}

// Bind attaches u to u.ConnectionID. If the connection is already bound nothing changes and
// duplicate is true. If the user was bound to another connection that binding is dropped and
// its connection id returned as previous.
func (r *Registry) Bind(u User) (previous string, duplicate bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byConn[u.ConnectionID]; ok {
		return "", true
	}
	if old, ok := r.byUser[u.UserID]; ok && old != u.ConnectionID {
		delete(r.byConn, old)
		previous = old
	}
	r.byConn[u.ConnectionID] = u
	r.byUser[u.UserID] = u.ConnectionID
	return previous, false
}

// Unbind removes the session on connID. The user index is only cleared when it still points
// at connID, so a late disconnect cannot undo a newer session.
func (r *Registry) Unbind(connID string) (User, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unbindLocked(connID)
}

func (r *Registry) unbindLocked(connID string) (User, bool) {
	u, ok := r.byConn[connID]
	if !ok {
		return User{}, false
	}
	delete(r.byConn, connID)
	if r.byUser[u.UserID] == connID {
		delete(r.byUser, u.UserID)
	}
	return u, true
}

// Prune drops every binding whose connection isOpen rejects and returns the removed users.
func (r *Registry) Prune(isOpen func(connID string) bool) []User {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []User
	for userID, connID := range r.byUser {
		if isOpen(connID) {
			continue
		}
		delete(r.byUser, userID)
		if u, ok := r.byConn[connID]; ok && u.UserID == userID {
			delete(r.byConn, connID)
			removed = append(removed, u)
		} else {
			removed = append(removed, User{UserID: userID, ConnectionID: connID})
		}
	}
	for connID, u := range r.byConn {
		if !isOpen(connID) {
			delete(r.byConn, connID)
			removed = append(removed, u)
		}
	}
	return removed
}

func (r *Registry) Lookup(connID string) (User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.byConn[connID]
	return u, ok
}

// ConnectionFor returns the connection currently bound to userID.
func (r *Registry) ConnectionFor(userID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byUser[userID]
	return id, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}

// Snapshot returns the roster under a single read lock.
func (r *Registry) Snapshot() []RosterEntry {
	users := r.Users()
	out := make([]RosterEntry, 0, len(users))
	for _, u := range users {
		out = append(out, RosterEntry{
			UserID:      u.UserID,
			Username:    u.Username,
			DisplayName: u.DisplayName,
			ClientID:    u.ConnectionID,
		})
	}
	return out
}

// Users lists bound users sorted by username, then user id.
func (r *Registry) Users() []User {
	r.mu.RLock()
	out := make([]User, 0, len(r.byConn))
	for _, u := range r.byConn {
		out = append(out, u)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Username != out[j].Username {
			return out[i].Username < out[j].Username
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// Tables exposes both indexes for the debug endpoint.
func (r *Registry) Tables() (userToClient, clientToUser map[string]string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	userToClient = make(map[string]string, len(r.byUser))
	for u, c := range r.byUser {
		userToClient[u] = c
	}
	clientToUser = make(map[string]string, len(r.byConn))
	for c, u := range r.byConn {
		clientToUser[c] = u.UserID
	}
	return userToClient, clientToUser
}
