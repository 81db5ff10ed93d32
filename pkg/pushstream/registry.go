package pushstream

import (
	"sort"
	"sync"
)

// Registry tracks which users currently hold an open push session, and on
// which conversations.
type Registry struct {
	mu       sync.RWMutex
	next     uint64
	sessions map[string]map[uint64]string // user_id -> session -> conversation_id
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]map[uint64]string),
	}
}

// Add records an open session and returns the func that removes it.
func (r *Registry) Add(userID, conversationID string) (release func()) {
	r.mu.Lock()
	r.next++
	id := r.next
	if r.sessions[userID] == nil {
		r.sessions[userID] = make(map[uint64]string)
	}
	r.sessions[userID][id] = conversationID
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			delete(r.sessions[userID], id)
			if len(r.sessions[userID]) == 0 {
				delete(r.sessions, userID)
			}
		})
	}
}

// IsOnline checks if a user has at least one open session
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.sessions[userID]
	return ok
}

// Watching reports whether userID has a session open on conversationID.
func (r *Registry) Watching(userID, conversationID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, c := range r.sessions[userID] {
		if c == conversationID {
			return true
		}
	}
	return false
}

// OnlineUsers returns the sorted ids of every user with an open session
func (r *Registry) OnlineUsers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make([]string, 0, len(r.sessions))
	for userID := range r.sessions {
		users = append(users, userID)
	}
	sort.Strings(users)
	return users
}
