package session

import (
	"sync"

	"github.com/basket/botloop/internal/telegram"
)

// Registry is the chat-id-keyed map of live sessions. It is the runtime's
// only shared mutable structure; every mutation goes through its atomic
// operations.
type Registry struct {
	mu       sync.Mutex
	sessions map[telegram.ChatID]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[telegram.ChatID]*Session)}
}

// GetOrCreate returns the live session for chat, constructing one via create
// under the critical section when absent. At most one concurrent caller per
// chat observes createdNow true, and all callers get the same session.
func (r *Registry) GetOrCreate(chat telegram.ChatID, create func() *Session) (s *Session, createdNow bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.sessions[chat]; ok {
		return existing, false
	}
	s = create()
	r.sessions[chat] = s
	return s, true
}

// Get returns the live session for chat, if any.
func (r *Registry) Get(chat telegram.ChatID) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[chat]
	return s, ok
}

// Remove detaches and returns the session for chat, or nil when absent.
// The caller owns ending the removed session.
func (r *Registry) Remove(chat telegram.ChatID) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[chat]
	if !ok {
		return nil
	}
	delete(r.sessions, chat)
	return s
}

// Snapshot returns every currently registered session. Used by shutdown; it
// includes every session whose GetOrCreate completed before the call.
func (r *Registry) Snapshot() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Clear removes every session and returns them.
func (r *Registry) Clear() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.sessions = make(map[telegram.ChatID]*Session)
	return out
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
