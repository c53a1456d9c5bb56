// Package session tracks connected live-update clients.
package session

import (
	"sync"

	"github.com/google/uuid"

	"github.com/fruitsalade/lanshare/internal/metrics"
)

// Transport names, used as the metrics label.
const (
	TransportWebSocket = "websocket"
	TransportSSE       = "sse"
)

// Frame is one encoded live message. Payload is the complete JSON envelope;
// Event repeats its name for transports that frame by event.
type Frame struct {
	Event   string
	Payload []byte
}

// Session is an open live-update connection.
type Session interface {
	Transport() string
	// Send queues a frame without blocking. It returns false when the
	// session is closed or its queue is full.
	Send(Frame) bool
	Close()
}

// Registry tracks live sessions by id.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]Session),
	}
}

// Register adds a session and returns its id.
func (r *Registry) Register(s Session) string {
	id := uuid.NewString()

	r.mu.Lock()
	r.sessions[id] = s
	r.updateGaugesLocked()
	r.mu.Unlock()
	return id
}

// Unregister removes a session. It reports whether the id was present, so
// only one of several concurrent callers acts on the removal.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; !ok {
		return false
	}
	delete(r.sessions, id)
	r.updateGaugesLocked()
	return true
}

// Get returns a session by id.
func (r *Registry) Get(id string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// ForEach calls f for every session registered at the time of the call.
// f runs without the registry lock held and may call Unregister.
func (r *Registry) ForEach(f func(id string, s Session)) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	list := make([]Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		ids = append(ids, id)
		list = append(list, s)
	}
	r.mu.RUnlock()

	for i, s := range list {
		f(ids[i], s)
	}
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll closes and removes every session.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	list := make([]Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		list = append(list, s)
		delete(r.sessions, id)
	}
	r.updateGaugesLocked()
	r.mu.Unlock()

	for _, s := range list {
		s.Close()
	}
}

func (r *Registry) updateGaugesLocked() {
	counts := map[string]int{TransportWebSocket: 0, TransportSSE: 0}
	for _, s := range r.sessions {
		counts[s.Transport()]++
	}
	for transport, n := range counts {
		metrics.SetSessionsActive(transport, n)
	}
}
