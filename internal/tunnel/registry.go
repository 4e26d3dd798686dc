package tunnel

import (
	"sync"
	"time"

	"github.com/veiltun/veiltun/internal/transport"
)

// Registry maps session ids to live sessions. The dispatcher is the only
// writer; everything else reads snapshots for monitoring.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

func (r *Registry) add(s *Session) {
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Contains reports whether a session with id is still registered.
func (r *Registry) Contains(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[id]
	return ok
}

// SessionInfo is a read-only view of one session for monitoring.
type SessionInfo struct {
	ID        string         `json:"id"`
	Peer      string         `json:"peer"`
	Transport transport.Kind `json:"transport"`
	Created   time.Time      `json:"created"`
	IdleFor   time.Duration  `json:"idle_for"`
	BytesIn   int64          `json:"bytes_in"`
	BytesOut  int64          `json:"bytes_out"`
}

// Snapshot copies the current session set, in no particular order.
func (r *Registry) Snapshot() []SessionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, SessionInfo{
			ID:        s.ID,
			Peer:      s.Peer,
			Transport: s.Transport,
			Created:   s.Created,
			IdleFor:   s.IdleFor(),
			BytesIn:   s.BytesIn(),
			BytesOut:  s.BytesOut(),
		})
	}
	return out
}
