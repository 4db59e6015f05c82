package call

import (
	"log"
	"sync"
)

// Registry enforces at most one live session per process.  Reuse,
// role upgrades and session switches are all decided here so the
// coordinator never races two sessions against each other.
type Registry struct {
	mu      sync.Mutex
	current *Session
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Acquire returns the session to use for (sessionID, role), creating one via
// create when needed.  Rules:
//
//   - same session id and same role: the existing live session is reused,
//     created=false
//   - same session id, existing responder asked for as initiator: the
//     responder session is torn down and a fresh initiator one is created
//   - different session id: the existing session is torn down first
//   - existing session already terminal: replaced
func (r *Registry) Acquire(sessionID string, role Role, create func() *Session) (s *Session, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur := r.current; cur != nil && !cur.Ended() {
		if cur.ID() == sessionID && cur.Role() == role {
			return cur, false
		}
		if cur.ID() == sessionID {
			log.Printf("CALL [%s]: role change %s -> %s, replacing session", sessionID, cur.Role(), role)
		} else {
			log.Printf("CALL [%s]: switching to session %s, ending previous", cur.ID(), sessionID)
		}
		cur.End("replaced by new session")
	}

	s = create()
	r.current = s
	return s, true
}

// Current returns the live session, or nil when none is active.
func (r *Registry) Current() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil || r.current.Ended() {
		return nil
	}
	return r.current
}

// Release ends and forgets the current session if it matches sessionID; an
// empty sessionID releases whatever is current.
func (r *Registry) Release(sessionID, reason string) {
	r.mu.Lock()
	cur := r.current
	if cur == nil || (sessionID != "" && cur.ID() != sessionID) {
		r.mu.Unlock()
		return
	}
	r.current = nil
	r.mu.Unlock()
	cur.End(reason)
}
