package registry

import (
	"sync"
)

// Conn is one live real-time channel endpoint. Implementations must be
// comparable (pointers are) so the registry can verify handle identity
// on removal.
type Conn interface {
	Send(event string, payload any) error
}

// Registry maps driver/passenger identities to their live connections.
// It is the only shared mutable state in the process; all three operations
// are in-memory and never perform I/O, so callers may hold no lock across
// store calls or pushes.
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]Conn
	byConn map[Conn]map[string]struct{}
}

func New() *Registry {
	return &Registry{
		byID:   make(map[string]Conn),
		byConn: make(map[Conn]map[string]struct{}),
	}
}

// Announce registers identity on conn. Idempotent, last announcement wins;
// an older connection for the same identity is superseded, not closed.
func (r *Registry) Announce(identity string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.byID[identity]; ok && old != conn {
		if set, ok := r.byConn[old]; ok {
			delete(set, identity)
			if len(set) == 0 {
				delete(r.byConn, old)
			}
		}
	}
	r.byID[identity] = conn
	set, ok := r.byConn[conn]
	if !ok {
		set = make(map[string]struct{})
		r.byConn[conn] = set
	}
	set[identity] = struct{}{}
}

// Lookup returns the live connection for identity. Absence is a normal
// outcome: the target is simply offline.
func (r *Registry) Lookup(identity string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.byID[identity]
	return conn, ok
}

// Remove drops every identity currently mapped to conn. A disconnect event
// carries only the handle, hence the reverse index. An identity that has
// already re-announced on a fresher connection is left untouched.
func (r *Registry) Remove(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.byConn[conn]
	if !ok {
		return
	}
	for identity := range set {
		if cur, ok := r.byID[identity]; ok && cur == conn {
			delete(r.byID, identity)
		}
	}
	delete(r.byConn, conn)
}

// Len reports the number of registered identities, for the connections gauge.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
