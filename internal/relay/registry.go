package relay

import (
	"sync"

	"github.com/duolink/duolink/internal/protocol"
)

// link is one registered connection and its assigned role.
type link struct {
	conn Conn
	role protocol.Role
}

// entry is the arena slot for a single session: at most two links plus the
// per-session serialization lock. All relay work for one session runs under
// entry.mu, which makes the reconcile, capacity check and register sequence
// atomic without a lock shared across sessions.
type entry struct {
	mu    sync.Mutex
	links []*link

	// dead marks an entry that drop has removed from the map. A pointer read
	// from the map before the removal must not be registered into; acquire
	// checks the marker and retries.
	dead bool

	// pinnedProof is the first capability proof seen for this session. Only
	// consulted when proof enforcement is on.
	pinnedProof string
}

// otherThan returns the registered link that is not from, if any.
func (e *entry) otherThan(from Conn) *link {
	for _, l := range e.links {
		if l.conn != from {
			return l
		}
	}
	return nil
}

func (e *entry) remove(conn Conn) *link {
	for i, l := range e.links {
		if l.conn == conn {
			e.links = append(e.links[:i], e.links[i+1:]...)
			return l
		}
	}
	return nil
}

// registry is the arena of per-session entries. The registry mutex only
// guards the map itself; it is never held across store calls or sends.
type registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func newRegistry() *registry {
	return &registry{entries: make(map[string]*entry)}
}

// acquire returns the entry for id with its lock held, creating the entry if
// needed. The map access and the entry lock are two separate steps, so a
// concurrent drop can remove the entry in between; the dead marker catches
// that and the loop restarts on a fresh entry.
func (r *registry) acquire(id string) *entry {
	for {
		r.mu.Lock()
		e, ok := r.entries[id]
		if !ok {
			e = &entry{}
			r.entries[id] = e
		}
		r.mu.Unlock()

		e.mu.Lock()
		if !e.dead {
			return e
		}
		e.mu.Unlock()
	}
}

// lookup returns the entry for id without creating one.
func (r *registry) lookup(id string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[id]
}

// drop removes the entry for id if it holds no links. Callers must not hold
// the entry lock. Emptiness is checked and the dead marker set while holding
// both locks, so an acquire racing with the removal never registers into the
// discarded entry.
func (r *registry) drop(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return
	}
	e.mu.Lock()
	if len(e.links) == 0 {
		e.dead = true
		delete(r.entries, id)
	}
	e.mu.Unlock()
}

// size reports how many links are registered for id.
func (r *registry) size(id string) int {
	e := r.lookup(id)
	if e == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.links)
}
