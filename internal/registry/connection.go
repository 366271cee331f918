// Package registry owns the set of live connections, keyed by id, with serialized add/remove/get/iter/count
// operations. The registry owns membership only; a connection's mutable fields belong to the gateway client that
// created it.
package registry

import (
	"sync"
	"time"

	"github.com/kanbanrt/gateway/internal/authn"
)

// State names a position in the connection lifecycle.
type State int

const (
	StateNew State = iota
	StateOpenUnauth
	StateOpenAuth
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateOpenUnauth:
		return "OPEN_UNAUTH"
	case StateOpenAuth:
		return "OPEN_AUTH"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Connection is the registry's record for one live connection. It is exclusively owned by the
// ConnectionManager; the registry itself never mutates these fields, only membership of the id in its table.
type Connection struct {
	ID            string
	SourceAddr    string
	UserAgent     string
	ConnectedAt   time.Time
	LastHeartbeat time.Time
	Authenticated bool
	User          *authn.User
	Permissions   authn.PermissionSet
	Subscriptions map[string]struct{}
	State         State
}

// NewConnection builds a Connection in the NEW state for the given id and source address.
func NewConnection(id, sourceAddr, userAgent string) *Connection {
	now := time.Now()
	return &Connection{
		ID:            id,
		SourceAddr:    sourceAddr,
		UserAgent:     userAgent,
		ConnectedAt:   now,
		LastHeartbeat: now,
		Subscriptions: make(map[string]struct{}),
		State:         StateNew,
	}
}

// Registry owns the set of live connections. All mutating operations are serialized behind a single mutex;
// it performs no I/O under lock.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{conns: make(map[string]*Connection)}
}

// Add registers conn under its ID. If the ID is already present, the existing entry is replaced — callers are
// expected to generate unique IDs.
func (r *Registry) Add(conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[conn.ID] = conn
}

// Remove deletes the connection with the given id. Callers are responsible for also clearing router and
// rate-limit state.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, id)
}

// Get returns the connection for id, or nil if not present.
func (r *Registry) Get(id string) *Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[id]
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Iter calls fn once per live connection. Iter takes a snapshot under read lock and releases it before invoking fn,
// so fn may call back into the Registry and may take arbitrarily long.
func (r *Registry) Iter(fn func(*Connection)) {
	r.mu.RLock()
	snapshot := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		snapshot = append(snapshot, c)
	}
	r.mu.RUnlock()

	for _, c := range snapshot {
		fn(c)
	}
}
