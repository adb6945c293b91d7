package server

import (
	"sync"
)

// Connection is a live, authenticated session as seen by the registry and
// the broadcaster. Queue must never block.
type Connection interface {
	UserId() string
	Queue(msg *ServerMessage) bool
	Close()
}

// Registry holds at most one connection per user. The set of keys is the
// process-wide presence set.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]Connection
}

func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]Connection),
	}
}

// Register installs conn as the user's connection and returns the one it
// replaced, if any. The caller is responsible for closing the replaced
// connection.
func (r *Registry) Register(userId string, conn Connection) (prev Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev = r.conns[userId]
	r.conns[userId] = conn

	return prev
}

// Unregister removes the user's slot only while it still holds conn, so a
// superseded connection shutting down cannot evict its replacement. It
// reports whether the slot was removed.
func (r *Registry) Unregister(userId string, conn Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.conns[userId]; ok && cur == conn {
		delete(r.conns, userId)
		return true
	}

	return false
}

func (r *Registry) Get(userId string) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.conns[userId]
	return conn, ok
}

// Holds reports whether conn is the user's current connection.
func (r *Registry) Holds(userId string, conn Connection) bool {
	cur, ok := r.Get(userId)
	return ok && cur == conn
}

func (r *Registry) IsOnline(userId string) bool {
	_, ok := r.Get(userId)
	return ok
}

func (r *Registry) Online() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}

	return ids
}

// All returns a snapshot of every registered connection.
func (r *Registry) All() []Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}

	return conns
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
