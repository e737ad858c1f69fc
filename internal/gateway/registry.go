package gateway

import "sync"

// Registry tracks one live connection per user identity. A newer connection replaces the
// older one, which is closed; this keeps a single ring controller per student.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

func NewRegistry() *Registry {
	return &Registry{conns: map[string]*Connection{}}
}

func (r *Registry) Register(c *Connection) {
	r.mu.Lock()
	prev := r.conns[c.UserID()]
	r.conns[c.UserID()] = c
	r.mu.Unlock()

	if prev != nil && prev != c {
		// async: the old read loop runs its own teardown
		go func() { _ = prev.Close() }()
	}
}

// Unregister removes c only if it is still the registered connection for its user.
func (r *Registry) Unregister(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.conns[c.UserID()]; ok && cur == c {
		delete(r.conns, c.UserID())
	}
}

func (r *Registry) Get(userID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[userID]
	return c, ok
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
