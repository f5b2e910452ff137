package ws

import (
	"sync"

	"github.com/orincore/circleback/internal/protocol"
)

// Registry is a thread-safe map of live connections, indexed by connection
// id and by authenticated user id. A user may hold several connections; the
// most recently authenticated one is the primary and receives directed
// events.
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]*Connection
	byUser map[string][]*Connection // oldest first, last is primary
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[string]*Connection),
		byUser: make(map[string][]*Connection),
	}
}

// Attach registers a new, not yet authenticated connection.
func (r *Registry) Attach(c *Connection) {
	r.mu.Lock()
	r.byID[c.ID] = c
	r.mu.Unlock()
}

// Authenticate binds a connection to a user id. The connection becomes the
// user's primary. It is a no-op if the connection is unknown (already
// detached).
func (r *Registry) Authenticate(connID, userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.byID[connID]
	if !ok {
		return false
	}
	if prev := c.UserID(); prev != "" {
		r.removeFromUser(prev, c)
	}
	c.setUserID(userID)
	r.byUser[userID] = append(r.byUser[userID], c)
	return true
}

// Detach removes a connection. It returns the user id the connection was
// bound to ("" if unauthenticated) and how many connections remain for that
// user; the caller drives the Offline transition only when none remain.
func (r *Registry) Detach(connID string) (userID string, remaining int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.byID[connID]
	if !ok {
		return "", 0
	}
	delete(r.byID, connID)

	userID = c.UserID()
	if userID == "" {
		return "", 0
	}
	r.removeFromUser(userID, c)
	return userID, len(r.byUser[userID])
}

// removeFromUser must be called with the lock held.
func (r *Registry) removeFromUser(userID string, c *Connection) {
	conns := r.byUser[userID]
	for i, cur := range conns {
		if cur == c {
			conns = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	if len(conns) == 0 {
		delete(r.byUser, userID)
	} else {
		r.byUser[userID] = conns
	}
}

// Get returns the connection with the given id, or nil.
func (r *Registry) Get(connID string) *Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[connID]
}

// PrimaryConnection returns the most recently authenticated connection for
// the user, or nil if the user has none.
func (r *Registry) PrimaryConnection(userID string) *Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := r.byUser[userID]
	if len(conns) == 0 {
		return nil
	}
	return conns[len(conns)-1]
}

// ConnectionsOf returns a snapshot of all connections bound to the user.
func (r *Registry) ConnectionsOf(userID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, len(r.byUser[userID]))
	copy(out, r.byUser[userID])
	return out
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// All returns a snapshot of every live connection.
func (r *Registry) All() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.byID))
	for _, c := range r.byID {
		out = append(out, c)
	}
	return out
}

// Send builds a server frame and enqueues it on the user's primary
// connection. Delivery failures (no connection, slow consumer) are reported
// to the caller but are never fatal to the originating operation.
func (r *Registry) Send(userID, msgType string, payload interface{}) error {
	c := r.PrimaryConnection(userID)
	if c == nil {
		return ErrConnClosed
	}
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		return err
	}
	return c.Enqueue(Event{Type: msgType, Data: data})
}

// SendAll enqueues a server frame on every connection bound to the user.
// The first error is returned after all enqueues are attempted.
func (r *Registry) SendAll(userID, msgType string, payload interface{}) error {
	conns := r.ConnectionsOf(userID)
	if len(conns) == 0 {
		return ErrConnClosed
	}
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		return err
	}
	var first error
	for _, c := range conns {
		if err := c.Enqueue(Event{Type: msgType, Data: data}); err != nil && first == nil {
			first = err
		}
	}
	return first
}
