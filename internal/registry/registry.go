package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/triplink/tripcast/internal/metrics"
)

// ErrAlreadyRegistered signals a reused connection handle. Reconnecting
// requires a fresh Connection.
var ErrAlreadyRegistered = errors.New("connection already registered")

// Participant describes one session member for status reporting.
type Participant struct {
	UserID      int64     `json:"user_id"`
	Username    string    `json:"username"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Registry maps trip sessions and users to their live connections.
// Mutations are serialized; lookups return point-in-time copies so a
// concurrent disconnect can never corrupt a broadcast iteration.
type Registry struct {
	mu       sync.RWMutex
	sessions map[int64]map[uuid.UUID]*Connection
	users    map[int64]map[uuid.UUID]*Connection
	conns    map[uuid.UUID]*Connection
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		sessions: make(map[int64]map[uuid.UUID]*Connection),
		users:    make(map[int64]map[uuid.UUID]*Connection),
		conns:    make(map[uuid.UUID]*Connection),
	}
}

// Register adds a connection under both its session room and user set.
// A handle may be accepted exactly once; reuse fails with
// ErrAlreadyRegistered.
func (r *Registry) Register(c *Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.conns[c.ID()]; exists {
		return ErrAlreadyRegistered
	}

	room, exists := r.sessions[c.SessionID()]
	if !exists {
		room = make(map[uuid.UUID]*Connection)
		r.sessions[c.SessionID()] = room
	}
	room[c.ID()] = c

	userSet, exists := r.users[c.UserID()]
	if !exists {
		userSet = make(map[uuid.UUID]*Connection)
		r.users[c.UserID()] = userSet
	}
	userSet[c.ID()] = c

	r.conns[c.ID()] = c

	metrics.ConnectedClients.Set(float64(len(r.conns)))
	metrics.ActiveSessions.Set(float64(len(r.sessions)))
	return nil
}

// Unregister removes a connection from both maps, deleting emptied room
// and user entries. Idempotent: unknown handles are a no-op. Returns the
// removed connection, or nil if it was not registered.
func (r *Registry) Unregister(connID uuid.UUID) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, exists := r.conns[connID]
	if !exists {
		return nil
	}
	delete(r.conns, connID)

	if room, ok := r.sessions[c.SessionID()]; ok {
		delete(room, connID)
		if len(room) == 0 {
			delete(r.sessions, c.SessionID())
		}
	}
	if userSet, ok := r.users[c.UserID()]; ok {
		delete(userSet, connID)
		if len(userSet) == 0 {
			delete(r.users, c.UserID())
		}
	}

	metrics.ConnectedClients.Set(float64(len(r.conns)))
	metrics.ActiveSessions.Set(float64(len(r.sessions)))
	return c
}

// Get looks up a connection by handle.
func (r *Registry) Get(connID uuid.UUID) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[connID]
	return c, ok
}

// ForSession returns a snapshot of the session room. Empty slice when
// the room does not exist.
func (r *Registry) ForSession(sessionID int64) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshot(r.sessions[sessionID])
}

// ForUser returns a snapshot of a user's connections (multiple tabs).
func (r *Registry) ForUser(userID int64) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshot(r.users[userID])
}

// All returns a snapshot of every live connection.
func (r *Registry) All() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// SessionCount reports room size in O(1).
func (r *Registry) SessionCount(sessionID int64) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions[sessionID])
}

// UserCount reports a user's connection count in O(1).
func (r *Registry) UserCount(userID int64) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID])
}

// TotalConnections reports the number of live connections.
func (r *Registry) TotalConnections() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// ActiveSessions reports the number of non-empty rooms.
func (r *Registry) ActiveSessions() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// SessionParticipants lists room members for the status surface.
func (r *Registry) SessionParticipants(sessionID int64) []Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room := r.sessions[sessionID]
	out := make([]Participant, 0, len(room))
	for _, c := range room {
		out = append(out, Participant{
			UserID:      c.UserID(),
			Username:    c.Username(),
			ConnectedAt: c.ConnectedAt(),
		})
	}
	return out
}

func snapshot(set map[uuid.UUID]*Connection) []*Connection {
	out := make([]*Connection, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}
