package websocket

import (
	"log"
	"sync"

	"lockstep/pkg/types"
)

// Registry tracks connections three ways: one global map for O(1) user lookup
// and per-session instructor/student maps for fan-out recipient selection.
// Pure connection bookkeeping; no session or progress logic lives here.
type Registry struct {
	mu                 sync.RWMutex
	globalConnections  map[string]*Connection            // userID -> Connection
	sessionInstructors map[string]map[string]*Connection // sessionCode -> userID -> Connection
	sessionStudents    map[string]map[string]*Connection // sessionCode -> userID -> Connection
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		globalConnections:  make(map[string]*Connection),
		sessionInstructors: make(map[string]map[string]*Connection),
		sessionStudents:    make(map[string]map[string]*Connection),
	}
}

// RegisterConnection adds a connection to all maps atomically. A previous
// connection for the same user is replaced and closed asynchronously, so a
// reconnecting device immediately displaces its stale predecessor.
func (r *Registry) RegisterConnection(conn *Connection) error {
	if conn == nil {
		return ErrNilConnection
	}
	if !conn.IsAuthenticated() {
		return ErrConnectionNotAuthenticated
	}

	userID := conn.GetUserID()
	role := conn.GetRole()
	code := conn.GetSessionCode()

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.globalConnections[userID]; ok {
		go func() {
			if err := existing.Close(); err != nil {
				log.Printf("Failed to close replaced connection: user=%s err=%v", userID, err)
			}
		}()
	}

	r.globalConnections[userID] = conn

	byRole := r.roleMap(role)
	if byRole[code] == nil {
		byRole[code] = make(map[string]*Connection)
	}
	byRole[code][userID] = conn

	return nil
}

// UnregisterConnection removes conn from all maps. Idempotent, and only
// removes the exact instance currently registered so an old connection's
// cleanup cannot evict its replacement.
func (r *Registry) UnregisterConnection(conn *Connection) {
	if conn == nil {
		return
	}

	userID := conn.GetUserID()

	r.mu.Lock()
	defer r.mu.Unlock()

	registered, ok := r.globalConnections[userID]
	if !ok || registered != conn {
		return
	}

	delete(r.globalConnections, userID)

	code := conn.GetSessionCode()
	byRole := r.roleMap(conn.GetRole())
	if members, ok := byRole[code]; ok {
		delete(members, userID)
		if len(members) == 0 {
			delete(byRole, code)
		}
	}
}

// GetUserConnection returns the live connection for a user.
func (r *Registry) GetUserConnection(userID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.globalConnections[userID]
	return conn, ok
}

// GetSessionConnections returns every connection in a session.
func (r *Registry) GetSessionConnections(sessionCode string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var conns []*Connection
	for _, conn := range r.sessionInstructors[sessionCode] {
		conns = append(conns, conn)
	}
	for _, conn := range r.sessionStudents[sessionCode] {
		conns = append(conns, conn)
	}
	return conns
}

// GetSessionInstructors returns instructor connections for a session.
func (r *Registry) GetSessionInstructors(sessionCode string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var conns []*Connection
	for _, conn := range r.sessionInstructors[sessionCode] {
		conns = append(conns, conn)
	}
	return conns
}

// GetSessionStudents returns student connections for a session.
func (r *Registry) GetSessionStudents(sessionCode string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var conns []*Connection
	for _, conn := range r.sessionStudents[sessionCode] {
		conns = append(conns, conn)
	}
	return conns
}

// GetStats reports connection counts for the health endpoint.
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make(map[string]bool)
	for code := range r.sessionInstructors {
		sessions[code] = true
	}
	for code := range r.sessionStudents {
		sessions[code] = true
	}

	return map[string]int{
		"total_connections": len(r.globalConnections),
		"active_sessions":   len(sessions),
	}
}

func (r *Registry) roleMap(role string) map[string]map[string]*Connection {
	if role == types.RoleInstructor {
		return r.sessionInstructors
	}
	return r.sessionStudents
}
