package websocket

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"rendezvous/pkg/interfaces"
)

type userEntry struct {
	conns   map[string]interfaces.Connection
	windows map[string]struct{}
}

// Registry tracks live connections per user and the chat windows each user
// has open. A user is online while at least one connection is registered.
type Registry struct {
	users  map[string]*userEntry
	total  int
	logger *zap.Logger
	mu     sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		users:  make(map[string]*userEntry),
		logger: logger,
	}
}

// Register adds conn. first reports whether conn is the user's only
// connection, i.e. the user just came online.
func (r *Registry) Register(conn interfaces.Connection) (first bool, err error) {
	if conn == nil {
		return false, ErrNilConnection
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.users[conn.UserID()]
	if !ok {
		entry = &userEntry{
			conns:   make(map[string]interfaces.Connection),
			windows: make(map[string]struct{}),
		}
		r.users[conn.UserID()] = entry
	}
	if _, dup := entry.conns[conn.ID()]; dup {
		return false, ErrDuplicateConnection
	}

	entry.conns[conn.ID()] = conn
	r.total++
	return len(entry.conns) == 1, nil
}

// Unregister removes conn. last reports whether the user has no connections
// left; their open windows are discarded with them. Unknown connections are
// ignored.
func (r *Registry) Unregister(conn interfaces.Connection) (last bool) {
	if conn == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.users[conn.UserID()]
	if !ok {
		return false
	}
	if _, ok := entry.conns[conn.ID()]; !ok {
		return false
	}

	delete(entry.conns, conn.ID())
	r.total--
	if len(entry.conns) > 0 {
		return false
	}
	delete(r.users, conn.UserID())
	return true
}

// OpenWindow records that userID is viewing the chat with counterpartID.
// It is a no-op for users with no live connection.
func (r *Registry) OpenWindow(userID, counterpartID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.users[userID]
	if !ok {
		return false
	}
	entry.windows[counterpartID] = struct{}{}
	return true
}

// CloseWindow forgets an open window. Closing a window that is not open is
// harmless.
func (r *Registry) CloseWindow(userID, counterpartID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.users[userID]; ok {
		delete(entry.windows, counterpartID)
	}
}

// HasWindowOpen reports whether userID currently views the chat with counterpartID.
func (r *Registry) HasWindowOpen(userID, counterpartID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.users[userID]
	if !ok {
		return false
	}
	_, open := entry.windows[counterpartID]
	return open
}

// IsOnline reports whether userID has a live connection.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.users[userID]
	return ok
}

// ConnectionCount returns the number of live connections for userID.
func (r *Registry) ConnectionCount(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if entry, ok := r.users[userID]; ok {
		return len(entry.conns)
	}
	return 0
}

// OnlineUserIDs returns the online users in sorted order.
func (r *Registry) OnlineUserIDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.users))
	for id := range r.users {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// SendTo writes v to every connection of userID. It reports whether at
// least one connection accepted the frame.
func (r *Registry) SendTo(userID string, v interface{}) bool {
	delivered := false
	for _, conn := range r.connectionsOf(userID) {
		if err := conn.WriteJSON(v); err != nil {
			r.logger.Debug("send failed",
				zap.String("user_id", userID),
				zap.String("connection_id", conn.ID()),
				zap.Error(err))
			continue
		}
		delivered = true
	}
	return delivered
}

// Broadcast writes v to every registered connection and returns how many
// accepted it.
func (r *Registry) Broadcast(v interface{}) int {
	r.mu.RLock()
	conns := make([]interfaces.Connection, 0, r.total)
	for _, entry := range r.users {
		for _, conn := range entry.conns {
			conns = append(conns, conn)
		}
	}
	r.mu.RUnlock()

	sent := 0
	for _, conn := range conns {
		if err := conn.WriteJSON(v); err != nil {
			r.logger.Debug("broadcast send failed",
				zap.String("connection_id", conn.ID()),
				zap.Error(err))
			continue
		}
		sent++
	}
	return sent
}

// GetStats returns registry statistics.
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	windows := 0
	for _, entry := range r.users {
		windows += len(entry.windows)
	}
	return map[string]int{
		"total_connections": r.total,
		"online_users":      len(r.users),
		"open_windows":      windows,
	}
}

// Writes happen outside the lock so a slow connection never holds it.
func (r *Registry) connectionsOf(userID string) []interfaces.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.users[userID]
	if !ok {
		return nil
	}
	conns := make([]interfaces.Connection, 0, len(entry.conns))
	for _, conn := range entry.conns {
		conns = append(conns, conn)
	}
	return conns
}
