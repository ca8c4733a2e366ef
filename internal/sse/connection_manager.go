package sse

import (
	"sync"
	"time"
)

// ConnectionManager tracks open streams per user and caps how many one
// user may hold. Adding past the cap evicts that user's oldest stream.
type ConnectionManager struct {
	mu          sync.RWMutex
	connections map[string]map[string]*Connection // userID -> connID -> Connection
	max         int
}

// NewConnectionManager creates a ConnectionManager
func NewConnectionManager(maxPerUser int) *ConnectionManager {
	if maxPerUser <= 0 {
		maxPerUser = DefaultConfig().MaxConnectionsPerUser
	}
	return &ConnectionManager{
		connections: make(map[string]map[string]*Connection),
		max:         maxPerUser,
	}
}

// Add registers conn and returns the connection it evicted, if any
func (cm *ConnectionManager) Add(conn *Connection) *Connection {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	userConns := cm.connections[conn.UserID]
	if userConns == nil {
		userConns = make(map[string]*Connection)
		cm.connections[conn.UserID] = userConns
	}

	var evicted *Connection
	if len(userConns) >= cm.max {
		for _, c := range userConns {
			if evicted == nil || c.CreatedAt.Before(evicted.CreatedAt) {
				evicted = c
			}
		}
		delete(userConns, evicted.ID)
	}
	userConns[conn.ID] = conn

	if evicted != nil {
		evicted.Send(statusFrame(FrameConnectionLimit, "Too many open streams, closing the oldest", time.Now()))
		evicted.Close()
	}
	return evicted
}

// Remove closes and forgets a connection
func (cm *ConnectionManager) Remove(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	conn.Close()
	if userConns, ok := cm.connections[conn.UserID]; ok {
		delete(userConns, conn.ID)
		if len(userConns) == 0 {
			delete(cm.connections, conn.UserID)
		}
	}
}

// Count returns the number of open streams of a user
func (cm *ConnectionManager) Count(userID string) int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.connections[userID])
}

// Total returns the number of open streams
func (cm *ConnectionManager) Total() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	n := 0
	for _, c := range cm.connections {
		n += len(c)
	}
	return n
}
