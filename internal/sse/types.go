// Package sse streams the security event log to administrators over
// Server-Sent Events.
package sse

import (
	"errors"
	"net/http"
	"sync"
	"time"
)

// Config holds SSE server configuration.
type Config struct {
	PollInterval          time.Duration // Default: 1 second
	HeartbeatInterval     time.Duration // Default: 30 seconds
	ConnectionTimeout     time.Duration // Default: 1 hour
	MaxConnectionsPerUser int           // Default: 3
}

// DefaultConfig returns the default SSE configuration.
func DefaultConfig() Config {
	return Config{
		PollInterval:          time.Second,
		HeartbeatInterval:     30 * time.Second,
		ConnectionTimeout:     time.Hour,
		MaxConnectionsPerUser: 3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = d.ConnectionTimeout
	}
	if c.MaxConnectionsPerUser <= 0 {
		c.MaxConnectionsPerUser = d.MaxConnectionsPerUser
	}
	return c
}

// Connection is an open event stream. Writes are serialized by mu because
// the manager may write a final frame to a connection it evicts.
type Connection struct {
	ID        string
	UserID    string
	CreatedAt time.Time

	mu   sync.Mutex
	w    http.ResponseWriter
	rc   *http.ResponseController
	done chan struct{}
	once sync.Once
}

func newConnection(id, userID string, w http.ResponseWriter, now time.Time) *Connection {
	return &Connection{
		ID:        id,
		UserID:    userID,
		CreatedAt: now,
		w:         w,
		rc:        http.NewResponseController(w),
		done:      make(chan struct{}),
	}
}

// Done is closed when the connection is closed by the server
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Close closes the connection.
func (c *Connection) Close() {
	c.once.Do(func() { close(c.done) })
}

// IsClosed returns true if the connection is closed.
func (c *Connection) IsClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Send writes one frame and flushes it
func (c *Connection) Send(f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.w.Write(f.Bytes()); err != nil {
		return err
	}
	if err := c.rc.Flush(); err != nil {
		if errors.Is(err, http.ErrNotSupported) {
			return ErrStreamingNotSupported
		}
		return err
	}
	return nil
}
