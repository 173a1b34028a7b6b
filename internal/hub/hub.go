package hub

import (
	"errors"
	"sync"
)

var ErrUnknownConnection = errors.New("unknown connection")

// Writer must be safe for concurrent use: deliveries from other connections'
// handlers race with the owner's own replies.
type Writer interface {
	Write(message []byte) error
	Close() error
}

type Connection struct {
	ID     string
	Writer Writer
}

// Hub maps connection ids to their transport writers.
type Hub struct {
	mu          sync.RWMutex
	connections map[string]*Connection
}

func New() *Hub {
	return &Hub{connections: make(map[string]*Connection)}
}

func (h *Hub) Register(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connections[conn.ID] = conn
}

func (h *Hub) Unregister(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.connections[conn.ID] == conn {
		delete(h.connections, conn.ID)
	}
}

// Send writes message to the connection outside the lock. A connection whose
// write fails is closed and unregistered.
func (h *Hub) Send(connID string, message []byte) error {
	h.mu.RLock()
	conn := h.connections[connID]
	h.mu.RUnlock()

	if conn == nil {
		return ErrUnknownConnection
	}
	if err := conn.Writer.Write(message); err != nil {
		_ = conn.Writer.Close()
		h.Unregister(conn)
		return err
	}
	return nil
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}
