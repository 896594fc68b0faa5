package api

import (
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nexuspro/canvas/internal/slogging"
)

// Connection represents one attached transport for one participant.
// Outbound bytes are queued on Send; the write pump drains it. A full Send
// buffer or a write failure is treated as an implicit detach of that
// connection only.
type Connection struct {
	ID          string
	SessionID   string
	UserID      string
	DisplayName string

	// Buffered channel of outbound messages
	Send chan []byte

	// The websocket connection; nil for in-process test connections
	Conn *websocket.Conn

	// sendMu serializes queueing against closeSend so a detach racing a
	// queued broadcast can never send on the closed channel.
	sendMu sync.Mutex
	closed bool
}

// NewConnection creates a connection for a participant on a session
func NewConnection(wsConn *websocket.Conn, sessionID, userID, displayName string, sendBuffer int) *Connection {
	if sendBuffer <= 0 {
		sendBuffer = 256
	}
	return &Connection{
		ID:          uuid.New().String(),
		SessionID:   sessionID,
		UserID:      userID,
		DisplayName: displayName,
		Send:        make(chan []byte, sendBuffer),
		Conn:        wsConn,
	}
}

// closeSend closes the Send channel exactly once
func (c *Connection) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.Send)
}

// trySend queues outbound bytes without blocking. It reports whether the
// bytes were queued and whether the connection is still open; a full
// buffer on an open connection is the slow-client signal.
func (c *Connection) trySend(data []byte) (sent, open bool) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return false, false
	}
	select {
	case c.Send <- data:
		return true, true
	default:
		return false, true
	}
}

// ConnectionHub tracks the live connections attached to each session and
// fans confirmed events out to them. It holds no canvas state; that belongs
// to the session actors.
type ConnectionHub struct {
	mu       sync.RWMutex
	sessions map[string]map[*Connection]bool
	metrics  *Metrics

	// onDrop is invoked for connections this hub evicts itself (slow
	// clients). The session store registers its detach path here so an
	// evicted connection produces the same leave and teardown as a closed
	// socket.
	onDrop func(*Connection)
}

// NewConnectionHub creates an empty hub
func NewConnectionHub(metrics *Metrics) *ConnectionHub {
	return &ConnectionHub{
		sessions: make(map[string]map[*Connection]bool),
		metrics:  metrics,
	}
}

// SetDropHandler installs the callback that handles slow-client
// evictions. Must be called before connections attach.
func (h *ConnectionHub) SetDropHandler(fn func(*Connection)) {
	h.onDrop = fn
}

// Attach registers a connection with its session
func (h *ConnectionHub) Attach(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conns, ok := h.sessions[conn.SessionID]
	if !ok {
		conns = make(map[*Connection]bool)
		h.sessions[conn.SessionID] = conns
	}
	conns[conn] = true
	if h.metrics != nil {
		h.metrics.ActiveConnections.Inc()
	}
}

// Detach removes a connection and returns the number of connections still
// attached to the session. The caller evaluates session teardown.
func (h *ConnectionHub) Detach(conn *Connection) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	conns, ok := h.sessions[conn.SessionID]
	if !ok {
		return 0
	}
	if _, attached := conns[conn]; attached {
		delete(conns, conn)
		conn.closeSend()
		if h.metrics != nil {
			h.metrics.ActiveConnections.Dec()
		}
	}
	remaining := len(conns)
	if remaining == 0 {
		delete(h.sessions, conn.SessionID)
	}
	return remaining
}

// ConnectionCount returns the number of connections attached to a session
func (h *ConnectionHub) ConnectionCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID])
}

// Broadcast writes an event to every connection attached to the session,
// except the optional excluded one. A connection whose send buffer is full
// is dropped from the session; the failure never propagates to the
// broadcaster or other recipients.
func (h *ConnectionHub) Broadcast(sessionID string, data []byte, exclude *Connection) {
	h.mu.RLock()
	conns, ok := h.sessions[sessionID]
	if !ok {
		h.mu.RUnlock()
		return
	}
	var dropped []*Connection
	for conn := range conns {
		if conn == exclude {
			continue
		}
		if sent, open := conn.trySend(data); !sent && open {
			dropped = append(dropped, conn)
		}
	}
	if h.metrics != nil {
		h.metrics.Broadcasts.Inc()
	}
	h.mu.RUnlock()

	for _, conn := range dropped {
		h.drop(conn)
	}
}

// SendTo writes an event to a single connection, applying the same
// full-buffer detach policy as Broadcast. Sends to a connection that has
// already detached are discarded.
func (h *ConnectionHub) SendTo(conn *Connection, data []byte) {
	if sent, open := conn.trySend(data); !sent && open {
		h.drop(conn)
	}
}

// drop evicts a slow connection through the registered detach path, so
// the session delivers its leave and teardown runs when it was the last
// connection attached. Without a handler the connection is only detached.
func (h *ConnectionHub) drop(conn *Connection) {
	slogging.Get().Warn("dropping slow connection %s on session %s", conn.ID, conn.SessionID)
	if h.onDrop != nil {
		h.onDrop(conn)
		return
	}
	h.Detach(conn)
}

// sendWireError delivers an error message to one connection only
func (h *ConnectionHub) sendWireError(conn *Connection, code, message string) {
	data, err := MarshalMessage(NewWireError(code, message))
	if err != nil {
		slogging.Get().Error("failed to marshal error message: %v", err)
		return
	}
	h.SendTo(conn, data)
}
