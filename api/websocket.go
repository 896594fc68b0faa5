package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/nexuspro/canvas/internal/config"
	"github.com/nexuspro/canvas/internal/slogging"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 54 * time.Second
)

// WebSocketServer owns the HTTP upgrade path and the per-connection read
// and write pumps. All session semantics live in the SessionStore; the
// server only moves validated, rate-limited messages onto actor queues.
type WebSocketServer struct {
	hub      *ConnectionHub
	store    *SessionStore
	limiter  *RateLimiter
	metrics  *Metrics
	upgrader websocket.Upgrader

	readLimit         int64
	inactivityTimeout time.Duration
	sendBuffer        int
}

// NewWebSocketServer wires the transport against the session engine
func NewWebSocketServer(hub *ConnectionHub, store *SessionStore, limiter *RateLimiter, metrics *Metrics, cfg config.WebSocketConfig) *WebSocketServer {
	readLimit := cfg.ReadLimitBytes
	if readLimit <= 0 {
		readLimit = 65536
	}
	inactivity := time.Duration(cfg.InactivityTimeoutSeconds) * time.Second
	if inactivity <= 0 {
		inactivity = 5 * time.Minute
	}
	sendBuffer := cfg.SendBufferSize
	if sendBuffer <= 0 {
		sendBuffer = 256
	}
	return &WebSocketServer{
		hub:     hub,
		store:   store,
		limiter: limiter,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		readLimit:         readLimit,
		inactivityTimeout: inactivity,
		sendBuffer:        sendBuffer,
	}
}

// HandleWS upgrades GET /ws/sessions/:session_id to a WebSocket. The
// authenticated principal comes from the JWT middleware; the session id
// from the path. The connection joins nothing until the client sends an
// explicit join message.
func (s *WebSocketServer) HandleWS(c *gin.Context) {
	logger := slogging.Get()

	sessionID := SanitizeIdentifier(c.Param("session_id"))
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, Error{
			Error:   "invalid_request",
			Message: "session id is missing or invalid",
		})
		return
	}

	userID, _ := c.Get("userID")
	userIDStr, ok := userID.(string)
	if !ok || userIDStr == "" {
		c.JSON(http.StatusUnauthorized, Error{
			Error:   "unauthorized",
			Message: "authentication required",
		})
		return
	}
	displayName := userIDStr
	if name, exists := c.Get("userName"); exists {
		if nameStr, ok := name.(string); ok && nameStr != "" {
			displayName = nameStr
		}
	}

	wsConn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Error("websocket upgrade failed for session %s: %v", sessionID, err)
		return
	}

	conn := NewConnection(wsConn, sessionID, userIDStr, displayName, s.sendBuffer)
	s.hub.Attach(conn)
	logger.Info("websocket connected: conn=%s session=%s user=%s", conn.ID, sessionID, userIDStr)

	go s.writePump(conn)
	go s.readPump(conn)
}

// readPump reads, parses, validates, and rate-limits inbound frames, then
// hands them to the session actor. It runs until the socket errors or the
// inactivity deadline passes, then triggers the implicit leave.
func (s *WebSocketServer) readPump(conn *Connection) {
	logger := slogging.Get()
	defer func() {
		s.store.HandleDetach(conn)
		if err := conn.Conn.Close(); err != nil {
			logger.Debug("error closing websocket for conn %s: %v", conn.ID, err)
		}
	}()

	conn.Conn.SetReadLimit(s.readLimit)
	if err := conn.Conn.SetReadDeadline(time.Now().Add(s.inactivityTimeout)); err != nil {
		logger.Error("failed to set read deadline for conn %s: %v", conn.ID, err)
		return
	}
	conn.Conn.SetPongHandler(func(string) error {
		return conn.Conn.SetReadDeadline(time.Now().Add(s.inactivityTimeout))
	})

	for {
		_, data, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("websocket read error for conn %s: %v", conn.ID, err)
			}
			return
		}
		if err := conn.Conn.SetReadDeadline(time.Now().Add(s.inactivityTimeout)); err != nil {
			logger.Error("failed to refresh read deadline for conn %s: %v", conn.ID, err)
			return
		}

		msg, err := ParseInboundMessage(data)
		if err != nil {
			if errors.Is(err, ErrUnknownMessageType) {
				// Forward compatibility: unknown types never kill the connection
				logger.Debug("ignoring unknown message type from conn %s", conn.ID)
				continue
			}
			logger.Debug("rejecting malformed message from conn %s: %v", conn.ID, err)
			s.hub.sendWireError(conn, "validation_failed", err.Error())
			continue
		}

		if !s.checkRateLimit(conn, msg) {
			continue
		}

		if err := s.store.Dispatch(conn, msg); err != nil {
			logger.Debug("dispatch failed for conn %s: %v", conn.ID, err)
			s.hub.sendWireError(conn, "not_joined", "join the session before sending messages")
		}
	}
}

// checkRateLimit enforces the per-connection quota for the message's
// action class. A rejected message costs only its sender an error; it
// never reaches the session actor.
func (s *WebSocketServer) checkRateLimit(conn *Connection, msg Message) bool {
	if s.limiter == nil {
		return true
	}
	class, limited := ClassForMessage(msg.GetMessageType())
	if !limited {
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	allowed, retryAfter, err := s.limiter.Allow(ctx, conn.ID, class)
	cancel()
	if err != nil {
		// Limiter degrades open on backend failure
		return true
	}
	if !allowed {
		if s.metrics != nil {
			s.metrics.RateLimited.WithLabelValues(string(class)).Inc()
		}
		slogging.Get().Debug("rate limited conn %s class %s, retry after %ds", conn.ID, class, retryAfter)
		s.hub.sendWireError(conn, "rate_limited", "too many messages, slow down")
		return false
	}
	return true
}

// writePump drains the connection's send channel onto the socket and keeps
// the connection alive with periodic pings. A closed send channel (slow
// client dropped by the hub) ends the pump with a close frame.
func (s *WebSocketServer) writePump(conn *Connection) {
	logger := slogging.Get()
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		if err := conn.Conn.Close(); err != nil {
			logger.Debug("error closing websocket writer for conn %s: %v", conn.ID, err)
		}
	}()

	for {
		select {
		case data, ok := <-conn.Send:
			if err := conn.Conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logger.Error("failed to set write deadline for conn %s: %v", conn.ID, err)
				return
			}
			if !ok {
				_ = conn.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Debug("write failed for conn %s: %v", conn.ID, err)
				return
			}

		case <-ticker.C:
			if err := conn.Conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logger.Error("failed to set write deadline for conn %s: %v", conn.ID, err)
				return
			}
			if err := conn.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
