package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// RESTHandler serves the read-only HTTP surface next to the WebSocket
// endpoint: session listings and a health probe.
type RESTHandler struct {
	store       *SessionStore
	redisClient *redis.Client // may be nil
	pgPool      *pgxpool.Pool // may be nil
}

func NewRESTHandler(store *SessionStore, redisClient *redis.Client, pgPool *pgxpool.Pool) *RESTHandler {
	return &RESTHandler{
		store:       store,
		redisClient: redisClient,
		pgPool:      pgPool,
	}
}

// ListSessions handles GET /sessions
func (h *RESTHandler) ListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": h.store.Sessions()})
}

// GetSession handles GET /sessions/:session_id
func (h *RESTHandler) GetSession(c *gin.Context) {
	sessionID := SanitizeIdentifier(c.Param("session_id"))
	summary, err := h.store.GetSummary(sessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, Error{
				Error:   "not_found",
				Message: "session not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, Error{
			Error:   "internal_error",
			Message: "failed to read session",
		})
		return
	}
	c.JSON(http.StatusOK, summary)
}

// Health handles GET /health. Backend probes are informational: the
// service stays up when redis or postgres are unreachable because the
// engine degrades rather than fails.
func (h *RESTHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	components := gin.H{}
	status := "ok"

	if h.redisClient != nil {
		if err := h.redisClient.Ping(ctx).Err(); err != nil {
			components["redis"] = "unreachable"
			status = "degraded"
		} else {
			components["redis"] = "ok"
		}
	}
	if h.pgPool != nil {
		if err := h.pgPool.Ping(ctx); err != nil {
			components["postgres"] = "unreachable"
			status = "degraded"
		} else {
			components["postgres"] = "ok"
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	})
}

// RegisterRoutes attaches the REST surface to a router group
func (h *RESTHandler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/health", h.Health)
	r.GET("/sessions", h.ListSessions)
	r.GET("/sessions/:session_id", h.GetSession)
}
