package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexuspro/canvas/api"
	"github.com/nexuspro/canvas/client"
	"github.com/nexuspro/canvas/internal/config"
)

const testSecret = "test-secret-for-middleware"

func testConfig() *config.Config {
	cfg, _ := config.Load("")
	cfg.Auth.JWT.Secret = testSecret
	return cfg
}

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func newAuthTestRouter(cfg *config.Config) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(JWTMiddleware(cfg))
	router.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/sessions", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user": c.GetString("userID"), "name": c.GetString("userName")})
	})
	router.GET("/ws/sessions/s1", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user": c.GetString("userID")})
	})
	return router
}

func TestJWTMiddlewareAllowsValidToken(t *testing.T) {
	router := newAuthTestRouter(testConfig())

	token := signToken(t, testSecret, jwt.MapClaims{
		"sub":  "alice",
		"name": "Alice",
		"exp":  time.Now().Add(time.Hour).Unix(),
	})

	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"user":"alice"`)
	assert.Contains(t, w.Body.String(), `"name":"Alice"`)
}

func TestJWTMiddlewareRejectsMissingToken(t *testing.T) {
	router := newAuthTestRouter(testConfig())

	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "unauthorized")
}

func TestJWTMiddlewareRejectsBadSignature(t *testing.T) {
	router := newAuthTestRouter(testConfig())

	token := signToken(t, "other-secret", jwt.MapClaims{
		"sub": "alice",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestJWTMiddlewareRejectsExpiredToken(t *testing.T) {
	router := newAuthTestRouter(testConfig())

	token := signToken(t, testSecret, jwt.MapClaims{
		"sub": "alice",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})

	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestJWTMiddlewareRejectsMalformedHeader(t *testing.T) {
	router := newAuthTestRouter(testConfig())

	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	req.Header.Set("Authorization", "Token abc123")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestJWTMiddlewareSkipsPublicPaths(t *testing.T) {
	router := newAuthTestRouter(testConfig())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestJWTMiddlewareWebSocketQueryToken(t *testing.T) {
	router := newAuthTestRouter(testConfig())

	token := signToken(t, testSecret, jwt.MapClaims{
		"sub": "alice",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	req := httptest.NewRequest(http.MethodGet, "/ws/sessions/s1?token="+token, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"user":"alice"`)

	// A bearer header works on websocket paths when no query token is set
	req = httptest.NewRequest(http.MethodGet, "/ws/sessions/s1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	// But some credential is still required
	req = httptest.NewRequest(http.MethodGet, "/ws/sessions/s1", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

// TestClientTransportAuthenticates wires the client transport through the
// real middleware and websocket handler, so client and server agree on how
// the credential travels.
func TestClientTransportAuthenticates(t *testing.T) {
	cfg := testConfig()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(JWTMiddleware(cfg))

	hub := api.NewConnectionHub(nil)
	store := api.NewSessionStore(hub, nil, nil, nil, 64)
	limiter := api.NewRateLimiter(nil, nil)
	ws := api.NewWebSocketServer(hub, store, limiter, nil, cfg.WebSocket)
	router.GET("/ws/sessions/:session_id", ws.HandleWS)

	srv := httptest.NewServer(router)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/sessions/s1"

	token := signToken(t, testSecret, jwt.MapClaims{
		"sub": "alice",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	events := make(chan api.Message, 8)
	transport, err := client.New(client.Options{
		URL:       wsURL,
		Token:     token,
		UserID:    "alice",
		SessionID: "s1",
		OnMessage: func(msg api.Message) { events <- msg },
	})
	require.NoError(t, err)
	require.NoError(t, transport.Start(context.Background()))
	defer transport.Close()

	select {
	case msg := <-events:
		state, ok := msg.(api.CanvasStateMessage)
		require.True(t, ok, "expected canvas_state, got %T", msg)
		require.Len(t, state.Participants, 1)
		assert.Equal(t, "alice", state.Participants[0].ID)
	case <-time.After(2 * time.Second):
		t.Fatal("no canvas_state after authenticated connect")
	}

	// Without a token the handshake is rejected outright
	anon, err := client.New(client.Options{URL: wsURL, UserID: "mallory", SessionID: "s1"})
	require.NoError(t, err)
	assert.Error(t, anon.Start(context.Background()))
	anon.Close()
}

func TestJWTMiddlewareRejectsTokenWithoutSub(t *testing.T) {
	router := newAuthTestRouter(testConfig())

	token := signToken(t, testSecret, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
