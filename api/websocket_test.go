package api

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexuspro/canvas/internal/config"
)

// newWSTestServer builds a full transport stack behind httptest, with a
// stub identity middleware standing in for JWT auth.
func newWSTestServer(t *testing.T, limiter *RateLimiter) (*httptest.Server, *SessionStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hub := NewConnectionHub(nil)
	store := NewSessionStore(hub, nil, nil, nil, 64)
	ws := NewWebSocketServer(hub, store, limiter, nil, config.WebSocketConfig{
		ReadLimitBytes:           65536,
		InactivityTimeoutSeconds: 60,
		SendBufferSize:           64,
	})

	router := gin.New()
	router.Use(func(c *gin.Context) {
		c.Set("userID", c.Query("user"))
		c.Next()
	})
	router.GET("/ws/sessions/:session_id", ws.HandleWS)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, store
}

func dialWS(t *testing.T, srv *httptest.Server, sessionID, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/sessions/" + sessionID + "?user=" + userID
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func wsSend(t *testing.T, conn *websocket.Conn, msg Message) {
	t.Helper()
	data, err := MarshalMessage(msg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func wsRecv(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := ParseOutboundMessage(data)
	require.NoError(t, err)
	return msg
}

func wsJoin(t *testing.T, conn *websocket.Conn, sessionID, userID string) CanvasStateMessage {
	t.Helper()
	wsSend(t, conn, JoinMessage{
		MessageType: MessageTypeJoin,
		SessionID:   sessionID,
		UserID:      userID,
	})
	msg := wsRecv(t, conn)
	state, ok := msg.(CanvasStateMessage)
	require.True(t, ok, "expected canvas_state, got %T", msg)
	return state
}

func TestWebSocketEndToEndCollaboration(t *testing.T) {
	srv, _ := newWSTestServer(t, nil)

	alice := dialWS(t, srv, "e2e", "alice")
	state := wsJoin(t, alice, "e2e", "alice")
	assert.Empty(t, state.Canvas)

	bob := dialWS(t, srv, "e2e", "bob")
	bobState := wsJoin(t, bob, "e2e", "bob")
	assert.Len(t, bobState.Participants, 2)

	joined, ok := wsRecv(t, alice).(UserJoinedMessage)
	require.True(t, ok)
	assert.Equal(t, "bob", joined.UserID)

	wsSend(t, alice, AddElementMessage{
		MessageType: MessageTypeAddElement,
		Element: ElementPayload{
			Type:     ElementTypeCode,
			Position: &Position{X: 10, Y: 20},
			Content:  "fmt.Println(1)",
		},
	})

	for _, conn := range []*websocket.Conn{alice, bob} {
		added, ok := wsRecv(t, conn).(ElementAddedMessage)
		require.True(t, ok)
		assert.Equal(t, "alice", added.Element.AuthorID)
		assert.Equal(t, "fmt.Println(1)", added.Element.Content)
	}
}

func TestWebSocketMalformedMessageGetsErrorNotDisconnect(t *testing.T) {
	srv, _ := newWSTestServer(t, nil)

	conn := dialWS(t, srv, "s1", "alice")
	wsJoin(t, conn, "s1", "alice")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"message_type":"add_element","element":{"type":"nonsense"}}`)))

	we, ok := wsRecv(t, conn).(WireError)
	require.True(t, ok)
	assert.Equal(t, "validation_failed", we.Code)

	// The connection still works after the rejected message
	wsSend(t, conn, AddElementMessage{
		MessageType: MessageTypeAddElement,
		Element:     ElementPayload{Type: ElementTypeComment, Content: "still here"},
	})
	added, ok := wsRecv(t, conn).(ElementAddedMessage)
	require.True(t, ok)
	assert.Equal(t, "still here", added.Element.Content)
}

func TestWebSocketUnknownMessageTypeIgnored(t *testing.T) {
	srv, _ := newWSTestServer(t, nil)

	conn := dialWS(t, srv, "s1", "alice")
	wsJoin(t, conn, "s1", "alice")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"message_type":"future_feature","payload":1}`)))

	// No error comes back; the next real message flows normally
	wsSend(t, conn, AddElementMessage{
		MessageType: MessageTypeAddElement,
		Element:     ElementPayload{Type: ElementTypeComment, Content: "after unknown"},
	})
	added, ok := wsRecv(t, conn).(ElementAddedMessage)
	require.True(t, ok)
	assert.Equal(t, "after unknown", added.Element.Content)
}

func TestWebSocketMutationsBeforeJoinRejected(t *testing.T) {
	srv, _ := newWSTestServer(t, nil)

	conn := dialWS(t, srv, "s1", "alice")
	wsSend(t, conn, AddElementMessage{
		MessageType: MessageTypeAddElement,
		Element:     ElementPayload{Content: "too early"},
	})

	we, ok := wsRecv(t, conn).(WireError)
	require.True(t, ok)
	assert.Equal(t, "not_joined", we.Code)
}

func TestWebSocketRateLimitEnforcedPerSender(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = client.Close() }()

	limiter := NewRateLimiter(client, map[ActionClass]RateQuota{
		ActionClassMutation: {Limit: 2, WindowSeconds: 10},
	})
	srv, _ := newWSTestServer(t, limiter)

	alice := dialWS(t, srv, "s1", "alice")
	wsJoin(t, alice, "s1", "alice")
	bob := dialWS(t, srv, "s1", "bob")
	wsJoin(t, bob, "s1", "bob")
	wsRecv(t, alice) // bob's user_joined

	for i := 0; i < 2; i++ {
		wsSend(t, alice, AddElementMessage{
			MessageType: MessageTypeAddElement,
			Element:     ElementPayload{Type: ElementTypeComment, Content: "ok"},
		})
		_, ok := wsRecv(t, alice).(ElementAddedMessage)
		require.True(t, ok)
		wsRecv(t, bob)
	}

	// Third mutation inside the window bounces off the quota
	wsSend(t, alice, AddElementMessage{
		MessageType: MessageTypeAddElement,
		Element:     ElementPayload{Type: ElementTypeComment, Content: "too fast"},
	})
	we, ok := wsRecv(t, alice).(WireError)
	require.True(t, ok)
	assert.Equal(t, "rate_limited", we.Code)

	// Bob's quota is unaffected
	wsSend(t, bob, AddElementMessage{
		MessageType: MessageTypeAddElement,
		Element:     ElementPayload{Type: ElementTypeComment, Content: "bob speaks"},
	})
	added, ok := wsRecv(t, bob).(ElementAddedMessage)
	require.True(t, ok)
	assert.Equal(t, "bob speaks", added.Element.Content)
}

func TestWebSocketRejectsMissingIdentity(t *testing.T) {
	srv, _ := newWSTestServer(t, nil)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/sessions/s1"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, 401, resp.StatusCode)
}
