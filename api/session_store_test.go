package api

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recvMessage reads and parses the next outbound event from a connection's
// send channel.
func recvMessage(t *testing.T, conn *Connection) Message {
	t.Helper()
	select {
	case data, ok := <-conn.Send:
		require.True(t, ok, "send channel closed")
		msg, err := ParseOutboundMessage(data)
		require.NoError(t, err)
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

// expectNoMessage asserts that nothing arrives within a short window
func expectNoMessage(t *testing.T, conn *Connection) {
	t.Helper()
	select {
	case data, ok := <-conn.Send:
		if ok {
			t.Fatalf("unexpected message: %s", data)
		}
	case <-time.After(150 * time.Millisecond):
	}
}

func newTestStore(docs DocumentStore, suggester Suggester) (*SessionStore, *ConnectionHub) {
	hub := NewConnectionHub(nil)
	store := NewSessionStore(hub, docs, suggester, nil, 64)
	return store, hub
}

// joinSession attaches a fresh in-process connection and completes the join
// handshake, returning the connection and its canvas_state snapshot.
func joinSession(t *testing.T, store *SessionStore, hub *ConnectionHub, sessionID, userID string) (*Connection, CanvasStateMessage) {
	t.Helper()
	conn := NewConnection(nil, sessionID, userID, userID, 64)
	hub.Attach(conn)
	require.NoError(t, store.Dispatch(conn, JoinMessage{
		MessageType: MessageTypeJoin,
		SessionID:   sessionID,
		UserID:      userID,
	}))
	msg := recvMessage(t, conn)
	state, ok := msg.(CanvasStateMessage)
	require.True(t, ok, "expected canvas_state, got %T", msg)
	return conn, state
}

func TestJoinDeliversSnapshotToJoinerOnly(t *testing.T) {
	store, hub := newTestStore(nil, nil)

	_, state := joinSession(t, store, hub, "s1", "alice")
	assert.Empty(t, state.Canvas)
	require.Len(t, state.Participants, 1)
	assert.Equal(t, "alice", state.Participants[0].ID)
	assert.Equal(t, DefaultAIAgents(), state.AIAgents)
}

func TestSecondJoinNotifiesExistingParticipants(t *testing.T) {
	store, hub := newTestStore(nil, nil)

	alice, _ := joinSession(t, store, hub, "s1", "alice")
	_, bobState := joinSession(t, store, hub, "s1", "bob")

	require.Len(t, bobState.Participants, 2)

	msg := recvMessage(t, alice)
	joined, ok := msg.(UserJoinedMessage)
	require.True(t, ok, "expected user_joined, got %T", msg)
	assert.Equal(t, "bob", joined.UserID)
	assert.Len(t, joined.Participants, 2)
}

func TestJoinAssignsDistinctColors(t *testing.T) {
	store, hub := newTestStore(nil, nil)

	_, _ = joinSession(t, store, hub, "s1", "alice")
	_, state := joinSession(t, store, hub, "s1", "bob")

	require.Len(t, state.Participants, 2)
	assert.NotEqual(t, state.Participants[0].ColorTag, state.Participants[1].ColorTag)
	for _, p := range state.Participants {
		assert.Regexp(t, `^hsl\(\d+, 70%, 45%\)$`, p.ColorTag)
	}
}

func TestRejoinIsIdempotent(t *testing.T) {
	store, hub := newTestStore(nil, nil)

	conn, _ := joinSession(t, store, hub, "s1", "alice")
	require.NoError(t, store.Dispatch(conn, JoinMessage{
		MessageType: MessageTypeJoin,
		SessionID:   "s1",
		UserID:      "alice",
	}))

	msg := recvMessage(t, conn)
	state, ok := msg.(CanvasStateMessage)
	require.True(t, ok)
	assert.Len(t, state.Participants, 1, "rejoining must not duplicate the participant")
}

func TestAddElementBroadcastsToAllIncludingSender(t *testing.T) {
	store, hub := newTestStore(nil, nil)

	alice, _ := joinSession(t, store, hub, "s1", "alice")
	bob, _ := joinSession(t, store, hub, "s1", "bob")
	recvMessage(t, alice) // bob's user_joined

	require.NoError(t, store.Dispatch(alice, AddElementMessage{
		MessageType: MessageTypeAddElement,
		Element: ElementPayload{
			Type:     ElementTypeComment,
			Position: &Position{X: 100, Y: 200},
			Content:  "looks good",
		},
	}))

	for _, conn := range []*Connection{alice, bob} {
		msg := recvMessage(t, conn)
		added, ok := msg.(ElementAddedMessage)
		require.True(t, ok, "expected element_added, got %T", msg)
		assert.NotEmpty(t, added.Element.ID)
		assert.Equal(t, ElementTypeComment, added.Element.Type)
		assert.Equal(t, "alice", added.Element.AuthorID)
		assert.Equal(t, "looks good", added.Element.Content)
		assert.False(t, added.Element.CreatedAt.IsZero())
	}
}

func TestAddElementSanitizesAndClamps(t *testing.T) {
	store, hub := newTestStore(nil, nil)
	conn, _ := joinSession(t, store, hub, "s1", "alice")

	require.NoError(t, store.Dispatch(conn, AddElementMessage{
		MessageType: MessageTypeAddElement,
		Element: ElementPayload{
			Type:     ElementTypeComment,
			Position: &Position{X: -50, Y: 9999},
			Content:  `<script>alert(1)</script>note`,
		},
	}))

	msg := recvMessage(t, conn)
	added := msg.(ElementAddedMessage)
	assert.NotContains(t, strings.ToLower(added.Element.Content), "<script")
	assert.Equal(t, float64(0), added.Element.Position.X)
	assert.Equal(t, float64(CanvasMaxY), added.Element.Position.Y)
}

func TestAddElementDefaultsTypeToCode(t *testing.T) {
	store, hub := newTestStore(nil, nil)
	conn, _ := joinSession(t, store, hub, "s1", "alice")

	require.NoError(t, store.Dispatch(conn, AddElementMessage{
		MessageType: MessageTypeAddElement,
		Element:     ElementPayload{Content: "x := 1"},
	}))

	msg := recvMessage(t, conn)
	added := msg.(ElementAddedMessage)
	assert.Equal(t, ElementTypeCode, added.Element.Type)
	assert.Equal(t, Position{X: 0, Y: 0}, added.Element.Position)
}

func TestUpdateElementBroadcastsAppliedValues(t *testing.T) {
	store, hub := newTestStore(nil, nil)
	conn, _ := joinSession(t, store, hub, "s1", "alice")

	require.NoError(t, store.Dispatch(conn, AddElementMessage{
		MessageType: MessageTypeAddElement,
		Element:     ElementPayload{Type: ElementTypeComment, Content: "v1"},
	}))
	added := recvMessage(t, conn).(ElementAddedMessage)

	content := `<script>bad</script>v2`
	require.NoError(t, store.Dispatch(conn, UpdateElementMessage{
		MessageType: MessageTypeUpdateElement,
		ElementID:   added.Element.ID,
		Updates: ElementUpdates{
			Content:  &content,
			Position: &Position{X: 3000, Y: 50},
		},
	}))

	msg := recvMessage(t, conn)
	updated, ok := msg.(ElementUpdatedMessage)
	require.True(t, ok)
	assert.Equal(t, added.Element.ID, updated.ElementID)
	require.NotNil(t, updated.Updates.Content)
	assert.NotContains(t, strings.ToLower(*updated.Updates.Content), "<script")
	require.NotNil(t, updated.Updates.Position)
	assert.Equal(t, float64(CanvasMaxX), updated.Updates.Position.X)
}

func TestUpdateMissingElementIsSilent(t *testing.T) {
	store, hub := newTestStore(nil, nil)
	conn, _ := joinSession(t, store, hub, "s1", "alice")

	content := "v2"
	require.NoError(t, store.Dispatch(conn, UpdateElementMessage{
		MessageType: MessageTypeUpdateElement,
		ElementID:   "no-such-element",
		Updates:     ElementUpdates{Content: &content},
	}))
	expectNoMessage(t, conn)
}

func TestDeleteElement(t *testing.T) {
	store, hub := newTestStore(nil, nil)
	conn, _ := joinSession(t, store, hub, "s1", "alice")

	require.NoError(t, store.Dispatch(conn, AddElementMessage{
		MessageType: MessageTypeAddElement,
		Element:     ElementPayload{Type: ElementTypeDiagram, Content: "box"},
	}))
	added := recvMessage(t, conn).(ElementAddedMessage)

	require.NoError(t, store.Dispatch(conn, DeleteElementMessage{
		MessageType: MessageTypeDeleteElement,
		ElementID:   added.Element.ID,
	}))
	deleted := recvMessage(t, conn).(ElementDeletedMessage)
	assert.Equal(t, added.Element.ID, deleted.ElementID)

	summary, err := store.GetSummary("s1")
	require.NoError(t, err)
	assert.Equal(t, 0, summary.ElementCount)
}

func TestDeleteMissingElementIsSilent(t *testing.T) {
	store, hub := newTestStore(nil, nil)
	conn, _ := joinSession(t, store, hub, "s1", "alice")

	require.NoError(t, store.Dispatch(conn, DeleteElementMessage{
		MessageType: MessageTypeDeleteElement,
		ElementID:   "ghost",
	}))
	expectNoMessage(t, conn)
}

func TestCursorMoveExcludesSender(t *testing.T) {
	store, hub := newTestStore(nil, nil)

	alice, _ := joinSession(t, store, hub, "s1", "alice")
	bob, _ := joinSession(t, store, hub, "s1", "bob")
	recvMessage(t, alice) // bob's user_joined

	require.NoError(t, store.Dispatch(alice, CursorMoveMessage{
		MessageType: MessageTypeCursorMove,
		Position:    Position{X: 42, Y: 7},
	}))

	msg := recvMessage(t, bob)
	moved, ok := msg.(CursorMovedMessage)
	require.True(t, ok)
	assert.Equal(t, "alice", moved.UserID)
	assert.Equal(t, float64(42), moved.Position.X)

	expectNoMessage(t, alice)
}

func TestDetachBroadcastsUserLeft(t *testing.T) {
	store, hub := newTestStore(nil, nil)

	alice, _ := joinSession(t, store, hub, "s1", "alice")
	bob, _ := joinSession(t, store, hub, "s1", "bob")
	recvMessage(t, alice) // bob's user_joined

	store.HandleDetach(bob)

	msg := recvMessage(t, alice)
	left, ok := msg.(UserLeftMessage)
	require.True(t, ok)
	assert.Equal(t, "bob", left.UserID)
}

func TestLastDetachTearsDownSession(t *testing.T) {
	store, hub := newTestStore(nil, nil)

	conn, _ := joinSession(t, store, hub, "s1", "alice")
	store.HandleDetach(conn)

	require.Eventually(t, func() bool {
		_, err := store.GetSummary("s1")
		return errors.Is(err, ErrNotFound)
	}, 2*time.Second, 20*time.Millisecond)
}

func TestDetachWhileJoinQueuedKeepsSessionAlive(t *testing.T) {
	store, hub := newTestStore(nil, nil)
	alice, _ := joinSession(t, store, hub, "s1", "alice")

	// Stall the actor on an unread query reply so the next envelopes queue
	// up behind it.
	store.mu.RLock()
	actor := store.actors["s1"]
	store.mu.RUnlock()
	reply := make(chan SessionSummary)
	actor.enqueue(envelope{kind: kindQuery, reply: reply})

	bob := NewConnection(nil, "s1", "bob", "bob", 8)
	hub.Attach(bob)
	require.NoError(t, store.Dispatch(bob, JoinMessage{
		MessageType: MessageTypeJoin,
		SessionID:   "s1",
		UserID:      "bob",
	}))
	store.HandleDetach(bob)

	// Unblock the actor; it now processes bob's join against a connection
	// whose send channel is already closed, then the queued leave.
	<-reply

	joined, ok := recvMessage(t, alice).(UserJoinedMessage)
	require.True(t, ok)
	assert.Equal(t, "bob", joined.UserID)
	left, ok := recvMessage(t, alice).(UserLeftMessage)
	require.True(t, ok)
	assert.Equal(t, "bob", left.UserID)

	// The session and its actor survived the stale join
	summary, err := store.GetSummary("s1")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.ParticipantCount)
}

func TestSlowConnectionDropTearsDownSession(t *testing.T) {
	store, hub := newTestStore(nil, nil)

	conn := NewConnection(nil, "s1", "alice", "alice", 1)
	hub.Attach(conn)
	require.NoError(t, store.Dispatch(conn, JoinMessage{
		MessageType: MessageTypeJoin,
		SessionID:   "s1",
		UserID:      "alice",
	}))

	// The canvas_state snapshot fills the one-slot buffer; the next
	// broadcast overflows it, which must evict the connection and, as the
	// last one attached, tear the session down.
	require.NoError(t, store.Dispatch(conn, AddElementMessage{
		MessageType: MessageTypeAddElement,
		Element:     ElementPayload{Type: ElementTypeComment, Content: "x"},
	}))

	require.Eventually(t, func() bool {
		_, err := store.GetSummary("s1")
		return errors.Is(err, ErrNotFound)
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, 0, hub.ConnectionCount("s1"))
}

func TestMutationOrderIsFIFO(t *testing.T) {
	store, hub := newTestStore(nil, nil)

	alice, _ := joinSession(t, store, hub, "s1", "alice")
	bob, _ := joinSession(t, store, hub, "s1", "bob")
	recvMessage(t, alice) // bob's user_joined

	const n = 20
	for i := 0; i < n; i++ {
		require.NoError(t, store.Dispatch(alice, AddElementMessage{
			MessageType: MessageTypeAddElement,
			Element:     ElementPayload{Type: ElementTypeComment, Content: fmt.Sprintf("note %d", i)},
		}))
	}

	for _, conn := range []*Connection{alice, bob} {
		for i := 0; i < n; i++ {
			msg := recvMessage(t, conn)
			added, ok := msg.(ElementAddedMessage)
			require.True(t, ok)
			assert.Equal(t, fmt.Sprintf("note %d", i), added.Element.Content)
		}
	}
}

func TestDispatchBeforeJoinFails(t *testing.T) {
	store, _ := newTestStore(nil, nil)
	conn := NewConnection(nil, "s1", "alice", "alice", 8)

	err := store.Dispatch(conn, AddElementMessage{
		MessageType: MessageTypeAddElement,
		Element:     ElementPayload{Content: "x"},
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

type stubSuggester struct {
	result string
	err    error
	calls  chan SuggestionTask
}

func newStubSuggester(result string, err error) *stubSuggester {
	return &stubSuggester{result: result, err: err, calls: make(chan SuggestionTask, 8)}
}

func (s *stubSuggester) Suggest(_ context.Context, task SuggestionTask) (string, error) {
	s.calls <- task
	return s.result, s.err
}

func TestCodeElementTriggersSuggestion(t *testing.T) {
	suggester := newStubSuggester("consider error handling", nil)
	store, hub := newTestStore(nil, suggester)
	conn, _ := joinSession(t, store, hub, "s1", "alice")

	require.NoError(t, store.Dispatch(conn, AddElementMessage{
		MessageType: MessageTypeAddElement,
		Element: ElementPayload{
			Type:     ElementTypeCode,
			Position: &Position{X: 100, Y: 100},
			Content:  "func add(a, b int) int { return a + b }",
		},
	}))

	original := recvMessage(t, conn).(ElementAddedMessage)

	task := <-suggester.calls
	assert.Equal(t, SuggestionKindCodeReview, task.Kind)
	assert.Equal(t, "s1", task.SessionID)

	msg := recvMessage(t, conn)
	suggestion, ok := msg.(ElementAddedMessage)
	require.True(t, ok)
	assert.Equal(t, ElementTypeAISuggestion, suggestion.Element.Type)
	assert.Equal(t, AgentReviewer, suggestion.Element.AuthorID)
	assert.Equal(t, "consider error handling", suggestion.Element.Content)
	assert.Equal(t, []string{original.Element.ID}, suggestion.Element.Connections)
	assert.Equal(t, float64(400), suggestion.Element.Position.X)
	assert.GreaterOrEqual(t, suggestion.Element.Position.Y, float64(100))
	assert.LessOrEqual(t, suggestion.Element.Position.Y, float64(200))
}

func TestCommentElementDoesNotTriggerSuggestion(t *testing.T) {
	suggester := newStubSuggester("noise", nil)
	store, hub := newTestStore(nil, suggester)
	conn, _ := joinSession(t, store, hub, "s1", "alice")

	require.NoError(t, store.Dispatch(conn, AddElementMessage{
		MessageType: MessageTypeAddElement,
		Element:     ElementPayload{Type: ElementTypeComment, Content: "nice"},
	}))
	recvMessage(t, conn)

	select {
	case task := <-suggester.calls:
		t.Fatalf("unexpected suggestion task: %+v", task)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestFailedSuggestionIsAbandoned(t *testing.T) {
	suggester := newStubSuggester("", errors.New("model unavailable"))
	store, hub := newTestStore(nil, suggester)
	conn, _ := joinSession(t, store, hub, "s1", "alice")

	require.NoError(t, store.Dispatch(conn, AddElementMessage{
		MessageType: MessageTypeAddElement,
		Element:     ElementPayload{Type: ElementTypeCode, Content: "x := 1"},
	}))
	recvMessage(t, conn) // the original element
	<-suggester.calls

	// No synthetic element and no error event follow a failed task
	expectNoMessage(t, conn)
}

func TestAIRequestInjectsAssistantElement(t *testing.T) {
	suggester := newStubSuggester("here is a plan", nil)
	store, hub := newTestStore(nil, suggester)
	conn, _ := joinSession(t, store, hub, "s1", "alice")

	require.NoError(t, store.Dispatch(conn, AIRequestMessage{
		MessageType: MessageTypeAIRequest,
		Request:     "sketch the architecture",
	}))

	task := <-suggester.calls
	assert.Equal(t, SuggestionKindRequest, task.Kind)

	msg := recvMessage(t, conn)
	suggestion := msg.(ElementAddedMessage)
	assert.Equal(t, ElementTypeAISuggestion, suggestion.Element.Type)
	assert.Equal(t, AgentAssistant, suggestion.Element.AuthorID)
	assert.Empty(t, suggestion.Element.Connections)
}

func TestSessionRestoreFromDocumentStore(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = client.Close() }()

	docs := NewRedisDocumentStore(client, time.Hour)
	store, hub := newTestStore(docs, nil)

	conn, _ := joinSession(t, store, hub, "s1", "alice")
	require.NoError(t, store.Dispatch(conn, AddElementMessage{
		MessageType: MessageTypeAddElement,
		Element:     ElementPayload{Type: ElementTypeComment, Content: "persisted"},
	}))
	recvMessage(t, conn)

	store.HandleDetach(conn)
	require.Eventually(t, func() bool {
		snap, err := docs.LoadSnapshot(context.Background(), "s1")
		return err == nil && len(snap.Canvas) == 1
	}, 2*time.Second, 20*time.Millisecond)

	// A fresh join restores the canvas but not the old participant roster
	_, state := joinSession(t, store, hub, "s1", "bob")
	require.Len(t, state.Canvas, 1)
	assert.Equal(t, "persisted", state.Canvas[0].Content)
	require.Len(t, state.Participants, 1)
	assert.Equal(t, "bob", state.Participants[0].ID)
}

func TestSessionsListing(t *testing.T) {
	store, hub := newTestStore(nil, nil)

	_, _ = joinSession(t, store, hub, "alpha", "alice")
	conn, _ := joinSession(t, store, hub, "beta", "bob")
	require.NoError(t, store.Dispatch(conn, AddElementMessage{
		MessageType: MessageTypeAddElement,
		Element:     ElementPayload{Type: ElementTypeComment, Content: "x"},
	}))
	recvMessage(t, conn)

	summaries := store.Sessions()
	require.Len(t, summaries, 2)
	assert.Equal(t, "alpha", summaries[0].ID)
	assert.Equal(t, "beta", summaries[1].ID)
	assert.Equal(t, 1, summaries[1].ElementCount)
	assert.Equal(t, DefaultAIAgents(), summaries[0].AIAgents)
}
