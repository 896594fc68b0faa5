package api

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nexuspro/canvas/internal/slogging"
)

// envelopeKind discriminates actor queue entries
type envelopeKind int

const (
	kindMessage envelopeKind = iota
	kindLeave
	kindQuery
	kindShutdown
)

// envelope is one unit of work on a session actor's queue. conn is nil for
// synthetic entries injected by the AI suggestion trigger.
type envelope struct {
	kind     envelopeKind
	conn     *Connection
	authorID string
	msg      Message
	reply    chan SessionSummary
}

// SessionSummary is the read-only view of a session exposed over REST
type SessionSummary struct {
	ID               string    `json:"id"`
	ParticipantCount int       `json:"participant_count"`
	ElementCount     int       `json:"element_count"`
	AIAgents         []string  `json:"ai_agents"`
	CreatedAt        time.Time `json:"created_at"`
}

// SessionStore is the in-memory registry of live sessions. Each session is
// served by exactly one actor goroutine; the store only routes envelopes and
// manages actor lifecycle. Sessions are created lazily on first join and
// torn down when their last connection detaches.
type SessionStore struct {
	mu     sync.RWMutex
	actors map[string]*sessionActor

	hub       *ConnectionHub
	docs      DocumentStore // may be nil
	suggester Suggester     // may be nil
	metrics   *Metrics
	queueSize int
}

// NewSessionStore creates the session registry. docs and suggester are
// optional collaborators; nil disables persistence mirroring and AI
// suggestions respectively.
func NewSessionStore(hub *ConnectionHub, docs DocumentStore, suggester Suggester, metrics *Metrics, queueSize int) *SessionStore {
	if queueSize <= 0 {
		queueSize = 256
	}
	store := &SessionStore{
		actors:    make(map[string]*sessionActor),
		hub:       hub,
		docs:      docs,
		suggester: suggester,
		metrics:   metrics,
		queueSize: queueSize,
	}
	hub.SetDropHandler(store.HandleDetach)
	return store
}

// Dispatch routes a validated inbound message to its session actor. Join
// messages create the session if absent. Returns ErrNotFound when a
// non-join message targets a session that does not exist.
func (s *SessionStore) Dispatch(conn *Connection, msg Message) error {
	if msg.GetMessageType() == MessageTypeJoin {
		actor := s.getOrCreateActor(conn.SessionID)
		actor.enqueue(envelope{kind: kindMessage, conn: conn, authorID: conn.UserID, msg: msg})
		return nil
	}

	s.mu.RLock()
	actor, ok := s.actors[conn.SessionID]
	s.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	actor.enqueue(envelope{kind: kindMessage, conn: conn, authorID: conn.UserID, msg: msg})
	return nil
}

// HandleDetach detaches a connection from the hub, delivers the implicit
// leave, and tears the session down if no connections remain. Mutations
// already queued before the detach still apply.
func (s *SessionStore) HandleDetach(conn *Connection) {
	remaining := s.hub.Detach(conn)

	s.mu.Lock()
	actor, ok := s.actors[conn.SessionID]
	if ok && remaining == 0 {
		delete(s.actors, conn.SessionID)
		if s.metrics != nil {
			s.metrics.ActiveSessions.Dec()
		}
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	actor.enqueue(envelope{kind: kindLeave, conn: conn, authorID: conn.UserID})
	if remaining == 0 {
		actor.enqueue(envelope{kind: kindShutdown})
	}
}

// Sessions returns summaries for all live sessions, ordered by id
func (s *SessionStore) Sessions() []SessionSummary {
	s.mu.RLock()
	actors := make([]*sessionActor, 0, len(s.actors))
	for _, a := range s.actors {
		actors = append(actors, a)
	}
	s.mu.RUnlock()

	summaries := make([]SessionSummary, 0, len(actors))
	for _, a := range actors {
		if summary, err := a.query(); err == nil {
			summaries = append(summaries, summary)
		}
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].ID < summaries[j].ID })
	return summaries
}

// GetSummary returns the summary for one session
func (s *SessionStore) GetSummary(sessionID string) (SessionSummary, error) {
	s.mu.RLock()
	actor, ok := s.actors[sessionID]
	s.mu.RUnlock()
	if !ok {
		return SessionSummary{}, ErrNotFound
	}
	return actor.query()
}

// getOrCreateActor returns the live actor for a session, creating and
// starting one if absent.
func (s *SessionStore) getOrCreateActor(sessionID string) *sessionActor {
	s.mu.Lock()
	defer s.mu.Unlock()

	if actor, ok := s.actors[sessionID]; ok {
		return actor
	}

	session := &Session{
		ID:        sessionID,
		AIAgents:  DefaultAIAgents(),
		CreatedAt: time.Now().UTC(),
	}

	// Best-effort restore from the document store; a missing or failed
	// snapshot starts the session empty.
	if s.docs != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		snap, err := s.docs.LoadSnapshot(ctx, sessionID)
		cancel()
		switch {
		case err == nil:
			session.Canvas = snap.Canvas
			if len(snap.AIAgents) > 0 {
				session.AIAgents = snap.AIAgents
			}
			if !snap.CreatedAt.IsZero() {
				session.CreatedAt = snap.CreatedAt
			}
			slogging.Get().Info("restored session %s from document store (%d elements)", sessionID, len(snap.Canvas))
		case errors.Is(err, ErrNotFound):
			// Fresh session
		default:
			slogging.Get().Warn("failed to restore session %s: %v", sessionID, err)
		}
	}

	actor := &sessionActor{
		session: session,
		inbound: make(chan envelope, s.queueSize),
		store:   s,
	}
	if s.docs != nil {
		actor.persist = newPersistWorker(s.docs, sessionID)
	}
	s.actors[sessionID] = actor
	if s.metrics != nil {
		s.metrics.ActiveSessions.Inc()
	}
	go actor.run()

	return actor
}

// sessionActor serializes all mutations for one session. Inbound envelopes
// are applied strictly one at a time in arrival order, and the fan-out for
// each mutation completes before the next envelope is consumed. That
// single-writer discipline is the engine's core correctness mechanism.
type sessionActor struct {
	session *Session
	inbound chan envelope
	store   *SessionStore
	persist *persistWorker // nil when no document store is configured
}

// enqueue adds an envelope to the actor's queue, dropping it with a warning
// if the queue is full. Dropping is acceptable only because producers also
// bound their rates; a blocked enqueue must never stall a detach path.
func (a *sessionActor) enqueue(env envelope) {
	select {
	case a.inbound <- env:
	default:
		slogging.Get().Warn("session %s queue full, dropping %v envelope", a.session.ID, env.kind)
	}
}

// query requests a summary from the actor goroutine
func (a *sessionActor) query() (SessionSummary, error) {
	reply := make(chan SessionSummary, 1)
	a.enqueue(envelope{kind: kindQuery, reply: reply})
	select {
	case summary := <-reply:
		return summary, nil
	case <-time.After(2 * time.Second):
		return SessionSummary{}, ErrNotFound
	}
}

func (a *sessionActor) run() {
	for env := range a.inbound {
		switch env.kind {
		case kindMessage:
			a.handleMessage(env)
		case kindLeave:
			a.handleLeave(env)
		case kindQuery:
			env.reply <- SessionSummary{
				ID:               a.session.ID,
				ParticipantCount: len(a.session.Participants),
				ElementCount:     len(a.session.Canvas),
				AIAgents:         append([]string(nil), a.session.AIAgents...),
				CreatedAt:        a.session.CreatedAt,
			}
		case kindShutdown:
			a.shutdown()
			return
		}
	}
}

func (a *sessionActor) handleMessage(env envelope) {
	switch msg := env.msg.(type) {
	case JoinMessage:
		a.handleJoin(env.conn, msg)
	case AddElementMessage:
		a.handleAddElement(env, msg)
	case UpdateElementMessage:
		a.handleUpdateElement(msg)
	case DeleteElementMessage:
		a.handleDeleteElement(msg)
	case CursorMoveMessage:
		a.handleCursorMove(env, msg)
	case VoiceCommandMessage:
		a.triggerSuggestion(SuggestionKindVoice, msg.Command, "")
	case AIRequestMessage:
		a.triggerSuggestion(SuggestionKindRequest, msg.Request, "")
	default:
		// Forward compatibility: unknown variants are logged and ignored
		slogging.Get().Info("ignoring unhandled message type %s on session %s", env.msg.GetMessageType(), a.session.ID)
	}
}

func (a *sessionActor) handleJoin(conn *Connection, msg JoinMessage) {
	userID := SanitizeIdentifier(msg.UserID)
	if userID == "" {
		a.store.hub.sendWireError(conn, "validation_failed", "user_id is empty after sanitization")
		return
	}

	if a.session.findParticipant(userID) == nil {
		displayName := SanitizeText(msg.DisplayName)
		if displayName == "" {
			displayName = userID
		}
		a.session.Participants = append(a.session.Participants, &Participant{
			ID:          userID,
			DisplayName: displayName,
			ColorTag:    colorForJoinIndex(a.session.joinCount),
		})
		a.session.joinCount++
	}

	// Full snapshot to the new connection only
	canvas, participants := a.session.snapshot()
	snapshot := CanvasStateMessage{
		MessageType:  MessageTypeCanvasState,
		Canvas:       canvas,
		Participants: participants,
		AIAgents:     append([]string(nil), a.session.AIAgents...),
	}
	if data, err := MarshalMessage(snapshot); err == nil {
		a.store.hub.SendTo(conn, data)
	} else {
		slogging.Get().Error("failed to marshal canvas_state for session %s: %v", a.session.ID, err)
	}

	// Join notification to everyone else
	joined := UserJoinedMessage{
		MessageType:  MessageTypeUserJoined,
		UserID:       userID,
		Participants: participants,
		Timestamp:    time.Now().UTC(),
	}
	a.broadcast(joined, conn)
	a.persistSnapshot()
}

func (a *sessionActor) handleAddElement(env envelope, msg AddElementMessage) {
	element := a.buildElement(env.authorID, msg.Element)
	a.session.Canvas = append(a.session.Canvas, element)

	a.broadcast(ElementAddedMessage{
		MessageType: MessageTypeElementAdded,
		Element:     element,
	}, nil) // broadcast to all connections, sender included
	if a.store.metrics != nil {
		a.store.metrics.Mutations.WithLabelValues("add_element").Inc()
	}
	a.persistSnapshot()

	// Code elements trigger an asynchronous review suggestion. The task runs
	// detached; the element_added broadcast above has already completed.
	if element.Type == ElementTypeCode {
		a.triggerSuggestion(SuggestionKindCodeReview, element.Content, element.ID)
	}
}

// buildElement fills defaults, assigns a fresh id, sanitizes content, and
// clamps position. Element ids are UUIDs and are never reused within a
// session, including after deletes.
func (a *sessionActor) buildElement(authorID string, payload ElementPayload) *CanvasElement {
	elementType := payload.Type
	if elementType == "" {
		elementType = ElementTypeCode
	}

	var x, y float64
	if payload.Position != nil {
		x, y = payload.Position.X, payload.Position.Y
	}
	x, y = ClampPosition(x, y)

	connections := make([]string, 0, len(payload.Connections))
	for _, id := range payload.Connections {
		if safe := SanitizeIdentifier(id); safe != "" {
			connections = append(connections, safe)
		}
	}

	return &CanvasElement{
		ID:          uuid.New().String(),
		Type:        elementType,
		Position:    Position{X: x, Y: y},
		Content:     SanitizeText(payload.Content),
		AuthorID:    authorID,
		CreatedAt:   time.Now().UTC(),
		Connections: connections,
	}
}

func (a *sessionActor) handleUpdateElement(msg UpdateElementMessage) {
	element, _ := a.session.findElement(msg.ElementID)
	if element == nil {
		// Non-fatal: no broadcast, no error visible to other participants
		slogging.Get().Debug("update_element for unknown element %s on session %s", msg.ElementID, a.session.ID)
		return
	}

	applied := ElementUpdates{}
	if msg.Updates.Content != nil {
		content := SanitizeText(*msg.Updates.Content)
		element.Content = content
		applied.Content = &content
	}
	if msg.Updates.Position != nil {
		x, y := ClampPosition(msg.Updates.Position.X, msg.Updates.Position.Y)
		element.Position = Position{X: x, Y: y}
		applied.Position = &Position{X: x, Y: y}
	}
	if msg.Updates.Connections != nil {
		connections := make([]string, 0, len(*msg.Updates.Connections))
		for _, id := range *msg.Updates.Connections {
			if safe := SanitizeIdentifier(id); safe != "" {
				connections = append(connections, safe)
			}
		}
		element.Connections = connections
		applied.Connections = &connections
	}

	a.broadcast(ElementUpdatedMessage{
		MessageType: MessageTypeElementUpdated,
		ElementID:   element.ID,
		Updates:     applied,
	}, nil)
	if a.store.metrics != nil {
		a.store.metrics.Mutations.WithLabelValues("update_element").Inc()
	}
	a.persistSnapshot()
}

func (a *sessionActor) handleDeleteElement(msg DeleteElementMessage) {
	_, index := a.session.findElement(msg.ElementID)
	if index < 0 {
		slogging.Get().Debug("delete_element for unknown element %s on session %s", msg.ElementID, a.session.ID)
		return
	}
	a.session.Canvas = append(a.session.Canvas[:index], a.session.Canvas[index+1:]...)

	a.broadcast(ElementDeletedMessage{
		MessageType: MessageTypeElementDeleted,
		ElementID:   msg.ElementID,
	}, nil)
	if a.store.metrics != nil {
		a.store.metrics.Mutations.WithLabelValues("delete_element").Inc()
	}
	a.persistSnapshot()
}

func (a *sessionActor) handleCursorMove(env envelope, msg CursorMoveMessage) {
	participant := a.session.findParticipant(env.authorID)
	if participant == nil {
		return
	}
	x, y := ClampPosition(msg.Position.X, msg.Position.Y)
	participant.Cursor = &Position{X: x, Y: y}

	a.broadcast(CursorMovedMessage{
		MessageType: MessageTypeCursorMoved,
		UserID:      env.authorID,
		Position:    Position{X: x, Y: y},
	}, env.conn)
}

func (a *sessionActor) handleLeave(env envelope) {
	participant := a.session.findParticipant(env.authorID)
	if participant == nil {
		return
	}
	for i, p := range a.session.Participants {
		if p.ID == env.authorID {
			a.session.Participants = append(a.session.Participants[:i], a.session.Participants[i+1:]...)
			break
		}
	}

	a.broadcast(UserLeftMessage{
		MessageType: MessageTypeUserLeft,
		UserID:      env.authorID,
		Timestamp:   time.Now().UTC(),
	}, nil)
	a.persistSnapshot()
}

// triggerSuggestion spawns the detached inference task. On success the
// synthesized element re-enters the actor through the same queue as any
// other mutation, so it is sanitized, id-assigned, and broadcast normally.
// On failure the task is abandoned; it never blocks or fails the path that
// spawned it.
func (a *sessionActor) triggerSuggestion(kind SuggestionKind, prompt, originElementID string) {
	if a.store.suggester == nil {
		return
	}

	sessionID := a.session.ID
	var originX, originY float64
	hasOrigin := false
	if originElementID != "" {
		if origin, _ := a.session.findElement(originElementID); origin != nil {
			originX, originY = origin.Position.X, origin.Position.Y
			hasOrigin = true
		}
	}

	go func() {
		logger := slogging.Get()
		result, err := a.store.suggester.Suggest(context.Background(), SuggestionTask{
			Kind:      kind,
			Prompt:    prompt,
			SessionID: sessionID,
		})
		if err != nil {
			logger.Debug("suggestion task abandoned for session %s: %v", sessionID, err)
			if a.store.metrics != nil {
				a.store.metrics.AISuggestions.WithLabelValues("failed").Inc()
			}
			return
		}

		var x, y float64
		var connections []string
		if hasOrigin {
			x, y = ClampPosition(originX+300, originY+rand.Float64()*100) // #nosec G404
			connections = []string{originElementID}
		} else {
			x, y = rand.Float64()*800, rand.Float64()*600 // #nosec G404
		}

		synthetic := AddElementMessage{
			MessageType: MessageTypeAddElement,
			Element: ElementPayload{
				Type:        ElementTypeAISuggestion,
				Position:    &Position{X: x, Y: y},
				Content:     result,
				Connections: connections,
			},
		}
		a.enqueue(envelope{
			kind:     kindMessage,
			authorID: agentForKind(kind),
			msg:      synthetic,
		})
		if a.store.metrics != nil {
			a.store.metrics.AISuggestions.WithLabelValues("injected").Inc()
		}
	}()
}

// broadcast marshals an outbound message and fans it out via the hub. It
// returns only after every attached connection has been handed the event
// (or dropped), preserving per-session ordering for all observers.
func (a *sessionActor) broadcast(msg Message, exclude *Connection) {
	data, err := MarshalMessage(msg)
	if err != nil {
		slogging.Get().Error("failed to marshal %s event for session %s: %v", msg.GetMessageType(), a.session.ID, err)
		return
	}
	a.store.hub.Broadcast(a.session.ID, data, exclude)
}

// persistSnapshot hands the current state to the write-behind worker
func (a *sessionActor) persistSnapshot() {
	if a.persist == nil {
		return
	}
	canvas, participants := a.session.snapshot()
	a.persist.enqueue(&SessionSnapshot{
		ID:           a.session.ID,
		Participants: participants,
		Canvas:       canvas,
		AIAgents:     append([]string(nil), a.session.AIAgents...),
		CreatedAt:    a.session.CreatedAt,
		SavedAt:      time.Now().UTC(),
	})
}

func (a *sessionActor) shutdown() {
	if a.persist != nil {
		// Final snapshot so a later join can restore the canvas
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		canvas, participants := a.session.snapshot()
		err := a.store.docs.SaveSnapshot(ctx, &SessionSnapshot{
			ID:           a.session.ID,
			Participants: participants,
			Canvas:       canvas,
			AIAgents:     append([]string(nil), a.session.AIAgents...),
			CreatedAt:    a.session.CreatedAt,
			SavedAt:      time.Now().UTC(),
		})
		cancel()
		if err != nil {
			slogging.Get().Warn("final snapshot failed for session %s: %v", a.session.ID, err)
		}
		a.persist.stop()
	}
	slogging.Get().Info("session %s torn down", a.session.ID)
}
