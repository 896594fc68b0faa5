package client

import (
	"sync"

	"github.com/nexuspro/canvas/api"
)

// Mirror is a thread-safe local read model of one session. Feed it every
// server event via Apply; a canvas_state snapshot replaces all local state
// wholesale, which is how post-reconnect reconciliation works.
type Mirror struct {
	mu           sync.RWMutex
	elements     map[string]*api.CanvasElement
	participants map[string]*api.Participant
	aiAgents     []string
}

func NewMirror() *Mirror {
	return &Mirror{
		elements:     make(map[string]*api.CanvasElement),
		participants: make(map[string]*api.Participant),
	}
}

// Apply folds a server event into the mirror. Events the mirror does not
// model (errors, unknown variants) are ignored.
func (m *Mirror) Apply(msg api.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch ev := msg.(type) {
	case api.CanvasStateMessage:
		m.elements = make(map[string]*api.CanvasElement, len(ev.Canvas))
		for _, el := range ev.Canvas {
			m.elements[el.ID] = el
		}
		m.participants = make(map[string]*api.Participant, len(ev.Participants))
		for _, p := range ev.Participants {
			m.participants[p.ID] = p
		}
		m.aiAgents = append([]string(nil), ev.AIAgents...)

	case api.ElementAddedMessage:
		if ev.Element != nil {
			m.elements[ev.Element.ID] = ev.Element
		}

	case api.ElementUpdatedMessage:
		el, ok := m.elements[ev.ElementID]
		if !ok {
			return
		}
		if ev.Updates.Content != nil {
			el.Content = *ev.Updates.Content
		}
		if ev.Updates.Position != nil {
			el.Position = *ev.Updates.Position
		}
		if ev.Updates.Connections != nil {
			el.Connections = append([]string(nil), (*ev.Updates.Connections)...)
		}

	case api.ElementDeletedMessage:
		delete(m.elements, ev.ElementID)

	case api.CursorMovedMessage:
		if p, ok := m.participants[ev.UserID]; ok {
			pos := ev.Position
			p.Cursor = &pos
		}

	case api.UserJoinedMessage:
		m.participants = make(map[string]*api.Participant, len(ev.Participants))
		for _, p := range ev.Participants {
			m.participants[p.ID] = p
		}

	case api.UserLeftMessage:
		delete(m.participants, ev.UserID)
	}
}

// Element returns a copy of the element with the given id
func (m *Mirror) Element(id string) (api.CanvasElement, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	el, ok := m.elements[id]
	if !ok {
		return api.CanvasElement{}, false
	}
	return *el, true
}

// ElementCount returns the number of elements in the mirror
func (m *Mirror) ElementCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.elements)
}

// Participants returns the ids of all known participants
func (m *Mirror) Participants() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.participants))
	for id := range m.participants {
		ids = append(ids, id)
	}
	return ids
}

// AIAgents returns the session's advertised agent roster
func (m *Mirror) AIAgents() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.aiAgents...)
}
