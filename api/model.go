package api

import (
	"fmt"
	"time"
)

// Canvas bounds in logical units. Positions outside the bounds are clamped,
// never rejected.
const (
	CanvasMaxX = 2000.0
	CanvasMaxY = 2000.0
)

// ElementType identifies the kind of content a canvas element holds
type ElementType string

const (
	ElementTypeCode         ElementType = "code"
	ElementTypeComment      ElementType = "comment"
	ElementTypeDiagram      ElementType = "diagram"
	ElementTypeAISuggestion ElementType = "ai_suggestion"
)

// IsValid reports whether the element type is one of the known kinds
func (t ElementType) IsValid() bool {
	switch t {
	case ElementTypeCode, ElementTypeComment, ElementTypeDiagram, ElementTypeAISuggestion:
		return true
	}
	return false
}

// Reserved AI agent identities. Sessions are created with this roster;
// synthesized elements are authored by one of these ids.
const (
	AgentAssistant = "claude-assistant"
	AgentReviewer  = "code-reviewer"
	AgentArchitect = "architect"
)

// DefaultAIAgents returns the agent roster assigned to new sessions
func DefaultAIAgents() []string {
	return []string{AgentAssistant, AgentReviewer, AgentArchitect}
}

// Position is a point on the canvas
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// CanvasElement is a positioned, typed, author-tagged unit of content on a
// session's shared canvas. Connections are soft references to other element
// ids; dangling ids are tolerated.
type CanvasElement struct {
	ID          string      `json:"id"`
	Type        ElementType `json:"type"`
	Position    Position    `json:"position"`
	Content     string      `json:"content"`
	AuthorID    string      `json:"author_id"`
	CreatedAt   time.Time   `json:"created_at"`
	Connections []string    `json:"connections"`
}

// Participant is a human or agent identity attached to a session
type Participant struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	ColorTag    string    `json:"color_tag"`
	Cursor      *Position `json:"cursor,omitempty"`
}

// Session is an isolated collaborative canvas plus its participant set.
// It is owned exclusively by its session actor and must never be mutated
// from outside the actor's goroutine.
type Session struct {
	ID           string           `json:"id"`
	Participants []*Participant   `json:"participants"`
	Canvas       []*CanvasElement `json:"canvas"`
	AIAgents     []string         `json:"ai_agents"`
	CreatedAt    time.Time        `json:"created_at"`

	// joinCount tracks total joins ever, for deterministic color assignment
	joinCount int
}

// colorForJoinIndex derives a participant color from join order using golden
// angle hue rotation, so concurrent joiners get well-separated colors without
// coordination.
func colorForJoinIndex(index int) string {
	hue := (index * 137) % 360
	return fmt.Sprintf("hsl(%d, 70%%, 45%%)", hue)
}

// findParticipant returns the participant with the given id, or nil
func (s *Session) findParticipant(id string) *Participant {
	for _, p := range s.Participants {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// findElement returns the element with the given id and its index, or (nil, -1)
func (s *Session) findElement(id string) (*CanvasElement, int) {
	for i, el := range s.Canvas {
		if el.ID == id {
			return el, i
		}
	}
	return nil, -1
}

// snapshot returns deep copies of the canvas and participant lists, safe to
// hand outside the actor goroutine.
func (s *Session) snapshot() ([]*CanvasElement, []*Participant) {
	canvas := make([]*CanvasElement, len(s.Canvas))
	for i, el := range s.Canvas {
		cp := *el
		cp.Connections = append([]string(nil), el.Connections...)
		canvas[i] = &cp
	}
	participants := make([]*Participant, len(s.Participants))
	for i, p := range s.Participants {
		cp := *p
		if p.Cursor != nil {
			cur := *p.Cursor
			cp.Cursor = &cur
		}
		participants[i] = &cp
	}
	return canvas, participants
}
