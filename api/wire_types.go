package api

import (
	"encoding/json"
	"fmt"
	"time"
)

// WebSocket wire protocol. Every message carries a "message_type"
// discriminant; inbound and outbound shapes are separate tagged unions so
// unknown inbound types can be ignored without closing the connection.

// MessageType represents the type of WebSocket message
type MessageType string

const (
	// Inbound (client -> server)
	MessageTypeJoin          MessageType = "join"
	MessageTypeAddElement    MessageType = "add_element"
	MessageTypeUpdateElement MessageType = "update_element"
	MessageTypeDeleteElement MessageType = "delete_element"
	MessageTypeCursorMove    MessageType = "cursor_move"
	MessageTypeVoiceCommand  MessageType = "voice_command"
	MessageTypeAIRequest     MessageType = "ai_request"

	// Outbound (server -> client)
	MessageTypeCanvasState    MessageType = "canvas_state"
	MessageTypeElementAdded   MessageType = "element_added"
	MessageTypeElementUpdated MessageType = "element_updated"
	MessageTypeElementDeleted MessageType = "element_deleted"
	MessageTypeCursorMoved    MessageType = "cursor_moved"
	MessageTypeUserJoined     MessageType = "user_joined"
	MessageTypeUserLeft       MessageType = "user_left"
	MessageTypeError          MessageType = "error"
)

// Message is the base interface for all WebSocket messages
type Message interface {
	GetMessageType() MessageType
	Validate() error
}

// ElementPayload is the client-supplied portion of a new canvas element.
// Missing fields are filled from type-specific defaults by the actor.
type ElementPayload struct {
	Type        ElementType `json:"type"`
	Position    *Position   `json:"position,omitempty"`
	Content     string      `json:"content"`
	Connections []string    `json:"connections,omitempty"`
}

// ElementUpdates carries the fields of an update_element shallow merge.
// Only non-nil fields are applied.
type ElementUpdates struct {
	Position    *Position `json:"position,omitempty"`
	Content     *string   `json:"content,omitempty"`
	Connections *[]string `json:"connections,omitempty"`
}

// Empty reports whether the update carries no fields at all
func (u ElementUpdates) Empty() bool {
	return u.Position == nil && u.Content == nil && u.Connections == nil
}

// Inbound messages

// JoinMessage attaches a participant to a session. Sent implicitly on
// connect as the handshake.
type JoinMessage struct {
	MessageType MessageType `json:"message_type"`
	SessionID   string      `json:"session_id"`
	UserID      string      `json:"user_id"`
	DisplayName string      `json:"display_name,omitempty"`
}

func (m JoinMessage) GetMessageType() MessageType { return m.MessageType }

func (m JoinMessage) Validate() error {
	if m.MessageType != MessageTypeJoin {
		return fmt.Errorf("%w: invalid message_type: expected %s, got %s", ErrValidation, MessageTypeJoin, m.MessageType)
	}
	if m.SessionID == "" {
		return fmt.Errorf("%w: session_id is required", ErrValidation)
	}
	if m.UserID == "" {
		return fmt.Errorf("%w: user_id is required", ErrValidation)
	}
	return nil
}

// AddElementMessage creates a new canvas element
type AddElementMessage struct {
	MessageType MessageType    `json:"message_type"`
	Element     ElementPayload `json:"element"`
}

func (m AddElementMessage) GetMessageType() MessageType { return m.MessageType }

func (m AddElementMessage) Validate() error {
	if m.MessageType != MessageTypeAddElement {
		return fmt.Errorf("%w: invalid message_type: expected %s, got %s", ErrValidation, MessageTypeAddElement, m.MessageType)
	}
	if m.Element.Type != "" && !m.Element.Type.IsValid() {
		return fmt.Errorf("%w: invalid element type: %s", ErrValidation, m.Element.Type)
	}
	return nil
}

// UpdateElementMessage shallow-merges fields into an existing element
type UpdateElementMessage struct {
	MessageType MessageType    `json:"message_type"`
	ElementID   string         `json:"element_id"`
	Updates     ElementUpdates `json:"updates"`
}

func (m UpdateElementMessage) GetMessageType() MessageType { return m.MessageType }

func (m UpdateElementMessage) Validate() error {
	if m.MessageType != MessageTypeUpdateElement {
		return fmt.Errorf("%w: invalid message_type: expected %s, got %s", ErrValidation, MessageTypeUpdateElement, m.MessageType)
	}
	if m.ElementID == "" {
		return fmt.Errorf("%w: element_id is required", ErrValidation)
	}
	if m.Updates.Empty() {
		return fmt.Errorf("%w: updates must carry at least one field", ErrValidation)
	}
	return nil
}

// DeleteElementMessage removes an element if present
type DeleteElementMessage struct {
	MessageType MessageType `json:"message_type"`
	ElementID   string      `json:"element_id"`
}

func (m DeleteElementMessage) GetMessageType() MessageType { return m.MessageType }

func (m DeleteElementMessage) Validate() error {
	if m.MessageType != MessageTypeDeleteElement {
		return fmt.Errorf("%w: invalid message_type: expected %s, got %s", ErrValidation, MessageTypeDeleteElement, m.MessageType)
	}
	if m.ElementID == "" {
		return fmt.Errorf("%w: element_id is required", ErrValidation)
	}
	return nil
}

// CursorMoveMessage updates the sender's cursor position
type CursorMoveMessage struct {
	MessageType MessageType `json:"message_type"`
	Position    Position    `json:"position"`
}

func (m CursorMoveMessage) GetMessageType() MessageType { return m.MessageType }

func (m CursorMoveMessage) Validate() error {
	if m.MessageType != MessageTypeCursorMove {
		return fmt.Errorf("%w: invalid message_type: expected %s, got %s", ErrValidation, MessageTypeCursorMove, m.MessageType)
	}
	return nil
}

// VoiceCommandMessage forwards a transcribed voice command to the AI
// collaborator; the result re-enters the session as a synthesized element.
type VoiceCommandMessage struct {
	MessageType MessageType `json:"message_type"`
	Command     string      `json:"command"`
}

func (m VoiceCommandMessage) GetMessageType() MessageType { return m.MessageType }

func (m VoiceCommandMessage) Validate() error {
	if m.MessageType != MessageTypeVoiceCommand {
		return fmt.Errorf("%w: invalid message_type: expected %s, got %s", ErrValidation, MessageTypeVoiceCommand, m.MessageType)
	}
	if m.Command == "" {
		return fmt.Errorf("%w: command is required", ErrValidation)
	}
	return nil
}

// AIRequestMessage forwards a free-text request to the AI collaborator
type AIRequestMessage struct {
	MessageType MessageType `json:"message_type"`
	Request     string      `json:"request"`
}

func (m AIRequestMessage) GetMessageType() MessageType { return m.MessageType }

func (m AIRequestMessage) Validate() error {
	if m.MessageType != MessageTypeAIRequest {
		return fmt.Errorf("%w: invalid message_type: expected %s, got %s", ErrValidation, MessageTypeAIRequest, m.MessageType)
	}
	if m.Request == "" {
		return fmt.Errorf("%w: request is required", ErrValidation)
	}
	return nil
}

// Outbound messages

// CanvasStateMessage is the full-state snapshot sent only to a newly joined
// connection. Reconnecting clients replace their local mirror with it.
type CanvasStateMessage struct {
	MessageType  MessageType      `json:"message_type"`
	Canvas       []*CanvasElement `json:"canvas"`
	Participants []*Participant   `json:"participants"`
	AIAgents     []string         `json:"ai_agents"`
}

func (m CanvasStateMessage) GetMessageType() MessageType { return m.MessageType }

func (m CanvasStateMessage) Validate() error {
	if m.MessageType != MessageTypeCanvasState {
		return fmt.Errorf("invalid message_type: expected %s, got %s", MessageTypeCanvasState, m.MessageType)
	}
	return nil
}

// ElementAddedMessage broadcasts a confirmed element creation
type ElementAddedMessage struct {
	MessageType MessageType    `json:"message_type"`
	Element     *CanvasElement `json:"element"`
}

func (m ElementAddedMessage) GetMessageType() MessageType { return m.MessageType }

func (m ElementAddedMessage) Validate() error {
	if m.MessageType != MessageTypeElementAdded {
		return fmt.Errorf("invalid message_type: expected %s, got %s", MessageTypeElementAdded, m.MessageType)
	}
	if m.Element == nil {
		return fmt.Errorf("element is required")
	}
	return nil
}

// ElementUpdatedMessage broadcasts a confirmed shallow merge
type ElementUpdatedMessage struct {
	MessageType MessageType    `json:"message_type"`
	ElementID   string         `json:"element_id"`
	Updates     ElementUpdates `json:"updates"`
}

func (m ElementUpdatedMessage) GetMessageType() MessageType { return m.MessageType }

func (m ElementUpdatedMessage) Validate() error {
	if m.MessageType != MessageTypeElementUpdated {
		return fmt.Errorf("invalid message_type: expected %s, got %s", MessageTypeElementUpdated, m.MessageType)
	}
	if m.ElementID == "" {
		return fmt.Errorf("element_id is required")
	}
	return nil
}

// ElementDeletedMessage broadcasts a confirmed element removal
type ElementDeletedMessage struct {
	MessageType MessageType `json:"message_type"`
	ElementID   string      `json:"element_id"`
}

func (m ElementDeletedMessage) GetMessageType() MessageType { return m.MessageType }

func (m ElementDeletedMessage) Validate() error {
	if m.MessageType != MessageTypeElementDeleted {
		return fmt.Errorf("invalid message_type: expected %s, got %s", MessageTypeElementDeleted, m.MessageType)
	}
	if m.ElementID == "" {
		return fmt.Errorf("element_id is required")
	}
	return nil
}

// CursorMovedMessage broadcasts another participant's cursor position
type CursorMovedMessage struct {
	MessageType MessageType `json:"message_type"`
	UserID      string      `json:"user_id"`
	Position    Position    `json:"position"`
}

func (m CursorMovedMessage) GetMessageType() MessageType { return m.MessageType }

func (m CursorMovedMessage) Validate() error {
	if m.MessageType != MessageTypeCursorMoved {
		return fmt.Errorf("invalid message_type: expected %s, got %s", MessageTypeCursorMoved, m.MessageType)
	}
	if m.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	return nil
}

// UserJoinedMessage notifies existing connections of a new participant
type UserJoinedMessage struct {
	MessageType  MessageType    `json:"message_type"`
	UserID       string         `json:"user_id"`
	Participants []*Participant `json:"participants"`
	Timestamp    time.Time      `json:"timestamp"`
}

func (m UserJoinedMessage) GetMessageType() MessageType { return m.MessageType }

func (m UserJoinedMessage) Validate() error {
	if m.MessageType != MessageTypeUserJoined {
		return fmt.Errorf("invalid message_type: expected %s, got %s", MessageTypeUserJoined, m.MessageType)
	}
	if m.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	return nil
}

// UserLeftMessage notifies remaining connections of a departure
type UserLeftMessage struct {
	MessageType MessageType `json:"message_type"`
	UserID      string      `json:"user_id"`
	Timestamp   time.Time   `json:"timestamp"`
}

func (m UserLeftMessage) GetMessageType() MessageType { return m.MessageType }

func (m UserLeftMessage) Validate() error {
	if m.MessageType != MessageTypeUserLeft {
		return fmt.Errorf("invalid message_type: expected %s, got %s", MessageTypeUserLeft, m.MessageType)
	}
	if m.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	return nil
}

// WireError is the error wire message, delivered only to the offending
// connection.
type WireError struct {
	MessageType MessageType `json:"message_type"`
	Code        string      `json:"error"`
	Message     string      `json:"message"`
	Timestamp   time.Time   `json:"timestamp"`
}

func (m WireError) GetMessageType() MessageType { return m.MessageType }

func (m WireError) Validate() error {
	if m.MessageType != MessageTypeError {
		return fmt.Errorf("invalid message_type: expected %s, got %s", MessageTypeError, m.MessageType)
	}
	if m.Code == "" {
		return fmt.Errorf("error is required")
	}
	return nil
}

// NewWireError builds an error message with the current timestamp
func NewWireError(code, message string) WireError {
	return WireError{
		MessageType: MessageTypeError,
		Code:        code,
		Message:     message,
		Timestamp:   time.Now().UTC(),
	}
}

// ParseInboundMessage parses a raw client message into its typed variant and
// validates it. Unknown message types return ErrUnknownMessageType so callers
// can log and ignore them without closing the connection.
func ParseInboundMessage(data []byte) (Message, error) {
	var base struct {
		MessageType MessageType `json:"message_type"`
	}
	if err := json.Unmarshal(data, &base); err != nil {
		return nil, fmt.Errorf("%w: failed to parse message envelope: %v", ErrValidation, err)
	}

	switch base.MessageType {
	case MessageTypeJoin:
		var msg JoinMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("%w: failed to parse join message: %v", ErrValidation, err)
		}
		return msg, msg.Validate()

	case MessageTypeAddElement:
		var msg AddElementMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("%w: failed to parse add_element message: %v", ErrValidation, err)
		}
		return msg, msg.Validate()

	case MessageTypeUpdateElement:
		var msg UpdateElementMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("%w: failed to parse update_element message: %v", ErrValidation, err)
		}
		return msg, msg.Validate()

	case MessageTypeDeleteElement:
		var msg DeleteElementMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("%w: failed to parse delete_element message: %v", ErrValidation, err)
		}
		return msg, msg.Validate()

	case MessageTypeCursorMove:
		var msg CursorMoveMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("%w: failed to parse cursor_move message: %v", ErrValidation, err)
		}
		return msg, msg.Validate()

	case MessageTypeVoiceCommand:
		var msg VoiceCommandMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("%w: failed to parse voice_command message: %v", ErrValidation, err)
		}
		return msg, msg.Validate()

	case MessageTypeAIRequest:
		var msg AIRequestMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("%w: failed to parse ai_request message: %v", ErrValidation, err)
		}
		return msg, msg.Validate()

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessageType, base.MessageType)
	}
}

// ParseOutboundMessage parses a server message on the client side
func ParseOutboundMessage(data []byte) (Message, error) {
	var base struct {
		MessageType MessageType `json:"message_type"`
	}
	if err := json.Unmarshal(data, &base); err != nil {
		return nil, fmt.Errorf("%w: failed to parse message envelope: %v", ErrValidation, err)
	}

	switch base.MessageType {
	case MessageTypeCanvasState:
		var msg CanvasStateMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("%w: failed to parse canvas_state message: %v", ErrValidation, err)
		}
		return msg, msg.Validate()

	case MessageTypeElementAdded:
		var msg ElementAddedMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("%w: failed to parse element_added message: %v", ErrValidation, err)
		}
		return msg, msg.Validate()

	case MessageTypeElementUpdated:
		var msg ElementUpdatedMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("%w: failed to parse element_updated message: %v", ErrValidation, err)
		}
		return msg, msg.Validate()

	case MessageTypeElementDeleted:
		var msg ElementDeletedMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("%w: failed to parse element_deleted message: %v", ErrValidation, err)
		}
		return msg, msg.Validate()

	case MessageTypeCursorMoved:
		var msg CursorMovedMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("%w: failed to parse cursor_moved message: %v", ErrValidation, err)
		}
		return msg, msg.Validate()

	case MessageTypeUserJoined:
		var msg UserJoinedMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("%w: failed to parse user_joined message: %v", ErrValidation, err)
		}
		return msg, msg.Validate()

	case MessageTypeUserLeft:
		var msg UserLeftMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("%w: failed to parse user_left message: %v", ErrValidation, err)
		}
		return msg, msg.Validate()

	case MessageTypeError:
		var msg WireError
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("%w: failed to parse error message: %v", ErrValidation, err)
		}
		return msg, msg.Validate()

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessageType, base.MessageType)
	}
}

// MarshalMessage validates and marshals a wire message
func MarshalMessage(msg Message) ([]byte, error) {
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("message validation failed: %w", err)
	}
	return json.Marshal(msg)
}
